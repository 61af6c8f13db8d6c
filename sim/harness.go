package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/corverroos/vrengine/client"
	"github.com/corverroos/vrengine/config"
	"github.com/corverroos/vrengine/replica"
	"github.com/corverroos/vrengine/statemachine"
	"github.com/corverroos/vrengine/transport"
	"go.uber.org/zap"
)

// Cluster wires N in-memory replicas, a shared transport.Network, and one
// statemachine.Counter per replica, ready to be driven by direct message
// injection or by real client.Client instances (spec §8).
type Cluster struct {
	Network  *transport.Network
	Config   *config.Configuration
	Replicas map[config.ReplicaID]*replica.Replica
	SMs      map[config.ReplicaID]*statemachine.Counter

	log *zap.Logger
}

// NewCluster builds a Cluster of n replicas (n must be odd) addressed by
// placeholder host:port strings — the in-memory transport never dials
// them, so the exact values don't matter, only their distinctness.
func NewCluster(n int, opts replica.Options, log *zap.Logger) (*Cluster, error) {
	addrs := make(map[config.ReplicaID]string, n)
	for i := 0; i < n; i++ {
		addrs[config.ReplicaID(i)] = fmt.Sprintf("sim-replica-%d", i)
	}
	cfg, err := config.New(addrs)
	if err != nil {
		return nil, err
	}

	net := transport.NewNetwork()
	c := &Cluster{
		Network:  net,
		Config:   cfg,
		Replicas: make(map[config.ReplicaID]*replica.Replica),
		SMs:      make(map[config.ReplicaID]*statemachine.Counter),
		log:      log,
	}
	for id := range addrs {
		trans := transport.NewMemoryTransport(net, id, cfg)
		sm := statemachine.NewCounter()
		c.SMs[id] = sm
		met := replica.NewMetrics(nil, id)
		c.Replicas[id] = replica.New(id, cfg, sm, trans, opts, log, met)
	}
	return c, nil
}

// Run starts every replica's idle ticker; cancel ctx to stop them all.
func (c *Cluster) Run(ctx context.Context, tick time.Duration) {
	for _, r := range c.Replicas {
		go r.Run(ctx, tick)
	}
}

// SetDrop/SetDuplicate forward to the underlying Network, for scenario 3
// (message loss) and scenario 4 (duplication/idempotence) in spec §8.
func (c *Cluster) SetDrop(to config.ReplicaID, drop bool)           { c.Network.SetDrop(to, drop) }
func (c *Cluster) SetDuplicate(to config.ReplicaID, duplicate bool) { c.Network.SetDuplicate(to, duplicate) }

// CurrentView returns the highest view any replica in the cluster has
// reached, by polling snapshots.
func (c *Cluster) CurrentView() config.ViewNumber {
	var best config.ViewNumber
	for _, r := range c.Replicas {
		if s := r.Snapshot(); s.View > best {
			best = s.View
		}
	}
	return best
}

// PrimaryID returns whichever replica currently believes itself primary for
// CurrentView — useful for tests that need to address a Request somewhere
// reasonable without tracking view changes by hand.
func (c *Cluster) PrimaryID() config.ReplicaID {
	return c.Config.Primary(c.CurrentView())
}

// NewClient returns a client.Client wired to submit requests through this
// cluster's network and receive replies asynchronously, seeded with the
// cluster's current view so its first request goes to the real primary
// instead of defaulting to primary(0) — a fresh client has no reply to
// learn the view from yet, and the client shim's own re-discovery-on-
// timeout is explicitly left to the implementer (§4.4), which the harness
// is.
func (c *Cluster) NewClient(cfg *config.Configuration, log *zap.Logger) *client.Client {
	trans := transport.NewMemoryClientTransport(c.Network)
	cl := client.New(cfg, trans, log)
	cl.SetView(c.CurrentView())
	trans.RegisterClient(cl.ID(), cl.OnResponse)
	return cl
}

// Harness drives randomized traffic and fault injection across a Cluster
// for scenario 5 ("Randomized property test") in spec §8: clients submit
// AddOp/SubOp operations against whatever replica they believe is primary,
// an Oracle applies the same operations in submission order, and the
// harness asserts every reply matches what the oracle produced.
type Harness struct {
	cluster *Cluster
	oracle  *Oracle
	rng     *rand.Rand

	mu      sync.Mutex
	results map[config.ClientID]map[config.RequestNumber]interface{}
}

// NewHarness returns a Harness over an existing Cluster, seeded for
// reproducible randomized runs.
func NewHarness(cluster *Cluster, seed int64) *Harness {
	return &Harness{
		cluster: cluster,
		oracle:  NewOracle(),
		rng:     rand.New(rand.NewSource(seed)),
		results: make(map[config.ClientID]map[config.RequestNumber]interface{}),
	}
}

// InjectRandomFaults flips drop/duplicate flags on a random subset of
// replicas, per spec §8 scenario 5's "random combinations of the above".
func (h *Harness) InjectRandomFaults() {
	for id := range h.cluster.Replicas {
		switch h.rng.Intn(4) {
		case 0:
			h.cluster.SetDrop(id, true)
		case 1:
			h.cluster.SetDuplicate(id, true)
		default:
			h.cluster.SetDrop(id, false)
			h.cluster.SetDuplicate(id, false)
		}
	}
}

// ClearFaults restores clean delivery across the whole network, used once
// a randomized run needs to converge and be checked for agreement.
func (h *Harness) ClearFaults() {
	h.cluster.Network.ClearFaults()
}

// Submit issues one operation from a fresh simulated client (the client
// shim itself resolves the believed primary) and immediately runs the same
// op through the oracle, so the two sides are recorded in the exact order
// the caller submits them. It does not block for the cluster's reply; the
// caller is expected to poll Settled/Agrees until the cluster quiesces.
// Callers that care about oracle-order agreement (as opposed to just the
// final converged total, which is order-independent for this state
// machine) must wait for one submission to settle before issuing the next.
func (h *Harness) Submit(ctx context.Context, op interface{}) (*client.Client, error) {
	cl := h.cluster.NewClient(h.cluster.Config, zap.NewNop())

	err := cl.Request(ctx, op, func(reqNum config.RequestNumber, res interface{}, _ error) {
		h.mu.Lock()
		if h.results[cl.ID()] == nil {
			h.results[cl.ID()] = make(map[config.RequestNumber]interface{})
		}
		h.results[cl.ID()][reqNum] = res
		h.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	h.oracle.Apply(cl.ID(), 1, op)
	return cl, nil
}

// Settled reports whether a reply for (clientID, reqNum) has arrived yet.
func (h *Harness) Settled(clientID config.ClientID, reqNum config.RequestNumber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.results[clientID][reqNum]
	return ok
}

// Agrees reports whether the recorded reply for (clientID, reqNum) matches
// what the oracle computed for the same op. False if either side has
// nothing recorded yet for this key.
func (h *Harness) Agrees(clientID config.ClientID, reqNum config.RequestNumber) bool {
	h.mu.Lock()
	got, ok := h.results[clientID][reqNum]
	h.mu.Unlock()
	if !ok {
		return false
	}
	expected, ok := h.oracle.Expected(clientID, reqNum)
	if !ok {
		return false
	}
	return got == expected
}

// OracleValue returns the oracle's current accumulator value, for comparing
// against every replica's statemachine.Counter.Value() once the simulation
// quiesces.
func (h *Harness) OracleValue() int {
	return h.oracle.Value()
}
