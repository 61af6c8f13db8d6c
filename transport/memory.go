package transport

import (
	"context"
	"sync"

	"github.com/corverroos/vrengine/config"
	"github.com/corverroos/vrengine/message"
	"golang.org/x/sync/errgroup"
)

// clientSender is the sentinel "from" replica id used when a client,
// rather than a peer replica, is the origin of a delivered message. No
// handler in this module inspects `from` for a message.Request, so the
// exact sentinel value only matters for readability in logs/tests.
const clientSender config.ReplicaID = -1

// Network is the shared in-memory hub that simulated replicas and clients
// register with. It realizes the spec's harness+oracle component (§2,
// component 6): a transport that can selectively drop or duplicate
// messages addressed to a given replica, so tests can drive the scenarios
// in §8 deterministically.
//
// Grounded on the fan-out/fan-in shape of the teacher's
// vr.Replica.sendAndRecvTo, simplified since the simulation does not need
// retries or backoff — the harness controls delivery directly.
type Network struct {
	mu       sync.Mutex
	handlers map[config.ReplicaID]Handler
	clients  map[config.ClientID]func(message.Reply)

	dropTo      map[config.ReplicaID]bool
	duplicateTo map[config.ReplicaID]bool
}

// NewNetwork returns an empty, fault-free network hub.
func NewNetwork() *Network {
	return &Network{
		handlers:    make(map[config.ReplicaID]Handler),
		clients:     make(map[config.ClientID]func(message.Reply)),
		dropTo:      make(map[config.ReplicaID]bool),
		duplicateTo: make(map[config.ReplicaID]bool),
	}
}

// SetDrop makes every message addressed to `to` vanish until cleared.
func (n *Network) SetDrop(to config.ReplicaID, drop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropTo[to] = drop
}

// SetDuplicate makes every message addressed to `to` get delivered twice
// until cleared.
func (n *Network) SetDuplicate(to config.ReplicaID, duplicate bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.duplicateTo[to] = duplicate
}

// ClearFaults resets all drop/duplicate rules to clean delivery.
func (n *Network) ClearFaults() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropTo = make(map[config.ReplicaID]bool)
	n.duplicateTo = make(map[config.ReplicaID]bool)
}

func (n *Network) registerReplica(id config.ReplicaID, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// RegisterClient wires a callback that fires whenever a Reply addressed to
// this client id arrives.
func (n *Network) RegisterClient(id config.ClientID, cb func(message.Reply)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clients[id] = cb
}

func (n *Network) deliver(from, to config.ReplicaID, msg interface{}) {
	n.mu.Lock()
	h, ok := n.handlers[to]
	drop := n.dropTo[to]
	duplicate := n.duplicateTo[to]
	n.mu.Unlock()
	if !ok || drop {
		return
	}
	go h(from, msg)
	if duplicate {
		go h(from, msg)
	}
}

func (n *Network) deliverToClient(reply message.Reply) {
	n.mu.Lock()
	cb, ok := n.clients[reply.ClientID]
	n.mu.Unlock()
	if !ok {
		return
	}
	go cb(reply)
}

// MemoryTransport is the per-replica Transport implementation backed by a
// shared Network.
type MemoryTransport struct {
	net  *Network
	self config.ReplicaID
	cfg  *config.Configuration
}

// NewMemoryTransport returns a Transport for replica `self` that delivers
// through the shared network hub.
func NewMemoryTransport(net *Network, self config.ReplicaID, cfg *config.Configuration) *MemoryTransport {
	return &MemoryTransport{net: net, self: self, cfg: cfg}
}

func (t *MemoryTransport) Send(_ context.Context, to config.ReplicaID, msg interface{}) error {
	t.net.deliver(t.self, to, msg)
	return nil
}

// Broadcast fans the send out to every peer concurrently via an
// errgroup.Group, matching RPCTransport.Broadcast's structured-concurrency
// idiom rather than a sequential loop.
func (t *MemoryTransport) Broadcast(ctx context.Context, msg interface{}) error {
	var g errgroup.Group
	for _, peer := range t.cfg.Peers(t.self) {
		peer := peer
		g.Go(func() error {
			return t.Send(ctx, peer, msg)
		})
	}
	return g.Wait()
}

func (t *MemoryTransport) RespondToClient(_ context.Context, reply message.Reply) error {
	t.net.deliverToClient(reply)
	return nil
}

func (t *MemoryTransport) Subscribe(h Handler) {
	t.net.registerReplica(t.self, h)
}

// MemoryClientTransport is the client-side counterpart: it satisfies the
// small Send-only interface the client shim depends on (client.Transport)
// without this package importing the client package.
type MemoryClientTransport struct {
	net *Network
}

// NewMemoryClientTransport returns a client Transport that submits requests
// through the shared network hub.
func NewMemoryClientTransport(net *Network) *MemoryClientTransport {
	return &MemoryClientTransport{net: net}
}

func (t *MemoryClientTransport) Send(_ context.Context, to config.ReplicaID, req message.Request) error {
	t.net.deliver(clientSender, to, req)
	return nil
}

// RegisterClient exposes Network.RegisterClient so callers constructing a
// client don't need to reach into the Network directly.
func (t *MemoryClientTransport) RegisterClient(id config.ClientID, cb func(message.Reply)) {
	t.net.RegisterClient(id, cb)
}
