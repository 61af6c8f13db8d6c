// Package replica implements the core of the Viewstamped Replication
// engine: the per-replica state machine that handles
// Request/Prepare/PrepareOk/Commit/GetState/NewState/StartViewChange/
// DoViewChange/StartView messages, maintains the operation log, commits
// operations in order, performs state transfer, and coordinates view
// changes (spec §4). This is the hard part the spec calls out as ~70% of
// the implementation budget.
//
// Adapted from the teacher's vr.Replica (vr/vr.go, vr/vrviewchange.go):
// the same RPC-handler shape and field names (View/OpNumber/CommitNumber,
// status constants, acks bitmap) generalized from a fixed-size
// [NREPLICAS+1]-array cluster to a config.Configuration of arbitrary odd
// size, with every teacher TODO (commit advancement on Prepare, the "best
// log" DoViewChange tiebreak, state transfer) completed per the spec.
package replica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/corverroos/vrengine/config"
	"github.com/corverroos/vrengine/message"
	"github.com/corverroos/vrengine/oplog"
	"github.com/corverroos/vrengine/statemachine"
	"github.com/corverroos/vrengine/transport"
	"go.uber.org/zap"
)

// Status is one of the three states a replica can be in (§3).
type Status int

const (
	StatusNormal Status = iota
	StatusViewChange
	StatusRecovery
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "Normal"
	case StatusViewChange:
		return "ViewChange"
	case StatusRecovery:
		return "Recovery"
	default:
		return "Unknown"
	}
}

// Options are policy parameters the spec leaves to the deployment (§9:
// "the fixed T=2 is a simulation convenience... should be exposed as
// configuration").
type Options struct {
	// IdleTicksThreshold is T: the number of consecutive idle ticks a
	// backup tolerates without hearing from the primary before it
	// initiates a view change.
	IdleTicksThreshold int
}

// DefaultOptions returns the reference design's defaults (§4.1).
func DefaultOptions() Options {
	return Options{IdleTicksThreshold: 2}
}

type clientTableEntry struct {
	lastRequestNumber config.RequestNumber
	lastReply         message.Reply
	hasReply          bool
}

// Replica is one cluster member's protocol engine. All mutation happens
// inside OnMessage or OnIdle, which are mutually exclusive (mu enforces
// this); no other synchronization is required by the protocol (§5).
type Replica struct {
	mu sync.Mutex

	id    config.ReplicaID
	cfg   *config.Configuration
	opts  Options
	sm    statemachine.StateMachine
	trans transport.Transport
	log   *zap.Logger
	met   *Metrics

	status       Status
	view         config.ViewNumber
	commitNumber config.CommitNumber
	oplog        *oplog.Log

	// acks[n] is the set of replicas (by id, including self) that have
	// logged the operation at op number n. Primary-only; an entry is
	// removed once n commits.
	acks map[config.OpNumber]map[config.ReplicaID]struct{}

	clientTable map[config.ClientID]*clientTableEntry

	backupIdleTicks int

	startViewChangeVotes map[config.ViewNumber]map[config.ReplicaID]struct{}
	doViewChangeVotes    map[config.ViewNumber]map[config.ReplicaID]message.DoViewChange
	doViewChangeSentView config.ViewNumber
	startViewSentView    config.ViewNumber
}

// New constructs a replica. id must be a member of cfg. The replica does
// not start doing anything until the host drives it via OnMessage/OnIdle
// (or Run); construction subscribes to trans so inbound messages reach
// OnMessage.
func New(id config.ReplicaID, cfg *config.Configuration, sm statemachine.StateMachine, trans transport.Transport, opts Options, log *zap.Logger, met *Metrics) *Replica {
	r := &Replica{
		id:                   id,
		cfg:                  cfg,
		opts:                 opts,
		sm:                   sm,
		trans:                trans,
		log:                  log,
		met:                  met,
		oplog:                oplog.New(),
		acks:                 make(map[config.OpNumber]map[config.ReplicaID]struct{}),
		clientTable:          make(map[config.ClientID]*clientTableEntry),
		startViewChangeVotes: make(map[config.ViewNumber]map[config.ReplicaID]struct{}),
		doViewChangeVotes:    make(map[config.ViewNumber]map[config.ReplicaID]message.DoViewChange),
	}
	trans.Subscribe(func(from config.ReplicaID, msg interface{}) {
		if err := r.OnMessage(from, msg); err != nil {
			r.log.Error("on_message failed", zap.Error(err), zap.Int("replica", int(id)))
		}
	})
	return r
}

// Snapshot is a point-in-time, lock-protected read of a replica's visible
// state, for tests and the simulation oracle (spec §8).
type Snapshot struct {
	ID           config.ReplicaID
	Status       Status
	View         config.ViewNumber
	OpNumber     config.OpNumber
	CommitNumber config.CommitNumber
}

// Snapshot returns the replica's current visible state.
func (r *Replica) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{ID: r.id, Status: r.status, View: r.view, OpNumber: r.oplog.Len(), CommitNumber: r.commitNumber}
}

// LogHash returns a content hash of the replica's log, for comparing two
// replicas' logs without walking every entry (invariant I4).
func (r *Replica) LogHash() (string, error) {
	return r.oplog.Hash()
}

// Run drives OnIdle once per tick until ctx is canceled.
func (r *Replica) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.OnIdle(); err != nil {
				r.log.Error("on_idle failed", zap.Error(err), zap.Int("replica", int(r.id)))
			}
		}
	}
}

// OnMessage is the engine's single inbound entry point (spec §4.1's
// contract). It is safe to call concurrently; calls are serialized
// internally.
func (r *Replica) OnMessage(from config.ReplicaID, msg interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A replica in Recovery ignores everything but NewState and GetState;
	// GetState is passed to handleGetState, which drops it while this
	// replica is itself in Recovery.
	if r.status == StatusRecovery {
		switch m := msg.(type) {
		case message.NewState:
			return r.handleNewState(m)
		case message.GetState:
			return r.handleGetState(m)
		default:
			return nil
		}
	}

	switch m := msg.(type) {
	case message.Request:
		return r.handleRequest(m)
	case message.Prepare:
		return r.handlePrepare(m)
	case message.PrepareOk:
		return r.handlePrepareOk(from, m)
	case message.Commit:
		return r.handleCommit(m)
	case message.GetState:
		return r.handleGetState(m)
	case message.NewState:
		// Not in Recovery: an expected protocol anomaly (§7 class 1),
		// e.g. a retried NewState after we already caught up. Drop.
		return nil
	case message.StartViewChange:
		return r.handleStartViewChange(m)
	case message.DoViewChange:
		return r.handleDoViewChange(m)
	case message.StartView:
		return r.handleStartView(m)
	default:
		r.log.Warn("on_message: unrecognized message type", zap.String("type", fmt.Sprintf("%T", msg)))
		return nil
	}
}

// OnIdle is the engine's periodic tick entry point (spec §4.1/§4.3): the
// primary gossips Commit so backups advance even absent new requests, and
// backups count idle ticks toward a view-change timeout.
func (r *Replica) OnIdle() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusNormal {
		return nil
	}

	if r.id == r.cfg.Primary(r.view) {
		c := message.Commit{View: r.view, CommitNumber: r.commitNumber}
		return r.trans.Broadcast(context.Background(), c)
	}

	r.backupIdleTicks++
	if r.backupIdleTicks > r.opts.IdleTicksThreshold {
		return r.initiateViewChange()
	}
	return nil
}

// handleRequest implements §4.1's primary-only Request handling, including
// the §9/client-table addition: a retried request is answered from cache
// instead of being re-prepared.
func (r *Replica) handleRequest(req message.Request) error {
	if r.status != StatusNormal || r.id != r.cfg.Primary(r.view) {
		return nil // not primary (or mid view-change): client is expected to retry
	}

	if entry, ok := r.clientTable[req.ClientID]; ok {
		switch {
		case req.RequestNumber < entry.lastRequestNumber:
			return nil // stale retry, drop
		case req.RequestNumber == entry.lastRequestNumber:
			if entry.hasReply {
				return r.trans.RespondToClient(context.Background(), entry.lastReply)
			}
			return nil // already in flight, awaiting quorum; don't re-prepare
		}
	}

	opNumber := r.oplog.Append(r.view, req.ClientID, req.RequestNumber, req.Op)
	r.acks[opNumber] = map[config.ReplicaID]struct{}{r.id: {}}
	r.clientTable[req.ClientID] = &clientTableEntry{lastRequestNumber: req.RequestNumber}

	prepare := message.Prepare{
		View:          r.view,
		OpNumber:      opNumber,
		ClientID:      req.ClientID,
		RequestNumber: req.RequestNumber,
		Op:            req.Op,
		CommitNumber:  r.commitNumber,
	}
	return r.trans.Broadcast(context.Background(), prepare)
}

// handlePrepare implements §4.1's backup Prepare handling.
func (r *Replica) handlePrepare(p message.Prepare) error {
	r.backupIdleTicks = 0

	if p.View != r.view || r.status != StatusNormal {
		return nil // view change will reconcile
	}

	opNumber := r.oplog.Len()
	switch {
	case p.OpNumber <= opNumber:
		// Duplicate: idempotent acknowledgment is still required (§8 I6-adjacent).
		return r.sendPrepareOk(p.OpNumber)
	case p.OpNumber > opNumber+1:
		r.enterRecovery()
		return r.sendGetState()
	}

	r.oplog.Append(p.View, p.ClientID, p.RequestNumber, p.Op)
	if _, ok := r.clientTable[p.ClientID]; !ok {
		r.clientTable[p.ClientID] = &clientTableEntry{}
	}
	r.clientTable[p.ClientID].lastRequestNumber = p.RequestNumber

	if err := r.advanceCommits(p.CommitNumber); err != nil {
		return err
	}
	return r.sendPrepareOk(p.OpNumber)
}

func (r *Replica) sendPrepareOk(n config.OpNumber) error {
	ok := message.PrepareOk{View: r.view, OpNumber: n, ReplicaID: r.id}
	primary := r.cfg.Primary(r.view)
	if primary == r.id {
		return nil
	}
	return r.trans.Send(context.Background(), primary, ok)
}

// handlePrepareOk implements §4.1's primary-only PrepareOk handling and
// commit-ordering rule (I3/I7): a quorum for op n only triggers a commit
// once n is the very next contiguous op after the current commit number,
// since Prepare is pipelined but commit must advance contiguously.
func (r *Replica) handlePrepareOk(from config.ReplicaID, ok message.PrepareOk) error {
	if ok.View != r.view || r.id != r.cfg.Primary(r.view) {
		return nil
	}

	r.met.observePrepareOk()

	if ok.OpNumber <= config.OpNumber(r.commitNumber) {
		return nil // already committed; re-delivery is a no-op (I6)
	}

	acked, ok2 := r.acks[ok.OpNumber]
	if !ok2 {
		if ok.OpNumber > r.oplog.Len() {
			return errUnknownPrepareOk
		}
		acked = make(map[config.ReplicaID]struct{})
		r.acks[ok.OpNumber] = acked
	}
	acked[from] = struct{}{}

	return r.tryCommitReady()
}

// tryCommitReady applies every log entry whose quorum has been reached, in
// strict contiguous OpNumber order (I3), replying to each op's client as
// it commits.
func (r *Replica) tryCommitReady() error {
	for {
		next := config.OpNumber(r.commitNumber) + 1
		acked, ok := r.acks[next]
		if !ok || len(acked) < r.cfg.Quorum() {
			return nil
		}
		entry, found := r.oplog.At(next)
		if !found {
			return errMissingLogEntry
		}
		result := r.sm.Apply(entry.Op)
		r.commitNumber = config.CommitNumber(next)
		delete(r.acks, next)
		r.met.observeCommit()

		reply := message.Reply{ClientID: entry.ClientID, RequestNumber: entry.RequestNumber, View: r.view, Result: result}
		if ct, ok := r.clientTable[entry.ClientID]; ok {
			ct.lastRequestNumber = entry.RequestNumber
			ct.lastReply = reply
			ct.hasReply = true
		} else {
			r.clientTable[entry.ClientID] = &clientTableEntry{lastRequestNumber: entry.RequestNumber, lastReply: reply, hasReply: true}
		}
		if err := r.trans.RespondToClient(context.Background(), reply); err != nil {
			r.log.Warn("respond to client failed", zap.Error(err))
		}
	}
}

// handleCommit implements §4.1's idle-commit-gossip handling on a backup.
func (r *Replica) handleCommit(c message.Commit) error {
	if c.View != r.view || r.status != StatusNormal {
		return nil
	}
	r.backupIdleTicks = 0
	if c.CommitNumber <= r.commitNumber {
		return nil
	}
	return r.advanceCommits(c.CommitNumber)
}

// advanceCommits implements the commit-advancement rule shared by Prepare
// and Commit handling (§4.1): apply log entries up to min(c, op_number),
// and fall back to Recovery if the commit target outruns the local log.
func (r *Replica) advanceCommits(c config.CommitNumber) error {
	target := c
	if logLen := config.CommitNumber(r.oplog.Len()); logLen < target {
		target = logLen
	}
	for r.commitNumber < target {
		next := r.commitNumber + 1
		entry, ok := r.oplog.At(config.OpNumber(next))
		if !ok {
			return errMissingLogEntry
		}
		r.sm.Apply(entry.Op)
		r.commitNumber = next
		r.met.observeCommit()
	}
	if c > config.CommitNumber(r.oplog.Len()) {
		r.enterRecovery()
		return r.sendGetState()
	}
	return nil
}
