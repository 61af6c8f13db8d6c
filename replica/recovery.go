package replica

import (
	"context"

	"github.com/corverroos/vrengine/config"
	"github.com/corverroos/vrengine/message"
	"go.uber.org/zap"
)

// enterRecovery implements the Recovery transition of §4.2: a replica that
// discovers it is behind (a Prepare or Commit references ops it doesn't
// have) stops processing Normal-status messages and starts asking for the
// missing suffix. Callers hold r.mu.
func (r *Replica) enterRecovery() {
	if r.status == StatusRecovery {
		return
	}
	r.status = StatusRecovery
	r.log.Info("entering recovery", zap.Int("replica", int(r.id)), zap.Uint64("op_number", uint64(r.oplog.Len())))
}

// sendGetState asks every peer for everything past our own log, per §4.2
// step 1. Any peer that is itself further ahead (or at the same view) can
// answer; a stale peer silently ignores the request (GetState handling
// below only answers when the asker is actually behind).
func (r *Replica) sendGetState() error {
	g := message.GetState{ReplicaID: r.id, View: r.view, OpNumber: r.oplog.Len()}
	return r.trans.Broadcast(context.Background(), g)
}

// handleGetState answers a peer's state-transfer request with everything
// past the op number it reports having, per §4.2 step 2. A replica in
// Recovery itself, or one that is not actually ahead of the requester,
// has nothing useful to say and drops the request.
func (r *Replica) handleGetState(g message.GetState) error {
	if r.status == StatusRecovery {
		return nil
	}
	if g.View > r.view {
		return nil // we're the one behind; our own sendGetState will handle it
	}
	ourLen := r.oplog.Len()
	if g.OpNumber >= ourLen {
		return nil // requester is already caught up with (or ahead of) us
	}

	suffix := r.oplog.Suffix(g.OpNumber)
	ns := message.NewState{
		View:          r.view,
		Log:           suffix,
		OpNumberStart: g.OpNumber,
		OpNumberEnd:   ourLen,
		CommitNumber:  r.commitNumber,
	}
	return r.trans.Send(context.Background(), g.ReplicaID, ns)
}

// handleNewState completes recovery (§4.2 step 3): splice the received
// suffix onto our log, replay up to the reported commit number, and resume
// Normal processing. Only accepted from a sender reporting our own view —
// view adoption happens exclusively through StartView, never through state
// transfer.
func (r *Replica) handleNewState(ns message.NewState) error {
	if ns.View != r.view {
		return nil // stale or foreign view: not an answer to our own sendGetState
	}

	ourLen := r.oplog.Len()
	if ns.OpNumberStart != ourLen {
		// The suffix doesn't start where our log ends: either a stale
		// reply to an earlier, lower GetState, or we advanced via another
		// NewState in the meantime. Either way this one no longer
		// applies cleanly; drop it and let a fresh GetState round
		// resolve it rather than risk splicing a misaligned suffix.
		return nil
	}

	entries := r.oplog.Entries()
	entries = append(entries, ns.Log...)
	r.oplog.Replace(entries)

	if config.OpNumber(r.oplog.Len()) != ns.OpNumberEnd {
		return errStateTransferMisalign
	}

	if err := r.advanceCommits(ns.CommitNumber); err != nil {
		return err
	}

	r.status = StatusNormal
	r.backupIdleTicks = 0
	r.met.observeRecoveryCompleted()
	r.log.Info("recovery complete", zap.Int("replica", int(r.id)), zap.Uint64("op_number", uint64(r.oplog.Len())), zap.Uint64("view", uint64(r.view)))

	// Tell the primary we're caught up (§4.2 step 3's last clause), so any
	// op we just received that is still awaiting quorum can count our vote.
	return r.sendPrepareOk(ns.OpNumberEnd)
}
