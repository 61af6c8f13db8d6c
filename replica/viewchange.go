package replica

import (
	"context"

	"github.com/corverroos/vrengine/config"
	"github.com/corverroos/vrengine/message"
	"github.com/corverroos/vrengine/oplog"
	"go.uber.org/zap"
)

// initiateViewChange implements §4.3 step 1: a backup that has given up
// waiting on the primary moves to the next view and asks everyone else to
// do the same. Per the Open Question decision recorded in DESIGN.md, a
// replica always jumps exactly one view at a time rather than trying to
// guess a higher target, so that a pile of stale replicas converges on
// the same next view instead of scattering across several.
func (r *Replica) initiateViewChange() error {
	return r.startViewChangeAt(r.view + 1)
}

func (r *Replica) startViewChangeAt(v config.ViewNumber) error {
	r.status = StatusViewChange
	r.view = v
	r.met.setCurrentView(v)
	r.backupIdleTicks = 0
	r.resetViewChangeStateFor(v)

	votes := r.startViewChangeVotes[v]
	votes[r.id] = struct{}{}

	svc := message.StartViewChange{View: v, ReplicaID: r.id}
	if err := r.trans.Broadcast(context.Background(), svc); err != nil {
		return err
	}
	return r.maybeSendDoViewChange(v)
}

// resetViewChangeStateFor clears any vote bookkeeping for a prior view once
// we move past it, and ensures vote sets exist for v.
func (r *Replica) resetViewChangeStateFor(v config.ViewNumber) {
	for view := range r.startViewChangeVotes {
		if view < v {
			delete(r.startViewChangeVotes, view)
		}
	}
	for view := range r.doViewChangeVotes {
		if view < v {
			delete(r.doViewChangeVotes, view)
		}
	}
	if _, ok := r.startViewChangeVotes[v]; !ok {
		r.startViewChangeVotes[v] = make(map[config.ReplicaID]struct{})
	}
	if _, ok := r.doViewChangeVotes[v]; !ok {
		r.doViewChangeVotes[v] = make(map[config.ReplicaID]message.DoViewChange)
	}
}

// handleStartViewChange implements §4.3 step 2. A replica that hears about
// a higher view than its own joins the view change at that view (it may
// not have timed out itself yet, but a quorum of its peers clearly has);
// one at an older view is an expected protocol anomaly and is dropped.
func (r *Replica) handleStartViewChange(m message.StartViewChange) error {
	switch {
	case m.View < r.view:
		return nil // stale
	case m.View == r.view && r.status != StatusViewChange:
		return nil // nonsensical: asking us to move to the view we're already settled in
	case m.View > r.view:
		return r.startViewChangeAt(m.View)
	}

	r.resetViewChangeStateFor(m.View)
	r.startViewChangeVotes[m.View][m.ReplicaID] = struct{}{}
	return r.maybeSendDoViewChange(m.View)
}

// maybeSendDoViewChange sends our DoViewChange to the new primary once a
// quorum of StartViewChange votes (including our own) has accumulated for
// v, per §4.3 step 2. It is idempotent per view: doViewChangeSentView
// tracks the highest view we've already reported, since the RPC is not
// meant to be resent every time another vote trickles in.
func (r *Replica) maybeSendDoViewChange(v config.ViewNumber) error {
	if len(r.startViewChangeVotes[v]) < r.cfg.Quorum() {
		return nil
	}
	if r.doViewChangeSentView >= v {
		return nil
	}
	r.doViewChangeSentView = v

	dvc := message.DoViewChange{
		View:         v,
		ReplicaID:    r.id,
		Log:          r.oplog.Entries(),
		CommitNumber: r.commitNumber,
	}
	primary := r.cfg.Primary(v)
	if primary == r.id {
		return r.handleDoViewChange(dvc)
	}
	return r.trans.Send(context.Background(), primary, dvc)
}

// handleDoViewChange implements §4.3 steps 3-4, primary-side: collect
// quorum votes for v, select the most up to date log among them per the
// spec's prescribed (last entry's view, op number) tiebreak, adopt it, and
// announce the new view.
func (r *Replica) handleDoViewChange(m message.DoViewChange) error {
	if m.View < r.view {
		return nil
	}
	if r.cfg.Primary(m.View) != r.id {
		return nil // not the primary-elect for this view; an anomaly, drop
	}
	if m.View > r.view {
		r.status = StatusViewChange
		r.view = m.View
		r.resetViewChangeStateFor(m.View)
	}

	r.doViewChangeVotes[m.View][m.ReplicaID] = m
	votes := r.doViewChangeVotes[m.View]
	if len(votes) < r.cfg.Quorum() {
		return nil
	}

	var best []oplog.Entry
	var bestCommit config.CommitNumber
	first := true
	for _, v := range votes {
		if first || betterLog(v.Log, best) {
			best = v.Log
			first = false
		}
		if v.CommitNumber > bestCommit {
			bestCommit = v.CommitNumber
		}
	}

	r.oplog.Replace(best)
	r.status = StatusNormal
	r.backupIdleTicks = 0
	r.met.observeViewChangeCompleted()

	if err := r.advanceCommits(bestCommit); err != nil {
		return err
	}

	// Every op between the adopted commit point and the end of the adopted
	// log was Prepared but never committed anywhere; without a self-vote
	// here, tryCommitReady's strict contiguous-ack requirement can never be
	// satisfied for these ops even once backups reply to our StartView.
	for n := config.OpNumber(r.commitNumber) + 1; n <= config.OpNumber(len(best)); n++ {
		r.acks[n] = map[config.ReplicaID]struct{}{r.id: {}}
	}

	sv := message.StartView{View: m.View, ReplicaID: r.id, Log: best, CommitNumber: r.commitNumber}
	r.log.Info("view change complete, becoming primary", zap.Uint64("view", uint64(m.View)), zap.Int("replica", int(r.id)))
	return r.trans.Broadcast(context.Background(), sv)
}

// handleStartView implements §4.3 step 4, backup-side: adopt the new
// primary's chosen log and view and resume Normal processing.
func (r *Replica) handleStartView(m message.StartView) error {
	if m.View < r.view {
		return nil
	}
	if m.View == r.view && r.status == StatusNormal && r.startViewSentView >= m.View {
		return nil // already caught up to this view, a retransmission
	}

	r.oplog.Replace(m.Log)
	r.view = m.View
	r.met.setCurrentView(m.View)
	r.status = StatusNormal
	r.backupIdleTicks = 0
	r.startViewSentView = m.View
	r.resetViewChangeStateFor(m.View)

	if err := r.advanceCommits(m.CommitNumber); err != nil {
		return err
	}

	// Tell the new primary we're caught up, so any op it Prepared-but-did-
	// not-commit before the view change can still reach quorum (§4.3 step 4).
	return r.sendPrepareOk(r.oplog.Len())
}

// betterLog implements the spec's §4.3/§9 tiebreak for selecting the most
// up to date log among a quorum of DoViewChange votes: prefer the log
// whose last entry was appended in a higher view, and among equal last
// entry views, prefer the longer log.
func betterLog(candidate, current []oplog.Entry) bool {
	cv, cn := lastViewAndOp(candidate)
	bv, bn := lastViewAndOp(current)
	if cv != bv {
		return cv > bv
	}
	return cn > bn
}

func lastViewAndOp(log []oplog.Entry) (config.ViewNumber, config.OpNumber) {
	if len(log) == 0 {
		return 0, 0
	}
	return log[len(log)-1].View, config.OpNumber(len(log))
}
