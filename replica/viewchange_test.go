package replica_test

import (
	"testing"

	"github.com/corverroos/vrengine/config"
	"github.com/corverroos/vrengine/message"
	"github.com/corverroos/vrengine/replica"
	"github.com/corverroos/vrengine/statemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestViewChangeElectsNewPrimaryAndPreservesLog drives a full view change
// via the idle-timeout path (spec §4.3): a backup that stops hearing from
// the primary moves to view+1, a quorum of StartViewChange votes produces
// DoViewChange to the new primary, and a quorum of those produces a
// StartView that every replica converges on without losing the
// already-committed op.
func TestViewChangeElectsNewPrimaryAndPreservesLog(t *testing.T) {
	c := newCluster(t)
	oldPrimary := c.cfg.Primary(0)

	c.submit(t, oldPrimary, message.Request{ClientID: "client-1", RequestNumber: 1, Op: statemachine.AddOp(3)})
	require.Equal(t, config.CommitNumber(1), c.reps[oldPrimary].Snapshot().CommitNumber)

	backup := c.backupsOf(oldPrimary)[0]
	opts := replica.DefaultOptions()
	for i := 0; i < opts.IdleTicksThreshold+1; i++ {
		require.NoError(t, c.reps[backup].OnIdle())
	}
	c.drain(t)

	newView := c.reps[backup].Snapshot().View
	require.Equal(t, config.ViewNumber(1), newView)
	newPrimary := c.cfg.Primary(newView)

	for _, id := range c.cfg.Replicas() {
		snap := c.reps[id].Snapshot()
		assert.Equal(t, newView, snap.View, "replica %d should have adopted the new view", id)
		assert.Equal(t, replica.StatusNormal, snap.Status, "replica %d should be back to Normal", id)
		assert.Equal(t, config.OpNumber(1), snap.OpNumber, "replica %d must not lose the committed op", id)
	}

	// The new primary must be able to prepare further operations in the new
	// view: a Request submitted to it should commit cluster-wide.
	c.submit(t, newPrimary, message.Request{ClientID: "client-2", RequestNumber: 1, Op: statemachine.AddOp(4)})
	require.NoError(t, c.reps[newPrimary].OnIdle()) // Commit gossip carries the new commit point to backups
	c.drain(t)
	for _, id := range c.cfg.Replicas() {
		assert.Equal(t, 7, c.sms[id].Value(), "replica %d should reflect both committed ops", id)
	}
}

// TestViewChangeCommitsCarriedOverOpAfterLosingQuorum covers the case
// TestViewChangeElectsNewPrimaryAndPreservesLog does not: a view change that
// happens while an op is Prepared everywhere but committed nowhere (its
// PrepareOks never reached the old primary). The new primary must still be
// able to drive that op, and every subsequent op, to commit.
func TestViewChangeCommitsCarriedOverOpAfterLosingQuorum(t *testing.T) {
	c := newCluster(t)
	primary := c.cfg.Primary(0)
	backups := c.backupsOf(primary)

	require.NoError(t, c.reps[primary].OnMessage(clientSentinel, message.Request{ClientID: "client-1", RequestNumber: 1, Op: statemachine.AddOp(9)}))
	for len(c.queue) > 0 {
		j := c.queue[0]
		c.queue = c.queue[1:]
		if j.to == primary {
			continue // drop every PrepareOk headed back to the primary
		}
		require.NoError(t, c.reps[j.to].OnMessage(j.from, j.msg))
	}

	for _, id := range c.cfg.Replicas() {
		snap := c.reps[id].Snapshot()
		assert.Equal(t, config.OpNumber(1), snap.OpNumber, "replica %d must have Prepared the op", id)
		assert.Equal(t, config.CommitNumber(0), snap.CommitNumber, "replica %d must not have committed it", id)
	}

	opts := replica.DefaultOptions()
	for i := 0; i < opts.IdleTicksThreshold+1; i++ {
		require.NoError(t, c.reps[backups[0]].OnIdle())
	}
	c.drain(t)

	newView := c.reps[backups[0]].Snapshot().View
	require.Equal(t, config.ViewNumber(1), newView)
	newPrimary := c.cfg.Primary(newView)

	// The new primary commits once the new view's replicas ack the op;
	// backups learn that commit point from its next Commit gossip.
	require.NoError(t, c.reps[newPrimary].OnIdle())
	c.drain(t)

	for _, id := range c.cfg.Replicas() {
		snap := c.reps[id].Snapshot()
		assert.Equal(t, config.CommitNumber(1), snap.CommitNumber, "replica %d must commit the carried-over op once the new view's replicas ack it", id)
		assert.Equal(t, 9, c.sms[id].Value())
	}

	c.submit(t, newPrimary, message.Request{ClientID: "client-2", RequestNumber: 1, Op: statemachine.AddOp(4)})
	require.NoError(t, c.reps[newPrimary].OnIdle())
	c.drain(t)
	for _, id := range c.cfg.Replicas() {
		assert.Equal(t, 13, c.sms[id].Value(), "replica %d must still be able to commit new ops after the carry-over", id)
	}
}

func TestStaleStartViewChangeIsDropped(t *testing.T) {
	c := newCluster(t)
	primary := c.cfg.Primary(0)

	stale := message.StartViewChange{View: 0, ReplicaID: primary}
	require.NoError(t, c.reps[primary].OnMessage(primary, stale))
	assert.Equal(t, config.ViewNumber(0), c.reps[primary].Snapshot().View)
}
