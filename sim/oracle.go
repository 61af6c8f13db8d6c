// Package sim implements the randomized, fault-injecting test harness
// described in spec §8 scenario 5: drive a cluster of in-memory replicas
// and a reference oracle state machine through randomized traffic and
// network faults, and assert every committed reply agrees with the
// oracle's serial execution of the same operations.
//
// Grounded on the teacher's test-harness shape (vr_test.go's multi-replica
// setup over channels) generalized to transport.Network and extended with
// an independent oracle, since the teacher's tests asserted log contents
// directly rather than checking against a reference execution.
package sim

import (
	"sync"

	"github.com/corverroos/vrengine/config"
	"github.com/corverroos/vrengine/statemachine"
)

// Oracle is a reference implementation of the cluster's externally visible
// behavior: it applies operations to its own statemachine.Counter in the
// order the harness submits them to the cluster, and can be
// compared against any replica's applied value to check agreement
// (invariant I4: every correct replica that has committed op n has
// identical state up to n).
type Oracle struct {
	mu sync.Mutex
	sm *statemachine.Counter

	// replies records, per client request, the result the oracle produced,
	// so the harness can assert a cluster reply matches the oracle's
	// serialization rather than merely "some" value.
	replies map[oracleKey]interface{}
}

type oracleKey struct {
	clientID config.ClientID
	reqNum   config.RequestNumber
}

// NewOracle returns an oracle backed by a fresh Counter state machine; the
// harness is expected to use the same kind of state machine (or an
// equivalent deterministic one) on every simulated replica.
func NewOracle() *Oracle {
	return &Oracle{sm: statemachine.NewCounter(), replies: make(map[oracleKey]interface{})}
}

// Apply runs op through the oracle's own state machine and records the
// result under (clientID, reqNum) for later comparison. The harness calls
// this once per operation, in the order it chooses to submit them — the
// oracle does not reorder or deduplicate on its own, since the harness is
// responsible for driving a realistic, non-overlapping request sequence
// per simulated client.
func (o *Oracle) Apply(clientID config.ClientID, reqNum config.RequestNumber, op interface{}) interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	result := o.sm.Apply(op)
	o.replies[oracleKey{clientID, reqNum}] = result
	return result
}

// Expected returns the result the oracle produced for (clientID, reqNum),
// if any.
func (o *Oracle) Expected(clientID config.ClientID, reqNum config.RequestNumber) (interface{}, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	v, ok := o.replies[oracleKey{clientID, reqNum}]
	return v, ok
}

// Value returns the oracle's current counter value, for comparing against
// a replica's own statemachine.Counter.Value() once the simulation settles.
func (o *Oracle) Value() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sm.Value()
}
