// Package config describes the cluster: the fixed set of replica ids, the
// primary-selection rule, and the quorum size. It owns the protocol's
// fundamental identifier and counter types since every other package
// (message, oplog, replica, client, transport) needs them and none of
// those packages should own the cluster shape.
package config

import (
	"sort"

	"github.com/pkg/errors"
)

// ReplicaID identifies a replica; stable for the process lifetime, in [0, N).
type ReplicaID int

// ViewNumber is the current epoch of normal operation. Strictly non-decreasing.
type ViewNumber uint64

// OpNumber is a 1-based position in a replica's log.
type OpNumber uint64

// CommitNumber is the largest OpNumber applied to the state machine so far.
type CommitNumber uint64

// ClientID identifies a client across its request sequence.
type ClientID string

// RequestNumber is a per-client, strictly increasing request sequence number.
type RequestNumber uint64

// Op is the opaque operation payload the engine shuttles between the client,
// the log, and the state machine without interpreting it.
type Op = interface{}

// Configuration is the immutable cluster descriptor: the set of replica ids
// and the primary(view) / quorum() functions derived from it.
type Configuration struct {
	replicas  []ReplicaID
	addresses map[ReplicaID]string
}

// New builds a Configuration from a replica-id-to-address map. N (the
// number of replicas) must be odd and at least 1.
func New(addresses map[ReplicaID]string) (*Configuration, error) {
	if len(addresses)%2 == 0 {
		return nil, errors.Errorf("config: cluster size must be odd, got %d", len(addresses))
	}
	replicas := make([]ReplicaID, 0, len(addresses))
	for id := range addresses {
		replicas = append(replicas, id)
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i] < replicas[j] })
	for i, id := range replicas {
		if int(id) != i {
			return nil, errors.Errorf("config: replica ids must be a dense range [0, N), got %v", replicas)
		}
	}
	addrCopy := make(map[ReplicaID]string, len(addresses))
	for k, v := range addresses {
		addrCopy[k] = v
	}
	return &Configuration{replicas: replicas, addresses: addrCopy}, nil
}

// N returns the cluster size.
func (c *Configuration) N() int { return len(c.replicas) }

// Replicas returns the full (sorted) set of replica ids.
func (c *Configuration) Replicas() []ReplicaID {
	out := make([]ReplicaID, len(c.replicas))
	copy(out, c.replicas)
	return out
}

// Peers returns every replica id except self.
func (c *Configuration) Peers(self ReplicaID) []ReplicaID {
	out := make([]ReplicaID, 0, len(c.replicas)-1)
	for _, id := range c.replicas {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}

// Primary returns the replica that is primary for the given view:
// primary(v) = v mod N.
func (c *Configuration) Primary(v ViewNumber) ReplicaID {
	return c.replicas[int(uint64(v)%uint64(len(c.replicas)))]
}

// Quorum returns the number of replicas (including the sender) required to
// commit: floor(N/2) + 1.
func (c *Configuration) Quorum() int {
	return len(c.replicas)/2 + 1
}

// Address returns the network address registered for a replica id, if any.
func (c *Configuration) Address(id ReplicaID) (string, bool) {
	addr, ok := c.addresses[id]
	return addr, ok
}
