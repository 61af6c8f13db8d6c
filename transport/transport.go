// Package transport defines the send/recv surface the replica engine
// invokes without knowing whether it is backed by an in-memory simulation
// or a real TCP connection (spec §2 component 5, §6.2). Two
// implementations are provided: memory.go (simulated, with fault
// injection for the harness) and rpc.go (a real net/rpc transport,
// adapted from the teacher's phatRPC/queueserver packages).
//
// Grounded on ooozws-coname's keyserver/replication.LogReplicator, which
// favors a small interface over a concrete struct so the replica engine
// never has to know which backend it's driving.
package transport

import (
	"context"

	"github.com/corverroos/vrengine/config"
	"github.com/corverroos/vrengine/message"
)

// Handler is invoked by a Transport whenever a message addressed to this
// replica arrives. from is the sender's replica id; it is meaningless
// (and ignored) for a client Request.
type Handler func(from config.ReplicaID, msg interface{})

// Transport is the host contract consumed by the replica engine (§6.2): a
// best-effort, point-to-point send with no ordering or duplication
// guarantees, a broadcast convenience built from repeated sends, and a way
// to reply to the client that originated a committed operation.
type Transport interface {
	// Send delivers msg to a single peer replica, best-effort.
	Send(ctx context.Context, to config.ReplicaID, msg interface{}) error
	// Broadcast delivers msg to every other replica in the configuration.
	Broadcast(ctx context.Context, msg interface{}) error
	// RespondToClient delivers a committed operation's result back to the
	// client that submitted it.
	RespondToClient(ctx context.Context, reply message.Reply) error
	// Subscribe registers the handler invoked for every inbound message
	// (from peers) and Request (from clients) addressed to this replica.
	// A Transport implementation calls h exactly once per delivered
	// message; it never fabricates deliveries.
	Subscribe(h Handler)
}
