// Package message defines the tagged protocol vocabulary exchanged between
// clients, replicas, and the transport (spec §6.1). Each Go type below is
// one tag; the transport is expected to be able to round-trip every one of
// them (wire encoding is unspecified, see transport/rpc.go for the net/rpc
// + gob realization used by this module).
//
// Grounded on the teacher's vr.PrepareArgs/CommitArgs/PrepareReply and
// vr.vrviewchange's StartViewChangeArgs/DoViewChangeArgs/StartViewArgs,
// generalized from a fixed NREPLICAS array to config.Configuration-sized
// values and extended with GetState/NewState (state transfer) and the
// opaque Request/Reply pair the teacher had specialized to its own
// phatdb.DBCommand/DBResponse.
package message

import (
	"github.com/corverroos/vrengine/config"
	"github.com/corverroos/vrengine/oplog"
)

// Request is sent by a client to the replica it believes is primary.
type Request struct {
	ClientID      config.ClientID
	RequestNumber config.RequestNumber
	Op            config.Op
}

// Reply is sent by the primary back to the client once the corresponding
// operation commits.
type Reply struct {
	ClientID      config.ClientID
	RequestNumber config.RequestNumber
	View          config.ViewNumber
	Result        interface{}
}

// Prepare is broadcast by the primary to every backup for a newly accepted
// operation.
type Prepare struct {
	View          config.ViewNumber
	OpNumber      config.OpNumber
	ClientID      config.ClientID
	RequestNumber config.RequestNumber
	Op            config.Op
	CommitNumber  config.CommitNumber
}

// PrepareOk is a backup's acknowledgment of a Prepare, sent back to the
// primary. Re-delivery after the op has committed must be a no-op (I6).
type PrepareOk struct {
	View      config.ViewNumber
	OpNumber  config.OpNumber
	ReplicaID config.ReplicaID
}

// Commit is broadcast by the primary on idle ticks so backups can advance
// their commit number even absent new client traffic.
type Commit struct {
	View         config.ViewNumber
	CommitNumber config.CommitNumber
}

// GetState is sent by a lagging replica to request a log suffix.
type GetState struct {
	ReplicaID config.ReplicaID
	View      config.ViewNumber
	OpNumber  config.OpNumber
}

// NewState answers a GetState with the requested suffix.
type NewState struct {
	View          config.ViewNumber
	Log           []oplog.Entry
	OpNumberStart config.OpNumber
	OpNumberEnd   config.OpNumber
	CommitNumber  config.CommitNumber
}

// StartViewChange announces that a replica believes a new view is needed.
type StartViewChange struct {
	View      config.ViewNumber
	ReplicaID config.ReplicaID
}

// DoViewChange is sent to the new primary once a replica has collected a
// quorum of StartViewChange votes for a view.
type DoViewChange struct {
	View         config.ViewNumber
	ReplicaID    config.ReplicaID
	Log          []oplog.Entry
	CommitNumber config.CommitNumber
}

// StartView is broadcast by the new primary once it has collected a quorum
// of DoViewChange votes, carrying the reconciled log.
type StartView struct {
	View         config.ViewNumber
	ReplicaID    config.ReplicaID
	Log          []oplog.Entry
	CommitNumber config.CommitNumber
}
