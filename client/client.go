// Package client implements the thin client shim described in spec §4.4: it
// numbers requests monotonically, sends each to the replica it believes is
// primary, and enforces at most one in-flight request per client instance.
//
// Adapted from the teacher's client.go / phatclient.PhatClient, which were
// specialized to phatdb's Create/GetData/SetData/GetChildren/GetStats RPCs
// over a *rpc.Client the client owned directly. Here the client depends on
// the small Transport interface below instead, so the same shim drives
// either the in-memory simulation (transport.MemoryClientTransport) or a
// real cluster (transport.RPCClientTransport) unchanged.
package client

import (
	"context"
	"sync"

	"github.com/corverroos/vrengine/config"
	"github.com/corverroos/vrengine/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrRequestInFlight is returned by Request when the client already has an
// outstanding request; the shim only tracks one at a time (§4.4).
var ErrRequestInFlight = errors.New("client: a request is already in flight")

// Transport is the minimal send surface the client shim needs: submit a
// Request to a specific replica. Replies are pushed back to the client via
// OnResponse by whatever the concrete Transport implementation is
// (§4.4: "the callback is driven by the transport when the primary's reply
// arrives").
type Transport interface {
	Send(ctx context.Context, to config.ReplicaID, req message.Request) error
}

// Callback receives the result of a submitted request once its Reply
// arrives; err is always nil. A failure to send the request is returned
// from Request instead, and the callback is then never invoked.
// Protocol-level non-response (no Reply ever arriving) is the client's own
// timeout/retry concern per §4.4 and is not handled by this shim.
type Callback func(requestNumber config.RequestNumber, result interface{}, err error)

type pendingRequest struct {
	requestNumber config.RequestNumber
	callback      Callback
}

// Client is a single logical client of the cluster: one client id, one
// in-flight request at a time. Callers needing pipelining must use
// multiple Client instances (§4.4).
type Client struct {
	mu sync.Mutex

	id        config.ClientID
	cfg       *config.Configuration
	transport Transport
	log       *zap.Logger

	view          config.ViewNumber
	requestNumber config.RequestNumber
	pending       *pendingRequest
}

// New returns a Client with a freshly generated ClientID, believing view 0
// (and therefore primary(0)) is current until told otherwise by a Reply.
func New(cfg *config.Configuration, transport Transport, log *zap.Logger) *Client {
	return &Client{
		id:        config.ClientID(uuid.New().String()),
		cfg:       cfg,
		transport: transport,
		log:       log,
	}
}

// ID returns this client's id.
func (c *Client) ID() config.ClientID { return c.id }

// SetView seeds the client's believed view before its first request, for
// callers (e.g. a test harness) that can observe the cluster's actual
// current view out-of-band. A client that has never been told otherwise
// believes view 0, which is only correct until the first view change.
func (c *Client) SetView(v config.ViewNumber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view = v
}

// Request submits op to the believed primary and arranges for cb to be
// invoked once a matching Reply arrives via OnResponse. Returns
// ErrRequestInFlight if a previous request has not yet completed.
func (c *Client) Request(ctx context.Context, op config.Op, cb Callback) error {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return ErrRequestInFlight
	}
	c.requestNumber++
	reqNum := c.requestNumber
	c.pending = &pendingRequest{requestNumber: reqNum, callback: cb}
	primary := c.cfg.Primary(c.view)
	c.mu.Unlock()

	req := message.Request{ClientID: c.id, RequestNumber: reqNum, Op: op}
	if err := c.transport.Send(ctx, primary, req); err != nil {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		return errors.Wrap(err, "client: send request")
	}
	return nil
}

// OnResponse is driven by the transport when a Reply arrives (spec §6.3).
// A Reply that doesn't match the currently pending request (stale,
// duplicate, or simply unexpected) is dropped silently — the same
// "expected protocol anomaly" treatment the replica engine gives
// analogous cases (§7).
func (c *Client) OnResponse(reply message.Reply) {
	c.mu.Lock()
	if c.pending == nil || reply.RequestNumber != c.pending.requestNumber {
		c.mu.Unlock()
		return
	}
	if reply.View > c.view {
		c.view = reply.View
	}
	cb := c.pending.callback
	reqNum := c.pending.requestNumber
	c.pending = nil
	c.mu.Unlock()

	if cb != nil {
		cb(reqNum, reply.Result, nil)
	}
}
