package client_test

import (
	"context"
	"testing"

	"github.com/corverroos/vrengine/client"
	"github.com/corverroos/vrengine/config"
	"github.com/corverroos/vrengine/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingTransport struct {
	sent   []message.Request
	sentTo []config.ReplicaID
	err    error
}

func (t *recordingTransport) Send(_ context.Context, to config.ReplicaID, req message.Request) error {
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, req)
	t.sentTo = append(t.sentTo, to)
	return nil
}

func threeNodeConfig(t *testing.T) *config.Configuration {
	t.Helper()
	cfg, err := config.New(map[config.ReplicaID]string{0: "a", 1: "b", 2: "c"})
	require.NoError(t, err)
	return cfg
}

func TestRequestNumbersIncreaseMonotonically(t *testing.T) {
	trans := &recordingTransport{}
	cl := client.New(threeNodeConfig(t), trans, zap.NewNop())

	require.NoError(t, cl.Request(context.Background(), "op-a", nil))
	cl.OnResponse(message.Reply{ClientID: cl.ID(), RequestNumber: 1})
	require.NoError(t, cl.Request(context.Background(), "op-b", nil))
	cl.OnResponse(message.Reply{ClientID: cl.ID(), RequestNumber: 2})

	require.Len(t, trans.sent, 2)
	assert.Equal(t, config.RequestNumber(1), trans.sent[0].RequestNumber)
	assert.Equal(t, config.RequestNumber(2), trans.sent[1].RequestNumber)
}

func TestSecondRequestRejectedWhileOneInFlight(t *testing.T) {
	trans := &recordingTransport{}
	cl := client.New(threeNodeConfig(t), trans, zap.NewNop())

	require.NoError(t, cl.Request(context.Background(), "op-a", nil))
	err := cl.Request(context.Background(), "op-b", nil)
	assert.ErrorIs(t, err, client.ErrRequestInFlight)
}

func TestCallbackFiresOnMatchingReply(t *testing.T) {
	trans := &recordingTransport{}
	cl := client.New(threeNodeConfig(t), trans, zap.NewNop())

	var gotResult interface{}
	var calls int
	require.NoError(t, cl.Request(context.Background(), "op-a", func(reqNum config.RequestNumber, result interface{}, err error) {
		calls++
		gotResult = result
	}))

	cl.OnResponse(message.Reply{ClientID: cl.ID(), RequestNumber: 1, Result: 42})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 42, gotResult)
}

func TestMismatchedReplyIsDroppedSilently(t *testing.T) {
	trans := &recordingTransport{}
	cl := client.New(threeNodeConfig(t), trans, zap.NewNop())

	var calls int
	require.NoError(t, cl.Request(context.Background(), "op-a", func(config.RequestNumber, interface{}, error) {
		calls++
	}))

	// A reply for a different (stale) request number must not trigger the
	// callback or clear the in-flight slot.
	cl.OnResponse(message.Reply{ClientID: cl.ID(), RequestNumber: 99})
	assert.Zero(t, calls)

	err := cl.Request(context.Background(), "op-b", nil)
	assert.ErrorIs(t, err, client.ErrRequestInFlight)
}

func TestFailedSendClearsPendingSlot(t *testing.T) {
	trans := &recordingTransport{err: assertError("boom")}
	cl := client.New(threeNodeConfig(t), trans, zap.NewNop())

	err := cl.Request(context.Background(), "op-a", nil)
	assert.Error(t, err)

	trans.err = nil
	require.NoError(t, cl.Request(context.Background(), "op-b", nil))
}

func TestSetViewChangesWhichReplicaIsAddressed(t *testing.T) {
	cfg := threeNodeConfig(t)
	trans := &recordingTransport{}
	cl := client.New(cfg, trans, zap.NewNop())

	cl.SetView(1)
	require.NoError(t, cl.Request(context.Background(), "op-a", nil))

	require.Len(t, trans.sentTo, 1)
	assert.Equal(t, cfg.Primary(1), trans.sentTo[0])
	assert.NotEqual(t, cfg.Primary(0), trans.sentTo[0], "test config must actually rotate primaries across views")
}

type assertError string

func (e assertError) Error() string { return string(e) }
