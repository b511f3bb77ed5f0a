// ABOUTME: Tests for the NATS submission ingress
// ABOUTME: Drives Handle directly and checks subscription wiring with a fake connection

package ingress

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/scheduler"
)

type fakeSubmitter struct {
	keys []string
	subs []scheduler.SubmitRequest
	dup  bool
	err  error
}

func (f *fakeSubmitter) Submit(key string, sub scheduler.SubmitRequest) (scheduler.SubmitResult, bool, error) {
	f.keys = append(f.keys, key)
	f.subs = append(f.subs, sub)
	if f.err != nil {
		return scheduler.SubmitResult{}, false, f.err
	}
	return scheduler.SubmitResult{ID: "req-1", QueuePosition: 2}, f.dup, nil
}

type fakeConn struct {
	subject, queue string
	handler        nats.MsgHandler
}

func (f *fakeConn) QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.subject, f.queue, f.handler = subject, queue, cb
	return nil, nil
}

func TestHandle_Submits(t *testing.T) {
	sub := &fakeSubmitter{}
	in := New(&fakeConn{}, "s", "g", sub, nil)

	reply := in.Handle([]byte(`{"name":"login","capability":"firefox","priority":"high","metadata":{"url":"https://x"},"idempotency_key":"abc"}`))

	assert.Empty(t, reply.Error)
	assert.Equal(t, "req-1", reply.ID)
	assert.Equal(t, 2, reply.QueuePosition)
	require.Len(t, sub.subs, 1)
	assert.Equal(t, "abc", sub.keys[0])
	assert.Equal(t, scheduler.PriorityHigh, sub.subs[0].Priority)
	assert.Equal(t, "firefox", sub.subs[0].Capability)
	assert.Equal(t, "https://x", sub.subs[0].Metadata["url"])
}

func TestHandle_Duplicate(t *testing.T) {
	in := New(&fakeConn{}, "s", "g", &fakeSubmitter{dup: true}, nil)
	reply := in.Handle([]byte(`{"capability":"chromium","idempotency_key":"abc"}`))
	assert.True(t, reply.Duplicate)
}

func TestHandle_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
	}{
		{"bad json", `{`, nil},
		{"bad priority", `{"capability":"chromium","priority":"urgent"}`, nil},
		{"rejected", `{"capability":""}`, scheduler.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := New(&fakeConn{}, "s", "g", &fakeSubmitter{err: tt.err}, nil)
			reply := in.Handle([]byte(tt.body))
			assert.NotEmpty(t, reply.Error)
			assert.Empty(t, reply.ID)
		})
	}
}

func TestStart_SubscribesToQueueGroup(t *testing.T) {
	conn := &fakeConn{}
	sub := &fakeSubmitter{}
	in := New(conn, "fleet.requests.submit", "fleet-gateway", sub, nil)

	require.NoError(t, in.Start())
	assert.Equal(t, "fleet.requests.submit", conn.subject)
	assert.Equal(t, "fleet-gateway", conn.queue)

	// A message without a reply subject is still submitted.
	conn.handler(&nats.Msg{Data: []byte(`{"capability":"chromium"}`)})
	assert.Len(t, sub.subs, 1)

	assert.NoError(t, in.Stop())
}

func TestStart_SubscribeError(t *testing.T) {
	in := New(errConn{}, "s", "g", &fakeSubmitter{}, nil)
	assert.Error(t, in.Start())
}

type errConn struct{}

func (errConn) QueueSubscribe(string, string, nats.MsgHandler) (*nats.Subscription, error) {
	return nil, errors.New("nats: connection closed")
}
