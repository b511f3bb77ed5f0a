// ABOUTME: Tests for the /ws/telemetry WebSocket handler
// ABOUTME: Dials an httptest server with coder/websocket and reads JSON messages

package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_StreamsEvents(t *testing.T) {
	b := NewBroadcaster(0, nil)
	defer b.Close()

	srv := httptest.NewServer(Handler(b, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"?kind=event", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// Wait until the handler has subscribed before publishing.
	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Push(ctx, Snapshot{QueueDepth: 5}))
	b.Publish(makeEvent("req-ws"))

	var msg Message
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, KindEvent, msg.Kind, "snapshot should be filtered out")
	require.NotNil(t, msg.Event)
	assert.Equal(t, "req-ws", msg.Event.RequestID)

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return b.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHandler_RejectsUnknownKind(t *testing.T) {
	b := NewBroadcaster(0, nil)
	defer b.Close()

	rec := httptest.NewRecorder()
	Handler(b, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/telemetry?kind=bogus", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
