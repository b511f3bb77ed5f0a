// ABOUTME: WebSocket endpoint streaming broadcaster messages to dashboards
// ABOUTME: using coder/websocket; ?kind=event or ?kind=snapshot filters the stream.

package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// Handler returns an http.Handler that upgrades to a WebSocket and streams
// messages from b until the client disconnects.
func Handler(b *Broadcaster, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ws-telemetry")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var kinds []string
		switch k := r.URL.Query().Get("kind"); k {
		case "":
		case KindEvent, KindSnapshot:
			kinds = []string{k}
		default:
			http.Error(w, "kind must be event or snapshot", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			logger.Debug("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		// Clients only listen; CloseRead cancels ctx when they go away.
		ctx := conn.CloseRead(r.Context())
		msgs, _ := b.Subscribe(ctx, kinds...)
		logger.Debug("telemetry client connected", "remote", r.RemoteAddr)

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "shutting down")
					return
				}
				if err := writeJSON(ctx, conn, msg); err != nil {
					logger.Debug("telemetry client write failed", "error", err)
					return
				}
			}
		}
	})
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
