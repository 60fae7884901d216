package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/clawtasks/internal/bus"
)

const streamWriteTimeout = 5 * time.Second

// StreamMessage is one bus event forwarded over /ws.
type StreamMessage struct {
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// handleWS streams bus events to the client as JSON text frames. The
// optional "topic" query parameter narrows the subscription by prefix, and
// "task_id" keeps only events about one task.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorBody{Error: "event bus not configured"})
		return
	}
	prefix := r.URL.Query().Get("topic")
	taskID := r.URL.Query().Get("task_id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)
	s.logger.Info("ws: client connected", "topic", prefix, "task_id", taskID)

	// Inbound frames are ignored; CloseRead cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	status, reason := s.forward(ctx, conn, sub, taskID)
	s.logger.Info("ws: client disconnected", "reason", reason)
	_ = conn.Close(status, reason)
}

func (s *Server) forward(ctx context.Context, conn *websocket.Conn, sub *bus.Subscription, taskID string) (websocket.StatusCode, string) {
	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, "bye"
		case ev, ok := <-sub.Ch():
			if !ok {
				return websocket.StatusGoingAway, "server shutting down"
			}
			if taskID != "" && eventTaskID(ev.Payload) != taskID {
				continue
			}
			msg := StreamMessage{Topic: ev.Topic, Time: time.Now().UTC(), Payload: ev.Payload}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, msg)
			cancel()
			if err != nil {
				if !strings.Contains(err.Error(), "context canceled") {
					s.logger.Warn("ws: write failed", "topic", ev.Topic, "error", err)
				}
				return websocket.StatusInternalError, "write failed"
			}
		}
	}
}

func eventTaskID(payload any) string {
	switch p := payload.(type) {
	case bus.TaskCreatedEvent:
		return p.TaskID
	case bus.TaskCompletedEvent:
		return p.TaskID
	case bus.TaskStateChangedEvent:
		return p.TaskID
	}
	return ""
}
