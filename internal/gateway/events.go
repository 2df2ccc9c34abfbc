package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentauth/internal/bus"
)

const eventWriteTimeout = 5 * time.Second

// streamedEvent is the wire shape of one event on the /events socket.
type streamedEvent struct {
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// handleEvents streams trust events over a WebSocket. The optional
// ?topics= query narrows the subscription to a topic prefix, e.g.
// topics=agent.drift. for drift events only.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	prefix := r.URL.Query().Get("topics")
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	s.logger.Debug("event stream opened", "topics", prefix)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				s.logger.Debug("event stream closed", "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt bus.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, streamedEvent{
		Topic:     evt.Topic,
		Timestamp: time.Now().UTC(),
		Payload:   evt.Payload,
	})
}
