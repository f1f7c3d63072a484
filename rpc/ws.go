package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"dmarket/core/events"
	"dmarket/core/types"
)

const (
	wsWriteTimeout     = 10 * time.Second
	wsSubscriberBuffer = 64
)

// eventPayload is one committed event as sent to stream subscribers.
type eventPayload struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type typedEvent interface {
	Event() *types.Event
}

func payloadFor(evt events.Event) eventPayload {
	if typed, ok := evt.(typedEvent); ok && typed.Event() != nil {
		inner := typed.Event()
		return eventPayload{Type: inner.Type, Attributes: inner.Attributes}
	}
	return eventPayload{Type: evt.EventType()}
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	prefix := strings.TrimSpace(r.URL.Query().Get("type"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// Reads are ignored; CloseRead cancels ctx once the client goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, prefix); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, prefix string) error {
	updates, cancel := s.broker.Subscribe(wsSubscriberBuffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if prefix != "" && !strings.HasPrefix(evt.EventType(), prefix) {
				continue
			}
			if err := writeEvent(ctx, conn, payloadFor(evt)); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, payload eventPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
