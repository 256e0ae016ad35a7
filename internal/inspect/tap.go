package inspect

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/hookbus/internal/bus"
)

const (
	frameSubscribed = "subscribed"
	frameEvent      = "event"

	tapWriteTimeout = 5 * time.Second
)

type tapFrame struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Topic   string `json:"topic"`
	EventID uint64 `json:"eventId,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
	Dropped uint64 `json:"dropped,omitempty"`
}

type tapSession struct {
	id      string
	topic   string
	events  chan bus.Event[any]
	dropped atomic.Uint64
	cancel  context.CancelFunc
}

func (s *Server) tap(w http.ResponseWriter, r *http.Request) {
	topic := strings.TrimSpace(r.URL.Query().Get("topic"))
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic required")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("tap upgrade failed: topic=%s err=%v", topic, err)
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	// CloseRead discards client frames and cancels ctx once the peer goes away.
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	defer cancel()

	session := &tapSession{
		id:     uuid.NewString(),
		topic:  topic,
		events: make(chan bus.Event[any], s.tapBuffer),
		cancel: cancel,
	}
	if !s.addSession(session) {
		_ = conn.Close(websocket.StatusGoingAway, "inspector closing")
		return
	}
	defer s.removeSession(session.id)

	sub := bus.Subscribe(s.bus, topic, func(_ context.Context, evt bus.Event[any], _ *bus.Bus[string, any]) error {
		if n, ok := session.offer(evt); !ok && (n == 1 || n%100 == 0) {
			s.logger.Printf("tap dropping events: session=%s topic=%s dropped=%d", session.id, topic, n)
		}
		return nil
	})
	defer sub.Unsubscribe()

	s.logger.Printf("tap opened: session=%s topic=%s", session.id, topic)
	if err := writeFrame(ctx, conn, tapFrame{Type: frameSubscribed, Session: session.id, Topic: topic}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("tap closed: session=%s topic=%s dropped=%d", session.id, topic, session.dropped.Load())
			return
		case evt := <-session.events:
			frame := tapFrame{
				Type:    frameEvent,
				Session: session.id,
				Topic:   topic,
				EventID: evt.EventID,
				Payload: evt.Payload,
				Dropped: session.dropped.Load(),
			}
			if evt.Err != nil {
				frame.Error = evt.Err.Error()
			}
			if err := writeFrame(ctx, conn, frame); err != nil {
				s.logger.Printf("tap write failed: session=%s err=%v", session.id, err)
				return
			}
		}
	}
}

// offer queues evt without blocking. When the buffer is full the event is
// dropped and the running drop count is returned with ok false.
func (t *tapSession) offer(evt bus.Event[any]) (uint64, bool) {
	select {
	case t.events <- evt:
		return t.dropped.Load(), true
	default:
		return t.dropped.Add(1), false
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame tapFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, tapWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) addSession(session *tapSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[session.id] = session
	return true
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}
