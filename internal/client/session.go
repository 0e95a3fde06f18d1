package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/omochice/dispatch-chat/internal/metrics"
	"github.com/omochice/dispatch-chat/pkg/protocol"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned when emitting on a session that is not
// connected.
var ErrNotConnected = errors.New("not connected to server")

// Handler receives the JSON payload of an inbound event.
type Handler func(data json.RawMessage)

type handlerEntry struct {
	id int
	fn Handler
}

// Session is the client socket. It outlives individual connections:
// listeners registered with On keep firing across automatic reconnects.
type Session struct {
	logger zerolog.Logger

	mu   sync.RWMutex
	conn Conn
	id   string

	hmu      sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   int
}

func newSession(logger zerolog.Logger) *Session {
	return &Session{
		logger:   logger,
		handlers: make(map[string][]handlerEntry),
	}
}

// ID returns the server-assigned id of the current connection, or "" when
// not connected.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Connected reports whether the session has a live, acknowledged connection.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// Emit sends event with payload. It fails with ErrNotConnected unless the
// session is connected.
func (s *Session) Emit(event string, payload any) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("emit %s: %w", event, ErrNotConnected)
	}

	data, err := protocol.EncodeEvent(event, payload)
	if err != nil {
		return err
	}

	if err := conn.Write(context.Background(), data); err != nil {
		return fmt.Errorf("failed to emit %s: %w", event, err)
	}

	metrics.EventsEmitted.WithLabelValues(event).Inc()
	s.logger.Debug().Str("event", event).Msg("emitted")
	return nil
}

// On registers h for event and returns a function removing it.
func (s *Session) On(event string, h Handler) (unsubscribe func()) {
	s.hmu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers[event] = append(s.handlers[event], handlerEntry{id: id, fn: h})
	s.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(event, id) })
	}
}

// Off removes every handler registered for event.
func (s *Session) Off(event string) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	delete(s.handlers, event)
}

// ListenerCount returns the number of handlers registered for event.
func (s *Session) ListenerCount(event string) int {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	return len(s.handlers[event])
}

func (s *Session) remove(event string, id int) {
	s.hmu.Lock()
	defer s.hmu.Unlock()

	entries := s.handlers[event]
	for i, e := range entries {
		if e.id == id {
			kept := make([]handlerEntry, 0, len(entries)-1)
			kept = append(kept, entries[:i]...)
			kept = append(kept, entries[i+1:]...)
			if len(kept) == 0 {
				delete(s.handlers, event)
			} else {
				s.handlers[event] = kept
			}
			return
		}
	}
}

// dispatch runs the handlers of event in registration order.
func (s *Session) dispatch(event string, data json.RawMessage) {
	s.hmu.RLock()
	entries := s.handlers[event]
	s.hmu.RUnlock()

	metrics.EventsReceived.WithLabelValues(event).Inc()

	if len(entries) == 0 {
		s.logger.Debug().Str("event", event).Msg("no listener for event")
		return
	}
	for _, e := range entries {
		s.invoke(event, e.fn, data)
	}
}

func (s *Session) invoke(event string, fn Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("event", event).Interface("panic", r).Msg("listener panicked")
		}
	}()
	fn(data)
}

func (s *Session) attach(conn Conn, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.id = id
}

// detach drops the connection if it is still conn and returns whether it did.
func (s *Session) detach(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return false
	}
	s.conn = nil
	s.id = ""
	return true
}
