package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/omochice/dispatch-chat/internal/metrics"
	"github.com/omochice/dispatch-chat/pkg/protocol"
	"github.com/rs/zerolog"
)

// dropReason tells why a live connection ended.
type dropReason int

const (
	dropClient dropReason = iota
	dropServer
	dropTransport
)

func (r dropReason) String() string {
	switch r {
	case dropClient:
		return "client"
	case dropServer:
		return "server"
	case dropTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Manager owns the single Session of a chat client and drives its
// connection state machine:
//
//	disconnected -> connecting -> connected -> disconnected | error
//
// Connect errors are retried with backoff until ReconnectionAttempts
// consecutive failures, after which the manager stays disconnected until
// Connect or Reconnect is called.
type Manager struct {
	url    string
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	status   Status
	version  uint64
	session  *Session
	attempts int
	gen      uint64
	cancel   context.CancelFunc
	running  bool

	lmu       sync.Mutex
	listeners map[int]*statusListener
	nextID    int
}

// NewManager creates a Manager for the socket endpoint url
// (see protocol.EndpointURL).
func NewManager(url string, opts Options, logger zerolog.Logger) *Manager {
	metrics.SetConnectionStatus(string(StatusDisconnected))
	return &Manager{
		url:       url,
		opts:      opts.withDefaults(),
		logger:    logger.With().Str("component", "connection").Logger(),
		status:    StatusDisconnected,
		listeners: make(map[int]*statusListener),
	}
}

// Connect starts connecting and returns the session. It is idempotent: while
// a session is connected or being connected the existing one is returned.
// Connect never blocks on the network.
func (m *Manager) Connect() *Session {
	m.mu.Lock()
	if m.session != nil && m.running {
		s := m.session
		m.mu.Unlock()
		return s
	}
	if m.session == nil {
		m.session = newSession(m.logger)
	}
	s := m.session
	m.attempts = 0
	gen, start := m.startLocked()
	m.mu.Unlock()

	m.setStatus(gen, StatusConnecting)
	start()
	return s
}

// Reconnect resets the attempt counter and forces a fresh connection
// attempt on the existing session. Without a session it behaves like
// Connect.
func (m *Manager) Reconnect() *Session {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return m.Connect()
	}
	s := m.session
	m.stopLocked()
	m.attempts = 0
	gen, start := m.startLocked()
	m.mu.Unlock()

	m.logger.Info().Msg("manual reconnect")
	m.setStatus(gen, StatusConnecting)
	start()
	return s
}

// Disconnect tears the session down and resets the attempt counter. It is a
// no-op when there is no session.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return
	}
	m.stopLocked()
	m.session = nil
	m.attempts = 0
	gen := m.gen
	m.mu.Unlock()

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil && s.detach(conn) {
		_ = conn.Write(context.Background(), protocol.EncodeDisconnect())
		_ = conn.Close()
		metrics.Disconnects.WithLabelValues(dropClient.String()).Inc()
	}

	m.logger.Info().Msg("disconnected by client")
	m.setStatus(gen, StatusDisconnected)
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsConnected reports whether the manager is connected.
func (m *Manager) IsConnected() bool {
	return m.Status() == StatusConnected
}

// Attempts returns the number of consecutive failed connection attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Session returns the current session, or nil.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// SessionID returns the server-assigned id of the live connection, or "".
func (m *Manager) SessionID() string {
	if s := m.Session(); s != nil {
		return s.ID()
	}
	return ""
}

// OnStatusChange calls fn with the current status right away and then on
// every transition, in order. The returned function removes fn.
func (m *Manager) OnStatusChange(fn func(Status)) (unsubscribe func()) {
	l := &statusListener{fn: fn}

	m.lmu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = l
	m.lmu.Unlock()

	m.mu.Lock()
	status, version := m.status, m.version
	m.mu.Unlock()
	l.deliver(status, version)

	return func() {
		m.lmu.Lock()
		defer m.lmu.Unlock()
		delete(m.listeners, id)
	}
}

// statusListener delivers statuses to fn one at a time and in version
// order. Deliveries older than the last one queued are dropped, and a
// delivery made from inside fn is queued until fn returns.
type statusListener struct {
	fn func(Status)

	mu      sync.Mutex
	last    uint64
	seen    bool
	queue   []Status
	running bool
}

func (l *statusListener) deliver(status Status, version uint64) {
	l.mu.Lock()
	if l.seen && version <= l.last {
		l.mu.Unlock()
		return
	}
	l.seen = true
	l.last = version
	l.queue = append(l.queue, status)
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	for len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		l.fn(next)
		l.mu.Lock()
	}
	l.running = false
	l.mu.Unlock()
}

// startLocked prepares a connection loop for the current session and
// returns the function launching it. m.mu must be held.
func (m *Manager) startLocked() (gen uint64, start func()) {
	m.gen++
	gen = m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	s := m.session
	return gen, func() { go m.run(ctx, gen, s) }
}

// stopLocked cancels the running loop, if any. m.mu must be held.
func (m *Manager) stopLocked() {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.running = false
}

// setStatus records a transition made by generation gen. Transitions of a
// stopped loop are ignored.
func (m *Manager) setStatus(gen uint64, status Status) {
	m.mu.Lock()
	if gen != m.gen || m.status == status && status != StatusError {
		m.mu.Unlock()
		return
	}
	m.status = status
	m.version++
	version := m.version
	m.mu.Unlock()

	metrics.SetConnectionStatus(string(status))

	m.lmu.Lock()
	ls := make([]*statusListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		ls = append(ls, l)
	}
	m.lmu.Unlock()

	for _, l := range ls {
		l.deliver(status, version)
	}
}

// connectFailed counts a failed attempt and reports whether the budget is
// exhausted.
func (m *Manager) connectFailed(gen uint64) (attempts int, exhausted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return m.attempts, false
	}
	m.attempts++
	return m.attempts, m.opts.NoReconnect || m.attempts >= m.opts.ReconnectionAttempts
}

// connected resets the attempt counter for generation gen.
func (m *Manager) connected(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.attempts = 0
	return true
}

// giveUp stops the loop of generation gen, keeping the session so Reconnect
// can resume it.
func (m *Manager) giveUp(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	m.setStatus(gen, StatusDisconnected)
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) run(ctx context.Context, gen uint64, s *Session) {
	delay := newReconnectDelay(m.opts)
	log := m.logger.With().Uint64("generation", gen).Logger()

	for {
		m.setStatus(gen, StatusConnecting)
		metrics.ConnectAttempts.Inc()

		conn, info, sid, err := m.handshake(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.ConnectErrors.Inc()
			attempts, exhausted := m.connectFailed(gen)
			log.Warn().Err(err).Int("attempt", attempts).Msg("connection error")
			m.setStatus(gen, StatusError)

			if exhausted {
				log.Error().Int("attempts", attempts).Msg("max reconnection attempts reached")
				metrics.Disconnects.WithLabelValues("exhausted").Inc()
				m.giveUp(gen)
				return
			}
			if !sleep(ctx, delay.Next()) {
				return
			}
			continue
		}

		if !m.connected(gen) {
			_ = conn.Close()
			return
		}
		delay.Reset()
		s.attach(conn, sid)
		log.Info().Str("sid", sid).Str("remote", conn.RemoteAddr()).Msg("connected")
		m.setStatus(gen, StatusConnected)

		reason, err := m.serve(ctx, s, conn, info)
		if !s.detach(conn) {
			// Disconnect or a newer loop took the session over.
			_ = conn.Close()
			return
		}
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		metrics.Disconnects.WithLabelValues(reason.String()).Inc()

		switch reason {
		case dropServer:
			log.Info().Msg("disconnected by server")
			m.setStatus(gen, StatusDisconnected)
			if m.opts.NoReconnect {
				m.giveUp(gen)
				return
			}
			// server-initiated: retry right away
		default:
			log.Warn().Err(err).Msg("transport error")
			m.setStatus(gen, StatusError)
			if m.opts.NoReconnect {
				m.giveUp(gen)
				return
			}
			if !sleep(ctx, delay.Next()) {
				return
			}
		}
	}
}

// handshake dials, waits for the engine OPEN packet, connects to the root
// namespace and waits for the acknowledgement, all within opts.Timeout.
func (m *Manager) handshake(ctx context.Context) (Conn, protocol.OpenInfo, string, error) {
	var info protocol.OpenInfo
	start := time.Now()

	hctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	conn, err := m.opts.Dialer(hctx, m.url, m.opts.Header)
	if err != nil {
		return nil, info, "", fmt.Errorf("failed to connect to server: %w", err)
	}

	fail := func(err error) (Conn, protocol.OpenInfo, string, error) {
		_ = conn.Close()
		return nil, info, "", err
	}

	opened := false
	for {
		data, err := conn.Read(hctx)
		if err != nil {
			return fail(fmt.Errorf("handshake: %w", err))
		}
		p, err := protocol.Decode(data)
		if err != nil {
			return fail(fmt.Errorf("handshake: %w", err))
		}

		switch {
		case p.Engine == protocol.EngineOpen:
			if err := json.Unmarshal(p.Data, &info); err != nil {
				return fail(fmt.Errorf("handshake: open packet: %w", err))
			}
			opened = true
			if err := conn.Write(hctx, protocol.EncodeConnect()); err != nil {
				return fail(fmt.Errorf("handshake: %w", err))
			}
		case p.Engine == protocol.EnginePing:
			if err := conn.Write(hctx, protocol.EncodePong()); err != nil {
				return fail(fmt.Errorf("handshake: %w", err))
			}
		case p.Engine == protocol.EngineClose:
			return fail(errors.New("handshake: closed by server"))
		case p.Engine == protocol.EngineMessage && p.Namespace == protocol.RootNamespace:
			switch p.Socket {
			case protocol.SocketConnect:
				if !opened {
					return fail(errors.New("handshake: connect before open"))
				}
				var ack protocol.ConnectAck
				if len(p.Data) > 0 {
					if err := json.Unmarshal(p.Data, &ack); err != nil {
						return fail(fmt.Errorf("handshake: connect ack: %w", err))
					}
				}
				metrics.HandshakeDuration.Observe(time.Since(start).Seconds())
				return conn, info, ack.SID, nil
			case protocol.SocketConnectError:
				cerr := &protocol.ConnectError{}
				if err := json.Unmarshal(p.Data, cerr); err != nil {
					cerr.Message = string(p.Data)
				}
				return fail(cerr)
			}
		}
	}
}

// serve reads frames until the connection ends, dispatching events to s.
func (m *Manager) serve(ctx context.Context, s *Session, conn Conn, info protocol.OpenInfo) (dropReason, error) {
	heartbeat := info.HeartbeatDeadline()

	for {
		rctx, cancel := ctx, context.CancelFunc(func() {})
		if heartbeat > 0 {
			rctx, cancel = context.WithTimeout(ctx, heartbeat)
		}
		data, err := conn.Read(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return dropClient, nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return dropTransport, errors.New("ping timeout")
			}
			if errors.Is(err, io.EOF) {
				return dropTransport, errors.New("transport close")
			}
			return dropTransport, err
		}

		p, err := protocol.Decode(data)
		if err != nil {
			metrics.DecodeFailures.WithLabelValues("frame").Inc()
			m.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}

		switch p.Engine {
		case protocol.EnginePing:
			if err := conn.Write(ctx, protocol.EncodePong()); err != nil {
				return dropTransport, err
			}
		case protocol.EngineClose:
			return dropServer, nil
		case protocol.EngineMessage:
			if p.Namespace != protocol.RootNamespace {
				continue
			}
			switch p.Socket {
			case protocol.SocketDisconnect:
				return dropServer, nil
			case protocol.SocketEvent:
				s.dispatch(p.Event, p.Data)
			}
		}
	}
}

// sleep waits for d or until ctx is done, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
