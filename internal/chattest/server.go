// Package chattest provides an in-memory chat server speaking the socket.io
// websocket protocol, for tests.
package chattest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/dispatch-chat/pkg/protocol"
	"nhooyr.io/websocket"
)

// Event is one event received from a client.
type Event struct {
	Name string
	Data json.RawMessage
	Peer *Peer
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// HandlerFunc answers an event received from a client.
type HandlerFunc func(p *Peer, data json.RawMessage)

// Config tunes the server. Zero values take the socket.io defaults.
type Config struct {
	PingInterval time.Duration
	PingTimeout  time.Duration

	// SendPings makes the server ping every PingInterval.
	SendPings bool
}

// Server is a socket.io test peer.
type Server struct {
	cfg    Config
	srv    *httptest.Server
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	peers    map[*Peer]bool
	events   []Event
	handlers map[string]HandlerFunc
	reject   string
	connects int
	notify   chan struct{}

	wg sync.WaitGroup
}

// NewServer starts a server with the default configuration.
func NewServer() *Server {
	return NewServerWithConfig(Config{})
}

// NewServerWithConfig starts a server with cfg.
func NewServerWithConfig(cfg Config) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 20 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		peers:    make(map[*Peer]bool),
		handlers: make(map[string]HandlerFunc),
		notify:   make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	mux := http.NewServeMux()
	mux.HandleFunc(protocol.Path, s.handleWebSocket)
	s.srv = httptest.NewServer(mux)
	return s
}

// URL returns the http base URL of the server.
func (s *Server) URL() string {
	return s.srv.URL
}

// EndpointURL returns the websocket endpoint clients dial.
func (s *Server) EndpointURL() string {
	u, err := protocol.EndpointURL(s.srv.URL)
	if err != nil {
		panic(err)
	}
	return u
}

// Close drops every client and stops the server.
func (s *Server) Close() {
	s.cancel()
	s.srv.Close()
	s.wg.Wait()
}

// Handle registers fn to answer event.
func (s *Server) Handle(event string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = fn
}

// RejectConnects makes namespace connects fail with message. An empty
// message accepts connects again.
func (s *Server) RejectConnects(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = message
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Connects returns how many namespace connects were accepted.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Events returns the events received so far, in arrival order.
func (s *Server) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// EventsNamed returns the received events called name.
func (s *Server) EventsNamed(name string) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// WaitForEvent waits until n events called name have been received.
func (s *Server) WaitForEvent(name string, n int, timeout time.Duration) ([]Event, error) {
	var got []Event
	err := s.waitUntil(timeout, func() bool {
		got = got[:0]
		for _, e := range s.events {
			if e.Name == name {
				got = append(got, e)
			}
		}
		return len(got) >= n
	})
	if err != nil {
		return got, fmt.Errorf("waiting for %d %q events: %w", n, name, err)
	}
	return got, nil
}

// WaitForClients waits until n clients are connected.
func (s *Server) WaitForClients(n int, timeout time.Duration) error {
	err := s.waitUntil(timeout, func() bool { return len(s.peers) == n })
	if err != nil {
		return fmt.Errorf("waiting for %d clients: %w", n, err)
	}
	return nil
}

// WaitForConnects waits until n namespace connects have been accepted.
func (s *Server) WaitForConnects(n int, timeout time.Duration) error {
	err := s.waitUntil(timeout, func() bool { return s.connects >= n })
	if err != nil {
		return fmt.Errorf("waiting for %d connects: %w", n, err)
	}
	return nil
}

// waitUntil evaluates cond under s.mu whenever the server state changes.
func (s *Server) waitUntil(timeout time.Duration, cond func() bool) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		ok := cond()
		ch := s.notify
		s.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-deadline.C:
			return context.DeadlineExceeded
		}
	}
}

// changedLocked wakes waiters. s.mu must be held.
func (s *Server) changedLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Emit broadcasts event to every connected client.
func (s *Server) Emit(event string, payload any) error {
	data, err := protocol.EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	for _, p := range s.snapshot() {
		p.send(data)
	}
	return nil
}

// DisconnectAll sends a socket.io DISCONNECT to every client and closes
// their connections.
func (s *Server) DisconnectAll() {
	for _, p := range s.snapshot() {
		ctx, cancel := context.WithTimeout(p.ctx, time.Second)
		_ = p.conn.Write(ctx, websocket.MessageText, protocol.EncodeDisconnect())
		cancel()
		p.close()
	}
}

// DropAll closes every client connection without a protocol goodbye.
func (s *Server) DropAll() {
	for _, p := range s.snapshot() {
		p.close()
	}
}

func (s *Server) snapshot() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]*Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

func (s *Server) register(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p] = true
	s.connects++
	s.changedLocked()
}

func (s *Server) unregister(p *Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[p] {
		delete(s.peers, p)
		s.changedLocked()
	}
}

func (s *Server) record(e Event) HandlerFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	s.changedLocked()
	return s.handlers[e.Name]
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	p := &Peer{
		conn:     wsConn,
		Outgoing: make(chan []byte, 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.wg.Add(3)
	go s.writeLoop(p)
	go s.pingLoop(p)
	s.handleClient(p)
}

func (s *Server) handleClient(p *Peer) {
	defer s.wg.Done()
	defer s.unregister(p)
	defer p.conn.Close(websocket.StatusNormalClosure, "")
	defer p.close()
	ctx := p.ctx

	open, err := protocol.EncodeOpen(protocol.OpenInfo{
		SID:          uuid.NewString(),
		Upgrades:     []string{},
		PingInterval: int(s.cfg.PingInterval / time.Millisecond),
		PingTimeout:  int(s.cfg.PingTimeout / time.Millisecond),
		MaxPayload:   1000000,
	})
	if err != nil {
		return
	}
	p.send(open)

	for {
		_, data, err := p.conn.Read(ctx)
		if err != nil {
			return
		}
		pkt, err := protocol.Decode(data)
		if err != nil {
			continue
		}

		switch pkt.Engine {
		case protocol.EngineClose:
			return
		case protocol.EngineMessage:
			switch pkt.Socket {
			case protocol.SocketConnect:
				s.mu.Lock()
				reject := s.reject
				s.mu.Unlock()
				if reject != "" {
					if msg, err := protocol.EncodeConnectError(reject); err == nil {
						p.send(msg)
					}
					continue
				}
				p.id = uuid.NewString()
				ack, err := protocol.EncodeConnectAck(p.id)
				if err != nil {
					return
				}
				p.send(ack)
				s.register(p)
			case protocol.SocketDisconnect:
				return
			case protocol.SocketEvent:
				if fn := s.record(Event{Name: pkt.Event, Data: pkt.Data, Peer: p}); fn != nil {
					fn(p, pkt.Data)
				}
			}
		}
	}
}

func (s *Server) writeLoop(p *Peer) {
	defer s.wg.Done()
	for {
		select {
		case data := <-p.Outgoing:
			if err := p.conn.Write(p.ctx, websocket.MessageText, data); err != nil {
				p.close()
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

func (s *Server) pingLoop(p *Peer) {
	defer s.wg.Done()
	if !s.cfg.SendPings {
		return
	}

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.send(protocol.EncodePing())
		case <-p.ctx.Done():
			return
		}
	}
}

// Peer is one connected client.
type Peer struct {
	conn     *websocket.Conn
	id       string
	Outgoing chan []byte

	// ctx ends with the connection; cancelling it drops the transport.
	ctx    context.Context
	cancel context.CancelFunc
}

// ID returns the socket.io session id given to the peer.
func (p *Peer) ID() string {
	return p.id
}

// Emit sends event to this peer only.
func (p *Peer) Emit(event string, payload any) error {
	data, err := protocol.EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	p.send(data)
	return nil
}

func (p *Peer) send(data []byte) {
	select {
	case p.Outgoing <- data:
	case <-p.ctx.Done():
	}
}

func (p *Peer) close() {
	p.cancel()
}
