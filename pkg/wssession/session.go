// Package wssession implements the reconnecting WebSocket session
// contract: a single logical connection to a URL that redials with
// capped exponential backoff and delivers a serially-ordered event
// stream to one callback. The RTM protocol layer in pkg/cobra treats
// reconnects as repeated Close/Open pairs and never sees the
// individual transports this package creates and discards.
package wssession

import (
	"context"
	"crypto/tls"
	"math/rand/v2"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ReadyState is the Session's lifecycle position.
type ReadyState int32

const (
	Connecting ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config binds the Session to a URL and its transport-level options.
// It is a value type; Configure copies it into the Session.
type Config struct {
	URL                 string
	PingInterval        time.Duration // 0 selects the 30s default; a negative value disables keepalive pings
	TLSConfig           *tls.Config
	EnableCompression   bool
	AutoReconnect       bool
	HandshakeTimeout    time.Duration
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	MaxBackoffAttempts  int
	DialTimeout         time.Duration
	TCPKeepAlivePeriod  time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBackoffAttempts == 0 {
		c.MaxBackoffAttempts = 8
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.TCPKeepAlivePeriod == 0 {
		c.TCPKeepAlivePeriod = 30 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	return c
}

// SendInfo reports the outcome of Send/Ping.
type SendInfo struct {
	Accepted bool
	WireSize int
}

// Session is one logical, auto-reconnecting WebSocket connection.
// Exactly one transport is live at a time; Session owns it
// exclusively and discards it on reconnect.
type Session struct {
	cfg Config

	mu      sync.RWMutex
	conn    *websocket.Conn
	state   ReadyState
	onEvent func(Event)

	writeMu sync.Mutex

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New builds a Session from cfg. Configure() can also be used on a
// zero-value Session before Start.
func New(cfg Config) *Session {
	s := &Session{cfg: cfg.withDefaults(), state: Closed}
	return s
}

// Configure rebinds the Session's configuration. Idempotent before
// Start; must not be called after Start.
func (s *Session) Configure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.withDefaults()
}

// SetOnEvent installs the event sink. Safe to call from any
// goroutine at any time; takes effect for events delivered after the
// call returns.
func (s *Session) SetOnEvent(cb func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = cb
}

func (s *Session) emit(evt Event) {
	s.mu.RLock()
	cb := s.onEvent
	s.mu.RUnlock()
	if cb != nil {
		cb(evt)
	}
}

func (s *Session) setState(st ReadyState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ReadyState returns the Session's current lifecycle position.
func (s *Session) ReadyState() ReadyState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Start begins the dial-and-read loop on a background goroutine.
// Calling Start while the loop is running is a no-op; calling it after
// Stop begins a new loop.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started && !s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopped = false
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.setState(Connecting)
	s.wg.Add(1)
	go s.runLoop()
}

// Stop tears the Session down: it signals the run loop, closes any
// live transport to unblock a pending read, and waits (bounded by
// ctx) for the loop goroutine to exit. No event is delivered after
// Stop returns.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.done)
	conn := s.conn
	s.mu.Unlock()

	s.setState(Closing)
	if conn != nil {
		_ = conn.Close()
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		s.setState(Closed)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) runLoop() {
	defer s.wg.Done()
	defer s.setState(Closed)

	attempt := 0
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn, err := s.dial()
		if err != nil {
			s.emit(Event{Kind: EventError, Reason: err.Error()})
			if !s.cfg.AutoReconnect {
				return
			}
			if !s.sleepBackoff(attempt) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.setState(Open)
		s.emit(Event{Kind: EventOpen})

		s.readUntilClosed(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		default:
		}

		if !s.cfg.AutoReconnect {
			return
		}
		s.setState(Connecting)
		if !s.sleepBackoff(attempt) {
			return
		}
		attempt++
	}
}

// sleepBackoff waits the full-jitter exponential backoff for attempt,
// returning false if Stop fired during the wait.
func (s *Session) sleepBackoff(attempt int) bool {
	capped := attempt
	if capped > s.cfg.MaxBackoffAttempts {
		capped = s.cfg.MaxBackoffAttempts
	}
	max := s.cfg.BaseBackoff
	for i := 0; i < capped && max < s.cfg.MaxBackoff; i++ {
		max *= 2
	}
	if max > s.cfg.MaxBackoff {
		max = s.cfg.MaxBackoff
	}
	wait := time.Duration(rand.Int64N(int64(max) + 1))

	select {
	case <-s.done:
		return false
	case <-time.After(wait):
		return true
	}
}

func (s *Session) dial() (*websocket.Conn, error) {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	dialer := websocket.Dialer{
		HandshakeTimeout:  cfg.HandshakeTimeout,
		TLSClientConfig:   cfg.TLSConfig,
		EnableCompression: cfg.EnableCompression,
		Subprotocols:      []string{"json"},
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.TCPKeepAlivePeriod}
			c, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := c.(*net.TCPConn); ok {
				_ = tc.SetKeepAlive(true)
				_ = tc.SetKeepAlivePeriod(cfg.TCPKeepAlivePeriod)
			}
			return c, nil
		},
	}

	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}

	conn, _, err := dialer.Dial(cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Session) readUntilClosed(conn *websocket.Conn) {
	pingInterval := s.cfg.PingInterval
	pongWait := pingInterval * 2
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.emit(Event{Kind: EventPong, Payload: []byte(appData)})
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	stopPinger := make(chan struct{})
	if pingInterval > 0 {
		go s.pingLoop(conn, pingInterval, stopPinger)
	}
	defer close(stopPinger)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseNormalClosure
			reason := err.Error()
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}
			s.emit(Event{Kind: EventClosed, CloseCode: code, Reason: reason})
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msgType {
		case websocket.TextMessage, websocket.BinaryMessage:
			s.emit(Event{Kind: EventMessage, Payload: data, Binary: msgType == websocket.BinaryMessage})
		}
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		}
	}
}

// Send writes one application frame. It returns accepted=false
// without touching the wire when the ready-state is not Open, or
// when a concurrent Send/Ping already holds the single writer slot
// gorilla/websocket allows (the session's backpressure signal, since
// the transport itself has no internal send buffer to saturate).
func (s *Session) Send(payload []byte, binary bool) SendInfo {
	s.mu.RLock()
	conn := s.conn
	state := s.state
	s.mu.RUnlock()

	if state != Open || conn == nil {
		return SendInfo{Accepted: false}
	}
	if !s.writeMu.TryLock() {
		return SendInfo{Accepted: false}
	}
	defer s.writeMu.Unlock()

	msgType := websocket.TextMessage
	if binary {
		msgType = websocket.BinaryMessage
	}
	if err := conn.WriteMessage(msgType, payload); err != nil {
		return SendInfo{Accepted: false}
	}
	return SendInfo{Accepted: true, WireSize: len(payload)}
}

// Ping sends a control ping. payload must not exceed 125 bytes per
// RFC 6455; ready-state must be Open.
func (s *Session) Ping(payload []byte) SendInfo {
	if len(payload) > 125 {
		return SendInfo{Accepted: false}
	}
	s.mu.RLock()
	conn := s.conn
	state := s.state
	s.mu.RUnlock()

	if state != Open || conn == nil {
		return SendInfo{Accepted: false}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(5*time.Second)); err != nil {
		return SendInfo{Accepted: false}
	}
	return SendInfo{Accepted: true, WireSize: len(payload)}
}
