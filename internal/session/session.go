// Package session owns the monitor's persistent push channel to the
// backend: dialing, keepalive, backoff reconnection and fan-out dispatch.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hivewatch/internal/domain"
	"hivewatch/internal/logging"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateError        State = "error"
	StateClosed       State = "closed"
)

type Status struct {
	State   State
	Attempt int
}

var ErrNotOpen = errors.New("push channel is not open")

// Conn is the subset of *websocket.Conn the session needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket and tags the connection
// with a per-process client id.
type WebsocketDialer struct {
	Dialer   *websocket.Dialer
	ClientID string
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	clientID := d.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	header.Set("X-Client-ID", clientID)

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial push channel: %w", err)
	}
	return conn, nil
}

// Timer is the handle returned by AfterFunc.
type Timer interface {
	Stop() bool
}

type Handler func(domain.PushMessage)

type Config struct {
	URL               string
	KeepaliveInterval time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Dialer            Dialer
	Logger            *slog.Logger
	OnStateChange     func(Status)
	// AfterFunc schedules reconnects; tests replace it to observe delays.
	AfterFunc func(d time.Duration, fn func()) Timer
}

func (c Config) withDefaults() Config {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = WebsocketDialer{}
	}
	if c.AfterFunc == nil {
		c.AfterFunc = func(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
	}
	return c
}

// Session has exactly one owner, which decides when to rebuild it.
// Handlers run on the session's reader goroutine.
type Session struct {
	cfg     Config
	logger  *slog.Logger
	backoff *backoff.ExponentialBackOff

	mu        sync.Mutex
	ctx       context.Context
	state     State
	attempt   int
	gen       uint64
	explicit  bool
	conn      Conn
	keepalive chan struct{}
	timer     Timer
	handlers  []Handler

	writeMu sync.Mutex
}

func New(cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:     cfg,
		logger:  logging.OrDefault(cfg.Logger).With("component", "session"),
		backoff: newBackOff(cfg.BaseDelay, cfg.MaxDelay),
		state:   StateDisconnected,
	}
}

// newBackOff yields min(base*2^attempt, max) for attempt = 1, 2, ...
func newBackOff(base, maxDelay time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// OnMessage registers a handler. Every handler receives every message.
func (s *Session) OnMessage(h Handler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state, Attempt: s.attempt}
}

// Connect starts dialing in the background. It is a no-op while a
// connection is open or being established.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateOpen || s.state == StateConnecting {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	s.explicit = false
	s.gen++
	gen := s.gen
	st := s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	s.notify(st)
	go s.dial(gen)
}

// Reconnect is the manual trigger after reconnection was exhausted.
func (s *Session) Reconnect(ctx context.Context) {
	s.mu.Lock()
	s.attempt = 0
	s.backoff.Reset()
	s.mu.Unlock()
	s.Connect(ctx)
}

// Disconnect closes the channel and suppresses reconnection.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.explicit = true
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.stopKeepaliveLocked()
	conn := s.conn
	s.conn = nil
	var transitions []Status
	if s.state != StateDisconnected {
		transitions = append(transitions, s.setStateLocked(StateClosed), s.setStateLocked(StateDisconnected))
	}
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	s.notify(transitions...)
}

// Send writes one JSON frame on the open channel.
func (s *Session) Send(msg domain.PushMessage) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode push message: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write push message: %w", err)
	}
	return nil
}

func (s *Session) dial(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.explicit {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	var transitions []Status
	if s.state != StateConnecting {
		transitions = append(transitions, s.setStateLocked(StateConnecting))
	}
	s.mu.Unlock()
	s.notify(transitions...)

	conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.URL)

	s.mu.Lock()
	if gen != s.gen || s.explicit {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.logger.Debug("push channel dial failed", "url", s.cfg.URL, "error", err)
		s.drop(gen, nil, err)
		return
	}
	s.conn = conn
	s.attempt = 0
	s.backoff.Reset()
	stop := make(chan struct{})
	s.keepalive = stop
	st := s.setStateLocked(StateOpen)
	s.mu.Unlock()

	s.logger.Info("push channel open", "url", s.cfg.URL)
	s.notify(st)
	go s.keepaliveLoop(conn, stop)
	go s.readLoop(gen, conn)
}

func (s *Session) readLoop(gen uint64, conn Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.drop(gen, conn, err)
			return
		}
		var msg domain.PushMessage
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Type == "" {
			s.logger.Debug("dropping malformed push payload", "bytes", len(payload), "error", err)
			continue
		}
		if msg.Type == domain.PushPong {
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg domain.PushMessage) {
	s.mu.Lock()
	handlers := make([]Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (s *Session) keepaliveLoop(conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	ping, _ := json.Marshal(domain.PushMessage{Type: domain.PushPing})
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, ping)
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug("keepalive write failed", "error", err)
			}
		}
	}
}

// drop handles a failed dial (conn nil) or a closed connection and
// schedules the next attempt unless exhausted or explicitly disconnected.
func (s *Session) drop(gen uint64, conn Conn, cause error) {
	s.mu.Lock()
	if gen != s.gen || (conn != nil && conn != s.conn) {
		s.mu.Unlock()
		return
	}
	if conn != nil {
		s.conn = nil
		_ = conn.Close()
	}
	s.stopKeepaliveLocked()

	transitions := []Status{s.setStateLocked(StateError), s.setStateLocked(StateDisconnected)}
	if s.explicit || s.attempt >= s.cfg.MaxAttempts {
		exhausted := !s.explicit
		attempt := s.attempt
		s.mu.Unlock()
		s.notify(transitions...)
		if exhausted {
			s.logger.Warn("push channel reconnect attempts exhausted", "attempts", attempt, "error", cause)
		}
		return
	}

	s.attempt++
	delay := s.backoff.NextBackOff()
	attempt := s.attempt
	s.timer = s.cfg.AfterFunc(delay, func() { s.dial(gen) })
	s.mu.Unlock()

	s.logger.Debug("push channel reconnect scheduled", "attempt", attempt, "delay", delay, "error", cause)
	s.notify(transitions...)
}

func (s *Session) stopKeepaliveLocked() {
	if s.keepalive != nil {
		close(s.keepalive)
		s.keepalive = nil
	}
}

func (s *Session) setStateLocked(state State) Status {
	s.state = state
	return Status{State: state, Attempt: s.attempt}
}

func (s *Session) notify(statuses ...Status) {
	if s.cfg.OnStateChange == nil {
		return
	}
	for _, st := range statuses {
		s.cfg.OnStateChange(st)
	}
}
