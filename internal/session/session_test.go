package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivewatch/internal/domain"
	"hivewatch/internal/logging"
)

type fakeConn struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.incoming:
		return 1, msg, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  bool
	dials int
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) setFail(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = v
}

type scheduled struct {
	delay time.Duration
	fn    func()
}

type nopTimer struct{}

func (nopTimer) Stop() bool { return true }

func manualTimers() (chan scheduled, func(time.Duration, func()) Timer) {
	ch := make(chan scheduled, 64)
	return ch, func(d time.Duration, fn func()) Timer {
		ch <- scheduled{delay: d, fn: fn}
		return nopTimer{}
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status().State == want }, 2*time.Second, 5*time.Millisecond)
}

func TestBackoffDelaysDoubleUntilCap(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	timers, afterFunc := manualTimers()
	s := New(Config{URL: "ws://test/ws", Dialer: dialer, AfterFunc: afterFunc, Logger: logging.Discard()})

	s.Connect(context.Background())

	var delays []time.Duration
	for i := 0; i < 10; i++ {
		select {
		case next := <-timers:
			delays = append(delays, next.delay)
			next.fn()
		case <-time.After(2 * time.Second):
			t.Fatalf("reconnect %d was not scheduled", i+1)
		}
	}

	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
		30 * time.Second, 30 * time.Second,
	}
	assert.Equal(t, want, delays)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}

	select {
	case extra := <-timers:
		t.Fatalf("unexpected reconnect after exhaustion: %s", extra.delay)
	case <-time.After(50 * time.Millisecond):
	}
	st := s.Status()
	assert.Equal(t, StateDisconnected, st.State)
	assert.Equal(t, 10, st.Attempt)
}

func TestOpenResetsAttemptAndDispatches(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	timers, afterFunc := manualTimers()

	var mu sync.Mutex
	var states []State
	s := New(Config{
		URL: "ws://test/ws", Dialer: dialer, AfterFunc: afterFunc, Logger: logging.Discard(),
		OnStateChange: func(st Status) {
			mu.Lock()
			states = append(states, st.State)
			mu.Unlock()
		},
	})

	got := make(chan domain.PushMessage, 4)
	other := make(chan domain.PushMessage, 4)
	s.OnMessage(func(m domain.PushMessage) { got <- m })
	s.OnMessage(func(m domain.PushMessage) { other <- m })

	s.Connect(context.Background())
	first := <-timers
	assert.Equal(t, 1, s.Status().Attempt)

	dialer.setFail(false)
	first.fn()
	waitState(t, s, StateOpen)
	assert.Equal(t, 0, s.Status().Attempt)

	conn := dialer.last()
	conn.incoming <- []byte(`{not json`)
	conn.incoming <- []byte(`{"type":"pong"}`)
	conn.incoming <- []byte(`{"type":"agent_update","id":"root-1"}`)

	select {
	case m := <-got:
		assert.Equal(t, domain.PushAgentUpdate, m.Type)
		assert.Equal(t, "root-1", m.ID)
	case <-time.After(2 * time.Second):
		t.Fatalf("message not dispatched")
	}
	select {
	case m := <-other:
		assert.Equal(t, "root-1", m.ID)
	case <-time.After(2 * time.Second):
		t.Fatalf("second handler not called")
	}
	assert.Empty(t, got, "malformed and pong frames are dropped")

	mu.Lock()
	assert.Contains(t, states, StateConnecting)
	assert.Contains(t, states, StateError)
	assert.Equal(t, StateOpen, states[len(states)-1])
	mu.Unlock()

	s.Disconnect()
}

func TestUnexpectedCloseSchedulesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	timers, afterFunc := manualTimers()
	s := New(Config{URL: "ws://test/ws", Dialer: dialer, AfterFunc: afterFunc, Logger: logging.Discard()})

	s.Connect(context.Background())
	waitState(t, s, StateOpen)

	dialer.last().Close()
	select {
	case next := <-timers:
		assert.Equal(t, 2*time.Second, next.delay)
		next.fn()
	case <-time.After(2 * time.Second):
		t.Fatalf("reconnect not scheduled")
	}
	waitState(t, s, StateOpen)
	assert.Equal(t, 0, s.Status().Attempt)
	s.Disconnect()
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	timers, afterFunc := manualTimers()
	s := New(Config{URL: "ws://test/ws", Dialer: dialer, AfterFunc: afterFunc, Logger: logging.Discard()})

	s.Connect(context.Background())
	waitState(t, s, StateOpen)
	conn := dialer.last()

	s.Disconnect()
	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.Status().State)

	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatalf("connection not closed")
	}
	select {
	case extra := <-timers:
		t.Fatalf("reconnect scheduled after explicit disconnect: %s", extra.delay)
	case <-time.After(50 * time.Millisecond):
	}
	assert.ErrorIs(t, s.Send(domain.PushMessage{Type: domain.PushPing}), ErrNotOpen)
}

func TestKeepaliveSendsPing(t *testing.T) {
	dialer := &fakeDialer{}
	s := New(Config{URL: "ws://test/ws", Dialer: dialer, KeepaliveInterval: 5 * time.Millisecond, Logger: logging.Discard()})

	s.Connect(context.Background())
	waitState(t, s, StateOpen)
	conn := dialer.last()

	require.Eventually(t, func() bool { return len(conn.writes()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	var msg domain.PushMessage
	require.NoError(t, json.Unmarshal(conn.writes()[0], &msg))
	assert.Equal(t, domain.PushPing, msg.Type)
	s.Disconnect()
}

func TestReconnectAfterExhaustion(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	timers, afterFunc := manualTimers()
	s := New(Config{URL: "ws://test/ws", Dialer: dialer, AfterFunc: afterFunc, MaxAttempts: 1, Logger: logging.Discard()})

	s.Connect(context.Background())
	(<-timers).fn()
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.State == StateDisconnected && st.Attempt == 1
	}, time.Second, 5*time.Millisecond)

	dialer.setFail(false)
	s.Reconnect(context.Background())
	waitState(t, s, StateOpen)
	s.Disconnect()
}
