package transport

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/recipechat/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn. Frames pushed to in are returned from
// ReadMessage; Close or drop ends the read loop.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	control [][]byte
	in      chan []byte
	done    chan struct{}
	once    sync.Once
	readErr error
	// maxWrites fails writes once that many frames were written; zero
	// means unlimited.
	maxWrites int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readErr != nil {
			return 0, nil, c.readErr
		}
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return errors.New("write on closed connection")
	default:
	}
	if c.maxWrites > 0 && len(c.written) >= c.maxWrites {
		return errors.New("broken pipe")
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(_ int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.control = append(c.control, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// drop simulates the server closing the connection with code.
func (c *fakeConn) drop(code int, text string) {
	c.mu.Lock()
	c.readErr = &websocket.CloseError{Code: code, Text: text}
	c.mu.Unlock()
	_ = c.Close()
}

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

// fakeDialer hands out a fresh fakeConn per dial, or fails when fail is set.
// prepare, when set, adjusts the i-th connection before it is returned.
type fakeDialer struct {
	mu      sync.Mutex
	targets []string
	conns   []*fakeConn
	fail    bool
	prepare func(i int, c *fakeConn)
}

func (d *fakeDialer) Dial(_ context.Context, target string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, target)
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	if d.prepare != nil {
		d.prepare(len(d.conns), c)
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// recorder collects events in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) count(match func(Event) bool) int {
	n := 0
	for _, ev := range r.Events() {
		if match(ev) {
			n++
		}
	}
	return n
}

func isOpened(ev Event) bool {
	_, ok := ev.(Opened)
	return ok
}

func isClosed(ev Event) bool {
	_, ok := ev.(Closed)
	return ok
}

func isMessage(ev Event) bool {
	_, ok := ev.(Message)
	return ok
}

func isError(ev Event) bool {
	_, ok := ev.(Error)
	return ok
}

func isExhausted(ev Event) bool {
	e, ok := ev.(Error)
	return ok && errors.Is(e.Err, ErrRetriesExhausted)
}

func newTestTransport(t *testing.T, d Dialer, b Backoff) *Transport {
	t.Helper()
	tr, err := New(Options{
		Endpoint:  "ws://backend.test/chat",
		SessionID: "sess-1",
		Token:     "secret",
		Backoff:   b,
		MaxQueue:  3,
		Dialer:    d,
		Metrics:   metrics.NewCollector(),
	})
	require.NoError(t, err)
	t.Cleanup(tr.Dispose)
	return tr
}

var fastBackoff = Backoff{Base: time.Millisecond, Cap: 4 * time.Millisecond, MaxAttempts: 3}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Endpoint: "ws://x"})
	assert.Error(t, err, "session id required")

	_, err = New(Options{Endpoint: "ftp://x", SessionID: "s"})
	assert.Error(t, err)

	tr, err := New(Options{Endpoint: "https://x/ws", SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, tr.State())
	assert.Equal(t, "wss://x/ws?sessionId=s", tr.Target())
}

func TestTarget_QueryParams(t *testing.T) {
	d := &fakeDialer{}
	tr := newTestTransport(t, d, fastBackoff)
	tr.Connect()

	require.Eventually(t, func() bool { return tr.Connected() }, time.Second, time.Millisecond)

	d.mu.Lock()
	target := d.targets[0]
	d.mu.Unlock()
	u, err := url.Parse(target)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", u.Query().Get("sessionId"))
	assert.Equal(t, "secret", u.Query().Get("token"))
	assert.NotContains(t, tr.Target(), "secret")
	assert.Contains(t, tr.Target(), "TOKEN_HIDDEN")
}

func TestConnect_Idempotent(t *testing.T) {
	d := &fakeDialer{}
	tr := newTestTransport(t, d, fastBackoff)
	rec := &recorder{}
	tr.Subscribe(rec.handle)

	tr.Connect()
	tr.Connect()
	require.Eventually(t, func() bool { return tr.Connected() }, time.Second, time.Millisecond)
	tr.Connect()

	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, 1, rec.count(isOpened))
}

func TestSend_WhileOpen(t *testing.T) {
	d := &fakeDialer{}
	tr := newTestTransport(t, d, fastBackoff)
	tr.Connect()
	require.Eventually(t, func() bool { return tr.Connected() }, time.Second, time.Millisecond)

	require.NoError(t, tr.Send([]byte(`{"action":"getrecipes","payload":""}`)))

	assert.Equal(t, []string{`{"action":"getrecipes","payload":""}`}, d.Conn(0).Written())
	assert.Empty(t, tr.Pending())
	assert.False(t, tr.LastActivity().IsZero())
}

func TestSend_QueueOverflowKeepsNewest(t *testing.T) {
	d := &fakeDialer{}
	tr := newTestTransport(t, d, fastBackoff)

	for _, f := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, tr.Send([]byte(f)))
	}

	pending := tr.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "3", string(pending[0]))
	assert.Equal(t, "5", string(pending[2]))

	rec := &recorder{}
	tr.Subscribe(rec.handle)
	tr.Connect()
	require.Eventually(t, func() bool { return rec.count(isOpened) == 1 }, time.Second, time.Millisecond)

	// Flushed in order before Opened was emitted.
	assert.Equal(t, []string{"3", "4", "5"}, d.Conn(0).Written())
	assert.Empty(t, tr.Pending())

	snap := tr.stats.Snapshot()
	assert.Equal(t, int64(5), snap.FramesQueued)
	assert.Equal(t, int64(2), snap.FramesDropped)
	assert.Equal(t, int64(3), snap.FramesSent)
}

func TestFlushFailure_ReplaysQueueInOrder(t *testing.T) {
	d := &fakeDialer{prepare: func(i int, c *fakeConn) {
		if i == 0 {
			c.maxWrites = 1
		}
	}}
	tr := newTestTransport(t, d, fastBackoff)
	for _, f := range []string{"1", "2", "3"} {
		require.NoError(t, tr.Send([]byte(f)))
	}
	rec := &recorder{}
	tr.Subscribe(rec.handle)

	tr.Connect()
	require.Eventually(t, func() bool { return rec.count(isOpened) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, tr.Send([]byte("4")))

	assert.Equal(t, []string{"1"}, d.Conn(0).Written())
	assert.Equal(t, []string{"2", "3", "4"}, d.Conn(1).Written())
	assert.Empty(t, tr.Pending())
	assert.Equal(t, 0, tr.Attempts())

	events := rec.Events()
	assert.IsType(t, Error{}, events[0], "a failed flush never reports the connection as open")
	assert.IsType(t, Closed{}, events[1])
}

func TestSendFailure_LaterFramesQueueBehind(t *testing.T) {
	d := &fakeDialer{}
	tr := newTestTransport(t, d, fastBackoff)
	rec := &recorder{}
	tr.Subscribe(rec.handle)
	tr.Connect()
	require.Eventually(t, func() bool { return tr.Connected() }, time.Second, time.Millisecond)

	first := d.Conn(0)
	first.mu.Lock()
	first.maxWrites = 1
	first.mu.Unlock()
	require.NoError(t, tr.Send([]byte("a")))

	require.NoError(t, tr.Send([]byte("b")))
	require.NoError(t, tr.Send([]byte("c")))

	require.Eventually(t, func() bool { return rec.count(isOpened) == 2 }, time.Second, time.Millisecond)
	require.NoError(t, tr.Send([]byte("d")))

	assert.Equal(t, []string{"a"}, first.Written())
	assert.Equal(t, []string{"b", "c", "d"}, d.Conn(1).Written())
	assert.Equal(t, 1, rec.count(isError))
}

func TestMessages_DeliveredInOrder(t *testing.T) {
	d := &fakeDialer{}
	tr := newTestTransport(t, d, fastBackoff)
	rec := &recorder{}
	tr.Subscribe(rec.handle)
	tr.Connect()
	require.Eventually(t, func() bool { return tr.Connected() }, time.Second, time.Millisecond)

	c := d.Conn(0)
	c.in <- []byte("a")
	c.in <- []byte("b")
	c.in <- []byte("c")

	require.Eventually(t, func() bool { return rec.count(isMessage) == 3 }, time.Second, time.Millisecond)

	var got []string
	for _, ev := range rec.Events() {
		if m, ok := ev.(Message); ok {
			got = append(got, string(m.Data))
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.IsType(t, Opened{}, rec.Events()[0])
}

func TestReconnect_StopsAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{fail: true}
	tr := newTestTransport(t, d, fastBackoff)
	rec := &recorder{}
	tr.Subscribe(rec.handle)

	tr.Connect()

	require.Eventually(t, func() bool { return rec.count(isExhausted) == 1 }, 2*time.Second, time.Millisecond)
	// Give any stray timer a chance to fire.
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1+fastBackoff.MaxAttempts, d.Dials())
	assert.Equal(t, 1+fastBackoff.MaxAttempts, rec.count(isClosed))
	assert.Equal(t, StateClosed, tr.State())
	assert.Equal(t, int64(fastBackoff.MaxAttempts), tr.stats.Snapshot().Reconnects)

	for _, ev := range rec.Events() {
		if c, ok := ev.(Closed); ok {
			assert.Equal(t, websocket.CloseAbnormalClosure, c.Code)
		}
	}
}

func TestReconnect_ConnectAfterExhaustionStartsFreshBudget(t *testing.T) {
	d := &fakeDialer{fail: true}
	tr := newTestTransport(t, d, fastBackoff)
	rec := &recorder{}
	tr.Subscribe(rec.handle)

	tr.Connect()
	require.Eventually(t, func() bool { return rec.count(isExhausted) == 1 }, 2*time.Second, time.Millisecond)

	d.mu.Lock()
	d.fail = false
	d.mu.Unlock()

	tr.Connect()
	require.Eventually(t, func() bool { return tr.Connected() }, time.Second, time.Millisecond)
	assert.Equal(t, 0, tr.Attempts())
}

func TestReconnect_AfterServerClose(t *testing.T) {
	d := &fakeDialer{}
	tr := newTestTransport(t, d, fastBackoff)
	rec := &recorder{}
	tr.Subscribe(rec.handle)

	tr.Connect()
	require.Eventually(t, func() bool { return tr.Connected() }, time.Second, time.Millisecond)

	d.Conn(0).drop(websocket.CloseGoingAway, "restart")

	require.Eventually(t, func() bool { return rec.count(isOpened) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, d.Dials())
	assert.Equal(t, 0, tr.Attempts(), "attempts reset on open")

	var closed Closed
	for _, ev := range rec.Events() {
		if c, ok := ev.(Closed); ok {
			closed = c
		}
	}
	assert.Equal(t, Closed{Code: websocket.CloseGoingAway, Reason: "restart"}, closed)
}

func TestBackoff_MonotonicUpToCap(t *testing.T) {
	b := DefaultBackoff
	want := []time.Duration{1, 2, 4, 8, 16, 16, 16, 16}
	prev := time.Duration(0)
	for i, w := range want {
		d := b.Delay(i)
		assert.Equal(t, w*time.Second, d, "attempt %d", i)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
	assert.Equal(t, 16*time.Second, b.Delay(200), "no overflow")
	assert.Equal(t, time.Second, b.Delay(-1))
}

func TestDispose_LateCloseDoesNotReconnect(t *testing.T) {
	d := &fakeDialer{}
	tr := newTestTransport(t, d, fastBackoff)
	rec := &recorder{}
	tr.Subscribe(rec.handle)

	tr.Connect()
	require.Eventually(t, func() bool { return tr.Connected() }, time.Second, time.Millisecond)
	conn := d.Conn(0)

	tr.Dispose()
	conn.drop(websocket.CloseAbnormalClosure, "late")
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, 0, rec.count(isClosed), "handlers detached before close")
	assert.Equal(t, StateClosed, tr.State())
	assert.True(t, tr.Disposed())

	conn.mu.Lock()
	require.Len(t, conn.control, 1)
	conn.mu.Unlock()

	tr.Connect()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, d.Dials(), "connect after dispose is a no-op")
	assert.ErrorIs(t, tr.Send([]byte("x")), ErrDisposed)
}

func TestDispose_CancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{fail: true}
	tr := newTestTransport(t, d, Backoff{Base: 50 * time.Millisecond, Cap: time.Second, MaxAttempts: 5})

	tr.Connect()
	require.Eventually(t, func() bool { return tr.Attempts() == 1 }, time.Second, time.Millisecond)
	tr.Dispose()
	time.Sleep(120 * time.Millisecond)

	assert.Equal(t, 1, d.Dials())
	assert.Empty(t, tr.Pending())
}

func TestSubscribe_PanickingHandlerIsIsolated(t *testing.T) {
	d := &fakeDialer{}
	tr := newTestTransport(t, d, fastBackoff)
	tr.Subscribe(func(Event) { panic("boom") })
	rec := &recorder{}
	unsubscribe := tr.Subscribe(rec.handle)

	tr.Connect()
	require.Eventually(t, func() bool { return rec.count(isOpened) == 1 }, time.Second, time.Millisecond)

	unsubscribe()
	d.Conn(0).in <- []byte("ignored")
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, rec.Events(), 1)
}
