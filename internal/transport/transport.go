// Package transport maintains the persistent WebSocket connection to the
// recipe backend: connect/close lifecycle, capped exponential-backoff
// reconnects, a bounded outgoing queue and typed event emission.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/recipechat/internal/metrics"
)

// State is the lifecycle state of the transport.
type State string

// Transport states.
const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// DefaultMaxQueue is the number of frames kept while disconnected.
const DefaultMaxQueue = 200

var (
	// ErrDisposed is returned by Send after Dispose.
	ErrDisposed = errors.New("transport: disposed")

	// ErrRetriesExhausted is reported through an Error event when the
	// reconnect budget is used up.
	ErrRetriesExhausted = errors.New("transport: max reconnect attempts reached")
)

// closeReasons describes common WebSocket close codes for logging.
var closeReasons = map[int]string{
	websocket.CloseNormalClosure:           "normal closure",
	websocket.CloseGoingAway:               "going away",
	websocket.CloseProtocolError:           "protocol error",
	websocket.CloseUnsupportedData:         "unsupported data",
	websocket.CloseAbnormalClosure:         "abnormal closure (no close frame), likely auth failure or network issue",
	websocket.CloseInvalidFramePayloadData: "invalid frame payload data",
	websocket.ClosePolicyViolation:         "policy violation",
	websocket.CloseMessageTooBig:           "message too big",
	websocket.CloseInternalServerErr:       "internal server error",
	websocket.CloseTLSHandshake:            "TLS handshake failure",
}

// Options configures a Transport.
type Options struct {
	// Endpoint is the ws:// or wss:// URL of the backend.
	Endpoint string
	// SessionID is attached as the sessionId query parameter. Required.
	SessionID string
	// Token is attached as the token query parameter when set.
	Token string

	Backoff     Backoff
	MaxQueue    int
	DialTimeout time.Duration

	Dialer  Dialer
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Transport owns a single logical connection. It is safe for concurrent use.
// Dispose is terminal.
type Transport struct {
	opts   Options
	target string
	log    *slog.Logger
	stats  *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	bus bus

	mu           sync.Mutex
	state        State
	conn         Conn
	gen          uint64
	attempts     int
	exhausted    bool
	queue        [][]byte
	timer        *time.Timer
	disposed     bool
	lastActivity time.Time
}

// New validates options and creates an idle Transport.
func New(opts Options) (*Transport, error) {
	if opts.SessionID == "" {
		return nil, errors.New("transport: session id is required")
	}
	target, err := buildTarget(opts.Endpoint, opts.SessionID, opts.Token)
	if err != nil {
		return nil, err
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff
	}
	opts.Backoff = opts.Backoff.withDefaults()
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = DefaultMaxQueue
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{HandshakeTimeout: opts.DialTimeout}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		opts:   opts,
		target: target,
		log:    log.With("component", "transport"),
		stats:  opts.Metrics,
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
	}, nil
}

// buildTarget attaches the session identity and optional token to endpoint.
func buildTarget(endpoint, sessionID, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("transport: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: unsupported endpoint scheme %q", u.Scheme)
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Target returns the connection URL with the token redacted.
func (t *Transport) Target() string {
	if t.opts.Token == "" {
		return t.target
	}
	return strings.ReplaceAll(t.target, url.QueryEscape(t.opts.Token), "TOKEN_HIDDEN")
}

// Subscribe registers h for all future events and returns a function that
// removes it.
func (t *Transport) Subscribe(h Handler) (unsubscribe func()) {
	return t.bus.subscribe(h)
}

// Connect starts connecting in the background. It is a no-op while a
// connection is being established or open, and after Dispose. Calling it
// after the reconnect budget was exhausted starts a fresh budget.
func (t *Transport) Connect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disposed {
		t.log.Debug("connect ignored, transport disposed")
		return
	}
	if t.state == StateConnecting || t.state == StateOpen {
		return
	}
	if t.exhausted {
		t.attempts = 0
		t.exhausted = false
	}
	t.startLocked()
}

// startLocked begins a new connection attempt. Caller must hold t.mu.
func (t *Transport) startLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	t.state = StateConnecting
	t.log.Info("connecting", "target", t.Target(), "attempt", t.attempts)
	go t.run(t.gen)
}

// run owns one connection from dial to close. All events for the
// connection are emitted from this goroutine, in order.
func (t *Transport) run(gen uint64) {
	dialCtx, cancel := context.WithTimeout(t.ctx, t.opts.DialTimeout)
	conn, err := t.opts.Dialer.Dial(dialCtx, t.target)
	cancel()
	if err != nil {
		if !t.current(gen) {
			return
		}
		t.log.Warn("connection failed", "error", err)
		t.emit(Error{Err: fmt.Errorf("transport: dial: %w", err)})
		t.closed(gen, websocket.CloseAbnormalClosure, err.Error())
		return
	}

	t.mu.Lock()
	if t.disposed || t.gen != gen {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.state = StateOpen
	t.lastActivity = time.Now()
	if err := t.flushLocked(); err != nil {
		// Unsent frames stay at the head of the queue for the next connection.
		t.state = StateClosing
		pending := len(t.queue)
		t.mu.Unlock()
		t.log.Warn("flushing queue failed, reconnecting", "error", err, "pending", pending)
		t.emit(Error{Err: err})
		t.closed(gen, websocket.CloseAbnormalClosure, err.Error())
		return
	}
	t.attempts = 0
	t.mu.Unlock()

	t.log.Info("connected", "target", t.Target())
	t.emit(Opened{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			t.closed(gen, code, reason)
			return
		}
		t.mu.Lock()
		live := !t.disposed && t.gen == gen
		t.lastActivity = time.Now()
		t.mu.Unlock()
		if !live {
			return
		}
		t.stats.Incr(metrics.OpFrameReceived)
		t.emit(Message{Data: data})
	}
}

// closed handles the end of connection gen and schedules a reconnect.
func (t *Transport) closed(gen uint64, code int, reason string) {
	t.mu.Lock()
	if t.disposed || t.gen != gen {
		t.mu.Unlock()
		return
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	t.state = StateClosed
	t.mu.Unlock()

	explanation, ok := closeReasons[code]
	if !ok {
		explanation = "unknown"
	}
	t.log.Info("connection closed", "code", code, "reason", reason, "explanation", explanation)
	t.emit(Closed{Code: code, Reason: reason})

	t.mu.Lock()
	// A handler may have disposed or reconnected in the meantime.
	if t.disposed || t.gen != gen || t.state != StateClosed {
		t.mu.Unlock()
		return
	}
	if t.attempts >= t.opts.Backoff.MaxAttempts {
		t.exhausted = true
		t.mu.Unlock()
		t.log.Warn("max reconnect attempts reached, not reconnecting", "attempts", t.opts.Backoff.MaxAttempts)
		t.emit(Error{Err: ErrRetriesExhausted})
		return
	}
	delay := t.opts.Backoff.Delay(t.attempts)
	t.attempts++
	attempt := t.attempts
	t.timer = time.AfterFunc(delay, func() { t.reconnect(gen) })
	t.mu.Unlock()

	t.stats.RecordTiming(metrics.OpReconnect, delay)
	t.log.Info("scheduling reconnect",
		"attempt", attempt, "max", t.opts.Backoff.MaxAttempts, "delay_ms", delay.Milliseconds())
}

// reconnect is the timer callback for a scheduled retry after connection gen.
func (t *Transport) reconnect(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed || t.gen != gen || t.state != StateClosed {
		return
	}
	t.timer = nil
	t.startLocked()
}

// Send transmits frame when open and queues it otherwise. When the queue is
// full the oldest frame is dropped. A write failure queues the frame, reports
// an Error event and drops the connection, so frames sent afterwards queue
// behind it until the reconnect flushes them in order.
func (t *Transport) Send(frame []byte) error {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return ErrDisposed
	}
	if t.state != StateOpen || t.conn == nil {
		t.enqueueLocked(frame)
		t.mu.Unlock()
		return nil
	}
	err := t.conn.WriteMessage(websocket.TextMessage, frame)
	if err != nil {
		t.enqueueLocked(frame)
		t.state = StateClosing
		_ = t.conn.Close()
	} else {
		t.lastActivity = time.Now()
	}
	t.mu.Unlock()

	if err != nil {
		t.log.Warn("send failed, frame queued, reconnecting", "error", err)
		t.emit(Error{Err: fmt.Errorf("transport: send: %w", err)})
		return nil
	}
	t.stats.Incr(metrics.OpFrameSent)
	return nil
}

// enqueueLocked appends frame to the bounded queue. Caller must hold t.mu.
func (t *Transport) enqueueLocked(frame []byte) {
	t.queue = append(t.queue, frame)
	t.stats.Incr(metrics.OpFrameQueued)
	for len(t.queue) > t.opts.MaxQueue {
		t.queue[0] = nil
		t.queue = t.queue[1:]
		t.stats.Incr(metrics.OpFrameDropped)
		t.log.Debug("outgoing queue full, dropped oldest frame", "max", t.opts.MaxQueue)
	}
}

// flushLocked writes queued frames in order. Unsent frames stay queued.
// Caller must hold t.mu.
func (t *Transport) flushLocked() error {
	for len(t.queue) > 0 {
		if err := t.conn.WriteMessage(websocket.TextMessage, t.queue[0]); err != nil {
			return fmt.Errorf("transport: flush queue: %w", err)
		}
		t.queue[0] = nil
		t.queue = t.queue[1:]
		t.stats.Incr(metrics.OpFrameSent)
	}
	t.queue = nil
	return nil
}

// Dispose terminally shuts the transport down: handlers are detached first,
// timers and pending dials are cancelled, the socket is closed with a normal
// closure and the queue is cleared.
func (t *Transport) Dispose() {
	t.bus.clear()

	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	t.state = StateClosing
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	conn := t.conn
	t.conn = nil
	t.queue = nil
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Client disposed")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			t.log.Debug("close frame not sent", "error", err)
		}
		_ = conn.Close()
	}

	t.mu.Lock()
	t.state = StateClosed
	t.mu.Unlock()
	t.log.Info("transport disposed")
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected reports whether frames are currently written immediately.
func (t *Transport) Connected() bool {
	return t.State() == StateOpen
}

// Disposed reports whether Dispose has been called.
func (t *Transport) Disposed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disposed
}

// Pending returns a copy of the queued frames, oldest first.
func (t *Transport) Pending() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.queue))
	copy(out, t.queue)
	return out
}

// Attempts returns the number of reconnects scheduled since the last open.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// LastActivity returns when a frame was last sent or received.
func (t *Transport) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

func (t *Transport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.disposed && t.gen == gen
}

// emit delivers ev to every subscriber. A panicking handler is logged and
// does not affect the others.
func (t *Transport) emit(ev Event) {
	for _, h := range t.bus.handlers() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.log.Error("event handler panicked", "event", fmt.Sprintf("%T", ev), "panic", r)
				}
			}()
			h(ev)
		}()
	}
}

// closeInfo extracts the close code and reason from a read error.
func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
