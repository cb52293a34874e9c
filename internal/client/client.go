// Package client wires session identity, transport, router, store and command
// encoder into one explicitly owned, disposable chat client.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/raphaelgruber/recipechat/internal/command"
	"github.com/raphaelgruber/recipechat/internal/config"
	"github.com/raphaelgruber/recipechat/internal/metrics"
	"github.com/raphaelgruber/recipechat/internal/models"
	"github.com/raphaelgruber/recipechat/internal/router"
	"github.com/raphaelgruber/recipechat/internal/session"
	"github.com/raphaelgruber/recipechat/internal/storage"
	"github.com/raphaelgruber/recipechat/internal/store"
	"github.com/raphaelgruber/recipechat/internal/transport"
)

// ErrDisposed is returned by operations on a disposed client.
var ErrDisposed = errors.New("client: disposed")

// Hooks are optional observers. They run on the connection goroutine and
// must not block.
type Hooks struct {
	// OnError receives transport errors and backend-reported failures.
	OnError func(err error)
	// OnStepAdvanced runs when the backend advances a recipe on its own.
	OnStepAdvanced func(workflowID, taskID, title string)
	// OnConnection runs for Opened and Closed transport events.
	OnConnection func(ev transport.Event)
}

// Options configures a Client.
type Options struct {
	Config config.Config
	// Backend overrides the storage selected by Config. The client does not
	// close a backend it did not open.
	Backend storage.Backend
	// Dialer overrides the WebSocket dialer.
	Dialer transport.Dialer
	Hooks  Hooks
	Logger *slog.Logger
}

// Client is safe for concurrent use. Dispose is terminal.
type Client struct {
	cfg         config.Config
	log         *slog.Logger
	hooks       Hooks
	dialer      transport.Dialer
	backend     storage.Backend
	ownsBackend bool

	sessions *session.Provider
	store    *store.Store
	router   *router.Router
	commands *command.Encoder
	stats    *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	loading atomic.Bool

	mu          sync.Mutex
	sessionID   string
	transport   *transport.Transport
	unsubscribe func()
	wantConnect bool
	disposed    bool
}

// New opens storage, resolves the session identity and loads its log. No
// connection is made until Connect.
func New(ctx context.Context, opts Options) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "client")

	backend, owns := opts.Backend, false
	if backend == nil {
		var err error
		backend, err = OpenStorage(ctx, opts.Config, log)
		if err != nil {
			return nil, err
		}
		owns = true
	}

	sessions := session.NewProvider(nil, log)
	sid, err := sessions.Attach(ctx, backend)
	if err != nil {
		// The provider still hands out a usable in-memory identity.
		log.Warn("session identity not persisted", "error", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:         opts.Config,
		log:         log,
		hooks:       opts.Hooks,
		dialer:      opts.Dialer,
		backend:     backend,
		ownsBackend: owns,
		sessions:    sessions,
		store:       store.New(backend, log),
		stats:       metrics.NewCollector(),
		ctx:         cctx,
		cancel:      cancel,
		sessionID:   sid,
	}

	c.router, err = router.New(router.Options{
		Store:     c.store,
		SessionID: c.SessionID,
		Logger:    log,
		Metrics:   c.stats,
		Hooks: router.Hooks{
			OnError:        c.reportError,
			OnStepAdvanced: opts.Hooks.OnStepAdvanced,
			OnReply:        func() { c.loading.Store(false) },
		},
	})
	if err != nil {
		cancel()
		return nil, err
	}
	c.commands = command.New(c, c.store, c.SessionID, log)

	if _, err := c.store.Load(ctx, sid); err != nil {
		log.Warn("conversation log not loaded", "session_id", sid, "error", err)
	}
	if err := c.store.SetCurrent(ctx, sid); err != nil {
		log.Warn("current conversation not recorded", "error", err)
	}
	return c, nil
}

// Connect starts the connection in the background. In offline mode it does
// nothing. Connection problems are reported through Hooks.OnError.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return ErrDisposed
	}
	if c.cfg.Offline() {
		c.log.Debug("offline mode, not connecting")
		return nil
	}
	if c.sessionID == "" {
		return errors.New("client: no session identity")
	}
	if c.transport == nil {
		if err := c.newTransportLocked(); err != nil {
			return err
		}
	}
	c.wantConnect = true
	c.transport.Connect()
	return nil
}

func (c *Client) newTransportLocked() error {
	t, err := transport.New(transport.Options{
		Endpoint:  c.cfg.Endpoint,
		SessionID: c.sessionID,
		Token:     c.cfg.AuthToken,
		Backoff: transport.Backoff{
			Base:        c.cfg.BackoffBase,
			Cap:         c.cfg.BackoffCap,
			MaxAttempts: c.cfg.MaxRetries,
		},
		MaxQueue:    c.cfg.MaxQueue,
		DialTimeout: c.cfg.DialTimeout,
		Dialer:      c.dialer,
		Logger:      c.log,
		Metrics:     c.stats,
	})
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	c.transport = t
	sid := c.sessionID
	c.unsubscribe = t.Subscribe(func(ev transport.Event) { c.handle(sid, ev) })
	return nil
}

// handle runs on the transport's connection goroutine, so frames reach the
// router in delivery order. Frames are merged into sid, the session the
// connection was opened for, even if a reset has happened since.
func (c *Client) handle(sid string, ev transport.Event) {
	switch e := ev.(type) {
	case transport.Message:
		c.router.DispatchTo(c.ctx, sid, e.Data)
	case transport.Error:
		c.reportError(e.Err)
	case transport.Opened, transport.Closed:
		if _, closed := e.(transport.Closed); closed {
			c.loading.Store(false)
		}
		if c.hooks.OnConnection != nil {
			c.hooks.OnConnection(ev)
		}
	}
}

func (c *Client) reportError(err error) {
	c.log.Debug("reporting error", "error", err)
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
}

// Send implements command.Sender over the current transport.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return command.ErrNotConnected
	}
	return t.Send(frame)
}

// Connected reports whether the connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	return t != nil && t.Connected()
}

// SendText sends a chat message and marks the client as waiting for a reply.
func (c *Client) SendText(ctx context.Context, message string) error {
	// Set before sending so a fast reply cannot be overtaken.
	c.loading.Store(true)
	if err := c.commands.SendText(ctx, message); err != nil {
		c.loading.Store(false)
		return err
	}
	return nil
}

// ListRecipes requests the recipe catalogue.
func (c *Client) ListRecipes() error { return c.commands.ListRecipes() }

// GetRecipe requests one recipe's detail.
func (c *Client) GetRecipe(workflowID string) error { return c.commands.GetRecipe(workflowID) }

// StartRecipe starts cooking a recipe.
func (c *Client) StartRecipe(workflowID string) error { return c.commands.StartRecipe(workflowID) }

// TaskDone marks a recipe step as completed.
func (c *Client) TaskDone(taskID string) error { return c.commands.TaskDone(taskID) }

// Loading reports whether a text reply is pending.
func (c *Client) Loading() bool { return c.loading.Load() }

// SessionID returns the current session identity.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Entries returns the current session log. The slice must not be modified.
func (c *Client) Entries() []models.Entry {
	return c.store.Snapshot(c.SessionID())
}

// Watch observes changes to the current session log.
func (c *Client) Watch(fn func(entries []models.Entry)) (cancel func()) {
	return c.store.Watch(func(sid string, entries []models.Entry) {
		if sid == c.SessionID() {
			fn(entries)
		}
	})
}

// Store exposes the conversation store for history views.
func (c *Client) Store() *store.Store { return c.store }

// Stats returns runtime statistics.
func (c *Client) Stats() metrics.Snapshot { return c.stats.Snapshot() }

// Offline reports whether the client runs without a backend connection.
func (c *Client) Offline() bool { return c.cfg.Offline() }

// State returns the connection state; idle when no transport exists.
func (c *Client) State() transport.State {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return transport.StateIdle
	}
	return t.State()
}

// ClearHistory empties the current session log.
func (c *Client) ClearHistory(ctx context.Context) error {
	return c.store.Clear(ctx, c.SessionID())
}

// ResetSession switches to a fresh identity. The connection bound to the old
// identity is disposed and, if the client was connected, a new one is opened.
func (c *Client) ResetSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return "", ErrDisposed
	}

	id, err := c.sessions.Reset(ctx)
	if err != nil {
		c.log.Warn("new session not persisted", "error", err)
	}
	c.dropTransportLocked()
	c.sessionID = id
	c.loading.Store(false)

	if _, err := c.store.Load(ctx, id); err != nil {
		c.log.Warn("conversation log not loaded", "session_id", id, "error", err)
	}
	if err := c.store.SetCurrent(ctx, id); err != nil {
		c.log.Warn("current conversation not recorded", "error", err)
	}
	c.log.Info("session reset", "session_id", id)

	if c.wantConnect && !c.cfg.Offline() {
		if err := c.newTransportLocked(); err != nil {
			return id, err
		}
		c.transport.Connect()
	}
	return id, nil
}

func (c *Client) dropTransportLocked() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.transport != nil {
		c.transport.Dispose()
		c.transport = nil
	}
}

// Dispose closes the connection and releases storage the client opened.
// Further Connect calls fail with ErrDisposed.
func (c *Client) Dispose(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.dropTransportLocked()
	c.mu.Unlock()

	c.cancel()
	c.log.Info("client disposed", "session_id", c.SessionID())
	if c.ownsBackend {
		if err := c.backend.Close(ctx); err != nil {
			return fmt.Errorf("client: close storage: %w", err)
		}
	}
	return nil
}
