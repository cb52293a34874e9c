// Package session provides the stable client identifier used to correlate a
// client with backend-side state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/raphaelgruber/recipechat/internal/storage"
)

// Key is the storage key holding the session identity.
const Key = "recipechat_session_id"

// Provider hands out the session identity. Storage may be attached after the
// first call; until then generated identities are kept in memory only.
type Provider struct {
	mu      sync.Mutex
	backend storage.Backend
	pending string
	current string
	log     *slog.Logger
}

// NewProvider creates a Provider. backend may be nil when persistent storage
// is not available yet; see Attach.
func NewProvider(backend storage.Backend, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	return &Provider{backend: backend, log: log.With("component", "session")}
}

// Generate returns a new random identity.
func Generate() string {
	return uuid.NewString()
}

// GetOrCreate returns the persisted identity, creating and persisting one if
// none exists. Without storage it returns an unpersisted identity that later
// calls keep returning until Attach reconciles it. The result is never empty;
// a storage error is returned alongside a usable in-memory identity.
func (p *Provider) GetOrCreate(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.backend == nil {
		if p.pending == "" {
			p.pending = Generate()
			p.log.Debug("generated unpersisted session id", "session_id", short(p.pending))
		}
		return p.pending, nil
	}
	return p.resolve(ctx)
}

// Attach makes storage available and reconciles any identity handed out
// before: an already persisted identity wins, otherwise the pending one is
// persisted. It returns the reconciled identity.
func (p *Provider) Attach(ctx context.Context, backend storage.Backend) (string, error) {
	if backend == nil {
		return "", errors.New("session: backend is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.backend = backend
	before := p.pending
	id, err := p.resolve(ctx)
	if before != "" && id != before {
		p.log.Info("session id reconciled to persisted value",
			"discarded", short(before), "session_id", short(id))
	}
	return id, err
}

// Reset replaces the identity with a freshly generated one.
func (p *Provider) Reset(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := Generate()
	p.current = ""
	p.pending = id
	if p.backend == nil {
		return id, nil
	}
	if err := p.backend.Set(ctx, Key, id); err != nil {
		return id, fmt.Errorf("session: persist: %w", err)
	}
	p.pending = ""
	p.current = id
	p.log.Info("created new session", "session_id", short(id))
	return id, nil
}

// Clear forgets the identity. The next GetOrCreate creates a new one.
func (p *Provider) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = ""
	p.current = ""
	if p.backend == nil {
		return nil
	}
	if err := p.backend.Delete(ctx, Key); err != nil {
		return fmt.Errorf("session: clear: %w", err)
	}
	return nil
}

// resolve reads or creates the persisted identity. Caller must hold p.mu.
func (p *Provider) resolve(ctx context.Context) (string, error) {
	if p.current != "" {
		return p.current, nil
	}

	existing, err := p.backend.Get(ctx, Key)
	switch {
	case err == nil && existing != "":
		p.current = existing
		p.pending = ""
		return existing, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return p.fallback(), fmt.Errorf("session: read: %w", err)
	}

	id := p.pending
	if id == "" {
		id = Generate()
	}
	if err := p.backend.Set(ctx, Key, id); err != nil {
		p.pending = id
		return id, fmt.Errorf("session: persist: %w", err)
	}
	p.pending = ""
	p.current = id
	p.log.Info("created new session", "session_id", short(id))
	return id, nil
}

// fallback returns the pending identity, generating one if needed.
func (p *Provider) fallback() string {
	if p.pending == "" {
		p.pending = Generate()
	}
	return p.pending
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8] + "..."
	}
	return id
}
