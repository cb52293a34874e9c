// Package store holds the per-session conversation logs. Logs are immutable
// once published: every mutation builds a new slice, persists it, and then
// swaps it in, so readers holding an older snapshot never see a partial
// update.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/raphaelgruber/recipechat/internal/models"
	"github.com/raphaelgruber/recipechat/internal/storage"
)

// Storage keys.
const (
	IndexKey  = "recipechat-conversations"
	logPrefix = IndexKey + "-"
)

// LogKey returns the storage key of a session's entry log.
func LogKey(sessionID string) string {
	return logPrefix + sessionID
}

// ErrNoSession is returned when an operation is called without a session id.
var ErrNoSession = errors.New("store: session id is required")

// Watcher observes published logs. It runs after the mutation has been
// persisted, outside the store's data lock, and must not modify entries or
// call back into the store's mutating methods. Each watcher sees a session's
// logs in commit order; a log superseded before delivery is skipped.
type Watcher func(sessionID string, entries []models.Entry)

// History is the persisted conversation index.
type History struct {
	Conversations []models.Conversation `json:"conversations"`
	CurrentID     string                `json:"currentConversationId,omitempty"`
}

// Store is safe for concurrent use.
type Store struct {
	backend storage.Backend
	log     *slog.Logger

	// mu serializes mutations; readers only take it briefly to copy a
	// slice header.
	mu   sync.RWMutex
	logs map[string][]models.Entry

	watchMu  sync.RWMutex
	watchID  int
	watchers map[int]Watcher

	// versions counts commits per session under mu; publishMu orders
	// deliveries so that delivered never goes backwards.
	versions  map[string]uint64
	publishMu sync.Mutex
	delivered map[string]uint64
}

// New creates a Store persisting through backend.
func New(backend storage.Backend, log *slog.Logger) *Store {
	if backend == nil {
		backend = storage.NewMemory()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		backend:   backend,
		log:       log.With("component", "store"),
		logs:      make(map[string][]models.Entry),
		watchers:  make(map[int]Watcher),
		versions:  make(map[string]uint64),
		delivered: make(map[string]uint64),
	}
}

// Load returns the log for sessionID, reading it from storage the first time.
// A missing or unreadable log yields an empty one.
func (s *Store) Load(ctx context.Context, sessionID string) ([]models.Entry, error) {
	if sessionID == "" {
		return nil, ErrNoSession
	}
	s.mu.RLock()
	entries, ok := s.logs[sessionID]
	s.mu.RUnlock()
	if ok {
		return entries, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, sessionID)
}

// Snapshot returns the in-memory log without touching storage. The returned
// slice is never modified by the store.
func (s *Store) Snapshot(sessionID string) []models.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs[sessionID]
}

func (s *Store) loadLocked(ctx context.Context, sessionID string) ([]models.Entry, error) {
	if entries, ok := s.logs[sessionID]; ok {
		return entries, nil
	}
	raw, err := s.backend.Get(ctx, LogKey(sessionID))
	if errors.Is(err, storage.ErrNotFound) {
		s.logs[sessionID] = []models.Entry{}
		return s.logs[sessionID], nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", sessionID, err)
	}

	var entries []models.Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		s.log.Warn("discarding unreadable conversation log", "session_id", sessionID, "error", err)
		entries = []models.Entry{}
	}
	if entries == nil {
		entries = []models.Entry{}
	}
	s.logs[sessionID] = entries
	s.log.Debug("loaded conversation log", "session_id", sessionID, "entries", len(entries))
	return entries, nil
}

// Update is the single read-modify-write operation. fn receives a deep copy
// of the current log that it may modify freely, and reports whether it
// changed anything. Changed logs are persisted and published.
func (s *Store) Update(ctx context.Context, sessionID string, fn func([]models.Entry) ([]models.Entry, bool)) error {
	if sessionID == "" {
		return ErrNoSession
	}
	s.mu.Lock()
	current, err := s.loadLocked(ctx, sessionID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	next, changed := fn(models.CloneEntries(current))
	if !changed {
		s.mu.Unlock()
		return nil
	}
	if next == nil {
		next = []models.Entry{}
	}
	if err := s.persistLocked(ctx, sessionID, next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.logs[sessionID] = next
	version := s.commitLocked(sessionID)
	s.mu.Unlock()

	s.publish(sessionID, version, next)
	return nil
}

// Append adds entry at the tail of the session log.
func (s *Store) Append(ctx context.Context, sessionID string, entry models.Entry) error {
	if entry.SessionID == "" {
		entry.SessionID = sessionID
	}
	return s.Update(ctx, sessionID, func(entries []models.Entry) ([]models.Entry, bool) {
		return append(entries, entry.Clone()), true
	})
}

// PatchRecipeStep applies update to every step, across all recipe-collection
// entries, for which match returns true. It returns the number of steps
// patched; with zero matches nothing is persisted.
func (s *Store) PatchRecipeStep(ctx context.Context, sessionID string, match func(models.Recipe, models.Step) bool, update func(models.Step) models.Step) (int, error) {
	patched := 0
	err := s.Update(ctx, sessionID, func(entries []models.Entry) ([]models.Entry, bool) {
		patched = PatchSteps(entries, match, update)
		return entries, patched > 0
	})
	return patched, err
}

// PatchSteps applies update to matching steps of recipe-collection entries in
// place and returns the number of steps changed. It is meant for logs handed
// out by Update.
func PatchSteps(entries []models.Entry, match func(models.Recipe, models.Step) bool, update func(models.Step) models.Step) int {
	n := 0
	for i := range entries {
		if entries[i].Type != models.EntryRecipeCollection {
			continue
		}
		for j := range entries[i].Recipes {
			r := &entries[i].Recipes[j]
			for k := range r.Steps {
				if !match(*r, r.Steps[k]) {
					continue
				}
				r.Steps[k] = update(r.Steps[k])
				n++
			}
		}
	}
	return n
}

// Clear empties the session log and persists the empty state.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	return s.Update(ctx, sessionID, func([]models.Entry) ([]models.Entry, bool) {
		return []models.Entry{}, true
	})
}

// Watch registers fn for every published log and returns a function that
// removes it.
func (s *Store) Watch(fn Watcher) (cancel func()) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	id := s.watchID
	s.watchID++
	s.watchers[id] = fn
	return func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		delete(s.watchers, id)
	}
}

// commitLocked returns the next version of sessionID's log.
func (s *Store) commitLocked(sessionID string) uint64 {
	s.versions[sessionID]++
	return s.versions[sessionID]
}

// publish hands version of a session's log to the watchers unless a newer
// version has already been delivered.
func (s *Store) publish(sessionID string, version uint64, entries []models.Entry) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if version <= s.delivered[sessionID] {
		return
	}
	s.delivered[sessionID] = version
	s.notify(sessionID, entries)
}

func (s *Store) notify(sessionID string, entries []models.Entry) {
	s.watchMu.RLock()
	ids := make([]int, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Watcher, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.watchers[id])
	}
	s.watchMu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("watcher panicked", "session_id", sessionID, "panic", r)
				}
			}()
			fn(sessionID, entries)
		}()
	}
}

// persistLocked writes the log and refreshes its index summary. When the
// index cannot be written the previous log is put back.
func (s *Store) persistLocked(ctx context.Context, sessionID string, entries []models.Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", sessionID, err)
	}
	key := LogKey(sessionID)
	prev, prevErr := s.backend.Get(ctx, key)
	if prevErr != nil && !errors.Is(prevErr, storage.ErrNotFound) {
		return fmt.Errorf("store: load %s: %w", sessionID, prevErr)
	}
	if err := s.backend.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("store: persist %s: %w", sessionID, err)
	}
	if err := s.indexLocked(ctx, sessionID, entries); err != nil {
		var rollback error
		if prevErr != nil {
			rollback = s.backend.Delete(ctx, key)
		} else {
			rollback = s.backend.Set(ctx, key, prev)
		}
		if rollback != nil {
			s.log.Error("failed to restore conversation log", "session_id", sessionID, "error", rollback)
		}
		return err
	}
	return nil
}

func (s *Store) indexLocked(ctx context.Context, sessionID string, entries []models.Entry) error {
	h, err := s.readHistory(ctx)
	if err != nil {
		return err
	}
	var createdAt time.Time
	kept := h.Conversations[:0]
	for _, c := range h.Conversations {
		if c.ID == sessionID {
			createdAt = c.CreatedAt
			continue
		}
		kept = append(kept, c)
	}
	h.Conversations = append(kept, models.Summarize(sessionID, entries, createdAt))
	return s.writeHistory(ctx, h)
}
