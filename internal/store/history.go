package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/raphaelgruber/recipechat/internal/models"
	"github.com/raphaelgruber/recipechat/internal/storage"
)

// Conversations lists the persisted conversations, newest first.
func (s *Store) Conversations(ctx context.Context) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, err := s.readHistory(ctx)
	if err != nil {
		return nil, err
	}
	return h.Conversations, nil
}

// Current returns the conversation marked current, if any.
func (s *Store) Current(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, err := s.readHistory(ctx)
	if err != nil {
		return "", err
	}
	return h.CurrentID, nil
}

// SetCurrent marks id as the current conversation.
func (s *Store) SetCurrent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.readHistory(ctx)
	if err != nil {
		return err
	}
	h.CurrentID = id
	return s.writeHistory(ctx, h)
}

// Delete removes a conversation and its log. Deleting the current
// conversation unsets it.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrNoSession
	}
	s.mu.Lock()
	h, err := s.readHistory(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	kept := h.Conversations[:0]
	for _, c := range h.Conversations {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	h.Conversations = kept
	if h.CurrentID == id {
		h.CurrentID = ""
	}
	if err := s.writeHistory(ctx, h); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.backend.Delete(ctx, LogKey(id)); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	_, loaded := s.logs[id]
	delete(s.logs, id)
	version := s.commitLocked(id)
	s.mu.Unlock()

	s.log.Info("deleted conversation", "session_id", id)
	if loaded {
		s.publish(id, version, []models.Entry{})
	}
	return nil
}

func (s *Store) readHistory(ctx context.Context) (History, error) {
	raw, err := s.backend.Get(ctx, IndexKey)
	if errors.Is(err, storage.ErrNotFound) {
		return History{}, nil
	}
	if err != nil {
		return History{}, fmt.Errorf("store: load index: %w", err)
	}
	var h History
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		s.log.Warn("discarding unreadable conversation index", "error", err)
		return History{}, nil
	}
	return h, nil
}

func (s *Store) writeHistory(ctx context.Context, h History) error {
	sort.SliceStable(h.Conversations, func(i, j int) bool {
		return h.Conversations[i].LastMessageTime.After(h.Conversations[j].LastMessageTime)
	})
	if h.Conversations == nil {
		h.Conversations = []models.Conversation{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("store: encode index: %w", err)
	}
	if err := s.backend.Set(ctx, IndexKey, string(data)); err != nil {
		return fmt.Errorf("store: persist index: %w", err)
	}
	return nil
}
