package models

import (
	"time"
)

// Conversation summarizes one persisted session log for history listings.
type Conversation struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	MessageCount    int       `json:"messageCount"`
	CreatedAt       time.Time `json:"createdAt"`
}

// titleLimit is the number of characters of the first entry used as title.
const titleLimit = 30

// Summarize builds the history summary for a session log. createdAt is kept
// from a previous summary when non-zero.
func Summarize(id string, entries []Entry, createdAt time.Time) Conversation {
	now := time.Now().UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	c := Conversation{
		ID:              id,
		Title:           "New Conversation",
		LastMessageTime: now,
		MessageCount:    len(entries),
		CreatedAt:       createdAt,
	}
	if len(entries) == 0 {
		return c
	}
	first := []rune(entries[0].Content)
	if len(first) > titleLimit {
		c.Title = string(first[:titleLimit]) + "..."
	} else {
		c.Title = string(first)
	}
	last := entries[len(entries)-1]
	c.LastMessage = last.Content
	c.LastMessageTime = last.CreatedAt
	return c
}
