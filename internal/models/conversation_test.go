package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSummarizeEmpty(t *testing.T) {
	c := Summarize("s1", nil, time.Time{})

	assert.Equal(t, "New Conversation", c.Title)
	assert.Equal(t, 0, c.MessageCount)
	assert.False(t, c.CreatedAt.IsZero())
}

func TestSummarizeTruncatesTitle(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Content: strings.Repeat("a", 40)},
		{Content: "bye", CreatedAt: last},
	}

	c := Summarize("s1", entries, created)

	assert.Equal(t, strings.Repeat("a", 30)+"...", c.Title)
	assert.Equal(t, "bye", c.LastMessage)
	assert.Equal(t, last, c.LastMessageTime)
	assert.Equal(t, created, c.CreatedAt)
	assert.Equal(t, 2, c.MessageCount)
}
