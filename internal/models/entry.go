// Package models defines the conversation data structures shared by the
// recipechat store, router and command encoder.
package models

import (
	"time"
)

// EntryType discriminates conversation entries.
type EntryType string

// Entry types.
const (
	EntryText             EntryType = "text"
	EntryStatus           EntryType = "status"
	EntryVideo            EntryType = "video"
	EntryAudio            EntryType = "audio"
	EntryRecipeCollection EntryType = "recipe-collection"
)

// Role identifies who authored an entry.
type Role string

// Sender roles.
const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAgent, RoleSystem:
		return true
	}
	return false
}

// StepStatus is the progress of a single recipe step.
type StepStatus string

// Step statuses.
const (
	StepUpcoming StepStatus = "upcoming"
	StepActive   StepStatus = "active"
	StepDone     StepStatus = "done"
)

// Entry is one item of a session's conversation log.
type Entry struct {
	ID        string    `json:"id"`
	Type      EntryType `json:"type"`
	Sender    Role      `json:"sender"`
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`

	// Video entries
	VideoURL       string `json:"videoUrl,omitempty"`
	VideoTitle     string `json:"videoTitle,omitempty"`
	VideoThumbnail string `json:"videoThumbnail,omitempty"`

	// Audio entries
	AudioURL      string `json:"audioUrl,omitempty"`
	AudioTitle    string `json:"audioTitle,omitempty"`
	AudioDuration int    `json:"audioDuration,omitempty"`

	// Recipe collection entries
	Recipes []Recipe `json:"recipes,omitempty"`
}

// Recipe is a single recipe shown inside a recipe-collection entry.
type Recipe struct {
	WorkflowID  string   `json:"workflowId,omitempty"`
	Title       string   `json:"title"`
	Duration    string   `json:"duration"`
	ImageURL    string   `json:"imageUrl"`
	Intro       string   `json:"introText,omitempty"`
	Ingredients []string `json:"ingredients,omitempty"`
	Utensils    []string `json:"utensils,omitempty"`
	Steps       []Step   `json:"steps,omitempty"`
}

// Step is one task of a recipe run.
type Step struct {
	TaskID           string     `json:"taskId"`
	Title            string     `json:"title"`
	Duration         string     `json:"duration,omitempty"`
	MediaURL         string     `json:"mediaUrl,omitempty"`
	ShortDescription string     `json:"shortDescription,omitempty"`
	Description      string     `json:"description,omitempty"`
	Status           StepStatus `json:"status"`
}

// ActiveStep returns the index of the first active step, or -1.
func (r Recipe) ActiveStep() int {
	for i, s := range r.Steps {
		if s.Status == StepActive {
			return i
		}
	}
	return -1
}

// Completed reports whether the recipe has steps and all of them are done.
func (r Recipe) Completed() bool {
	if len(r.Steps) == 0 {
		return false
	}
	for _, s := range r.Steps {
		if s.Status != StepDone {
			return false
		}
	}
	return true
}
