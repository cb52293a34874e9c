package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// NewEntry creates an entry with a fresh ID. A zero createdAt means now.
func NewEntry(typ EntryType, sender Role, sessionID, content string, createdAt time.Time) Entry {
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return Entry{
		ID:        uuid.New().String(),
		Type:      typ,
		Sender:    sender,
		SessionID: sessionID,
		Content:   content,
		CreatedAt: createdAt,
	}
}

// Clone returns a deep copy of the entry. Recipes and their steps are copied
// so the clone can be patched without affecting readers of the original.
func (e Entry) Clone() Entry {
	if e.Recipes != nil {
		recipes := make([]Recipe, len(e.Recipes))
		for i, r := range e.Recipes {
			recipes[i] = r.Clone()
		}
		e.Recipes = recipes
	}
	return e
}

// Clone returns a deep copy of the recipe.
func (r Recipe) Clone() Recipe {
	r.Ingredients = slices.Clone(r.Ingredients)
	r.Utensils = slices.Clone(r.Utensils)
	r.Steps = slices.Clone(r.Steps)
	return r
}

// CloneEntries deep-copies a log.
func CloneEntries(entries []Entry) []Entry {
	if entries == nil {
		return nil
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}

// WithRunStarted returns a copy of r with the first step active and every
// other step upcoming.
func (r Recipe) WithRunStarted() Recipe {
	r = r.Clone()
	for i := range r.Steps {
		if i == 0 {
			r.Steps[i].Status = StepActive
		} else {
			r.Steps[i].Status = StepUpcoming
		}
	}
	return r
}

// WithAllDone returns a copy of r with every step done.
func (r Recipe) WithAllDone() Recipe {
	r = r.Clone()
	for i := range r.Steps {
		r.Steps[i].Status = StepDone
	}
	return r
}
