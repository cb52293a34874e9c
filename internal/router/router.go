// Package router turns decoded backend frames into conversation state
// transitions. Every dispatch performs at most one read-modify-write of the
// session log through store.Update.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/recipechat/internal/metrics"
	"github.com/raphaelgruber/recipechat/internal/models"
	"github.com/raphaelgruber/recipechat/internal/protocol"
	"github.com/raphaelgruber/recipechat/internal/store"
)

// BackendError is a failure the backend reported inside a response payload.
type BackendError struct {
	MessageType string
	WorkflowID  string
	TaskID      string
	Message     string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s failed: %s", e.MessageType, e.Message)
}

// Hooks are optional callbacks invoked after the store has been updated.
type Hooks struct {
	// OnStepAdvanced runs when the backend pushes next_task.
	OnStepAdvanced func(workflowID, taskID, title string)
	// OnError runs for backend-reported failures.
	OnError func(err error)
	// OnReply runs when an agent text reply arrives; UIs clear their
	// loading indicator here.
	OnReply func()
}

// Options configures a Router.
type Options struct {
	Store *store.Store
	// SessionID returns the session whose log frames are merged into.
	SessionID func() string
	Hooks     Hooks
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

// Router dispatches inbound frames. Dispatch is expected to be called from a
// single goroutine, in delivery order.
type Router struct {
	store     *store.Store
	sessionID func() string
	hooks     Hooks
	log       *slog.Logger
	stats     *metrics.Collector
}

// New validates opts and creates a Router.
func New(opts Options) (*Router, error) {
	if opts.Store == nil {
		return nil, errors.New("router: store is required")
	}
	if opts.SessionID == nil {
		return nil, errors.New("router: session id func is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		store:     opts.Store,
		sessionID: opts.SessionID,
		hooks:     opts.Hooks,
		log:       log.With("component", "router"),
		stats:     opts.Metrics,
	}, nil
}

// Dispatch decodes raw and applies it to the current session. Frames that
// cannot be decoded are logged and dropped without touching state.
func (r *Router) Dispatch(ctx context.Context, raw []byte) {
	r.DispatchTo(ctx, r.sessionID(), raw)
}

// DispatchTo is Dispatch for the log of sessionID, whatever the current
// session is by the time the frame is applied.
func (r *Router) DispatchTo(ctx context.Context, sessionID string, raw []byte) {
	start := time.Now()
	msg, err := protocol.Decode(raw)
	if err != nil {
		r.stats.Incr(metrics.OpFrameRejected)
		r.log.Warn("dropping inbound frame", "error", err, "bytes", len(raw))
		return
	}
	if err := r.ApplyTo(ctx, sessionID, msg); err != nil {
		r.log.Error("failed to apply inbound frame", "message_type", msg.MessageType(), "error", err)
	}
	r.stats.RecordTiming(metrics.OpDispatch, time.Since(start))
}

// Apply merges a decoded frame into the current session log.
func (r *Router) Apply(ctx context.Context, msg protocol.Inbound) error {
	return r.ApplyTo(ctx, r.sessionID(), msg)
}

// ApplyTo merges a decoded frame into the log of sid.
func (r *Router) ApplyTo(ctx context.Context, sid string, msg protocol.Inbound) error {
	if sid == "" {
		return store.ErrNoSession
	}
	r.log.Debug("applying frame", "message_type", msg.MessageType(), "session_id", sid)

	switch m := msg.(type) {
	case *protocol.RecipesList:
		return r.recipesList(ctx, sid, m)
	case *protocol.RecipeDetail:
		return r.recipeDetail(ctx, sid, m)
	case *protocol.RecipeStarted:
		return r.recipeStarted(ctx, sid, m)
	case *protocol.WorkflowStarted:
		return r.workflowStarted(ctx, sid, m)
	case *protocol.WorkflowFinished:
		return r.workflowFinished(ctx, sid, m)
	case *protocol.TextReply:
		return r.textReply(ctx, sid, m)
	case *protocol.Notification:
		return r.notification(ctx, sid, m)
	case *protocol.TaskDone:
		return r.taskDone(ctx, sid, m)
	case *protocol.NextTask:
		return r.nextTask(ctx, sid, m)
	case *protocol.TimerDone:
		return r.timerDone(ctx, sid, m)
	case *protocol.Legacy:
		return r.legacy(ctx, sid, m)
	default:
		r.log.Warn("no handler for frame", "message_type", msg.MessageType(), "type", fmt.Sprintf("%T", msg))
		return nil
	}
}

func (r *Router) recipesList(ctx context.Context, sid string, m *protocol.RecipesList) error {
	if len(m.Recipes) == 0 {
		content := m.Message
		if content == "" {
			content = "No recipes are available right now."
		}
		return r.store.Append(ctx, sid, models.NewEntry(models.EntryText, models.RoleAgent, sid, content, m.Time()))
	}

	recipes := make([]models.Recipe, 0, len(m.Recipes))
	for _, w := range m.Recipes {
		recipes = append(recipes, recipeShell(w))
	}
	content := m.Message
	if content == "" {
		content = "Here are some recipes you can cook:"
	}
	entry := models.NewEntry(models.EntryRecipeCollection, models.RoleAgent, sid, content, m.Time())
	entry.Recipes = recipes
	return r.store.Append(ctx, sid, entry)
}

func (r *Router) recipeDetail(ctx context.Context, sid string, m *protocol.RecipeDetail) error {
	if m.Failed() {
		return r.backendFailure(ctx, sid, m.Time(), &BackendError{
			MessageType: m.MessageType(),
			WorkflowID:  m.Detail.WorkflowID,
			Message:     orUnknown(m.Error),
		}, "Could not load the recipe: %s")
	}

	match := r.matcher(m.MessageType(), m.Detail.WorkflowID, m.Detail.Title)
	return r.store.Update(ctx, sid, func(entries []models.Entry) ([]models.Entry, bool) {
		merged := 0
		eachRecipe(entries, func(rec *models.Recipe) {
			if match(*rec) {
				*rec = mergeDetail(*rec, m.Detail)
				merged++
			}
		})
		if merged > 0 {
			r.log.Debug("merged recipe detail", "workflow_id", m.Detail.WorkflowID, "recipes", merged)
			return entries, true
		}

		r.log.Info("recipe detail matches no listed recipe, appending it standalone", "workflow_id", m.Detail.WorkflowID)
		entry := models.NewEntry(models.EntryRecipeCollection, models.RoleAgent, sid, m.Detail.Title, m.Time())
		entry.Recipes = []models.Recipe{mergeDetail(models.Recipe{}, m.Detail)}
		return append(entries, entry), true
	})
}

func (r *Router) recipeStarted(ctx context.Context, sid string, m *protocol.RecipeStarted) error {
	if m.Failed() {
		return r.backendFailure(ctx, sid, m.Time(), &BackendError{
			MessageType: m.MessageType(),
			WorkflowID:  m.WorkflowID,
			Message:     orUnknown(m.Error),
		}, "Could not start the recipe: %s")
	}

	match := r.matcher(m.MessageType(), m.WorkflowID, m.Title)
	return r.store.Update(ctx, sid, func(entries []models.Entry) ([]models.Entry, bool) {
		started := 0
		eachRecipe(entries, func(rec *models.Recipe) {
			if match(*rec) && len(rec.Steps) > 0 {
				*rec = rec.WithRunStarted()
				started++
			}
		})
		if started == 0 {
			r.log.Warn("recipe_started for unknown recipe", "workflow_id", m.WorkflowID)
		}
		return entries, started > 0
	})
}

func (r *Router) workflowStarted(ctx context.Context, sid string, m *protocol.WorkflowStarted) error {
	recipe := mergeDetail(models.Recipe{}, m.Detail).WithRunStarted()
	content := m.Message
	if content == "" {
		content = fmt.Sprintf("Let's cook %s!", recipe.Title)
	}
	entry := models.NewEntry(models.EntryRecipeCollection, models.RoleAgent, sid, content, m.Time())
	entry.Recipes = []models.Recipe{recipe}
	return r.store.Append(ctx, sid, entry)
}

func (r *Router) workflowFinished(ctx context.Context, sid string, m *protocol.WorkflowFinished) error {
	match := r.matcher(m.MessageType(), m.WorkflowID, m.Title)
	return r.store.Update(ctx, sid, func(entries []models.Entry) ([]models.Entry, bool) {
		title := m.Title
		eachRecipe(entries, func(rec *models.Recipe) {
			if match(*rec) {
				*rec = rec.WithAllDone()
				if title == "" {
					title = rec.Title
				}
			}
		})
		content := m.Message
		if content == "" {
			content = "Recipe complete. Enjoy your meal!"
			if title != "" {
				content = fmt.Sprintf("%s is complete. Enjoy your meal!", title)
			}
		}
		return append(entries, models.NewEntry(models.EntryStatus, models.RoleSystem, sid, content, m.Time())), true
	})
}

func (r *Router) textReply(ctx context.Context, sid string, m *protocol.TextReply) error {
	err := r.store.Append(ctx, sid, models.NewEntry(models.EntryText, models.RoleAgent, sid, m.Text, m.Time()))
	if r.hooks.OnReply != nil {
		r.hooks.OnReply()
	}
	return err
}

func (r *Router) notification(ctx context.Context, sid string, m *protocol.Notification) error {
	content := m.Message
	if content == "" {
		name := m.Title
		if name == "" {
			name = m.TaskID
		}
		switch {
		case m.Timed() && m.Duration != "":
			content = fmt.Sprintf("Timer started for %s (%s).", name, m.Duration)
		case m.Timed():
			content = fmt.Sprintf("Timer started for %s.", name)
		default:
			content = fmt.Sprintf("Scheduled: %s.", name)
		}
	}
	return r.store.Append(ctx, sid, models.NewEntry(models.EntryText, models.RoleSystem, sid, content, m.Time()))
}

func (r *Router) taskDone(ctx context.Context, sid string, m *protocol.TaskDone) error {
	if m.Failed() {
		return r.backendFailure(ctx, sid, m.Time(), &BackendError{
			MessageType: m.MessageType(),
			WorkflowID:  m.WorkflowID,
			TaskID:      m.TaskID,
			Message:     orUnknown(m.Error),
		}, "Could not complete the step: %s")
	}

	var next string
	if len(m.NextTasks) > 0 {
		next = m.NextTasks[0].TaskID
	}
	return r.store.Update(ctx, sid, func(entries []models.Entry) ([]models.Entry, bool) {
		changed := false
		eachRecipe(entries, func(rec *models.Recipe) {
			if m.WorkflowID != "" && rec.WorkflowID != m.WorkflowID {
				return
			}
			i := stepIndex(*rec, m.TaskID)
			if i < 0 {
				return
			}
			rec.Steps[i].Status = models.StepDone
			changed = true
			if j := stepIndex(*rec, next); j >= 0 && j != i {
				rec.Steps[j].Status = models.StepActive
			}
		})
		if !changed {
			r.log.Warn("task_done for unknown step", "task_id", m.TaskID)
		}
		return entries, changed
	})
}

func (r *Router) nextTask(ctx context.Context, sid string, m *protocol.NextTask) error {
	activated := false
	err := r.store.Update(ctx, sid, func(entries []models.Entry) ([]models.Entry, bool) {
		eachRecipe(entries, func(rec *models.Recipe) {
			if m.WorkflowID != "" && rec.WorkflowID != m.WorkflowID {
				return
			}
			i := stepIndex(*rec, m.TaskID)
			if i < 0 {
				return
			}
			// The backend moved on without a client-issued completion.
			for j := range rec.Steps {
				if j != i && rec.Steps[j].Status == models.StepActive {
					rec.Steps[j].Status = models.StepDone
				}
			}
			rec.Steps[i].Status = models.StepActive
			activated = true
		})
		return entries, activated
	})
	if err != nil {
		return err
	}
	if !activated {
		r.log.Warn("next_task for unknown step", "task_id", m.TaskID)
		return nil
	}
	if r.hooks.OnStepAdvanced != nil {
		r.hooks.OnStepAdvanced(m.WorkflowID, m.TaskID, m.Title)
	}
	return nil
}

func (r *Router) timerDone(ctx context.Context, sid string, m *protocol.TimerDone) error {
	n, err := r.store.PatchRecipeStep(ctx, sid,
		func(rec models.Recipe, st models.Step) bool {
			return st.TaskID == m.TaskID && st.Status == models.StepUpcoming &&
				(m.WorkflowID == "" || rec.WorkflowID == m.WorkflowID)
		},
		func(st models.Step) models.Step {
			st.Status = models.StepActive
			return st
		})
	if err == nil && n == 0 {
		r.log.Debug("timer_done matched no upcoming step", "task_id", m.TaskID)
	}
	return err
}

func (r *Router) legacy(ctx context.Context, sid string, m *protocol.Legacy) error {
	sender := models.Role(m.Sender)
	if !sender.Valid() {
		sender = models.RoleAgent
	}
	entry := models.NewEntry(models.EntryText, sender, sid, m.Content, m.SentTime())
	switch {
	case m.EntryType == string(models.EntryVideo) && m.VideoURL != "":
		entry.Type = models.EntryVideo
		entry.VideoURL, entry.VideoTitle, entry.VideoThumbnail = m.VideoURL, m.VideoTitle, m.VideoThumbnail
	case m.EntryType == string(models.EntryAudio) && m.AudioURL != "":
		entry.Type = models.EntryAudio
		entry.AudioURL, entry.AudioTitle, entry.AudioDuration = m.AudioURL, m.AudioTitle, m.AudioDuration
	}
	return r.store.Append(ctx, sid, entry)
}

// backendFailure appends a status entry and reports err through OnError.
func (r *Router) backendFailure(ctx context.Context, sid string, at time.Time, err *BackendError, format string) error {
	r.log.Warn("backend reported failure",
		"message_type", err.MessageType, "workflow_id", err.WorkflowID, "task_id", err.TaskID, "error", err.Message)
	appendErr := r.store.Append(ctx, sid,
		models.NewEntry(models.EntryStatus, models.RoleSystem, sid, fmt.Sprintf(format, err.Message), at))
	if r.hooks.OnError != nil {
		r.hooks.OnError(err)
	}
	return appendErr
}

// matcher locates recipes by workflow id. Only frames without an id fall back
// to title equality, which is ambiguous when titles collide.
func (r *Router) matcher(messageType, workflowID, title string) func(models.Recipe) bool {
	if workflowID != "" {
		return func(rec models.Recipe) bool { return rec.WorkflowID == workflowID }
	}
	if title == "" {
		return func(models.Recipe) bool { return false }
	}
	r.log.Warn("frame has no workflow id, matching recipes by title", "message_type", messageType, "title", title)
	return func(rec models.Recipe) bool { return rec.Title == title }
}

func eachRecipe(entries []models.Entry, fn func(*models.Recipe)) {
	for i := range entries {
		if entries[i].Type != models.EntryRecipeCollection {
			continue
		}
		for j := range entries[i].Recipes {
			fn(&entries[i].Recipes[j])
		}
	}
}

func stepIndex(rec models.Recipe, taskID string) int {
	if taskID == "" {
		return -1
	}
	for i, s := range rec.Steps {
		if s.TaskID == taskID {
			return i
		}
	}
	return -1
}

func orUnknown(msg string) string {
	if msg == "" {
		return "unknown error"
	}
	return msg
}
