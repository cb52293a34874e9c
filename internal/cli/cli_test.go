package cli

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/raphaelgruber/recipechat/internal/models"
	"github.com/raphaelgruber/recipechat/internal/storage"
	"github.com/raphaelgruber/recipechat/internal/store"
	"github.com/raphaelgruber/recipechat/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChatLine(t *testing.T) {
	tests := []struct {
		line string
		want chatCommand
		err  string
	}{
		{line: "   ", want: chatCommand{}},
		{line: " what can I cook? ", want: chatCommand{Name: chatSend, Arg: "what can I cook?"}},
		{line: "/recipes", want: chatCommand{Name: chatRecipes}},
		{line: "/recipe wf-1", want: chatCommand{Name: chatRecipe, Arg: "wf-1"}},
		{line: "/start  wf-1 ", want: chatCommand{Name: chatStart, Arg: "wf-1"}},
		{line: "/done t1", want: chatCommand{Name: chatDone, Arg: "t1"}},
		{line: "/exit", want: chatCommand{Name: chatQuit}},
		{line: "/?", want: chatCommand{Name: chatHelp}},
		{line: "/start", err: "usage: /start <id>"},
		{line: "/dance", err: "unknown command /dance"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseChatLine(tt.line)
			if tt.err != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecChat_Help(t *testing.T) {
	var out bytes.Buffer
	p := &chatPrinter{out: &out, theme: defaultTheme}

	quit, err := execChat(context.Background(), nil, p, "/help")
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Contains(t, out.String(), "/done <taskId>")
	assert.Equal(t, chatUsage, chatCmd.Long)

	quit, err = execChat(context.Background(), nil, p, "/quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestChatPrinter_PrintsOnlyNewForeignEntries(t *testing.T) {
	var out bytes.Buffer
	p := &chatPrinter{out: &out, theme: defaultTheme}

	user := models.NewEntry(models.EntryText, models.RoleUser, "s", "hi", time.Time{})
	agent := models.NewEntry(models.EntryText, models.RoleAgent, "s", "Hello there", time.Time{})
	status := models.NewEntry(models.EntryStatus, models.RoleSystem, "s", "Risotto is complete", time.Time{})

	p.update([]models.Entry{user, agent})
	p.update([]models.Entry{user, agent, status})

	text := out.String()
	assert.NotContains(t, text, "hi\n")
	assert.Equal(t, 1, strings.Count(text, "Hello there"))
	assert.Contains(t, text, "Risotto is complete")

	out.Reset()
	p.update(nil)
	p.update([]models.Entry{agent})
	assert.Contains(t, out.String(), "Hello there", "a cleared log starts over")
}

func TestRenderEntry(t *testing.T) {
	recipe := models.NewEntry(models.EntryRecipeCollection, models.RoleAgent, "s", "Here are some recipes you can cook:", time.Time{})
	recipe.Recipes = []models.Recipe{{
		WorkflowID: "wf-1",
		Title:      "Risotto",
		Duration:   "40 min",
		Steps: []models.Step{
			{TaskID: "t1", Title: "Chop onions", Status: models.StepDone},
			{TaskID: "t2", Title: "Stir", Status: models.StepActive, Duration: "20 min"},
			{TaskID: "t3", Title: "Serve", Status: models.StepUpcoming},
		},
	}}

	got := renderEntry(defaultTheme, recipe)
	assert.Contains(t, got, "Here are some recipes you can cook:")
	assert.Contains(t, got, "Risotto (40 min)")
	assert.Contains(t, got, "wf-1")
	assert.Contains(t, got, "[x]")
	assert.Contains(t, got, "Chop onions")
	assert.Contains(t, got, "[>]")
	assert.Contains(t, got, "[ ] Serve")

	video := models.NewEntry(models.EntryVideo, models.RoleAgent, "s", "Watch this", time.Time{})
	video.VideoURL = "https://cdn.example.com/knife.mp4"
	video.VideoTitle = "Knife skills"
	got = renderEntry(defaultTheme, video)
	assert.Contains(t, got, "Watch this")
	assert.Contains(t, got, "[video: Knife skills] https://cdn.example.com/knife.mp4")
}

func TestFindRecipe(t *testing.T) {
	shell := models.NewEntry(models.EntryRecipeCollection, models.RoleAgent, "s", "list", time.Time{})
	shell.Recipes = []models.Recipe{{WorkflowID: "wf-1", Title: "Risotto"}, {WorkflowID: "wf-2", Title: "Soup"}}
	detail := models.NewEntry(models.EntryRecipeCollection, models.RoleAgent, "s", "detail", time.Time{})
	detail.Recipes = []models.Recipe{{WorkflowID: "wf-1", Title: "Risotto", Steps: []models.Step{{TaskID: "t1"}}}}
	text := models.NewEntry(models.EntryText, models.RoleAgent, "s", "hello", time.Time{})

	r, ok := findRecipe([]models.Entry{detail, shell, text}, "wf-1")
	require.True(t, ok)
	assert.Len(t, r.Steps, 1, "recipes with steps win over newer shells")

	r, ok = findRecipe([]models.Entry{detail, shell}, "wf-2")
	require.True(t, ok)
	assert.Equal(t, "Soup", r.Title)

	_, ok = findRecipe([]models.Entry{text}, "wf-1")
	assert.False(t, ok)
}

type fakeSteps struct {
	done []string
	err  error
}

func (f *fakeSteps) TaskDone(taskID string) error {
	if f.err != nil {
		return f.err
	}
	f.done = append(f.done, taskID)
	return nil
}

func cookRecipe(statuses ...models.StepStatus) models.Recipe {
	r := models.Recipe{WorkflowID: "wf-1", Title: "Risotto"}
	for i, s := range statuses {
		id := string(rune('a' + i))
		r.Steps = append(r.Steps, models.Step{TaskID: id, Title: "step " + id, Status: s})
	}
	return r
}

func TestCookModel_CompletesStepsAndQuits(t *testing.T) {
	steps := &fakeSteps{}
	m := newCookModel(steps, "wf-1")
	assert.Contains(t, m.renderContent(), "Loading recipe wf-1")

	next, cmd := m.Update(recipeMsg{recipe: cookRecipe(models.StepDone, models.StepActive, models.StepUpcoming)})
	m = next.(cookModel)
	assert.Nil(t, cmd)
	view := m.renderContent()
	assert.Contains(t, view, "1/3 steps")
	assert.Contains(t, view, "Now: step b")

	next, _ = m.handleKey("n")
	m = next.(cookModel)
	assert.Equal(t, []string{"b"}, steps.done)
	assert.Contains(t, m.renderContent(), "marked step b as done")

	next, cmd = m.Update(recipeMsg{recipe: cookRecipe(models.StepDone, models.StepDone, models.StepDone)})
	m = next.(cookModel)
	assert.NotNil(t, cmd, "a completed recipe quits")
	assert.True(t, m.done)
	assert.Contains(t, m.renderContent(), "Risotto is complete")
}

func TestCookModel_FallsBackToFirstUpcomingStep(t *testing.T) {
	steps := &fakeSteps{}
	m := newCookModel(steps, "wf-1")
	next, _ := m.Update(recipeMsg{recipe: cookRecipe(models.StepUpcoming, models.StepUpcoming)})
	next, _ = next.(cookModel).handleKey("n")
	assert.Equal(t, []string{"a"}, steps.done)
	assert.False(t, next.(cookModel).done)
}

func TestCookModel_Errors(t *testing.T) {
	steps := &fakeSteps{err: errors.New("not connected")}
	m := newCookModel(steps, "wf-1")
	next, _ := m.Update(recipeMsg{recipe: cookRecipe(models.StepActive)})
	next, _ = next.(cookModel).handleKey("n")
	m = next.(cookModel)
	assert.Contains(t, m.renderContent(), "not connected")

	next, cmd := m.Update(errMsg{err: errors.New("backend hiccup")})
	m = next.(cookModel)
	assert.Nil(t, cmd, "ordinary errors keep the view open")
	assert.Contains(t, m.renderContent(), "backend hiccup")

	next, cmd = m.Update(errMsg{err: transport.ErrRetriesExhausted})
	m = next.(cookModel)
	assert.NotNil(t, cmd)
	assert.ErrorIs(t, m.err, transport.ErrRetriesExhausted)
}

func TestCookModel_QuitKeepsProgress(t *testing.T) {
	m := newCookModel(&fakeSteps{}, "wf-1")
	next, cmd := m.handleKey("q")
	assert.NotNil(t, cmd)
	assert.Contains(t, next.(cookModel).renderContent(), "recipechat cook wf-1")
}

// execute runs the root command against an isolated SQLite database.
func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	require.NoError(t, rootCmd.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "recipechat.db")
	t.Setenv("RECIPECHAT_WS_URL", "")
	t.Setenv("RECIPECHAT_STORAGE", "sqlite")
	t.Setenv("RECIPECHAT_SQLITE_PATH", dbPath)
	t.Setenv("RECIPECHAT_LOG_FILE", filepath.Join(dir, "recipechat.log"))
	return dbPath
}

func TestSessionCommands(t *testing.T) {
	isolate(t)

	first := strings.TrimSpace(execute(t, "session", "show"))
	require.NotEmpty(t, first)
	assert.Equal(t, first, strings.TrimSpace(execute(t, "session")), "identity is stable")

	out := execute(t, "session", "reset")
	assert.Contains(t, out, "New session ")
	second := strings.TrimSpace(execute(t, "session", "show"))
	assert.NotEqual(t, first, second)
	assert.Contains(t, out, second)

	assert.Contains(t, execute(t, "history", "show"), "Conversation is empty.")
}

func TestHistoryCommands(t *testing.T) {
	dbPath := isolate(t)
	ctx := context.Background()

	backend, err := storage.Open(storage.Options{Driver: storage.DriverSQLite, SQLitePath: dbPath})
	require.NoError(t, err)
	s := store.New(backend, nil)
	require.NoError(t, s.Append(ctx, "sess-1", models.NewEntry(models.EntryText, models.RoleUser, "sess-1", "What can I cook tonight?", time.Time{})))
	require.NoError(t, s.Append(ctx, "sess-1", models.NewEntry(models.EntryText, models.RoleAgent, "sess-1", "Try a risotto.", time.Time{})))
	require.NoError(t, s.SetCurrent(ctx, "sess-1"))
	require.NoError(t, backend.Close(ctx))

	out := execute(t, "history", "list")
	assert.Contains(t, out, "Found 1 conversations")
	assert.Contains(t, out, "* sess-1  What can I cook tonight?")
	assert.Contains(t, out, "2 messages")

	out = execute(t, "history", "show")
	assert.Contains(t, out, "What can I cook tonight?")
	assert.Contains(t, out, "Try a risotto.")

	assert.Contains(t, execute(t, "history", "clear"), "Cleared conversation sess-1")
	assert.Contains(t, execute(t, "history", "show", "sess-1"), "Conversation is empty.")

	assert.Contains(t, execute(t, "history", "delete", "sess-1"), "Deleted conversation sess-1")
	assert.Contains(t, execute(t, "history"), "No conversations found.")
}
