package cli

import (
	"errors"
	"fmt"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/raphaelgruber/recipechat/internal/models"
	"github.com/raphaelgruber/recipechat/internal/transport"
)

// stepCompleter marks recipe steps as done on the backend.
type stepCompleter interface {
	TaskDone(taskID string) error
}

// recipeMsg carries the latest state of the recipe being cooked.
type recipeMsg struct {
	recipe models.Recipe
}

// errMsg carries an asynchronous error from the client.
type errMsg struct {
	err error
}

// cookModel is the bubbletea model for cooking a recipe step by step.
type cookModel struct {
	steps      stepCompleter
	workflowID string
	recipe     *models.Recipe
	progress   progress.Model
	theme      Theme
	notice     string
	done       bool
	quitting   bool
	err        error
}

// newCookModel creates a new cook model.
func newCookModel(steps stepCompleter, workflowID string) cookModel {
	// Create progress bar with color blend
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return cookModel{
		steps:      steps,
		workflowID: workflowID,
		progress:   prog,
		theme:      defaultTheme,
	}
}

// Init returns the initial command.
func (m cookModel) Init() tea.Cmd {
	return m.progress.Init()
}

// Update handles messages and returns the updated model.
func (m cookModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		return m.handleKey(msg.String())

	case recipeMsg:
		r := msg.recipe
		m.recipe = &r
		m.notice = ""
		if r.Completed() {
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case errMsg:
		if errors.Is(msg.err, transport.ErrRetriesExhausted) {
			m.err = msg.err
			return m, tea.Quit
		}
		m.notice = msg.err.Error()
		return m, nil

	case progress.FrameMsg:
		// Update progress bar animation
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m cookModel) handleKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "ctrl+c", "q":
		m.quitting = true
		return m, tea.Quit
	case "n", "enter", "space":
		step, ok := m.currentStep()
		if !ok {
			return m, nil
		}
		if err := m.steps.TaskDone(step.TaskID); err != nil {
			m.notice = err.Error()
			return m, nil
		}
		m.notice = "marked " + step.Title + " as done"
	}
	return m, nil
}

// currentStep returns the active step, or the first upcoming one when the
// backend has not activated any step yet.
func (m cookModel) currentStep() (models.Step, bool) {
	if m.recipe == nil {
		return models.Step{}, false
	}
	if i := m.recipe.ActiveStep(); i >= 0 {
		return m.recipe.Steps[i], true
	}
	for _, s := range m.recipe.Steps {
		if s.Status == models.StepUpcoming {
			return s, true
		}
	}
	return models.Step{}, false
}

// View renders the cooking display.
func (m cookModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m cookModel) renderContent() string {
	if m.done || m.quitting || m.err != nil {
		return m.finalView()
	}
	if m.recipe == nil || len(m.recipe.Steps) == 0 {
		return fmt.Sprintf("Loading recipe %s...\n", m.workflowID)
	}

	doneCount := countDone(*m.recipe)
	total := len(m.recipe.Steps)
	pct := float64(doneCount) / float64(total)

	var b strings.Builder
	b.WriteString(m.theme.completedStyle().Render(m.recipe.Title) + "\n")
	b.WriteString(fmt.Sprintf("%s %d/%d steps\n\n", m.progress.ViewAs(pct), doneCount, total))

	if step, ok := m.currentStep(); ok {
		line := m.theme.statusStyle().Render("Now: ") + step.Title
		if step.Duration != "" {
			line += " " + m.theme.hintStyle().Render("("+step.Duration+")")
		}
		b.WriteString(line + "\n")
		if desc := firstNonEmpty(step.Description, step.ShortDescription); desc != "" {
			b.WriteString("  " + desc + "\n")
		}
		if step.MediaURL != "" {
			b.WriteString("  " + m.theme.hintStyle().Render(step.MediaURL) + "\n")
		}
	}
	if m.notice != "" {
		b.WriteString("\n" + m.theme.hintStyle().Render(m.notice) + "\n")
	}
	b.WriteString("\n" + m.theme.hintStyle().Render("n: step done, q: quit") + "\n")
	return b.String()
}

// finalView renders the closing message.
func (m cookModel) finalView() string {
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ %s\n", m.err))
	}
	if m.quitting {
		msg := fmt.Sprintf("\nStopped cooking %s. Progress is kept; run 'recipechat cook %s' to continue.\n",
			m.workflowID, m.workflowID)
		return m.theme.hintStyle().Render(msg)
	}
	title := m.workflowID
	if m.recipe != nil {
		title = m.recipe.Title
	}
	return m.theme.completedStyle().Render(fmt.Sprintf("✓ %s is complete. Enjoy your meal!\n", title))
}

func countDone(r models.Recipe) int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == models.StepDone {
			n++
		}
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// runCookProgress runs the interactive cooking UI until the recipe is
// complete or the user quits. updates feeds the model; it is called with the
// program once it exists.
func runCookProgress(steps stepCompleter, workflowID string, updates func(p *tea.Program)) error {
	model := newCookModel(steps, workflowID)
	p := tea.NewProgram(model)
	updates(p)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}
	if m, ok := finalModel.(cookModel); ok && m.err != nil {
		return m.err
	}
	return nil
}
