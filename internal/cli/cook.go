package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	tea "charm.land/bubbletea/v2"
	"github.com/raphaelgruber/recipechat/internal/client"
	"github.com/raphaelgruber/recipechat/internal/models"
	"github.com/raphaelgruber/recipechat/internal/transport"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	cookPlain   bool
	cookNoStart bool
)

var cookCmd = &cobra.Command{
	Use:   "cook <workflowId>",
	Short: "Cook a recipe step by step",
	Long: `Fetch a recipe, start it on the backend and follow its steps.

In a terminal an interactive view shows the step progress; press n to mark
the current step as done. Without a terminal (or with --plain) step changes
are printed as they happen.

Examples:
  recipechat cook wf-risotto
  recipechat cook wf-risotto --no-start
  recipechat cook wf-risotto --plain`,
	Args: cobra.ExactArgs(1),
	RunE: runCook,
}

func init() {
	cookCmd.Flags().BoolVar(&cookPlain, "plain", false, "print step changes instead of the interactive view")
	cookCmd.Flags().BoolVar(&cookNoStart, "no-start", false, "only follow the recipe, do not start it")
}

func runCook(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	workflowID := args[0]

	var prog atomic.Pointer[tea.Program]
	var giveUp sync.Once
	exhausted := make(chan struct{})
	out := cmd.OutOrStdout()
	report := func(err error) {
		if errors.Is(err, transport.ErrRetriesExhausted) {
			giveUp.Do(func() { close(exhausted) })
		}
		if p := prog.Load(); p != nil {
			p.Send(errMsg{err: err})
			return
		}
		fmt.Fprintln(out, defaultTheme.errorStyle().Render("error: "+err.Error()))
	}

	onConnection, opened := openedSignal()
	c, err := newClient(ctx, client.Hooks{OnError: report, OnConnection: onConnection})
	if err != nil {
		return err
	}
	defer func() { _ = c.Dispose(context.Background()) }()

	if c.Offline() {
		return errors.New("cook needs a backend; set RECIPECHAT_WS_URL or endpoint in the config file")
	}
	if err := c.Connect(); err != nil {
		return err
	}
	if err := waitOpened(ctx, opened); err != nil {
		return err
	}

	start := func() {
		if err := c.GetRecipe(workflowID); err != nil {
			report(err)
			return
		}
		if cookNoStart {
			return
		}
		if err := c.StartRecipe(workflowID); err != nil {
			report(err)
		}
	}

	if cookPlain || !isTerminal(os.Stdout) {
		return followPlain(ctx, c, workflowID, out, start, exhausted)
	}

	var cancelWatch func()
	defer func() {
		if cancelWatch != nil {
			cancelWatch()
		}
	}()
	return runCookProgress(c, workflowID, func(p *tea.Program) {
		prog.Store(p)
		cancelWatch = c.Watch(func(entries []models.Entry) {
			if r, ok := findRecipe(entries, workflowID); ok {
				p.Send(recipeMsg{recipe: r})
			}
		})
		// Send blocks until the program runs.
		go func() {
			if r, ok := findRecipe(c.Entries(), workflowID); ok {
				p.Send(recipeMsg{recipe: r})
			}
			start()
		}()
	})
}

// followPlain prints the recipe whenever its active step changes and returns
// once it is complete.
func followPlain(ctx context.Context, c *client.Client, workflowID string, out io.Writer, start func(), exhausted <-chan struct{}) error {
	updates := make(chan models.Recipe, 16)
	cancel := c.Watch(func(entries []models.Entry) {
		if r, ok := findRecipe(entries, workflowID); ok {
			select {
			case updates <- r:
			default:
			}
		}
	})
	defer cancel()
	start()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-updates:
			key := progressKey(r)
			if key == last {
				continue
			}
			last = key
			fmt.Fprintln(out, renderRecipe(defaultTheme, r))
			if r.Completed() {
				fmt.Fprintln(out, defaultTheme.completedStyle().Render("✓ "+r.Title+" is complete. Enjoy your meal!"))
				return nil
			}
		case <-exhausted:
			return transport.ErrRetriesExhausted
		}
	}
}

// findRecipe returns the most recent recipe with the given workflow id,
// preferring one whose steps are known.
func findRecipe(entries []models.Entry, workflowID string) (models.Recipe, bool) {
	var shell *models.Recipe
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type != models.EntryRecipeCollection {
			continue
		}
		for j := range entries[i].Recipes {
			r := entries[i].Recipes[j]
			if r.WorkflowID != workflowID {
				continue
			}
			if len(r.Steps) > 0 {
				return r, true
			}
			if shell == nil {
				shell = &r
			}
		}
	}
	if shell != nil {
		return *shell, true
	}
	return models.Recipe{}, false
}

// progressKey identifies the step statuses of r.
func progressKey(r models.Recipe) string {
	var b strings.Builder
	for _, s := range r.Steps {
		b.WriteString(s.TaskID + "=" + string(s.Status) + ";")
	}
	return b.String()
}

// isTerminal reports whether f is an interactive terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
