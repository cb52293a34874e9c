package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/raphaelgruber/recipechat/internal/client"
	"github.com/raphaelgruber/recipechat/internal/models"
	"github.com/spf13/cobra"
)

// chatUsage is shown by --help and by /help inside the chat.
const chatUsage = `Start an interactive chat session. Lines are sent as chat messages unless
they start with a slash:

  /recipes         list available recipes
  /recipe <id>     show a recipe's steps
  /start <id>      start cooking a recipe
  /done <taskId>   mark a step as done
  /clear           clear this conversation
  /stats           show connection statistics
  /quit            leave the chat`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the recipe assistant",
	Long:  chatUsage,
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

// chatCommand is one parsed input line.
type chatCommand struct {
	Name string
	Arg  string
}

// Chat command names.
const (
	chatSend    = "send"
	chatRecipes = "recipes"
	chatRecipe  = "recipe"
	chatStart   = "start"
	chatDone    = "done"
	chatClear   = "clear"
	chatStats   = "stats"
	chatHelp    = "help"
	chatQuit    = "quit"
)

var errUsage = errors.New("usage")

// parseChatLine turns an input line into a command. Empty lines yield an
// empty command name.
func parseChatLine(line string) (chatCommand, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return chatCommand{}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return chatCommand{Name: chatSend, Arg: line}, nil
	}

	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "exit":
		name = chatQuit
	case "?":
		name = chatHelp
	}
	switch name {
	case chatRecipe, chatStart, chatDone:
		if arg == "" {
			return chatCommand{}, fmt.Errorf("%w: /%s <id>", errUsage, name)
		}
	case chatRecipes, chatClear, chatStats, chatHelp, chatQuit:
	default:
		return chatCommand{}, fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return chatCommand{Name: name, Arg: arg}, nil
}

// chatPrinter writes new agent and system entries as they arrive.
type chatPrinter struct {
	mu    sync.Mutex
	out   io.Writer
	theme Theme
	seen  int
}

func (p *chatPrinter) update(entries []models.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(entries) < p.seen {
		p.seen = 0
	}
	for _, e := range entries[p.seen:] {
		// Own messages were already typed.
		if e.Sender == models.RoleUser {
			continue
		}
		fmt.Fprintln(p.out, renderEntry(p.theme, e))
	}
	p.seen = len(entries)
}

func (p *chatPrinter) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	printer := &chatPrinter{out: cmd.OutOrStdout(), theme: defaultTheme}

	onConnection, opened := openedSignal()
	c, err := newClient(ctx, client.Hooks{
		OnError: func(err error) {
			printer.println(defaultTheme.errorStyle().Render("error: " + err.Error()))
		},
		OnStepAdvanced: func(workflowID, taskID, title string) {
			printer.println(defaultTheme.statusStyle().Render("next step: " + title))
		},
		OnConnection: onConnection,
	})
	if err != nil {
		return err
	}
	defer func() { _ = c.Dispose(context.Background()) }()

	printer.seen = len(c.Entries())
	cancelWatch := c.Watch(printer.update)
	defer cancelWatch()

	if c.Offline() {
		printer.println(defaultTheme.hintStyle().Render("offline mode: no backend configured, history only"))
	} else {
		if err := c.Connect(); err != nil {
			return err
		}
		if err := waitOpened(ctx, opened); err != nil {
			printer.println(defaultTheme.errorStyle().Render(err.Error()) + " (retrying in background)")
		}
	}
	printer.println(defaultTheme.hintStyle().Render("session " + c.SessionID() + ", /help for commands"))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := execChat(ctx, c, printer, line)
			if err != nil {
				printer.println(defaultTheme.errorStyle().Render(err.Error()))
			}
			if quit {
				return nil
			}
		}
	}
}

func execChat(ctx context.Context, c *client.Client, p *chatPrinter, line string) (quit bool, err error) {
	command, err := parseChatLine(line)
	if err != nil {
		return false, err
	}
	switch command.Name {
	case "":
		return false, nil
	case chatSend:
		return false, c.SendText(ctx, command.Arg)
	case chatRecipes:
		return false, c.ListRecipes()
	case chatRecipe:
		return false, c.GetRecipe(command.Arg)
	case chatStart:
		return false, c.StartRecipe(command.Arg)
	case chatDone:
		return false, c.TaskDone(command.Arg)
	case chatClear:
		return false, c.ClearHistory(ctx)
	case chatStats:
		printStats(p, c)
		return false, nil
	case chatHelp:
		p.println(chatUsage)
		return false, nil
	case chatQuit:
		return true, nil
	}
	return false, nil
}

func printStats(p *chatPrinter, c *client.Client) {
	s := c.Stats()
	p.println(fmt.Sprintf("state %s, up %.0fs", c.State(), s.UptimeSeconds))
	p.println(fmt.Sprintf("frames sent %d, queued %d, dropped %d", s.FramesSent, s.FramesQueued, s.FramesDropped))
	p.println(fmt.Sprintf("frames received %d, rejected %d, reconnects %d", s.FramesReceived, s.FramesRejected, s.Reconnects))
}
