package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/raphaelgruber/recipechat/internal/models"
	"github.com/raphaelgruber/recipechat/internal/store"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show and manage stored conversations",
	Long: `Show and manage conversations stored on this machine.

Subcommands:
  list     List conversations (default)
  show     Print a conversation
  clear    Empty a conversation
  delete   Remove a conversation

Examples:
  recipechat history
  recipechat history show
  recipechat history show 3f2a...
  recipechat history delete 3f2a...`,
	RunE: runHistoryList,
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Print a conversation (default: current)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistoryShow,
}

var historyClearCmd = &cobra.Command{
	Use:   "clear [id]",
	Short: "Empty a conversation (default: current)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistoryClear,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a conversation and its log",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryDelete,
}

func init() {
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyClearCmd)
	historyCmd.AddCommand(historyDeleteCmd)
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, _, closeFn, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	convs, err := s.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	current, err := s.Current(ctx)
	if err != nil {
		return fmt.Errorf("read current conversation: %w", err)
	}
	printConversations(cmd.OutOrStdout(), convs, current)
	return nil
}

func printConversations(out io.Writer, convs []models.Conversation, current string) {
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations found.")
		return
	}
	fmt.Fprintf(out, "Found %d conversations:\n\n", len(convs))
	for _, c := range convs {
		marker := " "
		if c.ID == current {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s  %s\n", marker, c.ID, c.Title)
		fmt.Fprintf(out, "    %d messages, last %s\n", c.MessageCount, c.LastMessageTime.Local().Format(time.DateTime))
		if c.LastMessage != "" {
			fmt.Fprintf(out, "    %s\n", defaultTheme.hintStyle().Render(truncate(c.LastMessage, 60)))
		}
	}
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, _, closeFn, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	id, err := targetConversation(cmd, s, args)
	if err != nil {
		return err
	}
	entries, err := s.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "Conversation is empty.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s %s\n", defaultTheme.hintStyle().Render(e.CreatedAt.Local().Format(time.TimeOnly)), renderEntry(defaultTheme, e))
	}
	return nil
}

func runHistoryClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, _, closeFn, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	id, err := targetConversation(cmd, s, args)
	if err != nil {
		return err
	}
	if err := s.Clear(ctx, id); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared conversation %s\n", id)
	return nil
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, _, closeFn, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := s.Delete(ctx, args[0]); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation %s\n", args[0])
	return nil
}

// targetConversation returns the id given on the command line or the current
// conversation.
func targetConversation(cmd *cobra.Command, s *store.Store, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	id, err := s.Current(cmd.Context())
	if err != nil {
		return "", fmt.Errorf("read current conversation: %w", err)
	}
	if id == "" {
		return "", errors.New("no current conversation; pass an id (see 'recipechat history list')")
	}
	return id, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
