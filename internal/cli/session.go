package cli

import (
	"fmt"

	"github.com/raphaelgruber/recipechat/internal/session"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Show or reset the session identity",
	Long: `The session identity correlates this client with state kept by the backend.
It is created on first use and kept until reset.

Examples:
  recipechat session show
  recipechat session reset`,
	RunE: runSessionShow,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the session identity",
	Args:  cobra.NoArgs,
	RunE:  runSessionShow,
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Start a new session with a fresh identity",
	Long: `Replace the session identity. Earlier conversations stay in the history;
the new session starts with an empty conversation.`,
	Args: cobra.NoArgs,
	RunE: runSessionReset,
}

func init() {
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionResetCmd)
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, backend, closeFn, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	id, err := session.NewProvider(backend, logger).GetOrCreate(ctx)
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runSessionReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, backend, closeFn, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	id, err := session.NewProvider(backend, logger).Reset(ctx)
	if err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	if err := s.SetCurrent(ctx, id); err != nil {
		return fmt.Errorf("record current conversation: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "New session %s\n", id)
	return nil
}
