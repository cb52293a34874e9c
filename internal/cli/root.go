// Package cli provides the command-line interface for recipechat.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/raphaelgruber/recipechat/internal/client"
	"github.com/raphaelgruber/recipechat/internal/config"
	"github.com/raphaelgruber/recipechat/internal/storage"
	"github.com/raphaelgruber/recipechat/internal/store"
	"github.com/raphaelgruber/recipechat/internal/transport"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose    bool
	configPath string

	// Global config and logger
	cfg         config.Config
	logger      *slog.Logger
	closeLogger func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "recipechat",
	Short: "Recipe assistant chat client",
	Long: `Recipechat talks to a recipe assistant backend over a persistent WebSocket.

Chat with the assistant, browse recipes and cook them step by step. The
conversation log survives restarts and is kept per session.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			return err
		}

		level := cfg.Level()
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLogger = config.SetupLogger(cfg.LogFile, level, verbose)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLogger != nil {
			if err := closeLogger(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// Execute runs the root command. ctx is cancelled on shutdown signals.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "config file (YAML)")

	// Add subcommands
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(cookCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sessionCmd)
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "recipechat.yaml"
	}
	return filepath.Join(dir, "recipechat", "config.yaml")
}

// newClient creates a client from the global config. The caller must Dispose it.
func newClient(ctx context.Context, hooks client.Hooks) (*client.Client, error) {
	c, err := client.New(ctx, client.Options{
		Config: cfg,
		Hooks:  hooks,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return c, nil
}

// openStore opens the configured storage for commands that only read or
// edit history. The returned close function releases the backend.
func openStore(ctx context.Context) (*store.Store, storage.Backend, func(), error) {
	backend, err := client.OpenStorage(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open storage: %w", err)
	}
	closeFn := func() {
		if err := backend.Close(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close storage: %v\n", err)
		}
	}
	return store.New(backend, logger), backend, closeFn, nil
}

// openedSignal returns a connection hook and a channel closed on the first
// Opened event.
func openedSignal() (func(transport.Event), <-chan struct{}) {
	ch := make(chan struct{})
	var once sync.Once
	return func(ev transport.Event) {
		if _, ok := ev.(transport.Opened); ok {
			once.Do(func() { close(ch) })
		}
	}, ch
}

// waitOpened blocks until opened is closed, ctx is done or the dial timeout
// elapses.
func waitOpened(ctx context.Context, opened <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connect to %s: %w", cfg.Endpoint, ctx.Err())
	}
}
