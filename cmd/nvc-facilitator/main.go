package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"nvcstack.local/facilitator/internal/config"
	"nvcstack.local/facilitator/internal/logging"
)

var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "nvc-facilitator",
		Short:         "Guided Nonviolent Communication dialogue service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file (defaults to $"+config.EnvConfigFile+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newTokenCommand(opts),
		newChatCommand(opts),
		newVersionCommand(),
	)
	return root
}

// load reads the configuration and builds the process logger from it.
func (o *rootOptions) load() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	cfg.App.Version = version
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logger.With().Str("app", cfg.App.Name).Logger(), nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
