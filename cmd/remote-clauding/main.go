package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"remote-clauding/internal/config"
	"remote-clauding/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	logging.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("remote-clauding failed")
		return 1
	}
	return 0
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "remote-clauding",
		Short:         "Relay Claude sessions from your machine to your phone",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (trace, debug, info, warn, error)")

	root.AddCommand(newRelayCmd(opts))
	root.AddCommand(newAgentCmd(opts))
	root.AddCommand(newTokenCmd(opts))
	root.AddCommand(newVAPIDKeysCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// load reads and validates configuration for mode and installs the
// logger. The returned cleanup closes the log file.
func (o *rootOptions) load(mode config.Mode) (config.Config, func(), error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Validate(mode); err != nil {
		return config.Config{}, nil, err
	}
	closer, err := logging.Setup(cfg.Log, os.Stderr)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, func() { closer.Close() }, nil
}
