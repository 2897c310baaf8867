package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"remote-clauding/internal/agent"
	"remote-clauding/internal/config"
	"remote-clauding/internal/engine"
)

func newAgentCmd(opts *rootOptions) *cobra.Command {
	var share []string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the local agent that shares Claude sessions through the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := opts.load(config.ModeAgent)
			if err != nil {
				return err
			}
			defer cleanup()
			return runAgent(cmd.Context(), cfg, share)
		},
	}
	cmd.Flags().StringSliceVar(&share, "share", nil, "project directories to share on startup")
	return cmd
}

func runAgent(ctx context.Context, cfg config.Config, share []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mgr := agent.NewManager(ctx, agent.Options{
		RelayURL: cfg.Agent.RelayURL,
		Token:    cfg.Agent.Token,
		Engine:   &engine.CLI{Binary: cfg.Agent.ClaudeBinary},
	})
	defer mgr.Close()

	for _, dir := range share {
		info, _, err := mgr.Share(dir, "")
		if err != nil {
			return fmt.Errorf("share %s: %w", dir, err)
		}
		log.Info().Str("session", info.ID).Str("pairing_token", info.SessionToken).Msg("pair a phone with this session")
	}

	srv := &http.Server{
		Addr:              cfg.Agent.Addr,
		Handler:           mgr.Handler(cfg.Agent.RelayPublicURL),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Agent.Addr).Str("relay", cfg.Agent.RelayURL).Msg("agent listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("agent server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down agent")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
