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

	"remote-clauding/internal/auth"
	"remote-clauding/internal/config"
	"remote-clauding/internal/metrics"
	"remote-clauding/internal/push"
	"remote-clauding/internal/relay"
	"remote-clauding/internal/session"
)

const shutdownTimeout = 5 * time.Second

func newRelayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Serve the public relay for agents and phones",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := opts.load(config.ModeRelay)
			if err != nil {
				return err
			}
			defer cleanup()
			return serveRelay(cmd.Context(), cfg)
		},
	}
}

func serveRelay(ctx context.Context, cfg config.Config) error {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(metrics.DefaultNamespace)
	}

	validator, closeAuth, err := buildValidator(cfg.Auth)
	if err != nil {
		return err
	}
	defer closeAuth()

	store, err := openPushStore(cfg.Push)
	if err != nil {
		return err
	}
	defer store.Close()
	dispatcher, err := buildDispatcher(cfg.Push, store, m)
	if err != nil {
		return err
	}
	var notifier relay.Notifier
	if dispatcher != nil {
		notifier = dispatcher
	}

	registry := session.NewRegistry(session.WithHistorySize(cfg.Relay.HistorySize))
	router := relay.NewRouter(registry, notifier, m)
	gate := relay.NewServer(router, relay.Options{
		Auth:           validator,
		StaticDir:      cfg.Relay.StaticDir,
		SendBuffer:     cfg.Relay.SendBuffer,
		VAPIDPublicKey: cfg.Push.VAPIDPublicKey,
		Push:           store,
		Metrics:        m,
		MetricsPath:    cfg.Metrics.Path,
	})

	srv := &http.Server{
		Addr:              cfg.Relay.Addr,
		Handler:           gate.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if dispatcher != nil {
		g.Go(func() error { return dispatcher.Run(gctx) })
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.Relay.Addr).Str("public_url", cfg.Relay.PublicURL).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down relay")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// buildValidator chains every configured credential source.
func buildValidator(cfg config.AuthConfig) (auth.Validator, func(), error) {
	var chain auth.Chain
	cleanup := func() {}

	if len(cfg.Tokens) > 0 {
		chain = append(chain, auth.NewStaticTokens(cfg.Tokens...))
	}
	if cfg.TokenFile != "" {
		ft, err := auth.NewFileTokens(cfg.TokenFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load token file: %w", err)
		}
		chain = append(chain, ft)
		cleanup = ft.Close
	}
	if cfg.JWTSecret != "" {
		jv, err := auth.NewJWTValidator(cfg.JWTSecret)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		chain = append(chain, jv)
	}
	return chain, cleanup, nil
}

// buildDispatcher returns nil when no VAPID key pair is configured.
func buildDispatcher(cfg config.PushConfig, store push.Store, m *metrics.Metrics) (*push.Dispatcher, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		log.Warn().Msg("VAPID keys not set; push notifications disabled (generate with: remote-clauding vapid-keys)")
		return nil, nil
	}
	sender, err := push.NewWebPushSender(push.VAPID{
		Subject:    cfg.VAPIDSubject,
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
	}, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return push.NewDispatcher(store, sender, cfg.Workers, m), nil
}

func openPushStore(cfg config.PushConfig) (push.Store, error) {
	switch cfg.Store {
	case "sqlite":
		store, err := push.NewSQLStore(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open push store: %w", err)
		}
		return store, nil
	default:
		return push.NewMemoryStore(), nil
	}
}
