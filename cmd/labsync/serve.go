package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/labsync/internal/lab/api"
	"github.com/ehr/labsync/internal/lab/dispatch"
	"github.com/ehr/labsync/internal/lab/processor"
	"github.com/ehr/labsync/internal/platform/auth"
	"github.com/ehr/labsync/internal/platform/middleware"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, drop box watcher and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	d, err := a.dispatcher()
	if err != nil {
		return err
	}
	defer d.Release()

	if a.cfg.FetchSchedule != "" {
		sched, err := dispatch.NewScheduler(d, a.cfg.FetchSchedule, logger)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				logger.Warn().Err(err).Msg("scheduler shutdown")
			}
		}()
	}

	if a.cfg.WatchDropBox {
		if err := watchDropBoxes(ctx, a, d); err != nil {
			logger.Warn().Err(err).Msg("drop box watcher disabled")
		}
	}

	e := api.NewServer(api.Deps{
		Dispatcher: d,
		Ledger:     a.ledger,
		Documents:  a.docs,
		Pool:       a.pool,
		Logger:     logger,
		Dev:        a.cfg.IsDev(),
		JWT:        auth.JWTConfig{Issuer: a.cfg.AuthIssuer, SigningKey: []byte(a.cfg.AuthSigningKey)},
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: a.cfg.RateLimitRPS,
			BurstSize:         a.cfg.RateLimitBurst,
			IdleTTL:           10 * time.Minute,
		},
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func watchDropBoxes(ctx context.Context, a *app, d *dispatch.Dispatcher) error {
	configs, err := a.processors.List(ctx)
	if err != nil {
		return err
	}
	w, err := dispatch.NewWatcher(d.Trigger, dispatch.DefaultDebounce, a.logger)
	if err != nil {
		return err
	}
	watched := 0
	for _, c := range configs {
		if c.Protocol != processor.ProtocolDropBox || c.ResultsPath == "" {
			continue
		}
		if err := w.Add(c.ID, c.ResultsPath); err != nil {
			a.logger.Warn().Err(err).Str("processor", c.ID).Msg("drop box not watched")
			continue
		}
		watched++
	}
	if watched == 0 {
		w.Close()
		return errors.New("no drop box directories to watch")
	}
	go w.Run(ctx)
	return nil
}
