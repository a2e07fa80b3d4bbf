package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Stage/internal/adapters/http"
	sig "github.com/dkeye/Stage/internal/adapters/signal"
	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/app/sfu"
	"github.com/dkeye/Stage/internal/config"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/media"
	"github.com/dkeye/Stage/internal/media/pion"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, domain.ErrWorkerDied) {
			log.Error().Err(err).Msg("media worker lost, exiting for restart")
		} else {
			log.Error().Err(err).Msg("stage stopped")
		}
		cancel()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stage",
		Short:         "WebRTC SFU signaling server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			setupLogger(cfg.Mode)
			return run(cmd.Context(), cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// setupLogger keeps the console writer for debug and switches to JSON otherwise.
func setupLogger(mode string) {
	if mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := app.NewRegistry()
	coord := sfu.NewCoordinator()
	o := orch.New(reg, core.NewRoomManager(), coord, app.SimplePolicy{})
	limiter := sig.NewRoomRateLimiter(cfg.JoinRate.Limit, cfg.JoinRate.Interval)
	ctl := sig.NewSignalWSController(o, limiter, sig.Options{
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		SendBuffer:     cfg.SendBuffer,
		RequestTimeout: cfg.RequestTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	g, gctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(gctx, cfg, o, ctl),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Stage server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		n := reg.CancelAll()
		log.Info().Int("connections", n).Msg("connections closed")
		return nil
	})

	worker, mediaRouter, err := startMedia(gctx, cfg)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	defer func() {
		if err := worker.Close(); err != nil {
			log.Warn().Err(err).Msg("close media worker")
		}
	}()
	coord.SetRouter(mediaRouter)
	log.Info().Str("router", mediaRouter.ID()).Msg("media router ready")

	g.Go(func() error { return app.Supervise(gctx, worker) })
	g.Go(func() error {
		app.RunReaper(gctx, coord, cfg.Reap.Interval, cfg.Reap.Policy())
		return nil
	})
	g.Go(func() error {
		limiter.RunPruner(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}

func startMedia(ctx context.Context, cfg *config.Config) (media.Worker, media.Router, error) {
	worker, err := pion.NewWorker(cfg.Media.Settings())
	if err != nil {
		return nil, nil, fmt.Errorf("create media worker: %w", err)
	}
	r, err := worker.CreateRouter(ctx, cfg.Media.Codecs)
	if err != nil {
		_ = worker.Close()
		return nil, nil, fmt.Errorf("create media router: %w", err)
	}
	return worker, r, nil
}
