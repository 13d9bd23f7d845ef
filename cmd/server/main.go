package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/wschat/internal/adapters"
	router "github.com/dkeye/wschat/internal/adapters/http"
	"github.com/dkeye/wschat/internal/adapters/ingress"
	"github.com/dkeye/wschat/internal/app"
	"github.com/dkeye/wschat/internal/config"
	"github.com/dkeye/wschat/internal/core"
	"github.com/dkeye/wschat/internal/storage/memory"
	"github.com/dkeye/wschat/internal/storage/sqlite"
	api "github.com/dkeye/wschat/internal/transport/http"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := run(ctx); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context) error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyLogLevel()
	cfg.Watch(func(next *config.Config) { next.ApplyLogLevel() })

	store, closeStore, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer closeStore()

	policy, err := app.PolicyByName(cfg.SlowConsumer)
	if err != nil {
		return err
	}
	regOpts := app.RegistryOptions{Room: core.RoomOptions{Policy: policy}}
	if cfg.RateLimit > 0 {
		regOpts.NewLimiter = func() core.Limiter {
			return app.NewRoomRateLimiter(cfg.RateLimit, cfg.RateInterval)
		}
	}
	roomsCtx, stopRooms := context.WithCancel(ctx)
	defer stopRooms()
	reg := app.NewRegistry(roomsCtx, store, regOpts)

	co := ingress.NewCoordinator(reg, ingress.Options{
		Conn: adapters.ConnOptions{
			ReadLimit:    cfg.ReadLimit,
			WriteTimeout: cfg.WriteTimeout,
			SendQueue:    cfg.SendQueue,
		},
		JoinTimeout: cfg.JoinTimeout,
	})
	r := router.SetupRouter(roomsCtx, cfg, co, &api.Handlers{Rooms: reg, History: store})

	addr := fmt.Sprintf(":%d", cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("chat server started")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
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
		return nil
	})

	err = g.Wait()
	// Hijacked connections are not tracked by the server; rooms close them.
	stopRooms()
	reg.Wait()
	return err
}

func openStore(ctx context.Context, path string) (core.Store, func(), error) {
	if path == "" {
		log.Warn().Str("module", "main").Msg("no db_path, history kept in memory")
		return memory.NewStore(), func() {}, nil
	}
	db, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return db, func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Str("module", "main").Msg("close store")
		}
	}, nil
}
