// Syncwatch relay: room registry and signaling server.
//
// Clients connect over WebSocket at /ws, join a room, and exchange playback
// state and WebRTC negotiation through the relay. /health and
// /rooms/{roomId} expose read-only diagnostics.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/syncwatch/internal/config"
	"github.com/1ureka/syncwatch/internal/registry"
	"github.com/1ureka/syncwatch/internal/relay"
	"github.com/1ureka/syncwatch/internal/util"
)

var version = "dev"

const shutdownTimeout = 5 * time.Second

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := flag.String("config", "", "Path to a YAML config file (default: $CONFIG_PATH)")
	addr := flag.String("addr", "", "Listen address, overrides config (e.g. :4000)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		util.LogWarning("failed to read .env: %v", err)
	}

	cfg, err := config.LoadRelay(*configPath)
	if err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *debugMode {
		cfg.Logging.Debug = true
	}

	log, err := util.SetupLogger(cfg.Logging.Backend, "relay", cfg.Logging.Debug)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if cfg.Logging.Backend != util.BackendZap {
		pterm.Info.Printfln("Syncwatch relay v%s", version)
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error("relay stopped", slog.Any("err", err))
		os.Exit(1)
	}
	log.Info("relay shut down")
}

func run(ctx context.Context, cfg *config.Relay, log *slog.Logger) error {
	stats := &util.Stats{}
	opts := []relay.Option{relay.WithStats(stats), relay.WithLogger(log)}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}
		opts = append(opts, relay.WithMirror(relay.NewRedisMirror(rdb, cfg.Redis.TTL)))
		log.Info("room snapshots mirrored to redis", slog.String("addr", cfg.Redis.Addr), slog.Duration("ttl", cfg.Redis.TTL))
	}

	reg := registry.New()
	srv := relay.New(cfg, reg, opts...)
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("listening", slog.String("addr", cfg.HTTP.Addr), slog.Any("origins", cfg.HTTP.AllowedOrigins))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		srv.Close()
		return err
	})

	g.Go(func() error {
		util.RunStatsReporter(gctx, stats, reg.Len)
		return nil
	})

	g.Go(func() error { return srv.RunMirror(gctx) })

	return g.Wait()
}
