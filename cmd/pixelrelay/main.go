// Command pixelrelay is the rendezvous relay participants connect to.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"collabpixel/internal/config"
	"collabpixel/internal/discovery"
	"collabpixel/internal/logging"
	"collabpixel/internal/relay"

	"github.com/redis/go-redis/v9"
)

func main() {
	var cfg config.Relay
	if err := config.ParseEnv(&cfg); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("relay stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Relay, log *slog.Logger) error {
	// --- Connect to Redis, if any component needs it ---
	var rdb *redis.Client
	if cfg.Store == "redis" || cfg.Broker == "redis" {
		var err error
		rdb, err = relay.OpenRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		log.Info("Connected to Redis successfully.", "addr", cfg.RedisAddr)
	}

	store, err := openStore(ctx, cfg, rdb, log)
	if err != nil {
		return err
	}
	defer store.Close()

	var broker relay.Broker = relay.NewMemoryBroker()
	if cfg.Broker == "redis" {
		broker = relay.NewRedisBroker(rdb)
	}
	defer broker.Close()

	srv := relay.NewServer(relay.Config{
		GridSize:     cfg.GridSize,
		Store:        store,
		Broker:       broker,
		PingInterval: cfg.PingInterval,
		Logger:       log,
	})
	defer srv.Close()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}

	if cfg.MDNS {
		_, portStr, _ := net.SplitHostPort(ln.Addr().String())
		port, _ := strconv.Atoi(portStr)
		mdns, err := discovery.Advertise(port, cfg.GridSize, log)
		if err != nil {
			log.Warn("mDNS advertisement disabled", "error", err)
		} else {
			defer mdns.Shutdown()
		}
	}

	httpSrv := &http.Server{Handler: srv, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- httpSrv.Serve(ln) }()
	log.Info("pixel relay starting", "addr", ln.Addr().String(), "grid", cfg.GridSize, "store", cfg.Store, "broker", cfg.Broker)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Close()
	return httpSrv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Relay, rdb *redis.Client, log *slog.Logger) (relay.Store, error) {
	switch cfg.Store {
	case "redis":
		return relay.NewRedisStore(rdb, cfg.GridSize, log), nil
	case "postgres":
		s, err := relay.OpenPostgres(ctx, cfg.DatabaseURL, cfg.GridSize, log)
		if err != nil {
			return nil, err
		}
		log.Info("Connected to PostgreSQL successfully.")
		return s, nil
	case "bolt":
		return relay.OpenBolt(cfg.BoltPath, cfg.GridSize, log)
	default:
		return relay.NewMemoryStore(), nil
	}
}
