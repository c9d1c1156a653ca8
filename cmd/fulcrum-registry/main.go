// Command fulcrum-registry runs the Fulcrum registry: the singleton process
// that assigns permanent ids, maintains the authoritative service
// directory, reaps dead services, and issues shutdown intents.
//
// # Configuration
//
// Environment variables:
//
//	REDIS_URL           - Redis connection URL (default: "localhost:6379";
//	                      "none" runs the in-memory bus for development)
//	REDIS_PASSWORD      - Redis password (optional)
//	HEARTBEAT_INTERVAL  - Fleet heartbeat period (default: "5s")
//	GRACE_WINDOW        - Dead-entry retention window (default: "60s")
//	DEBUG               - Enable debug logs (default: unset)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/fulcrum-mc/fulcrum/bus"
	"github.com/fulcrum-mc/fulcrum/protocol"
	"github.com/fulcrum-mc/fulcrum/registry"
	"github.com/fulcrum-mc/fulcrum/registry/replicated"
	"github.com/fulcrum-mc/fulcrum/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if os.Getenv("DEBUG") != "" {
		ctx = log.Context(ctx, log.WithDebug())
	}
	logger := telemetry.NewClueLogger()

	redisURL := envOr("REDIS_URL", "localhost:6379")
	heartbeatInterval := envDurationOr("HEARTBEAT_INTERVAL", registry.DefaultHeartbeatInterval)
	graceWindow := envDurationOr("GRACE_WINDOW", registry.DefaultGraceWindow)

	var rdb *redis.Client
	if redisURL != "none" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     redisURL,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	}

	b := bus.New(bus.Options{
		Redis:   rdb,
		Logger:  logger,
		Metrics: telemetry.NewOTELMetrics(),
	})
	defer b.Close(ctx)

	cfg := registry.Config{
		Bus:               b,
		Codec:             protocol.NewCodec(),
		HeartbeatInterval: heartbeatInterval,
		GraceWindow:       graceWindow,
		Logger:            logger,
		Metrics:           telemetry.NewOTELMetrics(),
	}
	if rdb != nil {
		store, err := replicated.JoinEnvStore(ctx, rdb)
		if err != nil {
			return fmt.Errorf("join environment store: %w", err)
		}
		defer store.Close()
		cfg.EnvStore = store
	}

	svc, err := registry.New(cfg)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	defer svc.Close()

	log.Printf(ctx, "registry running (redis=%s)", redisURL)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf(ctx, "shutting down")
	return nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
