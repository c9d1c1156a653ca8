// Command fulcrum-server runs a Fulcrum backend: it registers with the
// registry, emits heartbeats, advertises its slot families, and services
// provision requests. The world backend wired here is the development stub;
// game-engine integrations supply their own slots.Backend.
//
// # Configuration
//
// Environment variables:
//
//	FULCRUM_CONFIG   - Config file path (default: "fulcrum.yaml")
//	FULCRUM_REDIS_URL, FULCRUM_ADDRESS, FULCRUM_FAMILY - config overrides
//	REDIS_PASSWORD   - Redis password (optional)
//	DEBUG            - Enable debug logs (default: unset)
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
	"github.com/fulcrum-mc/fulcrum/config"
	"github.com/fulcrum-mc/fulcrum/heartbeat"
	"github.com/fulcrum-mc/fulcrum/identity"
	"github.com/fulcrum-mc/fulcrum/protocol"
	"github.com/fulcrum-mc/fulcrum/regclient"
	"github.com/fulcrum-mc/fulcrum/shutdown"
	"github.com/fulcrum-mc/fulcrum/slots"
	"github.com/fulcrum-mc/fulcrum/telemetry"
)

// buildVersion is stamped at link time.
var buildVersion = "dev"

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
	metrics := telemetry.NewOTELMetrics()

	cfg, err := config.Load(envOr("FULCRUM_CONFIG", "fulcrum.yaml"))
	if err != nil {
		return err
	}
	env, err := identity.ReadEnvironment(".")
	if err != nil {
		return err
	}
	address := cfg.Service.Address
	if env.IPOverride != "" {
		address = env.IPOverride
	}
	ident := identity.New(protocol.RoleServer, cfg.Service.Family, address, buildVersion, nil)
	log.Printf(ctx, "starting server (env=%s tempId=%s)", env.Role, ident.TempID())

	var rdb *redis.Client
	if cfg.Bus.RedisURL != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Bus.RedisURL,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	}
	b := bus.New(bus.Options{
		Redis:    rdb,
		Logger:   logger,
		Metrics:  metrics,
		QueueCap: cfg.Bus.QueueCap,
	})
	defer b.Close(ctx)
	codec := protocol.NewCodec()

	client, err := regclient.New(regclient.Options{
		Bus:      b,
		Identity: ident,
		Codec:    codec,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()
	id, err := client.Register(ctx)
	if err != nil {
		return fmt.Errorf("register with registry: %w", err)
	}
	if err := client.StartReregisterListener(ctx); err != nil {
		return err
	}
	log.Printf(ctx, "registered as %s", id)

	orch, err := slots.New(slots.Options{
		Bus:              b,
		Identity:         ident,
		Codec:            codec,
		Backend:          devBackend{logger: logger},
		Families:         cfg.Slots.Families,
		ProvisionTimeout: time.Duration(cfg.Slots.ProvisionTimeout),
		IdleTimeout:      time.Duration(cfg.Slots.IdleTimeout),
		QueueDepth:       cfg.Slots.QueueDepth,
		Logger:           logger,
		Metrics:          metrics,
	})
	if err != nil {
		return err
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer orch.Close()

	sched := heartbeat.NewScheduler(time.Second)
	emitter, err := heartbeat.NewEmitter(heartbeat.EmitterOptions{
		Bus:      b,
		Identity: ident,
		Load:     orch.Load,
		Interval: time.Duration(cfg.Service.HeartbeatInterval),
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	emitter.Attach(sched)
	orch.Attach(sched)
	sched.Start()
	defer sched.Stop()

	stop := make(chan struct{})
	drain, err := shutdown.New(shutdown.Options{
		Bus:      b,
		Identity: ident,
		Codec:    codec,
		Hooks:    &serverHooks{orch: orch, logger: logger, stop: stop},
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := drain.Start(ctx); err != nil {
		return err
	}
	defer drain.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Printf(ctx, "signal received, shutting down")
	case <-stop:
		log.Printf(ctx, "drain complete, shutting down")
	}
	return nil
}

// devBackend fulfils provision commands without a game engine.
type devBackend struct {
	logger telemetry.Logger
}

func (d devBackend) Provision(ctx context.Context, slotID, familyID, variantID string, metadata map[string]string) error {
	d.logger.Info(ctx, "dev backend provisioned slot",
		"slotId", slotID, "family", familyID, "variant", variantID)
	return nil
}

func (d devBackend) Teardown(ctx context.Context, slotID string) error {
	d.logger.Info(ctx, "dev backend tore down slot", "slotId", slotID)
	return nil
}

// serverHooks drains a backend: occupants are asked to leave, remaining
// slots are closed, then the process exits.
type serverHooks struct {
	orch   *slots.Orchestrator
	logger telemetry.Logger
	stop   chan struct{}
}

func (h *serverHooks) Players() []string { return nil }

func (h *serverHooks) Warn(ctx context.Context, remainingSeconds int) {
	h.logger.Info(ctx, "shutdown warning", "remainingSeconds", remainingSeconds)
}

func (h *serverHooks) Evacuate(ctx context.Context, players []string) {
	for _, slotID := range h.orch.Slots() {
		h.orch.DrainSlot(ctx, slotID)
	}
}

func (h *serverHooks) Evict(ctx context.Context, players []string, alternate string) {
	for _, slotID := range h.orch.Slots() {
		if err := h.orch.CloseSlot(ctx, slotID); err != nil {
			h.logger.Warn(ctx, "slot close during drain failed",
				"slotId", slotID, "error", err.Error())
		}
	}
}

func (h *serverHooks) Exit(ctx context.Context) {
	close(h.stop)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
