// Command fulcrum-proxy runs a Fulcrum edge proxy: it registers with the
// registry, consumes fleet broadcasts into a local directory view, and
// dispatches players into backend slots. The player transport wired here is
// the development stub; proxy integrations supply their own session layer
// and execute the route commands the dispatcher returns.
//
// # Configuration
//
// Environment variables:
//
//	FULCRUM_CONFIG   - Config file path (default: "fulcrum.yaml")
//	FULCRUM_REDIS_URL, FULCRUM_ADDRESS - config overrides
//	REDIS_PASSWORD   - Redis password (optional)
//	MAX_PLAYERS      - Advertised player capacity (default: 500)
//	DEBUG            - Enable debug logs (default: unset)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
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
	"github.com/fulcrum-mc/fulcrum/route"
	"github.com/fulcrum-mc/fulcrum/shutdown"
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
	maxPlayers := envIntOr("MAX_PLAYERS", 500)

	ident := identity.New(protocol.RoleProxy, "proxy", address, buildVersion, nil)
	log.Printf(ctx, "starting proxy (env=%s tempId=%s)", env.Role, ident.TempID())

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

	dispatcher, err := route.NewDispatcher(route.DispatcherOptions{
		Bus:      b,
		Identity: ident,
		Codec:    codec,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	var sessions sessionCounter
	sched := heartbeat.NewScheduler(time.Second)
	emitter, err := heartbeat.NewEmitter(heartbeat.EmitterOptions{
		Bus:      b,
		Identity: ident,
		Load: func() protocol.LoadMetrics {
			return protocol.LoadMetrics{
				PlayerCount: int(sessions.count.Load()),
				MaxPlayers:  maxPlayers,
				TPS:         20,
			}
		},
		Interval: time.Duration(cfg.Service.HeartbeatInterval),
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	emitter.Attach(sched)
	sched.Start()
	defer sched.Stop()

	stop := make(chan struct{})
	drain, err := shutdown.New(shutdown.Options{
		Bus:      b,
		Identity: ident,
		Codec:    codec,
		Hooks:    &proxyHooks{logger: logger, stop: stop},
		Peers: func() []shutdown.Peer {
			loads := dispatcher.View().ProxyLoads()
			peers := make([]shutdown.Peer, 0, len(loads))
			for peerID, load := range loads {
				peers = append(peers, shutdown.Peer{ID: peerID, Load: load})
			}
			return peers
		},
		Logger: logger,
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

// sessionCounter tracks connected players; the proxy's session layer
// increments and decrements it.
type sessionCounter struct {
	count atomic.Int64
}

// proxyHooks drains a proxy: players are warned, then transferred to the
// least-loaded alternate proxy, then the process exits.
type proxyHooks struct {
	logger telemetry.Logger
	stop   chan struct{}
}

func (h *proxyHooks) Players() []string { return nil }

func (h *proxyHooks) Warn(ctx context.Context, remainingSeconds int) {
	h.logger.Info(ctx, "shutdown warning", "remainingSeconds", remainingSeconds)
}

func (h *proxyHooks) Evacuate(ctx context.Context, players []string) {}

func (h *proxyHooks) Evict(ctx context.Context, players []string, alternate string) {
	if alternate == "" {
		h.logger.Warn(ctx, "no alternate proxy, disconnecting players")
		return
	}
	h.logger.Info(ctx, "transferring players to alternate proxy", "alternate", alternate)
}

func (h *proxyHooks) Exit(ctx context.Context) {
	close(h.stop)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
