// Command fulcrumctl is the operator CLI for a Fulcrum fleet.
//
//	fulcrumctl runtimeinfo
//	fulcrumctl shutdown --targets mini1,proxy2 --seconds 60 [--force]
//	fulcrumctl cancel --intent <intentId>
//
// Exit codes: 0 on success, 1 on an invalid target, 2 on timeout.
//
// Environment variables:
//
//	REDIS_URL       - Redis connection URL (default: "localhost:6379")
//	REDIS_PASSWORD  - Redis password (optional)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fulcrum-mc/fulcrum/bus"
	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/protocol"
	"github.com/fulcrum-mc/fulcrum/registry"
	"github.com/fulcrum-mc/fulcrum/telemetry"
)

const (
	exitOK            = 0
	exitInvalidTarget = 1
	exitTimeout       = 2

	requestTimeout = 5 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitInvalidTarget
	}

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{
		Addr:     envOr("REDIS_URL", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "connect to redis: %v\n", err)
		return exitTimeout
	}

	cli := &client{
		bus:   bus.New(bus.Options{Redis: rdb, Logger: telemetry.NoopLogger{}}),
		codec: protocol.NewCodec(),
		id:    "fulcrumctl-" + uuid.NewString(),
	}
	defer cli.bus.Close(ctx)

	switch args[0] {
	case "runtimeinfo":
		return cli.runtimeInfo(ctx)
	case "shutdown":
		return cli.shutdown(ctx, args[1:])
	case "cancel":
		return cli.cancel(ctx, args[1:])
	default:
		usage()
		return exitInvalidTarget
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  fulcrumctl runtimeinfo
  fulcrumctl shutdown --targets <id,id,...> --seconds <n> [--force]
  fulcrumctl cancel --intent <intentId>`)
}

type client struct {
	bus   bus.Bus
	codec *envelope.Codec
	id    string
}

// request performs one request/response round-trip with the registry.
func (c *client) request(ctx context.Context, msgType string, payload any) (any, int) {
	env, err := envelope.New(msgType, c.id, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode request: %v\n", err)
		return nil, exitTimeout
	}
	resp, err := c.bus.Request(ctx, registry.RegistryID,
		protocol.RequestChannel(registry.RegistryID), env, requestTimeout)
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			fmt.Fprintln(os.Stderr, "registry did not respond (timeout)")
		} else {
			fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		}
		return nil, exitTimeout
	}
	v, err := c.codec.DecodePayload(resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		return nil, exitTimeout
	}
	return v, exitOK
}

func (c *client) fetchRuntimeInfo(ctx context.Context) (*protocol.RuntimeInfoResponse, int) {
	v, code := c.request(ctx, protocol.TypeRuntimeInfoRequest,
		protocol.RuntimeInfoRequest{Version: protocol.PayloadVersion})
	if code != exitOK {
		return nil, code
	}
	info, ok := v.(*protocol.RuntimeInfoResponse)
	if !ok {
		fmt.Fprintln(os.Stderr, "unexpected response from registry")
		return nil, exitTimeout
	}
	return info, exitOK
}

func (c *client) runtimeInfo(ctx context.Context) int {
	info, code := c.fetchRuntimeInfo(ctx)
	if code != exitOK {
		return code
	}
	sort.Slice(info.Entries, func(i, j int) bool { return info.Entries[i].ID < info.Entries[j].ID })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLE\tSTATUS\tADDRESS\tPLAYERS\tTPS\tSLOTS")
	for _, e := range info.Entries {
		slots := make([]string, 0, len(e.Slots))
		for _, st := range e.Slots {
			slots = append(slots, fmt.Sprintf("%s(%s)", st.SlotID, st.State))
		}
		sort.Strings(slots)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%.1f\t%s\n",
			e.ID, e.Role, e.Status, e.Address,
			e.PlayerCount, e.MaxPlayers, e.TPS, strings.Join(slots, ","))
	}
	w.Flush()
	return exitOK
}

func (c *client) shutdown(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("shutdown", flag.ContinueOnError)
	targetsF := fs.String("targets", "", "comma-separated permanent ids, or 'all'")
	secondsF := fs.Int("seconds", 60, "countdown before eviction")
	forceF := fs.Bool("force", false, "skip the countdown")
	if err := fs.Parse(args); err != nil {
		return exitInvalidTarget
	}
	if *targetsF == "" {
		fmt.Fprintln(os.Stderr, "--targets is required")
		return exitInvalidTarget
	}
	targets := strings.Split(*targetsF, ",")

	// Validate targets against the live directory before issuing.
	if !(len(targets) == 1 && targets[0] == "all") {
		info, code := c.fetchRuntimeInfo(ctx)
		if code != exitOK {
			return code
		}
		known := make(map[string]bool, len(info.Entries))
		for _, e := range info.Entries {
			known[e.ID] = true
		}
		for _, t := range targets {
			if !known[t] {
				fmt.Fprintf(os.Stderr, "unknown target %q\n", t)
				return exitInvalidTarget
			}
		}
	}

	v, code := c.request(ctx, protocol.TypeShutdownIntent, protocol.ShutdownIntent{
		Version:          protocol.PayloadVersion,
		Targets:          targets,
		CountdownSeconds: *secondsF,
		Force:            *forceF,
	})
	if code != exitOK {
		return code
	}
	intent, ok := v.(*protocol.ShutdownIntent)
	if !ok {
		fmt.Fprintln(os.Stderr, "unexpected response from registry")
		return exitTimeout
	}
	fmt.Printf("shutdown intent %s issued for %s\n", intent.IntentID, strings.Join(targets, ", "))
	return exitOK
}

func (c *client) cancel(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	intentF := fs.String("intent", "", "intent id to cancel")
	if err := fs.Parse(args); err != nil {
		return exitInvalidTarget
	}
	if *intentF == "" {
		fmt.Fprintln(os.Stderr, "--intent is required")
		return exitInvalidTarget
	}
	_, code := c.request(ctx, protocol.TypeShutdownIntent, protocol.ShutdownIntent{
		Version:   protocol.PayloadVersion,
		IntentID:  *intentF,
		Cancelled: true,
	})
	if code != exitOK {
		return code
	}
	fmt.Printf("shutdown intent %s cancelled\n", *intentF)
	return exitOK
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
