// Package regclient implements the protocol state machine each service runs
// to join (and rejoin) the registry. It publishes a registration request
// under the service's temporary id, waits on the directed response channel
// for an id assignment, and answers re-registration broadcasts after a
// registry restart.
package regclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/fulcrum-mc/fulcrum/bus"
	"github.com/fulcrum-mc/fulcrum/envelope"
	"github.com/fulcrum-mc/fulcrum/identity"
	"github.com/fulcrum-mc/fulcrum/protocol"
	"github.com/fulcrum-mc/fulcrum/telemetry"
)

type (
	// Options configures a registration client.
	Options struct {
		// Bus carries the registration exchange. Required.
		Bus bus.Bus
		// Identity is the service identity to register. Required.
		Identity *identity.Identity
		// Codec decodes registration payloads. Required.
		Codec *envelope.Codec
		// Timeout bounds each registration attempt. Defaults to 10s.
		Timeout time.Duration
		// MaxAttempts bounds registration retries before the boot fails.
		// Defaults to 5.
		MaxAttempts int
		// Logger receives registration diagnostics. Defaults to noop.
		Logger telemetry.Logger
	}

	// Client drives registration for one service.
	Client struct {
		bus     bus.Bus
		ident   *identity.Identity
		codec   *envelope.Codec
		timeout time.Duration
		maxTry  int
		logger  telemetry.Logger

		reregSub *bus.Subscription
	}
)

const (
	// DefaultTimeout bounds a single registration attempt.
	DefaultTimeout = 10 * time.Second
	// DefaultMaxAttempts is the retry bound before boot failure.
	DefaultMaxAttempts = 5

	retryInitialBackoff = 500 * time.Millisecond
	retryMaxBackoff     = 8 * time.Second
	retryJitter         = 0.2
)

// ErrExhausted is returned when every registration attempt failed. The
// caller treats this as fatal and exits non-zero.
var ErrExhausted = errors.New("registration attempts exhausted")

// New constructs a registration client.
func New(opts Options) (*Client, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxTry := opts.MaxAttempts
	if maxTry <= 0 {
		maxTry = DefaultMaxAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Client{
		bus:     opts.Bus,
		ident:   opts.Identity,
		codec:   opts.Codec,
		timeout: timeout,
		maxTry:  maxTry,
		logger:  logger,
	}, nil
}

// Register joins the registry: it publishes the registration request under
// the temporary id and waits for the id assignment on the directed response
// channel, retrying with backoff. On success the identity is promoted to
// the assigned permanent id.
func (c *Client) Register(ctx context.Context) (string, error) {
	tempID := c.ident.TempID()
	respCh := make(chan *protocol.RegistrationResponse, 1)

	sub, err := c.bus.Subscribe(protocol.RegistrationResponseChannel(tempID), func(ctx context.Context, env *envelope.Envelope) {
		v, err := c.codec.DecodePayload(env)
		if err != nil {
			c.logger.Warn(ctx, "undecodable registration response", "error", err.Error())
			return
		}
		resp, ok := v.(*protocol.RegistrationResponse)
		if !ok {
			return
		}
		select {
		case respCh <- resp:
		default:
		}
	})
	if err != nil {
		return "", fmt.Errorf("subscribe registration response channel: %w", err)
	}
	defer c.bus.Unsubscribe(sub)

	var lastErr error
	for attempt := 1; attempt <= c.maxTry; attempt++ {
		resp, err := c.attempt(ctx, respCh)
		if err == nil && resp.Success {
			c.ident.Promote(resp.AssignedID)
			c.logger.Info(ctx, "registered with registry",
				"tempId", tempID, "assignedId", resp.AssignedID, "attempt", attempt)
			return resp.AssignedID, nil
		}
		if err == nil {
			// The registry refused; it resolves id conflicts by assigning
			// a fresh id on the next attempt, so retry transparently.
			lastErr = fmt.Errorf("registration rejected: %s", resp.Message)
		} else {
			lastErr = err
		}
		c.logger.Warn(ctx, "registration attempt failed",
			"attempt", attempt, "error", lastErr.Error())

		if attempt < c.maxTry {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryBackoff(attempt)):
			}
		}
	}
	return "", fmt.Errorf("%w after %d attempts: %v", ErrExhausted, c.maxTry, lastErr)
}

// attempt publishes one registration request and waits for a response.
func (c *Client) attempt(ctx context.Context, respCh chan *protocol.RegistrationResponse) (*protocol.RegistrationResponse, error) {
	req := protocol.RegistrationRequest{
		Version:      protocol.PayloadVersion,
		Role:         c.ident.Role,
		Family:       c.ident.Family,
		Address:      c.ident.Address,
		BuildVersion: c.ident.Version,
		Capabilities: c.ident.Capabilities,
		KnownID:      c.ident.PermanentID(),
	}
	env, err := envelope.New(protocol.TypeRegistrationRequest, c.ident.TempID(), req)
	if err != nil {
		return nil, err
	}
	if err := c.bus.Publish(ctx, protocol.ChannelRegistrationRequest, env); err != nil {
		return nil, fmt.Errorf("publish registration request: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return nil, bus.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartReregisterListener answers registry rebuild broadcasts. When the
// registry restarts it asks the fleet to re-announce; a service that
// already holds a permanent id re-registers with that id so the registry
// can preserve it.
func (c *Client) StartReregisterListener(ctx context.Context) error {
	sub, err := c.bus.Subscribe(protocol.ChannelReregister, func(ctx context.Context, env *envelope.Envelope) {
		if !c.ident.Registered() {
			return
		}
		req := protocol.RegistrationRequest{
			Version:      protocol.PayloadVersion,
			Role:         c.ident.Role,
			Family:       c.ident.Family,
			Address:      c.ident.Address,
			BuildVersion: c.ident.Version,
			Capabilities: c.ident.Capabilities,
			KnownID:      c.ident.PermanentID(),
		}
		out, err := envelope.New(protocol.TypeRegistrationRequest, c.ident.Current(), req)
		if err != nil {
			return
		}
		if err := c.bus.Publish(ctx, protocol.ChannelRegistrationRequest, out); err != nil {
			c.logger.Warn(ctx, "re-registration publish failed", "error", err.Error())
			return
		}
		c.logger.Info(ctx, "re-announced identity to registry", "id", c.ident.PermanentID())
	})
	if err != nil {
		return fmt.Errorf("subscribe reregister channel: %w", err)
	}
	c.reregSub = sub
	return nil
}

// Close removes the re-registration listener.
func (c *Client) Close() {
	if c.reregSub != nil {
		c.bus.Unsubscribe(c.reregSub)
		c.reregSub = nil
	}
}

// retryBackoff returns the delay before the next registration attempt:
// 500ms doubling to an 8s ceiling with ±20% jitter.
func retryBackoff(attempt int) time.Duration {
	d := retryInitialBackoff
	for i := 1; i < attempt && d < retryMaxBackoff; i++ {
		d *= 2
	}
	if d > retryMaxBackoff {
		d = retryMaxBackoff
	}
	jitter := 1 + (rand.Float64()*2-1)*retryJitter
	return time.Duration(float64(d) * jitter)
}
