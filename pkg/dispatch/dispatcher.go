// Package dispatch is the caller-facing surface of the relay. The
// tool-call front end hands it a typed command; it validates the
// arguments against the application adapter's schema, resolves the
// target channel, and awaits the routed result.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/canvaslink/relay/internal/logger"
	"github.com/canvaslink/relay/pkg/channel"
	"github.com/canvaslink/relay/pkg/router"
	"github.com/canvaslink/relay/pkg/types"
)

// Dispatcher validates and routes commands for one application adapter
type Dispatcher struct {
	adapter        Adapter
	registry       *channel.Registry
	router         *router.Router
	defaultTimeout time.Duration
	logger         *logger.Logger
}

// Option overrides per-call dispatch behavior
type Option func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the dispatcher's default deadline for one call
func WithTimeout(d time.Duration) Option {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// New creates a dispatcher for the given adapter
func New(a Adapter, reg *channel.Registry, r *router.Router, defaultTimeout time.Duration, log *logger.Logger) (*Dispatcher, error) {
	if a == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "adapter cannot be nil")
	}
	if defaultTimeout <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "default timeout must be positive")
	}
	if log == nil {
		log = logger.Global()
	}

	return &Dispatcher{
		adapter:        a,
		registry:       reg,
		router:         r,
		defaultTimeout: defaultTimeout,
		logger:         log.With("component", "dispatcher", "adapter", a.Name()),
	}, nil
}

// Execute validates args for toolName, routes the command to the channel,
// and returns the raw result payload.
//
// Failure modes, in order: VALIDATION before any network interaction,
// CHANNEL_NOT_FOUND when the channel has no connected members (no
// pending request is ever created), then whatever resolution the router
// produces (result, plugin error, TIMEOUT, CONNECTION_LOST).
func (d *Dispatcher) Execute(ctx context.Context, toolName string, args map[string]any, channelName string, opts ...Option) (json.RawMessage, error) {
	options := callOptions{timeout: d.defaultTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	schema, ok := d.adapter.Schemas()[toolName]
	if !ok {
		return nil, types.NewError(types.ErrCodeValidation,
			fmt.Sprintf("unknown tool: %q", toolName))
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := schema.Validate(args); err != nil {
		return nil, err
	}

	if channelName == "" {
		channelName = d.adapter.DefaultChannel()
	}

	// Membership is snapshotted here; a channel nobody has joined fails
	// fast with no pending state.
	members := d.registry.MembersOf(channelName)
	if len(members) == 0 {
		return nil, types.NewError(types.ErrCodeChannelNotFound,
			fmt.Sprintf("channel %q has no connected members", channelName))
	}

	params, err := json.Marshal(args)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeValidation, "failed to encode arguments", err)
	}

	d.logger.Debug("Executing command",
		"tool", toolName,
		"channel", channelName,
		"timeout", options.timeout.String())

	deadline := time.Now().Add(options.timeout)
	return d.router.Send(ctx, router.Command{
		Name:    toolName,
		Params:  params,
		Channel: channelName,
	}, members, deadline)
}

// ExecuteInto executes the command and decodes the result payload into
// out. An undecodable payload from the plugin is a PROTOCOL_VIOLATION.
func (d *Dispatcher) ExecuteInto(ctx context.Context, toolName string, args map[string]any, channelName string, out any, opts ...Option) error {
	payload, err := d.Execute(ctx, toolName, args, channelName, opts...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return types.WrapError(types.ErrCodeProtocolViolation,
			fmt.Sprintf("undecodable result payload for %q", toolName), err)
	}
	return nil
}

// Adapter returns the dispatcher's application adapter
func (d *Dispatcher) Adapter() Adapter {
	return d.adapter
}
