// Package router implements request/response correlation for the relay.
//
// Every outgoing command is stamped with a fresh correlation id and
// registered as a pending request. Exactly one of four outcomes resolves
// it: a matching response, the deadline elapsing, the responding
// connection closing, or the caller's context being canceled. Resolution
// is at-most-once; late and duplicate replies are dropped.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canvaslink/relay/internal/logger"
	"github.com/canvaslink/relay/pkg/protocol"
	"github.com/canvaslink/relay/pkg/types"
)

// Deliverer writes a stamped command frame to a single connection.
// The hub implements this.
type Deliverer interface {
	Deliver(ctx context.Context, connID types.ID, frame *protocol.Frame) error
}

// Command is a caller-issued command awaiting relay to a channel
type Command struct {
	Name    string
	Params  json.RawMessage
	Channel string
}

// outcome is the single resolution of a pending request
type outcome struct {
	payload json.RawMessage
	err     error
}

// pending tracks one in-flight command from registration to resolution
type pending struct {
	id       string
	channel  string
	targets  map[types.ID]struct{} // connections still eligible to respond
	done     chan outcome          // buffered; the resolver never blocks
	timer    *time.Timer
	deadline time.Time
}

// Router owns the pending-request table
type Router struct {
	mu        sync.Mutex
	pendings  map[string]*pending
	byConn    map[types.ID]map[string]struct{} // connection id -> pending ids
	seq       atomic.Uint64
	deliverer Deliverer
	logger    *logger.Logger
	stats     Stats
}

// Stats holds router counters
type Stats struct {
	Sent           int64 `json:"sent"`
	Resolved       int64 `json:"resolved"`
	Timeouts       int64 `json:"timeouts"`
	ConnectionLost int64 `json:"connection_lost"`
	Canceled       int64 `json:"canceled"`
	Duplicates     int64 `json:"duplicates"`
	Pending        int   `json:"pending"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("Stats{Sent: %d, Resolved: %d, Timeouts: %d, Lost: %d, Duplicates: %d, Pending: %d}",
		s.Sent, s.Resolved, s.Timeouts, s.ConnectionLost, s.Duplicates, s.Pending)
}

// New creates a new router delivering through d
func New(d Deliverer, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Global()
	}
	return &Router{
		pendings:  make(map[string]*pending),
		byConn:    make(map[types.ID]map[string]struct{}),
		deliverer: d,
		logger:    log.With("component", "router"),
	}
}

// nextID allocates a fresh correlation id. The counter is monotonic for
// the lifetime of the process, which also gives responses a total order.
func (r *Router) nextID() string {
	return strconv.FormatUint(r.seq.Add(1), 10)
}

// Send stamps the command, registers it as pending, delivers it to every
// current member of the target channel, and blocks until resolution.
//
// targets must be the membership snapshot taken at routing time and must
// be non-empty; the dispatcher rejects empty channels before calling.
func (r *Router) Send(ctx context.Context, cmd Command, targets []types.ID, deadline time.Time) (json.RawMessage, error) {
	if len(targets) == 0 {
		return nil, types.NewError(types.ErrCodeChannelNotFound,
			fmt.Sprintf("channel %q has no connected members", cmd.Channel))
	}

	id := r.nextID()
	frame := protocol.NewCommand(id, cmd.Channel, cmd.Name, cmd.Params)

	p := &pending{
		id:       id,
		channel:  cmd.Channel,
		targets:  make(map[types.ID]struct{}, len(targets)),
		done:     make(chan outcome, 1),
		deadline: deadline,
	}
	for _, t := range targets {
		p.targets[t] = struct{}{}
	}

	r.mu.Lock()
	r.pendings[id] = p
	for _, t := range targets {
		if r.byConn[t] == nil {
			r.byConn[t] = make(map[string]struct{})
		}
		r.byConn[t][id] = struct{}{}
	}
	r.stats.Sent++
	// The timer shares the remove-then-resolve guard with normal replies,
	// so it fires at most one resolution even if a response races it.
	p.timer = time.AfterFunc(time.Until(deadline), func() {
		r.expire(id)
	})
	r.mu.Unlock()

	// Deliver outside the lock; a slow socket must not block the table.
	delivered := 0
	for _, t := range targets {
		if err := r.deliverer.Deliver(ctx, t, frame); err != nil {
			r.logger.Warn("Command delivery failed",
				"correlation_id", id,
				"conn_id", t,
				"error", err)
			r.dropTarget(t, id)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		// No eligible responder remains; dropTarget already resolved the
		// pending with CONNECTION_LOST when the last target went away.
		r.logger.Debug("Command undeliverable", "correlation_id", id, "channel", cmd.Channel)
	}

	r.logger.Debug("Command sent",
		"correlation_id", id,
		"channel", cmd.Channel,
		"name", cmd.Name,
		"targets", delivered)

	select {
	case out := <-p.done:
		return out.payload, out.err
	case <-ctx.Done():
		err := types.WrapError(types.ErrCodeCanceled, "caller canceled while awaiting response", ctx.Err())
		if r.resolve(id, outcome{err: err}, &r.stats.Canceled) {
			return nil, err
		}
		// A resolution raced the cancellation and won; honor it.
		out := <-p.done
		return out.payload, out.err
	}
}

// Resolve matches an incoming response frame to its pending request.
// If the id is unknown (already resolved, timed out, or never issued)
// the response is dropped and logged, never applied.
func (r *Router) Resolve(id string, result json.RawMessage, wireErr *protocol.WireError) error {
	var out outcome
	if wireErr != nil {
		out.err = types.NewError(wireErr.Kind, wireErr.Message)
	} else {
		out.payload = result
	}

	if !r.resolve(id, out, &r.stats.Resolved) {
		r.mu.Lock()
		r.stats.Duplicates++
		r.mu.Unlock()
		r.logger.Warn("Dropping response for unknown or resolved request", "correlation_id", id)
		return types.NewError(types.ErrCodeDuplicateResponse,
			fmt.Sprintf("no pending request for correlation id %s", id))
	}
	return nil
}

// FailConnection removes the closed connection from every pending request
// that targeted it. A request whose last eligible responder is gone
// resolves with CONNECTION_LOST. Called by the hub during close cleanup.
func (r *Router) FailConnection(connID types.ID) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byConn[connID]))
	for id := range r.byConn[connID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.dropTarget(connID, id)
	}
}

// dropTarget removes connID as an eligible responder for the pending id,
// resolving with CONNECTION_LOST when no responder remains.
func (r *Router) dropTarget(connID types.ID, id string) {
	r.mu.Lock()
	p, ok := r.pendings[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(p.targets, connID)
	if set, ok := r.byConn[connID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byConn, connID)
		}
	}
	remaining := len(p.targets)
	r.mu.Unlock()

	if remaining == 0 {
		err := types.NewError(types.ErrCodeConnectionLost,
			fmt.Sprintf("responder for channel %q disconnected mid-flight", p.channel))
		r.resolve(id, outcome{err: err}, &r.stats.ConnectionLost)
	}
}

// expire is the timer callback enforcing the request deadline
func (r *Router) expire(id string) {
	err := types.NewError(types.ErrCodeTimeout, "deadline elapsed with no reply")
	if r.resolve(id, outcome{err: err}, &r.stats.Timeouts) {
		r.logger.Debug("Request timed out", "correlation_id", id)
	}
}

// resolve removes the pending entry and fills its resolution slot.
// Removal under the lock is the at-most-once guard: the first caller to
// take the entry out of the table wins, every later resolution attempt
// finds nothing and reports false.
func (r *Router) resolve(id string, out outcome, counter *int64) bool {
	r.mu.Lock()
	p, ok := r.pendings[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.pendings, id)
	for t := range p.targets {
		if set, ok := r.byConn[t]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byConn, t)
			}
		}
	}
	if counter != nil {
		*counter++
	}
	r.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- out
	return true
}

// Pending returns the number of unresolved requests
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendings)
}

// Stats returns a snapshot of the router counters
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.stats
	stats.Pending = len(r.pendings)
	return stats
}
