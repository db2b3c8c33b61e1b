// Package events handles unsolicited event frames from plugins. Events
// carry no correlation id and never touch the pending-request table; they
// are fanned out to subscribers on a separate notification path.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canvaslink/relay/internal/config"
	"github.com/canvaslink/relay/internal/logger"
	"github.com/canvaslink/relay/pkg/types"
)

// Event is an unsolicited notification emitted by a plugin
type Event struct {
	Channel   string          `json:"channel"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Source    types.ID        `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler processes a published event
type Handler func(Event)

// Filter selects which events a subscription receives. Zero values match
// everything.
type Filter struct {
	Channel string // exact channel name, "" matches all channels
	Name    string // exact event name, "" matches all names
}

// matches reports whether the event passes the filter
func (f Filter) matches(ev Event) bool {
	if f.Channel != "" && f.Channel != ev.Channel {
		return false
	}
	if f.Name != "" && f.Name != ev.Name {
		return false
	}
	return true
}

// subscription pairs a filter with its handler. Each subscription drains
// its own buffered channel, so one slow handler never stalls the others.
type subscription struct {
	id      types.ID
	filter  Filter
	handler Handler
	ch      chan Event
}

// Bus fans events out to subscribers through a single publish worker,
// so each subscriber observes events from one channel in publish order.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[types.ID]*subscription
	subSize       int
	publishCh     chan Event
	closeCh       chan struct{}
	closed        bool
	workerWg      sync.WaitGroup
	subWg         sync.WaitGroup
	logger        *logger.Logger
	dropped       atomic.Int64
}

// New creates a new event bus
func New(cfg config.EventConfig, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Global()
	}

	b := &Bus{
		subscriptions: make(map[types.ID]*subscription),
		subSize:       cfg.SubscriberSize,
		publishCh:     make(chan Event, cfg.QueueSize),
		closeCh:       make(chan struct{}),
		logger:        log.With("component", "event_bus"),
	}

	b.workerWg.Add(1)
	go b.publishWorker()

	return b
}

// Subscribe registers a handler for events matching the filter and
// returns the subscription id
func (b *Bus) Subscribe(filter Filter, handler Handler) (types.ID, error) {
	if handler == nil {
		return "", types.NewError(types.ErrCodeInvalidArgument, "handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", types.NewError(types.ErrCodeUnavailable, "event bus is closed")
	}

	sub := &subscription{
		id:      types.GenerateID(),
		filter:  filter,
		handler: handler,
		ch:      make(chan Event, b.subSize),
	}
	b.subscriptions[sub.id] = sub

	b.subWg.Add(1)
	go func() {
		defer b.subWg.Done()
		for ev := range sub.ch {
			sub.handler(ev)
		}
	}()

	b.logger.Debug("Subscription created",
		"subscription_id", sub.id,
		"channel", filter.Channel,
		"name", filter.Name)

	return sub.id, nil
}

// Unsubscribe removes a subscription
func (b *Bus) Unsubscribe(subID types.ID) error {
	b.mu.Lock()
	sub, ok := b.subscriptions[subID]
	if !ok {
		b.mu.Unlock()
		return types.NewError(types.ErrCodeNotFound, "subscription not found: "+subID.String())
	}
	delete(b.subscriptions, subID)
	b.mu.Unlock()

	// Dispatch sends hold the read lock, so no send can race this close.
	close(sub.ch)
	return nil
}

// Publish enqueues an event for delivery. Publishing never blocks the
// connection read pump; if the queue is full the event is dropped and
// counted.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case b.publishCh <- ev:
	default:
		b.dropped.Add(1)
		b.logger.Warn("Event queue full, dropping event",
			"channel", ev.Channel,
			"name", ev.Name)
	}
}

// publishWorker drains the queue and fans events out
func (b *Bus) publishWorker() {
	defer b.workerWg.Done()

	for {
		select {
		case ev := <-b.publishCh:
			b.dispatch(ev)
		case <-b.closeCh:
			for {
				select {
				case ev := <-b.publishCh:
					b.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

// dispatch forwards one event to every matching subscription. A
// subscriber whose buffer is full loses the event rather than stalling
// the worker.
func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscriptions {
		if !sub.filter.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("Subscriber buffer full, dropping event",
				"subscription_id", sub.id,
				"channel", ev.Channel,
				"name", ev.Name)
		}
	}
}

// Subscribers returns the number of active subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

// Dropped returns the number of events discarded due to full queues
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops the bus after draining queued events. Handlers for every
// drained event finish before Close returns.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "event bus already closed")
	}
	b.closed = true
	b.mu.Unlock()

	close(b.closeCh)
	b.workerWg.Wait()

	b.mu.Lock()
	for id, sub := range b.subscriptions {
		close(sub.ch)
		delete(b.subscriptions, id)
	}
	b.mu.Unlock()
	b.subWg.Wait()

	return nil
}
