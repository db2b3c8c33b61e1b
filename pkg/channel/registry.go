// Package channel implements the multi-tenant isolation boundary of the
// relay. A channel groups the connections of one creative-application
// session; commands routed to a channel are delivered only to its current
// members.
package channel

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/canvaslink/relay/internal/logger"
	"github.com/canvaslink/relay/pkg/types"
)

// Registry tracks named channels and their member connections.
//
// A connection belongs to at most one channel at a time. Channels are
// created on first join and evicted as soon as the last member leaves;
// channel identity is immutable once set on a connection until an
// explicit leave or rejoin.
type Registry struct {
	mu         sync.RWMutex
	channels   map[string]*entry
	membership map[types.ID]string // connection id -> channel name
	logger     *logger.Logger
}

// entry holds the state of a single channel
type entry struct {
	name      string
	members   map[types.ID]struct{}
	createdAt time.Time
}

// Info describes a channel for the stats surface
type Info struct {
	Name      string    `json:"name"`
	Members   int       `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates a new channel registry
func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Global()
	}
	return &Registry{
		channels:   make(map[string]*entry),
		membership: make(map[types.ID]string),
		logger:     log.With("component", "channel_registry"),
	}
}

// Join adds a connection to the named channel, creating the channel if it
// does not exist. A connection holds at most one membership, so any
// previous membership is removed first. Joining the channel the
// connection is already in is a no-op.
func (r *Registry) Join(connID types.ID, name string) error {
	if connID.IsEmpty() {
		return types.NewError(types.ErrCodeInvalidArgument, "connection id cannot be empty")
	}
	if name == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "channel name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.membership[connID]; ok {
		if current == name {
			return nil
		}
		r.removeLocked(connID, current)
	}

	ch, ok := r.channels[name]
	if !ok {
		ch = &entry{
			name:      name,
			members:   make(map[types.ID]struct{}),
			createdAt: time.Now(),
		}
		r.channels[name] = ch
		r.logger.Debug("Channel created", "channel", name)
	}

	ch.members[connID] = struct{}{}
	r.membership[connID] = name

	r.logger.Debug("Connection joined channel",
		"conn_id", connID,
		"channel", name,
		"members", len(ch.members))

	return nil
}

// Leave removes the connection's membership. The channel is evicted when
// its last member leaves. Leaving with no membership is a no-op.
func (r *Registry) Leave(connID types.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.membership[connID]
	if !ok {
		return
	}
	r.removeLocked(connID, name)
}

// removeLocked removes connID from the named channel and evicts the
// channel if it became empty. Caller holds r.mu.
func (r *Registry) removeLocked(connID types.ID, name string) {
	delete(r.membership, connID)

	ch, ok := r.channels[name]
	if !ok {
		return
	}
	delete(ch.members, connID)

	r.logger.Debug("Connection left channel",
		"conn_id", connID,
		"channel", name,
		"members", len(ch.members))

	if len(ch.members) == 0 {
		delete(r.channels, name)
		r.logger.Debug("Channel evicted", "channel", name)
	}
}

// MembersOf returns a consistent snapshot of the channel's current
// members. The returned slice is a copy; concurrent joins and leaves
// never produce a torn read.
func (r *Registry) MembersOf(name string) []types.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[name]
	if !ok {
		return nil
	}

	members := make([]types.ID, 0, len(ch.members))
	for id := range ch.members {
		members = append(members, id)
	}
	return members
}

// ChannelOf returns the channel the connection currently belongs to
func (r *Registry) ChannelOf(connID types.ID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.membership[connID]
	return name, ok
}

// Exists reports whether the named channel currently has members
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.channels[name]
	return ok
}

// Channels returns a snapshot of all current channels sorted by name
func (r *Registry) Channels() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.channels))
	for _, ch := range r.channels {
		infos = append(infos, Info{
			Name:      ch.name,
			Members:   len(ch.members),
			CreatedAt: ch.createdAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Count returns the number of non-empty channels
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// String returns a string representation of the registry
func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("Registry{Channels: %d, Members: %d}", len(r.channels), len(r.membership))
}
