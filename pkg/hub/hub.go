// Package hub owns connection identity and lifecycle for the relay. It
// accepts websocket upgrades, runs the join handshake, keeps dead peers
// from holding state via heartbeats, and tears down channel membership
// and in-flight requests when a connection closes.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/canvaslink/relay/internal/config"
	"github.com/canvaslink/relay/internal/logger"
	"github.com/canvaslink/relay/pkg/channel"
	"github.com/canvaslink/relay/pkg/events"
	"github.com/canvaslink/relay/pkg/protocol"
	"github.com/canvaslink/relay/pkg/router"
	"github.com/canvaslink/relay/pkg/types"
)

// Hub accepts and tracks plugin connections
type Hub struct {
	mu     sync.RWMutex
	conns  map[types.ID]*Conn
	closed bool

	cfg      config.RelayConfig
	maxConns int
	upgrader websocket.Upgrader

	registry *channel.Registry
	router   *router.Router
	bus      *events.Bus

	wg     sync.WaitGroup
	logger *logger.Logger

	framesIn  int64
	framesOut int64
}

// Stats represents hub statistics
type Stats struct {
	ActiveConns int            `json:"active_connections"`
	ByState     map[string]int `json:"by_state"`
	Channels    int            `json:"channels"`
	FramesIn    int64          `json:"frames_in"`
	FramesOut   int64          `json:"frames_out"`
	Router      router.Stats   `json:"router"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("Stats{Conns: %d, Channels: %d, In: %d, Out: %d, %s}",
		s.ActiveConns, s.Channels, s.FramesIn, s.FramesOut, s.Router.String())
}

// New creates a hub wired to the given registry and event bus. The hub
// constructs its own router, since it is the router's deliverer.
func New(relayCfg config.RelayConfig, serverCfg config.ServerConfig, reg *channel.Registry, bus *events.Bus, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Global()
	}

	h := &Hub{
		conns:    make(map[types.ID]*Conn),
		cfg:      relayCfg,
		maxConns: serverCfg.MaxConnections,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  serverCfg.ReadBufferSize,
			WriteBufferSize: serverCfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				// Plugins run inside creative applications on the same
				// host; channel names are the tenancy boundary.
				return true
			},
		},
		registry: reg,
		bus:      bus,
		logger:   log.With("component", "hub"),
	}
	h.router = router.New(h, log)
	return h
}

// Router returns the hub's message router
func (h *Hub) Router() *router.Router {
	return h.router
}

// ServeHTTP upgrades an incoming request to a websocket and starts the
// connection pumps. Implements http.Handler for the configured path.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	count := len(h.conns)
	h.mu.RUnlock()

	if closed {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}
	if h.maxConns > 0 && count >= h.maxConns {
		h.logger.Warn("Connection limit reached, rejecting connection",
			"remote_addr", r.RemoteAddr,
			"current_count", count,
			"max_connections", h.maxConns)
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(h, ws)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	h.mu.Unlock()

	h.logger.Debug("Connection accepted",
		"conn_id", c.id,
		"remote_addr", r.RemoteAddr,
		"conn_count", count+1)

	go c.writePump()
	go c.readPump()
}

// Deliver writes a stamped command frame to the identified connection.
// Implements router.Deliverer.
func (h *Hub) Deliver(ctx context.Context, connID types.ID, frame *protocol.Frame) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()

	if !ok {
		return types.NewError(types.ErrCodeConnectionLost, "connection not found: "+connID.String())
	}
	if c.State() != types.ConnOpen {
		return types.NewError(types.ErrCodeConnectionLost,
			fmt.Sprintf("connection %s is %s", connID, c.State()))
	}
	return c.enqueue(frame)
}

// teardown runs the close cleanup for a connection: membership removal,
// in-flight request failure, and deregistration. Invoked exactly once
// per connection, from finishClose.
func (h *Hub) teardown(c *Conn) {
	h.registry.Leave(c.id)
	h.router.FailConnection(c.id)

	h.mu.Lock()
	_, tracked := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()

	if tracked {
		h.wg.Done()
	}
}

// Connection returns the connection with the given id
func (h *Hub) Connection(connID types.ID) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

// ConnCount returns the number of tracked connections
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// countFrameIn increments the inbound frame counter
func (h *Hub) countFrameIn() {
	h.mu.Lock()
	h.framesIn++
	h.mu.Unlock()
}

// countFrameOut increments the outbound frame counter
func (h *Hub) countFrameOut() {
	h.mu.Lock()
	h.framesOut++
	h.mu.Unlock()
}

// Stats returns a snapshot of hub statistics
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	byState := make(map[string]int)
	for _, c := range h.conns {
		byState[c.State().String()]++
	}
	stats := Stats{
		ActiveConns: len(h.conns),
		ByState:     byState,
		FramesIn:    h.framesIn,
		FramesOut:   h.framesOut,
	}
	h.mu.RUnlock()

	stats.Channels = h.registry.Count()
	stats.Router = h.router.Stats()
	return stats
}

// Close stops accepting connections, closes every tracked connection,
// and waits for their cleanup to finish
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "hub already closed")
	}
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.beginClose()
	}
	h.wg.Wait()

	h.logger.Info("Hub closed")
	return nil
}
