package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canvaslink/relay/internal/logger"
	"github.com/canvaslink/relay/pkg/events"
	"github.com/canvaslink/relay/pkg/protocol"
	"github.com/canvaslink/relay/pkg/types"
)

// Conn is one persistent plugin connection.
//
// Lifecycle: CONNECTING on accept, OPEN once the join handshake
// completes, CLOSING while queued writes drain, CLOSED terminal. The
// cleanup obligations (leave channel, fail in-flight requests, release
// the socket) run exactly once, on entering CLOSED.
type Conn struct {
	id  types.ID
	hub *Hub
	ws  *websocket.Conn

	mu           sync.RWMutex
	state        types.ConnState
	lastActivity time.Time

	send      chan *protocol.Frame
	closing   chan struct{} // signals the write pump to drain and exit
	closeOnce sync.Once
	cleanOnce sync.Once

	logger *logger.Logger
}

// newConn wraps an upgraded websocket in a relay connection
func newConn(h *Hub, ws *websocket.Conn) *Conn {
	id := types.GenerateID()
	return &Conn{
		id:           id,
		hub:          h,
		ws:           ws,
		state:        types.ConnConnecting,
		lastActivity: time.Now(),
		send:         make(chan *protocol.Frame, h.cfg.SendQueueSize),
		closing:      make(chan struct{}),
		logger:       h.logger.With("conn_id", id),
	}
}

// ID returns the connection identity
func (c *Conn) ID() types.ID {
	return c.id
}

// State returns the current lifecycle state
func (c *Conn) State() types.ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastActivity returns the time of the last frame or pong from the peer
func (c *Conn) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// touch records peer activity
func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// setState transitions the lifecycle state
func (c *Conn) setState(s types.ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// enqueue queues a frame for the write pump. It fails when the
// connection is going away or the queue is saturated; a peer that cannot
// drain its queue is treated like a dead socket.
func (c *Conn) enqueue(f *protocol.Frame) error {
	select {
	case <-c.closing:
		return types.NewError(types.ErrCodeConnectionLost, "connection is closing")
	default:
	}

	select {
	case c.send <- f:
		return nil
	case <-c.closing:
		return types.NewError(types.ErrCodeConnectionLost, "connection is closing")
	default:
		c.logger.Warn("Send queue full, closing connection")
		c.beginClose()
		return types.NewError(types.ErrCodeConnectionLost, "send queue full")
	}
}

// beginClose moves the connection to CLOSING and signals the write pump
// to drain. Safe to call from any goroutine, any number of times.
func (c *Conn) beginClose() {
	c.closeOnce.Do(func() {
		c.setState(types.ConnClosing)
		close(c.closing)
	})
}

// finishClose runs the CLOSED cleanup obligations exactly once
func (c *Conn) finishClose() {
	c.cleanOnce.Do(func() {
		c.setState(types.ConnClosed)
		c.hub.teardown(c)
		_ = c.ws.Close()
		c.logger.Debug("Connection closed")
	})
}

// readPump reads frames from the socket until the connection dies.
// Runs as the per-connection read goroutine.
func (c *Conn) readPump() {
	defer func() {
		c.beginClose()
		c.finishClose()
	}()

	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Read error", "error", err)
			}
			return
		}
		c.touch()
		c.hub.countFrameIn()

		frame, err := protocol.Decode(data)
		if err != nil {
			// A peer that cannot speak the protocol is not trusted with
			// an open connection.
			c.logger.Warn("Protocol violation", "error", err)
			if c.State() == types.ConnConnecting {
				// Handshake failure goes straight to CLOSED.
				return
			}
			_ = c.enqueue(protocol.NewProtocolViolation(err.Error()))
			return
		}

		if done := c.handleFrame(frame); done {
			return
		}
	}
}

// handleFrame dispatches one validated frame. Returns true when the
// connection should stop reading.
func (c *Conn) handleFrame(f *protocol.Frame) bool {
	switch c.State() {
	case types.ConnConnecting:
		// The handshake admits nothing but a join.
		if f.Type != protocol.FrameJoin {
			c.logger.Warn("Handshake failure: first frame was not a join", "type", f.Type)
			return true
		}
		return c.handleJoin(f, true)

	case types.ConnOpen:
		switch f.Type {
		case protocol.FrameJoin:
			return c.handleJoin(f, false)
		case protocol.FrameResponse:
			// Duplicate and stale replies are dropped inside the router.
			_ = c.hub.router.Resolve(f.ID, f.Result, f.Error)
			return false
		case protocol.FrameEvent:
			c.publishEvent(f)
			return false
		case protocol.FramePing:
			_ = c.enqueue(protocol.NewPong())
			return false
		case protocol.FramePong:
			return false
		default:
			// Plugins answer commands, they do not issue them.
			c.logger.Warn("Protocol violation: unexpected frame from plugin", "type", f.Type)
			_ = c.enqueue(protocol.NewErrorResponse(f.ID, types.ErrCodeProtocolViolation,
				fmt.Sprintf("unexpected %s frame", f.Type)))
			return true
		}

	default:
		// CLOSING or CLOSED: ignore anything still in the pipe.
		return true
	}
}

// handleJoin processes a channel membership request. handshake marks the
// initial join that moves the connection from CONNECTING to OPEN.
func (c *Conn) handleJoin(f *protocol.Frame, handshake bool) bool {
	if err := c.hub.registry.Join(c.id, f.Channel); err != nil {
		c.logger.Warn("Join rejected", "channel", f.Channel, "error", err)
		_ = c.enqueue(protocol.NewJoinReject(f.Channel, types.GetErrorCode(err), err.Error()))
		// A failed handshake tears the connection down.
		return handshake
	}

	if handshake {
		c.setState(types.ConnOpen)
	}
	_ = c.enqueue(protocol.NewJoinAck(f.Channel))

	c.logger.Info("Connection joined channel", "channel", f.Channel, "handshake", handshake)
	return false
}

// publishEvent forwards an unsolicited event frame to the bus, scoped to
// the connection's current channel
func (c *Conn) publishEvent(f *protocol.Frame) {
	name, ok := c.hub.registry.ChannelOf(c.id)
	if !ok {
		c.logger.Warn("Dropping event from channel-less connection", "name", f.Name)
		return
	}
	c.hub.bus.Publish(events.Event{
		Channel: name,
		Name:    f.Name,
		Payload: f.Params,
		Source:  c.id,
	})
}

// writePump writes queued frames and heartbeat pings until the
// connection closes. Runs as the per-connection write goroutine.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.finishClose()
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.writeFrame(frame) {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.beginClose()
				return
			}

		case <-c.closing:
			// Drain in-flight writes before releasing the socket.
			for {
				select {
				case frame := <-c.send:
					if !c.writeFrame(frame) {
						return
					}
				default:
					_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
					_ = c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// writeFrame writes one frame with the configured deadline
func (c *Conn) writeFrame(f *protocol.Frame) bool {
	data, err := f.Encode()
	if err != nil {
		c.logger.Error("Failed to encode frame", "error", err)
		return true
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("Write error", "error", err)
		c.beginClose()
		return false
	}
	c.hub.countFrameOut()
	return true
}
