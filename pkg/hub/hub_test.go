package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canvaslink/relay/internal/config"
	"github.com/canvaslink/relay/internal/logger"
	"github.com/canvaslink/relay/pkg/channel"
	"github.com/canvaslink/relay/pkg/events"
	"github.com/canvaslink/relay/pkg/protocol"
	"github.com/canvaslink/relay/pkg/router"
	"github.com/canvaslink/relay/pkg/types"
)

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		HeartbeatInterval: 100 * time.Millisecond,
		PongWait:          2 * time.Second,
		WriteWait:         time.Second,
		MaxMessageSize:    1 << 20,
		SendQueueSize:     16,
		DefaultTimeout:    time.Second,
	}
}

// testHub wires a hub behind an httptest server with a client dialer
type testHub struct {
	hub      *Hub
	registry *channel.Registry
	bus      *events.Bus
	server   *httptest.Server
}

func newTestHub(t *testing.T, maxConns int) *testHub {
	t.Helper()
	return newTestHubWithConfig(t, testRelayConfig(), maxConns)
}

func newTestHubWithConfig(t *testing.T, cfg config.RelayConfig, maxConns int) *testHub {
	t.Helper()
	log, err := logger.NewDefault()
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	reg := channel.New(log)
	bus := events.New(config.EventConfig{QueueSize: 64, SubscriberSize: 8}, log)
	h := New(cfg, config.ServerConfig{MaxConnections: maxConns}, reg, bus, log)
	ts := httptest.NewServer(h)

	th := &testHub{hub: h, registry: reg, bus: bus, server: ts}
	t.Cleanup(func() {
		ts.Close()
		h.Close()
		bus.Close()
	})
	return th
}

func (th *testHub) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(th.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) *protocol.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	f, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Received undecodable frame: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, ws *websocket.Conn, f *protocol.Frame) {
	t.Helper()
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
}

// join runs the handshake and asserts the ack
func join(t *testing.T, ws *websocket.Conn, channelName string) {
	t.Helper()
	writeFrame(t, ws, &protocol.Frame{Type: protocol.FrameJoin, Channel: channelName})

	ack := readFrame(t, ws)
	if ack.Type != protocol.FrameJoin || ack.Channel != channelName {
		t.Fatalf("Unexpected handshake reply: %+v", ack)
	}
	if ack.Error != nil {
		t.Fatalf("Join rejected: %+v", ack.Error)
	}
}

// waitUntil polls cond until it holds or the deadline passes
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestJoinHandshake(t *testing.T) {
	th := newTestHub(t, 0)
	ws := th.dial(t)

	join(t, ws, "design-session")

	if !th.registry.Exists("design-session") {
		t.Error("Channel should exist after handshake")
	}
	waitUntil(t, "connection tracked", func() bool { return th.hub.ConnCount() == 1 })

	members := th.registry.MembersOf("design-session")
	if len(members) != 1 {
		t.Fatalf("Expected 1 member, got %d", len(members))
	}
	c, ok := th.hub.Connection(members[0])
	if !ok {
		t.Fatal("Member connection not tracked by hub")
	}
	if c.State() != types.ConnOpen {
		t.Errorf("Expected OPEN after handshake, got %s", c.State())
	}
}

func TestCommandResponseRoundTrip(t *testing.T) {
	th := newTestHub(t, 0)
	ws := th.dial(t)
	join(t, ws, "default")

	// The plugin side answers the one command it receives.
	go func() {
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := protocol.Decode(data)
		if err != nil || cmd.Type != protocol.FrameCommand {
			return
		}
		reply := protocol.NewResponse(cmd.ID, json.RawMessage(`{"nodeId":"r1"}`))
		data, _ = reply.Encode()
		_ = ws.WriteMessage(websocket.TextMessage, data)
	}()

	targets := th.registry.MembersOf("default")
	result, err := th.hub.Router().Send(context.Background(), router.Command{
		Name:    "create_rectangle",
		Channel: "default",
		Params:  json.RawMessage(`{"x":0,"y":0,"w":100,"h":50}`),
	}, targets, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if string(result) != `{"nodeId":"r1"}` {
		t.Errorf("Unexpected result: %s", result)
	}
}

func TestHandshakeRejectsNonJoinFirstFrame(t *testing.T) {
	th := newTestHub(t, 0)
	ws := th.dial(t)

	writeFrame(t, ws, &protocol.Frame{Type: protocol.FramePing})

	// The server drops the connection without admitting it to a channel.
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	waitUntil(t, "connection torn down", func() bool { return th.hub.ConnCount() == 0 })
	if th.registry.Count() != 0 {
		t.Error("No channel should have been created")
	}
}

func TestHandshakeRejectsMalformedFrame(t *testing.T) {
	th := newTestHub(t, 0)
	ws := th.dial(t)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{not json`)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	waitUntil(t, "connection torn down", func() bool { return th.hub.ConnCount() == 0 })
}

func TestJoinRejectEmptyChannel(t *testing.T) {
	th := newTestHub(t, 0)
	ws := th.dial(t)

	// A join with an empty channel fails frame validation, so the
	// handshake never reaches the registry.
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","channel":""}`)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	waitUntil(t, "connection torn down", func() bool { return th.hub.ConnCount() == 0 })
	if th.registry.Count() != 0 {
		t.Error("No channel should have been created")
	}
}

func TestRejoinSwitchesChannel(t *testing.T) {
	th := newTestHub(t, 0)
	ws := th.dial(t)

	join(t, ws, "first")
	join(t, ws, "second")

	waitUntil(t, "channel switch", func() bool {
		return !th.registry.Exists("first") && th.registry.Exists("second")
	})
}

func TestApplicationPingGetsPong(t *testing.T) {
	th := newTestHub(t, 0)
	ws := th.dial(t)
	join(t, ws, "default")

	writeFrame(t, ws, &protocol.Frame{Type: protocol.FramePing})

	pong := readFrame(t, ws)
	if pong.Type != protocol.FramePong {
		t.Errorf("Expected pong, got %s", pong.Type)
	}
}

func TestEventReachesBus(t *testing.T) {
	th := newTestHub(t, 0)

	var mu sync.Mutex
	var got []events.Event
	if _, err := th.bus.Subscribe(events.Filter{Channel: "default"}, func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ws := th.dial(t)
	join(t, ws, "default")

	writeFrame(t, ws, &protocol.Frame{
		Type:   protocol.FrameEvent,
		Name:   "selection_changed",
		Params: json.RawMessage(`{"nodes":["n1","n2"]}`),
	})

	waitUntil(t, "event delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Name != "selection_changed" || got[0].Channel != "default" {
		t.Errorf("Unexpected event: %+v", got[0])
	}
	if got[0].Source.IsEmpty() {
		t.Error("Event should carry its source connection id")
	}
}

func TestDisconnectCleansUp(t *testing.T) {
	th := newTestHub(t, 0)
	ws := th.dial(t)
	join(t, ws, "ephemeral")

	ws.Close()

	waitUntil(t, "connection cleanup", func() bool { return th.hub.ConnCount() == 0 })
	waitUntil(t, "channel eviction", func() bool { return !th.registry.Exists("ephemeral") })
}

func TestDeadPeerTornDownAfterMissedPongs(t *testing.T) {
	cfg := testRelayConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.PongWait = 200 * time.Millisecond
	th := newTestHubWithConfig(t, cfg, 0)

	ws := th.dial(t)
	// Swallow server pings so no pongs go back, like a hung plugin
	// whose socket is still up.
	ws.SetPingHandler(func(string) error { return nil })
	join(t, ws, "stalled")

	// Control frames are only processed while reading, so keep reading
	// until the server gives up on us.
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	waitUntil(t, "dead peer teardown", func() bool { return th.hub.ConnCount() == 0 })
	waitUntil(t, "channel eviction", func() bool { return !th.registry.Exists("stalled") })
}

func TestMalformedFrameAfterJoinClosesConnection(t *testing.T) {
	th := newTestHub(t, 0)
	ws := th.dial(t)
	join(t, ws, "default")

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{not json`)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	// The server notifies the peer before dropping it.
	notice := readFrame(t, ws)
	if notice.Type != protocol.FrameEvent || notice.Name != "protocol_error" {
		t.Fatalf("Expected protocol_error notice, got %+v", notice)
	}
	if notice.Error == nil || notice.Error.Kind != types.ErrCodeProtocolViolation {
		t.Fatalf("Notice should carry a PROTOCOL_VIOLATION error, got %+v", notice.Error)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	waitUntil(t, "connection torn down", func() bool { return th.hub.ConnCount() == 0 })
	waitUntil(t, "channel eviction", func() bool { return !th.registry.Exists("default") })
}

func TestCommandFromPluginRejected(t *testing.T) {
	th := newTestHub(t, 0)
	ws := th.dial(t)
	join(t, ws, "default")

	// Commands flow toward plugins, never from them.
	writeFrame(t, ws, &protocol.Frame{
		Type: protocol.FrameCommand,
		ID:   "1",
		Name: "create_rectangle",
	})

	reply := readFrame(t, ws)
	if reply.Type != protocol.FrameResponse || reply.ID != "1" {
		t.Fatalf("Expected error response for id 1, got %+v", reply)
	}
	if reply.Error == nil || reply.Error.Kind != types.ErrCodeProtocolViolation {
		t.Fatalf("Expected PROTOCOL_VIOLATION, got %+v", reply.Error)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	waitUntil(t, "connection torn down", func() bool { return th.hub.ConnCount() == 0 })
}

func TestDisconnectFailsInFlightRequests(t *testing.T) {
	th := newTestHub(t, 0)
	ws := th.dial(t)
	join(t, ws, "default")

	targets := th.registry.MembersOf("default")
	errCh := make(chan error, 1)
	go func() {
		_, err := th.hub.Router().Send(context.Background(), router.Command{
			Name:    "export_node_as_image",
			Channel: "default",
		}, targets, time.Now().Add(10*time.Second))
		errCh <- err
	}()

	// The plugin reads the command and drops the socket instead of
	// answering.
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	ws.Close()

	select {
	case err := <-errCh:
		if !types.IsErrCode(err, types.ErrCodeConnectionLost) {
			t.Errorf("Expected CONNECTION_LOST, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not resolve after disconnect")
	}
}

func TestConnectionLimit(t *testing.T) {
	th := newTestHub(t, 1)
	ws := th.dial(t)
	join(t, ws, "default")

	url := "ws" + strings.TrimPrefix(th.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Second dial should be rejected at the limit")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 rejection, got %+v", resp)
	}
}

func TestCloseRejectsNewConnections(t *testing.T) {
	log, err := logger.NewDefault()
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	reg := channel.New(log)
	bus := events.New(config.EventConfig{QueueSize: 8, SubscriberSize: 8}, log)
	t.Cleanup(func() { bus.Close() })

	h := New(testRelayConfig(), config.ServerConfig{}, reg, bus, log)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := h.Close(); err == nil {
		t.Error("Second close should fail")
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial should fail after close")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 rejection, got %+v", resp)
	}
}

func TestStatsCountFrames(t *testing.T) {
	th := newTestHub(t, 0)
	ws := th.dial(t)
	join(t, ws, "default")

	writeFrame(t, ws, &protocol.Frame{Type: protocol.FramePing})
	readFrame(t, ws) // pong

	stats := th.hub.Stats()
	if stats.ActiveConns != 1 {
		t.Errorf("Expected 1 active connection, got %d", stats.ActiveConns)
	}
	if stats.Channels != 1 {
		t.Errorf("Expected 1 channel, got %d", stats.Channels)
	}
	if stats.FramesIn < 2 {
		t.Errorf("Expected at least 2 inbound frames, got %d", stats.FramesIn)
	}
	if stats.FramesOut < 2 {
		t.Errorf("Expected at least 2 outbound frames, got %d", stats.FramesOut)
	}
}
