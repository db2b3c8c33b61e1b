package channel

import (
	"sync"
	"testing"

	"github.com/canvaslink/relay/internal/logger"
	"github.com/canvaslink/relay/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewDefault()
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return New(log)
}

func TestJoinCreatesChannel(t *testing.T) {
	reg := newTestRegistry(t)

	connID := types.GenerateID()
	if err := reg.Join(connID, "channel-a"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if !reg.Exists("channel-a") {
		t.Error("Channel should exist after join")
	}

	members := reg.MembersOf("channel-a")
	if len(members) != 1 || members[0] != connID {
		t.Errorf("Expected exactly the joining connection, got %v", members)
	}

	name, ok := reg.ChannelOf(connID)
	if !ok || name != "channel-a" {
		t.Errorf("ChannelOf = %q, %v; want channel-a, true", name, ok)
	}
}

func TestJoinRejectsEmptyArguments(t *testing.T) {
	reg := newTestRegistry(t)

	if err := reg.Join("", "channel-a"); err == nil {
		t.Error("Expected error for empty connection id")
	}
	if err := reg.Join(types.GenerateID(), ""); err == nil {
		t.Error("Expected error for empty channel name")
	}
}

func TestJoinSameChannelIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	connID := types.GenerateID()

	if err := reg.Join(connID, "channel-a"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := reg.Join(connID, "channel-a"); err != nil {
		t.Fatalf("Repeated join failed: %v", err)
	}

	if got := len(reg.MembersOf("channel-a")); got != 1 {
		t.Errorf("Expected 1 member after repeated join, got %d", got)
	}
}

func TestJoinMovesConnectionBetweenChannels(t *testing.T) {
	reg := newTestRegistry(t)
	connID := types.GenerateID()

	if err := reg.Join(connID, "channel-a"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := reg.Join(connID, "channel-b"); err != nil {
		t.Fatalf("Second join failed: %v", err)
	}

	if reg.Exists("channel-a") {
		t.Error("Emptied channel should have been evicted")
	}
	if got := len(reg.MembersOf("channel-b")); got != 1 {
		t.Errorf("Expected 1 member in channel-b, got %d", got)
	}

	name, ok := reg.ChannelOf(connID)
	if !ok || name != "channel-b" {
		t.Errorf("ChannelOf = %q, %v; want channel-b, true", name, ok)
	}
}

func TestLeaveEvictsEmptyChannel(t *testing.T) {
	reg := newTestRegistry(t)

	a := types.GenerateID()
	b := types.GenerateID()
	if err := reg.Join(a, "shared"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := reg.Join(b, "shared"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	reg.Leave(a)
	if !reg.Exists("shared") {
		t.Error("Channel with a remaining member should survive")
	}

	reg.Leave(b)
	if reg.Exists("shared") {
		t.Error("Channel should be evicted once the last member leaves")
	}
	if reg.Count() != 0 {
		t.Errorf("Expected 0 channels, got %d", reg.Count())
	}
}

func TestLeaveUnknownConnectionIsNoop(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Leave(types.GenerateID())
	if reg.Count() != 0 {
		t.Errorf("Expected 0 channels, got %d", reg.Count())
	}
}

func TestMembersOfReturnsSnapshot(t *testing.T) {
	reg := newTestRegistry(t)
	connID := types.GenerateID()
	if err := reg.Join(connID, "channel-a"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	members := reg.MembersOf("channel-a")
	reg.Leave(connID)

	// The snapshot taken before the leave must be unaffected.
	if len(members) != 1 {
		t.Errorf("Snapshot changed after leave: %v", members)
	}
	if reg.MembersOf("channel-a") != nil {
		t.Error("Expected nil members for evicted channel")
	}
}

func TestChannelsSortedByName(t *testing.T) {
	reg := newTestRegistry(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Join(types.GenerateID(), name); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}

	infos := reg.Channels()
	if len(infos) != 3 {
		t.Fatalf("Expected 3 channels, got %d", len(infos))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, info := range infos {
		if info.Name != want[i] {
			t.Errorf("Channels()[%d] = %q, want %q", i, info.Name, want[i])
		}
		if info.Members != 1 {
			t.Errorf("Channel %q member count = %d, want 1", info.Name, info.Members)
		}
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	reg := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			connID := types.GenerateID()
			for j := 0; j < 50; j++ {
				if err := reg.Join(connID, "shared"); err != nil {
					t.Errorf("Join failed: %v", err)
					return
				}
				reg.MembersOf("shared")
				reg.Leave(connID)
			}
		}()
	}
	wg.Wait()

	if reg.Count() != 0 {
		t.Errorf("Expected all channels evicted, got %d", reg.Count())
	}
}
