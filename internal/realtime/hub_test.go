package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalPushes"].(int64) != 0 {
		t.Errorf("Expected 0 total pushes, got %v", stats["totalPushes"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:     h,
		agentID: "agt_1",
		send:    make(chan []byte, 64),
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["connectedAgents"].(int) != 1 {
		t.Errorf("Expected 1 connected agent, got %v", stats["connectedAgents"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	if stats["connectedAgents"].(int) != 0 {
		t.Errorf("Expected 0 connected agents after unregister, got %v", stats["connectedAgents"])
	}
}

func TestHub_PushReachesOwnerOnly(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	owner := &Client{hub: h, agentID: "agt_buyer", send: make(chan []byte, 64)}
	other := &Client{hub: h, agentID: "agt_seller", send: make(chan []byte, 64)}

	h.register <- owner
	h.register <- other
	time.Sleep(50 * time.Millisecond)

	h.Push("agt_buyer", []byte(`{"event":"transaction.accepted"}`))

	select {
	case msg := <-owner.send:
		if string(msg) != `{"event":"transaction.accepted"}` {
			t.Errorf("unexpected payload %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("owner never received push")
	}

	select {
	case <-other.send:
		t.Error("push leaked to another agent")
	default:
	}
}

func TestHub_PushFansOutToAllConnections(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	first := &Client{hub: h, agentID: "agt_1", send: make(chan []byte, 64)}
	second := &Client{hub: h, agentID: "agt_1", send: make(chan []byte, 64)}

	h.register <- first
	h.register <- second
	time.Sleep(50 * time.Millisecond)

	h.Push("agt_1", []byte(`{"event":"transaction.delivered"}`))

	for _, client := range []*Client{first, second} {
		select {
		case <-client.send:
		case <-time.After(time.Second):
			t.Fatal("connection missed the push")
		}
	}
}

func TestHub_PushToAbsentAgentIsDropped(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// No connections for this agent; must not block or panic
	h.Push("agt_nobody", []byte(`{}`))
	time.Sleep(50 * time.Millisecond)

	if got := h.Stats()["totalPushes"].(int64); got != 1 {
		t.Errorf("totalPushes = %v, want 1", got)
	}
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Unbuffered send channel with no reader: every push overflows
	slow := &Client{hub: h, agentID: "agt_1", send: make(chan []byte)}
	h.register <- slow
	time.Sleep(50 * time.Millisecond)

	h.Push("agt_1", []byte(`{}`))
	time.Sleep(100 * time.Millisecond)

	if got := h.Stats()["connectedClients"].(int); got != 0 {
		t.Errorf("slow client still connected, got %v clients", got)
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}
