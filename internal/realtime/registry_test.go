package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"blockspace/api/internal/rbac"
)

// fakeConn satisfies Conn without a network. Tests that do not start a
// writePump read queued frames straight from the client's send channel.
type fakeConn struct {
	writeErr error
	writes   chan []byte
	closed   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		writes: make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errSendClosed
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes <- data
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func admitTestSession(reg *Registry, spaceID, userID, username string, role rbac.Role) (*Session, *Client) {
	client := newClient(newFakeConn())
	sess := reg.Admit(client, spaceID, userID, username, role, false)
	return sess, client
}

// nextQueuedEvent pops one frame from the client's send queue.
func nextQueuedEvent(t *testing.T, client *Client) map[string]any {
	t.Helper()
	select {
	case data := <-client.send:
		var event map[string]any
		if err := json.Unmarshal(data, &event); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("no event queued")
		return nil
	}
}

func queuedEventCount(client *Client) int {
	return len(client.send)
}

func TestAdmitBroadcastsUserJoined(t *testing.T) {
	reg := NewRegistry()

	_, first := admitTestSession(reg, "sp_1", "usr_a", "ana", rbac.RoleParticipant)
	if queuedEventCount(first) != 0 {
		t.Fatalf("first session should join an empty space silently, got %d events", queuedEventCount(first))
	}

	_, second := admitTestSession(reg, "sp_1", "usr_b", "bo", rbac.RoleParticipant)

	event := nextQueuedEvent(t, first)
	if event["type"] != EventUserJoined || event["user_id"] != "usr_b" || event["username"] != "bo" {
		t.Fatalf("unexpected join event: %v", event)
	}
	if queuedEventCount(second) != 0 {
		t.Fatalf("joining session must not receive its own join event")
	}
}

func TestListPresenceTracksAdmitAndEvict(t *testing.T) {
	reg := NewRegistry()

	if got := reg.ListPresence("sp_1"); len(got) != 0 {
		t.Fatalf("empty space should list no presence, got %v", got)
	}

	_, a := admitTestSession(reg, "sp_1", "usr_a", "ana", rbac.RoleParticipant)
	admitTestSession(reg, "sp_1", "usr_b", "bo", rbac.RoleParticipant)
	admitTestSession(reg, "sp_2", "usr_c", "cai", rbac.RoleVisitor)

	presence := reg.ListPresence("sp_1")
	if len(presence) != 2 {
		t.Fatalf("expected 2 sessions in sp_1, got %d", len(presence))
	}
	users := map[string]bool{}
	for _, entry := range presence {
		users[entry.UserID] = true
		if entry.ConnectedAt.IsZero() {
			t.Fatal("presence entries must carry a connection timestamp")
		}
	}
	if !users["usr_a"] || !users["usr_b"] {
		t.Fatalf("unexpected presence set: %v", users)
	}

	reg.Evict(a)
	presence = reg.ListPresence("sp_1")
	if len(presence) != 1 || presence[0].UserID != "usr_b" {
		t.Fatalf("expected only usr_b after eviction, got %v", presence)
	}
}

func TestEmptyPresenceSetIsRemoved(t *testing.T) {
	reg := NewRegistry()
	_, a := admitTestSession(reg, "sp_1", "usr_a", "ana", rbac.RoleParticipant)
	reg.Evict(a)

	reg.mu.Lock()
	_, stillIndexed := reg.spaces["sp_1"]
	sessionCount := len(reg.sessions)
	reg.mu.Unlock()

	if stillIndexed {
		t.Fatal("space index must drop a space once its presence set empties")
	}
	if sessionCount != 0 {
		t.Fatalf("expected no session metadata left, got %d", sessionCount)
	}
}

func TestDoubleEvictNotifiesOnce(t *testing.T) {
	reg := NewRegistry()
	_, a := admitTestSession(reg, "sp_1", "usr_a", "ana", rbac.RoleParticipant)
	_, b := admitTestSession(reg, "sp_1", "usr_b", "bo", rbac.RoleParticipant)

	// Drain the join event b's admission queued for a.
	nextQueuedEvent(t, a)

	reg.Evict(b)
	reg.Evict(b)

	event := nextQueuedEvent(t, a)
	if event["type"] != EventUserLeft || event["user_id"] != "usr_b" {
		t.Fatalf("unexpected event: %v", event)
	}
	if queuedEventCount(a) != 0 {
		t.Fatalf("double eviction must notify once, found %d extra events", queuedEventCount(a))
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	reg := NewRegistry()
	_, a := admitTestSession(reg, "sp_1", "usr_a", "ana", rbac.RoleParticipant)
	_, b := admitTestSession(reg, "sp_1", "usr_b", "bo", rbac.RoleParticipant)
	_, c := admitTestSession(reg, "sp_1", "usr_c", "cai", rbac.RoleParticipant)

	// Drain join events.
	nextQueuedEvent(t, a)
	nextQueuedEvent(t, a)
	nextQueuedEvent(t, b)

	reg.Broadcast("sp_1", ErrorEvent{Type: EventError, Message: "ping", Timestamp: timestamp()}, a)

	for _, recipient := range []*Client{b, c} {
		event := nextQueuedEvent(t, recipient)
		if event["type"] != EventError || event["message"] != "ping" {
			t.Fatalf("unexpected event: %v", event)
		}
	}
	if queuedEventCount(a) != 0 {
		t.Fatal("excluded sender must not receive its own broadcast")
	}
}

func TestWriteFailureEvictsOnlyFailedRecipient(t *testing.T) {
	reg := NewRegistry()
	_, a := admitTestSession(reg, "sp_1", "usr_a", "ana", rbac.RoleParticipant)

	failing := newFakeConn()
	failing.writeErr = errSendClosed
	b := newClient(failing)
	reg.Admit(b, "sp_1", "usr_b", "bo", rbac.RoleParticipant, false)
	go b.writePump(func() { reg.Evict(b) })

	nextQueuedEvent(t, a) // b's join

	reg.Broadcast("sp_1", ErrorEvent{Type: EventError, Message: "ping", Timestamp: timestamp()}, nil)

	// a still receives the broadcast.
	event := nextQueuedEvent(t, a)
	if event["message"] != "ping" {
		t.Fatalf("unexpected event: %v", event)
	}

	// b's failed write drives its eviction and a sees the departure.
	event = nextQueuedEvent(t, a)
	if event["type"] != EventUserLeft || event["user_id"] != "usr_b" {
		t.Fatalf("unexpected event: %v", event)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if len(reg.ListPresence("sp_1")) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("failed recipient was not evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendToBacklogEvicts(t *testing.T) {
	reg := NewRegistry()
	_, a := admitTestSession(reg, "sp_1", "usr_a", "ana", rbac.RoleParticipant)

	// No writePump is draining a's queue; fill it past capacity.
	for i := 0; i <= sendBuffer; i++ {
		reg.SendTo(a, ErrorEvent{Type: EventError, Message: "flood", Timestamp: timestamp()})
	}

	if len(reg.ListPresence("sp_1")) != 0 {
		t.Fatal("a stalled consumer must be evicted once its queue overflows")
	}
}
