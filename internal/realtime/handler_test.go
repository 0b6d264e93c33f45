package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"blockspace/api/internal/rbac"
)

type stubAuthenticator struct {
	identities map[string]Identity
}

func (s *stubAuthenticator) AuthenticateByToken(_ context.Context, token string) (Identity, error) {
	identity, ok := s.identities[token]
	if !ok {
		return Identity{}, errors.New("invalid token")
	}
	return identity, nil
}

type stubMemberships struct {
	// keyed by userID + "/" + spaceID
	roles map[string]Membership
}

func (s *stubMemberships) GetMembership(_ context.Context, userID, spaceID string) (Membership, bool, error) {
	m, ok := s.roles[userID+"/"+spaceID]
	return m, ok, nil
}

type handlerFixture struct {
	server   *httptest.Server
	registry *Registry
	updater  *fakeBlockUpdater
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	auth := &stubAuthenticator{identities: map[string]Identity{
		"tok-ana": {UserID: "usr_a", Username: "ana"},
		"tok-bo":  {UserID: "usr_b", Username: "bo"},
		"tok-vi":  {UserID: "usr_v", Username: "vi"},
	}}
	memberships := &stubMemberships{roles: map[string]Membership{
		"usr_a/sp_1": {Role: rbac.RoleAdmin, IsCreator: true},
		"usr_b/sp_1": {Role: rbac.RoleParticipant},
		"usr_v/sp_1": {Role: rbac.RoleVisitor},
	}}

	registry := NewRegistry()
	updater := &fakeBlockUpdater{}
	handler := NewHandler(auth, memberships, registry, NewDispatcher(registry, updater))

	router := mux.NewRouter()
	router.Handle("/ws/spaces/{spaceID}", handler)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &handlerFixture{server: server, registry: registry, updater: updater}
}

func (f *handlerFixture) dial(t *testing.T, spaceID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/spaces/" + spaceID + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var event map[string]any
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return event
}

func expectClose(t *testing.T, conn *websocket.Conn, wantCode int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close frame, got %v", err)
	}
	if closeErr.Code != wantCode {
		t.Fatalf("close code: got %d want %d", closeErr.Code, wantCode)
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	f := newHandlerFixture(t)
	conn := f.dial(t, "sp_1", "tok-bogus")
	expectClose(t, conn, CloseAuthenticationFailed)
	if len(f.registry.ListPresence("sp_1")) != 0 {
		t.Fatal("rejected handshakes must not register a session")
	}
}

func TestHandshakeRejectsNonMember(t *testing.T) {
	f := newHandlerFixture(t)
	// ana has no membership in sp_2.
	conn := f.dial(t, "sp_2", "tok-ana")
	expectClose(t, conn, CloseNotMember)
}

func TestHandshakeEstablishesSession(t *testing.T) {
	f := newHandlerFixture(t)
	conn := f.dial(t, "sp_1", "tok-ana")

	event := readEvent(t, conn)
	if event["type"] != EventConnectionEstablished {
		t.Fatalf("unexpected first event: %v", event)
	}
	if event["space_id"] != "sp_1" || event["user_id"] != "usr_a" || event["role"] != "admin" {
		t.Fatalf("unexpected session details: %v", event)
	}
	active, ok := event["active_users"].([]any)
	if !ok || len(active) != 1 {
		t.Fatalf("active_users must include the new session, got %v", event["active_users"])
	}
}

func TestJoinAndLeaveAreAnnounced(t *testing.T) {
	f := newHandlerFixture(t)

	ana := f.dial(t, "sp_1", "tok-ana")
	readEvent(t, ana) // connection_established

	bo := f.dial(t, "sp_1", "tok-bo")
	readEvent(t, bo)

	event := readEvent(t, ana)
	if event["type"] != EventUserJoined || event["user_id"] != "usr_b" {
		t.Fatalf("unexpected event: %v", event)
	}

	bo.Close()
	event = readEvent(t, ana)
	if event["type"] != EventUserLeft || event["user_id"] != "usr_b" {
		t.Fatalf("unexpected event: %v", event)
	}

	deadline := time.Now().Add(time.Second)
	for len(f.registry.ListPresence("sp_1")) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("departed session still registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBlockUpdateFlowsBetweenPeers(t *testing.T) {
	f := newHandlerFixture(t)
	f.updater.block.ID = "blk_1"
	f.updater.block.Content = "live text"

	ana := f.dial(t, "sp_1", "tok-ana")
	readEvent(t, ana)
	bo := f.dial(t, "sp_1", "tok-bo")
	readEvent(t, bo)
	readEvent(t, ana) // bo joined

	if err := ana.WriteJSON(map[string]any{
		"type":     "block_update",
		"block_id": "blk_1",
		"content":  "live text",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	event := readEvent(t, bo)
	if event["type"] != EventBlockUpdated || event["content"] != "live text" || event["updated_by"] != "usr_a" {
		t.Fatalf("unexpected event: %v", event)
	}
}

func TestVisitorEditRefusedOverWire(t *testing.T) {
	f := newHandlerFixture(t)

	vi := f.dial(t, "sp_1", "tok-vi")
	readEvent(t, vi)

	if err := vi.WriteJSON(map[string]any{
		"type":     "block_update",
		"block_id": "blk_1",
		"content":  "sneaky",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	event := readEvent(t, vi)
	if event["type"] != EventError || event["message"] != "insufficient permissions to edit blocks" {
		t.Fatalf("unexpected event: %v", event)
	}

	// The session survives the refusal: a permitted signal still works.
	if err := vi.WriteJSON(map[string]any{
		"type":     "block_selection",
		"block_id": "blk_1",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(f.registry.ListPresence("sp_1")) != 1 {
		t.Fatal("refused visitor must stay connected")
	}
}
