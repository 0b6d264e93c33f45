package realtime

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"blockspace/api/internal/rbac"
)

// Close codes clients use to tell "get a new token" apart from "you are
// not allowed in this space".
const (
	CloseAuthenticationFailed = 4001
	CloseNotMember            = 4003
)

// Identity is a resolved bearer credential.
type Identity struct {
	UserID   string
	Username string
}

// TokenAuthenticator validates the credential supplied at handshake time.
type TokenAuthenticator interface {
	AuthenticateByToken(ctx context.Context, token string) (Identity, error)
}

// Membership is the caller's standing in a space.
type Membership struct {
	Role      rbac.Role
	IsCreator bool
}

// MembershipSource resolves a user's membership in a space. The boolean
// is false when the user is not a member.
type MembershipSource interface {
	GetMembership(ctx context.Context, userID, spaceID string) (Membership, bool, error)
}

// Handler upgrades GET /ws/spaces/{spaceID}?token=… and runs the session
// lifecycle: authenticate, authorize, admit, pump messages, evict.
type Handler struct {
	upgrader    websocket.Upgrader
	auth        TokenAuthenticator
	memberships MembershipSource
	registry    *Registry
	dispatcher  *Dispatcher
}

func NewHandler(auth TokenAuthenticator, memberships MembershipSource, registry *Registry, dispatcher *Dispatcher) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		auth:        auth,
		memberships: memberships,
		registry:    registry,
		dispatcher:  dispatcher,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	spaceID := mux.Vars(r)["spaceID"]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		return
	}

	client := newClient(conn)
	client.transition(StateAuthenticating)

	// The token rides a query parameter: not every websocket client can
	// set headers during the handshake.
	identity, err := h.auth.AuthenticateByToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.refuse(client, conn, CloseAuthenticationFailed, "authentication failed")
		return
	}

	client.transition(StateAuthorizing)
	membership, isMember, err := h.memberships.GetMembership(r.Context(), identity.UserID, spaceID)
	if err != nil {
		log.Printf("membership lookup failed for user %s space %s: %v", identity.UserID, spaceID, err)
		h.refuse(client, conn, CloseNotMember, "not a member of this space")
		return
	}
	if !isMember {
		h.refuse(client, conn, CloseNotMember, "not a member of this space")
		return
	}

	client.transition(StateActive)
	go client.writePump(func() { h.registry.Evict(client) })

	sess := h.registry.Admit(client, spaceID, identity.UserID, identity.Username, membership.Role, membership.IsCreator)

	h.registry.SendTo(client, ConnectionEstablished{
		Type:        EventConnectionEstablished,
		SpaceID:     spaceID,
		UserID:      identity.UserID,
		Role:        string(membership.Role),
		ActiveUsers: h.registry.ListPresence(spaceID),
		Timestamp:   timestamp(),
	})

	// Read loop. Any receive error, including the peer closing, ends the
	// session; eviction announces the departure exactly once.
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		h.dispatcher.Dispatch(r.Context(), sess, raw)
	}

	client.transition(StateClosing)
	h.registry.Evict(client)
	client.transition(StateClosed)
}

// refuse closes a connection that never reached the registry.
func (h *Handler) refuse(client *Client, conn Conn, code int, reason string) {
	client.transition(StateClosing)
	if wsConn, ok := conn.(*websocket.Conn); ok {
		deadline := time.Now().Add(writeWait)
		_ = wsConn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	}
	client.close()
	client.transition(StateClosed)
}
