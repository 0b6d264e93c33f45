package realtime

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"blockspace/api/internal/rbac"
)

// Session is the registry's record of one live connection. It exists only
// while the connection is registered and is never persisted.
type Session struct {
	ID          string
	UserID      string
	Username    string
	SpaceID     string
	Role        rbac.Role
	IsCreator   bool
	ConnectedAt time.Time

	client *Client
}

// Registry is the single authority for which sessions are live in which
// space. One mutex guards both maps; a session is in spaces[space] iff it
// has an entry in sessions, and the two are created and removed together.
// Sends happen outside the lock against a snapshot of the recipient set.
type Registry struct {
	mu       sync.Mutex
	spaces   map[string]map[*Client]struct{}
	sessions map[*Client]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		spaces:   make(map[string]map[*Client]struct{}),
		sessions: make(map[*Client]*Session),
	}
}

// Admit registers the connection under the space's presence set and
// announces the arrival to everyone else in the space.
func (r *Registry) Admit(client *Client, spaceID, userID, username string, role rbac.Role, isCreator bool) *Session {
	sess := &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		Username:    username,
		SpaceID:     spaceID,
		Role:        role,
		IsCreator:   isCreator,
		ConnectedAt: time.Now().UTC(),
		client:      client,
	}

	r.mu.Lock()
	set, ok := r.spaces[spaceID]
	if !ok {
		set = make(map[*Client]struct{})
		r.spaces[spaceID] = set
	}
	set[client] = struct{}{}
	r.sessions[client] = sess
	r.mu.Unlock()

	r.Broadcast(spaceID, UserJoined{
		Type:      EventUserJoined,
		UserID:    userID,
		Username:  username,
		Timestamp: timestamp(),
	}, client)

	return sess
}

// Evict removes the session and closes its transport. It is idempotent:
// only the call that performs the present→absent removal announces the
// departure, so double teardown never double-notifies.
func (r *Registry) Evict(client *Client) {
	r.mu.Lock()
	sess, ok := r.sessions[client]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, client)
	if set, ok := r.spaces[sess.SpaceID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(r.spaces, sess.SpaceID)
		}
	}
	r.mu.Unlock()

	client.close()

	r.Broadcast(sess.SpaceID, UserLeft{
		Type:      EventUserLeft,
		UserID:    sess.UserID,
		Username:  sess.Username,
		Timestamp: timestamp(),
	}, nil)
}

// ListPresence returns a snapshot of the space's live sessions. Empty
// slice when nobody is connected.
func (r *Registry) ListPresence(spaceID string) []PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]PresenceEntry, 0, len(r.spaces[spaceID]))
	for client := range r.spaces[spaceID] {
		sess, ok := r.sessions[client]
		if !ok {
			continue
		}
		entries = append(entries, PresenceEntry{
			UserID:      sess.UserID,
			Username:    sess.Username,
			ConnectedAt: sess.ConnectedAt,
		})
	}
	return entries
}

// SendTo unicasts an event. A failed send means the consumer is gone or
// hopelessly behind; either way the session is evicted.
func (r *Registry) SendTo(client *Client, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("marshal unicast event: %v", err)
		return
	}
	if err := client.enqueue(data); err != nil {
		r.Evict(client)
	}
}

// Broadcast serializes the event once and delivers it to every session in
// the space except exclude. Delivery is independent per recipient: one
// failure evicts that recipient and the rest still receive the event.
func (r *Registry) Broadcast(spaceID string, event any, exclude *Client) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("marshal broadcast event: %v", err)
		return
	}

	r.mu.Lock()
	recipients := make([]*Client, 0, len(r.spaces[spaceID]))
	for client := range r.spaces[spaceID] {
		if client == exclude {
			continue
		}
		recipients = append(recipients, client)
	}
	r.mu.Unlock()

	var failed []*Client
	for _, client := range recipients {
		if err := client.enqueue(data); err != nil {
			failed = append(failed, client)
		}
	}
	for _, client := range failed {
		r.Evict(client)
	}
}
