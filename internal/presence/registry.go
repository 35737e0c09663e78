// Package presence tracks which users hold a live connection.
package presence

import (
	"sort"
	"sync"
	"time"

	"chat-realtime/internal/models"
)

// Handle is the outbound capability of one live connection.
type Handle interface {
	Send(payload []byte) error
	Close() error
}

// Connection is the single active connection registered for a user.
type Connection struct {
	UserID      models.UserID
	Username    string
	Handle      Handle
	ConnectedAt time.Time
}

// Status is the presence view of a user.
type Status struct {
	UserID   models.UserID
	Username string
	Online   bool
	LastSeen time.Time
}

// Registry maps a user id to at most one Connection.
type Registry struct {
	mu       sync.RWMutex
	conns    map[models.UserID]*Connection
	lastSeen map[models.UserID]Status
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[models.UserID]*Connection),
		lastSeen: make(map[models.UserID]Status),
		now:      time.Now,
	}
}

// Connect registers h for userID. Any previous handle is replaced and returned
// so the caller can close it; replaced is nil when the user was offline.
func (r *Registry) Connect(userID models.UserID, username string, h Handle) (replaced Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.conns[userID]; ok {
		replaced = prev.Handle
	}
	r.conns[userID] = &Connection{
		UserID:      userID,
		Username:    username,
		Handle:      h,
		ConnectedAt: r.now(),
	}
	delete(r.lastSeen, userID)
	return replaced
}

// Disconnect removes whatever connection userID holds. It is idempotent; ok is
// false when nothing was registered.
func (r *Registry) Disconnect(userID models.UserID) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(userID)
}

// DisconnectHandle removes the connection for userID only if h is still the
// registered handle. A handle that was already replaced is stale and leaves
// the registry untouched.
func (r *Registry) DisconnectHandle(userID models.UserID, h Handle) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[userID]
	if !ok || conn.Handle != h {
		return Status{}, false
	}
	return r.removeLocked(userID)
}

func (r *Registry) removeLocked(userID models.UserID) (Status, bool) {
	conn, ok := r.conns[userID]
	if !ok {
		return Status{}, false
	}
	delete(r.conns, userID)

	st := Status{
		UserID:   userID,
		Username: conn.Username,
		Online:   false,
		LastSeen: r.now(),
	}
	r.lastSeen[userID] = st
	return st, true
}

// Lookup returns the active connection for userID.
func (r *Registry) Lookup(userID models.UserID) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[userID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

func (r *Registry) IsOnline(userID models.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[userID]
	return ok
}

// ListOnline returns a sorted snapshot of the connected user ids.
func (r *Registry) ListOnline() []models.UserID {
	r.mu.RLock()
	ids := make([]models.UserID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Status reports presence for userID. Users never seen are offline with a
// zero LastSeen.
func (r *Registry) Status(userID models.UserID) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if conn, ok := r.conns[userID]; ok {
		return Status{UserID: userID, Username: conn.Username, Online: true}
	}
	if st, ok := r.lastSeen[userID]; ok {
		return st
	}
	return Status{UserID: userID}
}

// Username returns the display name of a connected user.
func (r *Registry) Username(userID models.UserID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[userID]
	if !ok {
		return "", false
	}
	return conn.Username, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
