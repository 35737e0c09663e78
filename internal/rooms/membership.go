// Package rooms holds room subscriptions independent of connection state.
package rooms

import (
	"sort"
	"sync"

	"chat-realtime/internal/models"
)

// Table tracks membership with a forward index (room -> users) for fanout and
// a reverse index (user -> rooms) so a disconnect purge only touches the
// user's own rooms.
type Table struct {
	mu    sync.RWMutex
	rooms map[models.RoomID]map[models.UserID]struct{}
	users map[models.UserID]map[models.RoomID]struct{}
}

func NewTable() *Table {
	return &Table{
		rooms: make(map[models.RoomID]map[models.UserID]struct{}),
		users: make(map[models.UserID]map[models.RoomID]struct{}),
	}
}

// Join adds userID to roomID. It reports whether the user was newly added.
func (t *Table) Join(userID models.UserID, roomID models.RoomID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	members := t.rooms[roomID]
	if members == nil {
		members = make(map[models.UserID]struct{})
		t.rooms[roomID] = members
	}
	if _, ok := members[userID]; ok {
		return false
	}
	members[userID] = struct{}{}

	joined := t.users[userID]
	if joined == nil {
		joined = make(map[models.RoomID]struct{})
		t.users[userID] = joined
	}
	joined[roomID] = struct{}{}
	return true
}

// Leave removes userID from roomID and reports whether it was a member.
func (t *Table) Leave(userID models.UserID, roomID models.RoomID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(userID, roomID)
}

func (t *Table) removeLocked(userID models.UserID, roomID models.RoomID) bool {
	members, ok := t.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := members[userID]; !ok {
		return false
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(t.rooms, roomID)
	}
	if joined, ok := t.users[userID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(t.users, userID)
		}
	}
	return true
}

// MembersOf returns a sorted snapshot of the room's members. Unknown rooms
// yield an empty slice.
func (t *Table) MembersOf(roomID models.RoomID) []models.UserID {
	t.mu.RLock()
	members := t.rooms[roomID]
	out := make([]models.UserID, 0, len(members))
	for uid := range members {
		out = append(out, uid)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *Table) IsMember(userID models.UserID, roomID models.RoomID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.rooms[roomID][userID]
	return ok
}

// RoomsOf returns a sorted snapshot of the rooms userID has joined.
func (t *Table) RoomsOf(userID models.UserID) []models.RoomID {
	t.mu.RLock()
	joined := t.users[userID]
	out := make([]models.RoomID, 0, len(joined))
	for rid := range joined {
		out = append(out, rid)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PurgeUser removes userID from every room and returns the rooms it left.
// Other members and the rooms themselves are kept.
func (t *Table) PurgeUser(userID models.UserID) []models.RoomID {
	t.mu.Lock()
	defer t.mu.Unlock()

	joined := t.users[userID]
	affected := make([]models.RoomID, 0, len(joined))
	for rid := range joined {
		affected = append(affected, rid)
	}
	for _, rid := range affected {
		t.removeLocked(userID, rid)
	}

	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })
	return affected
}
