// Package typing keeps the per-room set of users currently typing. Every
// change yields a full snapshot for the caller to broadcast.
package typing

import (
	"sort"
	"sync"
	"time"

	"chat-realtime/internal/models"
)

type Aggregator struct {
	mu    sync.Mutex
	rooms map[models.RoomID]map[models.UserID]time.Time // value: last "typing" signal
	now   func() time.Time
}

func NewAggregator() *Aggregator {
	return NewAggregatorWithClock(time.Now)
}

// NewAggregatorWithClock is NewAggregator with an injectable clock.
func NewAggregatorWithClock(now func() time.Time) *Aggregator {
	return &Aggregator{
		rooms: make(map[models.RoomID]map[models.UserID]time.Time),
		now:   now,
	}
}

// SetTyping adds or removes userID from roomID's typing set and returns the
// resulting snapshot. Repeating the current state leaves the set unchanged
// but still returns it.
func (a *Aggregator) SetTyping(roomID models.RoomID, userID models.UserID, isTyping bool) []models.UserID {
	a.mu.Lock()
	defer a.mu.Unlock()

	set := a.rooms[roomID]
	if isTyping {
		if set == nil {
			set = make(map[models.UserID]time.Time)
			a.rooms[roomID] = set
		}
		set[userID] = a.now()
	} else if set != nil {
		delete(set, userID)
		if len(set) == 0 {
			delete(a.rooms, roomID)
		}
	}
	return snapshot(a.rooms[roomID])
}

// Typing returns the snapshot for roomID; empty for unknown rooms.
func (a *Aggregator) Typing(roomID models.RoomID) []models.UserID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return snapshot(a.rooms[roomID])
}

// PurgeUser removes userID from every typing set and returns the updated
// snapshot of each room that changed.
func (a *Aggregator) PurgeUser(userID models.UserID) map[models.RoomID][]models.UserID {
	a.mu.Lock()
	defer a.mu.Unlock()

	changed := make(map[models.RoomID][]models.UserID)
	for rid, set := range a.rooms {
		if _, ok := set[userID]; !ok {
			continue
		}
		delete(set, userID)
		if len(set) == 0 {
			delete(a.rooms, rid)
		}
		changed[rid] = snapshot(set)
	}
	return changed
}

// Expire drops entries whose last signal is older than ttl and returns the
// updated snapshot of each room that changed.
func (a *Aggregator) Expire(ttl time.Duration) map[models.RoomID][]models.UserID {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-ttl)
	changed := make(map[models.RoomID][]models.UserID)
	for rid, set := range a.rooms {
		dirty := false
		for uid, at := range set {
			if at.Before(cutoff) {
				delete(set, uid)
				dirty = true
			}
		}
		if !dirty {
			continue
		}
		if len(set) == 0 {
			delete(a.rooms, rid)
		}
		changed[rid] = snapshot(set)
	}
	return changed
}

func snapshot(set map[models.UserID]time.Time) []models.UserID {
	out := make([]models.UserID, 0, len(set))
	for uid := range set {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
