package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"chat-realtime/internal/models"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/rooms"
	"chat-realtime/internal/typing"

	"github.com/goccy/go-json"
)

// PresenceStore mirrors online/offline transitions to durable storage.
type PresenceStore interface {
	MarkOnline(ctx context.Context, userID models.UserID, username string) error
	MarkOffline(ctx context.Context, userID models.UserID, lastSeen time.Time) error
	LastSeen(ctx context.Context, userID models.UserID) (time.Time, bool, error)
}

// HubOptions tunes the hub. The zero value announces nothing and never
// expires typing entries.
type HubOptions struct {
	AnnouncePresence bool
	TypingTTL        time.Duration
	Store            PresenceStore
	Logger           *slog.Logger
}

// Hub owns presence, membership and typing state and fans events out to
// connected users. Every call is safe for concurrent use.
type Hub struct {
	presence *presence.Registry
	rooms    *rooms.Table
	typing   *typing.Aggregator

	// Broadcast receives pre-encoded room events from the notification bus
	Broadcast chan *models.BroadcastMessage

	store            PresenceStore
	announcePresence bool
	typingTTL        time.Duration
	logger           *slog.Logger
	now              func() time.Time
}

// departure is a connection that ended and still needs its cascade run.
type departure struct {
	status presence.Status
}

// failedSend is a recipient whose handle rejected a payload.
type failedSend struct {
	userID models.UserID
	handle presence.Handle
	err    error
}

func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		presence:         presence.NewRegistry(),
		rooms:            rooms.NewTable(),
		typing:           typing.NewAggregator(),
		Broadcast:        make(chan *models.BroadcastMessage, 256),
		store:            opts.Store,
		announcePresence: opts.AnnouncePresence,
		typingTTL:        opts.TypingTTL,
		logger:           logger,
		now:              time.Now,
	}
}

// Run relays bus events and sweeps expired typing entries until ctx is done,
// then closes every live connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("[HUB] Starting hub event loop", "typingTTL", h.typingTTL)

	var sweep <-chan time.Time
	if h.typingTTL > 0 {
		ticker := time.NewTicker(h.typingTTL / 2)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("[HUB] Shutting down, closing connections", "online", h.presence.Count())
			h.closeAll()
			return

		case message := <-h.Broadcast:
			h.logger.Debug("[HUB] Received broadcast message", "room", message.RoomID, "size", len(message.Payload))
			h.BroadcastRawToRoom(message.RoomID, message.Payload, models.NoUser)

		case <-sweep:
			h.ExpireTyping()
		}
	}
}

func (h *Hub) closeAll() {
	for _, uid := range h.presence.ListOnline() {
		if conn, ok := h.presence.Lookup(uid); ok {
			_ = conn.Handle.Close()
		}
	}
}

// Connect registers handle as the user's only connection. A handle that was
// already registered for the user is closed; its own later Disconnect is
// recognized as stale.
func (h *Hub) Connect(userID models.UserID, username string, handle presence.Handle) {
	if prev := h.presence.Connect(userID, username, handle); prev != nil && prev != handle {
		h.logger.Info("[HUB] Replacing existing connection", "user", userID)
		if err := prev.Close(); err != nil {
			h.logger.Warn("[HUB] Failed to close replaced connection", "user", userID, "error", err)
		}
		// typing flags belong to the old session; memberships carry over
		changed := h.typing.PurgeUser(userID)
		for _, rid := range sortedRooms(changed) {
			h.broadcastTyping(rid, changed[rid])
		}
	}
	h.logger.Info("[HUB] Client registered", "user", userID, "userName", username, "online", h.presence.Count())

	if h.store != nil {
		if err := h.store.MarkOnline(context.Background(), userID, username); err != nil {
			h.logger.Error("[HUB] Failed to record online status", "user", userID, "error", err)
		}
	}
	if h.announcePresence {
		h.BroadcastToAll(models.NewUserStatus(userID, username, true, time.Time{}))
	}
}

// Disconnect ends handle's session. It is a no-op when handle is no longer
// the registered connection for userID.
func (h *Hub) Disconnect(userID models.UserID, handle presence.Handle) {
	st, ok := h.presence.DisconnectHandle(userID, handle)
	if !ok {
		h.logger.Debug("[HUB] Ignoring disconnect of stale connection", "user", userID)
		return
	}
	h.cascade([]departure{{status: st}})
}

// DisconnectUser ends whatever connection userID holds. Idempotent.
func (h *Hub) DisconnectUser(userID models.UserID) {
	conn, ok := h.presence.Lookup(userID)
	if !ok {
		return
	}
	st, removed := h.presence.DisconnectHandle(userID, conn.Handle)
	if !removed {
		return
	}
	_ = conn.Handle.Close()
	h.cascade([]departure{{status: st}})
}

// cascade runs the disconnect cleanup for each departure. Fanouts made while
// cleaning up can uncover more dead connections; those are appended and
// processed by the same loop.
func (h *Hub) cascade(pending []departure) {
	for len(pending) > 0 {
		d := pending[0]
		pending = pending[1:]
		uid := d.status.UserID

		var failed []failedSend

		h.cleanupStep(uid, "membership purge", func() error {
			left := h.rooms.PurgeUser(uid)
			h.logger.Debug("[HUB] Purged memberships", "user", uid, "rooms", len(left))
			return nil
		})

		h.cleanupStep(uid, "typing purge", func() error {
			changed := h.typing.PurgeUser(uid)
			for _, rid := range sortedRooms(changed) {
				failed = append(failed, h.fanoutTyping(rid, changed[rid])...)
			}
			return nil
		})

		// a reconnect during the steps above already recorded and announced
		// the user as online
		reconnected := h.presence.IsOnline(uid)
		if reconnected {
			h.logger.Debug("[HUB] User reconnected during cleanup, keeping online status", "user", uid)
		}

		h.cleanupStep(uid, "presence store", func() error {
			if h.store == nil || reconnected {
				return nil
			}
			return h.store.MarkOffline(context.Background(), uid, d.status.LastSeen)
		})

		h.cleanupStep(uid, "presence broadcast", func() error {
			if !h.announcePresence || reconnected {
				return nil
			}
			ev := models.NewUserStatus(uid, d.status.Username, false, d.status.LastSeen)
			payload, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode user_status: %w", err)
			}
			_, f := h.deliver(h.presence.ListOnline(), payload, models.NoUser)
			failed = append(failed, f...)
			return nil
		})

		h.logger.Info("[HUB] Client unregistered", "user", uid, "online", h.presence.Count())
		pending = append(pending, h.evict(failed)...)
	}
}

// cleanupStep runs one cascade step; errors and panics are logged so the
// remaining steps still run.
func (h *Hub) cleanupStep(userID models.UserID, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("[HUB] Cleanup step panicked", "user", userID, "step", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		h.logger.Error("[HUB] Cleanup step failed", "user", userID, "step", name, "error", err)
	}
}

// evict removes recipients whose send failed and returns the departures that
// still need a cascade. A handle that was replaced meanwhile is skipped.
func (h *Hub) evict(failed []failedSend) []departure {
	var out []departure
	for _, f := range failed {
		st, ok := h.presence.DisconnectHandle(f.userID, f.handle)
		if !ok {
			continue
		}
		h.logger.Warn("[HUB] Delivery failed, disconnecting", "user", f.userID, "error", f.err)
		_ = f.handle.Close()
		out = append(out, departure{status: st})
	}
	return out
}

// deliver pushes payload to every connected recipient except exclude. It
// never mutates shared state; failures are returned for eviction.
func (h *Hub) deliver(recipients []models.UserID, payload []byte, exclude models.UserID) (attempted int, failed []failedSend) {
	for _, uid := range recipients {
		if uid == exclude {
			continue
		}
		conn, ok := h.presence.Lookup(uid)
		if !ok {
			continue
		}
		attempted++
		if err := conn.Handle.Send(payload); err != nil {
			failed = append(failed, failedSend{userID: uid, handle: conn.Handle, err: err})
		}
	}
	return attempted, failed
}

// send delivers and then runs one cascade per failed recipient.
func (h *Hub) send(recipients []models.UserID, payload []byte, exclude models.UserID) int {
	attempted, failed := h.deliver(recipients, payload, exclude)
	if len(failed) > 0 {
		h.cascade(h.evict(failed))
	}
	return attempted
}

// SendToUser delivers event to userID if connected and reports whether a
// delivery was attempted. A failed write disconnects that user.
func (h *Hub) SendToUser(userID models.UserID, event any) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("[HUB] Failed to encode event", "user", userID, "error", err)
		return false
	}
	return h.send([]models.UserID{userID}, payload, models.NoUser) > 0
}

// BroadcastToRoom delivers event to every connected member of roomID other
// than exclude and returns how many deliveries were attempted.
func (h *Hub) BroadcastToRoom(roomID models.RoomID, event any, exclude models.UserID) int {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("[HUB] Failed to encode event", "room", roomID, "error", err)
		return 0
	}
	return h.BroadcastRawToRoom(roomID, payload, exclude)
}

// BroadcastRawToRoom is BroadcastToRoom for an already encoded payload.
func (h *Hub) BroadcastRawToRoom(roomID models.RoomID, payload []byte, exclude models.UserID) int {
	members := h.rooms.MembersOf(roomID)
	if len(members) == 0 {
		h.logger.Debug("[HUB] No members in room", "room", roomID)
		return 0
	}
	n := h.send(members, payload, exclude)
	h.logger.Debug("[HUB] Broadcast complete", "room", roomID, "members", len(members), "attempted", n)
	return n
}

// BroadcastToAll delivers event to every connected user.
func (h *Hub) BroadcastToAll(event any) int {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("[HUB] Failed to encode event", "error", err)
		return 0
	}
	return h.send(h.presence.ListOnline(), payload, models.NoUser)
}

// JoinRoom subscribes userID to roomID and announces it to the room.
func (h *Hub) JoinRoom(userID models.UserID, username string, roomID models.RoomID) {
	h.rooms.Join(userID, roomID)
	h.logger.Debug("[HUB] User joined room", "user", userID, "room", roomID)
	h.BroadcastToRoom(roomID, models.NewMembershipEvent(models.TypeUserJoined, userID, username, roomID, h.now()), models.NoUser)
}

// LeaveRoom unsubscribes userID, clears its typing flag there, and announces
// the departure to the remaining members.
func (h *Hub) LeaveRoom(userID models.UserID, username string, roomID models.RoomID) {
	if !h.rooms.Leave(userID, roomID) {
		return
	}
	h.logger.Debug("[HUB] User left room", "user", userID, "room", roomID)

	for _, uid := range h.typing.Typing(roomID) {
		if uid == userID {
			h.broadcastTyping(roomID, h.typing.SetTyping(roomID, userID, false))
			break
		}
	}
	h.BroadcastToRoom(roomID, models.NewMembershipEvent(models.TypeUserLeft, userID, username, roomID, h.now()), models.NoUser)
}

// SetTyping updates userID's typing flag in roomID and broadcasts the
// resulting snapshot. Non-members cannot start typing.
func (h *Hub) SetTyping(userID models.UserID, roomID models.RoomID, isTyping bool) {
	if isTyping && !h.rooms.IsMember(userID, roomID) {
		h.logger.Debug("[HUB] Ignoring typing from non-member", "user", userID, "room", roomID)
		return
	}
	h.broadcastTyping(roomID, h.typing.SetTyping(roomID, userID, isTyping))
}

// ExpireTyping drops typing entries older than the configured TTL.
func (h *Hub) ExpireTyping() {
	if h.typingTTL <= 0 {
		return
	}
	changed := h.typing.Expire(h.typingTTL)
	for _, rid := range sortedRooms(changed) {
		h.broadcastTyping(rid, changed[rid])
	}
}

func (h *Hub) broadcastTyping(roomID models.RoomID, users []models.UserID) {
	failed := h.fanoutTyping(roomID, users)
	if len(failed) > 0 {
		h.cascade(h.evict(failed))
	}
}

func (h *Hub) fanoutTyping(roomID models.RoomID, users []models.UserID) []failedSend {
	names := make([]string, 0, len(users))
	for _, uid := range users {
		if name, ok := h.presence.Username(uid); ok {
			names = append(names, name)
		} else {
			names = append(names, uid.String())
		}
	}
	sort.Strings(names)

	payload, err := json.Marshal(models.TypingEvent{Type: models.TypeTyping, RoomID: roomID, Users: names})
	if err != nil {
		h.logger.Error("[HUB] Failed to encode typing event", "room", roomID, "error", err)
		return nil
	}
	_, failed := h.deliver(h.rooms.MembersOf(roomID), payload, models.NoUser)
	return failed
}

// Relay fans a client-originated relay frame out to its room, stamped with
// the sender's identity.
func (h *Hub) Relay(userID models.UserID, username string, roomID models.RoomID, raw []byte) error {
	payload, err := models.StampSender(raw, userID, username)
	if err != nil {
		return fmt.Errorf("stamp relay frame: %w", err)
	}
	h.BroadcastRawToRoom(roomID, payload, models.NoUser)
	return nil
}

func (h *Hub) IsOnline(userID models.UserID) bool { return h.presence.IsOnline(userID) }

func (h *Hub) OnlineUsers() []models.UserID { return h.presence.ListOnline() }

// Status reports presence for userID. When this process has never seen the
// user go offline, the last-seen time recorded in the store is used.
func (h *Hub) Status(ctx context.Context, userID models.UserID) presence.Status {
	st := h.presence.Status(userID)
	if st.Online || !st.LastSeen.IsZero() || h.store == nil {
		return st
	}
	seen, ok, err := h.store.LastSeen(ctx, userID)
	if err != nil {
		h.logger.Warn("[HUB] Failed to read last seen", "user", userID, "error", err)
		return st
	}
	if ok {
		st.LastSeen = seen
	}
	return st
}

func (h *Hub) UserRooms(userID models.UserID) []models.RoomID { return h.rooms.RoomsOf(userID) }

func (h *Hub) RoomMembers(roomID models.RoomID) []models.UserID { return h.rooms.MembersOf(roomID) }

func (h *Hub) TypingUsers(roomID models.RoomID) []models.UserID { return h.typing.Typing(roomID) }

func sortedRooms(m map[models.RoomID][]models.UserID) []models.RoomID {
	out := make([]models.RoomID, 0, len(m))
	for rid := range m {
		out = append(out, rid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
