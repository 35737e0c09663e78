package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chat-realtime/internal/models"
	"chat-realtime/internal/typing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBrokenPipe = errors.New("broken pipe")

type testEvent struct {
	Type string `json:"type"`
}

type fakeConn struct {
	mu      sync.Mutex
	frames  [][]byte
	failErr error
	closed  bool

	// onSend runs before each delivery, outside mu
	onSend func()
}

func (f *fakeConn) Send(payload []byte) error {
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.frames = append(f.frames, payload)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ofType returns the received frames with the given type discriminator.
func (f *fakeConn) ofType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []map[string]any
	for _, raw := range f.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

type fakeStore struct {
	mu         sync.Mutex
	online     []models.UserID
	offline    []models.UserID
	offlineErr error
	lastSeen   map[models.UserID]time.Time
}

func (s *fakeStore) MarkOnline(_ context.Context, userID models.UserID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = append(s.online, userID)
	return nil
}

func (s *fakeStore) MarkOffline(_ context.Context, userID models.UserID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = append(s.offline, userID)
	return s.offlineErr
}

func (s *fakeStore) LastSeen(_ context.Context, userID models.UserID) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.lastSeen[userID]
	return ts, ok, nil
}

func (s *fakeStore) offlineFor(userID models.UserID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.offline {
		if id == userID {
			n++
		}
	}
	return n
}

func newTestHub(opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return NewHub(opts)
}

func connectUser(h *Hub, id models.UserID, name string) *fakeConn {
	c := &fakeConn{}
	h.Connect(id, name, c)
	return c
}

func TestHub_ScenarioA_DisconnectedMemberMissesMessage(t *testing.T) {
	h := newTestHub(HubOptions{})
	u1 := connectUser(h, 1, "alice")
	u2 := connectUser(h, 2, "bob")
	h.JoinRoom(1, "alice", 7)
	h.JoinRoom(2, "bob", 7)

	h.Disconnect(1, u1)
	u1.reset()

	n := h.BroadcastToRoom(7, models.NewMessageEvent{Type: models.TypeNewMessage, RoomID: 7, Message: []byte(`{"id":1}`)}, models.NoUser)
	assert.Equal(t, 1, n)
	assert.Len(t, u2.ofType(t, models.TypeNewMessage), 1)
	assert.Empty(t, u1.ofType(t, models.TypeNewMessage))
}

func TestHub_ScenarioB_DisconnectClearsTyping(t *testing.T) {
	h := newTestHub(HubOptions{})
	u1 := connectUser(h, 1, "alice")
	u2 := connectUser(h, 2, "bob")
	h.JoinRoom(1, "alice", 7)
	h.JoinRoom(2, "bob", 7)

	h.SetTyping(1, 7, true)
	snap := u2.ofType(t, models.TypeTyping)
	require.Len(t, snap, 1)
	assert.Equal(t, []any{"alice"}, snap[0]["users"])

	u2.reset()
	h.Disconnect(1, u1)

	snap = u2.ofType(t, models.TypeTyping)
	require.Len(t, snap, 1)
	assert.Empty(t, snap[0]["users"])
	assert.Empty(t, h.TypingUsers(7))
}

func TestHub_ScenarioC_UnknownRoom(t *testing.T) {
	h := newTestHub(HubOptions{})
	u1 := connectUser(h, 1, "alice")

	n := h.BroadcastToRoom(99, models.MessageDeletedEvent{Type: models.TypeMessageDeleted, RoomID: 99, MessageID: 1}, models.NoUser)
	assert.Zero(t, n)
	assert.Empty(t, u1.frames)
}

func TestHub_AtMostOneConnectionPerUser(t *testing.T) {
	h := newTestHub(HubOptions{})
	old := connectUser(h, 1, "alice")
	h.JoinRoom(1, "alice", 7)
	h.SetTyping(1, 7, true)

	cur := connectUser(h, 1, "alice")
	assert.True(t, old.isClosed())
	assert.False(t, cur.isClosed())
	assert.Empty(t, h.TypingUsers(7), "typing flags do not survive a reconnect")

	// the replaced connection's read loop ends later; that must not evict cur
	h.Disconnect(1, old)
	assert.True(t, h.IsOnline(1))
	assert.Equal(t, []models.UserID{1}, h.RoomMembers(7))

	h.BroadcastToRoom(7, testEvent{Type: "ping"}, models.NoUser)
	assert.Len(t, cur.ofType(t, "ping"), 1)
	assert.Empty(t, old.ofType(t, "ping"))
}

func TestHub_DisconnectCascadeCompleteness(t *testing.T) {
	store := &fakeStore{}
	h := newTestHub(HubOptions{AnnouncePresence: true, Store: store})
	u1 := connectUser(h, 1, "alice")
	u2 := connectUser(h, 2, "bob")
	for _, rid := range []models.RoomID{7, 8, 9} {
		h.JoinRoom(1, "alice", rid)
		h.SetTyping(1, rid, true)
	}
	h.JoinRoom(2, "bob", 7)
	u2.reset()

	h.Disconnect(1, u1)

	assert.False(t, h.IsOnline(1))
	for _, rid := range []models.RoomID{7, 8, 9} {
		assert.NotContains(t, h.RoomMembers(rid), models.UserID(1))
		assert.NotContains(t, h.TypingUsers(rid), models.UserID(1))
	}
	assert.Equal(t, []models.UserID{2}, h.RoomMembers(7))

	status := u2.ofType(t, models.TypeUserStatus)
	require.Len(t, status, 1)
	assert.Equal(t, false, status[0]["is_online"])
	assert.EqualValues(t, 1, status[0]["user_id"])
	assert.NotEmpty(t, status[0]["last_seen"])

	assert.Equal(t, []models.UserID{1, 2}, store.online)
	assert.Equal(t, []models.UserID{1}, store.offline)

	// a second disconnect of the same handle is a no-op
	h.Disconnect(1, u1)
	assert.Equal(t, []models.UserID{1}, store.offline)
}

func TestHub_ReconnectDuringCascadeKeepsUserOnline(t *testing.T) {
	store := &fakeStore{}
	h := newTestHub(HubOptions{AnnouncePresence: true, Store: store})
	u1 := connectUser(h, 1, "alice")
	u2 := connectUser(h, 2, "bob")
	h.JoinRoom(1, "alice", 7)
	h.JoinRoom(2, "bob", 7)
	h.SetTyping(1, 7, true)
	u2.reset()

	// alice reconnects while bob receives the typing snapshot of her cleanup
	fresh := &fakeConn{}
	var fired atomic.Bool
	u2.onSend = func() {
		if fired.CompareAndSwap(false, true) {
			h.Connect(1, "alice", fresh)
		}
	}

	h.Disconnect(1, u1)

	require.True(t, fired.Load())
	assert.True(t, h.IsOnline(1))
	assert.Zero(t, store.offlineFor(1))
	for _, ev := range u2.ofType(t, models.TypeUserStatus) {
		if ev["user_id"] == float64(1) {
			assert.Equal(t, true, ev["is_online"])
		}
	}
	assert.Len(t, fresh.ofType(t, models.TypeUserStatus), 1)

	h.BroadcastToAll(testEvent{Type: "ping"})
	assert.Len(t, fresh.ofType(t, "ping"), 1)
}

func TestHub_BroadcastExclusion(t *testing.T) {
	h := newTestHub(HubOptions{})
	u1 := connectUser(h, 1, "alice")
	u2 := connectUser(h, 2, "bob")
	u3 := connectUser(h, 3, "carol")
	outsider := connectUser(h, 4, "dave")
	for _, uid := range []models.UserID{1, 2, 3} {
		h.JoinRoom(uid, "", 7)
	}
	for _, c := range []*fakeConn{u1, u2, u3, outsider} {
		c.reset()
	}

	n := h.BroadcastToRoom(7, testEvent{Type: "custom"}, 2)
	assert.Equal(t, 2, n)
	assert.Len(t, u1.ofType(t, "custom"), 1)
	assert.Empty(t, u2.ofType(t, "custom"))
	assert.Len(t, u3.ofType(t, "custom"), 1)
	assert.Empty(t, outsider.ofType(t, "custom"))
}

func TestHub_OfflineMemberIsSkipped(t *testing.T) {
	h := newTestHub(HubOptions{})
	u1 := connectUser(h, 1, "alice")
	h.JoinRoom(1, "alice", 7)
	// membership without a connection
	h.rooms.Join(5, 7)
	u1.reset()

	assert.Equal(t, 1, h.BroadcastToRoom(7, testEvent{Type: "custom"}, models.NoUser))
	assert.False(t, h.SendToUser(5, testEvent{Type: "custom"}))
	assert.True(t, h.SendToUser(1, testEvent{Type: "custom"}))
	assert.Len(t, u1.ofType(t, "custom"), 2)
}

func TestHub_IdenticalPayloadForAllRecipients(t *testing.T) {
	h := newTestHub(HubOptions{})
	a := connectUser(h, 1, "alice")
	b := connectUser(h, 2, "bob")
	h.JoinRoom(1, "alice", 7)
	h.JoinRoom(2, "bob", 7)
	a.reset()
	b.reset()

	h.BroadcastToRoom(7, models.NewMessageEvent{Type: models.TypeNewMessage, RoomID: 7, Message: []byte(`{"id":9}`)}, models.NoUser)
	require.Len(t, a.frames, 1)
	require.Len(t, b.frames, 1)
	assert.Equal(t, a.frames[0], b.frames[0])
}

func TestHub_DeliveryFailureTriggersCascade(t *testing.T) {
	h := newTestHub(HubOptions{AnnouncePresence: true})
	good := connectUser(h, 1, "alice")
	bad := connectUser(h, 2, "bob")
	h.JoinRoom(1, "alice", 7)
	h.JoinRoom(2, "bob", 7)
	h.JoinRoom(2, "bob", 8)
	good.reset()
	bad.failErr = errBrokenPipe

	n := h.BroadcastToRoom(7, testEvent{Type: "custom"}, models.NoUser)
	assert.Equal(t, 2, n)

	assert.True(t, bad.isClosed())
	assert.False(t, h.IsOnline(2))
	assert.Equal(t, []models.UserID{1}, h.RoomMembers(7))
	assert.Empty(t, h.RoomMembers(8))

	assert.Len(t, good.ofType(t, "custom"), 1)
	offline := good.ofType(t, models.TypeUserStatus)
	require.Len(t, offline, 1)
	assert.EqualValues(t, 2, offline[0]["user_id"])
}

func TestHub_FailuresDuringCascadeAreAlsoCleanedUp(t *testing.T) {
	h := newTestHub(HubOptions{AnnouncePresence: true})
	leaving := connectUser(h, 1, "alice")
	deadA := connectUser(h, 2, "bob")
	deadB := connectUser(h, 3, "carol")
	alive := connectUser(h, 4, "dave")
	deadA.failErr = errBrokenPipe
	deadB.failErr = errBrokenPipe
	alive.reset()

	h.Disconnect(1, leaving)

	assert.Equal(t, []models.UserID{4}, h.OnlineUsers())
	assert.True(t, deadA.isClosed())
	assert.True(t, deadB.isClosed())
	assert.Len(t, alive.ofType(t, models.TypeUserStatus), 3)
}

func TestHub_StoreFailureDoesNotStopCleanup(t *testing.T) {
	store := &fakeStore{offlineErr: errors.New("redis down")}
	h := newTestHub(HubOptions{AnnouncePresence: true, Store: store})
	u1 := connectUser(h, 1, "alice")
	u2 := connectUser(h, 2, "bob")
	h.JoinRoom(1, "alice", 7)
	u2.reset()

	h.Disconnect(1, u1)

	assert.Empty(t, h.RoomMembers(7))
	assert.Len(t, u2.ofType(t, models.TypeUserStatus), 1)
}

func TestHub_JoinLeaveAnnouncements(t *testing.T) {
	h := newTestHub(HubOptions{})
	u1 := connectUser(h, 1, "alice")
	u2 := connectUser(h, 2, "bob")
	h.JoinRoom(1, "alice", 7)
	h.JoinRoom(2, "bob", 7)

	joined := u1.ofType(t, models.TypeUserJoined)
	require.Len(t, joined, 2)
	assert.Equal(t, "bob", joined[1]["username"])
	assert.EqualValues(t, 7, joined[1]["room_id"])

	h.SetTyping(2, 7, true)
	u1.reset()
	h.LeaveRoom(2, "bob", 7)

	assert.Equal(t, []models.UserID{1}, h.RoomMembers(7))
	assert.Empty(t, h.TypingUsers(7))
	assert.Len(t, u1.ofType(t, models.TypeTyping), 1)
	left := u1.ofType(t, models.TypeUserLeft)
	require.Len(t, left, 1)
	assert.EqualValues(t, 2, left[0]["user_id"])
	assert.Empty(t, u2.ofType(t, models.TypeUserLeft))

	// leaving a room not joined announces nothing
	u1.reset()
	h.LeaveRoom(2, "bob", 7)
	assert.Empty(t, u1.frames)
}

func TestHub_TypingRequiresMembership(t *testing.T) {
	h := newTestHub(HubOptions{})
	u1 := connectUser(h, 1, "alice")
	h.JoinRoom(1, "alice", 7)
	u1.reset()

	h.SetTyping(2, 7, true)
	assert.Empty(t, h.TypingUsers(7))
	assert.Empty(t, u1.frames)

	h.SetTyping(1, 7, true)
	h.SetTyping(1, 7, true)
	assert.Equal(t, []models.UserID{1}, h.TypingUsers(7))
	assert.Len(t, u1.ofType(t, models.TypeTyping), 2)

	h.SetTyping(1, 7, false)
	assert.Empty(t, h.TypingUsers(7))
}

func TestHub_ExpireTyping(t *testing.T) {
	h := newTestHub(HubOptions{TypingTTL: time.Second})
	base := time.Now()
	now := base
	h.typing = typing.NewAggregatorWithClock(func() time.Time { return now })

	u1 := connectUser(h, 1, "alice")
	h.JoinRoom(1, "alice", 7)
	h.SetTyping(1, 7, true)
	u1.reset()

	h.ExpireTyping()
	assert.Equal(t, []models.UserID{1}, h.TypingUsers(7))
	assert.Empty(t, u1.frames)

	now = base.Add(2 * time.Second)
	h.ExpireTyping()
	assert.Empty(t, h.TypingUsers(7))
	snap := u1.ofType(t, models.TypeTyping)
	require.Len(t, snap, 1)
	assert.Empty(t, snap[0]["users"])
}

func TestHub_DisconnectUser(t *testing.T) {
	h := newTestHub(HubOptions{})
	u1 := connectUser(h, 1, "alice")
	h.JoinRoom(1, "alice", 7)

	h.DisconnectUser(1)
	assert.True(t, u1.isClosed())
	assert.False(t, h.IsOnline(1))
	assert.Empty(t, h.RoomMembers(7))
	assert.False(t, h.Status(context.Background(), 1).LastSeen.IsZero())

	h.DisconnectUser(1)
	h.DisconnectUser(404)
}

func TestHub_StatusFallsBackToStore(t *testing.T) {
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{lastSeen: map[models.UserID]time.Time{5: seen}}
	h := newTestHub(HubOptions{Store: store})
	ctx := context.Background()

	st := h.Status(ctx, 5)
	assert.False(t, st.Online)
	assert.Equal(t, seen, st.LastSeen)

	assert.True(t, h.Status(ctx, 6).LastSeen.IsZero())

	// in-memory state wins once this process has seen the user
	u5 := connectUser(h, 5, "eve")
	assert.True(t, h.Status(ctx, 5).Online)
	h.Disconnect(5, u5)
	assert.NotEqual(t, seen, h.Status(ctx, 5).LastSeen)
}

func TestHub_UserRooms(t *testing.T) {
	h := newTestHub(HubOptions{})
	connectUser(h, 1, "alice")
	h.JoinRoom(1, "alice", 9)
	h.JoinRoom(1, "alice", 7)

	assert.Equal(t, []models.RoomID{7, 9}, h.UserRooms(1))
	h.LeaveRoom(1, "alice", 9)
	assert.Equal(t, []models.RoomID{7}, h.UserRooms(1))
	assert.Empty(t, h.UserRooms(2))
}

func TestHub_RunRelaysAndClosesOnShutdown(t *testing.T) {
	h := newTestHub(HubOptions{})
	u1 := connectUser(h, 1, "alice")
	h.JoinRoom(1, "alice", 7)
	u1.reset()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	h.Broadcast <- &models.BroadcastMessage{RoomID: 7, Payload: []byte(`{"type":"new_message","room_id":7}`)}
	assert.Eventually(t, func() bool {
		return len(u1.ofType(t, models.TypeNewMessage)) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, u1.isClosed())
}

func TestHub_ConcurrentLifecycles(t *testing.T) {
	h := newTestHub(HubOptions{AnnouncePresence: true})
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(uid models.UserID) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				c := &fakeConn{}
				h.Connect(uid, "user", c)
				h.JoinRoom(uid, "user", 7)
				h.SetTyping(uid, 7, true)
				h.BroadcastToRoom(7, testEvent{Type: "custom"}, uid)
				h.Disconnect(uid, c)
			}
		}(models.UserID(i))
	}
	wg.Wait()

	assert.Empty(t, h.OnlineUsers())
	assert.Empty(t, h.RoomMembers(7))
	assert.Empty(t, h.TypingUsers(7))
}
