package models

import (
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

type UserID int64

type RoomID int64

// NoUser is passed as the exclude argument when nobody is excluded from a fanout.
const NoUser UserID = 0

func (u UserID) String() string { return strconv.FormatInt(int64(u), 10) }

func (r RoomID) String() string { return strconv.FormatInt(int64(r), 10) }

// Event type discriminators shared by inbound frames and outbound events.
const (
	TypeJoinRoom        = "join_room"
	TypeLeaveRoom       = "leave_room"
	TypeTyping          = "typing"
	TypeNewMessage      = "new_message"
	TypeMessageDeleted  = "message_deleted"
	TypeMessageReaction = "message_reaction"
	TypeReadReceipt     = "read_receipt"
	TypeUserStatus      = "user_status"
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
)

// IsRelayType reports whether events of this type are fanned out to a room
// with an opaque body.
func IsRelayType(t string) bool {
	switch t {
	case TypeNewMessage, TypeMessageDeleted, TypeMessageReaction, TypeReadReceipt:
		return true
	}
	return false
}

// BroadcastMessage is a pre-encoded room event handed to the hub by the
// notification bus.
type BroadcastMessage struct {
	RoomID  RoomID
	Payload []byte
}

// RoomEnvelope is the minimal shape every room-scoped event carries.
type RoomEnvelope struct {
	Type   string  `json:"type"`
	RoomID *RoomID `json:"room_id"`
}

type UserStatusEvent struct {
	Type     string  `json:"type"`
	UserID   UserID  `json:"user_id"`
	Username string  `json:"username"`
	IsOnline bool    `json:"is_online"`
	LastSeen *string `json:"last_seen,omitempty"`
}

// PresenceView is the REST representation of one user's presence.
type PresenceView struct {
	UserID   UserID   `json:"user_id"`
	Username string   `json:"username,omitempty"`
	IsOnline bool     `json:"is_online"`
	LastSeen *string  `json:"last_seen,omitempty"`
	Rooms    []RoomID `json:"rooms"`
}

// MembershipEvent is sent as user_joined or user_left.
type MembershipEvent struct {
	Type      string `json:"type"`
	UserID    UserID `json:"user_id"`
	Username  string `json:"username"`
	RoomID    RoomID `json:"room_id"`
	Timestamp string `json:"timestamp"`
}

type TypingEvent struct {
	Type   string   `json:"type"`
	RoomID RoomID   `json:"room_id"`
	Users  []string `json:"users"`
}

// NewMessageEvent and the two below are what the REST layer publishes after a
// durable write. The inner bodies are opaque here.
type NewMessageEvent struct {
	Type    string          `json:"type"`
	RoomID  RoomID          `json:"room_id"`
	Message json.RawMessage `json:"message"`
}

type MessageDeletedEvent struct {
	Type      string `json:"type"`
	RoomID    RoomID `json:"room_id"`
	MessageID int64  `json:"message_id"`
}

type MessageReactionEvent struct {
	Type      string          `json:"type"`
	RoomID    RoomID          `json:"room_id"`
	MessageID int64           `json:"message_id"`
	Reaction  json.RawMessage `json:"reaction"`
}

func NewUserStatus(userID UserID, username string, online bool, lastSeen time.Time) UserStatusEvent {
	ev := UserStatusEvent{
		Type:     TypeUserStatus,
		UserID:   userID,
		Username: username,
		IsOnline: online,
	}
	if !online && !lastSeen.IsZero() {
		ts := lastSeen.UTC().Format(time.RFC3339)
		ev.LastSeen = &ts
	}
	return ev
}

func NewMembershipEvent(eventType string, userID UserID, username string, roomID RoomID, at time.Time) MembershipEvent {
	return MembershipEvent{
		Type:      eventType,
		UserID:    userID,
		Username:  username,
		RoomID:    roomID,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}

// StampSender rewrites user_id and username on a relay frame and leaves every
// other field untouched.
func StampSender(raw []byte, userID UserID, username string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	uid, err := json.Marshal(userID)
	if err != nil {
		return nil, err
	}
	name, err := json.Marshal(username)
	if err != nil {
		return nil, err
	}
	fields["user_id"] = uid
	fields["username"] = name
	return json.Marshal(fields)
}
