package ws

import (
	"errors"
	"fmt"

	"chat-realtime/internal/models"
	"chat-realtime/internal/presence"

	"github.com/goccy/go-json"
)

var ErrMalformedFrame = errors.New("malformed frame")

// controlFrame is the inbound shape every client frame is decoded into.
// Relay frames carry more fields; those travel on untouched.
type controlFrame struct {
	Type     string         `json:"type"`
	RoomID   *models.RoomID `json:"room_id"`
	IsTyping bool           `json:"is_typing"`
}

func decodeFrame(raw []byte) (controlFrame, error) {
	var f controlFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return f, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if f.RoomID == nil && isRoomScoped(f.Type) {
		return f, fmt.Errorf("%w: %s without room_id", ErrMalformedFrame, f.Type)
	}
	return f, nil
}

func isRoomScoped(t string) bool {
	switch t {
	case models.TypeJoinRoom, models.TypeLeaveRoom, models.TypeTyping:
		return true
	}
	return models.IsRelayType(t)
}

// HandleFrame routes one inbound frame read by handle. Frames from a handle
// that is no longer the user's registered connection are dropped. Only
// malformed frames produce an error; the caller is expected to close that
// connection.
func (h *Hub) HandleFrame(handle presence.Handle, userID models.UserID, username string, raw []byte) error {
	f, err := decodeFrame(raw)
	if err != nil {
		return err
	}

	if !h.isCurrent(userID, handle) {
		h.logger.Debug("[HUB] Dropping frame from stale connection", "type", f.Type, "user", userID)
		return nil
	}

	switch {
	case f.Type == models.TypeJoinRoom:
		h.JoinRoom(userID, username, *f.RoomID)
		// the connection may have been evicted while the join ran
		if !h.isCurrent(userID, handle) && !h.presence.IsOnline(userID) {
			h.rooms.Leave(userID, *f.RoomID)
		}

	case f.Type == models.TypeLeaveRoom:
		h.LeaveRoom(userID, username, *f.RoomID)

	case f.Type == models.TypeTyping:
		h.SetTyping(userID, *f.RoomID, f.IsTyping)
		if f.IsTyping && !h.isCurrent(userID, handle) {
			h.broadcastTyping(*f.RoomID, h.typing.SetTyping(*f.RoomID, userID, false))
		}

	case models.IsRelayType(f.Type):
		if err := h.Relay(userID, username, *f.RoomID, raw); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}

	default:
		h.logger.Warn("[HUB] Unknown event type", "type", f.Type, "user", userID)
	}
	return nil
}

// isCurrent reports whether handle is the registered connection for userID.
func (h *Hub) isCurrent(userID models.UserID, handle presence.Handle) bool {
	conn, ok := h.presence.Lookup(userID)
	return ok && conn.Handle == handle
}
