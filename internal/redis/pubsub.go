package redis

import (
	"context"
	"fmt"
	"log/slog"

	"chat-realtime/internal/models"

	"github.com/goccy/go-json"
)

// SubscribeToEvents relays room events published by the REST layer into the
// hub until ctx is cancelled.
func SubscribeToEvents(ctx context.Context, client *Client, broadcast chan<- *models.BroadcastMessage) {
	slog.Info("[REDIS] Starting Redis pub/sub subscription...")

	pubsub := client.rdb.PSubscribe(ctx, roomChannelPrefix+"*")
	defer pubsub.Close()

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		slog.Error("[REDIS] Failed to receive subscription confirmation", "error", err)
		return
	}

	slog.Info("[REDIS] Subscription confirmed, listening for messages...", "pattern", roomChannelPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			slog.Info("[REDIS] Subscription stopped")
			return

		case msg, ok := <-ch:
			if !ok {
				slog.Info("[REDIS] Redis pub/sub channel closed")
				return
			}

			broadcastMsg, err := decodeRoomEvent(msg.Channel, []byte(msg.Payload))
			if err != nil {
				slog.Error("[REDIS] Dropping event", "channel", msg.Channel, "error", err)
				continue
			}

			select {
			case broadcast <- broadcastMsg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// decodeRoomEvent checks a bus payload and wraps it for the hub. The payload
// itself is forwarded verbatim.
func decodeRoomEvent(channel string, payload []byte) (*models.BroadcastMessage, error) {
	roomID, err := parseRoomChannel(channel)
	if err != nil {
		return nil, err
	}

	var env models.RoomEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if !models.IsRelayType(env.Type) {
		return nil, fmt.Errorf("event type %q is not relayable", env.Type)
	}
	if env.RoomID != nil && *env.RoomID != roomID {
		return nil, fmt.Errorf("room_id %d does not match channel %s", *env.RoomID, channel)
	}

	return &models.BroadcastMessage{RoomID: roomID, Payload: payload}, nil
}
