package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"chat-realtime/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
)

const (
	roomChannelPrefix = "room:"
	presenceKeyPrefix = "presence:"
)

type Client struct {
	rdb *redis.Client
}

func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	slog.Info("Connected to Redis")
	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Publish helpers used by the REST layer once a write has committed.

func (c *Client) PublishNewMessage(ctx context.Context, roomID models.RoomID, message any) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.publishEvent(ctx, roomID, models.NewMessageEvent{
		Type:    models.TypeNewMessage,
		RoomID:  roomID,
		Message: body,
	})
}

func (c *Client) PublishMessageDeleted(ctx context.Context, roomID models.RoomID, messageID int64) error {
	return c.publishEvent(ctx, roomID, models.MessageDeletedEvent{
		Type:      models.TypeMessageDeleted,
		RoomID:    roomID,
		MessageID: messageID,
	})
}

// PublishMessageReaction announces a toggled reaction; a nil reaction means
// it was removed.
func (c *Client) PublishMessageReaction(ctx context.Context, roomID models.RoomID, messageID int64, reaction any) error {
	body, err := json.Marshal(reaction)
	if err != nil {
		return fmt.Errorf("encode reaction: %w", err)
	}
	return c.publishEvent(ctx, roomID, models.MessageReactionEvent{
		Type:      models.TypeMessageReaction,
		RoomID:    roomID,
		MessageID: messageID,
		Reaction:  body,
	})
}

func (c *Client) publishEvent(ctx context.Context, roomID models.RoomID, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("[REDIS] Failed to marshal event", "room", roomID, "error", err)
		return err
	}

	channel := roomChannelPrefix + roomID.String()
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		slog.Error("[REDIS] Failed to publish event", "channel", channel, "error", err)
		return err
	}

	return nil
}

// MarkOnline records userID as online in the presence hash.
func (c *Client) MarkOnline(ctx context.Context, userID models.UserID, username string) error {
	key := presenceKeyPrefix + userID.String()
	return c.rdb.HSet(ctx, key, map[string]interface{}{
		"online":   "1",
		"username": username,
	}).Err()
}

// MarkOffline records userID as offline along with its last-seen time.
func (c *Client) MarkOffline(ctx context.Context, userID models.UserID, lastSeen time.Time) error {
	key := presenceKeyPrefix + userID.String()
	return c.rdb.HSet(ctx, key, map[string]interface{}{
		"online":    "0",
		"last_seen": lastSeen.UTC().Format(time.RFC3339),
	}).Err()
}

// LastSeen reads the recorded last-seen time; ok is false when none exists.
func (c *Client) LastSeen(ctx context.Context, userID models.UserID) (time.Time, bool, error) {
	v, err := c.rdb.HGet(ctx, presenceKeyPrefix+userID.String(), "last_seen").Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last_seen %q: %w", v, err)
	}
	return ts, true, nil
}

func parseRoomChannel(channel string) (models.RoomID, error) {
	if len(channel) <= len(roomChannelPrefix) || channel[:len(roomChannelPrefix)] != roomChannelPrefix {
		return 0, fmt.Errorf("unexpected channel %q", channel)
	}
	id, err := strconv.ParseInt(channel[len(roomChannelPrefix):], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected channel %q: %w", channel, err)
	}
	return models.RoomID(id), nil
}
