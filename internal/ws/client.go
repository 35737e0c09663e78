package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"chat-realtime/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max message size
	maxMessageSize = 512 * 1024 // 512 KB
)

var (
	ErrClosed        = errors.New("connection closed")
	ErrSendQueueFull = errors.New("send queue full")
	ErrSendTimeout   = errors.New("send timed out")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Validate origin against an allow-list from config
		return true
	},
}

// ClientOptions bounds a client's outbound queue.
type ClientOptions struct {
	BufferSize  int
	SendTimeout time.Duration
}

// Client is one websocket connection. It is the presence.Handle the hub
// delivers to.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	id       uuid.UUID
	userID   models.UserID
	userName string

	send        chan []byte
	sendTimeout time.Duration
	done        chan struct{}
	closeOnce   sync.Once

	// set once a close frame has been written to the peer
	closeSent atomic.Bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID models.UserID, userName string, opts ClientOptions) *Client {
	size := opts.BufferSize
	if size <= 0 {
		size = 256
	}
	return &Client{
		hub:         hub,
		conn:        conn,
		id:          uuid.New(),
		userID:      userID,
		userName:    userName,
		send:        make(chan []byte, size),
		sendTimeout: opts.SendTimeout,
		done:        make(chan struct{}),
	}
}

// Send queues payload for the write pump. It waits at most sendTimeout for
// queue space; with no timeout a full queue fails immediately.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if c.sendTimeout <= 0 {
		select {
		case c.send <- payload:
			return nil
		case <-c.done:
			return ErrClosed
		default:
			return ErrSendQueueFull
		}
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

// Close stops the write pump, which closes the socket. Safe to call more
// than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// ReadPump pumps frames from the websocket to the hub
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Disconnect(c.userID, c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("[CLIENT] Unexpected close", "user", c.userID, "conn", c.id, "error", err)
			}
			break
		}

		select {
		case <-c.done:
			slog.Debug("[CLIENT] Connection closed, discarding remaining frames", "user", c.userID, "conn", c.id)
			return
		default:
		}

		if err := c.hub.HandleFrame(c, c.userID, c.userName, message); err != nil {
			slog.Warn("[CLIENT] Rejecting malformed frame", "user", c.userID, "conn", c.id, "error", err)
			c.closeSent.Store(true)
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "malformed frame"),
				time.Now().Add(writeWait))
			break
		}
	}
}

// WritePump pumps queued events from the hub to the websocket
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				slog.Error("[CLIENT] Failed to get writer", "user", c.userID, "conn", c.id, "error", err)
				c.Close()
				return
			}
			if _, err := w.Write(message); err != nil {
				slog.Error("[CLIENT] Failed to write message", "user", c.userID, "conn", c.id, "error", err)
				c.Close()
				return
			}

			if err := w.Close(); err != nil {
				slog.Error("[CLIENT] Failed to close writer", "user", c.userID, "conn", c.id, "error", err)
				c.Close()
				return
			}

		case <-c.done:
			if c.closeSent.CompareAndSwap(false, true) {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			}
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Error("[CLIENT] Failed to send ping", "user", c.userID, "conn", c.id, "error", err)
				c.Close()
				return
			}
		}
	}
}
