package ws

import (
	"log/slog"
	"net/http"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/models"
)

// ServeWS authenticates the upgrade request, registers the connection with
// the hub and starts its pumps.
func ServeWS(hub *Hub, validator *auth.Validator, opts ClientOptions, w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	slog.Debug("[WS] New WebSocket connection request", "from", remoteAddr)

	token := auth.ExtractTokenFromRequest(r)
	if token == "" {
		slog.Warn("[WS] No token provided", "from", remoteAddr)
		http.Error(w, "Unauthorized: token required", http.StatusUnauthorized)
		return
	}

	claims, err := validator.ValidateToken(token)
	if err != nil {
		slog.Warn("[WS] Token validation failed", "from", remoteAddr, "error", err)
		http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
		return
	}

	userID := models.UserID(claims.UserID)
	slog.Info("[WS] Token validated successfully", "user", userID, "userName", claims.Username, "from", remoteAddr)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("[WS] Failed to upgrade connection", "user", userID, "error", err)
		return
	}

	client := NewClient(hub, conn, userID, claims.Username, opts)
	slog.Info("[WS] Connection upgraded successfully", "user", userID, "conn", client.id)

	// pumps start first so the write side drains the online announcement
	go client.WritePump()
	hub.Connect(userID, claims.Username, client)
	go client.ReadPump()
}
