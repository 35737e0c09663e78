package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/config"
	"chat-realtime/internal/models"
	"chat-realtime/internal/redis"
	"chat-realtime/internal/ws"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/goccy/go-json"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	redisClient, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to initialize Redis", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub(ws.HubOptions{
		AnnouncePresence: cfg.AnnouncePresence,
		TypingTTL:        cfg.TypingTTL,
		Store:            redisClient,
	})
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	go redis.SubscribeToEvents(ctx, redisClient, hub.Broadcast)

	validator := auth.NewValidator(cfg.JWTSecret, cfg.JWTIssuer)
	clientOpts := ws.ClientOptions{BufferSize: cfg.SendBufferSize, SendTimeout: cfg.SendTimeout}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(hub, validator, clientOpts, w, r)
	})

	mux.HandleFunc("/api/online", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"users": hub.OnlineUsers()})
	})

	mux.HandleFunc("GET /api/users/{id}/presence", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid user id", http.StatusBadRequest)
			return
		}
		userID := models.UserID(id)
		st := hub.Status(r.Context(), userID)

		view := models.PresenceView{
			UserID:   userID,
			Username: st.Username,
			IsOnline: st.Online,
			Rooms:    hub.UserRooms(userID),
		}
		if !st.Online && !st.LastSeen.IsZero() {
			ts := st.LastSeen.UTC().Format(time.RFC3339)
			view.LastSeen = &ts
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(view)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	go func() {
		slog.Info("WebSocket server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				return server.Shutdown(ctx)
			},
			"hub": func(ctx context.Context) error {
				cancel()
				select {
				case <-hubDone:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	)

	exitCode := <-wait
	if err := redisClient.Close(); err != nil {
		slog.Warn("Failed to close Redis client", "error", err)
	}
	slog.Info("Server exited", "code", exitCode)
	os.Exit(exitCode)
}
