package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"codecollab-server/config"
	"codecollab-server/domain"
	"codecollab-server/hub"
	"codecollab-server/persistence"
	"codecollab-server/protocol"
	"codecollab-server/signaling"
	ws "codecollab-server/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	if err := config.LoadDotenv(); err != nil {
		slog.Warn("ignoring .env file", "error", err)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	store, err := persistence.Open(ctx, persistence.Options{
		Driver:         cfg.StoreDriver,
		BoltPath:       cfg.BoltPath,
		MongoURI:       cfg.MongoURI,
		MongoDB:        cfg.MongoDB,
		PostgresURL:    cfg.PostgresURL,
		RedisAddr:      cfg.RedisAddr,
		ConnectRetries: 5,
	})
	cancel()
	if err != nil {
		slog.Error("snapshot store unavailable", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	snapshots := persistence.NewService(store, persistence.Config{Keep: cfg.SnapshotKeep, Retries: 3})
	rooms := hub.New(snapshots, hub.Config{
		SnapshotInterval: cfg.SnapshotInterval,
		EvictionGrace:    cfg.EvictionGrace,
		AwarenessTimeout: cfg.AwarenessTimeout,
	})

	var auth domain.Authenticator = protocol.AllowAll{}
	if cfg.AuthToken != "" {
		auth = protocol.StaticToken(cfg.AuthToken)
	}
	handler := protocol.NewHandler(rooms, signaling.New(), auth)

	router := mux.NewRouter()
	router.HandleFunc("/ws", wsHandler(handler, cfg.HeartbeatInterval))
	router.HandleFunc("/health", healthHandler(store)).Methods(http.MethodGet)
	router.HandleFunc("/stats", statsHandler(rooms)).Methods(http.MethodGet)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	if cfg.MDNSEnabled {
		port, _ := strconv.Atoi(cfg.Port)
		mdns, err := zeroconf.Register("codecollab", "_codecollab._tcp", "local.", port, []string{"path=/ws"}, nil)
		if err != nil {
			slog.Warn("mdns advertisement failed", "error", err)
		} else {
			slog.Info("advertising on mdns", "service", "_codecollab._tcp")
			defer mdns.Shutdown()
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("server shutting down")
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	if err := rooms.Shutdown(ctx); err != nil {
		slog.Error("saving rooms failed", "error", err)
	}
}

func setupLogger(level string) {
	l := slog.LevelInfo
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}

func wsHandler(handler *protocol.Handler, heartbeat time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("upgrade error", "error", err)
			return
		}

		wsConn := ws.NewConn(uuid.New().String(), conn, handler, heartbeat)
		wsConn.Start()
	}
}

func healthHandler(store persistence.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := store.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "store": err.Error()})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func statsHandler(rooms *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, clients := rooms.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"rooms": count, "clients": clients})
	}
}
