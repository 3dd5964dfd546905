// Command syncserver runs the authoritative document sync server (spec
// §4.2): it accepts websocket connections, authenticates them, and
// dispatches every subsequent frame through server.AppState.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"docsync/internal/wsconn"
	"docsync/server"
	serverstore "docsync/store/server"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dsn := flag.String("postgres", "postgres://localhost:5432/docsync", "Postgres connection string")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger := createLogger(*debug)
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := serverstore.Open(ctx, *dsn)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer store.Close()
	logger.Info("connected to postgres")

	state := server.NewAppState(store, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", newSyncHandler(state, logger))
	mux.HandleFunc("/healthz", newHealthzHandler(state))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: mux,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting sync server", zap.Int("port", *port))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// newSyncHandler upgrades each incoming request to a websocket and hands it
// to AppState for the lifetime of the connection.
func newSyncHandler(state *server.AppState, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		conn := wsconn.New(ws)

		if err := state.HandleConnection(r.Context(), conn); err != nil {
			logger.Debug("connection closed", zap.Error(err))
		}
	}
}

// healthzResponse is the JSON body served by /healthz: a point-in-time
// snapshot of the registry and store, for the sort of uptime checks the
// original shipped as a standalone monitoring_server example.
type healthzResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Documents   int64  `json:"documents"`
}

func newHealthzHandler(state *server.AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		count, err := state.Store.DocumentCount(ctx)
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(healthzResponse{Status: "degraded"})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthzResponse{
			Status:      "ok",
			Connections: state.Registry.TotalConnections(),
			Documents:   count,
		})
	}
}

func createLogger(debug bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := config.Build()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	return logger
}
