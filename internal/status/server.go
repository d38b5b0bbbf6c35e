// Package status exposes the worker's local read-only observability
// surface: a small JSON status endpoint, the prometheus exposition
// endpoint, and a WebSocket stream of activity/log events. It never
// accepts commands — everything here is for a human or dashboard
// watching one worker from the render node it runs on.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	gorillaws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flamenco-io/flamenco-worker/internal/logger"
	statusws "github.com/flamenco-io/flamenco-worker/internal/status/websocket"
)

// Snapshot is the point-in-time worker state served by GET /status.
type Snapshot struct {
	WorkerID      string `json:"worker_id"`
	Status        string `json:"status"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
	QueueSize     int    `json:"queue_size"`
}

// Reporter supplies the data behind GET /status. Satisfied by the
// worker lifecycle Application.
type Reporter interface {
	Snapshot() Snapshot
}

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the worker's local HTTP status surface.
type Server struct {
	addr       string
	httpServer *http.Server
	hub        *statusws.Hub
}

// New builds a Server bound to addr, serving reporter's snapshot at
// /status, prometheus metrics at metricsPath (skipped if empty), and a
// live event stream at /ws.
func New(addr, metricsPath string, reporter Reporter, h *statusws.Hub) *Server {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger())

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, reporter.Snapshot())
	})

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	if metricsPath != "" {
		r.Handle(metricsPath, promhttp.Handler())
	}

	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.WithComponent("status-http").Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		client := statusws.NewClient(h, conn)
		h.Register(client)
		go client.WritePump()
		go client.ReadPump()
	})

	return &Server{
		addr: addr,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		hub: h,
	}
}

// Start runs the HTTP server in the background, logging (but not
// failing the process on) any error other than a clean shutdown.
func (s *Server) Start() {
	log := logger.WithComponent("status-http")
	go func() {
		log.Info().Str("addr", s.addr).Msg("status server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("status server stopped unexpectedly")
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("status-http").Error().Err(err).Msg("failed to encode response")
	}
}
