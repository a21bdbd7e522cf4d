// Package monitor exposes an optional, off-by-default HTTP surface for
// watching a run live: worker FSM state, queue depth, and a push feed
// of state-change events over a gorilla/mux router and a
// gorilla/websocket broadcast loop. It is ops tooling, not part of the
// case-iteration feature set itself.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// WorkerSnapshot is one worker's state as reported by the orchestrator
// at the moment it pushed the update.
type WorkerSnapshot struct {
	Name           string `json:"name"`
	State          string `json:"state"`
	BreakerState   string `json:"breaker_state"`
	InUse          bool   `json:"in_use"`
	CasesCompleted int64  `json:"cases_completed"`
}

// StateChange is one push event broadcast to every connected client.
type StateChange struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Server is the monitor's live state: a snapshot table plus a set of
// websocket subscribers to push it to.
type Server struct {
	mu        sync.RWMutex
	snapshots map[string]WorkerSnapshot

	upgrader  websocket.Upgrader
	clientsMu sync.Mutex
	clients   map[*websocket.Conn]struct{}
	broadcast chan StateChange

	logger *zap.Logger
}

// New builds a Server. Call Publish as the Orchestrator observes
// worker transitions, and Handler to mount the routes on an
// *http.Server.
func New(logger *zap.Logger) *Server {
	return &Server{
		snapshots: make(map[string]WorkerSnapshot),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan StateChange, 256),
		logger:    logger,
	}
}

// Publish records a worker's latest snapshot and queues it for
// broadcast to any connected clients.
func (s *Server) Publish(snap WorkerSnapshot) {
	s.mu.Lock()
	s.snapshots[snap.Name] = snap
	s.mu.Unlock()

	select {
	case s.broadcast <- StateChange{Type: "worker_state", Timestamp: time.Now(), Data: snap}:
	default:
		s.logger.Warn("monitor broadcast buffer full, dropping update", zap.String("worker", snap.Name))
	}
}

// Run drains the broadcast channel to every connected client until ctx
// is cancelled.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.broadcast:
			s.fanOut(msg)
		}
	}
}

func (s *Server) fanOut(msg StateChange) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.Close()
			delete(s.clients, c)
		}
	}
}

// Handler builds the mux.Router exposing /healthz, /metrics
// (promhttp), /api/workers (current snapshot table), and /ws (the live
// push feed).
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/workers", s.handleWorkers).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	out := make([]WorkerSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.clientsMu.Lock()
	s.clients[conn] = struct{}{}
	s.clientsMu.Unlock()
}
