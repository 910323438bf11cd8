// Package monitor implements an optional HTTP/WS progress surface
// (SPEC_FULL.md expansion "step 7.5"): a GET /progress JSON snapshot and a
// GET /progress/ws feed pushing a snapshot every time the aggregator's
// throttled callback fires. Grounded on the teacher's
// cmd/announce-webui-simple server: gorilla/mux routing plus a
// gorilla/websocket per-client channel broadcast loop.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bararchive/creator/pkg/progress"
)

// Server serves live run progress over HTTP and WebSocket.
type Server struct {
	addr string
	http *http.Server

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan progress.Snapshot

	snapMu sync.RWMutex
	latest progress.Snapshot
}

// New creates a Server that will listen on addr once Serve is called.
func New(addr string) *Server {
	s := &Server{
		addr:     addr,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]chan progress.Snapshot),
	}

	router := mux.NewRouter()
	router.HandleFunc("/progress", s.handleSnapshot).Methods(http.MethodGet)
	router.HandleFunc("/progress/ws", s.handleWebSocket)
	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

// Bind registers the server as a progress callback on agg, so every
// throttled snapshot is both cached for GET /progress and pushed to every
// connected WebSocket client.
func (s *Server) Bind(agg *progress.Aggregator) {
	agg.Subscribe(s.onSnapshot)
	s.onSnapshot(agg.Snapshot())
}

func (s *Server) onSnapshot(snap progress.Snapshot) {
	s.snapMu.Lock()
	s.latest = snap
	s.snapMu.Unlock()
	s.broadcast(snap)
}

// Serve blocks, serving HTTP until Shutdown is called. It is intended to be
// run in its own goroutine.
func (s *Server) Serve() error {
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and closes every open
// WebSocket connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for conn, ch := range s.clients {
		conn.Close()
		close(ch)
	}
	s.clients = make(map[*websocket.Conn]chan progress.Snapshot)
	s.mu.Unlock()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.snapMu.RLock()
	snap := s.latest
	s.snapMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := make(chan progress.Snapshot, 10)
	s.mu.Lock()
	s.clients[conn] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()

	for snap := range ch {
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
}

func (s *Server) broadcast(snap progress.Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.clients {
		select {
		case ch <- snap:
		default:
		}
	}
}
