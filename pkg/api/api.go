// Package api exposes the engine over HTTP: a small JSON control surface
// plus a websocket feed of status snapshots, mirroring the route table of
// the daemon's original control server one-to-one. It has no state of its
// own beyond the engine and bus it wraps.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chargie-project/chargied/pkg/bus"
	"github.com/chargie-project/chargied/pkg/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the engine and bus to an http.Handler. Shutdown is signalled
// through ShutdownRequested rather than calling os.Exit directly, so the
// caller controls the daemon's actual exit path.
type Server struct {
	engine *engine.Engine
	bus    *bus.Bus
	mux    *http.ServeMux

	shutdown chan struct{}
}

// New builds a Server. Callers typically wrap it in an *http.Server and
// select on ShutdownRequested() alongside OS signals.
func New(eng *engine.Engine, b *bus.Bus) *Server {
	s := &Server{
		engine:   eng,
		bus:      b,
		mux:      http.NewServeMux(),
		shutdown: make(chan struct{}),
	}

	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
	s.mux.HandleFunc("/api/scan", s.handleScan)
	s.mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("/api/override", s.handleOverride)
	s.mux.HandleFunc("/api/poll", s.handlePoll)
	s.mux.HandleFunc("/api/chart", s.handleChart)
	s.mux.HandleFunc("/api/shutdown", s.handleShutdown)
	s.mux.HandleFunc("/ws", s.handleWebsocket)

	return s
}

// ShutdownRequested fires once /api/shutdown has been called.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg := s.engine.Config()
		writeJSON(w, http.StatusOK, map[string]int{
			"charge_max":         cfg.ChargeMax,
			"charge_min":         cfg.ChargeMin,
			"pd_mode":            cfg.PDMode,
			"telemetry_interval": cfg.TelemetryIntervalS,
		})
	case http.MethodPut:
		var body struct {
			ChargeMax         *int `json:"charge_max"`
			ChargeMin         *int `json:"charge_min"`
			PDMode            *int `json:"pd_mode"`
			TelemetryInterval *int `json:"telemetry_interval"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		update := engine.ConfigUpdate{
			ChargeMax:         body.ChargeMax,
			ChargeMin:         body.ChargeMin,
			PDMode:            body.PDMode,
			TelemetryIntervalS: body.TelemetryInterval,
		}
		if _, err := s.engine.UpdateConfig(update); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or PUT only")
	}
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	go s.engine.Start(context.Background())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "scan started"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	s.engine.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.engine.SetOverride(ctx, body.Mode); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.engine.PollTelemetry(ctx); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": s.engine.Status()})
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.ChartHistory())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
}

// handleWebsocket upgrades the connection, sends the current snapshot, then
// forwards every bus update until the client goes away. There is no inbound
// command handling: mutating calls stay on the plain JSON routes.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	if err := conn.WriteJSON(map[string]any{"type": "status_update", "data": s.engine.Status()}); err != nil {
		return
	}

	// Drain client reads on a separate goroutine purely to notice when the
	// peer disconnects; this server never acts on inbound websocket frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(map[string]any{"type": "status_update", "data": snapshot}); err != nil {
				return
			}
		}
	}
}
