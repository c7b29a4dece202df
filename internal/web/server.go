// Package web implements the operational HTTP server: health, stats,
// and a live event stream over websocket.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Almazziastinov/NoteMind/internal/buildinfo"
	"github.com/Almazziastinov/NoteMind/internal/events"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Stats tracks request and tool counters for the current session.
type Stats struct {
	mu            sync.Mutex
	Messages      int64            `json:"messages_received"`
	Requests      int64            `json:"requests_completed"`
	LLMCalls      int64            `json:"llm_calls"`
	ToolCalls     int64            `json:"tool_calls"`
	Reports       int64            `json:"reports_forwarded"`
	ToolsByName   map[string]int64 `json:"tools_by_name"`
	LastRequestAt string           `json:"last_request_at,omitempty"`
}

// statsSnapshot is a copy-safe view of Stats for JSON responses.
type statsSnapshot struct {
	Messages      int64             `json:"messages_received"`
	Requests      int64             `json:"requests_completed"`
	LLMCalls      int64             `json:"llm_calls"`
	ToolCalls     int64             `json:"tool_calls"`
	Reports       int64             `json:"reports_forwarded"`
	ToolsByName   map[string]int64  `json:"tools_by_name"`
	LastRequestAt string            `json:"last_request_at,omitempty"`
	Build         map[string]string `json:"build"`
}

func (s *Stats) record(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Kind {
	case events.KindMessageReceived:
		s.Messages++
	case events.KindLLMCall:
		s.LLMCalls++
	case events.KindToolCall:
		s.ToolCalls++
		if name, ok := ev.Data["tool"].(string); ok {
			if s.ToolsByName == nil {
				s.ToolsByName = make(map[string]int64)
			}
			s.ToolsByName[name]++
		}
	case events.KindRequestComplete:
		s.Requests++
		s.LastRequestAt = ev.Timestamp.UTC().Format(time.RFC3339)
	case events.KindReportForwarded:
		s.Reports++
	}
}

func (s *Stats) snapshot() statsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	tools := make(map[string]int64, len(s.ToolsByName))
	for k, v := range s.ToolsByName {
		tools[k] = v
	}
	return statsSnapshot{
		Messages:      s.Messages,
		Requests:      s.Requests,
		LLMCalls:      s.LLMCalls,
		ToolCalls:     s.ToolCalls,
		Reports:       s.Reports,
		ToolsByName:   tools,
		LastRequestAt: s.LastRequestAt,
		Build:         buildinfo.Info(),
	}
}

// Server is the operational HTTP server.
type Server struct {
	address string
	port    int
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
	stats   *Stats
}

// NewServer creates an operational server fed by the event bus.
func NewServer(address string, port int, bus *events.Bus, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		bus:     bus,
		logger:  logger,
		stats:   &Stats{},
	}
}

// Start begins serving HTTP requests. It blocks until the server exits.
func (s *Server) Start(ctx context.Context) error {
	// Feed counters from the bus until shutdown.
	if s.bus != nil {
		ch := s.bus.Subscribe(64)
		go func() {
			defer s.bus.Unsubscribe(ch)
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					s.stats.record(ev)
				}
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /", s.handleRoot)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for the event stream
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting ops server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "NoteMind",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"status": "healthy",
		"uptime": buildinfo.Uptime().String(),
	}, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.stats.snapshot(), s.logger)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The ops server is bound to a trusted interface; no origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades to a websocket and streams bus events as JSON,
// one event per message, until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	s.logger.Debug("event stream client connected", "remote", r.RemoteAddr)

	// Drain client reads so close frames and pings are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
