// Package server exposes the voice WebSocket endpoint and the surrounding
// HTTP surface: health probes, Prometheus metrics, and session
// introspection.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cadence-voice/cadence/internal/config"
	"github.com/cadence-voice/cadence/internal/health"
	"github.com/cadence-voice/cadence/internal/observe"
	"github.com/cadence-voice/cadence/internal/store"
	"github.com/cadence-voice/cadence/internal/turn"
	"github.com/cadence-voice/cadence/pkg/provider/llm"
	"github.com/cadence-voice/cadence/pkg/provider/stt"
	"github.com/cadence-voice/cadence/pkg/provider/tts"
)

// Deps are the shared collaborators for all sessions.
type Deps struct {
	Cfg     *config.Config
	Log     *slog.Logger
	Metrics *observe.Metrics

	LLM llm.Client
	TTS tts.Client

	// NewSTT constructs a per-session STT client bound to the given
	// callbacks.
	NewSTT func(cb stt.Callbacks) (stt.Client, error)

	// Store persists completed turns. Nil disables persistence.
	Store store.TurnStore
}

// Server routes HTTP and WebSocket traffic to sessions.
type Server struct {
	deps     Deps
	registry *Registry
	health   *health.Handler
}

// New creates a Server. The readiness probe covers the turn store when one
// is configured.
func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	var checkers []health.Checker
	if deps.Store != nil {
		checkers = append(checkers, health.Checker{Name: "store", Check: deps.Store.Healthy})
	}
	return &Server{
		deps:     deps,
		registry: NewRegistry(),
		health:   health.New(checkers...),
	}
}

// Registry exposes the live-session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Handler returns the full HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws/voice", s.handleVoice)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/turns", s.handleTurns)
	return mux
}

// handleVoice upgrades to WebSocket and runs one session to completion.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if origin := s.deps.Cfg.Server.FrontendOrigin; origin != "" {
		opts.OriginPatterns = []string{origin}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.deps.Log.Warn("websocket accept failed", "error", err)
		return
	}

	sess, err := newSession(s.sessionDeps(), conn)
	if err != nil {
		s.deps.Log.Error("session setup failed", "error", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	s.registry.Add(sess)
	defer s.registry.Remove(sess.ID())

	sess.run(r.Context())
	conn.Close(websocket.StatusNormalClosure, "")
}

// sessionDeps maps server configuration onto per-session dependencies.
func (s *Server) sessionDeps() sessionDeps {
	cfg := s.deps.Cfg
	turnCfg := turn.DefaultConfig()
	if v := cfg.Turn.SystemPrompt; v != "" {
		turnCfg.SystemPrompt = v
	}
	if v := cfg.Turn.MinSilenceDebounceMS; v != 0 {
		turnCfg.MinSilenceDebounce = time.Duration(v) * time.Millisecond
	}
	if v := cfg.Turn.MaxSilenceDebounceMS; v != 0 {
		turnCfg.MaxSilenceDebounce = time.Duration(v) * time.Millisecond
	}
	if v := cfg.Turn.CancellationRateThreshold; v != 0 {
		turnCfg.CancellationRateThreshold = v
	}
	turnCfg.AdaptiveDebounce = cfg.Turn.Adaptive()
	turnCfg.HistoryWindow = cfg.Turn.HistoryWindow
	if v := cfg.Providers.STT.SampleRate; v != 0 {
		turnCfg.SampleRate = v
	}

	return sessionDeps{
		log:       s.deps.Log,
		metrics:   s.deps.Metrics,
		llm:       s.deps.LLM,
		tts:       s.deps.TTS,
		newSTT:    s.deps.NewSTT,
		turnStore: s.deps.Store,
		turnCfg:   turnCfg,
		heartbeat: time.Duration(cfg.Server.HeartbeatInterval) * time.Second,
	}
}

// sessionSummary is the JSON shape of one live session in GET /sessions.
type sessionSummary struct {
	SessionID         string  `json:"session_id"`
	State             string  `json:"state"`
	TotalTurns        int     `json:"total_turns"`
	CancelledTurns    int     `json:"cancelled_turns"`
	InterruptionCount int     `json:"interruption_count"`
	CancellationRate  float64 `json:"cancellation_rate"`
	CurrentDebounceMS int     `json:"current_debounce_ms"`
	TokensWasted      int     `json:"tokens_wasted"`
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.registry.List()
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		tel := sess.Telemetry()
		out = append(out, sessionSummary{
			SessionID:         sess.ID(),
			State:             string(sess.State()),
			TotalTurns:        tel.TotalTurns,
			CancelledTurns:    tel.CancelledTurns,
			InterruptionCount: tel.InterruptionCount,
			CancellationRate:  tel.CancellationRate,
			CurrentDebounceMS: tel.CurrentDebounceMS,
			TokensWasted:      tel.TokensWasted,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		http.Error(w, "turn persistence is not configured", http.StatusNotFound)
		return
	}
	records, err := s.deps.Store.ListTurns(r.Context(), r.PathValue("id"), 50)
	if err != nil {
		s.deps.Log.Warn("list turns failed", "error", err)
		http.Error(w, "listing turns failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
