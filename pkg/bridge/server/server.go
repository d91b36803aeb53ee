// Package server exposes the HTTP surface of the bridge: a health endpoint,
// an active-calls view, and the telephony media-stream websocket that spawns
// one session per call.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/voxline/frontdesk/pkg/bridge/config"
	"github.com/voxline/frontdesk/pkg/bridge/session"
	"github.com/voxline/frontdesk/pkg/bridge/sessions"
)

// Dependencies carries the collaborators a session needs; main wires real
// implementations, tests substitute fakes.
type Dependencies struct {
	Dialer     session.BackendDialer
	Notifier   session.Notifier
	Recordings session.RecordingResolver
	Memory     session.CallerMemory
	Prompts    session.PromptProvider
	Tracker    *sessions.Tracker
	Now        func() time.Time
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	router *mux.Router
	deps   Dependencies
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Tracker == nil {
		deps.Tracker = sessions.NewTracker()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: mux.NewRouter(),
		deps:   deps,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/calls", s.handleCalls).Methods(http.MethodGet)
	s.router.HandleFunc("/media-stream", s.handleMediaStream).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = s.recoverMiddleware(h)
	h = s.accessLogMiddleware(h)
	return h
}

// Tracker exposes the call registry for graceful shutdown.
func (s *Server) Tracker() *sessions.Tracker { return s.deps.Tracker }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"active_calls": s.deps.Tracker.Count(),
	})
}

func (s *Server) handleCalls(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	calls := s.deps.Tracker.Snapshot()
	if calls == nil {
		calls = []sessions.ActiveCall{}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"calls": calls})
}

// handleMediaStream owns one telephony connection for the life of a call.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()

	sess, err := session.New(session.Dependencies{
		Conn:       conn,
		Backend:    s.deps.Dialer,
		Logger:     s.logger,
		Notifier:   s.deps.Notifier,
		Recordings: s.deps.Recordings,
		Memory:     s.deps.Memory,
		Prompts:    s.deps.Prompts,
		SessionID:  sessionID,
		Config:     s.sessionConfig(),
		Now:        s.deps.Now,
	})
	if err != nil {
		s.logger.Error("failed to initialize call session", "error", err)
		return
	}

	unregister := s.deps.Tracker.Register(sessionID, sessions.Handle{
		StartedAt: s.deps.Now(),
		Cancel:    sess.Cancel,
	})
	defer unregister()

	if err := sess.Run(); err != nil {
		s.logger.Warn("call session ended with error", "session_id", sessionID, "error", err)
	}
}

// sessionConfig maps server configuration onto one call's knobs.
func (s *Server) sessionConfig() session.Config {
	return session.Config{
		TurnDebounce:      s.cfg.TurnDebounce,
		MinActivityFrames: s.cfg.MinActivityFrames,

		BargeInEnabled:  s.cfg.BargeIn == config.BargeInModeInterrupt,
		HalfDuplex:      s.cfg.BargeIn == config.BargeInModeHalfDuplex,
		BargeInMin:      s.cfg.BargeInMin,
		BargeInCooldown: s.cfg.BargeInCooldown,
		AudioDropWindow: s.cfg.AudioDropWindow,

		FrameQueueCap: s.cfg.FrameQueueCap,

		PingInterval:        s.cfg.PingInterval,
		WriteTimeout:        s.cfg.WriteTimeout,
		ReadTimeout:         s.cfg.ReadTimeout,
		MaxJSONMessageBytes: s.cfg.MaxJSONMessageBytes,
		MaxCallDuration:     s.cfg.MaxCallDuration,

		RecordingResolveBudget: s.cfg.RecordingResolveBudget,
		NotifyTimeout:          s.cfg.WebhookTimeout,

		Voice:           s.cfg.AIVoice,
		TranscribeModel: s.cfg.TranscribeModel,
		Temperature:     s.cfg.AITemperature,

		Disposition: session.DispositionPolicy{
			InfoRequiresNoName: s.cfg.InfoRequiresNoName,
		},
		Gates: session.GatePolicy{
			OpportunisticName: s.cfg.OpportunisticName,
		},
	}
}

// Drain cancels every live call and waits for the loops to exit, bounded by
// the context.
func (s *Server) Drain(ctx context.Context) bool {
	canceled := s.deps.Tracker.CancelAll()
	if canceled > 0 {
		s.logger.Info("draining live calls", "count", canceled)
	}
	return s.deps.Tracker.Wait(ctx)
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic serving request", "path", r.URL.Path, "panic", rec)
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}
