package votesettled

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"votesettle/observability"
)

const wsWriteTimeout = 10 * time.Second

// ServerConfig captures the dependencies of the HTTP API.
type ServerConfig struct {
	Engine    *Engine
	Events    *Hub
	Journal   *Journal
	VoterAuth *VoterAuthenticator
	AdminAuth *AdminAuthenticator
	RateLimit RateConfig
	Logger    *slog.Logger
}

// Server exposes the vote API, progress streams and operator controls.
type Server struct {
	engine    *Engine
	events    *Hub
	journal   *Journal
	voterAuth *VoterAuthenticator
	adminAuth *AdminAuthenticator
	limiter   *voterLimiter
	logger    *slog.Logger
	router    http.Handler
}

// NewServer constructs the HTTP router.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:    cfg.Engine,
		events:    cfg.Events,
		journal:   cfg.Journal,
		voterAuth: cfg.VoterAuth,
		adminAuth: cfg.AdminAuth,
		limiter:   newVoterLimiter(cfg.RateLimit),
		logger:    logger,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observeRoutes)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.voterAuth.Middleware)
		api.With(s.limiter.Middleware).Post("/species/{id}/votes", s.handleVote)
		api.Get("/species/{id}/aggregate", s.handleAggregate)
		api.Get("/requests/{id}", s.handleRequest)
		api.Get("/requests/{id}/stream", s.handleStream)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.adminAuth.Middleware)
		admin.Post("/pause", s.handlePause)
		admin.Post("/resume", s.handleResume)
		admin.Get("/status", s.handleStatus)
	})

	return otelhttp.NewHandler(r, "votesettled")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type voteRequest struct {
	Weight    int    `json:"weight"`
	RequestID string `json:"request_id"`
}

type voteResponse struct {
	RequestID string `json:"request_id"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	voter, ok := VoterFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	var req voteRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	requestID, err := s.engine.Start(r.Context(), VoteInput{
		RequestID:   req.RequestID,
		SessionID:   voter.Session,
		SpeciesID:   chi.URLParam(r, "id"),
		Voter:       voter.Address,
		TotalWeight: req.Weight,
	})
	if err != nil {
		writeError(w, statusFor(err), errorMessage(err))
		return
	}
	writeJSON(w, http.StatusAccepted, voteResponse{RequestID: requestID})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	voter, ok := VoterFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	view, err := s.engine.Aggregate(r.Context(), voter.Session, chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("read aggregate failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "aggregate unavailable")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type requestResponse struct {
	RequestID string  `json:"request_id"`
	State     string  `json:"state"`
	Events    []Event `json:"events"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")
	if !s.authorisedFor(r, requestID) {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	events := s.events.Events(requestID)
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	state := string(JournalPending)
	switch last := events[len(events)-1]; last.Kind {
	case EventCompleted:
		state = string(JournalCompleted)
	case EventFailed:
		state = string(JournalRolledBack)
	}
	writeJSON(w, http.StatusOK, requestResponse{RequestID: requestID, State: state, Events: events})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")
	if !s.authorisedFor(r, requestID) {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, requestID); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, requestID string) error {
	updates, cancel := s.events.Subscribe(requestID)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// authorisedFor reports whether the caller owns requestID. Without a journal
// ownership cannot be checked and any authenticated voter is allowed.
func (s *Server) authorisedFor(r *http.Request, requestID string) bool {
	voter, ok := VoterFromContext(r.Context())
	if !ok {
		return false
	}
	if s.journal == nil {
		return true
	}
	entry, err := s.journal.Get(requestID)
	if err != nil {
		return false
	}
	return strings.EqualFold(entry.Voter, voter.Address)
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.engine.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.engine.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidWeight):
		return http.StatusBadRequest
	case errors.Is(err, ErrRequestInFlight), errors.Is(err, ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, ErrEnginePaused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	if statusFor(err) == http.StatusInternalServerError {
		return "vote request could not be started"
	}
	if msg := UserMessage(err); msg != "" && Reason(err) != "duplicate_request" {
		return msg
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func observeRoutes(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTP().Observe(route, status, time.Since(start))
	})
}

// voterLimiter throttles vote submissions per authenticated voter.
type voterLimiter struct {
	perSecond float64
	burst     int

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const visitorTTL = 10 * time.Minute

func newVoterLimiter(cfg RateConfig) *voterLimiter {
	perSecond := cfg.PerMinute / 60.0
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &voterLimiter{perSecond: perSecond, burst: burst, visitors: make(map[string]*visitor)}
}

func (l *voterLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.perSecond <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		voter, _ := VoterFromContext(r.Context())
		if !l.allow(strings.ToLower(voter.Address), time.Now()) {
			writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *voterLimiter) allow(id string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(l.visitors, key)
		}
	}
	v, ok := l.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.perSecond), l.burst)}
		l.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}
