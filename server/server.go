package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-pairing/core"
	"github.com/goliatone/go-pairing/query"
	"github.com/goliatone/go-pairing/stream"
)

const DefaultIdentityParam = "number"

type Pairer interface {
	Pair(ctx context.Context, rawIdentity string, publisher core.EventPublisher) (core.Outcome, error)
}

type SessionQuerier interface {
	Query(ctx context.Context, msg query.GetSessionMessage) (query.SessionStatus, error)
}

// ActiveCounter is optionally implemented by the pairer to report load on
// the health endpoint.
type ActiveCounter interface {
	Active() []string
}

type Server struct {
	pairer        Pairer
	sessions      SessionQuerier
	logger        glog.Logger
	identityParam string
	slots         chan struct{}
	now           func() time.Time
}

type Option func(*Server)

func WithLogger(logger glog.Logger) Option {
	return func(s *Server) {
		s.logger = glog.Ensure(logger)
	}
}

func WithIdentityParam(name string) Option {
	return func(s *Server) {
		if name = strings.TrimSpace(name); name != "" {
			s.identityParam = name
		}
	}
}

// WithMaxConcurrency bounds the number of pairing streams served at once.
// Zero means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.slots = make(chan struct{}, n)
		} else {
			s.slots = nil
		}
	}
}

func New(pairer Pairer, sessions SessionQuerier, opts ...Option) (*Server, error) {
	if pairer == nil {
		return nil, fmt.Errorf("server: pairer is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("server: session querier is required")
	}
	s := &Server{
		pairer:        pairer,
		sessions:      sessions,
		logger:        glog.Nop(),
		identityParam: DefaultIdentityParam,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	s.Routes(r)
	return r
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/healthz", s.handleHealthz)
	r.Get("/pair", s.handlePair)
	r.Get("/sessions/{sessionID}", s.handleSession)
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get(s.identityParam)
	if strings.TrimSpace(raw) == "" {
		s.writeError(w, core.NewValidationError(
			fmt.Sprintf("%s query parameter is required", s.identityParam),
			goerrors.FieldError{Field: s.identityParam, Message: "is required"},
		))
		return
	}

	if !s.acquire() {
		s.writeError(w, goerrors.New("too many pairing sessions in progress", goerrors.CategoryRateLimit).
			WithCode(http.StatusTooManyRequests).
			WithTextCode(core.ErrorCodeRateLimited))
		return
	}
	defer s.release()

	publisher, err := stream.New(w, r)
	if err != nil {
		s.writeError(w, goerrors.Wrap(err, goerrors.CategoryInternal, "streaming is not supported").
			WithCode(http.StatusInternalServerError).
			WithTextCode(core.ErrorCodeInternal))
		return
	}

	outcome, err := s.pairer.Pair(r.Context(), raw, publisher)
	if err != nil && !publisher.Started() {
		s.writeError(w, err)
		return
	}
	s.logger.WithContext(r.Context()).Debug("pairing stream finished",
		"request_id", middleware.GetReqID(r.Context()),
		"session_id", outcome.SessionID,
		"status", string(outcome.Status),
		"framing", string(publisher.Framing()),
	)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	status, err := s.sessions.Query(r.Context(), query.GetSessionMessage{SessionID: sessionID})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status": "ok",
		"time":   s.now().UTC().Format(time.RFC3339),
	}
	if counter, ok := s.pairer.(ActiveCounter); ok {
		payload["active"] = len(counter.Active())
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) acquire() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.slots == nil {
		return
	}
	<-s.slots
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := s.now()
		next.ServeHTTP(w, r)
		s.logger.WithContext(r.Context()).Info("request served",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration_ms", s.now().Sub(started).Milliseconds(),
		)
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if mapped := core.MapError(err); mapped != nil && mapped.Code >= 400 && mapped.Code <= 599 {
		status = mapped.Code
	}
	s.writeJSON(w, status, map[string]any{"error": core.ErrorPayload(err)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write json response failed", "status", status, "error", err.Error())
	}
}
