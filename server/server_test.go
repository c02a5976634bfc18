package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-pairing/core"
	"github.com/goliatone/go-pairing/query"
	"github.com/goliatone/go-pairing/stream"
)

func newTestServer(t *testing.T, pairer Pairer, sessions SessionQuerier, opts ...Option) http.Handler {
	t.Helper()
	if sessions == nil {
		sessions = stubSessions{}
	}
	srv, err := New(pairer, sessions, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv.Handler()
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body struct {
		Error map[string]any `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestPairRequiresIdentityParameter(t *testing.T) {
	pairer := &stubPairer{}
	handler := newTestServer(t, pairer, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pair", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := decodeErrorBody(t, rec)
	if body["code"] != core.ErrorCodeValidation {
		t.Fatalf("expected validation code, got %#v", body)
	}
	if pairer.calls != 0 {
		t.Fatalf("expected no session to start")
	}
}

func TestPairStreamsEventsAsSSE(t *testing.T) {
	pairer := &stubPairer{
		pairFn: func(ctx context.Context, raw string, publisher core.EventPublisher) (core.Outcome, error) {
			if raw != "+1 555 123 4567" {
				t.Fatalf("expected raw identity to be forwarded, got %q", raw)
			}
			_ = publisher.Publish(ctx, core.Event{Type: core.EventCode, Data: map[string]any{"code": "ABCD-EFGH"}})
			_ = publisher.Publish(ctx, core.Event{Type: core.EventSession, Data: map[string]any{"credentialId": "TERAN-XMD~abc"}})
			return core.Outcome{SessionID: "PAIR~1", Status: core.StatusSucceeded}, nil
		},
	}
	handler := newTestServer(t, pairer, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pair?number=%2B1+555+123+4567", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != stream.ContentTypeSSE {
		t.Fatalf("expected sse content type, got %q", got)
	}
	body := rec.Body.String()
	codeAt := strings.Index(body, "event: code")
	sessionAt := strings.Index(body, "event: session")
	if codeAt < 0 || sessionAt < 0 || codeAt > sessionAt {
		t.Fatalf("expected code before session event, got:\n%s", body)
	}
}

func TestPairStreamsNDJSONWhenRequested(t *testing.T) {
	pairer := &stubPairer{
		pairFn: func(ctx context.Context, _ string, publisher core.EventPublisher) (core.Outcome, error) {
			_ = publisher.Publish(ctx, core.Event{Type: core.EventError, Data: map[string]any{"code": core.ErrorCodeTimeout}})
			return core.Outcome{Status: core.StatusTimedOut}, core.NewTimeoutError(1000)
		},
	}
	handler := newTestServer(t, pairer, nil)

	req := httptest.NewRequest(http.MethodGet, "/pair?number=15551234567", nil)
	req.Header.Set("Accept", "application/x-ndjson")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected streamed 200 even on failure, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != stream.ContentTypeNDJSON {
		t.Fatalf("expected ndjson content type, got %q", got)
	}
	var line struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(rec.Body.String())), &line); err != nil {
		t.Fatalf("decode ndjson line: %v", err)
	}
	if line.Event != "error" || line.Data["code"] != core.ErrorCodeTimeout {
		t.Fatalf("unexpected ndjson line %#v", line)
	}
}

func TestPairReturnsJSONErrorWhenNothingWasStreamed(t *testing.T) {
	pairer := &stubPairer{
		pairFn: func(context.Context, string, core.EventPublisher) (core.Outcome, error) {
			return core.Outcome{}, core.NewValidationError("identity has no digits")
		},
	}
	handler := newTestServer(t, pairer, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pair?number=abc", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body["message"] != "identity has no digits" {
		t.Fatalf("unexpected error body %#v", body)
	}
}

func TestPairHonoursMaxConcurrency(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	pairer := &stubPairer{
		pairFn: func(context.Context, string, core.EventPublisher) (core.Outcome, error) {
			close(entered)
			<-release
			return core.Outcome{}, nil
		},
	}
	handler := newTestServer(t, pairer, nil, WithMaxConcurrency(1))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/pair?number=1", nil))
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected first request to start pairing")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pair?number=2", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body["code"] != core.ErrorCodeRateLimited {
		t.Fatalf("expected rate limited code, got %#v", body)
	}

	close(release)
	wg.Wait()
}

func TestSessionEndpoint(t *testing.T) {
	sessions := stubSessions{
		statuses: map[string]query.SessionStatus{
			"PAIR~abc": {SessionID: "PAIR~abc", Status: "code_issued"},
		},
	}
	handler := newTestServer(t, &stubPairer{}, sessions)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/PAIR~abc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status query.SessionStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != "code_issued" {
		t.Fatalf("unexpected status %#v", status)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/PAIR~missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body["code"] != core.ErrorCodeNotFound {
		t.Fatalf("expected not found code, got %#v", body)
	}
}

func TestHealthzReportsActiveSessions(t *testing.T) {
	pairer := &stubPairer{active: []string{"PAIR~a", "PAIR~b"}}
	handler := newTestServer(t, pairer, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["active"] != float64(2) {
		t.Fatalf("unexpected health body %#v", body)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(nil, stubSessions{}); err == nil {
		t.Fatalf("expected pairer requirement")
	}
	if _, err := New(&stubPairer{}, nil); err == nil {
		t.Fatalf("expected session querier requirement")
	}
}

type stubPairer struct {
	pairFn func(ctx context.Context, raw string, publisher core.EventPublisher) (core.Outcome, error)
	calls  int
	active []string
}

func (s *stubPairer) Pair(ctx context.Context, raw string, publisher core.EventPublisher) (core.Outcome, error) {
	s.calls++
	if s.pairFn == nil {
		return core.Outcome{}, nil
	}
	return s.pairFn(ctx, raw, publisher)
}

func (s *stubPairer) Active() []string {
	return s.active
}

type stubSessions struct {
	statuses map[string]query.SessionStatus
}

func (s stubSessions) Query(_ context.Context, msg query.GetSessionMessage) (query.SessionStatus, error) {
	status, ok := s.statuses[msg.SessionID]
	if !ok {
		return query.SessionStatus{}, core.NewNotFoundError("session not found")
	}
	return status, nil
}

type brokenWriter struct {
	header http.Header
	status int
}

func (w *brokenWriter) Header() http.Header {
	if w.header == nil {
		w.header = http.Header{}
	}
	return w.header
}

func (w *brokenWriter) WriteHeader(status int) { w.status = status }

func (w *brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

type warnRecorder struct {
	mu    sync.Mutex
	warns []string
	args  [][]any
}

func (l *warnRecorder) Trace(string, ...any) {}
func (l *warnRecorder) Debug(string, ...any) {}
func (l *warnRecorder) Info(string, ...any)  {}
func (l *warnRecorder) Error(string, ...any) {}
func (l *warnRecorder) Fatal(string, ...any) {}

func (l *warnRecorder) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
	l.args = append(l.args, append([]any(nil), args...))
}

func (l *warnRecorder) WithContext(context.Context) glog.Logger { return l }

func TestWriteJSONLogsEncodeFailure(t *testing.T) {
	logger := &warnRecorder{}
	handler := newTestServer(t, &stubPairer{}, nil, WithLogger(logger))

	w := &brokenWriter{}
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.status != http.StatusOK {
		t.Fatalf("expected 200 header, got %d", w.status)
	}
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.warns) != 1 || logger.warns[0] != "write json response failed" {
		t.Fatalf("expected one encode failure warning, got %v", logger.warns)
	}
	args := logger.args[0]
	if len(args) != 4 || args[1] != http.StatusOK || args[3] != "connection reset by peer" {
		t.Fatalf("unexpected warning args %#v", args)
	}
}
