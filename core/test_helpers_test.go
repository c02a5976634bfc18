package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-pairing/watchdog"
)

type stubConnection struct {
	registered bool
	code       string
	codeErr    error
	selfID     string
	sendErr    error
	closeErr   error
	onCode     func()

	updates   chan ConnectionUpdate
	persisted chan struct{}

	mu         sync.Mutex
	requested  []string
	sent       []string
	closeCalls int
}

func newStubConnection() *stubConnection {
	return &stubConnection{
		code:      "ABCD-EFGH",
		selfID:    "15551234567@self",
		updates:   make(chan ConnectionUpdate, 8),
		persisted: make(chan struct{}, 8),
	}
}

func (c *stubConnection) Registered() bool { return c.registered }

func (c *stubConnection) RequestPairingCode(ctx context.Context, identity string) (string, error) {
	c.mu.Lock()
	c.requested = append(c.requested, identity)
	c.mu.Unlock()
	if c.codeErr != nil {
		return "", c.codeErr
	}
	if c.onCode != nil {
		c.onCode()
	}
	return c.code, nil
}

func (c *stubConnection) Updates() <-chan ConnectionUpdate { return c.updates }

func (c *stubConnection) CredentialsPersisted() <-chan struct{} { return c.persisted }

func (c *stubConnection) SelfID() string { return c.selfID }

func (c *stubConnection) SendText(_ context.Context, to string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, to+"|"+text)
	return nil
}

func (c *stubConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return c.closeErr
}

func (c *stubConnection) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

func (c *stubConnection) sentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *stubConnection) requestedIdentities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.requested...)
}

type stubFactory struct {
	conn    *stubConnection
	openErr error
	gate    chan struct{}
	opened  atomic.Int32
	request atomic.Value
}

func (f *stubFactory) Open(ctx context.Context, req ConnectionRequest) (Connection, error) {
	f.opened.Add(1)
	f.request.Store(req)
	if f.gate != nil {
		<-f.gate
	}
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.conn, nil
}

type tempDirectories struct {
	root      string
	createErr error
	deleteErr error

	mu      sync.Mutex
	created []*tempDirectory
}

func newTempDirectories(t *testing.T) *tempDirectories {
	t.Helper()
	return &tempDirectories{root: t.TempDir()}
}

func (d *tempDirectories) Create(sessionID string) (SessionDirectory, error) {
	if d.createErr != nil {
		return nil, NewDirectoryError("create session directory", d.createErr)
	}
	path := filepath.Join(d.root, sessionID)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, NewDirectoryError("create session directory", err)
	}
	dir := &tempDirectory{path: path, deleteErr: d.deleteErr}
	d.mu.Lock()
	d.created = append(d.created, dir)
	d.mu.Unlock()
	return dir, nil
}

func (d *tempDirectories) last() *tempDirectory {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.created) == 0 {
		return nil
	}
	return d.created[len(d.created)-1]
}

type tempDirectory struct {
	path      string
	deleteErr error
	deletes   atomic.Int32
}

func (d *tempDirectory) Path() string { return d.path }

func (d *tempDirectory) Delete() error {
	d.deletes.Add(1)
	if d.deleteErr != nil {
		return d.deleteErr
	}
	return os.RemoveAll(d.path)
}

type sequenceIDs struct {
	prefix string
	next   atomic.Int32
}

func (s *sequenceIDs) New() (string, error) {
	n := s.next.Add(1)
	return fmt.Sprintf("%s~session%04d", s.prefix, n), nil
}

type digitsNormalizer struct{}

func (digitsNormalizer) Normalize(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", NewValidationError("phone number is required")
	}
	return b.String(), nil
}

func (digitsNormalizer) Mask(normalized string) string {
	if len(normalized) <= 4 {
		return normalized
	}
	return strings.Repeat("*", len(normalized)-4) + normalized[len(normalized)-4:]
}

type stubUploader struct {
	credentialID string
	err          error
	calls        atomic.Int32
	paths        chan string
}

func (u *stubUploader) Upload(_ context.Context, bundlePath string) (UploadResult, error) {
	u.calls.Add(1)
	if u.paths != nil {
		u.paths <- bundlePath
	}
	if u.err != nil {
		return UploadResult{Attempts: 3}, u.err
	}
	return UploadResult{CredentialID: u.credentialID, Fingerprint: "b3:test", Attempts: 1}, nil
}

type capturePublisher struct {
	mu       sync.Mutex
	events   []Event
	closed   int
	code     chan struct{}
	codeOnce sync.Once
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{code: make(chan struct{})}
}

func (p *capturePublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed > 0 {
		return errors.New("publisher closed")
	}
	p.events = append(p.events, event)
	if event.Type == EventCode {
		p.codeOnce.Do(func() { close(p.code) })
	}
	return nil
}

func (p *capturePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *capturePublisher) snapshot() ([]Event, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...), p.closed
}

func (p *capturePublisher) waitCode(t *testing.T) {
	t.Helper()
	select {
	case <-p.code:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for code event")
	}
}

func terminalEvents(events []Event) []Event {
	out := make([]Event, 0, 1)
	for _, event := range events {
		if event.Type.Terminal() {
			out = append(out, event)
		}
	}
	return out
}

func testPairingConfig() PairingConfig {
	cfg := DefaultConfig().Pairing
	cfg.CodeDelayMS = 0
	cfg.FlushWaitMS = 50
	cfg.WatchdogMS = 60000
	return cfg
}

type harness struct {
	orchestrator *Orchestrator
	conn         *stubConnection
	factory      *stubFactory
	dirs         *tempDirectories
	uploader     *stubUploader
	clock        *watchdog.FakeClock
	ledger       *MemoryLedger
	cleanup      *recordingCleanup
}

type recordingCleanup struct {
	mu    sync.Mutex
	paths []string
}

func (r *recordingCleanup) ScheduleCleanup(_ context.Context, _ string, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return nil
}

func (r *recordingCleanup) scheduled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func newHarness(t *testing.T, cfg PairingConfig, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		conn:     newStubConnection(),
		dirs:     newTempDirectories(t),
		uploader: &stubUploader{credentialID: "TERAN-XMD~credential0000000000001"},
		clock:    watchdog.NewFakeClock(time.Unix(1700000000, 0)),
		ledger:   NewMemoryLedger(),
		cleanup:  &recordingCleanup{},
	}
	h.factory = &stubFactory{conn: h.conn}
	base := []Option{
		WithConnectionFactory(h.factory),
		WithDirectoryProvider(h.dirs),
		WithIDGenerator(&sequenceIDs{prefix: "PAIR"}),
		WithIdentityNormalizer(digitsNormalizer{}),
		WithCredentialUploader(h.uploader),
		WithSessionLedger(h.ledger),
		WithCleanupScheduler(h.cleanup),
		WithClock(h.clock),
	}
	orchestrator, err := NewOrchestrator(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	h.orchestrator = orchestrator
	return h
}

// pairSucceedsOnCode makes the stub persist a bundle and report open as soon
// as the pairing code is requested.
func (h *harness) pairSucceedsOnCode(t *testing.T) {
	t.Helper()
	h.conn.onCode = func() {
		dir := h.dirs.last()
		if dir == nil {
			t.Errorf("expected session directory before pairing code")
			return
		}
		if err := os.WriteFile(filepath.Join(dir.Path(), "creds.json"), []byte(`{"me":{"id":"1"}}`), 0o600); err != nil {
			t.Errorf("write bundle: %v", err)
			return
		}
		h.conn.persisted <- struct{}{}
		h.conn.updates <- ConnectionUpdate{State: ConnectionConnecting}
		h.conn.updates <- ConnectionUpdate{State: ConnectionOpen}
	}
}

type pairResult struct {
	outcome Outcome
	err     error
}

func (h *harness) pairAsync(ctx context.Context, identity string, publisher EventPublisher) <-chan pairResult {
	out := make(chan pairResult, 1)
	go func() {
		outcome, err := h.orchestrator.Pair(ctx, identity, publisher)
		out <- pairResult{outcome: outcome, err: err}
	}()
	return out
}

func waitResult(t *testing.T, ch <-chan pairResult) pairResult {
	t.Helper()
	select {
	case result := <-ch:
		return result
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for pair result")
	}
	return pairResult{}
}

func assertDirectoryGone(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected session directory %q to be removed, got %v", path, err)
	}
}
