package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-pairing/watchdog"
)

// Orchestrator drives pairing sessions. Sessions share nothing but the
// read-only collaborators held here.
type Orchestrator struct {
	config      PairingConfig
	logger      Logger
	metrics     MetricsRecorder
	connections ConnectionFactory
	directories DirectoryProvider
	ids         IDGenerator
	normalizer  IdentityNormalizer
	uploader    CredentialUploader
	ledger      SessionLedger
	cleanup     CleanupScheduler
	clock       watchdog.Clock
	now         func() time.Time

	mu     sync.RWMutex
	active map[string]*sessionRun
}

type Outcome struct {
	SessionID    string
	Status       Status
	Trigger      Trigger
	CredentialID string
	Err          error
	StartedAt    time.Time
	FinishedAt   time.Time
}

func NewOrchestrator(cfg PairingConfig, opts ...Option) (*Orchestrator, error) {
	builder := defaultOrchestratorBuilder()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	logger := glog.Ensure(builder.logger)
	if builder.loggerProvider != nil {
		if named := builder.loggerProvider.GetLogger("pairing.orchestrator"); named != nil {
			logger = glog.Ensure(named)
		}
	}
	if builder.metrics == nil {
		builder.metrics = NopMetricsRecorder{}
	}
	if builder.ledger == nil {
		builder.ledger = NewMemoryLedger()
	}
	if builder.clock == nil {
		builder.clock = watchdog.Real()
	}
	if builder.now == nil {
		builder.now = time.Now
	}

	var missing []string
	if builder.connections == nil {
		missing = append(missing, "connection factory")
	}
	if builder.directories == nil {
		missing = append(missing, "directory provider")
	}
	if builder.ids == nil {
		missing = append(missing, "id generator")
	}
	if builder.normalizer == nil {
		missing = append(missing, "identity normalizer")
	}
	if builder.uploader == nil {
		missing = append(missing, "credential uploader")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("core: orchestrator requires %s", strings.Join(missing, ", "))
	}
	if cfg.WatchdogMS <= 0 {
		return nil, fmt.Errorf("core: pairing.watchdog_ms must be positive")
	}
	if strings.TrimSpace(cfg.BundleFile) == "" {
		cfg.BundleFile = DefaultConfig().Pairing.BundleFile
	}

	return &Orchestrator{
		config:      cfg,
		logger:      logger,
		metrics:     builder.metrics,
		connections: builder.connections,
		directories: builder.directories,
		ids:         builder.ids,
		normalizer:  builder.normalizer,
		uploader:    builder.uploader,
		ledger:      builder.ledger,
		cleanup:     builder.cleanup,
		clock:       builder.clock,
		now:         builder.now,
		active:      map[string]*sessionRun{},
	}, nil
}

// Pair runs one session to its terminal state. Cancelling ctx is treated as
// the requesting client going away. Identity validation errors are returned
// before a session exists and before anything is published.
func (o *Orchestrator) Pair(ctx context.Context, rawIdentity string, publisher EventPublisher) (Outcome, error) {
	if o == nil {
		return Outcome{}, fmt.Errorf("core: orchestrator is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if publisher == nil {
		publisher = discardPublisher{}
	}

	identity, err := o.normalizer.Normalize(rawIdentity)
	if err != nil {
		return Outcome{}, err
	}
	sessionID, err := o.ids.New()
	if err != nil {
		return Outcome{}, goerrors.Wrap(err, goerrors.CategoryInternal, "issue session id").
			WithTextCode(ErrorCodeInternal)
	}

	session := NewSession(sessionID, identity, o.normalizer.Mask(identity), o.now())
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &sessionRun{
		session:   session,
		publisher: publisher,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	o.track(run)
	defer o.untrack(run)
	o.saveRecord(ctx, run)

	directory, err := o.directories.Create(sessionID)
	if err != nil {
		o.terminate(run, TriggerSetup, err, UploadResult{})
		<-run.done
		return run.outcome()
	}
	run.setDirectory(directory)
	session.setDirectory(directory.Path())

	dog := watchdog.Start(o.clock, o.config.Watchdog(), func() {
		o.terminate(run, TriggerWatchdog, NewTimeoutError(int64(o.config.WatchdogMS)), UploadResult{})
	})
	run.setWatchdog(dog)

	go o.drive(runCtx, run)

	select {
	case <-run.done:
	case <-ctx.Done():
		o.terminate(run, TriggerClientGone, NewClientAbortError(), UploadResult{})
		<-run.done
	}
	return run.outcome()
}

// Lookup reports the current state of a session, live or recorded.
func (o *Orchestrator) Lookup(ctx context.Context, sessionID string) (SessionRecord, error) {
	if o == nil {
		return SessionRecord{}, NewNotFoundError("session not found")
	}
	o.mu.RLock()
	run, ok := o.active[sessionID]
	o.mu.RUnlock()
	if ok {
		return o.buildRecord(run), nil
	}
	return o.ledger.Get(ctx, sessionID)
}

// Active returns the ids of sessions that have not finished cleanup.
func (o *Orchestrator) Active() []string {
	if o == nil {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown fails every in-flight session and waits for their cleanup.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	o.mu.RLock()
	runs := make([]*sessionRun, 0, len(o.active))
	for _, run := range o.active {
		runs = append(runs, run)
	}
	o.mu.RUnlock()

	cause := goerrors.New("service shutting down", goerrors.CategoryInternal).
		WithCode(503).
		WithTextCode(ErrorCodeInternal)
	for _, run := range runs {
		o.terminate(run, TriggerShutdown, cause, UploadResult{})
	}
	for _, run := range runs {
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (o *Orchestrator) drive(ctx context.Context, run *sessionRun) {
	session := run.session
	conn, err := o.connections.Open(ctx, ConnectionRequest{
		SessionID: session.ID(),
		Directory: session.Directory(),
		Identity:  session.Identity(),
	})
	if err != nil {
		o.terminate(run, TriggerSetup, NewConnectionClosedError("open failed", err), UploadResult{})
		return
	}
	attached, closeErr := run.attach(conn)
	if closeErr != nil {
		o.logWithLevel(ctx, "warn", "close late connection failed", map[string]any{
			"session_id": session.ID(),
			"error":      closeErr.Error(),
		})
	}
	if !attached {
		return
	}
	if !session.Advance(StatusCodeIssued) {
		return
	}
	o.saveRecord(ctx, run)

	if conn.Registered() {
		o.publishProgress(ctx, run, Event{Type: EventInfo, Data: map[string]any{"message": "already registered"}})
		o.terminate(run, TriggerRegistered, nil, UploadResult{})
		return
	}

	if err := waitWithContext(ctx, o.config.CodeDelay()); err != nil {
		return
	}
	code, err := conn.RequestPairingCode(ctx, session.Identity())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.terminate(run, TriggerSetup, NewConnectionClosedError("pairing code request failed", err), UploadResult{})
		return
	}
	o.logWithLevel(ctx, "debug", "pairing code issued", map[string]any{
		"session_id": session.ID(),
	})
	o.publishProgress(ctx, run, Event{Type: EventCode, Data: map[string]any{
		"code":      code,
		"sessionId": session.ID(),
	}})

	o.awaitOpen(ctx, run, conn)
}

func (o *Orchestrator) awaitOpen(ctx context.Context, run *sessionRun, conn Connection) {
	updates := conn.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				o.terminate(run, TriggerConnectionClosed, NewConnectionClosedError("update stream ended", nil), UploadResult{})
				return
			}
			switch update.State {
			case ConnectionOpen:
				if !run.session.Advance(StatusConnected) {
					return
				}
				o.saveRecord(ctx, run)
				o.upload(ctx, run, conn)
				return
			case ConnectionClose:
				o.terminate(run, TriggerConnectionClosed, NewConnectionClosedError(update.Reason, update.Err), UploadResult{})
				return
			default:
				o.logWithLevel(ctx, "debug", "connection update", map[string]any{
					"session_id": run.session.ID(),
					"state":      string(update.State),
				})
			}
		}
	}
}

func (o *Orchestrator) upload(ctx context.Context, run *sessionRun, conn Connection) {
	bundlePath := filepath.Join(run.session.Directory(), o.config.BundleFile)
	if !o.awaitBundle(ctx, conn, bundlePath) {
		if ctx.Err() != nil {
			return
		}
		o.terminate(run, TriggerPrecondition, NewCredentialNotReadyError(o.config.BundleFile), UploadResult{})
		return
	}
	if !run.session.Advance(StatusUploading) {
		return
	}
	run.stopWatchdog()
	o.saveRecord(ctx, run)

	result, err := o.uploader.Upload(ctx, bundlePath)
	if err == nil && strings.TrimSpace(result.CredentialID) == "" {
		err = NewUploadError(errors.New("uploader returned no credential id"), result.Attempts, 0, "")
	}
	if err != nil {
		var richErr *goerrors.Error
		if !goerrors.As(err, &richErr) {
			err = NewUploadError(err, result.Attempts, 0, "")
		}
		o.terminate(run, TriggerUpload, err, result)
		return
	}
	o.terminate(run, TriggerUpload, nil, result)
}

// awaitBundle waits up to the flush bound for the credential file, waking
// early on a persistence notification.
func (o *Orchestrator) awaitBundle(ctx context.Context, conn Connection, path string) bool {
	wait := o.config.FlushWait()
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		persisted := conn.CredentialsPersisted()
	flush:
		for {
			select {
			case <-ctx.Done():
				return false
			case <-timer.C:
				break flush
			case _, ok := <-persisted:
				if !ok {
					persisted = nil
					continue
				}
				if bundleExists(path) {
					return true
				}
			}
		}
	}
	return bundleExists(path)
}

func bundleExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// terminate is the single entry for every terminal trigger. Only the caller
// that acquires the session latch runs cleanup.
func (o *Orchestrator) terminate(run *sessionRun, trigger Trigger, cause error, result UploadResult) bool {
	if !run.session.Finish(trigger, cause, result.CredentialID, o.now()) {
		o.logWithLevel(context.Background(), "debug", "terminal trigger ignored", map[string]any{
			"session_id": run.session.ID(),
			"trigger":    string(trigger),
			"status":     string(run.session.Status()),
		})
		return false
	}
	run.recordUpload(result)
	o.finalize(run)
	return true
}

func (o *Orchestrator) finalize(run *sessionRun) {
	defer close(run.done)
	ctx := context.Background()
	snapshot := run.session.Snapshot()

	run.stopWatchdog()

	if snapshot.Status != StatusAborted {
		if err := run.publisher.Publish(ctx, terminalEvent(snapshot)); err != nil {
			o.logWithLevel(ctx, "warn", "publish terminal event failed", map[string]any{
				"session_id": snapshot.ID,
				"error":      err.Error(),
			})
		}
	}
	if err := run.publisher.Close(); err != nil {
		o.logWithLevel(ctx, "debug", "close event stream failed", map[string]any{
			"session_id": snapshot.ID,
			"error":      err.Error(),
		})
	}

	if snapshot.Status == StatusSucceeded && snapshot.CredentialID != "" && !o.config.DisableSelfNotify {
		o.notifySelf(run, snapshot.CredentialID)
	}

	run.cancel()

	if err := run.closeConnection(); err != nil {
		o.logWithLevel(ctx, "warn", "close connection failed", map[string]any{
			"session_id": snapshot.ID,
			"error":      err.Error(),
		})
	}
	o.removeDirectory(ctx, run)
	o.saveRecord(ctx, run)
	o.observeSession(ctx, snapshot, run.uploadAttempts())
}

func (o *Orchestrator) notifySelf(run *sessionRun, credentialID string) {
	conn := run.connection()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.config.NotifyTimeout())
	defer cancel()

	self := conn.SelfID()
	if strings.TrimSpace(self) == "" {
		o.logWithLevel(ctx, "warn", "self notification skipped", map[string]any{
			"session_id": run.session.ID(),
			"reason":     "connection has no self id",
		})
		return
	}
	messages := []string{credentialID}
	if text := strings.TrimSpace(o.config.ConfirmationText); text != "" {
		messages = append(messages, text)
	}
	for _, message := range messages {
		if err := conn.SendText(ctx, self, message); err != nil {
			o.logWithLevel(ctx, "warn", "self notification failed", map[string]any{
				"session_id": run.session.ID(),
				"error":      err.Error(),
			})
			return
		}
	}
}

func (o *Orchestrator) removeDirectory(ctx context.Context, run *sessionRun) {
	directory := run.sessionDirectory()
	if directory == nil {
		return
	}
	err := run.deleteDirectory()
	if err == nil {
		return
	}
	o.logWithLevel(ctx, "warn", "remove session directory failed", map[string]any{
		"session_id": run.session.ID(),
		"error":      err.Error(),
	})
	if o.cleanup == nil {
		return
	}
	if scheduleErr := o.cleanup.ScheduleCleanup(ctx, run.session.ID(), directory.Path()); scheduleErr != nil {
		o.logWithLevel(ctx, "error", "schedule directory cleanup failed", map[string]any{
			"session_id": run.session.ID(),
			"error":      scheduleErr.Error(),
		})
	}
}

func (o *Orchestrator) publishProgress(ctx context.Context, run *sessionRun, event Event) {
	var publishErr error
	run.session.whileActive(func() {
		publishErr = run.publisher.Publish(ctx, event)
	})
	if publishErr != nil {
		o.logWithLevel(ctx, "warn", "publish event failed", map[string]any{
			"session_id": run.session.ID(),
			"event":      string(event.Type),
			"error":      publishErr.Error(),
		})
	}
}

func terminalEvent(snapshot SessionSnapshot) Event {
	switch {
	case snapshot.Status == StatusSucceeded && snapshot.Trigger == TriggerRegistered:
		return Event{Type: EventSession, Data: map[string]any{
			"sessionId":  snapshot.ID,
			"registered": true,
			"message":    "already registered",
		}}
	case snapshot.Status == StatusSucceeded:
		return Event{Type: EventSession, Data: map[string]any{
			"sessionId":    snapshot.ID,
			"credentialId": snapshot.CredentialID,
			"message":      "session uploaded",
		}}
	default:
		return Event{Type: EventError, Data: ErrorPayload(snapshot.Err)}
	}
}

func (o *Orchestrator) track(run *sessionRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[run.session.ID()] = run
}

func (o *Orchestrator) untrack(run *sessionRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, run.session.ID())
}

func (o *Orchestrator) saveRecord(ctx context.Context, run *sessionRun) {
	if o.ledger == nil {
		return
	}
	if err := o.ledger.Save(context.WithoutCancel(ctx), o.buildRecord(run)); err != nil {
		o.logWithLevel(ctx, "warn", "session ledger write failed", map[string]any{
			"session_id": run.session.ID(),
			"error":      err.Error(),
		})
	}
}

func (o *Orchestrator) buildRecord(run *sessionRun) SessionRecord {
	snapshot := run.session.Snapshot()
	record := SessionRecord{
		SessionID:      snapshot.ID,
		MaskedIdentity: snapshot.MaskedIdentity,
		Status:         snapshot.Status,
		Trigger:        snapshot.Trigger,
		CredentialID:   snapshot.CredentialID,
		Fingerprint:    run.bundleFingerprint(),
		StartedAt:      snapshot.StartedAt,
		UpdatedAt:      o.now(),
	}
	if snapshot.Err != nil {
		mapped := MapError(snapshot.Err)
		record.ErrorCode = mapped.TextCode
		record.ErrorMessage = mapped.Message
	}
	if !snapshot.FinishedAt.IsZero() {
		finished := snapshot.FinishedAt
		record.FinishedAt = &finished
	}
	return record
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, Event) error { return nil }

func (discardPublisher) Close() error { return nil }
