package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

func TestOrchestratorPair_SuccessPublishesCodeThenSession(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	h.pairSucceedsOnCode(t)
	publisher := newCapturePublisher()

	outcome, err := h.orchestrator.Pair(context.Background(), "+1 (555) 123-4567", publisher)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if outcome.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %q", outcome.Status)
	}
	if outcome.Trigger != TriggerUpload {
		t.Fatalf("expected upload trigger, got %q", outcome.Trigger)
	}
	if !strings.HasPrefix(outcome.CredentialID, "TERAN-XMD~") {
		t.Fatalf("expected namespaced credential id, got %q", outcome.CredentialID)
	}
	if outcome.CredentialID == outcome.SessionID {
		t.Fatalf("expected credential id to differ from session id")
	}
	if got := h.conn.requestedIdentities(); len(got) != 1 || got[0] != "15551234567" {
		t.Fatalf("expected normalized identity 15551234567, got %v", got)
	}

	events, closed := publisher.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected code and session events, got %d", len(events))
	}
	if events[0].Type != EventCode || events[1].Type != EventSession {
		t.Fatalf("expected code before session, got %q then %q", events[0].Type, events[1].Type)
	}
	data, ok := events[1].Data.(map[string]any)
	if !ok || data["credentialId"] != outcome.CredentialID {
		t.Fatalf("expected session event to carry credential id, got %#v", events[1].Data)
	}
	if closed != 1 {
		t.Fatalf("expected publisher closed once, got %d", closed)
	}

	dir := h.dirs.last()
	assertDirectoryGone(t, dir.Path())
	if dir.deletes.Load() != 1 {
		t.Fatalf("expected exactly one delete, got %d", dir.deletes.Load())
	}
	if h.conn.closes() != 1 {
		t.Fatalf("expected connection closed once, got %d", h.conn.closes())
	}
	sent := h.conn.sentMessages()
	if len(sent) != 2 || !strings.Contains(sent[0], outcome.CredentialID) {
		t.Fatalf("expected credential id self notification, got %v", sent)
	}

	record, err := h.orchestrator.Lookup(context.Background(), outcome.SessionID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if record.Status != StatusSucceeded || record.Fingerprint != "b3:test" || record.FinishedAt == nil {
		t.Fatalf("unexpected ledger record %#v", record)
	}
	if record.MaskedIdentity != "*******4567" {
		t.Fatalf("expected masked identity, got %q", record.MaskedIdentity)
	}
}

func TestOrchestratorPair_WatchdogTimesOut(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	publisher := newCapturePublisher()

	results := h.pairAsync(context.Background(), "15551234567", publisher)
	publisher.waitCode(t)
	h.clock.Advance(time.Minute)
	result := waitResult(t, results)

	if result.outcome.Status != StatusTimedOut {
		t.Fatalf("expected timed_out, got %q", result.outcome.Status)
	}
	if ErrorTextCode(result.err) != ErrorCodeTimeout {
		t.Fatalf("expected timeout error code, got %q", ErrorTextCode(result.err))
	}
	events, _ := publisher.snapshot()
	terminal := terminalEvents(events)
	if len(terminal) != 1 || terminal[0].Type != EventError {
		t.Fatalf("expected one error event, got %#v", terminal)
	}
	payload := terminal[0].Data.(map[string]any)
	if payload["code"] != ErrorCodeTimeout {
		t.Fatalf("expected timeout reason in payload, got %#v", payload)
	}
	assertDirectoryGone(t, h.dirs.last().Path())
	if h.conn.closes() != 1 {
		t.Fatalf("expected connection closed once, got %d", h.conn.closes())
	}
}

func TestOrchestratorPair_WatchdogAfterSuccessIsNoop(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	h.pairSucceedsOnCode(t)
	publisher := newCapturePublisher()

	if _, err := h.orchestrator.Pair(context.Background(), "15551234567", publisher); err != nil {
		t.Fatalf("pair: %v", err)
	}
	h.clock.Advance(10 * time.Minute)

	events, closed := publisher.snapshot()
	if len(terminalEvents(events)) != 1 {
		t.Fatalf("expected a single terminal event, got %d", len(terminalEvents(events)))
	}
	if closed != 1 {
		t.Fatalf("expected publisher closed once, got %d", closed)
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("expected watchdog to be stopped, %d timers pending", h.clock.Pending())
	}
}

func TestOrchestratorPair_ClientDisconnectAborts(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	publisher := newCapturePublisher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := h.pairAsync(ctx, "15551234567", publisher)
	publisher.waitCode(t)
	cancel()
	result := waitResult(t, results)

	if result.outcome.Status != StatusAborted {
		t.Fatalf("expected aborted, got %q", result.outcome.Status)
	}
	if ErrorTextCode(result.err) != ErrorCodeClientAbort {
		t.Fatalf("expected client abort code, got %q", ErrorTextCode(result.err))
	}
	events, closed := publisher.snapshot()
	if len(events) != 1 || events[0].Type != EventCode {
		t.Fatalf("expected only the code event, got %#v", events)
	}
	if closed != 1 {
		t.Fatalf("expected publisher closed once, got %d", closed)
	}
	if h.conn.closes() != 1 {
		t.Fatalf("expected connection close attempt, got %d", h.conn.closes())
	}
	assertDirectoryGone(t, h.dirs.last().Path())
	if h.uploader.calls.Load() != 0 {
		t.Fatalf("expected no upload after abort")
	}
}

func TestOrchestratorPair_ConnectionCloseFails(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	h.conn.onCode = func() {
		h.conn.updates <- ConnectionUpdate{State: ConnectionClose, Reason: "logged out"}
	}
	publisher := newCapturePublisher()

	outcome, err := h.orchestrator.Pair(context.Background(), "15551234567", publisher)
	if outcome.Status != StatusFailed || outcome.Trigger != TriggerConnectionClosed {
		t.Fatalf("expected failed via connection close, got %q/%q", outcome.Status, outcome.Trigger)
	}
	if ErrorTextCode(err) != ErrorCodeConnectionClosed {
		t.Fatalf("expected connection closed code, got %q", ErrorTextCode(err))
	}
	events, _ := publisher.snapshot()
	terminal := terminalEvents(events)
	if len(terminal) != 1 {
		t.Fatalf("expected one terminal event, got %d", len(terminal))
	}
	payload := terminal[0].Data.(map[string]any)
	if payload["detail"] != "logged out" {
		t.Fatalf("expected close reason as detail, got %#v", payload)
	}
	assertDirectoryGone(t, h.dirs.last().Path())
}

func TestOrchestratorPair_MissingBundleIsPreconditionFailure(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	h.conn.onCode = func() {
		h.conn.updates <- ConnectionUpdate{State: ConnectionOpen}
	}
	publisher := newCapturePublisher()

	outcome, err := h.orchestrator.Pair(context.Background(), "15551234567", publisher)
	if outcome.Status != StatusFailed || outcome.Trigger != TriggerPrecondition {
		t.Fatalf("expected precondition failure, got %q/%q", outcome.Status, outcome.Trigger)
	}
	if ErrorTextCode(err) != ErrorCodeCredentialNotReady {
		t.Fatalf("expected credential not ready code, got %q", ErrorTextCode(err))
	}
	if h.uploader.calls.Load() != 0 {
		t.Fatalf("expected uploader not to be called")
	}
	assertDirectoryGone(t, h.dirs.last().Path())
}

func TestOrchestratorPair_UploadFailure(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	h.pairSucceedsOnCode(t)
	h.uploader.err = NewUploadError(errors.New("status 500"), 3, 500, "upstream exploded")
	publisher := newCapturePublisher()

	outcome, err := h.orchestrator.Pair(context.Background(), "15551234567", publisher)
	if outcome.Status != StatusFailed || outcome.Trigger != TriggerUpload {
		t.Fatalf("expected upload failure, got %q/%q", outcome.Status, outcome.Trigger)
	}
	if outcome.CredentialID != "" {
		t.Fatalf("expected no credential id on failure, got %q", outcome.CredentialID)
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != ErrorCodeUploadFailed {
		t.Fatalf("expected upload error, got %v", err)
	}
	events, _ := publisher.snapshot()
	terminal := terminalEvents(events)
	if len(terminal) != 1 || terminal[0].Type != EventError {
		t.Fatalf("expected single error event, got %#v", terminal)
	}
	if payload := terminal[0].Data.(map[string]any); payload["detail"] != "upstream exploded" {
		t.Fatalf("expected upstream body as detail, got %#v", payload)
	}
	if sent := h.conn.sentMessages(); len(sent) != 0 {
		t.Fatalf("expected no self notification on failure, got %v", sent)
	}
	assertDirectoryGone(t, h.dirs.last().Path())
}

func TestOrchestratorPair_PlainUploaderErrorIsWrapped(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	h.pairSucceedsOnCode(t)
	h.uploader.err = errors.New("dial tcp: refused")

	_, err := h.orchestrator.Pair(context.Background(), "15551234567", newCapturePublisher())
	if ErrorTextCode(err) != ErrorCodeUploadFailed {
		t.Fatalf("expected wrapped upload error, got %v", err)
	}
}

func TestOrchestratorPair_AlreadyRegistered(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	h.conn.registered = true
	publisher := newCapturePublisher()

	outcome, err := h.orchestrator.Pair(context.Background(), "15551234567", publisher)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if outcome.Status != StatusSucceeded || outcome.Trigger != TriggerRegistered {
		t.Fatalf("expected registered success, got %q/%q", outcome.Status, outcome.Trigger)
	}
	if got := h.conn.requestedIdentities(); len(got) != 0 {
		t.Fatalf("expected no pairing code request, got %v", got)
	}
	events, _ := publisher.snapshot()
	if len(events) != 2 || events[0].Type != EventInfo || events[1].Type != EventSession {
		t.Fatalf("expected info then session, got %#v", events)
	}
	if data := events[1].Data.(map[string]any); data["registered"] != true {
		t.Fatalf("expected registered marker, got %#v", data)
	}
	if h.uploader.calls.Load() != 0 {
		t.Fatalf("expected no upload for registered session")
	}
	assertDirectoryGone(t, h.dirs.last().Path())
	if h.conn.closes() != 1 {
		t.Fatalf("expected connection closed once, got %d", h.conn.closes())
	}
}

func TestOrchestratorPair_ValidationErrorCreatesNothing(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	publisher := newCapturePublisher()

	outcome, err := h.orchestrator.Pair(context.Background(), "no digits", publisher)
	if ErrorTextCode(err) != ErrorCodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if outcome.SessionID != "" {
		t.Fatalf("expected no session, got %q", outcome.SessionID)
	}
	events, closed := publisher.snapshot()
	if len(events) != 0 || closed != 0 {
		t.Fatalf("expected untouched publisher, got %d events closed=%d", len(events), closed)
	}
	if h.dirs.last() != nil {
		t.Fatalf("expected no directory to be created")
	}
}

func TestOrchestratorPair_DirectoryFailure(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	h.dirs.createErr = errors.New("read-only file system")
	publisher := newCapturePublisher()

	outcome, err := h.orchestrator.Pair(context.Background(), "15551234567", publisher)
	if outcome.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", outcome.Status)
	}
	if ErrorTextCode(err) != ErrorCodeDirectory {
		t.Fatalf("expected directory error, got %v", err)
	}
	if h.factory.opened.Load() != 0 {
		t.Fatalf("expected no connection to be opened")
	}
	events, closed := publisher.snapshot()
	if len(events) != 1 || events[0].Type != EventError || closed != 1 {
		t.Fatalf("expected a single error event and closed stream, got %#v closed=%d", events, closed)
	}
}

func TestOrchestratorPair_OpenFailure(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	h.factory.openErr = errors.New("handshake refused")

	outcome, err := h.orchestrator.Pair(context.Background(), "15551234567", newCapturePublisher())
	if outcome.Status != StatusFailed || outcome.Trigger != TriggerSetup {
		t.Fatalf("expected setup failure, got %q/%q", outcome.Status, outcome.Trigger)
	}
	if !errors.Is(err, ErrConnectionClosed) && ErrorTextCode(err) != ErrorCodeConnectionClosed {
		t.Fatalf("expected connection error, got %v", err)
	}
	assertDirectoryGone(t, h.dirs.last().Path())
}

func TestOrchestratorPair_LateConnectionIsClosed(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	h.factory.gate = make(chan struct{})
	publisher := newCapturePublisher()

	results := h.pairAsync(context.Background(), "15551234567", publisher)
	deadline := time.Now().Add(5 * time.Second)
	for h.factory.opened.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for open")
		}
		time.Sleep(time.Millisecond)
	}
	h.clock.Advance(time.Minute)
	result := waitResult(t, results)
	if result.outcome.Status != StatusTimedOut {
		t.Fatalf("expected timed_out while open hangs, got %q", result.outcome.Status)
	}

	close(h.factory.gate)
	for h.conn.closes() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected late connection to be closed")
		}
		time.Sleep(time.Millisecond)
	}
	if got := h.conn.requestedIdentities(); len(got) != 0 {
		t.Fatalf("expected no code request on a finished session, got %v", got)
	}
	events, _ := publisher.snapshot()
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("expected only the timeout error, got %#v", events)
	}
}

func TestOrchestratorPair_FailedDeleteSchedulesCleanup(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	h.dirs.deleteErr = errors.New("device busy")
	h.pairSucceedsOnCode(t)

	outcome, err := h.orchestrator.Pair(context.Background(), "15551234567", newCapturePublisher())
	if err != nil || outcome.Status != StatusSucceeded {
		t.Fatalf("expected delete failure not to change outcome, got %q err=%v", outcome.Status, err)
	}
	scheduled := h.cleanup.scheduled()
	if len(scheduled) != 1 || scheduled[0] != h.dirs.last().Path() {
		t.Fatalf("expected cleanup scheduled for session directory, got %v", scheduled)
	}
}

func TestOrchestratorPair_SelfNotifyFailureKeepsSuccess(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	h.pairSucceedsOnCode(t)
	h.conn.sendErr = errors.New("not connected")

	outcome, err := h.orchestrator.Pair(context.Background(), "15551234567", newCapturePublisher())
	if err != nil || outcome.Status != StatusSucceeded {
		t.Fatalf("expected success despite notify failure, got %q err=%v", outcome.Status, err)
	}
}

func TestOrchestratorShutdown_FailsActiveSessions(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	publisher := newCapturePublisher()

	results := h.pairAsync(context.Background(), "15551234567", publisher)
	publisher.waitCode(t)
	if len(h.orchestrator.Active()) != 1 {
		t.Fatalf("expected one active session")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orchestrator.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	result := waitResult(t, results)
	if result.outcome.Status != StatusFailed || result.outcome.Trigger != TriggerShutdown {
		t.Fatalf("expected shutdown failure, got %q/%q", result.outcome.Status, result.outcome.Trigger)
	}
	assertDirectoryGone(t, h.dirs.last().Path())
}

func TestOrchestratorLookup_UnknownSession(t *testing.T) {
	h := newHarness(t, testPairingConfig())
	_, err := h.orchestrator.Lookup(context.Background(), "PAIR~missing")
	if ErrorTextCode(err) != ErrorCodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewOrchestrator_RequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(testPairingConfig())
	if err == nil {
		t.Fatalf("expected missing collaborator error")
	}
	if !strings.Contains(err.Error(), "connection factory") || !strings.Contains(err.Error(), "credential uploader") {
		t.Fatalf("expected missing collaborators to be named, got %v", err)
	}
}
