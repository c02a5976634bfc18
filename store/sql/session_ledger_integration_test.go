package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-pairing/core"
	sqlstore "github.com/goliatone/go-pairing/store/sql"
)

func newSQLiteLedger(t *testing.T) *sqlstore.Ledger {
	t.Helper()
	ledger, err := sqlstore.OpenLedger(context.Background(), core.LedgerConfig{
		Driver: "sqlite3",
		DSN:    fmt.Sprintf("file:pairing-test-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })
	return ledger
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	ledger := newSQLiteLedger(t)

	var tableName string
	if err := ledger.DB().NewRaw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		"pairing_sessions",
	).Scan(context.Background(), &tableName); err != nil {
		t.Fatalf("query sqlite master: %v", err)
	}
	if tableName != "pairing_sessions" {
		t.Fatalf("expected pairing_sessions table, got %q", tableName)
	}
}

func TestSessionLedger_SaveProgressAndTerminal(t *testing.T) {
	ctx := context.Background()
	ledger := newSQLiteLedger(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	record := core.SessionRecord{
		SessionID:      "PAIR~abc",
		MaskedIdentity: "*******4567",
		Status:         core.StatusPending,
		StartedAt:      started,
		UpdatedAt:      started,
	}
	if err := ledger.Save(ctx, record); err != nil {
		t.Fatalf("save pending: %v", err)
	}

	record.Status = core.StatusCodeIssued
	record.UpdatedAt = started.Add(time.Second)
	if err := ledger.Save(ctx, record); err != nil {
		t.Fatalf("save code issued: %v", err)
	}

	finished := started.Add(5 * time.Second)
	record.Status = core.StatusSucceeded
	record.Trigger = core.TriggerUpload
	record.CredentialID = "TERAN-XMD~xyz"
	record.Fingerprint = "b3:abc"
	record.FinishedAt = &finished
	record.UpdatedAt = finished
	if err := ledger.Save(ctx, record); err != nil {
		t.Fatalf("save terminal: %v", err)
	}

	stored, err := ledger.Get(ctx, "PAIR~abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != core.StatusSucceeded || stored.Trigger != core.TriggerUpload {
		t.Fatalf("unexpected status/trigger %q/%q", stored.Status, stored.Trigger)
	}
	if stored.CredentialID != "TERAN-XMD~xyz" || stored.Fingerprint != "b3:abc" {
		t.Fatalf("unexpected credential fields %+v", stored)
	}
	if stored.FinishedAt == nil || !stored.FinishedAt.Equal(finished) {
		t.Fatalf("expected finished at %s, got %v", finished, stored.FinishedAt)
	}
	if !stored.StartedAt.Equal(started) {
		t.Fatalf("expected started at %s, got %s", started, stored.StartedAt)
	}

	var rows int
	if err := ledger.DB().NewRaw("SELECT COUNT(*) FROM pairing_sessions").Scan(ctx, &rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected one row per session, got %d", rows)
	}
}

func TestSessionLedger_TerminalRowIsNotRegressed(t *testing.T) {
	ctx := context.Background()
	ledger := newSQLiteLedger(t)
	now := time.Now().UTC()

	if err := ledger.Save(ctx, core.SessionRecord{SessionID: "PAIR~late", Status: core.StatusTimedOut, Trigger: core.TriggerWatchdog, ErrorCode: core.ErrorCodeTimeout, StartedAt: now, FinishedAt: &now}); err != nil {
		t.Fatalf("save terminal: %v", err)
	}
	if err := ledger.Save(ctx, core.SessionRecord{SessionID: "PAIR~late", Status: core.StatusConnected, StartedAt: now}); err != nil {
		t.Fatalf("save late progress: %v", err)
	}

	stored, err := ledger.Get(ctx, "PAIR~late")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != core.StatusTimedOut || stored.ErrorCode != core.ErrorCodeTimeout {
		t.Fatalf("expected terminal row to stay, got %+v", stored)
	}
}

func TestSessionLedger_GetUnknownIsNotFound(t *testing.T) {
	ledger := newSQLiteLedger(t)
	_, err := ledger.Get(context.Background(), "PAIR~missing")
	if !errors.Is(err, core.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := ledger.Save(context.Background(), core.SessionRecord{}); core.ErrorTextCode(err) != core.ErrorCodeValidation {
		t.Fatalf("expected validation error for empty session id, got %v", err)
	}
}

func TestSessionLedger_ListStale(t *testing.T) {
	ctx := context.Background()
	ledger := newSQLiteLedger(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	seed := []core.SessionRecord{
		{SessionID: "PAIR~old-open", Status: core.StatusConnected, StartedAt: base},
		{SessionID: "PAIR~old-done", Status: core.StatusFailed, StartedAt: base},
		{SessionID: "PAIR~new-open", Status: core.StatusPending, StartedAt: base.Add(time.Hour)},
	}
	for _, record := range seed {
		if err := ledger.Save(ctx, record); err != nil {
			t.Fatalf("seed %s: %v", record.SessionID, err)
		}
	}

	stale, err := ledger.ListStale(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].SessionID != "PAIR~old-open" {
		t.Fatalf("expected only the old open session, got %+v", stale)
	}
}

func TestOpenLedger_RejectsUnknownDriver(t *testing.T) {
	if _, err := sqlstore.OpenLedger(context.Background(), core.LedgerConfig{Driver: "mysql", DSN: "x"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := sqlstore.OpenLedger(context.Background(), core.LedgerConfig{Driver: "sqlite3"}); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}
