package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-pairing/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SessionLedger stores one row per pairing session in pairing_sessions.
// A terminal row is never overwritten by a non-terminal save.
type SessionLedger struct {
	db   *bun.DB
	repo repository.Repository[*sessionRecord]
	now  func() time.Time
}

func NewSessionLedger(db *bun.DB) (*SessionLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*sessionRecord](db, sessionHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid session repository wiring: %w", err)
		}
	}
	return &SessionLedger{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (l *SessionLedger) Save(ctx context.Context, in core.SessionRecord) error {
	if l == nil || l.db == nil || l.repo == nil {
		return fmt.Errorf("sqlstore: session ledger is not configured")
	}
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return core.NewValidationError("session id is required")
	}
	updatedAt := in.UpdatedAt.UTC()
	if in.UpdatedAt.IsZero() {
		updatedAt = l.now()
	}

	return l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := findSessionTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if existing == nil {
			record := newSessionRecord(in, sessionID, updatedAt)
			_, createErr := l.repo.CreateTx(ctx, tx, record)
			return createErr
		}
		if core.Status(existing.Status).Terminal() && !in.Status.Terminal() {
			return nil
		}
		applySessionRecord(existing, in, updatedAt)
		_, updateErr := tx.NewUpdate().
			Model(existing).
			Where("id = ?", existing.ID).
			Exec(ctx)
		return updateErr
	})
}

func (l *SessionLedger) Get(ctx context.Context, sessionID string) (core.SessionRecord, error) {
	if l == nil || l.repo == nil {
		return core.SessionRecord{}, fmt.Errorf("sqlstore: session ledger is not configured")
	}
	records, _, err := l.repo.List(ctx,
		repository.SelectBy("session_id", "=", strings.TrimSpace(sessionID)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.SessionRecord{}, err
	}
	if len(records) == 0 {
		return core.SessionRecord{}, core.NewNotFoundError("session not found")
	}
	return records[0].toDomain(), nil
}

// ListStale returns sessions still non-terminal that started before cutoff,
// the rows a crashed process left behind.
func (l *SessionLedger) ListStale(ctx context.Context, cutoff time.Time) ([]core.SessionRecord, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("sqlstore: session ledger is not configured")
	}
	var records []sessionRecord
	err := l.db.NewSelect().
		Model(&records).
		Where("?TableAlias.status NOT IN (?)", bun.In(terminalStatuses())).
		Where("?TableAlias.started_at < ?", cutoff.UTC()).
		OrderExpr("?TableAlias.started_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.SessionRecord, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

func findSessionTx(ctx context.Context, tx bun.Tx, sessionID string) (*sessionRecord, error) {
	record := &sessionRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.session_id = ?", sessionID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func newSessionRecord(in core.SessionRecord, sessionID string, updatedAt time.Time) *sessionRecord {
	record := &sessionRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StartedAt: in.StartedAt.UTC(),
		CreatedAt: updatedAt,
	}
	if in.StartedAt.IsZero() {
		record.StartedAt = updatedAt
	}
	applySessionRecord(record, in, updatedAt)
	return record
}

func applySessionRecord(record *sessionRecord, in core.SessionRecord, updatedAt time.Time) {
	record.MaskedIdentity = strings.TrimSpace(in.MaskedIdentity)
	record.Status = string(in.Status)
	record.Trigger = string(in.Trigger)
	record.CredentialID = strings.TrimSpace(in.CredentialID)
	record.ErrorCode = strings.TrimSpace(in.ErrorCode)
	record.ErrorMessage = strings.TrimSpace(in.ErrorMessage)
	record.Fingerprint = strings.TrimSpace(in.Fingerprint)
	record.UpdatedAt = updatedAt
	record.FinishedAt = nil
	if in.FinishedAt != nil {
		finished := in.FinishedAt.UTC()
		record.FinishedAt = &finished
	}
}

func (r *sessionRecord) toDomain() core.SessionRecord {
	if r == nil {
		return core.SessionRecord{}
	}
	out := core.SessionRecord{
		SessionID:      r.SessionID,
		MaskedIdentity: r.MaskedIdentity,
		Status:         core.Status(r.Status),
		Trigger:        core.Trigger(r.Trigger),
		CredentialID:   r.CredentialID,
		ErrorCode:      r.ErrorCode,
		ErrorMessage:   r.ErrorMessage,
		Fingerprint:    r.Fingerprint,
		StartedAt:      r.StartedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.FinishedAt != nil {
		finished := r.FinishedAt.UTC()
		out.FinishedAt = &finished
	}
	return out
}

func terminalStatuses() []string {
	return []string{
		string(core.StatusSucceeded),
		string(core.StatusFailed),
		string(core.StatusTimedOut),
		string(core.StatusAborted),
	}
}

var _ core.SessionLedger = (*SessionLedger)(nil)
