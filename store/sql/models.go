package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type sessionRecord struct {
	bun.BaseModel `bun:"table:pairing_sessions,alias:ps"`

	ID             string     `bun:"id,pk"`
	SessionID      string     `bun:"session_id,notnull"`
	MaskedIdentity string     `bun:"masked_identity,notnull"`
	Status         string     `bun:"status,notnull"`
	Trigger        string     `bun:"trigger_name,notnull"`
	CredentialID   string     `bun:"credential_id,notnull"`
	ErrorCode      string     `bun:"error_code,notnull"`
	ErrorMessage   string     `bun:"error_message,notnull"`
	Fingerprint    string     `bun:"bundle_fingerprint,notnull"`
	StartedAt      time.Time  `bun:"started_at,notnull"`
	FinishedAt     *time.Time `bun:"finished_at,nullzero"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
