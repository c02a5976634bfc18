package core

import (
	"context"
	"strings"
	"sync"
)

// MemoryLedger keeps session records in process. Records are copied on the
// way in and out.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]SessionRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: map[string]SessionRecord{}}
}

func (l *MemoryLedger) Save(_ context.Context, record SessionRecord) error {
	if l == nil {
		return nil
	}
	id := strings.TrimSpace(record.SessionID)
	if id == "" {
		return NewValidationError("session id is required")
	}
	if record.FinishedAt != nil {
		finished := *record.FinishedAt
		record.FinishedAt = &finished
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.records[id]; ok && existing.Status.Terminal() && !record.Status.Terminal() {
		return nil
	}
	l.records[id] = record
	return nil
}

func (l *MemoryLedger) Get(_ context.Context, sessionID string) (SessionRecord, error) {
	if l == nil {
		return SessionRecord{}, NewNotFoundError("session not found")
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	record, ok := l.records[strings.TrimSpace(sessionID)]
	if !ok {
		return SessionRecord{}, NewNotFoundError("session not found")
	}
	if record.FinishedAt != nil {
		finished := *record.FinishedAt
		record.FinishedAt = &finished
	}
	return record, nil
}

var _ SessionLedger = (*MemoryLedger)(nil)
