package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// Session is one pairing attempt. Status only moves forward and exactly one
// terminal transition is accepted, whichever trigger gets there first.
type Session struct {
	id        string
	identity  string
	masked    string
	startedAt time.Time

	mu           sync.Mutex
	status       Status
	directory    string
	credentialID string
	trigger      Trigger
	err          error
	finishedAt   time.Time

	terminal atomic.Bool
}

func NewSession(id string, identity string, masked string, startedAt time.Time) *Session {
	return &Session{
		id:        id,
		identity:  identity,
		masked:    masked,
		startedAt: startedAt,
		status:    StatusPending,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Identity() string {
	return s.identity
}

func (s *Session) MaskedIdentity() string {
	return s.masked
}

func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Directory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directory
}

func (s *Session) CredentialID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credentialID
}

func (s *Session) Terminal() bool {
	return s.terminal.Load()
}

func (s *Session) setDirectory(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directory = path
}

// Advance performs a non-terminal forward transition. It fails once the
// session is terminal or when next is not the successor of the current
// status.
func (s *Session) Advance(next Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal.Load() || !s.status.canAdvance(next) {
		return false
	}
	s.status = next
	return true
}

// Finish acquires the terminal latch for trigger. Only the first caller whose
// trigger is allowed from the current status wins; every other call returns
// false without touching session state.
func (s *Session) Finish(trigger Trigger, cause error, credentialID string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal.Load() || !trigger.Allows(s.status) {
		return false
	}
	if !s.terminal.CompareAndSwap(false, true) {
		return false
	}
	s.status = trigger.Target(cause != nil)
	s.trigger = trigger
	s.err = cause
	s.finishedAt = at
	if s.status == StatusSucceeded {
		s.credentialID = credentialID
	}
	return true
}

// whileActive runs fn under the session lock only if no terminal transition
// has happened yet.
func (s *Session) whileActive(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal.Load() {
		return false
	}
	fn()
	return true
}

type SessionSnapshot struct {
	ID             string
	MaskedIdentity string
	Status         Status
	Trigger        Trigger
	CredentialID   string
	Directory      string
	Err            error
	StartedAt      time.Time
	FinishedAt     time.Time
}

func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		ID:             s.id,
		MaskedIdentity: s.masked,
		Status:         s.status,
		Trigger:        s.trigger,
		CredentialID:   s.credentialID,
		Directory:      s.directory,
		Err:            s.err,
		StartedAt:      s.startedAt,
		FinishedAt:     s.finishedAt,
	}
}
