package core

import (
	"context"
	"sync"

	"github.com/goliatone/go-pairing/watchdog"
)

// sessionRun carries the resources one session owns. Each resource is
// released at most once no matter how many cleanup paths reach it.
type sessionRun struct {
	session   *Session
	publisher EventPublisher
	cancel    context.CancelFunc
	done      chan struct{}

	mu          sync.Mutex
	directory   SessionDirectory
	dog         *watchdog.Watchdog
	conn        Connection
	connClosed  bool
	fingerprint string
	attempts    int

	closeOnce  sync.Once
	closeErr   error
	deleteOnce sync.Once
	deleteErr  error
}

func (r *sessionRun) setDirectory(directory SessionDirectory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.directory = directory
}

func (r *sessionRun) sessionDirectory() SessionDirectory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.directory
}

func (r *sessionRun) setWatchdog(dog *watchdog.Watchdog) {
	r.mu.Lock()
	r.dog = dog
	r.mu.Unlock()
	if r.session.Terminal() {
		dog.Stop()
	}
}

func (r *sessionRun) stopWatchdog() {
	r.mu.Lock()
	dog := r.dog
	r.mu.Unlock()
	dog.Stop()
}

// attach binds the opened connection. A connection that arrives after the
// session finished is closed immediately and its close error returned.
func (r *sessionRun) attach(conn Connection) (bool, error) {
	r.mu.Lock()
	if r.connClosed || r.session.Terminal() {
		r.mu.Unlock()
		return false, conn.Close()
	}
	r.conn = conn
	r.mu.Unlock()
	return true, nil
}

func (r *sessionRun) connection() Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *sessionRun) closeConnection() error {
	r.mu.Lock()
	r.connClosed = true
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		r.closeErr = conn.Close()
	})
	return r.closeErr
}

func (r *sessionRun) deleteDirectory() error {
	directory := r.sessionDirectory()
	if directory == nil {
		return nil
	}
	r.deleteOnce.Do(func() {
		r.deleteErr = directory.Delete()
	})
	return r.deleteErr
}

func (r *sessionRun) recordUpload(result UploadResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if result.Fingerprint != "" {
		r.fingerprint = result.Fingerprint
	}
	if result.Attempts > 0 {
		r.attempts = result.Attempts
	}
}

func (r *sessionRun) bundleFingerprint() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fingerprint
}

func (r *sessionRun) uploadAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func (r *sessionRun) outcome() (Outcome, error) {
	snapshot := r.session.Snapshot()
	return Outcome{
		SessionID:    snapshot.ID,
		Status:       snapshot.Status,
		Trigger:      snapshot.Trigger,
		CredentialID: snapshot.CredentialID,
		Err:          snapshot.Err,
		StartedAt:    snapshot.StartedAt,
		FinishedAt:   snapshot.FinishedAt,
	}, snapshot.Err
}
