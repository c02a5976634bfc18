package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionOpen       ConnectionState = "open"
	ConnectionClose      ConnectionState = "close"
)

type ConnectionUpdate struct {
	State  ConnectionState
	Reason string
	Err    error
}

type ConnectionRequest struct {
	SessionID string
	Directory string
	Identity  string
}

// Connection is the external protocol client bound to one session
// directory. Updates and CredentialsPersisted must never block the sender:
// implementations buffer or drop when nobody is reading.
type Connection interface {
	Registered() bool
	RequestPairingCode(ctx context.Context, identity string) (string, error)
	Updates() <-chan ConnectionUpdate
	CredentialsPersisted() <-chan struct{}
	SelfID() string
	SendText(ctx context.Context, to string, text string) error
	Close() error
}

type ConnectionFactory interface {
	Open(ctx context.Context, req ConnectionRequest) (Connection, error)
}

type ConnectionFactoryFunc func(ctx context.Context, req ConnectionRequest) (Connection, error)

func (f ConnectionFactoryFunc) Open(ctx context.Context, req ConnectionRequest) (Connection, error) {
	return f(ctx, req)
}

type EventType string

const (
	EventCode    EventType = "code"
	EventInfo    EventType = "info"
	EventSession EventType = "session"
	EventError   EventType = "error"
)

func (t EventType) Terminal() bool {
	return t == EventSession || t == EventError
}

type Event struct {
	Type EventType
	Data any
}

// EventPublisher delivers ordered events to the requesting client. At most
// one terminal event is accepted; Close ends the stream.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type SessionDirectory interface {
	Path() string
	Delete() error
}

type DirectoryProvider interface {
	Create(sessionID string) (SessionDirectory, error)
}

type IDGenerator interface {
	New() (string, error)
}

type IdentityNormalizer interface {
	Normalize(raw string) (string, error)
	Mask(normalized string) string
}

type UploadResult struct {
	CredentialID string
	Fingerprint  string
	Attempts     int
}

type CredentialUploader interface {
	Upload(ctx context.Context, bundlePath string) (UploadResult, error)
}

type SessionRecord struct {
	SessionID      string
	MaskedIdentity string
	Status         Status
	Trigger        Trigger
	CredentialID   string
	ErrorCode      string
	ErrorMessage   string
	Fingerprint    string
	StartedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
}

type SessionLedger interface {
	Save(ctx context.Context, record SessionRecord) error
	Get(ctx context.Context, sessionID string) (SessionRecord, error)
}

type CleanupScheduler interface {
	ScheduleCleanup(ctx context.Context, sessionID string, path string) error
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
