package pairing

import (
	"context"

	"github.com/goliatone/go-pairing/core"
)

type Config = core.Config

type Option = core.Option

type Orchestrator = core.Orchestrator
type Outcome = core.Outcome
type Event = core.Event
type EventPublisher = core.EventPublisher
type Connection = core.Connection
type ConnectionFactory = core.ConnectionFactory
type SessionLedger = core.SessionLedger
type SessionRecord = core.SessionRecord
type MetricsRecorder = core.MetricsRecorder

var (
	WithLogger             = core.WithLogger
	WithLoggerProvider     = core.WithLoggerProvider
	WithMetricsRecorder    = core.WithMetricsRecorder
	WithConnectionFactory  = core.WithConnectionFactory
	WithDirectoryProvider  = core.WithDirectoryProvider
	WithIDGenerator        = core.WithIDGenerator
	WithIdentityNormalizer = core.WithIdentityNormalizer
	WithCredentialUploader = core.WithCredentialUploader
	WithSessionLedger      = core.WithSessionLedger
	WithCleanupScheduler   = core.WithCleanupScheduler
	WithClock              = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// LoadConfig layers defaults, the optional YAML file at path, environment
// variables and overrides, then validates the result.
func LoadConfig(ctx context.Context, path string, overrides map[string]any) (Config, error) {
	return core.LoadConfig(ctx, path, overrides)
}

func NewOrchestrator(cfg core.PairingConfig, opts ...Option) (*Orchestrator, error) {
	return core.NewOrchestrator(cfg, opts...)
}
