package core

import (
	"time"

	"github.com/goliatone/go-pairing/watchdog"
)

type orchestratorBuilder struct {
	logger         Logger
	loggerProvider LoggerProvider
	metrics        MetricsRecorder
	connections    ConnectionFactory
	directories    DirectoryProvider
	ids            IDGenerator
	normalizer     IdentityNormalizer
	uploader       CredentialUploader
	ledger         SessionLedger
	cleanup        CleanupScheduler
	clock          watchdog.Clock
	now            func() time.Time
}

type Option func(*orchestratorBuilder)

func WithLogger(logger Logger) Option {
	return func(b *orchestratorBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *orchestratorBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *orchestratorBuilder) {
		b.metrics = recorder
	}
}

func WithConnectionFactory(factory ConnectionFactory) Option {
	return func(b *orchestratorBuilder) {
		b.connections = factory
	}
}

func WithDirectoryProvider(provider DirectoryProvider) Option {
	return func(b *orchestratorBuilder) {
		b.directories = provider
	}
}

func WithIDGenerator(generator IDGenerator) Option {
	return func(b *orchestratorBuilder) {
		b.ids = generator
	}
}

func WithIdentityNormalizer(normalizer IdentityNormalizer) Option {
	return func(b *orchestratorBuilder) {
		b.normalizer = normalizer
	}
}

func WithCredentialUploader(uploader CredentialUploader) Option {
	return func(b *orchestratorBuilder) {
		b.uploader = uploader
	}
}

func WithSessionLedger(ledger SessionLedger) Option {
	return func(b *orchestratorBuilder) {
		b.ledger = ledger
	}
}

func WithCleanupScheduler(scheduler CleanupScheduler) Option {
	return func(b *orchestratorBuilder) {
		b.cleanup = scheduler
	}
}

func WithClock(clock watchdog.Clock) Option {
	return func(b *orchestratorBuilder) {
		b.clock = clock
	}
}

// defaultOrchestratorBuilder leaves logging unset; NewOrchestrator resolves
// it so that WithLogger and WithLoggerProvider both take effect.
func defaultOrchestratorBuilder() orchestratorBuilder {
	return orchestratorBuilder{
		metrics: NopMetricsRecorder{},
		ledger:  NewMemoryLedger(),
		clock:   watchdog.Real(),
		now:     time.Now,
	}
}
