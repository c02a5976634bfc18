package pairing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	gocommandadapter "github.com/goliatone/go-pairing/adapters/gocommand"
	"github.com/goliatone/go-pairing/adapters/gojob"
	"github.com/goliatone/go-pairing/adapters/gologger"
	pairingcommand "github.com/goliatone/go-pairing/command"
	"github.com/goliatone/go-pairing/connection"
	"github.com/goliatone/go-pairing/core"
	"github.com/goliatone/go-pairing/identity"
	pairingquery "github.com/goliatone/go-pairing/query"
	"github.com/goliatone/go-pairing/ratelimit"
	"github.com/goliatone/go-pairing/scratch"
	"github.com/goliatone/go-pairing/security"
	"github.com/goliatone/go-pairing/server"
	"github.com/goliatone/go-pairing/transport"
	"github.com/goliatone/go-pairing/watchdog"
)

type Commands struct {
	SweepScratch  *pairingcommand.SweepScratchCommand
	RemoveScratch *pairingcommand.RemoveScratchCommand
}

type Queries struct {
	GetSession         *pairingquery.GetSessionQuery
	DownloadCredential *pairingquery.DownloadCredentialQuery
}

// Service is the assembled pairing stack: orchestrator, HTTP API, command
// and query handlers, and the scratch cleanup worker.
type Service struct {
	config       Config
	logger       glog.Logger
	orchestrator *core.Orchestrator
	scratch      *scratch.Root
	storage      *transport.StorageClient
	downloader   transport.Downloader
	server       *server.Server
	commands     Commands
	queries      Queries
	queue        *gojob.MemoryQueue
	worker       *gojob.CleanupWorker

	mu         sync.Mutex
	workerDone chan struct{}
	cancel     context.CancelFunc
	bus        gocommandadapter.Subscriptions
	closed     bool
}

type SetupOption func(*setupOptions)

type setupOptions struct {
	loggerProvider glog.LoggerProvider
	ledger         core.SessionLedger
	metrics        core.MetricsRecorder
	connections    core.ConnectionFactory
	httpClient     transport.HTTPDoer
	clock          watchdog.Clock
	storageOptions []transport.StorageOption
}

func WithSetupLoggerProvider(provider glog.LoggerProvider) SetupOption {
	return func(o *setupOptions) {
		o.loggerProvider = provider
	}
}

// WithLedger records sessions in ledger instead of the in-memory default.
func WithLedger(ledger core.SessionLedger) SetupOption {
	return func(o *setupOptions) {
		o.ledger = ledger
	}
}

func WithSetupMetrics(recorder core.MetricsRecorder) SetupOption {
	return func(o *setupOptions) {
		o.metrics = recorder
	}
}

// WithConnections replaces the configured connection driver.
func WithConnections(factory core.ConnectionFactory) SetupOption {
	return func(o *setupOptions) {
		o.connections = factory
	}
}

func WithStorageHTTPClient(client transport.HTTPDoer) SetupOption {
	return func(o *setupOptions) {
		o.httpClient = client
	}
}

func WithStorageOptions(opts ...transport.StorageOption) SetupOption {
	return func(o *setupOptions) {
		o.storageOptions = append(o.storageOptions, opts...)
	}
}

func WithSetupClock(clock watchdog.Clock) SetupOption {
	return func(o *setupOptions) {
		o.clock = clock
	}
}

// Setup validates cfg and wires every component. Nothing runs until Start.
func Setup(cfg Config, opts ...SetupOption) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := setupOptions{clock: watchdog.Real()}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.clock == nil {
		options.clock = watchdog.Real()
	}

	provider, logger := glog.Resolve(cfg.ServiceName, options.loggerProvider, nil)
	named := func(name string) glog.Logger {
		if provider == nil {
			return glog.Ensure(logger)
		}
		return glog.Ensure(provider.GetLogger(name))
	}

	sessionIDs, err := identity.NewTokenGenerator(cfg.Identity.SessionPrefix, cfg.Identity.Length)
	if err != nil {
		return nil, fmt.Errorf("pairing: session ids: %w", err)
	}
	credentialIDs, err := identity.NewTokenGenerator(cfg.Identity.CredentialPrefix, cfg.Identity.Length)
	if err != nil {
		return nil, fmt.Errorf("pairing: credential ids: %w", err)
	}

	root, err := scratch.NewRoot(cfg.Scratch.Root)
	if err != nil {
		return nil, err
	}

	sealer, err := security.NewSealer(cfg.Seal.Recipients)
	if err != nil {
		return nil, fmt.Errorf("pairing: seal recipients: %w", err)
	}
	storageOpts := []transport.StorageOption{
		transport.WithThrottlePolicy(ratelimit.NewAdaptivePolicy(nil)),
		transport.WithSealer(sealer),
		transport.WithStorageLogger(named("pairing.storage")),
	}
	if options.httpClient != nil {
		storageOpts = append(storageOpts, transport.WithHTTPClient(options.httpClient))
	}
	storageOpts = append(storageOpts, options.storageOptions...)
	storage, err := transport.NewStorageClient(cfg.Storage, credentialIDs, cfg.Identity.CredentialPrefix, storageOpts...)
	if err != nil {
		return nil, err
	}
	cache, err := transport.NewCredentialCache(cfg.Storage.CacheTTL())
	if err != nil {
		return nil, fmt.Errorf("pairing: credential cache: %w", err)
	}
	downloader, err := transport.NewCachedDownloader(storage, cache)
	if err != nil {
		return nil, err
	}

	connections := options.connections
	if connections == nil {
		connections, err = connectionFactory(cfg, options.clock, named("pairing.connection"))
		if err != nil {
			return nil, err
		}
	}

	queue := gojob.NewMemoryQueue(gojob.WithQueueClock(options.clock))
	removeCommand := pairingcommand.NewRemoveScratchCommand(root)
	_, _, _, jobLogger := gologger.ResolveForJob("pairing.cleanup", provider, logger)
	worker, err := gojob.NewCleanupWorker(queue,
		func(ctx context.Context, task gojob.CleanupTask) error {
			return removeCommand.Execute(ctx, pairingcommand.RemoveScratchMessage{
				SessionID: task.SessionID,
				Path:      task.Path,
			})
		},
		gojob.WithRetryPolicy(gojob.PolicyFromConfig(cfg.Cleanup)),
		gojob.WithHooks(gojob.NewLoggingHook(named("pairing.cleanup"))),
		gojob.WithJobLogger(jobLogger),
		gojob.WithConcurrency(cfg.Cleanup.Workers),
	)
	if err != nil {
		return nil, err
	}

	orchestratorOpts := []core.Option{
		core.WithLoggerProvider(provider),
		core.WithConnectionFactory(connections),
		core.WithDirectoryProvider(root),
		core.WithIDGenerator(sessionIDs),
		core.WithIdentityNormalizer(identity.PhoneNormalizer{}),
		core.WithCredentialUploader(storage),
		core.WithCleanupScheduler(gojob.NewCleanupScheduler(queue)),
		core.WithClock(options.clock),
	}
	if options.ledger != nil {
		orchestratorOpts = append(orchestratorOpts, core.WithSessionLedger(options.ledger))
	}
	if options.metrics != nil {
		orchestratorOpts = append(orchestratorOpts, core.WithMetricsRecorder(options.metrics))
	}
	orchestrator, err := core.NewOrchestrator(cfg.Pairing, orchestratorOpts...)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		config:       cfg,
		logger:       named("pairing.service"),
		orchestrator: orchestrator,
		scratch:      root,
		storage:      storage,
		downloader:   downloader,
		queue:        queue,
		worker:       worker,
		commands: Commands{
			SweepScratch:  pairingcommand.NewSweepScratchCommand(root),
			RemoveScratch: removeCommand,
		},
		queries: Queries{
			GetSession:         pairingquery.NewGetSessionQuery(orchestrator),
			DownloadCredential: pairingquery.NewDownloadCredentialQuery(downloader),
		},
	}

	httpServer, err := server.New(orchestrator, svc.queries.GetSession,
		server.WithLogger(named("pairing.server")),
		server.WithIdentityParam(cfg.Server.IdentityParam),
		server.WithMaxConcurrency(cfg.Server.MaxConcurrency),
	)
	if err != nil {
		return nil, err
	}
	svc.server = httpServer
	return svc, nil
}

func connectionFactory(cfg Config, clock watchdog.Clock, logger glog.Logger) (core.ConnectionFactory, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Connection.Driver)); driver {
	case "", connection.DriverSimulated:
		pairAfter := time.Duration(cfg.Connection.SimulatedPairAfterMS) * time.Millisecond
		return connection.NewSimulatedFactory(
			connection.WithScript(connection.PairingScript(pairAfter)...),
			connection.WithClock(clock),
			connection.WithBundleFile(cfg.Pairing.BundleFile),
			connection.WithLogger(logger),
		), nil
	default:
		return nil, fmt.Errorf("pairing: connection driver %q is not available; supply one with WithConnections", driver)
	}
}

func (s *Service) Config() Config {
	return s.config
}

func (s *Service) Orchestrator() *core.Orchestrator {
	return s.orchestrator
}

func (s *Service) Handler() http.Handler {
	return s.server.Handler()
}

func (s *Service) Commands() Commands {
	return s.commands
}

func (s *Service) Queries() Queries {
	return s.queries
}

func (s *Service) Storage() *transport.StorageClient {
	return s.storage
}

func (s *Service) Downloader() transport.Downloader {
	return s.downloader
}

func (s *Service) Scratch() *scratch.Root {
	return s.scratch
}

func (s *Service) CleanupQueue() *gojob.MemoryQueue {
	return s.queue
}

// Sweep removes session directories older than the configured stale age.
func (s *Service) Sweep(ctx context.Context) (pairingcommand.SweepResult, error) {
	removed, err := s.scratch.Sweep(ctx, scratch.SweepOptions{
		OlderThan: s.config.Scratch.StaleAfter(),
		Prefix:    s.config.Identity.SessionPrefix,
	})
	return pairingcommand.SweepResult{Removed: removed}, err
}

// Start sweeps stale scratch directories left by a previous process and
// starts the cleanup worker.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("pairing: service is shut down")
	}
	if s.workerDone != nil {
		return nil
	}

	result, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Warn("startup scratch sweep incomplete", "error", err.Error(), "removed", len(result.Removed))
	} else if len(result.Removed) > 0 {
		s.logger.Info("startup scratch sweep", "removed", len(result.Removed))
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel = cancel
	s.workerDone = done
	go func() {
		defer close(done)
		if err := s.worker.Run(workerCtx); err != nil {
			s.logger.Error("cleanup worker stopped", "error", err.Error())
		}
	}()
	return nil
}

// RegisterCommandBus subscribes the pairing commands and queries on the
// process-wide go-command dispatcher. Shutdown unsubscribes them.
func (s *Service) RegisterCommandBus() error {
	subs, err := gocommandadapter.RegisterPairing(gocommandadapter.NewRegistryAdapter(nil), gocommandadapter.PairingHandlers{
		Sweeper:    s.scratch,
		Remover:    s.scratch,
		Sessions:   s.orchestrator,
		Downloader: s.downloader,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.bus = append(s.bus, subs...)
	s.mu.Unlock()
	return nil
}

// Shutdown fails in-flight sessions, waits for their cleanup, then drains
// the cleanup worker.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	done, cancel, bus := s.workerDone, s.cancel, s.bus
	s.bus = nil
	s.mu.Unlock()

	var errs []error
	if err := s.orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	_ = s.queue.Close()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			cancel()
			errs = append(errs, ctx.Err())
		}
		cancel()
	}
	bus.Unsubscribe()
	return errors.Join(errs...)
}
