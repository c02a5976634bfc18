// Pairingd serves the device pairing API and offers maintenance commands
// for the scratch area and stored credentials.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	pairing "github.com/goliatone/go-pairing"
	gocommandadapter "github.com/goliatone/go-pairing/adapters/gocommand"
	"github.com/goliatone/go-pairing/adapters/gologger"
	pairingcommand "github.com/goliatone/go-pairing/command"
	"github.com/goliatone/go-pairing/core"
	pairingquery "github.com/goliatone/go-pairing/query"
	sqlstore "github.com/goliatone/go-pairing/store/sql"
	"github.com/goliatone/go-pairing/transport"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	addr       string
	logLevel   string
	logFormat  string
}

func run(args []string) error {
	var flags globalFlags
	flagSet := pflag.NewFlagSet("pairingd", pflag.ContinueOnError)
	flagSet.StringVar(&flags.configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&flags.addr, "addr", "", "listen address (overrides server.addr)")
	flagSet.StringVar(&flags.logLevel, "log-level", "", "log level (overrides log.level)")
	flagSet.StringVar(&flags.logFormat, "log-format", "", "console or json (overrides log.format)")
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	rest := flagSet.Args()
	subcommand := "serve"
	if len(rest) > 0 {
		subcommand, rest = rest[0], rest[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := pairing.LoadConfig(ctx, flags.configPath, flags.overrides())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	switch subcommand {
	case "serve":
		return serve(ctx, cfg)
	case "fetch":
		if len(rest) != 1 {
			return fmt.Errorf("fetch expects exactly one credential id")
		}
		return fetch(ctx, cfg, rest[0])
	case "sweep":
		return sweep(ctx, cfg, rest)
	default:
		printHelp(flagSet)
		return fmt.Errorf("unknown command %q", subcommand)
	}
}

func (f globalFlags) overrides() map[string]any {
	overrides := map[string]any{}
	set := func(section, key, value string) {
		if value == "" {
			return
		}
		values, _ := overrides[section].(map[string]any)
		if values == nil {
			values = map[string]any{}
			overrides[section] = values
		}
		values[key] = value
	}
	set("server", "addr", f.addr)
	set("log", "level", f.logLevel)
	set("log", "format", f.logFormat)
	return overrides
}

func setup(ctx context.Context, cfg core.Config) (*pairing.Service, *gologger.Provider, func(), error) {
	provider := gologger.ProviderFromConfig(cfg.Log, cfg.ServiceName, os.Stderr)
	opts := []pairing.SetupOption{pairing.WithSetupLoggerProvider(provider)}

	closeLedger := func() {}
	switch strings.ToLower(strings.TrimSpace(cfg.Ledger.Driver)) {
	case sqlstore.DriverSQLite, sqlstore.DriverPostgres:
		ledger, err := sqlstore.OpenLedger(ctx, cfg.Ledger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open ledger: %w", err)
		}
		opts = append(opts, pairing.WithLedger(ledger))
		closeLedger = func() { _ = ledger.Close() }
	}

	svc, err := pairing.Setup(cfg, opts...)
	if err != nil {
		closeLedger()
		return nil, nil, nil, err
	}
	return svc, provider, closeLedger, nil
}

func serve(ctx context.Context, cfg core.Config) error {
	svc, provider, closeLedger, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()
	logger := provider.GetLogger("pairingd")

	if err := svc.Start(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			_ = svc.Shutdown(context.Background())
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownMS)*time.Millisecond)
	defer cancel()

	// Sessions are failed first so their streams end with an error event
	// before the listener drains open connections.
	var errs []error
	if err := svc.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("pairing shutdown: %w", err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func fetch(ctx context.Context, cfg core.Config, credentialID string) error {
	svc, _, closeLedger, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()
	defer svc.Shutdown(context.Background())

	if err := svc.RegisterCommandBus(); err != nil {
		return err
	}
	credential, err := gocommandadapter.Query[pairingquery.DownloadCredentialMessage, transport.Credential](ctx,
		pairingquery.DownloadCredentialMessage{CredentialID: credentialID})
	if err != nil {
		return err
	}
	if credential.Sealed {
		var sealed string
		if err := json.Unmarshal(credential.Data, &sealed); err != nil {
			return fmt.Errorf("decode sealed credential: %w", err)
		}
		fmt.Fprintln(os.Stderr, "credential is sealed; decrypt it with an age identity")
		_, err = fmt.Fprintln(os.Stdout, sealed)
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(credential.Data))
	return err
}

func sweep(ctx context.Context, cfg core.Config, args []string) error {
	flagSet := pflag.NewFlagSet("sweep", pflag.ContinueOnError)
	olderThan := flagSet.Duration("older-than", cfg.Scratch.StaleAfter(), "remove session directories older than this")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	svc, _, closeLedger, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()
	defer svc.Shutdown(context.Background())

	if err := svc.RegisterCommandBus(); err != nil {
		return err
	}
	result, _, err := gocommandadapter.DispatchWithResult[pairingcommand.SweepScratchMessage, pairingcommand.SweepResult](ctx,
		pairingcommand.SweepScratchMessage{
			OlderThan: *olderThan,
			Prefix:    cfg.Identity.SessionPrefix,
		})
	for _, path := range result.Removed {
		fmt.Fprintln(os.Stdout, path)
	}
	return err
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `pairingd links a messaging account through a pairing code and stores
the resulting credential bundle in remote storage.

Usage:
  pairingd [flags] [serve]
  pairingd [flags] fetch <credential-id>
  pairingd [flags] sweep [--older-than 10m]

Flags:
%s`, flagSet.FlagUsages())
}
