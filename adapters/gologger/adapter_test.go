package gologger

import (
	"bytes"
	"testing"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-pairing/core"
)

func TestProviderFromConfigHonoursLevelAndFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	provider := ProviderFromConfig(core.LogConfig{Level: "warn", Format: "JSON"}, "pairingd", buf)

	logger := provider.GetLogger("pairing.storage")
	logger.Info("uploading credential bundle", "attempt", 1)
	logger.Warn("credential upload attempt failed", "attempt", 2, "status", 503)

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("expected only the warning to pass the level filter, got %d lines", len(lines))
	}
	if lines[0]["service"] != "pairingd" || lines[0]["logger"] != "pairing.storage" {
		t.Fatalf("expected service and logger fields, got %#v", lines[0])
	}
	if lines[0]["status"] != float64(503) {
		t.Fatalf("expected status field, got %#v", lines[0]["status"])
	}
}

func TestResolvePrefersProviderOverLogger(t *testing.T) {
	providerBuf := &bytes.Buffer{}
	loggerBuf := &bytes.Buffer{}
	provider := ProviderFromConfig(core.LogConfig{Format: FormatJSON}, "pairing", providerBuf)
	direct := New(NewZerolog(Options{Format: FormatJSON, Out: loggerBuf}))

	_, resolved := Resolve("pairing.server", provider, direct)
	resolved.Info("listening")
	if providerBuf.Len() == 0 || loggerBuf.Len() != 0 {
		t.Fatalf("expected provider logger to win, provider=%q logger=%q", providerBuf.String(), loggerBuf.String())
	}

	resolvedProvider, resolved := Resolve("pairing.server", nil, direct)
	resolved.Info("listening")
	if loggerBuf.Len() == 0 {
		t.Fatalf("expected direct logger when provider is nil")
	}
	if resolvedProvider == nil {
		t.Fatalf("expected provider wrapper around the direct logger")
	}

	_, resolved = Resolve("pairing.server", nil, nil)
	if resolved == nil {
		t.Fatalf("expected nop logger fallback")
	}
}

func TestResolveForJobBridgesToSameBackend(t *testing.T) {
	buf := &bytes.Buffer{}
	provider := ProviderFromConfig(core.LogConfig{Format: FormatJSON}, "pairing", buf)

	_, _, jobProvider, jobLogger := ResolveForJob("pairing.cleanup", provider, nil)
	if jobProvider == nil || jobLogger == nil {
		t.Fatalf("expected go-job bridges")
	}
	jobLogger.Info("cleanup worker started", "workers", 2)

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("expected one bridged line, got %d", len(lines))
	}
	if lines[0]["message"] != "cleanup worker started" || lines[0]["workers"] != float64(2) {
		t.Fatalf("expected bridged message and args, got %#v", lines[0])
	}
	if lines[0]["logger"] != "pairing.cleanup" {
		t.Fatalf("expected named logger, got %#v", lines[0]["logger"])
	}
}

func TestBridgesTolerateNil(t *testing.T) {
	if ToJobProvider(nil) != nil {
		t.Fatalf("expected nil job provider for nil input")
	}
	if ToJobLogger(nil) != nil {
		t.Fatalf("expected nil job logger for nil input")
	}
	var logger glog.Logger = New(NewZerolog(Options{Out: &bytes.Buffer{}}))
	if ToJobLogger(logger) == nil {
		t.Fatalf("expected job logger bridge")
	}
}
