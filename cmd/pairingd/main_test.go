package main

import (
	"strings"
	"testing"
)

func TestOverridesNestFlagValues(t *testing.T) {
	overrides := globalFlags{addr: ":9000", logFormat: "json"}.overrides()

	server, _ := overrides["server"].(map[string]any)
	if server["addr"] != ":9000" {
		t.Fatalf("expected server.addr override, got %#v", overrides)
	}
	log, _ := overrides["log"].(map[string]any)
	if log["format"] != "json" {
		t.Fatalf("expected log.format override, got %#v", overrides)
	}
	if _, ok := log["level"]; ok {
		t.Fatalf("expected unset flags to be skipped, got %#v", log)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	t.Setenv("SESSIONS_API_URL", "http://storage.invalid")
	t.Setenv("SESSIONS_API_KEY", "key")
	t.Setenv("PAIRING_SCRATCH_ROOT", t.TempDir())

	err := run([]string{"bogus"})
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestRunFailsWithoutStorageSettings(t *testing.T) {
	t.Setenv("SESSIONS_API_URL", "")
	t.Setenv("SESSIONS_API_KEY", "")

	if err := run([]string{"sweep"}); err == nil {
		t.Fatalf("expected missing storage settings to fail")
	}
}
