package identity

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/goliatone/go-pairing/core"
)

func TestTokenGenerator_NewUsesPrefixAndLength(t *testing.T) {
	gen, err := NewTokenGenerator("TERAN-XMD", 0)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	id, err := gen.New()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(id, "TERAN-XMD~") {
		t.Fatalf("expected prefixed id, got %q", id)
	}
	if got := len(strings.TrimPrefix(id, "TERAN-XMD~")); got != DefaultLength {
		t.Fatalf("expected suffix length %d, got %d", DefaultLength, got)
	}
	if err := gen.Validate(id); err != nil {
		t.Fatalf("expected generated id to validate, got %v", err)
	}
}

func TestTokenGenerator_NoDuplicatesAcrossTenThousand(t *testing.T) {
	gen, err := NewTokenGenerator("PAIR", 22)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id, err := gen.New()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id after %d generations: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestTokenGenerator_RejectsBiasedBytes(t *testing.T) {
	// 248..255 fall outside the uniform range and must be skipped.
	src := bytes.NewReader(append(bytes.Repeat([]byte{255}, 8), bytes.Repeat([]byte{0, 1}, 8)...))
	gen := &TokenGenerator{Prefix: "P", Length: 4, Reader: src}
	id, err := gen.New()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if id != "P~ABAB" {
		t.Fatalf("expected P~ABAB, got %q", id)
	}
}

func TestTokenGenerator_ShortReaderFails(t *testing.T) {
	gen := &TokenGenerator{Prefix: "P", Length: 4, Reader: bytes.NewReader([]byte{1})}
	if _, err := gen.New(); err == nil {
		t.Fatalf("expected error from exhausted random source")
	}
}

func TestNewTokenGenerator_RejectsBadPrefix(t *testing.T) {
	if _, err := NewTokenGenerator(" ", 10); err == nil {
		t.Fatalf("expected empty prefix error")
	}
	if _, err := NewTokenGenerator("A~B", 10); err == nil {
		t.Fatalf("expected separator prefix error")
	}
}

func TestValidatePrefixed(t *testing.T) {
	cases := map[string]bool{
		"PAIR~abc123":      true,
		"PAIR~":            false,
		"OTHER~abc":        false,
		"PAIRabc":          false,
		"PAIR~../../etc":   false,
		"PAIR~abc def":     false,
		"TERAN-XMD~abc123": false,
	}
	for id, ok := range cases {
		err := ValidatePrefixed("PAIR", id)
		if ok && err != nil {
			t.Fatalf("expected %q to validate, got %v", id, err)
		}
		if !ok {
			if err == nil {
				t.Fatalf("expected %q to be rejected", id)
			}
			if !errors.Is(err, ErrMalformedID) {
				t.Fatalf("expected ErrMalformedID for %q, got %v", id, err)
			}
		}
	}
}

func TestMalformedIDError_ToServiceError(t *testing.T) {
	err := &MalformedIDError{Prefix: "PAIR", Value: "nope"}
	mapped := err.ToServiceError()
	if mapped.TextCode != core.ErrorCodeValidation {
		t.Fatalf("expected %q text code, got %q", core.ErrorCodeValidation, mapped.TextCode)
	}
	if mapped.Code != 400 {
		t.Fatalf("expected status code 400, got %d", mapped.Code)
	}
}
