package identity

import (
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-pairing/core"
)

func TestNormalizePhone(t *testing.T) {
	got, err := NormalizePhone("+1 (555) 123-4567")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "15551234567" {
		t.Fatalf("expected 15551234567, got %q", got)
	}
}

func TestNormalizePhone_EmptyAfterStrip(t *testing.T) {
	for _, raw := range []string{"", "   ", "abc", "+-()"} {
		_, err := NormalizePhone(raw)
		if err == nil {
			t.Fatalf("expected validation error for %q", raw)
		}
		var richErr *goerrors.Error
		if !goerrors.As(err, &richErr) {
			t.Fatalf("expected go-errors error for %q, got %T", raw, err)
		}
		if richErr.TextCode != core.ErrorCodeValidation {
			t.Fatalf("expected %q, got %q", core.ErrorCodeValidation, richErr.TextCode)
		}
		if richErr.Code != 400 {
			t.Fatalf("expected 400, got %d", richErr.Code)
		}
	}
}

func TestMaskPhone(t *testing.T) {
	if got := MaskPhone("15551234567"); got != "*******4567" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := MaskPhone("123"); got != "***" {
		t.Fatalf("unexpected short mask %q", got)
	}
}
