package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-pairing/core"
)

const (
	Alphabet        = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	Separator       = "~"
	DefaultLength   = 22
	maxAlphabetByte = 256 - (256 % len(Alphabet))
)

var ErrMalformedID = errors.New("identity: malformed identifier")

type MalformedIDError struct {
	Prefix string
	Value  string
}

func (e *MalformedIDError) Error() string {
	if e == nil {
		return ErrMalformedID.Error()
	}
	return fmt.Sprintf("%s: expected prefix %q", ErrMalformedID.Error(), e.Prefix+Separator)
}

func (e *MalformedIDError) Unwrap() error {
	return ErrMalformedID
}

func (e *MalformedIDError) ToServiceError() *goerrors.Error {
	message := ErrMalformedID.Error()
	if e != nil {
		message = e.Error()
	}
	return goerrors.New(message, goerrors.CategoryValidation).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ErrorCodeValidation)
}

// TokenGenerator issues identifiers shaped as <prefix>~<suffix>. The suffix
// is drawn uniformly from Alphabet using rejection sampling over Reader.
type TokenGenerator struct {
	Prefix string
	Length int
	Reader io.Reader
}

func NewTokenGenerator(prefix string, length int) (*TokenGenerator, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, fmt.Errorf("identity: prefix is required")
	}
	if strings.Contains(prefix, Separator) {
		return nil, fmt.Errorf("identity: prefix must not contain %q", Separator)
	}
	if length <= 0 {
		length = DefaultLength
	}
	return &TokenGenerator{Prefix: prefix, Length: length, Reader: rand.Reader}, nil
}

func (g *TokenGenerator) New() (string, error) {
	if g == nil {
		return "", fmt.Errorf("identity: token generator is nil")
	}
	length := g.Length
	if length <= 0 {
		length = DefaultLength
	}
	reader := g.Reader
	if reader == nil {
		reader = rand.Reader
	}

	suffix := make([]byte, 0, length)
	buf := make([]byte, length*2)
	for len(suffix) < length {
		if _, err := io.ReadFull(reader, buf); err != nil {
			return "", fmt.Errorf("identity: read random source: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxAlphabetByte {
				continue
			}
			suffix = append(suffix, Alphabet[int(b)%len(Alphabet)])
			if len(suffix) == length {
				break
			}
		}
	}
	return g.Prefix + Separator + string(suffix), nil
}

// Validate rejects identifiers that do not carry the generator prefix or
// whose suffix contains characters outside Alphabet.
func (g *TokenGenerator) Validate(id string) error {
	if g == nil {
		return fmt.Errorf("identity: token generator is nil")
	}
	return ValidatePrefixed(g.Prefix, id)
}

func ValidatePrefixed(prefix string, id string) error {
	want := prefix + Separator
	if prefix == "" || !strings.HasPrefix(id, want) {
		return &MalformedIDError{Prefix: prefix, Value: id}
	}
	suffix := strings.TrimPrefix(id, want)
	if suffix == "" {
		return &MalformedIDError{Prefix: prefix, Value: id}
	}
	for _, r := range suffix {
		if !strings.ContainsRune(Alphabet, r) {
			return &MalformedIDError{Prefix: prefix, Value: id}
		}
	}
	return nil
}

var _ core.IDGenerator = (*TokenGenerator)(nil)
