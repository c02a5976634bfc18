package security

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// SealedPrefix marks bundles encrypted by Sealer so readers can tell them
// apart from plain JSON bundles.
const SealedPrefix = "pairing.sealed.v1:"

// Sealer encrypts credential bundles to a fixed set of age X25519
// recipients. A Sealer with no recipients is disabled and Seal fails.
type Sealer struct {
	recipients []age.Recipient
}

func NewSealer(recipientKeys []string) (*Sealer, error) {
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" {
			continue
		}
		recipient, err := age.ParseX25519Recipient(trimmed)
		if err != nil {
			return nil, fmt.Errorf("security: parse recipient %q: %w", trimmed, err)
		}
		recipients = append(recipients, recipient)
	}
	return &Sealer{recipients: recipients}, nil
}

func (s *Sealer) Enabled() bool {
	return s != nil && len(s.recipients) > 0
}

// Seal returns SealedPrefix followed by the base64 age ciphertext.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	if !s.Enabled() {
		return "", fmt.Errorf("security: sealer has no recipients")
	}
	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, s.recipients...)
	if err != nil {
		return "", fmt.Errorf("security: create age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("security: write plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("security: finalize age encryption: %w", err)
	}
	return SealedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), SealedPrefix)
}

// Unseal decrypts a value produced by Seal with an AGE-SECRET-KEY-1 identity.
func Unseal(value string, identityKey string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, SealedPrefix) {
		return nil, fmt.Errorf("security: value is not sealed")
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(identityKey))
	if err != nil {
		return nil, fmt.Errorf("security: parse identity: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, SealedPrefix))
	if err != nil {
		return nil, fmt.Errorf("security: decode sealed payload: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("security: decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("security: read plaintext: %w", err)
	}
	return plaintext, nil
}
