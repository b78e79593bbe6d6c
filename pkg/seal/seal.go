// Package seal encrypts short secrets that must travel through the message bus,
// such as first-boot passwords, with an age X25519 identity.
package seal

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// Sealer encrypts to its own recipient and decrypts with the matching identity.
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// New parses an AGE-SECRET-KEY-1... identity.
func New(secretKey string) (*Sealer, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(secretKey))
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	return &Sealer{identity: identity, recipient: identity.Recipient()}, nil
}

// Recipient returns the public age1... recipient string.
func (s *Sealer) Recipient() string {
	return s.recipient.String()
}

// Seal encrypts plaintext and returns it base64 encoded.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if s == nil {
		return "", errors.New("nil sealer")
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if s == nil {
		return "", errors.New("nil sealer")
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
