package obfuscated2

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SecretSize is the length clients expect; other lengths still work for key
// derivation.
const SecretSize = 16

var ErrEmptySecret = errors.New("secret is empty")

// Secret is the shared key mixed into the client-facing key derivation.
type Secret []byte

func ParseSecret(s string) (Secret, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptySecret
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	return Secret(raw), nil
}

func GenerateSecret() (Secret, error) {
	raw := make([]byte, SecretSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return Secret(raw), nil
}

func (s Secret) Hex() string {
	return hex.EncodeToString(s)
}

// String hides the secret from logs.
func (s Secret) String() string {
	return fmt.Sprintf("secret(%d bytes)", len(s))
}
