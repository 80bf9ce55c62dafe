// Package signer computes and verifies webhook payload signatures and
// generates subscriber secrets.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Prefix is prepended to every signature so receivers know the algorithm.
const Prefix = "sha256="

// SecretBytes is the amount of entropy drawn for a new secret.
const SecretBytes = 32

var ErrEmptySecret = errors.New("signer: secret is empty")

// Sign returns "sha256=" followed by the standard base64 HMAC-SHA256 of
// payload keyed with the UTF-8 bytes of secret. The payload must be the
// exact bytes that go on the wire.
func Sign(secret string, payload []byte) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return Prefix + base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a received signature header in constant time.
func Verify(secret string, payload []byte, signature string) bool {
	if !strings.HasPrefix(signature, Prefix) {
		return false
	}
	expected, err := Sign(secret, payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SecretGenerator draws subscriber secrets from an injected source of
// randomness. Production code passes crypto/rand.Reader.
type SecretGenerator struct {
	rand io.Reader
}

func NewSecretGenerator(rand io.Reader) *SecretGenerator {
	return &SecretGenerator{rand: rand}
}

// Generate returns 32 random bytes encoded as unpadded base64url.
func (g *SecretGenerator) Generate() (string, error) {
	buf := make([]byte, SecretBytes)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
