// Package auth implements the shared-secret handshake: the gateway hands the
// client a random nonce in HELLO, and the client proves knowledge of the
// secret by returning hex(HMAC-SHA256(secret, nonce)) in IDENTIFY.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"lvbridge/internal/constants"
)

// Reason classifies why a handshake failed.
type Reason string

const (
	ReasonMismatch Reason = "mismatch"
	ReasonTimeout  Reason = "timeout"
)

// Error is a fatal handshake failure. The session is closed immediately; the
// client may reconnect.
type Error struct {
	Reason Reason
}

func (e *Error) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

const nonceCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateNonce returns a random alphanumeric nonce for one handshake.
func GenerateNonce() (string, error) {
	buf := make([]byte, constants.NonceLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	for i, b := range buf {
		buf[i] = nonceCharset[int(b)%len(nonceCharset)]
	}
	return string(buf), nil
}

// Verifier checks IDENTIFY tokens against the configured shared secret. The
// secret is never stored beyond this struct and never logged.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Token computes the expected IDENTIFY token for a nonce.
func (v *Verifier) Token(nonce string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the candidate token matches the nonce. The
// comparison is constant-time regardless of where the inputs differ.
func (v *Verifier) Verify(nonce, token string) bool {
	provided, err := hex.DecodeString(token)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(nonce))
	return hmac.Equal(mac.Sum(nil), provided)
}
