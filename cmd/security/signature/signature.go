package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// SecretEnvKey is the env var name for the webhook secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	SecretEnvKey = "BATCHD_WEBHOOK_SECRET"

	// Header carries the payload signature.
	Header = "X-Hub-Signature-256"

	// Prefix precedes the hex digest in Header.
	Prefix = "sha256="

	// MinSecretBytes is the shortest secret accepted when signatures are required.
	MinSecretBytes = 16
)

// SumHex returns the HMAC-SHA256 hex digest of payload.
func SumHex(payload, secret []byte) string {
	m := hmac.New(sha256.New, secret)
	_, _ = m.Write(payload)
	return hex.EncodeToString(m.Sum(nil))
}

// Sign returns the header value for payload.
func Sign(payload, secret []byte) string {
	return Prefix + SumHex(payload, secret)
}

// Verifier checks payload signatures. The zero value is disabled and accepts
// everything.
type Verifier struct {
	secret []byte
}

// NewVerifier returns an enabled Verifier. The secret is trimmed.
func NewVerifier(secret string, minBytes int) (*Verifier, error) {
	raw := strings.TrimSpace(secret)
	if raw == "" {
		return nil, ErrSecretMissing
	}
	if minBytes > 0 && len(raw) < minBytes {
		return nil, ErrSecretTooShort
	}
	return &Verifier{secret: []byte(raw)}, nil
}

// Disabled returns a Verifier that accepts every payload.
func Disabled() *Verifier { return &Verifier{} }

// FromEnv builds a Verifier from SecretEnvKey. When required is false and the
// variable is blank, the Verifier is disabled.
func FromEnv(required bool) (*Verifier, error) {
	raw := strings.TrimSpace(os.Getenv(SecretEnvKey))
	if raw == "" && !required {
		return Disabled(), nil
	}
	return NewVerifier(raw, MinSecretBytes)
}

// Enabled reports whether signatures are checked.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Sign returns the header value for payload using the verifier's secret.
func (v *Verifier) Sign(payload []byte) string {
	if !v.Enabled() {
		return ""
	}
	return Sign(payload, v.secret)
}

// Verify checks header against payload. It returns nil when the verifier is
// disabled.
func (v *Verifier) Verify(header string, payload []byte) error {
	if !v.Enabled() {
		return nil
	}
	got := strings.ToLower(strings.TrimSpace(header))
	if got == "" {
		return ErrMissing
	}
	got = strings.TrimPrefix(got, Prefix)

	want := SumHex(payload, v.secret)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return ErrMismatch
	}
	return nil
}
