package app

import (
	"errors"
	"fmt"

	"batchd/cmd/security/signature"
)

// ValidateSecurityConfig enforces the signature policy at startup and returns
// the verifier shared by the webhook and the WS hello.
//
// Fail-fast: a required secret that is missing or short stops the process
// instead of silently accepting unsigned traffic.
func ValidateSecurityConfig(cfg Config) (*signature.Verifier, error) {
	v, err := signature.FromEnv(cfg.RequireSignature)
	if err != nil {
		switch {
		case errors.Is(err, signature.ErrSecretMissing):
			return nil, fmt.Errorf("security policy: BATCHD_REQUIRE_SIGNATURE=true but %s is missing", signature.SecretEnvKey)
		case errors.Is(err, signature.ErrSecretTooShort):
			return nil, fmt.Errorf("security policy: %s is too short (min %d bytes)", signature.SecretEnvKey, signature.MinSecretBytes)
		default:
			return nil, err
		}
	}

	if cfg.RequireSignature && !v.Enabled() {
		return nil, errors.New("security policy: BATCHD_REQUIRE_SIGNATURE=true but signature checks are disabled")
	}
	return v, nil
}
