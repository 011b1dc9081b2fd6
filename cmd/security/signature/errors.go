package signature

import "errors"

// Public, stable errors for callers.
var (
	ErrSecretMissing  = errors.New("webhook secret missing")
	ErrSecretTooShort = errors.New("webhook secret too short")
	ErrMissing        = errors.New("signature missing")
	ErrMismatch       = errors.New("signature mismatch")
)
