// Package signature signs and verifies webhook payloads.
//
// Signatures are HMAC-SHA256 over the raw request body, hex encoded and sent
// as "sha256=<hex>" in the X-Hub-Signature-256 header. Verification accepts
// the hex digest with or without the prefix, in any case.
//
// Environment:
// - BATCHD_WEBHOOK_SECRET: shared secret. When unset, verification is
//   disabled unless policy requires it.
package signature
