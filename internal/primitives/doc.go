// Package primitives holds the credential primitives shared by every factor:
// OTP generation and peppered hashing, TOTP step verification, backup-code
// generation and argon2id hashing, and keyed hashing of rate-limit subjects
// and device fingerprints.
//
// # What this package must NOT do
//
//   - Perform I/O or hold mutable state beyond immutable configuration.
//   - Return or log plaintext codes other than to the caller that generated them.
//   - Use non-constant-time comparisons for secret matching.
package primitives
