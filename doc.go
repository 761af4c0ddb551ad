// Package goMFA provides a multi-factor verification engine: it issues and
// validates one-time challenges (TOTP, email and WhatsApp codes, backup codes,
// passkeys), blocks replay and brute force, and elevates a session only after
// a factor is satisfied.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build]. Every request names the user
// explicitly; the engine holds no per-request ambient state.
//
// # Architecture boundaries
//
// goMFA is the public surface. It exposes [Engine], [Builder], [Config], the
// [Factor] variant, value types, and the collaborator interfaces the host
// supplies ([ProfileStore], [SecretStore], [ChannelSender], [WebAuthn],
// [AuditLog]). Rate limiting, replay tracking, challenge storage and
// credential primitives live under internal/ and are never exported.
// Adapters for concrete backends live in sibling packages (store/postgres,
// store/memory, secrets, channels, webauthn, auditlog/...).
//
// # What this package must NOT do
//
//   - Frame HTTP requests or set cookies.
//   - Log or persist plaintext codes, secrets, or raw client IPs.
//   - Import any sub-package that re-imports goMFA (no import cycles).
package goMFA
