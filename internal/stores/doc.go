// Package stores provides the Redis-backed, short-lived records of the MFA
// engine: one-time-code challenges for the email and WhatsApp factors, and
// opaque single-use state (passkey ceremonies, pending TOTP enrollments).
//
// # Design
//
// A challenge lives in a Redis hash keyed by (factor, subject), so issuing a
// new challenge replaces the previous one. Consumption runs as one Lua script:
// expiry is checked lazily at read time, the record is marked consumed rather
// than deleted, and a wrong code increments the attempt counter until the
// challenge is burned. Redis TTL only reclaims memory.
//
// # What this package must NOT do
//
//   - Import goMFA or any sibling internal package.
//   - Store or log plaintext codes.
//   - Decide factor outcomes (callers map the sentinel errors).
package stores
