// Package internal groups the private building blocks of goMFA. Nothing here
// is part of the public API.
//
// # Sub-packages
//
//   - config: environment-driven configuration for the mfactl binary
//   - primitives: code hashing, backup-code argon2id, TOTP, opaque keying
//   - rate: Redis-backed fixed-window hit counters
//   - replay: TOTP step watermarks (Redis or in-process LRU)
//   - stores: Redis challenges and single-use ceremony state
//
// # What this package must NOT do
//
//   - Export types that appear in the public goMFA API.
//   - Be imported by any package outside the goMFA module.
package internal
