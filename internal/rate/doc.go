// Package rate provides the Redis-backed fixed-window counter used for every
// MFA rate-limit policy (verify per user, verify per IP, challenge sends).
//
// # Window semantics
//
// Windows align to wall-clock boundaries: the window index floor(now/window)
// is part of the key, so a counter never straddles two windows. A single Lua
// script checks and increments, and never increments past the limit.
//
// # What this package must NOT do
//
//   - Choose keys or limits (callers pass pre-hashed keys and policies).
//   - Be imported outside the goMFA module.
package rate
