// Package replay tracks the highest consumed time step per (subject, factor)
// so that a TOTP code accepted once cannot be accepted again, including by a
// concurrent request racing the first one.
//
// Both guards accept a step only when it is strictly greater than the last
// accepted step. MemoryGuard is bounded and forgets the least recently used
// subjects; callers pair it with a durable watermark in the profile store.
package replay
