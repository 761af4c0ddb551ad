package goMFA

import (
	"errors"
	"net/http"
	"time"
)

var (
	// ErrInvalidPayload reports a malformed or inconsistent request.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnauthenticated reports a missing or unknown identity.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrChannelUnavailable reports that no verified destination or sender exists for the factor.
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrDeliveryFailed reports that the channel sender failed or timed out.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrRateLimitExceeded reports an exhausted rate-limit window.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrInvalidOrExpired reports a missing, expired, burned or consumed challenge.
	ErrInvalidOrExpired = errors.New("challenge invalid or expired")
	// ErrInvalidCredential reports a wrong code or a failed assertion.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrNoCredentials reports that the factor is not enrolled.
	ErrNoCredentials = errors.New("no credentials enrolled")
	// ErrReplayDetected reports a reused TOTP step or a non-increasing passkey counter.
	ErrReplayDetected = errors.New("replay detected")
	// ErrUnsupportedFactor reports an unknown factor name.
	ErrUnsupportedFactor = errors.New("unsupported factor")
	// ErrBackendUnavailable reports a failing store, secret store or counter backend.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrEngineNotReady is returned by methods of a nil or unbuilt Engine.
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrProfileNotFound is returned by a ProfileStore for an unknown user.
	ErrProfileNotFound = errors.New("mfa profile not found")
	// ErrDeviceNotFound is returned by a ProfileStore for an unknown trusted device.
	ErrDeviceNotFound = errors.New("trusted device not found")
	// ErrEnrollmentNotFound reports a missing or expired pending enrollment.
	ErrEnrollmentNotFound = errors.New("no pending enrollment")
	// ErrAlreadyEnrolled reports that the user already has an authenticator;
	// adding or replacing one needs an elevation token.
	ErrAlreadyEnrolled = errors.New("mfa already enrolled")
)

// FactorError is the error returned by factor operations. Kind is one of the
// sentinels above; errors.Is matches both Kind and the underlying cause.
type FactorError struct {
	Kind   error
	Factor Factor
	// Reason is an internal, log-safe detail such as "mismatch" or "sign_count".
	Reason string
	// FailedAttempts is the user's consecutive failure count after this failure.
	FailedAttempts int
	// LockoutSuggested is set once FailedAttempts reaches the configured threshold.
	// The engine reports it; locking the account is left to the caller.
	LockoutSuggested bool
	RetryAt          time.Time
	Err              error
}

func (e *FactorError) Error() string {
	msg := e.Kind.Error()
	if e.Factor.Valid() {
		msg = e.Factor.String() + ": " + msg
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FactorError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// PublicCode returns the client-facing error code for e.
func (e *FactorError) PublicCode() string {
	return PublicCode(e)
}

// Status returns the HTTP status suggested for e.
func (e *FactorError) Status() int {
	return StatusCode(e)
}

func newFactorError(kind error, f Factor, reason string, cause error) *FactorError {
	return &FactorError{Kind: kind, Factor: f, Reason: reason, Err: cause}
}

// PublicCode maps err to a stable client-facing code. Wrong codes, expired
// challenges and replays share "invalid_code" so a client cannot tell them apart.
func PublicCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredential),
		errors.Is(err, ErrInvalidOrExpired),
		errors.Is(err, ErrReplayDetected):
		return "invalid_code"
	case errors.Is(err, ErrRateLimitExceeded):
		return "rate_limited"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrChannelUnavailable):
		return "channel_unavailable"
	case errors.Is(err, ErrDeliveryFailed):
		return "delivery_failed"
	case errors.Is(err, ErrNoCredentials):
		return "no_credentials"
	case errors.Is(err, ErrUnsupportedFactor):
		return "unsupported_factor"
	case errors.Is(err, ErrEnrollmentNotFound):
		return "enrollment_not_found"
	case errors.Is(err, ErrAlreadyEnrolled):
		return "already_enrolled"
	case errors.Is(err, ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, ErrEngineNotReady):
		return "unavailable"
	default:
		return "internal_error"
	}
}

// StatusCode maps err to an HTTP status for hosts that expose the engine over HTTP.
func StatusCode(err error) int {
	switch PublicCode(err) {
	case "":
		return http.StatusOK
	case "invalid_code", "unauthenticated":
		return http.StatusUnauthorized
	case "rate_limited":
		return http.StatusTooManyRequests
	case "invalid_payload", "no_credentials", "unsupported_factor", "enrollment_not_found", "already_enrolled":
		return http.StatusBadRequest
	case "device_not_found":
		return http.StatusNotFound
	case "channel_unavailable", "unavailable":
		return http.StatusServiceUnavailable
	case "delivery_failed":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// reasonFor names the failure in audit entries and logs; unlike PublicCode it
// keeps replay distinct.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrReplayDetected):
		return "replay"
	case errors.Is(err, ErrInvalidOrExpired):
		return "invalid_or_expired"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	default:
		return PublicCode(err)
	}
}
