package goMFA

import "time"

// LintSeverity ranks a lint finding.
type LintSeverity int

const (
	// LintInfo notes a setting worth reviewing.
	LintInfo LintSeverity = iota
	// LintWarn flags a setting that weakens abuse resistance.
	LintWarn
	// LintHigh flags a setting unsuitable for production.
	LintHigh
)

// LintWarning is one finding. Code is stable and machine-readable.
type LintWarning struct {
	Code     string
	Severity LintSeverity
	Message  string
}

// LintResult is the list of findings from [Config.Lint].
type LintResult []LintWarning

// Codes returns the codes of all findings.
func (r LintResult) Codes() []string {
	out := make([]string, 0, len(r))
	for _, w := range r {
		out = append(out, w.Code)
	}
	return out
}

// BySeverity returns findings at or above min.
func (r LintResult) BySeverity(min LintSeverity) LintResult {
	var out LintResult
	for _, w := range r {
		if w.Severity >= min {
			out = append(out, w)
		}
	}
	return out
}

// Lint reports settings that pass Validate but are risky. It never fails.
func (c *Config) Lint() LintResult {
	var ws LintResult
	add := func(code string, sev LintSeverity, msg string) {
		ws = append(ws, LintWarning{Code: code, Severity: sev, Message: msg})
	}

	if c.TOTP.Skew > 1 {
		add("totp_skew_wide", LintWarn, "TOTP Skew above 1 widens the guessing window")
	}
	if c.OTP.TTL > 15*time.Minute {
		add("otp_ttl_long", LintWarn, "OTP TTL above 15 minutes")
	}
	if c.OTP.MaxAttempts > 10 {
		add("otp_attempts_high", LintWarn, "OTP MaxAttempts above 10")
	}
	if c.RateLimit.VerifyPerUser.MaxHits > 20 {
		add("verify_limit_high", LintWarn, "VerifyPerUser allows more than 20 attempts per window")
	}
	if c.Elevation.TTL > 30*time.Minute {
		add("elevation_ttl_long", LintWarn, "elevation tokens live longer than 30 minutes")
	}
	if c.Elevation.Leeway > time.Minute {
		add("leeway_large", LintInfo, "token leeway above one minute")
	}
	if c.Elevation.SigningMethod == "hs256" {
		add("signing_hs256", LintInfo, "hs256 shares the signing key with every verifier")
	}
	if c.TrustedDevice.Enabled && !c.TrustedDevice.BindFingerprint {
		add("device_unbound", LintWarn, "trusted-device tokens are not bound to a fingerprint")
	}
	if c.TrustedDevice.Enabled && c.TrustedDevice.TTL > 90*24*time.Hour {
		add("device_ttl_long", LintWarn, "trusted devices live longer than 90 days")
	}
	if c.Security.ReplayGuard == "memory" {
		add("replay_guard_memory", LintHigh, "in-process replay guard does not cover multiple instances")
	}
	if c.Security.LockoutThreshold > 10 {
		add("lockout_threshold_high", LintInfo, "lockout is suggested only after more than 10 failures")
	}
	if !c.Audit.Enabled {
		add("audit_disabled", LintHigh, "audit trail is disabled")
	} else if c.Audit.DropIfFull {
		add("audit_drop_if_full", LintInfo, "audit entries are dropped when the buffer is full")
	}

	return ws
}
