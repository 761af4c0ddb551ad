package goMFA_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
)

func TestTOTPEnrollmentLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.engine.ConfirmTOTPEnrollment(ctx, testUser, "123456"); !errors.Is(err, goMFA.ErrEnrollmentNotFound) {
		t.Fatalf("expected ErrEnrollmentNotFound, got %v", err)
	}

	enrollment, err := h.engine.BeginTOTPEnrollment(ctx, testUser, "user@example.com", "")
	if err != nil {
		t.Fatalf("BeginTOTPEnrollment failed: %v", err)
	}
	if !strings.HasPrefix(enrollment.URI, "otpauth://totp/") || enrollment.Secret == "" {
		t.Fatalf("unexpected enrollment %+v", enrollment)
	}
	if !enrollment.ExpiresAt.Equal(testEpoch.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", enrollment.ExpiresAt)
	}

	// A typo keeps the pending secret.
	good := totpCode(t, enrollment.Secret, h.clock.Now())
	if _, err := h.engine.ConfirmTOTPEnrollment(ctx, testUser, wrongDigits(good)); !errors.Is(err, goMFA.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}

	codes, err := h.engine.ConfirmTOTPEnrollment(ctx, testUser, good)
	if err != nil {
		t.Fatalf("ConfirmTOTPEnrollment failed: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("expected 10 backup codes on first enrollment, got %d", len(codes))
	}

	p, err := h.store.GetProfile(ctx, testUser)
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if !p.Methods.Has(goMFA.FactorTOTP) || len(p.BackupCodeHashes) != 10 {
		t.Fatalf("unexpected profile %+v", p)
	}
	if strings.Contains(string(p.TOTPSecret), enrollment.Secret) {
		t.Fatal("stored secret is not sealed")
	}
	for _, hash := range p.BackupCodeHashes {
		if !strings.HasPrefix(hash, "$argon2id$") {
			t.Fatalf("backup code not stored as argon2id hash: %q", hash)
		}
	}

	// The confirmation step is already consumed.
	_, err = h.verify(goMFA.FactorTOTP, good)
	requireKind(t, err, goMFA.ErrReplayDetected)

	// Re-enrolling needs fresh proof and keeps existing backup codes.
	if _, err := h.engine.BeginTOTPEnrollment(ctx, testUser, "", ""); !errors.Is(err, goMFA.ErrAlreadyEnrolled) {
		t.Fatalf("expected ErrAlreadyEnrolled, got %v", err)
	}
	h.clock.Advance(time.Minute)
	res, err := h.verify(goMFA.FactorTOTP, totpCode(t, enrollment.Secret, h.clock.Now()))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	enrollment, err = h.engine.BeginTOTPEnrollment(ctx, testUser, "", res.ElevationToken)
	if err != nil {
		t.Fatalf("second BeginTOTPEnrollment failed: %v", err)
	}
	codes, err = h.engine.ConfirmTOTPEnrollment(ctx, testUser, totpCode(t, enrollment.Secret, h.clock.Now()))
	if err != nil {
		t.Fatalf("second ConfirmTOTPEnrollment failed: %v", err)
	}
	if codes != nil {
		t.Fatalf("expected no new backup codes, got %d", len(codes))
	}
}

func TestBackupCodeConsumedOnce(t *testing.T) {
	h := newHarness(t, nil)
	_, codes := h.enrollTOTP(t)

	res, err := h.verify(goMFA.FactorBackup, strings.ToLower(codes[0]))
	if err != nil {
		t.Fatalf("verify backup failed: %v", err)
	}
	if res.BackupCodesRemaining != 9 || res.AuditDiff["remaining"] != "9" {
		t.Fatalf("unexpected result %+v", res)
	}

	_, err = h.verify(goMFA.FactorBackup, codes[0])
	requireKind(t, err, goMFA.ErrInvalidCredential)

	list, err := h.engine.ListFactors(context.Background(), testUser)
	if err != nil {
		t.Fatalf("ListFactors failed: %v", err)
	}
	if list.BackupCodesRemaining != 9 {
		t.Fatalf("expected 9 codes left, got %d", list.BackupCodesRemaining)
	}
	if got := h.engine.MetricsSnapshot().Counters[goMFA.MetricBackupCodeUsed]; got != 1 {
		t.Fatalf("expected 1 backup code used, got %d", got)
	}
}

func TestBackupCodeConcurrentUseHasOneWinner(t *testing.T) {
	h := newHarness(t, nil)
	_, codes := h.enrollTOTP(t)

	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := h.verify(goMFA.FactorBackup, codes[3])
			errs <- err
		}()
	}
	wins := 0
	for i := 0; i < 4; i++ {
		if err := <-errs; err == nil {
			wins++
		} else if !errors.Is(err, goMFA.ErrInvalidCredential) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected one winner, got %d", wins)
	}
}

func TestRegenerateBackupCodesRequiresElevation(t *testing.T) {
	h := newHarness(t, nil)
	secret, old := h.enrollTOTP(t)
	ctx := context.Background()

	if _, err := h.engine.RegenerateBackupCodes(ctx, testUser, "not-a-token"); !errors.Is(err, goMFA.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	h.clock.Advance(time.Minute)
	res, err := h.verify(goMFA.FactorTOTP, totpCode(t, secret, h.clock.Now()))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if _, err := h.engine.RegenerateBackupCodes(ctx, "someone-else", res.ElevationToken); !errors.Is(err, goMFA.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for another user, got %v", err)
	}

	fresh, err := h.engine.RegenerateBackupCodes(ctx, testUser, res.ElevationToken)
	if err != nil {
		t.Fatalf("RegenerateBackupCodes failed: %v", err)
	}
	if len(fresh) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(fresh))
	}

	_, err = h.verify(goMFA.FactorBackup, old[0])
	requireKind(t, err, goMFA.ErrInvalidCredential)
	if _, err := h.verify(goMFA.FactorBackup, fresh[0]); err != nil {
		t.Fatalf("fresh code rejected: %v", err)
	}
}

func TestElevationExpires(t *testing.T) {
	h := newHarness(t, nil)
	code := h.sendEmailCode(t)
	res, err := h.verify(goMFA.FactorEmail, code)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !res.ElevationExpiresAt.Equal(testEpoch.Add(10 * time.Minute)) {
		t.Fatalf("unexpected elevation expiry %s", res.ElevationExpiresAt)
	}

	h.clock.Advance(11 * time.Minute)
	if _, err := h.engine.ValidateElevation(context.Background(), res.ElevationToken); !errors.Is(err, goMFA.ErrUnauthenticated) {
		t.Fatalf("expected expired elevation to fail, got %v", err)
	}
}

func registerPasskey(t *testing.T, h *harness, signCount uint32) {
	t.Helper()
	registerPasskeyElevated(t, h, signCount, "")
}

func registerPasskeyElevated(t *testing.T, h *harness, signCount uint32, elevationToken string) {
	t.Helper()
	ctx := context.Background()
	h.webauthn.credential = goMFA.PasskeyCredential{
		ID:              []byte("cred-1"),
		PublicKey:       []byte("public-key"),
		AttestationType: "none",
		SignCount:       signCount,
	}

	reg, err := h.engine.BeginPasskeyRegistration(ctx, testUser, " Laptop ", elevationToken)
	if err != nil {
		t.Fatalf("BeginPasskeyRegistration failed: %v", err)
	}
	if string(reg.Options) != `{"challenge":"register"}` || reg.StateToken == "" {
		t.Fatalf("unexpected registration %+v", reg)
	}
	cred, err := h.engine.FinishPasskeyRegistration(ctx, testUser, reg.StateToken, json.RawMessage(`{"id":"cred-1"}`))
	if err != nil {
		t.Fatalf("FinishPasskeyRegistration failed: %v", err)
	}
	if cred.UserID != testUser || cred.FriendlyName != "Laptop" || cred.DeviceType != goMFA.PasskeySingleDevice {
		t.Fatalf("unexpected credential %+v", cred)
	}

	// The registration state is single-use.
	_, err = h.engine.FinishPasskeyRegistration(ctx, testUser, reg.StateToken, json.RawMessage(`{"id":"cred-1"}`))
	requireKind(t, err, goMFA.ErrInvalidOrExpired)
}

func (h *harness) initiatePasskey(t *testing.T, remember bool) string {
	t.Helper()
	res, err := h.engine.InitiateFactor(context.Background(), goMFA.InitiateRequest{
		UserID:         testUser,
		Factor:         goMFA.FactorPasskey,
		RememberDevice: remember,
	})
	if err != nil {
		t.Fatalf("InitiateFactor passkey failed: %v", err)
	}
	if res.Status != "challenge" || string(res.PasskeyOptions) != `{"challenge":"login"}` {
		t.Fatalf("unexpected initiate result %+v", res)
	}
	return res.StateToken
}

func (h *harness) verifyPasskey(state string) (*goMFA.VerifyResult, error) {
	return h.engine.VerifyFactor(context.Background(), goMFA.VerifyRequest{
		UserID:     testUser,
		Factor:     goMFA.FactorPasskey,
		Token:      `{"id":"cred-1"}`,
		StateToken: state,
		UserAgent:  "test-agent",
		ClientIP:   "198.51.100.7",
	})
}

func TestPasskeySignCountMustAdvance(t *testing.T) {
	h := newHarness(t, nil)
	registerPasskey(t, h, 5)

	state := h.initiatePasskey(t, false)
	h.webauthn.setAssertion(goMFA.PasskeyAssertion{CredentialID: []byte("cred-1"), SignCount: 6, UserVerified: true})
	if _, err := h.verifyPasskey(state); err != nil {
		t.Fatalf("verify passkey failed: %v", err)
	}

	// The login state cannot be reused.
	_, err := h.verifyPasskey(state)
	requireKind(t, err, goMFA.ErrInvalidOrExpired)

	// A cloned authenticator replays the old counter.
	state = h.initiatePasskey(t, false)
	_, err = h.verifyPasskey(state)
	requireKind(t, err, goMFA.ErrReplayDetected)

	creds, err := h.store.ListPasskeys(context.Background(), testUser)
	if err != nil {
		t.Fatalf("ListPasskeys failed: %v", err)
	}
	if len(creds) != 1 || creds[0].SignCount != 6 {
		t.Fatalf("unexpected stored credentials %+v", creds)
	}
}

func TestPasskeyZeroCounterAuthenticator(t *testing.T) {
	h := newHarness(t, nil)
	registerPasskey(t, h, 0)

	h.webauthn.setAssertion(goMFA.PasskeyAssertion{CredentialID: []byte("cred-1")})
	for i := 0; i < 2; i++ {
		if _, err := h.verifyPasskey(h.initiatePasskey(t, false)); err != nil {
			t.Fatalf("verify %d failed: %v", i, err)
		}
	}
}

func TestPasskeyFailures(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.engine.InitiateFactor(context.Background(), goMFA.InitiateRequest{UserID: testUser, Factor: goMFA.FactorPasskey})
	requireKind(t, err, goMFA.ErrNoCredentials)

	registerPasskey(t, h, 1)

	h.webauthn.setAssertion(goMFA.PasskeyAssertion{CredentialID: []byte("other"), SignCount: 2})
	_, err = h.verifyPasskey(h.initiatePasskey(t, false))
	requireKind(t, err, goMFA.ErrInvalidCredential)

	h.webauthn.loginErr = errors.New("signature mismatch")
	_, err = h.verifyPasskey(h.initiatePasskey(t, false))
	requireKind(t, err, goMFA.ErrInvalidCredential)

	_, err = h.verifyPasskey("")
	requireKind(t, err, goMFA.ErrInvalidPayload)
}

func TestTOTPReenrollmentRequiresElevation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	secret, codes := h.enrollTOTP(t)

	_, err := h.engine.BeginTOTPEnrollment(ctx, testUser, "", "")
	fe := requireKind(t, err, goMFA.ErrAlreadyEnrolled)
	if goMFA.PublicCode(fe) != "already_enrolled" {
		t.Fatalf("unexpected public code %q", goMFA.PublicCode(fe))
	}
	_, err = h.engine.BeginTOTPEnrollment(ctx, testUser, "", "not-a-token")
	requireKind(t, err, goMFA.ErrUnauthenticated)

	res, err := h.verify(goMFA.FactorBackup, codes[0])
	if err != nil {
		t.Fatalf("verify backup failed: %v", err)
	}
	_, err = h.engine.BeginTOTPEnrollment(ctx, "someone-else", "", res.ElevationToken)
	requireKind(t, err, goMFA.ErrUnauthenticated)

	// The original secret is untouched.
	h.clock.Advance(time.Minute)
	if _, err := h.verify(goMFA.FactorTOTP, totpCode(t, secret, h.clock.Now())); err != nil {
		t.Fatalf("original secret rejected: %v", err)
	}
}

func TestPendingTOTPEnrollmentRefusedOnceAuthenticatorExists(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	enrollment, err := h.engine.BeginTOTPEnrollment(ctx, testUser, "", "")
	if err != nil {
		t.Fatalf("BeginTOTPEnrollment failed: %v", err)
	}
	registerPasskey(t, h, 1)

	_, err = h.engine.ConfirmTOTPEnrollment(ctx, testUser, totpCode(t, enrollment.Secret, h.clock.Now()))
	requireKind(t, err, goMFA.ErrAlreadyEnrolled)

	p, err := h.store.GetProfile(ctx, testUser)
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if len(p.TOTPSecret) != 0 {
		t.Fatal("unelevated enrollment stored a secret")
	}
}

func TestPasskeyRegistrationRequiresElevationOnceEnrolled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, codes := h.enrollTOTP(t)

	_, err := h.engine.BeginPasskeyRegistration(ctx, testUser, "Laptop", "")
	requireKind(t, err, goMFA.ErrAlreadyEnrolled)

	res, err := h.verify(goMFA.FactorBackup, codes[0])
	if err != nil {
		t.Fatalf("verify backup failed: %v", err)
	}
	registerPasskeyElevated(t, h, 1, res.ElevationToken)

	list, err := h.engine.ListFactors(ctx, testUser)
	if err != nil {
		t.Fatalf("ListFactors failed: %v", err)
	}
	if list.PasskeyCount != 1 {
		t.Fatalf("expected one passkey, got %d", list.PasskeyCount)
	}
}

func TestPasskeyBadStateTokenCountsFailure(t *testing.T) {
	h := newHarness(t, nil)
	registerPasskey(t, h, 1)

	_, err := h.verifyPasskey("")
	fe := requireKind(t, err, goMFA.ErrInvalidPayload)
	if fe.FailedAttempts != 1 {
		t.Fatalf("expected 1 failed attempt, got %d", fe.FailedAttempts)
	}

	_, err = h.verifyPasskey("bogus-state")
	fe = requireKind(t, err, goMFA.ErrInvalidOrExpired)
	if fe.FailedAttempts != 2 {
		t.Fatalf("expected 2 failed attempts, got %d", fe.FailedAttempts)
	}

	p, err := h.store.GetProfile(context.Background(), testUser)
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if p.FailedAttemptCount != 2 {
		t.Fatalf("expected stored count 2, got %d", p.FailedAttemptCount)
	}
}
