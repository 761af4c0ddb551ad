package goMFA_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/secrets"
	"github.com/MrEthical07/goMFA/store/memory"
	"github.com/alicebob/miniredis/v2"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
)

const testUser = "user-1"

// testEpoch sits on a TOTP step boundary and a rate-limit window boundary.
var testEpoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type captureSender struct {
	mu   sync.Mutex
	msgs []goMFA.Message
	err  error
}

func (s *captureSender) Send(_ context.Context, msg goMFA.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *captureSender) lastCode(t testing.TB) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		t.Fatal("no message was sent")
	}
	return s.msgs[len(s.msgs)-1].Params["code"]
}

// fakeWebAuthn accepts any response for the session it issued and reports
// the configured assertion.
type fakeWebAuthn struct {
	mu         sync.Mutex
	assertion  goMFA.PasskeyAssertion
	credential goMFA.PasskeyCredential
	loginErr   error
}

func (f *fakeWebAuthn) BeginLogin(_ context.Context, user goMFA.PasskeyUser) (json.RawMessage, []byte, error) {
	if len(user.Credentials) == 0 {
		return nil, nil, errors.New("no credentials")
	}
	return json.RawMessage(`{"challenge":"login"}`), []byte("login-session"), nil
}

func (f *fakeWebAuthn) FinishLogin(_ context.Context, _ goMFA.PasskeyUser, session []byte, _ json.RawMessage) (*goMFA.PasskeyAssertion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !bytes.Equal(session, []byte("login-session")) {
		return nil, errors.New("unexpected session")
	}
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	a := f.assertion
	return &a, nil
}

func (f *fakeWebAuthn) BeginRegistration(context.Context, goMFA.PasskeyUser) (json.RawMessage, []byte, error) {
	return json.RawMessage(`{"challenge":"register"}`), []byte("register-session"), nil
}

func (f *fakeWebAuthn) FinishRegistration(_ context.Context, _ goMFA.PasskeyUser, session []byte, _ json.RawMessage) (*goMFA.PasskeyCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !bytes.Equal(session, []byte("register-session")) {
		return nil, errors.New("unexpected session")
	}
	c := f.credential
	return &c, nil
}

func (f *fakeWebAuthn) setAssertion(a goMFA.PasskeyAssertion) {
	f.mu.Lock()
	f.assertion = a
	f.mu.Unlock()
}

type harness struct {
	engine   *goMFA.Engine
	store    *memory.Store
	email    *captureSender
	whatsapp *captureSender
	webauthn *fakeWebAuthn
	audit    *goMFA.ChannelAuditLog
	clock    *testClock
	redis    *miniredis.Miniredis
}

func testConfig() goMFA.Config {
	cfg := goMFA.DefaultConfig()
	cfg.Elevation.SigningMethod = "hs256"
	cfg.Elevation.PrivateKey = bytes.Repeat([]byte{0x11}, 32)
	cfg.Security.OTPPepper = bytes.Repeat([]byte{0x22}, 32)
	cfg.Security.BackupPepper = bytes.Repeat([]byte{0x33}, 32)
	cfg.Security.KeyingSecret = bytes.Repeat([]byte{0x44}, 32)
	cfg.Backup.Memory = 8 * 1024
	cfg.Backup.Time = 1
	cfg.RateLimit.VerifyPerUser = goMFA.RatePolicy{MaxHits: 1000, Window: 5 * time.Minute}
	cfg.RateLimit.VerifyPerIP = goMFA.RatePolicy{MaxHits: 1000, Window: 5 * time.Minute}
	cfg.RateLimit.SendPerUser = goMFA.RatePolicy{MaxHits: 1000, Window: 10 * time.Minute}
	return cfg
}

// harnessOptions swaps collaborators that a test needs to misbehave.
type harnessOptions struct {
	auditLog goMFA.AuditLog
	whatsapp goMFA.ChannelSender
}

func newHarness(t testing.TB, mutate func(*goMFA.Config)) *harness {
	t.Helper()
	return newHarnessWith(t, mutate, harnessOptions{})
}

func newHarnessWith(t testing.TB, mutate func(*goMFA.Config), opts harnessOptions) *harness {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sealer, err := secrets.NewAESGCM(map[byte][]byte{1: bytes.Repeat([]byte{0x55}, 32)}, 1)
	if err != nil {
		t.Fatalf("NewAESGCM failed: %v", err)
	}

	h := &harness{
		store:    memory.New(),
		email:    &captureSender{},
		whatsapp: &captureSender{},
		webauthn: &fakeWebAuthn{},
		audit:    goMFA.NewChannelAuditLog(1024),
		clock:    &testClock{now: testEpoch},
		redis:    mr,
	}

	var whatsapp goMFA.ChannelSender = h.whatsapp
	if opts.whatsapp != nil {
		whatsapp = opts.whatsapp
	}
	var auditLog goMFA.AuditLog = h.audit
	if opts.auditLog != nil {
		auditLog = opts.auditLog
	}

	engine, err := goMFA.New().
		WithConfig(cfg).
		WithRedis(client).
		WithProfileStore(h.store).
		WithSecretStore(sealer).
		WithChannel(goMFA.FactorEmail, h.email).
		WithChannel(goMFA.FactorWhatsApp, whatsapp).
		WithWebAuthn(h.webauthn).
		WithAuditLog(auditLog).
		WithClock(h.clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	h.engine = engine
	return h
}

func totpCode(t testing.TB, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCodeCustom failed: %v", err)
	}
	return code
}

// enrollTOTP enrolls testUser at the current clock time and returns the
// secret and the initial backup codes.
func (h *harness) enrollTOTP(t testing.TB) (string, []string) {
	t.Helper()
	ctx := context.Background()

	enrollment, err := h.engine.BeginTOTPEnrollment(ctx, testUser, "user@example.com", "")
	if err != nil {
		t.Fatalf("BeginTOTPEnrollment failed: %v", err)
	}
	backup, err := h.engine.ConfirmTOTPEnrollment(ctx, testUser, totpCode(t, enrollment.Secret, h.clock.Now()))
	if err != nil {
		t.Fatalf("ConfirmTOTPEnrollment failed: %v", err)
	}
	return enrollment.Secret, backup
}

func (h *harness) sendEmailCode(t testing.TB) string {
	t.Helper()
	ctx := context.Background()
	if err := h.engine.SetContact(ctx, "admin", testUser, goMFA.FactorEmail, "User@Example.com"); err != nil {
		t.Fatalf("SetContact failed: %v", err)
	}
	if _, err := h.engine.InitiateFactor(ctx, goMFA.InitiateRequest{UserID: testUser, Factor: goMFA.FactorEmail}); err != nil {
		t.Fatalf("InitiateFactor failed: %v", err)
	}
	return h.email.lastCode(t)
}

func (h *harness) verify(factor goMFA.Factor, token string) (*goMFA.VerifyResult, error) {
	return h.engine.VerifyFactor(context.Background(), goMFA.VerifyRequest{
		UserID: testUser,
		Factor: factor,
		Token:  token,
	})
}

// drainAudit closes the engine and returns every entry written.
func (h *harness) drainAudit() []goMFA.AuditEntry {
	h.engine.Close()
	var out []goMFA.AuditEntry
	for {
		select {
		case e := <-h.audit.Entries():
			out = append(out, e)
		default:
			return out
		}
	}
}

func wrongDigits(code string) string {
	b := []byte(code)
	last := len(b) - 1
	b[last] = '0' + (b[last]-'0'+1)%10
	return string(b)
}

func requireKind(t *testing.T, err, kind error) *goMFA.FactorError {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
	var fe *goMFA.FactorError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FactorError, got %T", err)
	}
	return fe
}
