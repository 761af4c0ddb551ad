package main

import (
	"bytes"
	"encoding/base64"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
)

var codePattern = regexp.MustCompile(`verification code is (\d+)`)

// codeRelay copies the emailed code from stdout back into stdin.
type codeRelay struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	stdin *io.PipeWriter
	sent  bool
}

func (r *codeRelay) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Write(p)
	if !r.sent {
		if m := codePattern.FindStringSubmatch(r.buf.String()); m != nil {
			r.sent = true
			go func() { _, _ = r.stdin.Write([]byte(m[1] + "\n")) }()
		}
	}
	return len(p), nil
}

func (r *codeRelay) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func TestDevEmailFlow(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	defer stdinW.Close()
	out := &codeRelay{stdin: stdinW}
	var audit bytes.Buffer

	root := newRootCommand()
	root.SetArgs([]string{"dev", "--factor", "email", "--email", "Dev@Example.com"})
	root.SetIn(stdinR)
	root.SetOut(out)
	root.SetErr(&audit)

	if err := root.Execute(); err != nil {
		t.Fatalf("dev: %v\noutput:\n%s", err, out.String())
	}
	got := out.String()
	if !strings.Contains(got, "code sent to d***@example.com") {
		t.Fatalf("expected masked destination, got:\n%s", got)
	}
	if !strings.Contains(got, "verified; elevation token") {
		t.Fatalf("expected verification, got:\n%s", got)
	}
}

func TestDevRejectsUnsupportedFactor(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"dev", "--factor", "passkey"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for passkey in dev mode")
	}
}

func TestResetRequiresConfirmation(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"reset", "u1", "--actor", "admin", "--reason", "lost device"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("expected confirmation error, got %v", err)
	}
}

func TestLintReportsFindings(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	t.Setenv("MFA_SIGNING_METHOD", "hs256")
	t.Setenv("MFA_SIGNING_KEY", key)
	t.Setenv("MFA_OTP_PEPPER", key)
	t.Setenv("MFA_BACKUP_PEPPER", key)
	t.Setenv("MFA_KEYING_SECRET", key)

	var out bytes.Buffer
	root := newRootCommand()
	root.SetArgs([]string{"lint", "--env-file", ""})
	root.SetOut(&out)
	root.SetErr(io.Discard)
	if err := root.Execute(); err != nil {
		t.Fatalf("lint: %v", err)
	}
	if !strings.Contains(out.String(), "signing_hs256") {
		t.Fatalf("expected signing_hs256 finding, got:\n%s", out.String())
	}
}

func TestLintFailsOnInvalidConfig(t *testing.T) {
	t.Setenv("MFA_SIGNING_METHOD", "hs256")
	t.Setenv("MFA_SIGNING_KEY", "")
	root := newRootCommand()
	root.SetArgs([]string{"lint", "--env-file", ""})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	if err := root.Execute(); err == nil {
		t.Fatal("expected validation error")
	}
}
