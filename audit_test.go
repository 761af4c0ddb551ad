package goMFA

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingLog struct {
	count atomic.Int64
}

func (l *countingLog) Append(context.Context, AuditEntry) error {
	l.count.Add(1)
	return nil
}

type blockingLog struct {
	release chan struct{}
	count   atomic.Int64
}

func (l *blockingLog) Append(ctx context.Context, _ AuditEntry) error {
	select {
	case <-l.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.count.Add(1)
	return nil
}

type failingLog struct{}

func (failingLog) Append(context.Context, AuditEntry) error { return errors.New("disk full") }

func TestAuditDispatcherDisabledIsNil(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: false}, &countingLog{}, nil)
	if d != nil {
		t.Fatal("expected nil dispatcher when disabled")
	}
	d.Emit(context.Background(), AuditEntry{})
	d.Close()
	if d.Dropped() != 0 || d.Failed() != 0 {
		t.Fatal("nil dispatcher should report zero")
	}
}

func TestAuditDispatcherDeliversAndDrains(t *testing.T) {
	log := &countingLog{}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 64, WriteTimeout: time.Second}, log, nil)

	for i := 0; i < 50; i++ {
		d.Emit(context.Background(), AuditEntry{Action: auditSuccess})
	}
	d.Close()

	if got := log.count.Load(); got != 50 {
		t.Fatalf("expected 50 entries after close, got %d", got)
	}
	d.Emit(context.Background(), AuditEntry{Action: auditSuccess})
	if got := log.count.Load(); got != 50 {
		t.Fatalf("emit after close should be ignored, got %d", got)
	}
}

func TestAuditDispatcherDropsWhenFull(t *testing.T) {
	log := &blockingLog{release: make(chan struct{})}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true, WriteTimeout: time.Second}, log, nil)

	for i := 0; i < 20; i++ {
		d.Emit(context.Background(), AuditEntry{Action: auditFailed})
	}
	if d.Dropped() == 0 {
		t.Fatal("expected drops with a blocked log and a one-slot buffer")
	}
	close(log.release)
	d.Close()
}

func TestAuditDispatcherBlockingRespectsContext(t *testing.T) {
	log := &blockingLog{release: make(chan struct{})}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1, WriteTimeout: time.Second}, log, nil)
	defer func() {
		close(log.release)
		d.Close()
	}()

	// One entry is held by the writer and one fills the buffer.
	d.Emit(context.Background(), AuditEntry{})
	d.Emit(context.Background(), AuditEntry{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	d.Emit(ctx, AuditEntry{})
	if time.Since(start) > time.Second {
		t.Fatal("emit did not honour ctx")
	}
	if d.Dropped() == 0 {
		t.Fatal("expected the cancelled emit to count as dropped")
	}
}

func TestAuditDispatcherCountsFailures(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 4, WriteTimeout: time.Second}, failingLog{}, nil)
	d.Emit(context.Background(), AuditEntry{})
	d.Emit(context.Background(), AuditEntry{})
	d.Close()
	if got := d.Failed(); got != 2 {
		t.Fatalf("expected 2 failures, got %d", got)
	}
}

func TestJSONWriterAuditLog(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSONWriterAuditLog(&buf)
	entry := AuditEntry{ID: "a1", Action: auditReset, ActorID: "admin", SubjectID: "u1", Diff: map[string]string{"reason": "lost"}}
	if err := log.Append(context.Background(), entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	var got AuditEntry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Action != auditReset || got.Diff["reason"] != "lost" {
		t.Fatalf("unexpected entry %+v", got)
	}
}

func TestChannelAuditLogHonoursContext(t *testing.T) {
	log := NewChannelAuditLog(1)
	if err := log.Append(context.Background(), AuditEntry{ID: "1"}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := log.Append(ctx, AuditEntry{ID: "2"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := (<-log.Entries()).ID; got != "1" {
		t.Fatalf("expected entry 1, got %s", got)
	}
}
