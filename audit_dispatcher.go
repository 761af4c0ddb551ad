package goMFA

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// auditDispatcher writes entries from a single goroutine so that a slow or
// failing audit backend never blocks a verification.
type auditDispatcher struct {
	cfg       AuditConfig
	log       AuditLog
	logger    *zap.Logger
	ch        chan AuditEntry
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	failed    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func newAuditDispatcher(cfg AuditConfig, log AuditLog, logger *zap.Logger) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if log == nil {
		log = NopAuditLog{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &auditDispatcher{
		cfg:    cfg,
		log:    log,
		logger: logger,
		ch:     make(chan AuditEntry, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *auditDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case entry := <-d.ch:
			d.write(entry)
		case <-d.done:
			for {
				select {
				case entry := <-d.ch:
					d.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (d *auditDispatcher) write(entry AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
	defer cancel()

	if err := d.log.Append(ctx, entry); err != nil {
		d.failed.Add(1)
		d.logger.Warn("audit append failed",
			zap.String("action", entry.Action),
			zap.String("entry_id", entry.ID),
			zap.Error(err),
		)
	}
}

// Emit queues entry. With DropIfFull it never blocks; otherwise it waits for
// buffer space, ctx cancellation, or Close.
func (d *auditDispatcher) Emit(ctx context.Context, entry AuditEntry) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- entry:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- entry:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.done:
	}
}

// Close stops accepting entries and drains the queue.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *auditDispatcher) Failed() uint64 {
	if d == nil {
		return 0
	}
	return d.failed.Load()
}
