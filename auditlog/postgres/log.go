// Package postgres appends goMFA audit entries to the mfa_audit_log table.
// The table rejects UPDATE and DELETE through a trigger installed by the
// store/postgres migrations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of *pgxpool.Pool the log needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Log is a [goMFA.AuditLog] backed by Postgres.
type Log struct {
	db Execer
}

var _ goMFA.AuditLog = (*Log)(nil)

// New returns a log writing through db.
func New(db Execer) *Log {
	return &Log{db: db}
}

// Append implements [goMFA.AuditLog]. Entries with an existing ID are ignored
// so a retried write never duplicates a record.
func (l *Log) Append(ctx context.Context, entry goMFA.AuditEntry) error {
	id, err := uuid.Parse(entry.ID)
	if err != nil {
		return fmt.Errorf("audit entry id: %w", err)
	}
	diff := entry.Diff
	if diff == nil {
		diff = map[string]string{}
	}
	payload, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("encode audit diff: %w", err)
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO mfa_audit_log (id, action, actor_id, subject_id, occurred_at, diff)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		id, entry.Action, entry.ActorID, entry.SubjectID, entry.Timestamp, payload)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
