// Package audit writes a persistent trail of synchronization runs into
// PostgreSQL. Every run leaves one sync_runs row plus one
// sync_operations row per reconciliation operation, so that later on it
// is possible to answer who was disabled when and with which diff.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/bihealth/hpc-access-cli/api/records"
)

// Operation kinds stored in the trail.
const (
	KindLdapUser  = "ldap_user"
	KindLdapGroup = "ldap_group"
	KindFs        = "fs"
)

// schemaDDL bootstraps the trail tables. Statements must stay
// idempotent, the bootstrap runs on every start.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS sync_runs (
        id UUID PRIMARY KEY,
        started_at TIMESTAMPTZ NOT NULL,
        finished_at TIMESTAMPTZ NOT NULL,
        dry_run BOOLEAN NOT NULL,
        user_ops INTEGER NOT NULL,
        group_ops INTEGER NOT NULL,
        fs_ops INTEGER NOT NULL,
        error TEXT
    );`,
	`CREATE TABLE IF NOT EXISTS sync_operations (
        run_id UUID NOT NULL REFERENCES sync_runs (id),
        seq INTEGER NOT NULL,
        kind TEXT NOT NULL,
        operation TEXT NOT NULL,
        subject TEXT NOT NULL,
        diff JSONB,
        PRIMARY KEY (run_id, seq)
    );`,
}

const sqlInsertRun = `
    INSERT INTO sync_runs (id, started_at, finished_at, dry_run, user_ops, group_ops, fs_ops, error)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`

// DBPool abstracts the pgxpool.Pool so that tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Trail records synchronization runs in the audit database.
type Trail struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a trail on the given pool, verifies the connection, and
// makes sure the schema exists.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Trail, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}
	t := &Trail{
		pool: pool,
		log:  logger.Named("audit"),
	}
	if err := t.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Trail) ensureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := t.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create audit schema: %w", err)
		}
	}
	return nil
}

// Run describes one finished synchronization for the trail.
type Run struct {
	ID         uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool
	Ops        *records.OperationsContainer
	// Err carries the failure of the run, if any.
	Err error
}

// RecordRun writes the run and its operations in a single transaction.
// A run that failed before producing operations is stored with zero
// counts.
func (t *Trail) RecordRun(ctx context.Context, run Run) error {
	ops := run.Ops
	if ops == nil {
		ops = &records.OperationsContainer{}
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			t.log.Error("failed to roll back audit transaction", zap.Error(rollbackErr))
		}
	}()

	var runErr *string
	if run.Err != nil {
		msg := run.Err.Error()
		runErr = &msg
	}
	_, err = tx.Exec(ctx, sqlInsertRun,
		run.ID, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.DryRun,
		len(ops.LdapUserOps), len(ops.LdapGroupOps), len(ops.FsOps),
		runErr)
	if err != nil {
		return fmt.Errorf("failed to insert sync run: %w", err)
	}

	rows, err := operationRows(run.ID, ops)
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		copyCount, err := tx.CopyFrom(ctx,
			pgx.Identifier{"sync_operations"},
			[]string{"run_id", "seq", "kind", "operation", "subject", "diff"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy sync operations: %w", err)
		}
		if int(copyCount) != len(rows) {
			return fmt.Errorf("mismatch in copied operation count: expected %d, got %d",
				len(rows), copyCount)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit audit transaction: %w", err)
	}
	t.log.Debug("recorded sync run",
		zap.Stringer("run_id", run.ID), zap.Int("num_operations", len(rows)))
	return nil
}

// operationRows flattens the operation container into sync_operations
// rows, numbered in apply order: groups, then users, then directories.
func operationRows(runID uuid.UUID, ops *records.OperationsContainer) ([][]any, error) {
	var rows [][]any
	seq := 0
	add := func(kind string, operation records.StateOperation, subject string, diff map[string]any) error {
		var diffJSON []byte
		if len(diff) > 0 {
			encoded, err := json.Marshal(diff)
			if err != nil {
				return fmt.Errorf("failed to encode diff of %s %s: %w", kind, subject, err)
			}
			diffJSON = encoded
		}
		rows = append(rows, []any{runID, seq, kind, string(operation), subject, diffJSON})
		seq++
		return nil
	}

	for _, op := range ops.LdapGroupOps {
		if err := add(KindLdapGroup, op.Operation, op.Group.CN, op.Diff); err != nil {
			return nil, err
		}
	}
	for _, op := range ops.LdapUserOps {
		if err := add(KindLdapUser, op.Operation, op.User.UID, op.Diff); err != nil {
			return nil, err
		}
	}
	for _, op := range ops.FsOps {
		if err := add(KindFs, op.Operation, op.Directory.Path, op.Diff); err != nil {
			return nil, err
		}
	}
	return rows, nil
}
