package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, d: d, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(q), args...)
}

// withTx runs fn in a transaction, rolling back on error.
func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---- value mapping ----

func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeParams(p map[string]string) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	return string(b), nil
}

func decodeParams(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

type scanner interface {
	Scan(dest ...any) error
}

const descriptorColumns = `id, name, type, cron_expression, enabled, run_per_machine, stop_on_error, is_system,
	priority, parameters, last_run_utc, next_run_utc, created_utc, updated_utc`

func scanDescriptor(r scanner) (task.Descriptor, error) {
	var (
		d                                      task.Descriptor
		enabled, perMachine, stopOnErr, system int
		priority                               int
		params                                 string
		last, next, created, updated           sql.NullInt64
	)
	if err := r.Scan(&d.ID, &d.Name, &d.Type, &d.CronExpression, &enabled, &perMachine, &stopOnErr, &system,
		&priority, &params, &last, &next, &created, &updated); err != nil {
		return task.Descriptor{}, err
	}
	d.Enabled = enabled != 0
	d.RunPerMachine = perMachine != 0
	d.StopOnError = stopOnErr != 0
	d.IsSystem = system != 0
	d.Priority = task.Priority(priority)
	d.Parameters = decodeParams(params)
	d.LastRunUtc = fromMillis(last)
	d.NextRunUtc = fromMillis(next)
	d.CreatedUtc = fromMillis(created)
	d.UpdatedUtc = fromMillis(updated)
	return d, nil
}

const executionColumns = `id, descriptor_id, machine_name, started_utc, ended_utc, is_running, status,
	progress_percent, progress_message, error, result`

func scanExecution(r scanner) (task.ExecutionInfo, error) {
	var (
		e              task.ExecutionInfo
		started, ended sql.NullInt64
		running        int
		status         string
		pct            sql.NullInt64
	)
	if err := r.Scan(&e.ID, &e.DescriptorID, &e.MachineName, &started, &ended, &running, &status,
		&pct, &e.ProgressMessage, &e.Error, &e.Result); err != nil {
		return task.ExecutionInfo{}, err
	}
	e.StartedUtc = fromMillis(started)
	e.EndedUtc = fromMillis(ended)
	e.IsRunning = running != 0
	e.Status = task.Status(status)
	if pct.Valid {
		p := int(pct.Int64)
		e.ProgressPercent = &p
	}
	return e, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return task.ErrNotFound
	}
	return err
}
