package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// clusterScope is the claim scope of descriptors that run once across all machines.
const clusterScope = "*"

// TryClaim inserts a running row only if no conflicting running row exists.
// The NOT EXISTS guard handles the common case; the partial unique index on
// (descriptor_id, claim_scope) turns a concurrent double insert into a unique
// violation, which is reported as a lost claim.
func (s *sqlStore) TryClaim(ctx context.Context, descriptorID int64, machine string) (*task.ExecutionInfo, error) {
	now := s.now()
	var id int64
	err := s.queryRow(ctx,
		`INSERT INTO task_executions (descriptor_id, machine_name, claim_scope, started_utc, heartbeat_utc, is_running, status)
		 SELECT d.id, CAST(? AS TEXT),
		        CASE WHEN d.run_per_machine = 1 THEN CAST(? AS TEXT) ELSE '`+clusterScope+`' END,
		        CAST(? AS BIGINT), CAST(? AS BIGINT), 1, 'running'
		 FROM task_descriptors d
		 WHERE d.id = ?
		   AND NOT EXISTS (
		       SELECT 1 FROM task_executions e
		       WHERE e.descriptor_id = d.id AND e.is_running = 1
		         AND (d.run_per_machine = 0 OR e.machine_name = ?))
		 RETURNING id`,
		machine, machine, now.UnixMilli(), now.UnixMilli(), descriptorID, machine,
	).Scan(&id)

	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		// Either someone else holds the claim or the descriptor is gone.
		if _, gerr := s.GetTask(ctx, descriptorID); gerr != nil {
			return nil, gerr
		}
		return nil, nil
	case s.d.isUniqueViolation(err):
		s.log.Debug("claim lost on unique index", logx.Int64("descriptor_id", descriptorID), logx.String("machine", machine))
		return nil, nil
	default:
		return nil, fmt.Errorf("claim task %d: %w", descriptorID, err)
	}

	return &task.ExecutionInfo{
		ID:           id,
		DescriptorID: descriptorID,
		MachineName:  machine,
		StartedUtc:   time.UnixMilli(now.UnixMilli()).UTC(),
		IsRunning:    true,
		Status:       task.StatusRunning,
	}, nil
}

func (s *sqlStore) RecordProgress(ctx context.Context, runID int64, percent *int, message string) error {
	var err error
	if percent != nil {
		_, err = s.exec(ctx,
			`UPDATE task_executions SET progress_percent = ?, progress_message = ? WHERE id = ? AND is_running = 1`,
			*percent, message, runID)
	} else {
		_, err = s.exec(ctx,
			`UPDATE task_executions SET progress_message = ? WHERE id = ? AND is_running = 1`,
			message, runID)
	}
	return err
}

func (s *sqlStore) Finalize(ctx context.Context, runID int64, out task.Outcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("finalize run %d: non-terminal status %q", runID, out.Status)
	}
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.d.rebind(
			`UPDATE task_executions SET is_running = 0, status = ?, ended_utc = ?, error = ?, result = ?
			 WHERE id = ? AND is_running = 1`),
			string(out.Status), now.UnixMilli(), out.Error, out.Result, runID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var one int
			err := tx.QueryRowContext(ctx, s.d.rebind(`SELECT 1 FROM task_executions WHERE id = ?`), runID).Scan(&one)
			return notFound(err)
		}
		_, err = tx.ExecContext(ctx, s.d.rebind(
			`UPDATE task_descriptors
			 SET last_run_utc = (SELECT started_utc FROM task_executions WHERE id = ?)
			 WHERE id = (SELECT descriptor_id FROM task_executions WHERE id = ?)`),
			runID, runID)
		return err
	})
}

func (s *sqlStore) GetExecution(ctx context.Context, runID int64) (*task.ExecutionInfo, error) {
	e, err := scanExecution(s.queryRow(ctx, `SELECT `+executionColumns+` FROM task_executions WHERE id = ?`, runID))
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (s *sqlStore) LastExecution(ctx context.Context, descriptorID int64, machine string) (*task.ExecutionInfo, error) {
	rows, err := s.ListExecutions(ctx, ExecutionQuery{DescriptorID: descriptorID, MachineName: machine, Limit: 1})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (s *sqlStore) ListExecutions(ctx context.Context, q ExecutionQuery) ([]task.ExecutionInfo, error) {
	var (
		where []string
		args  []any
	)
	if q.DescriptorID != 0 {
		where = append(where, "descriptor_id = ?")
		args = append(args, q.DescriptorID)
	}
	if q.MachineName != "" {
		where = append(where, "machine_name = ?")
		args = append(args, q.MachineName)
	}
	if q.RunningOnly {
		where = append(where, "is_running = 1")
	}
	stmt := `SELECT ` + executionColumns + ` FROM task_executions`
	if len(where) > 0 {
		stmt += ` WHERE ` + strings.Join(where, " AND ")
	}
	stmt += ` ORDER BY started_utc DESC, id DESC`
	if q.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.ExecutionInfo
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) Heartbeat(ctx context.Context, runIDs ...int64) error {
	if len(runIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(runIDs)+1)
	args = append(args, s.now().UnixMilli())
	for _, id := range runIDs {
		args = append(args, id)
	}
	_, err := s.exec(ctx,
		`UPDATE task_executions SET heartbeat_utc = ? WHERE is_running = 1 AND id IN (`+placeholders(len(runIDs))+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (s *sqlStore) RecoverOrphans(ctx context.Context, staleBefore time.Time, message string) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE task_executions SET is_running = 0, status = ?, ended_utc = ?, error = ?
		 WHERE is_running = 1 AND COALESCE(heartbeat_utc, started_utc) < ?`,
		string(task.StatusFailed), s.now().UnixMilli(), message, staleBefore.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) RecoverMachine(ctx context.Context, machine string, message string, live ...int64) (int64, error) {
	q := `UPDATE task_executions SET is_running = 0, status = ?, ended_utc = ?, error = ?
		 WHERE is_running = 1 AND machine_name = ?`
	args := []any{string(task.StatusFailed), s.now().UnixMilli(), message, machine}
	if len(live) > 0 {
		q += ` AND id NOT IN (` + placeholders(len(live)) + `)`
		for _, id := range live {
			args = append(args, id)
		}
	}
	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("recover runs of %s: %w", machine, err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) PurgeHistory(ctx context.Context, now time.Time, maxAge time.Duration, maxCount int) (int64, error) {
	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if maxAge > 0 {
			res, err := tx.ExecContext(ctx, s.d.rebind(
				`DELETE FROM task_executions WHERE is_running = 0 AND started_utc < ?`),
				now.Add(-maxAge).UTC().UnixMilli())
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		if maxCount > 0 {
			res, err := tx.ExecContext(ctx, s.d.rebind(
				`DELETE FROM task_executions WHERE id IN (
				    SELECT id FROM (
				        SELECT id, ROW_NUMBER() OVER (
				            PARTITION BY descriptor_id ORDER BY started_utc DESC, id DESC) AS rn
				        FROM task_executions WHERE is_running = 0
				    ) ranked WHERE rn > ?)`),
				maxCount)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	return total, nil
}
