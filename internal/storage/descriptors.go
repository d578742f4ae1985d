package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"taskd/internal/task"
)

func (s *sqlStore) AddTask(ctx context.Context, d *task.Descriptor) (int64, error) {
	params, err := encodeParams(d.Parameters)
	if err != nil {
		return 0, err
	}
	now := s.now()
	var id int64
	err = s.queryRow(ctx,
		`INSERT INTO task_descriptors (name, type, cron_expression, enabled, run_per_machine, stop_on_error, is_system,
			priority, parameters, next_run_utc, created_utc, updated_utc)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		 RETURNING id`,
		d.Name, d.Type, d.CronExpression, flag(d.Enabled), flag(d.RunPerMachine), flag(d.StopOnError), flag(d.IsSystem),
		int(d.Priority), params, millis(d.NextRunUtc), now.UnixMilli(), now.UnixMilli(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add task: %w", err)
	}
	d.ID = id
	d.CreatedUtc = time.UnixMilli(now.UnixMilli()).UTC()
	d.UpdatedUtc = d.CreatedUtc
	return id, nil
}

// UpdateTask rewrites the editable fields. LastRunUtc is owned by Finalize and left untouched.
// Per-machine schedules are reset so every machine follows the new next run.
func (s *sqlStore) UpdateTask(ctx context.Context, d *task.Descriptor) error {
	params, err := encodeParams(d.Parameters)
	if err != nil {
		return err
	}
	now := s.now()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.d.rebind(
			`UPDATE task_descriptors SET name = ?, type = ?, cron_expression = ?, enabled = ?, run_per_machine = ?,
				stop_on_error = ?, is_system = ?, priority = ?, parameters = ?, next_run_utc = ?, updated_utc = ?
			 WHERE id = ?`),
			d.Name, d.Type, d.CronExpression, flag(d.Enabled), flag(d.RunPerMachine),
			flag(d.StopOnError), flag(d.IsSystem), int(d.Priority), params, millis(d.NextRunUtc), now.UnixMilli(),
			d.ID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return task.ErrNotFound
		}
		_, err = tx.ExecContext(ctx, s.d.rebind(`DELETE FROM task_machine_schedules WHERE descriptor_id = ?`), d.ID)
		return err
	})
	if errors.Is(err, task.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("update task %d: %w", d.ID, err)
	}
	d.UpdatedUtc = time.UnixMilli(now.UnixMilli()).UTC()
	return nil
}

func (s *sqlStore) GetTask(ctx context.Context, id int64) (*task.Descriptor, error) {
	d, err := scanDescriptor(s.queryRow(ctx, `SELECT `+descriptorColumns+` FROM task_descriptors WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (s *sqlStore) GetTaskByType(ctx context.Context, typeName string) (*task.Descriptor, error) {
	d, err := scanDescriptor(s.queryRow(ctx,
		`SELECT `+descriptorColumns+` FROM task_descriptors WHERE type = ? ORDER BY id LIMIT 1`, typeName))
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (s *sqlStore) ListTasks(ctx context.Context, includeDisabled bool) ([]task.Descriptor, error) {
	q := `SELECT ` + descriptorColumns + ` FROM task_descriptors`
	if !includeDisabled {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY name, id`
	return s.collectDescriptors(ctx, q)
}

// dueColumns selects a descriptor with next_run_utc resolved for one machine.
const dueColumns = `d.id, d.name, d.type, d.cron_expression, d.enabled, d.run_per_machine, d.stop_on_error,
	d.is_system, d.priority, d.parameters, d.last_run_utc,
	CASE WHEN d.run_per_machine = 1 AND m.descriptor_id IS NOT NULL THEN m.next_run_utc ELSE d.next_run_utc END,
	d.created_utc, d.updated_utc`

func (s *sqlStore) GetDueTasks(ctx context.Context, now time.Time, machine string) ([]task.Descriptor, error) {
	return s.collectDescriptors(ctx,
		`SELECT `+dueColumns+` FROM task_descriptors d
		 LEFT JOIN task_machine_schedules m ON m.descriptor_id = d.id AND m.machine_name = ?
		 WHERE d.enabled = 1
		   AND (CASE WHEN d.run_per_machine = 1 AND m.descriptor_id IS NOT NULL
		             THEN m.next_run_utc ELSE d.next_run_utc END) <= ?
		   AND NOT EXISTS (
		       SELECT 1 FROM task_executions e
		       WHERE e.descriptor_id = d.id AND e.is_running = 1
		         AND (d.run_per_machine = 0 OR e.machine_name = ?))
		 ORDER BY d.priority DESC, 12 ASC, d.id ASC`,
		machine, now.UTC().UnixMilli(), machine,
	)
}

func (s *sqlStore) collectDescriptors(ctx context.Context, q string, args ...any) ([]task.Descriptor, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetNextRun(ctx context.Context, id int64, next time.Time) error {
	res, err := s.exec(ctx, `UPDATE task_descriptors SET next_run_utc = ? WHERE id = ?`, millis(next), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return task.ErrNotFound
	}
	return nil
}

func (s *sqlStore) SetMachineNextRun(ctx context.Context, id int64, machine string, next time.Time) error {
	res, err := s.exec(ctx,
		`INSERT INTO task_machine_schedules (descriptor_id, machine_name, next_run_utc)
		 SELECT d.id, CAST(? AS TEXT), CAST(? AS BIGINT) FROM task_descriptors d WHERE d.id = ?
		 ON CONFLICT (descriptor_id, machine_name) DO UPDATE SET next_run_utc = excluded.next_run_utc`,
		machine, millis(next), id)
	if err != nil {
		return fmt.Errorf("set next run of task %d on %s: %w", id, machine, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return task.ErrNotFound
	}
	return nil
}

func (s *sqlStore) MachineNextRun(ctx context.Context, id int64, machine string) (time.Time, error) {
	var next sql.NullInt64
	err := s.queryRow(ctx,
		`SELECT next_run_utc FROM task_machine_schedules WHERE descriptor_id = ? AND machine_name = ?`,
		id, machine).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return fromMillis(next), nil
}

func (s *sqlStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.exec(ctx, `UPDATE task_descriptors SET enabled = ?, updated_utc = ? WHERE id = ?`,
		flag(enabled), s.now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return task.ErrNotFound
	}
	return nil
}

// DeleteTasks removes descriptors and their history. Protected descriptors are
// skipped; ErrProtected is returned only when nothing could be deleted.
func (s *sqlStore) DeleteTasks(ctx context.Context, ids ...int64) (DeleteResult, error) {
	var res DeleteResult
	ids = slices.Compact(slices.Sorted(slices.Values(ids)))
	if len(ids) == 0 {
		return res, nil
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		rows, err := tx.QueryContext(ctx,
			s.d.rebind(`SELECT id, is_system FROM task_descriptors WHERE id IN (`+placeholders(len(ids))+`)`), args...)
		if err != nil {
			return err
		}
		found := map[int64]bool{}
		for rows.Next() {
			var id int64
			var system int
			if err := rows.Scan(&id, &system); err != nil {
				rows.Close()
				return err
			}
			found[id] = system != 0
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			system, ok := found[id]
			switch {
			case !ok:
				res.Missing = append(res.Missing, id)
			case system:
				res.Skipped = append(res.Skipped, id)
			default:
				res.Deleted = append(res.Deleted, id)
			}
		}
		if len(res.Deleted) == 0 {
			return nil
		}

		del := make([]any, len(res.Deleted))
		for i, id := range res.Deleted {
			del[i] = id
		}
		in := placeholders(len(del))
		if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM task_executions WHERE descriptor_id IN (`+in+`)`), del...); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM task_machine_schedules WHERE descriptor_id IN (`+in+`)`), del...); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.d.rebind(`DELETE FROM task_descriptors WHERE id IN (`+in+`)`), del...)
		return err
	})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete tasks: %w", err)
	}
	if len(res.Deleted) == 0 && len(res.Skipped) > 0 {
		return res, task.ErrProtected
	}
	return res, nil
}
