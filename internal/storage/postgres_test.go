package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

func newMockPostgres(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := newSQLStore(db, dialectPostgres, logx.Nop())
	st.now = func() time.Time { return time.UnixMilli(1_700_000_000_000).UTC() }
	return st, mock
}

func TestRebind(t *testing.T) {
	t.Parallel()
	q := `SELECT 1 FROM t WHERE a = ? AND b IN (?,?)`
	assert.Equal(t, q, dialectSQLite.rebind(q))
	assert.Equal(t, `SELECT 1 FROM t WHERE a = $1 AND b IN ($2,$3)`, dialectPostgres.rebind(q))
}

func TestPostgresTryClaimUniqueViolationIsLostClaim(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO task_executions`)).
		WithArgs("m1", "m1", int64(1_700_000_000_000), int64(1_700_000_000_000), int64(7), "m1").
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})

	run, err := st.TryClaim(context.Background(), 7, "m1")
	require.NoError(t, err)
	assert.Nil(t, run)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTryClaimWon(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)

	mock.ExpectQuery(`INSERT INTO task_executions .* WHERE d\.id = \$5`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	run, err := st.TryClaim(context.Background(), 7, "m1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.EqualValues(t, 42, run.ID)
	assert.Equal(t, task.StatusRunning, run.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetDueTasksDegradesOnError(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`THEN m.next_run_utc ELSE d.next_run_utc END) <= $2`)).
		WithArgs("m1", int64(1_700_000_000_000), "m1").
		WillReturnError(assert.AnError)

	_, err := st.GetDueTasks(context.Background(), time.UnixMilli(1_700_000_000_000), "m1")
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFinalizeSecondCallNoop(t *testing.T) {
	t.Parallel()
	st, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE task_executions SET is_running = 0`)).
		WithArgs("succeeded", int64(1_700_000_000_000), "", "done", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM task_executions WHERE id = $1`)).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectCommit()

	err := st.Finalize(context.Background(), 5, task.Outcome{Status: task.StatusSucceeded, Result: "done"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
