package storage

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dialect captures the few places where SQLite and PostgreSQL differ.
// Queries are written with '?' placeholders and rebound per dialect.
type dialect struct {
	name       string
	goose      goose.Dialect
	migrations string
	numbered   bool // $1, $2, ... placeholders
}

var (
	dialectSQLite   = dialect{name: "sqlite", goose: goose.DialectSQLite3, migrations: "migrations/sqlite"}
	dialectPostgres = dialect{name: "postgres", goose: goose.DialectPostgres, migrations: "migrations/postgres", numbered: true}
)

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// pgUniqueViolation is the PostgreSQL SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// isUniqueViolation reports a lost race on the running-row index.
func (d dialect) isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
