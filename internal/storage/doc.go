// Package storage persists task descriptors and their run history.
//
// One database/sql implementation serves two dialects:
//   - "sqlite": single-file database (modernc.org/sqlite), single connection, WAL
//   - "postgres": shared database (pgx stdlib driver) for multi-machine deployments
//
// Run exclusivity is enforced by the database: TryClaim inserts a running
// history row only when no conflicting running row exists, and a partial
// unique index backs the check for concurrent writers.
package storage
