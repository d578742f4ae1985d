package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	logx "taskd/pkg/logx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// migrate applies the embedded migrations for d.
// A goose Provider is used instead of the package-level API so parallel stores do not share state.
func migrate(ctx context.Context, db *sql.DB, d dialect, log logx.Logger) error {
	fsys, err := fs.Sub(migrationsFS, d.migrations)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(d.goose, db, fsys)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		log.Info("migration applied", logx.Int64("version", r.Source.Version), logx.Duration("took", r.Duration))
	}
	return nil
}
