package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/constants"
	"github.com/RezaEskandarii/firequeue/internal/lock"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate creates the schema and runs every embedded script in name order.
// Only one instance migrates at a time; the others wait on the migration lock.
// Scripts are idempotent, so re-running them is harmless.
func Migrate(ctx context.Context, db *sql.DB, distributedLock lock.DistributedLockManager, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := lock.Acquire(ctx, distributedLock, constants.MigrationLock, 500*time.Millisecond); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if err := distributedLock.Release(context.WithoutCancel(ctx), constants.MigrationLock); err != nil {
			logger.Warn("release migration lock", zap.Error(err))
		}
	}()

	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	scripts, err := readSQLScripts()
	if err != nil {
		return err
	}
	for _, script := range scripts {
		logger.Info("running migration", zap.String("script", script.name))
		if _, err := db.ExecContext(ctx, script.body); err != nil {
			return fmt.Errorf("migration %s: %w", script.name, err)
		}
	}
	return nil
}

type sqlScript struct {
	name string
	body string
}

func readSQLScripts() ([]sqlScript, error) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var scripts []sqlScript
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, sqlScript{name: entry.Name(), body: string(content)})
	}
	return scripts, nil
}
