package database

import (
	"context"
	"errors"
	"io/fs"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/multi-agent/thread-engine/pkg/errors"
	"github.com/multi-agent/thread-engine/pkg/logger"
)

// Migrate 按文件名顺序执行 migrations 中尚未应用的 .sql 脚本,
// 用 schema_version 表记录已执行版本。每个脚本在独立事务中执行。
func Migrate(ctx context.Context, pool *pgxpool.Pool, migrations fs.FS) error {
	if pool == nil {
		return apperrors.New("database.Migrate", "pool is required")
	}

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`); err != nil {
		return apperrors.WithCode(err, "database.Migrate", apperrors.CodeDB, "create schema_version table")
	}

	files, err := migrationFiles(migrations)
	if err != nil {
		return err
	}
	applied, err := loadAppliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	todo := pendingMigrations(files, applied)
	if len(todo) == 0 {
		return nil
	}
	logger.Info("database: applying migrations", logger.FieldCount, len(todo))
	for _, name := range todo {
		if err := applyOneMigration(ctx, pool, migrations, name); err != nil {
			return err
		}
		logger.Info("database: migration applied", logger.FieldVersion, name)
	}
	return nil
}

// migrationFiles 列出根目录下的 .sql 文件并排序; 目录不存在视为无迁移。
func migrationFiles(migrations fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migrations, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("database: no migrations directory, skipping")
			return nil, nil
		}
		return nil, apperrors.Wrap(err, "database.Migrate", "read migrations dir")
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	slices.Sort(files)
	return files, nil
}

func pendingMigrations(files []string, applied map[string]bool) []string {
	var out []string
	for _, name := range files {
		if !applied[name] {
			out = append(out, name)
		}
	}
	return out
}

func loadAppliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	if pool == nil {
		return nil, apperrors.New("database.Migrate", "pool is required")
	}
	rows, err := pool.Query(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, apperrors.WithCode(err, "database.Migrate", apperrors.CodeDB, "query schema_version")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, apperrors.WithCode(err, "database.Migrate", apperrors.CodeDB, "scan schema_version")
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func applyOneMigration(ctx context.Context, pool *pgxpool.Pool, migrations fs.FS, name string) error {
	if pool == nil {
		return apperrors.New("database.Migrate", "pool is required")
	}
	sqlBytes, err := fs.ReadFile(migrations, name)
	if err != nil {
		return apperrors.Wrapf(err, "database.Migrate", "read migration %s", name)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return apperrors.Wrapf(err, "database.Migrate", "begin tx for %s", name)
	}
	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		_ = tx.Rollback(ctx)
		return apperrors.Wrapf(err, "database.Migrate", "exec migration %s", name)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, name); err != nil {
		_ = tx.Rollback(ctx)
		return apperrors.Wrapf(err, "database.Migrate", "record migration %s", name)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.Wrapf(err, "database.Migrate", "commit migration %s", name)
	}
	return nil
}
