// Package database 管理 PostgreSQL 连接池与 schema 迁移。
//
// 使用 pgxpool 直接管理连接, 裸写 SQL (不使用 ORM)。数据库是可选的:
// 未配置连接串时引擎只在内存中运行。
package database

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/thread-engine/internal/config"
	apperrors "github.com/multi-agent/thread-engine/pkg/errors"
	"github.com/multi-agent/thread-engine/pkg/logger"
)

// Enabled 是否配置了数据库。
func Enabled(cfg *config.Config) bool {
	return cfg != nil && cfg.PostgresConnStr != ""
}

// NewPool 创建连接池并 Ping 验证, 超时取 PostgresPoolTimeoutSec。
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if !Enabled(cfg) {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "database.NewPool", "POSTGRES_CONNECTION_STRING is required")
	}

	poolCfg, err := buildPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.PostgresPoolTimeoutSec)*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperrors.WithCode(err, "database.NewPool", apperrors.CodeDB, "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.WithCode(err, "database.NewPool", apperrors.CodeDB, "ping postgres")
	}

	logger.Info("database: pool created",
		"min_conns", poolCfg.MinConns,
		"max_conns", poolCfg.MaxConns,
		"schema", cfg.PostgresSchema,
	)
	return pool, nil
}

func buildPoolConfig(cfg *config.Config) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnStr)
	if err != nil {
		return nil, apperrors.Wrap(err, "database.NewPool", "parse postgres config")
	}
	poolCfg.MinConns = safeInt32(cfg.PostgresPoolMinSize, "PostgresPoolMinSize")
	poolCfg.MaxConns = safeInt32(cfg.PostgresPoolMaxSize, "PostgresPoolMaxSize")
	if poolCfg.MinConns > poolCfg.MaxConns {
		poolCfg.MinConns = poolCfg.MaxConns
	}

	// search_path 经 pgx.Identifier 转义
	if schema := cfg.PostgresSchema; schema != "" && schema != "public" {
		stmt := fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize())
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, stmt)
			return err
		}
	}
	return poolCfg, nil
}

// safeInt32 将 int 安全转为 int32, 越界时 clamp 并记录警告。
func safeInt32(v int, name string) int32 {
	if v > math.MaxInt32 {
		logger.Warn("database: pool config overflow, clamped", logger.FieldKey, name, "value", v)
		return math.MaxInt32
	}
	if v < 0 {
		logger.Warn("database: pool config negative, clamped to 0", logger.FieldKey, name, "value", v)
		return 0
	}
	return int32(v)
}
