// session.go: 会话列表持久化 (sessions 表)。
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/multi-agent/thread-engine/pkg/errors"
)

// SessionStore 会话列表存储。
type SessionStore struct{ BaseStore }

// NewSessionStore 创建会话存储。
func NewSessionStore(pool *pgxpool.Pool) *SessionStore { return &SessionStore{NewBaseStore(pool)} }

// UpsertStatus 写入会话的 turn 状态, 不触碰 first_message。
func (s *SessionStore) UpsertStatus(ctx context.Context, threadID, status, turnID, errMsg string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (thread_id, status, turn_id, error, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (thread_id) DO UPDATE
		 SET status = EXCLUDED.status, turn_id = EXCLUDED.turn_id,
		     error = EXCLUDED.error, updated_at = EXCLUDED.updated_at`,
		threadID, status, turnID, errMsg, at)
	if err != nil {
		return apperrors.WithCode(err, "SessionStore.UpsertStatus", apperrors.CodeDB, "upsert sessions")
	}
	return nil
}

// SetFirstMessage 只在 first_message 为空时写入, 首条提议胜出。
func (s *SessionStore) SetFirstMessage(ctx context.Context, threadID, text string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (thread_id, first_message, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (thread_id) DO UPDATE
		 SET first_message = EXCLUDED.first_message, updated_at = EXCLUDED.updated_at
		 WHERE sessions.first_message = ''`,
		threadID, text, at)
	if err != nil {
		return apperrors.WithCode(err, "SessionStore.SetFirstMessage", apperrors.CodeDB, "upsert sessions")
	}
	return nil
}

// List 按最近更新倒序返回会话。
func (s *SessionStore) List(ctx context.Context, limit int) ([]SessionRow, error) {
	sql, params := NewQueryBuilder().Build(
		`SELECT thread_id, status, turn_id, error, first_message, created_at, updated_at FROM sessions`,
		"updated_at DESC", limit)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, apperrors.WithCode(err, "SessionStore.List", apperrors.CodeDB, "query sessions")
	}
	return collectRows[SessionRow](rows)
}

// Delete 删除会话行。
func (s *SessionStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE thread_id = $1`, threadID); err != nil {
		return apperrors.WithCode(err, "SessionStore.Delete", apperrors.CodeDB, "delete sessions")
	}
	return nil
}
