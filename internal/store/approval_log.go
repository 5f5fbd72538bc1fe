// approval_log.go: 审批结果审计 (approval_log 表)。
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/thread-engine/internal/thread"
	apperrors "github.com/multi-agent/thread-engine/pkg/errors"
)

// ApprovalLogStore 审批审计存储, 实现 thread.AuditSink。
type ApprovalLogStore struct{ BaseStore }

// NewApprovalLogStore 创建审批审计存储。
func NewApprovalLogStore(pool *pgxpool.Pool) *ApprovalLogStore {
	return &ApprovalLogStore{NewBaseStore(pool)}
}

var _ thread.AuditSink = (*ApprovalLogStore)(nil)

// RecordApproval 追加一条审批结果。
func (s *ApprovalLogStore) RecordApproval(ctx context.Context, rec thread.ApprovalRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO approval_log
			(ts, thread_id, item_id, approval_type, decision, outcome, request_id, delivered, attempts, error)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.At, rec.ThreadID, rec.ItemID, string(rec.Type), string(rec.Decision), rec.Outcome,
		rec.RequestID, rec.Delivered, rec.Attempts, rec.Error)
	if err != nil {
		return apperrors.WithCode(err, "ApprovalLogStore.RecordApproval", apperrors.CodeDB, "insert approval_log")
	}
	return nil
}

// List 按时间倒序查询审批审计。
func (s *ApprovalLogStore) List(ctx context.Context, f ApprovalFilter) ([]ApprovalLogEntry, error) {
	sql, params := approvalListQuery(f)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, apperrors.WithCode(err, "ApprovalLogStore.List", apperrors.CodeDB, "query approval_log")
	}
	return collectRows[ApprovalLogEntry](rows)
}

func approvalListQuery(f ApprovalFilter) (string, []any) {
	return NewQueryBuilder().
		Eq("thread_id", f.ThreadID).
		Eq("outcome", f.Outcome).
		Eq("decision", f.Decision).
		Since("ts", f.Since).
		KeywordLike(f.Keyword, "item_id", "error").
		Build(`SELECT id, ts, thread_id, item_id, approval_type, decision, outcome,
			request_id, delivered, attempts, error FROM approval_log`,
			"ts DESC, id DESC", f.Limit)
}
