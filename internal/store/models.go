// Package store 是引擎可选的 PostgreSQL 持久化层: 审批审计与会话列表。
//
// struct 的 db tag 直接对应列名, 由 pgx.RowToStructByName 扫描。
package store

import "time"

// ApprovalLogEntry approval_log 表的一行。
type ApprovalLogEntry struct {
	ID           int64     `db:"id" json:"id"`
	Ts           time.Time `db:"ts" json:"ts"`
	ThreadID     string    `db:"thread_id" json:"threadId"`
	ItemID       string    `db:"item_id" json:"itemId"`
	ApprovalType string    `db:"approval_type" json:"type"`
	Decision     string    `db:"decision" json:"decision"`
	Outcome      string    `db:"outcome" json:"outcome"`
	RequestID    int64     `db:"request_id" json:"requestId"`
	Delivered    bool      `db:"delivered" json:"delivered"`
	Attempts     int32     `db:"attempts" json:"attempts"`
	Error        string    `db:"error" json:"error,omitempty"`
}

// ApprovalFilter 审计查询条件, 空字段不过滤。
type ApprovalFilter struct {
	ThreadID string
	Outcome  string
	Decision string
	Keyword  string
	Since    time.Time
	Limit    int
}

// SessionRow sessions 表的一行。
type SessionRow struct {
	ThreadID     string    `db:"thread_id" json:"threadId"`
	Status       string    `db:"status" json:"status"`
	TurnID       string    `db:"turn_id" json:"turnId,omitempty"`
	Error        string    `db:"error" json:"error,omitempty"`
	FirstMessage string    `db:"first_message" json:"firstMessage,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}
