package logger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// LogEntry 对应 engine_logs 表的一行。
type LogEntry struct {
	Ts         time.Time
	Level      string
	Logger     string
	Message    string
	Source     string
	Component  string
	ThreadID   string
	TurnID     string
	ItemID     string
	EventType  string
	DurationMS *int64
	Extra      map[string]any
}

// Execer 是 DBHandler 需要的最小数据库能力 (*pgxpool.Pool 满足)。
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ========================================
// DBHandler: slog.Handler → PG 异步批量写入
// ========================================

const (
	bufSize    = 1024
	batchSize  = 100
	flushDelay = 500 * time.Millisecond
)

// DBHandler 实现 slog.Handler，将日志异步批量写入 PostgreSQL engine_logs 表。
type DBHandler struct {
	db    Execer
	buf   chan LogEntry
	attrs []slog.Attr
	group string
	level slog.Leveler
	done  chan struct{}
	// closed 在 handler clone(WithAttrs/WithGroup) 间共享，shutdown 后的写入直接丢弃。
	closed *atomic.Bool
	// sendMu 读锁保护发送, 写锁保护 close(buf), 避免 send on closed channel。
	sendMu *sync.RWMutex
}

// NewDBHandler 创建并启动后台写入 goroutine。
func NewDBHandler(db Execer, lv slog.Leveler) *DBHandler {
	h := &DBHandler{
		db:     db,
		buf:    make(chan LogEntry, bufSize),
		level:  lv,
		done:   make(chan struct{}),
		closed: &atomic.Bool{},
		sendMu: &sync.RWMutex{},
	}
	go h.consumeLoop()
	return h
}

// Enabled 实现 slog.Handler。
func (h *DBHandler) Enabled(_ context.Context, lv slog.Level) bool {
	return lv >= h.level.Level()
}

// Handle 实现 slog.Handler, 构造 LogEntry 推入异步缓冲。
func (h *DBHandler) Handle(_ context.Context, r slog.Record) error {
	if h.closed.Load() {
		return nil
	}

	entry := LogEntry{
		Ts:      r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}
	for _, a := range h.attrs {
		applyAttr(&entry, h.group, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		applyAttr(&entry, h.group, a)
		return true
	})

	h.sendMu.RLock()
	defer h.sendMu.RUnlock()
	if h.closed.Load() {
		return nil
	}
	select {
	case h.buf <- entry:
	default:
		// chan 满时 drop: DB 慢不能拖住事件处理
	}
	return nil
}

// WithAttrs 实现 slog.Handler。
func (h *DBHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup 实现 slog.Handler。
func (h *DBHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.group = name
	return &clone
}

// Shutdown 停止后台 goroutine 并 flush 剩余日志。
func (h *DBHandler) Shutdown() {
	h.sendMu.Lock()
	if !h.closed.CompareAndSwap(false, true) {
		h.sendMu.Unlock()
		return
	}
	close(h.buf)
	h.sendMu.Unlock()
	<-h.done
}

// consumeLoop 后台批量消费 chan → INSERT。
func (h *DBHandler) consumeLoop() {
	defer close(h.done)

	batch := make([]LogEntry, 0, batchSize)
	ticker := time.NewTicker(flushDelay)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-h.buf:
			if !ok {
				if len(batch) > 0 {
					h.flush(batch)
				}
				return
			}
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush 批量写入 PG。失败只写 stderr, 不影响主流程。
func (h *DBHandler) flush(batch []LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, e := range batch {
		var extraJSON []byte
		if len(e.Extra) > 0 {
			if raw, err := json.Marshal(e.Extra); err == nil {
				extraJSON = raw
			}
		}
		_, err := h.db.Exec(ctx,
			`INSERT INTO engine_logs
				(ts, level, logger, message, source, component,
				 thread_id, turn_id, item_id, event_type, duration_ms, extra)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			e.Ts, e.Level, e.Logger, e.Message, e.Source, e.Component,
			e.ThreadID, e.TurnID, e.ItemID, e.EventType, e.DurationMS, extraJSON,
		)
		if err != nil {
			// 不能走 getLogger(): 会再次进入 DBHandler 形成循环
			slog.New(slog.NewTextHandler(stderrWriter, nil)).Warn("db_handler: flush failed", FieldError, err)
		}
	}
}

// applyAttr 将 slog.Attr 映射到 LogEntry 的结构化字段。
func applyAttr(e *LogEntry, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if group != "" {
		setExtra(e, group+"."+a.Key, a.Value.Any())
		return
	}
	switch a.Key {
	case FieldSource:
		e.Source = a.Value.String()
	case FieldComponent:
		e.Component = a.Value.String()
	case FieldThreadID:
		e.ThreadID = a.Value.String()
	case FieldTurnID:
		e.TurnID = a.Value.String()
	case FieldItemID:
		e.ItemID = a.Value.String()
	case FieldEventType:
		e.EventType = a.Value.String()
	case FieldDurationMS:
		if ms, ok := durationMS(a.Value); ok {
			e.DurationMS = &ms
		}
	case "logger":
		e.Logger = a.Value.String()
	default:
		v := a.Value.Any()
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		setExtra(e, a.Key, v)
	}
}

func setExtra(e *LogEntry, key string, value any) {
	if e.Extra == nil {
		e.Extra = make(map[string]any)
	}
	e.Extra[key] = value
}

func durationMS(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindDuration:
		return v.Duration().Milliseconds(), true
	default:
		return 0, false
	}
}

// ========================================
// MultiHandler: 同时写多个 Handler (JSON/Text + DBHandler)
// ========================================

// MultiHandler 扇出日志到多个 slog.Handler。
type MultiHandler struct {
	handlers []slog.Handler
}

// NewMultiHandler 创建多路 Handler。
func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

// Enabled 只要有一个 Handler 接受该级别就返回 true。
func (m *MultiHandler) Enabled(ctx context.Context, lv slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, lv) {
			return true
		}
	}
	return false
}

// Handle 分发到所有 Handler。
func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r.Clone())
		}
	}
	return nil
}

// WithAttrs 对所有 Handler 调用 WithAttrs。
func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: handlers}
}

// WithGroup 对所有 Handler 调用 WithGroup。
func (m *MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &MultiHandler{handlers: handlers}
}

// ========================================
// AttachDBHandler: pool ready 后动态挂载
// ========================================

var (
	dbHandler atomic.Pointer[DBHandler]
	attachMu  sync.Mutex
)

// AttachDBHandler 在 pool 初始化后调用，将 DBHandler 作为第二路 Handler 挂载。
// 调用前的日志只写 stdout; 调用后开始双写。重复调用无效。
func AttachDBHandler(db Execer) {
	attachMu.Lock()
	defer attachMu.Unlock()
	if dbHandler.Load() != nil {
		return
	}

	h := NewDBHandler(db, level)
	dbHandler.Store(h)
	storeLogger(slog.New(NewMultiHandler(getLogger().Handler(), h)))
}

// ShutdownDBHandler 关闭 DBHandler 并 flush 剩余日志。
func ShutdownDBHandler() {
	if h := dbHandler.Load(); h != nil {
		h.Shutdown()
	}
}
