// Package thread is the thread/turn event-sourcing engine: it folds backend
// notifications into per-thread conversation state and drives the turn and
// approval lifecycle on top of it.
package thread

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/multi-agent/thread-engine/internal/bus"
	"github.com/multi-agent/thread-engine/internal/config"
	"github.com/multi-agent/thread-engine/pkg/logger"
)

var (
	ErrThreadNotFound      = errors.New("thread: not found")
	ErrThreadClosing       = errors.New("thread: closing")
	ErrApprovalNotFound    = errors.New("thread: approval not found")
	ErrNoTurnStarter       = errors.New("thread: no turn starter configured")
	ErrNoApprovalResponder = errors.New("thread: no approval responder configured")
	ErrNoActiveTurn        = errors.New("thread: no active turn")
	ErrInvalidDecision     = errors.New("thread: invalid approval decision")
	ErrEmptyMessage        = errors.New("thread: empty message")
)

// TurnStarter starts and interrupts turns on the backend.
type TurnStarter interface {
	StartTurn(ctx context.Context, threadID string, msg QueuedMessage, overrides SessionOverrides) (string, error)
	InterruptTurn(ctx context.Context, threadID, turnID string) error
}

// ApprovalResponder delivers an approval decision for a backend request.
type ApprovalResponder interface {
	RespondToApproval(ctx context.Context, resp ApprovalResponse) error
}

// ApprovalResponse answers the backend request identified by RequestID.
type ApprovalResponse struct {
	ThreadID  string
	ItemID    string
	Decision  Decision
	RequestID int64
}

// AuditSink records approval outcomes.
type AuditSink interface {
	RecordApproval(ctx context.Context, rec ApprovalRecord) error
}

// Publisher is the event-bus surface the engine notifies. *bus.MessageBus satisfies it.
type Publisher interface {
	PublishJSON(topic, from, source string, payload any)
}

// Options tunes timers and limits.
type Options struct {
	TurnTimeout            time.Duration
	ApprovalTimeout        time.Duration
	ApprovalRetryBase      time.Duration
	ApprovalCancelRetries  int
	FlushInterval          time.Duration
	MaxItemOutputBytes     int
	UserMessageDedupWindow int
	StartTimeout           time.Duration
	Now                    func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		TurnTimeout:            10 * time.Minute,
		ApprovalTimeout:        5 * time.Minute,
		ApprovalRetryBase:      500 * time.Millisecond,
		ApprovalCancelRetries:  2,
		FlushInterval:          16 * time.Millisecond,
		MaxItemOutputBytes:     1 << 20,
		UserMessageDedupWindow: 10,
		StartTimeout:           30 * time.Second,
		Now:                    time.Now,
	}
}

// OptionsFromConfig maps the loaded config onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.TurnTimeout = cfg.TurnTimeout()
	opts.ApprovalTimeout = cfg.ApprovalTimeout()
	opts.ApprovalRetryBase = cfg.ApprovalRetryBase()
	opts.FlushInterval = cfg.FlushInterval()
	opts.MaxItemOutputBytes = cfg.MaxItemOutputBytes
	opts.UserMessageDedupWindow = cfg.UserMessageDedupWindow
	opts.StartTimeout = cfg.AppServerCallTimeout()
	return opts
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = def.TurnTimeout
	}
	if o.ApprovalTimeout <= 0 {
		o.ApprovalTimeout = def.ApprovalTimeout
	}
	if o.ApprovalRetryBase <= 0 {
		o.ApprovalRetryBase = def.ApprovalRetryBase
	}
	if o.ApprovalCancelRetries < 0 {
		o.ApprovalCancelRetries = 0
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = def.FlushInterval
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = def.StartTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Engine owns the Store and applies events and user actions to it.
type Engine struct {
	store    *Store
	opts     Options
	handlers map[EventKind]func(Event)

	depMu     sync.RWMutex // 保护 starter/responder/audit/publisher
	starter   TurnStarter
	responder ApprovalResponder
	audit     AuditSink
	publisher Publisher

	sweeps singleflight.Group
}

// NewEngine creates an engine with an empty store.
func NewEngine(opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		store: newStore(opts.MaxItemOutputBytes, opts.Now),
		opts:  opts,
	}
	e.handlers = make(map[EventKind]func(Event), len(handlerFactories))
	for kind, factory := range handlerFactories {
		e.handlers[kind] = factory(e)
	}
	e.store.setOnChange(e.publishChanged)
	return e
}

// Store returns the read surface.
func (e *Engine) Store() *Store { return e.store }

func (e *Engine) SetTurnStarter(s TurnStarter) {
	e.depMu.Lock()
	defer e.depMu.Unlock()
	e.starter = s
}

func (e *Engine) SetApprovalResponder(r ApprovalResponder) {
	e.depMu.Lock()
	defer e.depMu.Unlock()
	e.responder = r
}

func (e *Engine) SetAuditSink(a AuditSink) {
	e.depMu.Lock()
	defer e.depMu.Unlock()
	e.audit = a
}

func (e *Engine) SetPublisher(p Publisher) {
	e.depMu.Lock()
	defer e.depMu.Unlock()
	e.publisher = p
}

func (e *Engine) deps() (TurnStarter, ApprovalResponder, AuditSink, Publisher) {
	e.depMu.RLock()
	defer e.depMu.RUnlock()
	return e.starter, e.responder, e.audit, e.publisher
}

// Dispatch routes ev to its handler. Unknown kinds are ignored.
func (e *Engine) Dispatch(ev Event) {
	handler, ok := e.handlers[ev.Kind]
	if !ok {
		logger.Debug("thread: no handler for event", logger.FieldEventType, string(ev.Kind), logger.FieldThreadID, ev.ThreadID)
		return
	}
	if ev.Params == nil {
		ev.Params = map[string]any{}
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = e.opts.Now()
	}
	handler(ev)
}

// ========================================
// bus notifications
// ========================================

func (e *Engine) publish(topic, threadID string, payload any) {
	_, _, _, pub := e.deps()
	if pub == nil {
		return
	}
	pub.PublishJSON(topic, "thread", threadID, payload)
}

func (e *Engine) publishChanged(threadID string, version uint64) {
	e.publish(bus.TopicThreadChanged, threadID, map[string]any{
		"threadId": threadID,
		"version":  version,
	})
}

// StatusUpdate is the payload of session:status-update.
type StatusUpdate struct {
	ThreadID string     `json:"threadId"`
	Status   TurnStatus `json:"status"`
	TurnID   string     `json:"turnId,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// FirstMessage is the payload of session:set-first-message.
type FirstMessage struct {
	ThreadID string `json:"threadId"`
	Text     string `json:"text"`
}

// notifyStatus publishes the thread's turn status once the transaction commits.
func (e *Engine) notifyStatus(tx *txn, threadID string) {
	st := tx.peek(threadID)
	if st == nil {
		return
	}
	update := StatusUpdate{ThreadID: threadID, Status: st.TurnStatus, TurnID: st.CurrentTurnID, Error: st.Error}
	tx.after(func() { e.publish(bus.TopicSessionStatus, threadID, update) })
}

func (e *Engine) proposeFirstMessage(tx *txn, threadID, text string) {
	if text == "" {
		return
	}
	msg := FirstMessage{ThreadID: threadID, Text: text}
	tx.after(func() { e.publish(bus.TopicSessionFirstMessage, threadID, msg) })
}
