package thread

import (
	"slices"
	"sync"
	"time"
)

// Store is the single source of truth for every live thread.
//
// Published *SingleThreadState values are never mutated. All writes go through
// apply: the txn clones a thread on first touch, the callback edits the clone,
// and commit swaps the clones in under the same lock.
type Store struct {
	mu sync.RWMutex // 保护以下全部字段

	threads     map[string]*SingleThreadState
	globalError string
	version     uint64

	closing   map[string]struct{}
	buffers   map[string]*DeltaBuffer
	dirty     map[string]uint64 // threadID → opSeq captured when marked
	opSeq     map[string]uint64
	retired   map[string]string // threadID → last finished turn id
	watchdogs map[string]*watchdog
	wdGen     uint64

	maxOutputBytes int
	now            func() time.Time
	onChange       func(threadID string, version uint64)
}

func newStore(maxOutputBytes int, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		threads:        map[string]*SingleThreadState{},
		closing:        map[string]struct{}{},
		buffers:        map[string]*DeltaBuffer{},
		dirty:          map[string]uint64{},
		opSeq:          map[string]uint64{},
		retired:        map[string]string{},
		watchdogs:      map[string]*watchdog{},
		maxOutputBytes: maxOutputBytes,
		now:            now,
	}
}

// Thread returns the published state of id. The value is shared and read-only.
func (s *Store) Thread(id string) (*SingleThreadState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.threads[id]
	return st, ok
}

// Threads returns a copy of the thread map. The states themselves are shared and read-only.
func (s *Store) Threads() map[string]*SingleThreadState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*SingleThreadState, len(s.threads))
	for id, st := range s.threads {
		out[id] = st
	}
	return out
}

// ThreadIDs returns the live thread ids, sorted.
func (s *Store) ThreadIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.threads)
}

// GlobalError returns the store-wide error, empty when healthy.
func (s *Store) GlobalError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalError
}

// Version increments on every commit that changed at least one thread.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// IsClosing reports whether id is being torn down.
func (s *Store) IsClosing(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.closing[id]
	return ok
}

// OperationSeq returns the cleanup fence counter for id.
func (s *Store) OperationSeq(id string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opSeq[id]
}

func (s *Store) setOnChange(fn func(threadID string, version uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// apply runs fn as one atomic transaction. Effects registered with tx.after run
// after the lock is released, in registration order.
func (s *Store) apply(fn func(tx *txn)) {
	s.mu.Lock()
	tx := &txn{s: s, drafts: map[string]*SingleThreadState{}, removed: map[string]struct{}{}}
	fn(tx)
	changed, version := tx.commit()
	onChange := s.onChange
	s.mu.Unlock()

	if onChange != nil {
		for _, id := range changed {
			onChange(id, version)
		}
	}
	for _, effect := range tx.effects {
		effect()
	}
}

// ========================================
// txn
// ========================================

type txn struct {
	s       *Store
	drafts  map[string]*SingleThreadState
	removed map[string]struct{}
	effects []func()
}

// peek returns the current view of id (draft if touched) for reading only.
func (tx *txn) peek(id string) *SingleThreadState {
	if _, gone := tx.removed[id]; gone {
		return nil
	}
	if d, ok := tx.drafts[id]; ok {
		return d
	}
	return tx.s.threads[id]
}

// thread returns the writable draft of id, cloning the published state on first touch.
func (tx *txn) thread(id string) *SingleThreadState {
	if d, ok := tx.drafts[id]; ok {
		return d
	}
	cur := tx.peek(id)
	if cur == nil {
		return nil
	}
	d := cur.clone()
	tx.drafts[id] = d
	return d
}

func (tx *txn) create(id string, st *SingleThreadState) {
	delete(tx.removed, id)
	tx.drafts[id] = st
}

func (tx *txn) remove(id string) {
	delete(tx.drafts, id)
	tx.removed[id] = struct{}{}
}

// live reports whether handlers may touch id: it exists and is not closing.
func (tx *txn) live(id string) bool {
	if id == "" {
		return false
	}
	if _, closing := tx.s.closing[id]; closing {
		return false
	}
	return tx.peek(id) != nil
}

// ids returns every thread id visible to the transaction, sorted.
func (tx *txn) ids() []string {
	ids := sortedKeys(tx.s.threads)
	for id := range tx.drafts {
		if _, ok := tx.s.threads[id]; !ok {
			ids = append(ids, id)
		}
	}
	ids = slices.DeleteFunc(ids, func(id string) bool {
		_, gone := tx.removed[id]
		return gone
	})
	slices.Sort(ids)
	return ids
}

func (tx *txn) after(fn func()) {
	tx.effects = append(tx.effects, fn)
}

func (tx *txn) nowMS() int64 {
	return tx.s.now().UnixMilli()
}

func (tx *txn) commit() ([]string, uint64) {
	if len(tx.drafts) == 0 && len(tx.removed) == 0 {
		return nil, tx.s.version
	}
	changed := make([]string, 0, len(tx.drafts)+len(tx.removed))
	for id, d := range tx.drafts {
		tx.s.threads[id] = d
		changed = append(changed, id)
	}
	for id := range tx.removed {
		if _, ok := tx.s.threads[id]; ok {
			delete(tx.s.threads, id)
			changed = append(changed, id)
		}
	}
	if len(changed) == 0 {
		return nil, tx.s.version
	}
	tx.s.version++
	slices.Sort(changed)
	return changed, tx.s.version
}

// fullCleanup discards the thread's delta buffer, drops its pending flush and
// bumps opSeq so deltas captured before the cleanup can never be applied.
func (tx *txn) fullCleanup(id string) {
	delete(tx.s.buffers, id)
	delete(tx.s.dirty, id)
	tx.s.opSeq[id]++
	if st := tx.peek(id); st != nil && st.CurrentTurnID != "" {
		tx.s.retired[id] = st.CurrentTurnID
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// StoreSnapshot is a consistent view of the whole store.
type StoreSnapshot struct {
	Threads     map[string]*SingleThreadState `json:"threads"`
	GlobalError string                        `json:"globalError,omitempty"`
	Version     uint64                        `json:"version"`
}

// Snapshot returns threads, globalError and version read under one lock.
func (s *Store) Snapshot() StoreSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	threads := make(map[string]*SingleThreadState, len(s.threads))
	for id, st := range s.threads {
		threads[id] = st
	}
	return StoreSnapshot{Threads: threads, GlobalError: s.globalError, Version: s.version}
}

func (s *Store) hasDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty) > 0
}
