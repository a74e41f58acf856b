package engine

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TriggerKind identifies what a scheduled trigger should do when it fires.
type TriggerKind string

const (
	// TriggerExpire fires at the delivery deadline; expires the
	// transaction if it is still undelivered.
	TriggerExpire TriggerKind = "EXPIRE_IF_NOT_DELIVERED"
	// TriggerAutoSettle fires when the grace period after delivery ends;
	// releases funds unless a dispute intervened.
	TriggerAutoSettle TriggerKind = "AUTO_SETTLE"
)

// TriggerHandler applies a time-based transition. Guards are re-checked at
// fire time; a trigger whose guard no longer holds is skipped, not an error.
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, txID string, kind TriggerKind) error
}

// Scheduler maintains a time-ordered heap of pending triggers and fires them
// as they come due. One trigger per (transaction, kind): scheduling again
// replaces the previous entry.
type Scheduler struct {
	mu      sync.Mutex
	entries triggerHeap
	keys    map[string]*triggerEntry
	seq     uint64

	handler TriggerHandler
	clock   Clock
	logger  *slog.Logger
	wake    chan struct{}
}

type triggerEntry struct {
	txID      string
	kind      TriggerKind
	at        time.Time
	seq       uint64
	index     int
	attempts  int
	cancelled bool
}

// Backoff for triggers whose handler returned an error (transient store or
// ledger failures). Guard-skips return nil and are never retried.
const (
	retryBaseDelay = 5 * time.Second
	retryMaxDelay  = 5 * time.Minute
)

// NewScheduler creates a scheduler driving transitions through handler.
func NewScheduler(handler TriggerHandler, clock Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	return &Scheduler{
		keys:    make(map[string]*triggerEntry),
		handler: handler,
		clock:   clock,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Schedule registers a trigger for the transaction, replacing any existing
// trigger of the same kind.
func (s *Scheduler) Schedule(txID string, kind TriggerKind, at time.Time) {
	s.mu.Lock()
	key := triggerKey(txID, kind)
	if old, ok := s.keys[key]; ok {
		old.cancelled = true
	}
	s.seq++
	e := &triggerEntry{txID: txID, kind: kind, at: at, seq: s.seq}
	s.keys[key] = e
	heap.Push(&s.entries, e)
	s.mu.Unlock()

	s.poke()
}

// Cancel removes a pending trigger. Cancelling a trigger that does not exist
// is a no-op.
func (s *Scheduler) Cancel(txID string, kind TriggerKind) {
	s.mu.Lock()
	key := triggerKey(txID, kind)
	if e, ok := s.keys[key]; ok {
		e.cancelled = true
		delete(s.keys, key)
	}
	s.mu.Unlock()
}

// Pending reports whether a trigger of the given kind is scheduled.
func (s *Scheduler) Pending(txID string, kind TriggerKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[triggerKey(txID, kind)]
	return ok
}

// Run fires due triggers until ctx is cancelled. Call in a goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait, ok := s.untilNext()
		if !ok {
			// Nothing scheduled; sleep until something is.
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		if wait <= 0 {
			s.fireDue(ctx, s.clock.Now())
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-s.clock.After(wait):
			s.fireDue(ctx, s.clock.Now())
		}
	}
}

// fireDue applies every trigger due at or before now. Guards live in the
// handler, so a trigger that lost its race is logged as skipped there.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	for {
		e := s.popDue(now)
		if e == nil {
			return
		}
		s.safeFire(ctx, e)
	}
}

func (s *Scheduler) safeFire(ctx context.Context, e *triggerEntry) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduler trigger",
				"txId", e.txID, "kind", string(e.kind), "panic", fmt.Sprint(r))
			s.retryLater(e)
		}
	}()

	if err := s.handler.HandleTrigger(ctx, e.txID, e.kind); err != nil {
		s.logger.Warn("trigger failed, will retry",
			"txId", e.txID, "kind", string(e.kind), "attempt", e.attempts+1, "error", err)
		s.retryLater(e)
	}
}

// retryLater re-inserts a failed trigger with exponential backoff so a
// transient handler failure cannot strand the transaction. A fresh trigger
// scheduled for the same (transaction, kind) meanwhile takes precedence.
func (s *Scheduler) retryLater(e *triggerEntry) {
	delay := retryBaseDelay << e.attempts
	if delay <= 0 || delay > retryMaxDelay {
		delay = retryMaxDelay
	}

	s.mu.Lock()
	key := triggerKey(e.txID, e.kind)
	if _, ok := s.keys[key]; ok {
		s.mu.Unlock()
		return
	}
	s.seq++
	n := &triggerEntry{
		txID:     e.txID,
		kind:     e.kind,
		at:       s.clock.Now().Add(delay),
		seq:      s.seq,
		attempts: e.attempts + 1,
	}
	s.keys[key] = n
	heap.Push(&s.entries, n)
	s.mu.Unlock()

	s.poke()
}

// popDue removes and returns the next live entry due at or before now,
// or nil if none.
func (s *Scheduler) popDue(now time.Time) *triggerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.entries) > 0 {
		top := s.entries[0]
		if top.cancelled {
			heap.Pop(&s.entries)
			continue
		}
		if top.at.After(now) {
			return nil
		}
		heap.Pop(&s.entries)
		// Only clear the key if it still points at this entry; a
		// replacement may have been scheduled meanwhile.
		key := triggerKey(top.txID, top.kind)
		if s.keys[key] == top {
			delete(s.keys, key)
		}
		return top
	}
	return nil
}

// untilNext returns the wait until the earliest live trigger.
func (s *Scheduler) untilNext() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.entries) > 0 {
		top := s.entries[0]
		if top.cancelled {
			heap.Pop(&s.entries)
			continue
		}
		return top.at.Sub(s.clock.Now()), true
	}
	return 0, false
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func triggerKey(txID string, kind TriggerKind) string {
	return txID + "/" + string(kind)
}

// triggerHeap orders entries by fire time, then insertion order.
type triggerHeap []*triggerEntry

func (h triggerHeap) Len() int { return len(h) }
func (h triggerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h triggerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *triggerHeap) Push(x any) {
	e := x.(*triggerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *triggerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
