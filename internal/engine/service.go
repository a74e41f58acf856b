package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/agirails/actp/internal/amount"
	"github.com/agirails/actp/internal/fees"
	"github.com/agirails/actp/internal/idgen"
	"github.com/agirails/actp/internal/pagination"
	"github.com/agirails/actp/internal/retry"
	"github.com/agirails/actp/internal/syncutil"
)

// Outcomes for dispute resolution.
const (
	OutcomeRelease = "release"
	OutcomeRefund  = "refund"
)

// CreateRequest contains the parameters for creating a transaction.
// Deadline is absolute; relative offsets are resolved by the HTTP layer.
type CreateRequest struct {
	Payer    string
	Payee    string
	Amount   string
	Deadline time.Time
	Tier     string
	Metadata json.RawMessage
}

// Service owns transaction lifecycle logic. All mutations on the same
// transaction id are serialized; distinct ids proceed concurrently.
type Service struct {
	store    Store
	ledger   LedgerService
	calc     *fees.Calculator
	platform string
	arbiter  string
	grace    time.Duration
	clock    Clock
	logger   *slog.Logger
	locks    syncutil.ShardedMutex
	sched    *Scheduler
	emitter  EventEmitter
}

// NewService creates a new transaction engine. The platform account receives
// settlement fees; the arbiter is the only caller allowed to resolve disputes.
func NewService(store Store, ledger LedgerService, calc *fees.Calculator, platform, arbiter string, grace time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		calc:     calc,
		platform: strings.ToLower(platform),
		arbiter:  strings.ToLower(arbiter),
		grace:    grace,
		clock:    SystemClock,
		logger:   logger,
	}
}

// WithClock overrides the wall clock, for tests.
func (s *Service) WithClock(c Clock) *Service {
	s.clock = c
	return s
}

// WithEmitter adds a lifecycle event emitter for realtime broadcast.
func (s *Service) WithEmitter(e EventEmitter) *Service {
	s.emitter = e
	return s
}

// AttachScheduler wires the deadline scheduler. Must be called before any
// transaction is created.
func (s *Service) AttachScheduler(sched *Scheduler) {
	s.sched = sched
}

// Create opens a new escrow transaction and holds principal+fee against the
// payer's account.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	payer := strings.ToLower(req.Payer)
	payee := strings.ToLower(req.Payee)
	if payer == payee {
		return nil, ErrSameParty
	}

	now := s.clock.Now()
	if !req.Deadline.After(now) {
		return nil, ErrPastDeadline
	}

	principal, ok := amount.Parse(req.Amount)
	if !ok || principal.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	fee, err := s.calc.Fee(principal, fees.Tier(req.Tier))
	if err != nil {
		return nil, err
	}
	total := new(big.Int).Add(principal, fee)

	tx := &Transaction{
		ID:        idgen.Transaction(),
		Payer:     payer,
		Payee:     payee,
		Amount:    amount.Format(principal),
		Fee:       amount.Format(fee),
		State:     StateCreated,
		Deadline:  req.Deadline,
		Metadata:  req.Metadata,
		History:   []Event{{State: StateCreated, At: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.ledger.Hold(ctx, payer, amount.Format(total), tx.ID); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, tx); err != nil {
		// Best-effort release of the hold if the record failed to persist
		_ = s.ledger.Unhold(ctx, payer, amount.Format(total), tx.ID)
		return nil, fmt.Errorf("failed to create transaction record: %w", err)
	}

	s.sched.Schedule(tx.ID, TriggerExpire, tx.Deadline)
	observeTransition(StateCreated)
	s.emit(tx)

	s.logger.Info("transaction created",
		"txId", tx.ID, "payer", tx.Payer, "payee", tx.Payee,
		"amount", tx.Amount, "fee", tx.Fee, "deadline", tx.Deadline)

	return tx, nil
}

// Deliver marks the transaction as delivered by the payee and opens the
// auto-settle window.
func (s *Service) Deliver(ctx context.Context, id, caller string, metadata json.RawMessage) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(caller) != tx.Payee {
		return nil, ErrUnauthorized
	}
	if tx.State != StateCreated {
		return nil, stateConflict(tx.State, StateDelivered)
	}

	now := s.clock.Now()
	if now.After(tx.Deadline) {
		// Deadline passed but the expiry trigger hasn't fired yet.
		return nil, &StateConflictError{
			Current:   tx.State,
			Attempted: StateDelivered,
			Reason:    "delivery deadline passed",
		}
	}

	settleAt := now.Add(s.grace)
	tx.AutoSettleAt = &settleAt
	if len(metadata) > 0 {
		tx.Metadata = metadata
	}
	tx.transition(StateDelivered, now)

	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}

	s.sched.Cancel(tx.ID, TriggerExpire)
	s.sched.Schedule(tx.ID, TriggerAutoSettle, settleAt)
	observeTransition(StateDelivered)
	s.emit(tx)

	s.logger.Info("transaction delivered",
		"txId", tx.ID, "payee", tx.Payee, "autoSettleAt", settleAt)

	return tx, nil
}

// Release settles the transaction: principal to the payee, fee to the
// platform account. Only the payer may release explicitly.
func (s *Service) Release(ctx context.Context, id, caller string) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(caller) != tx.Payer {
		return nil, ErrUnauthorized
	}
	// Repeating an applied terminal transition is a no-op success.
	if tx.State == StateReleased {
		return tx, nil
	}
	if tx.State != StateDelivered {
		return nil, stateConflict(tx.State, StateReleased)
	}

	if err := s.settle(ctx, tx, ""); err != nil {
		return nil, err
	}

	s.logger.Info("transaction released",
		"txId", tx.ID, "payee", tx.Payee, "amount", tx.Amount, "fee", tx.Fee)

	return tx, nil
}

// Dispute freezes a delivered transaction for arbitration. Only the payer
// may dispute, and only while the auto-settle window is open.
func (s *Service) Dispute(ctx context.Context, id, caller, reason string) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(caller) != tx.Payer {
		return nil, ErrUnauthorized
	}
	if tx.State != StateDelivered {
		return nil, stateConflict(tx.State, StateDisputed)
	}
	if tx.AutoSettleAt != nil && !s.clock.Now().Before(*tx.AutoSettleAt) {
		return nil, &StateConflictError{
			Current:   tx.State,
			Attempted: StateDisputed,
			Reason:    "auto-settle window closed",
		}
	}

	tx.AutoSettleAt = nil
	tx.DisputeReason = reason
	tx.transition(StateDisputed, s.clock.Now())

	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}

	s.sched.Cancel(tx.ID, TriggerAutoSettle)
	observeTransition(StateDisputed)
	s.emit(tx)

	s.logger.Info("transaction disputed", "txId", tx.ID, "payer", tx.Payer, "reason", reason)

	return tx, nil
}

// Cancel aborts an undelivered transaction and returns the hold to the
// payer. Either party may cancel before delivery.
func (s *Service) Cancel(ctx context.Context, id, caller string) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	c := strings.ToLower(caller)
	if c != tx.Payer && c != tx.Payee {
		return nil, ErrUnauthorized
	}
	if tx.State == StateCancelled {
		return tx, nil
	}
	if tx.State != StateCreated {
		return nil, stateConflict(tx.State, StateCancelled)
	}

	total := s.totalHeld(tx)
	if err := s.ledger.Unhold(ctx, tx.Payer, total, tx.ID); err != nil {
		return nil, fmt.Errorf("failed to return hold: %w", err)
	}

	tx.transition(StateCancelled, s.clock.Now())

	if err := s.store.Update(ctx, tx); err != nil {
		// Compensate: re-hold the returned funds
		_ = s.ledger.Hold(ctx, tx.Payer, total, tx.ID)
		return nil, fmt.Errorf("failed to update transaction after cancel: %w", err)
	}

	s.sched.Cancel(tx.ID, TriggerExpire)
	observeTransition(StateCancelled)
	s.emit(tx)

	s.logger.Info("transaction cancelled", "txId", tx.ID, "by", c)

	return tx, nil
}

// ResolveDispute applies an arbiter decision to a disputed transaction.
func (s *Service) ResolveDispute(ctx context.Context, id, caller, outcome string) (*Transaction, error) {
	if outcome != OutcomeRelease && outcome != OutcomeRefund {
		return nil, ErrInvalidOutcome
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if strings.ToLower(caller) != s.arbiter {
		return nil, ErrUnauthorized
	}
	// Idempotent if the decision already took effect.
	if outcome == OutcomeRelease && tx.State == StateReleased {
		return tx, nil
	}
	if outcome == OutcomeRefund && tx.State == StateRefunded {
		return tx, nil
	}
	if tx.State != StateDisputed {
		attempted := StateReleased
		if outcome == OutcomeRefund {
			attempted = StateRefunded
		}
		return nil, stateConflict(tx.State, attempted)
	}

	if outcome == OutcomeRelease {
		if err := s.settle(ctx, tx, "arbiter_release"); err != nil {
			return nil, err
		}
		s.logger.Info("dispute resolved: released", "txId", tx.ID, "arbiter", s.arbiter)
		return tx, nil
	}

	total := s.totalHeld(tx)
	if err := s.ledger.Unhold(ctx, tx.Payer, total, tx.ID); err != nil {
		return nil, fmt.Errorf("failed to refund hold: %w", err)
	}

	tx.Resolution = "arbiter_refund"
	tx.transition(StateRefunded, s.clock.Now())

	if err := s.store.Update(ctx, tx); err != nil {
		_ = s.ledger.Hold(ctx, tx.Payer, total, tx.ID)
		return nil, fmt.Errorf("failed to update transaction after refund: %w", err)
	}

	observeTransition(StateRefunded)
	s.emit(tx)

	s.logger.Info("dispute resolved: refunded", "txId", tx.ID, "arbiter", s.arbiter)

	return tx, nil
}

// HandleTrigger applies a scheduler trigger. Guards are re-checked here;
// a trigger whose state has moved on is skipped, not an error.
func (s *Service) HandleTrigger(ctx context.Context, txID string, kind TriggerKind) error {
	unlock := s.locks.Lock(txID)
	defer unlock()

	tx, err := s.store.Get(ctx, txID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn("trigger for unknown transaction", "txId", txID, "kind", string(kind))
		observeTrigger(kind, "skipped")
		return nil
	}
	if err != nil {
		// Transient store failure; surface it so the scheduler retries.
		return fmt.Errorf("failed to load transaction for trigger: %w", err)
	}

	switch kind {
	case TriggerExpire:
		return s.handleExpire(ctx, tx)
	case TriggerAutoSettle:
		return s.handleAutoSettle(ctx, tx)
	default:
		return fmt.Errorf("unknown trigger kind %q", kind)
	}
}

func (s *Service) handleExpire(ctx context.Context, tx *Transaction) error {
	if tx.State != StateCreated {
		s.logger.Debug("expiry trigger skipped", "txId", tx.ID, "state", string(tx.State))
		observeTrigger(TriggerExpire, "skipped")
		return nil
	}
	now := s.clock.Now()
	if now.Before(tx.Deadline) {
		// Fired early (clock drift); push it back.
		s.sched.Schedule(tx.ID, TriggerExpire, tx.Deadline)
		return nil
	}

	total := s.totalHeld(tx)
	if err := s.ledger.Unhold(ctx, tx.Payer, total, tx.ID); err != nil {
		return fmt.Errorf("failed to return hold on expiry: %w", err)
	}

	tx.transition(StateExpired, now)

	if err := s.store.Update(ctx, tx); err != nil {
		_ = s.ledger.Hold(ctx, tx.Payer, total, tx.ID)
		return fmt.Errorf("failed to update transaction after expiry: %w", err)
	}

	observeTransition(StateExpired)
	observeTrigger(TriggerExpire, "applied")
	s.emit(tx)

	s.logger.Info("transaction expired", "txId", tx.ID, "payer", tx.Payer, "amount", tx.Amount)

	return nil
}

func (s *Service) handleAutoSettle(ctx context.Context, tx *Transaction) error {
	if tx.State != StateDelivered || tx.AutoSettleAt == nil {
		s.logger.Debug("auto-settle trigger skipped", "txId", tx.ID, "state", string(tx.State))
		observeTrigger(TriggerAutoSettle, "skipped")
		return nil
	}
	now := s.clock.Now()
	if now.Before(*tx.AutoSettleAt) {
		s.sched.Schedule(tx.ID, TriggerAutoSettle, *tx.AutoSettleAt)
		return nil
	}

	if err := s.settle(ctx, tx, "auto_settle"); err != nil {
		return err
	}
	observeTrigger(TriggerAutoSettle, "applied")

	s.logger.Info("transaction auto-settled",
		"txId", tx.ID, "payee", tx.Payee, "amount", tx.Amount, "fee", tx.Fee)

	return nil
}

// settle moves principal to the payee and fee to the platform, then marks
// the transaction RELEASED. Callers must hold the per-transaction lock.
func (s *Service) settle(ctx context.Context, tx *Transaction, resolution string) error {
	if err := s.ledger.Settle(ctx, tx.Payer, tx.Payee, s.platform, tx.Amount, tx.Fee, tx.ID); err != nil {
		return fmt.Errorf("failed to settle transaction: %w", err)
	}

	tx.AutoSettleAt = nil
	tx.Resolution = resolution
	tx.transition(StateReleased, s.clock.Now())

	// Funds already moved; the state change must persist.
	if err := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		return s.store.Update(ctx, tx)
	}); err != nil {
		// Funds were settled but the record is stale. There is no
		// inverse ledger operation, so flag for manual resolution.
		s.logger.Error("CRITICAL: funds settled but status update failed",
			"txId", tx.ID, "payee", tx.Payee, "error", err)
		return fmt.Errorf("failed to update transaction after settlement (requires manual resolution): %w", err)
	}

	s.sched.Cancel(tx.ID, TriggerAutoSettle)
	observeTransition(StateReleased)
	s.emit(tx)

	return nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// GetStatus returns a transaction with its derived action booleans.
func (s *Service) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewStatusView(tx, s.clock.Now()), nil
}

// View computes the derived status view using the service clock.
func (s *Service) View(tx *Transaction) *StatusView {
	return NewStatusView(tx, s.clock.Now())
}

// ListByAccount returns transactions involving an address as payer or payee.
func (s *Service) ListByAccount(ctx context.Context, address string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAccount(ctx, strings.ToLower(address), limit, before)
}

// RestoreSchedule re-registers triggers for all non-terminal transactions.
// Called once at startup before the scheduler runs.
func (s *Service) RestoreSchedule(ctx context.Context) error {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending transactions: %w", err)
	}
	for _, tx := range pending {
		switch tx.State {
		case StateCreated:
			s.sched.Schedule(tx.ID, TriggerExpire, tx.Deadline)
		case StateDelivered:
			if tx.AutoSettleAt != nil {
				s.sched.Schedule(tx.ID, TriggerAutoSettle, *tx.AutoSettleAt)
			}
		}
	}
	if len(pending) > 0 {
		s.logger.Info("restored scheduler state", "transactions", len(pending))
	}
	return nil
}

// totalHeld returns amount+fee as a decimal string.
func (s *Service) totalHeld(tx *Transaction) string {
	principal, _ := amount.Parse(tx.Amount)
	fee, _ := amount.Parse(tx.Fee)
	return amount.Format(new(big.Int).Add(principal, fee))
}

func (s *Service) emit(tx *Transaction) {
	if s.emitter != nil {
		s.emitter.TransactionUpdated(tx)
	}
}
