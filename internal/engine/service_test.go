package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agirails/actp/internal/amount"
	"github.com/agirails/actp/internal/fees"
	"github.com/agirails/actp/internal/ledger"
	"github.com/agirails/actp/internal/pagination"
)

const (
	payerAddr    = "0xaaaa000000000000000000000000000000000001"
	payeeAddr    = "0xbbbb000000000000000000000000000000000002"
	platformAddr = "0x3000000000000000000000000000000000000000"
	arbiterAddr  = "0xcccc000000000000000000000000000000000003"
	otherAddr    = "0xdddd000000000000000000000000000000000004"
)

// fakeClock is a settable clock for deadline tests. After never fires; the
// tests drive the scheduler through fireDue instead of the Run loop.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	return make(chan time.Time)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEngine struct {
	svc    *Service
	ledger *ledger.Ledger
	sched  *Scheduler
	clock  *fakeClock
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := newFakeClock()
	led := ledger.New(ledger.NewMemoryStore())
	calc := fees.NewCalculator(250, amount.MustParse("0.01"))

	svc := NewService(NewMemoryStore(), led, calc, platformAddr, arbiterAddr, 24*time.Hour, logger).
		WithClock(clk)
	sched := NewScheduler(svc, clk, logger)
	svc.AttachScheduler(sched)

	return &testEngine{svc: svc, ledger: led, sched: sched, clock: clk}
}

func (e *testEngine) mint(t *testing.T, address, amt string) {
	t.Helper()
	if err := e.ledger.Mint(context.Background(), address, amt); err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
}

func (e *testEngine) balance(t *testing.T, address string) (available, held string) {
	t.Helper()
	acct, err := e.ledger.GetBalance(context.Background(), address)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	return acct.Available, acct.Held
}

func (e *testEngine) create(t *testing.T, amt string) *Transaction {
	t.Helper()
	tx, err := e.svc.Create(context.Background(), CreateRequest{
		Payer:    payerAddr,
		Payee:    payeeAddr,
		Amount:   amt,
		Deadline: e.clock.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return tx
}

func TestService_HappyPath(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.mint(t, payerAddr, "100.00")

	// create: principal 25, fee 250 bps = 0.625, held together
	tx := e.create(t, "25.00")
	if tx.State != StateCreated {
		t.Errorf("Expected CREATED, got %s", tx.State)
	}
	if tx.Fee != "0.625000" {
		t.Errorf("Expected fee 0.625000, got %s", tx.Fee)
	}
	available, held := e.balance(t, payerAddr)
	if available != "74.375000" || held != "25.625000" {
		t.Errorf("After create: available=%s held=%s", available, held)
	}
	if !e.sched.Pending(tx.ID, TriggerExpire) {
		t.Error("Expected expiry trigger scheduled at create")
	}

	// deliver by payee
	tx2, err := e.svc.Deliver(ctx, tx.ID, payeeAddr, []byte(`{"resultRef":"ipfs://abc"}`))
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if tx2.State != StateDelivered {
		t.Errorf("Expected DELIVERED, got %s", tx2.State)
	}
	if tx2.AutoSettleAt == nil {
		t.Fatal("Expected autoSettleAt to be set")
	}
	if want := e.clock.Now().Add(24 * time.Hour); !tx2.AutoSettleAt.Equal(want) {
		t.Errorf("Expected autoSettleAt %v, got %v", want, *tx2.AutoSettleAt)
	}
	if e.sched.Pending(tx.ID, TriggerExpire) {
		t.Error("Expiry trigger should be cancelled after delivery")
	}
	if !e.sched.Pending(tx.ID, TriggerAutoSettle) {
		t.Error("Expected auto-settle trigger scheduled at delivery")
	}

	// release by payer
	tx3, err := e.svc.Release(ctx, tx.ID, payerAddr)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if tx3.State != StateReleased {
		t.Errorf("Expected RELEASED, got %s", tx3.State)
	}
	if tx3.AutoSettleAt != nil {
		t.Error("autoSettleAt should be cleared on release")
	}

	available, held = e.balance(t, payerAddr)
	if available != "74.375000" || held != "0.000000" {
		t.Errorf("Payer after release: available=%s held=%s", available, held)
	}
	if available, _ := e.balance(t, payeeAddr); available != "25.000000" {
		t.Errorf("Expected payee available 25.000000, got %s", available)
	}
	if available, _ := e.balance(t, platformAddr); available != "0.625000" {
		t.Errorf("Expected platform available 0.625000, got %s", available)
	}

	// history: CREATED → DELIVERED → RELEASED
	want := []State{StateCreated, StateDelivered, StateReleased}
	if len(tx3.History) != len(want) {
		t.Fatalf("Expected %d history events, got %d", len(want), len(tx3.History))
	}
	for i, s := range want {
		if tx3.History[i].State != s {
			t.Errorf("History[%d]: expected %s, got %s", i, s, tx3.History[i].State)
		}
	}
}

func TestService_CreateInsufficientBalance(t *testing.T) {
	e := newTestEngine(t)
	e.mint(t, payerAddr, "10.00")

	_, err := e.svc.Create(context.Background(), CreateRequest{
		Payer:    payerAddr,
		Payee:    payeeAddr,
		Amount:   "25.00",
		Deadline: e.clock.Now().Add(24 * time.Hour),
	})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}

	var ibe *ledger.InsufficientBalanceError
	if !errors.As(err, &ibe) {
		t.Fatalf("Expected *InsufficientBalanceError, got %T", err)
	}
	// required is principal plus fee
	if amount.Format(ibe.Required) != "25.625000" {
		t.Errorf("Expected required 25.625000, got %s", amount.Format(ibe.Required))
	}
	if amount.Format(ibe.Available) != "10.000000" {
		t.Errorf("Expected available 10.000000, got %s", amount.Format(ibe.Available))
	}
}

func TestService_CreateValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.mint(t, payerAddr, "100.00")

	_, err := e.svc.Create(ctx, CreateRequest{
		Payer: payerAddr, Payee: payerAddr, Amount: "25.00",
		Deadline: e.clock.Now().Add(time.Hour),
	})
	if !errors.Is(err, ErrSameParty) {
		t.Errorf("Expected ErrSameParty, got %v", err)
	}

	_, err = e.svc.Create(ctx, CreateRequest{
		Payer: payerAddr, Payee: payeeAddr, Amount: "25.00",
		Deadline: e.clock.Now().Add(-time.Hour),
	})
	if !errors.Is(err, ErrPastDeadline) {
		t.Errorf("Expected ErrPastDeadline, got %v", err)
	}

	_, err = e.svc.Create(ctx, CreateRequest{
		Payer: payerAddr, Payee: payeeAddr, Amount: "0.001",
		Deadline: e.clock.Now().Add(time.Hour),
	})
	if !errors.Is(err, fees.ErrAmountTooSmall) {
		t.Errorf("Expected ErrAmountTooSmall, got %v", err)
	}

	_, err = e.svc.Create(ctx, CreateRequest{
		Payer: payerAddr, Payee: payeeAddr, Amount: "-5",
		Deadline: e.clock.Now().Add(time.Hour),
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}

	// Sub-unit precision must be rejected, not silently rounded into a
	// different principal than the payer stated.
	_, err = e.svc.Create(ctx, CreateRequest{
		Payer: payerAddr, Payee: payeeAddr, Amount: "25.0000001",
		Deadline: e.clock.Now().Add(time.Hour),
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for sub-unit precision, got %v", err)
	}
}

func TestService_DeliverByPayerUnauthorized(t *testing.T) {
	e := newTestEngine(t)
	e.mint(t, payerAddr, "100.00")
	tx := e.create(t, "25.00")

	_, err := e.svc.Deliver(context.Background(), tx.ID, payerAddr, nil)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}

	// unchanged
	got, _ := e.svc.Get(context.Background(), tx.ID)
	if got.State != StateCreated {
		t.Errorf("Expected state unchanged, got %s", got.State)
	}
}

func TestService_DeliverAfterDeadline(t *testing.T) {
	e := newTestEngine(t)
	e.mint(t, payerAddr, "100.00")
	tx := e.create(t, "25.00")

	e.clock.Advance(25 * time.Hour)

	_, err := e.svc.Deliver(context.Background(), tx.ID, payeeAddr, nil)
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("Expected StateConflict after deadline, got %v", err)
	}
}

func TestService_CancelRestoresFunds(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.mint(t, payerAddr, "100.00")
	tx := e.create(t, "25.00")

	// a third party cannot cancel
	if _, err := e.svc.Cancel(ctx, tx.ID, otherAddr); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for third party, got %v", err)
	}

	tx2, err := e.svc.Cancel(ctx, tx.ID, payerAddr)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if tx2.State != StateCancelled {
		t.Errorf("Expected CANCELLED, got %s", tx2.State)
	}

	available, held := e.balance(t, payerAddr)
	if available != "100.000000" || held != "0.000000" {
		t.Errorf("After cancel: available=%s held=%s", available, held)
	}
	if e.sched.Pending(tx.ID, TriggerExpire) {
		t.Error("Expiry trigger should be cancelled")
	}

	// repeating the applied terminal transition is a no-op success
	tx3, err := e.svc.Cancel(ctx, tx.ID, payerAddr)
	if err != nil {
		t.Fatalf("Repeated cancel should be a no-op success, got %v", err)
	}
	if tx3.State != StateCancelled {
		t.Errorf("Expected CANCELLED, got %s", tx3.State)
	}

	// a different terminal transition is a conflict
	if _, err := e.svc.Release(ctx, tx.ID, payerAddr); !errors.Is(err, ErrStateConflict) {
		t.Errorf("Expected StateConflict releasing a cancelled transaction, got %v", err)
	}
}

func TestService_CancelByPayee(t *testing.T) {
	e := newTestEngine(t)
	e.mint(t, payerAddr, "100.00")
	tx := e.create(t, "25.00")

	tx2, err := e.svc.Cancel(context.Background(), tx.ID, payeeAddr)
	if err != nil {
		t.Fatalf("Payee cancel failed: %v", err)
	}
	if tx2.State != StateCancelled {
		t.Errorf("Expected CANCELLED, got %s", tx2.State)
	}
	// funds go back to the payer, not the canceller
	available, _ := e.balance(t, payerAddr)
	if available != "100.000000" {
		t.Errorf("Expected payer restored, got %s", available)
	}
}

func TestService_DisputeAndRefund(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.mint(t, payerAddr, "100.00")
	tx := e.create(t, "25.00")

	if _, err := e.svc.Deliver(ctx, tx.ID, payeeAddr, nil); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	// only the payer may dispute
	if _, err := e.svc.Dispute(ctx, tx.ID, payeeAddr, "bad result"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for payee dispute, got %v", err)
	}

	tx2, err := e.svc.Dispute(ctx, tx.ID, payerAddr, "result does not match request")
	if err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if tx2.State != StateDisputed {
		t.Errorf("Expected DISPUTED, got %s", tx2.State)
	}
	if tx2.AutoSettleAt != nil {
		t.Error("autoSettleAt should be cleared on dispute")
	}
	if e.sched.Pending(tx.ID, TriggerAutoSettle) {
		t.Error("Auto-settle trigger should be cancelled on dispute")
	}

	// only the arbiter resolves
	if _, err := e.svc.ResolveDispute(ctx, tx.ID, payerAddr, OutcomeRefund); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for non-arbiter, got %v", err)
	}

	tx3, err := e.svc.ResolveDispute(ctx, tx.ID, arbiterAddr, OutcomeRefund)
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if tx3.State != StateRefunded {
		t.Errorf("Expected REFUNDED, got %s", tx3.State)
	}

	available, held := e.balance(t, payerAddr)
	if available != "100.000000" || held != "0.000000" {
		t.Errorf("After refund: available=%s held=%s", available, held)
	}

	// same-outcome retry is a no-op success
	if _, err := e.svc.ResolveDispute(ctx, tx.ID, arbiterAddr, OutcomeRefund); err != nil {
		t.Errorf("Repeated refund should be a no-op success, got %v", err)
	}
	// opposite outcome is a conflict
	if _, err := e.svc.ResolveDispute(ctx, tx.ID, arbiterAddr, OutcomeRelease); !errors.Is(err, ErrStateConflict) {
		t.Errorf("Expected StateConflict for release after refund, got %v", err)
	}
}

func TestService_DisputeThenRelease(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.mint(t, payerAddr, "100.00")
	tx := e.create(t, "25.00")

	e.svc.Deliver(ctx, tx.ID, payeeAddr, nil)
	e.svc.Dispute(ctx, tx.ID, payerAddr, "late delivery")

	tx2, err := e.svc.ResolveDispute(ctx, tx.ID, arbiterAddr, OutcomeRelease)
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if tx2.State != StateReleased {
		t.Errorf("Expected RELEASED, got %s", tx2.State)
	}
	if tx2.Resolution != "arbiter_release" {
		t.Errorf("Expected resolution arbiter_release, got %s", tx2.Resolution)
	}

	if available, _ := e.balance(t, payeeAddr); available != "25.000000" {
		t.Errorf("Expected payee paid, got %s", available)
	}
	if available, _ := e.balance(t, platformAddr); available != "0.625000" {
		t.Errorf("Expected platform fee, got %s", available)
	}
}

func TestService_DisputeAfterWindowClosed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.mint(t, payerAddr, "100.00")
	tx := e.create(t, "25.00")
	e.svc.Deliver(ctx, tx.ID, payeeAddr, nil)

	e.clock.Advance(25 * time.Hour)

	_, err := e.svc.Dispute(ctx, tx.ID, payerAddr, "too late")
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("Expected StateConflict after window closed, got %v", err)
	}
}

func TestService_InvalidOutcome(t *testing.T) {
	e := newTestEngine(t)
	e.mint(t, payerAddr, "100.00")
	tx := e.create(t, "25.00")

	_, err := e.svc.ResolveDispute(context.Background(), tx.ID, arbiterAddr, "split")
	if !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("Expected ErrInvalidOutcome, got %v", err)
	}
}

func TestService_ReleaseIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.mint(t, payerAddr, "100.00")
	tx := e.create(t, "25.00")
	e.svc.Deliver(ctx, tx.ID, payeeAddr, nil)

	if _, err := e.svc.Release(ctx, tx.ID, payerAddr); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	tx2, err := e.svc.Release(ctx, tx.ID, payerAddr)
	if err != nil {
		t.Fatalf("Repeated release should be a no-op success, got %v", err)
	}
	if tx2.State != StateReleased {
		t.Errorf("Expected RELEASED, got %s", tx2.State)
	}

	// balances did not double-apply
	if available, _ := e.balance(t, payeeAddr); available != "25.000000" {
		t.Errorf("Expected payee 25.000000 after repeated release, got %s", available)
	}
}

func TestService_NotFound(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.svc.Release(context.Background(), "tx_missing", payerAddr); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := e.svc.GetStatus(context.Background(), "tx_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestService_StatusView(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.mint(t, payerAddr, "100.00")
	tx := e.create(t, "25.00")

	view, err := e.svc.GetStatus(ctx, tx.ID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if !view.CanAccept || !view.CanCancel || view.CanRelease || view.CanDispute || view.Terminal {
		t.Errorf("CREATED view wrong: %+v", view)
	}
	if view.TimeToAutoSettleSeconds != nil {
		t.Error("TimeToAutoSettleSeconds should be absent before delivery")
	}

	e.svc.Deliver(ctx, tx.ID, payeeAddr, nil)
	view, _ = e.svc.GetStatus(ctx, tx.ID)
	if view.CanAccept || view.CanCancel || !view.CanRelease || !view.CanComplete || !view.CanDispute {
		t.Errorf("DELIVERED view wrong: %+v", view)
	}
	if view.TimeToAutoSettleSeconds == nil {
		t.Fatal("Expected TimeToAutoSettleSeconds while DELIVERED")
	}
	if *view.TimeToAutoSettleSeconds != int64((24 * time.Hour).Seconds()) {
		t.Errorf("Expected full grace period remaining, got %d", *view.TimeToAutoSettleSeconds)
	}

	e.svc.Release(ctx, tx.ID, payerAddr)
	view, _ = e.svc.GetStatus(ctx, tx.ID)
	if !view.Terminal || view.CanRelease || view.CanDispute || view.CanAccept || view.CanCancel {
		t.Errorf("RELEASED view wrong: %+v", view)
	}
}

func TestService_ListByAccount(t *testing.T) {
	e := newTestEngine(t)
	e.mint(t, payerAddr, "100.00")

	tx1 := e.create(t, "10.00")
	e.clock.Advance(time.Second)
	tx2 := e.create(t, "20.00")

	txs, err := e.svc.ListByAccount(context.Background(), payerAddr, 10, nil)
	if err != nil {
		t.Fatalf("ListByAccount failed: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("Expected 2 transactions, got %d", len(txs))
	}
	// newest first
	if txs[0].ID != tx2.ID || txs[1].ID != tx1.ID {
		t.Errorf("Expected newest-first ordering")
	}

	// Cursor pagination: everything strictly older than tx2
	cursor := &pagination.Cursor{CreatedAt: txs[0].CreatedAt, ID: txs[0].ID}
	txs, err = e.svc.ListByAccount(context.Background(), payerAddr, 10, cursor)
	if err != nil {
		t.Fatalf("ListByAccount with cursor failed: %v", err)
	}
	if len(txs) != 1 || txs[0].ID != tx1.ID {
		t.Errorf("Expected only the older transaction after cursor, got %d", len(txs))
	}

	txs, _ = e.svc.ListByAccount(context.Background(), otherAddr, 10, nil)
	if len(txs) != 0 {
		t.Errorf("Expected no transactions for uninvolved account, got %d", len(txs))
	}
}

func TestService_ConcurrentReleaseAndDispute(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.mint(t, payerAddr, "100.00")
	tx := e.create(t, "25.00")
	e.svc.Deliver(ctx, tx.ID, payeeAddr, nil)

	// Race release against dispute; exactly one must win.
	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, results[0] = e.svc.Release(ctx, tx.ID, payerAddr)
	}()
	go func() {
		defer wg.Done()
		_, results[1] = e.svc.Dispute(ctx, tx.ID, payerAddr, "changed my mind")
	}()
	wg.Wait()

	got, _ := e.svc.Get(ctx, tx.ID)
	switch got.State {
	case StateReleased:
		if results[0] != nil {
			t.Errorf("Winner release errored: %v", results[0])
		}
		if !errors.Is(results[1], ErrStateConflict) {
			t.Errorf("Loser dispute should conflict, got %v", results[1])
		}
	case StateDisputed:
		if results[1] != nil {
			t.Errorf("Winner dispute errored: %v", results[1])
		}
		if !errors.Is(results[0], ErrStateConflict) {
			t.Errorf("Loser release should conflict, got %v", results[0])
		}
	default:
		t.Fatalf("Unexpected final state %s", got.State)
	}
}
