// Package ledger tracks account balances for the escrow engine.
//
// Each account carries an available balance and a held balance. Creating a
// transaction moves principal+fee from available to held; settlement moves
// held funds to the counterparty's available balance; cancellation and
// refunds move held funds back to available on the same account.
//
// The ledger knows nothing about transaction semantics; it only enforces
// balance invariants (never negative, no partial transfers).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/agirails/actp/internal/amount"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAccountNotFound     = errors.New("account not found")

	// ErrInvariantViolation marks states that should be unreachable
	// (e.g. unholding more than is held). These indicate a bug in the
	// engine, not a caller mistake.
	ErrInvariantViolation = errors.New("ledger invariant violation")
)

// InsufficientBalanceError reports a hold that would exceed available funds.
type InsufficientBalanceError struct {
	Address   string
	Required  *big.Int
	Available *big.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: required %s, available %s",
		e.Address, amount.Format(e.Required), amount.Format(e.Available))
}

// Is makes errors.Is(err, ErrInsufficientBalance) match.
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// Account represents one account's balances as decimal strings.
type Account struct {
	Address   string    `json:"address"`
	Available string    `json:"available"`
	Held      string    `json:"held"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry represents a ledger audit entry.
type Entry struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Type      string    `json:"type"` // mint, hold, unhold, release_in, release_out
	Amount    string    `json:"amount"`
	Reference string    `json:"reference,omitempty"` // transaction ID
	CreatedAt time.Time `json:"createdAt"`
}

// Entry types.
const (
	EntryMint       = "mint"
	EntryHold       = "hold"
	EntryUnhold     = "unhold"
	EntryReleaseIn  = "release_in"
	EntryReleaseOut = "release_out"
)

// Store persists accounts and audit entries. Implementations must make each
// operation atomic: no observer sees a debit without its matching credit.
type Store interface {
	GetAccount(ctx context.Context, address string) (*Account, error)
	Mint(ctx context.Context, address string, amt *big.Int) error
	Hold(ctx context.Context, address string, amt *big.Int, reference string) error
	Unhold(ctx context.Context, address string, amt *big.Int, reference string) error
	ReleaseHoldTo(ctx context.Context, from, to string, amt *big.Int, reference string) error
	Settle(ctx context.Context, payer, payee, platform string, principal, fee *big.Int, reference string) error
	ListEntries(ctx context.Context, address string, limit int) ([]*Entry, error)
}

// Ledger manages account balances.
type Ledger struct {
	store Store
}

// New creates a new ledger backed by the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns an account's current balances.
func (l *Ledger) GetBalance(ctx context.Context, address string) (*Account, error) {
	return l.store.GetAccount(ctx, normalize(address))
}

// Mint adds funds to an account's available balance. No source account is
// debited; the server only exposes this in mock mode.
func (l *Ledger) Mint(ctx context.Context, address, amt string) error {
	v, err := parsePositive(amt)
	if err != nil {
		return err
	}
	defer observeOp(EntryMint)()
	return l.store.Mint(ctx, normalize(address), v)
}

// Hold moves funds from available to held, tied to one transaction.
func (l *Ledger) Hold(ctx context.Context, address, amt, reference string) error {
	v, err := parsePositive(amt)
	if err != nil {
		return err
	}
	defer observeOp(EntryHold)()
	return l.store.Hold(ctx, normalize(address), v, reference)
}

// Unhold returns held funds to the same account's available balance.
func (l *Ledger) Unhold(ctx context.Context, address, amt, reference string) error {
	v, err := parsePositive(amt)
	if err != nil {
		return err
	}
	defer observeOp(EntryUnhold)()
	return l.store.Unhold(ctx, normalize(address), v, reference)
}

// ReleaseHoldTo moves held funds on from into to's available balance.
func (l *Ledger) ReleaseHoldTo(ctx context.Context, from, to, amt, reference string) error {
	v, err := parsePositive(amt)
	if err != nil {
		return err
	}
	defer observeOp(EntryReleaseOut)()
	return l.store.ReleaseHoldTo(ctx, normalize(from), normalize(to), v, reference)
}

// Settle releases an escrow in one atomic step: principal moves from the
// payer's held balance to the payee, the fee to the platform account.
func (l *Ledger) Settle(ctx context.Context, payer, payee, platform, principal, fee, reference string) error {
	p, err := parsePositive(principal)
	if err != nil {
		return err
	}
	f, ok := amount.Parse(fee)
	if !ok || f.Sign() < 0 {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, fee)
	}
	defer observeOp("settle")()
	return l.store.Settle(ctx, normalize(payer), normalize(payee), normalize(platform), p, f, reference)
}

// GetHistory returns audit entries for an account, newest first.
func (l *Ledger) GetHistory(ctx context.Context, address string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListEntries(ctx, normalize(address), limit)
}

func normalize(address string) string {
	return strings.ToLower(address)
}

func parsePositive(s string) (*big.Int, error) {
	v, ok := amount.Parse(s)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}
