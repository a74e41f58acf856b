// Package engine implements the escrow transaction lifecycle.
//
// Flow:
//  1. Requester creates a transaction → principal+fee moved: available → held
//  2. Provider delivers against the deadline → auto-settle window opens
//  3. Requester releases (or the window closes) → principal to provider,
//     fee to the platform account
//  4. Requester disputes before the window closes → arbiter decides
//  5. No delivery before the deadline → hold returned to the requester
//
// Every transition is guarded by caller role and current state; terminal
// transactions never mutate again. The scheduler drives the time-based
// transitions (expiry, auto-settle) through the same guarded interface.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agirails/actp/internal/pagination"
)

// State is a transaction lifecycle state.
type State string

const (
	StateCreated   State = "CREATED"   // Funds held, awaiting delivery
	StateDelivered State = "DELIVERED" // Provider delivered, auto-settle window open
	StateReleased  State = "RELEASED"  // Funds settled to provider and platform
	StateDisputed  State = "DISPUTED"  // Requester disputed, awaiting arbiter
	StateRefunded  State = "REFUNDED"  // Arbiter refunded the requester
	StateCancelled State = "CANCELLED" // Cancelled before delivery, hold returned
	StateExpired   State = "EXPIRED"   // Deadline passed without delivery, hold returned
)

// Event is one entry in a transaction's append-only history.
type Event struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Transaction represents one escrow agreement.
type Transaction struct {
	ID            string          `json:"id"`
	Payer         string          `json:"payer"`
	Payee         string          `json:"payee"`
	Amount        string          `json:"amount"`
	Fee           string          `json:"fee"`
	State         State           `json:"state"`
	Deadline      time.Time       `json:"deadline"`
	AutoSettleAt  *time.Time      `json:"autoSettleAt,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	DisputeReason string          `json:"disputeReason,omitempty"`
	Resolution    string          `json:"resolution,omitempty"`
	History       []Event         `json:"history"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool {
	switch t.State {
	case StateReleased, StateRefunded, StateCancelled, StateExpired:
		return true
	}
	return false
}

// transition moves the transaction to a new state and appends a history event.
func (t *Transaction) transition(to State, now time.Time) {
	t.State = to
	t.UpdatedAt = now
	t.History = append(t.History, Event{State: to, At: now})
}

// Store persists transaction records.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	// ListByAccount returns transactions where address is payer or payee,
	// newest first. A non-nil cursor restricts results to strictly older
	// entries.
	ListByAccount(ctx context.Context, address string, limit int, before *pagination.Cursor) ([]*Transaction, error)
	// ListPending returns all non-terminal transactions, used to rebuild
	// scheduler state after a restart.
	ListPending(ctx context.Context) ([]*Transaction, error)
}

// LedgerService abstracts the balance operations the engine needs.
// Amounts are decimal strings.
type LedgerService interface {
	Hold(ctx context.Context, address, amount, reference string) error
	Unhold(ctx context.Context, address, amount, reference string) error
	Settle(ctx context.Context, payer, payee, platform, principal, fee, reference string) error
}

// EventEmitter receives transaction lifecycle notifications (e.g. for
// websocket broadcast). Implementations must not block.
type EventEmitter interface {
	TransactionUpdated(tx *Transaction)
}
