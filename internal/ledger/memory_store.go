package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/agirails/actp/internal/amount"
	"github.com/agirails/actp/internal/idgen"
)

// MemoryStore is an in-memory ledger store for mock mode.
// All mutations happen under one mutex, so every operation is atomic:
// readers never observe a debit without its matching credit.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*balance
	entries  []*Entry
}

type balance struct {
	available *big.Int
	held      *big.Int
	updatedAt time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*balance),
	}
}

func (m *MemoryStore) GetAccount(ctx context.Context, address string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[address]
	if !ok {
		// Unknown accounts read as zero; they spring into existence on mint.
		return &Account{
			Address:   address,
			Available: amount.Format(big.NewInt(0)),
			Held:      amount.Format(big.NewInt(0)),
			UpdatedAt: time.Now(),
		}, nil
	}
	return snapshot(address, bal), nil
}

func (m *MemoryStore) Mint(ctx context.Context, address string, amt *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(address)
	bal.available.Add(bal.available, amt)
	bal.updatedAt = time.Now()
	m.append(address, EntryMint, amt, "")
	return nil
}

func (m *MemoryStore) Hold(ctx context.Context, address string, amt *big.Int, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(address)
	if bal.available.Cmp(amt) < 0 {
		return &InsufficientBalanceError{
			Address:   address,
			Required:  new(big.Int).Set(amt),
			Available: new(big.Int).Set(bal.available),
		}
	}
	bal.available.Sub(bal.available, amt)
	bal.held.Add(bal.held, amt)
	bal.updatedAt = time.Now()
	m.append(address, EntryHold, amt, reference)
	return nil
}

func (m *MemoryStore) Unhold(ctx context.Context, address string, amt *big.Int, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(address)
	if bal.held.Cmp(amt) < 0 {
		return fmt.Errorf("%w: unhold %s exceeds held %s on %s",
			ErrInvariantViolation, amount.Format(amt), amount.Format(bal.held), address)
	}
	bal.held.Sub(bal.held, amt)
	bal.available.Add(bal.available, amt)
	bal.updatedAt = time.Now()
	m.append(address, EntryUnhold, amt, reference)
	return nil
}

func (m *MemoryStore) ReleaseHoldTo(ctx context.Context, from, to string, amt *big.Int, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(from, to, amt, reference)
}

func (m *MemoryStore) Settle(ctx context.Context, payer, payee, platform string, principal, fee *big.Int, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Verify the full hold up front so the settlement never half-applies.
	total := new(big.Int).Add(principal, fee)
	bal := m.balance(payer)
	if bal.held.Cmp(total) < 0 {
		return fmt.Errorf("%w: settle %s exceeds held %s on %s",
			ErrInvariantViolation, amount.Format(total), amount.Format(bal.held), payer)
	}

	if err := m.releaseLocked(payer, payee, principal, reference); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		if err := m.releaseLocked(payer, platform, fee, reference); err != nil {
			return err
		}
	}
	return nil
}

// releaseLocked moves held funds from one account into another's available
// balance. Callers must hold m.mu.
func (m *MemoryStore) releaseLocked(from, to string, amt *big.Int, reference string) error {
	src := m.balance(from)
	if src.held.Cmp(amt) < 0 {
		return fmt.Errorf("%w: release %s exceeds held %s on %s",
			ErrInvariantViolation, amount.Format(amt), amount.Format(src.held), from)
	}
	dst := m.balance(to)

	now := time.Now()
	src.held.Sub(src.held, amt)
	dst.available.Add(dst.available, amt)
	src.updatedAt = now
	dst.updatedAt = now

	m.append(from, EntryReleaseOut, amt, reference)
	m.append(to, EntryReleaseIn, amt, reference)
	return nil
}

func (m *MemoryStore) ListEntries(ctx context.Context, address string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	// Newest first.
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].Address == address {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

// balance returns the mutable balance for address, creating a zero record
// if none exists. Callers must hold m.mu.
func (m *MemoryStore) balance(address string) *balance {
	bal, ok := m.balances[address]
	if !ok {
		bal = &balance{
			available: big.NewInt(0),
			held:      big.NewInt(0),
			updatedAt: time.Now(),
		}
		m.balances[address] = bal
	}
	return bal
}

func (m *MemoryStore) append(address, entryType string, amt *big.Int, reference string) {
	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix("le_"),
		Address:   address,
		Type:      entryType,
		Amount:    amount.Format(amt),
		Reference: reference,
		CreatedAt: time.Now(),
	})
}

func snapshot(address string, bal *balance) *Account {
	return &Account{
		Address:   address,
		Available: amount.Format(bal.available),
		Held:      amount.Format(bal.held),
		UpdatedAt: bal.updatedAt,
	}
}
