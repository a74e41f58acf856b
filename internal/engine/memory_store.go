package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/agirails/actp/internal/pagination"
)

// MemoryStore is an in-memory transaction store for mock mode.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[tx.ID] = copyTransaction(tx)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTransaction(tx), nil
}

func (m *MemoryStore) Update(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[tx.ID]; !ok {
		return ErrNotFound
	}
	m.transactions[tx.ID] = copyTransaction(tx)
	return nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, address string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		if tx.Payer != address && tx.Payee != address {
			continue
		}
		if before != nil && !olderThan(tx, before) {
			continue
		}
		result = append(result, copyTransaction(tx))
	}
	// Newest first, stable across calls.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// olderThan reports whether tx sorts strictly after the cursor position in
// the newest-first ordering.
func olderThan(tx *Transaction, c *pagination.Cursor) bool {
	if tx.CreatedAt.Equal(c.CreatedAt) {
		return tx.ID < c.ID
	}
	return tx.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) ListPending(ctx context.Context) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		if !tx.IsTerminal() {
			result = append(result, copyTransaction(tx))
		}
	}
	return result, nil
}

// copyTransaction returns a deep-enough copy so callers never share the
// stored record's history slice or timestamps.
func copyTransaction(tx *Transaction) *Transaction {
	cp := *tx
	if tx.AutoSettleAt != nil {
		t := *tx.AutoSettleAt
		cp.AutoSettleAt = &t
	}
	cp.History = append([]Event(nil), tx.History...)
	if tx.Metadata != nil {
		cp.Metadata = append([]byte(nil), tx.Metadata...)
	}
	return &cp
}
