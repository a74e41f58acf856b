package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agirails/actp/internal/pagination"
)

// PostgresStore persists transactions in PostgreSQL. History and metadata
// are stored as JSONB so a transaction round-trips in a single row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, payer, payee, amount, fee, state, deadline, auto_settle_at,
		       metadata, dispute_reason, resolution, history, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	historyJSON, err := json.Marshal(tx.History)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, payer, payee, amount, fee, state, deadline, auto_settle_at,
			metadata, dispute_reason, resolution, history, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(20,6), $5::NUMERIC(20,6), $6, $7, $8,
			$9, $10, $11, $12, $13, $14
		)`,
		tx.ID, tx.Payer, tx.Payee, tx.Amount, tx.Fee,
		string(tx.State), tx.Deadline, nullTime(tx.AutoSettleAt),
		metadataJSON(tx.Metadata), nullString(tx.DisputeReason), nullString(tx.Resolution),
		historyJSON, tx.CreatedAt, tx.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return tx, err
}

func (p *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	historyJSON, err := json.Marshal(tx.History)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			state = $1, auto_settle_at = $2, metadata = $3,
			dispute_reason = $4, resolution = $5, history = $6, updated_at = $7
		WHERE id = $8`,
		string(tx.State), nullTime(tx.AutoSettleAt), metadataJSON(tx.Metadata),
		nullString(tx.DisputeReason), nullString(tx.Resolution), historyJSON, tx.UpdatedAt,
		tx.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, address string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE (payer = $1 OR payee = $1)`
	args := []interface{}{address}

	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE state IN ('CREATED', 'DELIVERED', 'DISPUTED')
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		state         string
		autoSettleAt  sql.NullTime
		metadata      []byte
		disputeReason sql.NullString
		resolution    sql.NullString
		historyJSON   []byte
	)

	err := s.Scan(
		&tx.ID, &tx.Payer, &tx.Payee, &tx.Amount, &tx.Fee,
		&state, &tx.Deadline, &autoSettleAt,
		&metadata, &disputeReason, &resolution, &historyJSON,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.State = State(state)
	tx.DisputeReason = disputeReason.String
	tx.Resolution = resolution.String
	if autoSettleAt.Valid {
		tx.AutoSettleAt = &autoSettleAt.Time
	}
	if len(metadata) > 0 {
		tx.Metadata = json.RawMessage(metadata)
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &tx.History); err != nil {
			return nil, err
		}
	}

	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

// metadataJSON passes metadata through as JSONB, nil when absent.
func metadataJSON(m json.RawMessage) interface{} {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
