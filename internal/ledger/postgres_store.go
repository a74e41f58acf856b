package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/agirails/actp/internal/amount"
	"github.com/agirails/actp/internal/idgen"
	"github.com/agirails/actp/internal/retry"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables with NUMERIC columns
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			address     VARCHAR(42) PRIMARY KEY,
			available   NUMERIC(20,6) NOT NULL DEFAULT 0,
			held        NUMERIC(20,6) NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_available_nonneg CHECK (available >= 0),
			CONSTRAINT chk_held_nonneg      CHECK (held >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id          VARCHAR(36) PRIMARY KEY,
			address     VARCHAR(42) NOT NULL,
			type        VARCHAR(20) NOT NULL,
			amount      NUMERIC(20,6) NOT NULL,
			reference   VARCHAR(64),
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_address ON ledger_entries(address);
		CREATE INDEX IF NOT EXISTS idx_ledger_reference ON ledger_entries(reference);
		CREATE INDEX IF NOT EXISTS idx_ledger_created ON ledger_entries(created_at DESC);
	`)
	return err
}

// GetAccount retrieves an account's balances
func (p *PostgresStore) GetAccount(ctx context.Context, address string) (*Account, error) {
	acct := &Account{Address: address}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, held, updated_at
		FROM accounts WHERE address = $1
	`, address).Scan(&acct.Available, &acct.Held, &acct.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Account{
			Address:   address,
			Available: amount.Format(big.NewInt(0)),
			Held:      amount.Format(big.NewInt(0)),
			UpdatedAt: time.Now(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Mint adds funds to an account's available balance
func (p *PostgresStore) Mint(ctx context.Context, address string, amt *big.Int) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	decimal := amount.Format(amt)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (address, available, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), NOW())
		ON CONFLICT (address) DO UPDATE SET
			available  = accounts.available + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, address, decimal)
	if err != nil {
		return fmt.Errorf("failed to mint: %w", err)
	}

	if err := insertEntry(ctx, tx, address, EntryMint, decimal, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// Hold moves funds from available to held. The conditional UPDATE is
// atomic under the default isolation level, so concurrent holds on one
// account serialize on the row lock instead of failing with
// serialization errors.
func (p *PostgresStore) Hold(ctx context.Context, address string, amt *big.Int, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	decimal := amount.Format(amt)
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			available  = available - $2::NUMERIC(20,6),
			held       = held + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE address = $1 AND available >= $2::NUMERIC(20,6)
	`, address, decimal)
	if err != nil {
		return fmt.Errorf("failed to hold: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the account is unknown or available < amt; report what
		// was actually there.
		acct, getErr := p.GetAccount(ctx, address)
		available := big.NewInt(0)
		if getErr == nil {
			if v, ok := amount.Parse(acct.Available); ok {
				available = v
			}
		}
		return &InsufficientBalanceError{
			Address:   address,
			Required:  new(big.Int).Set(amt),
			Available: available,
		}
	}

	if err := insertEntry(ctx, tx, address, EntryHold, decimal, reference); err != nil {
		return err
	}
	return tx.Commit()
}

// Unhold returns held funds to the same account's available balance
func (p *PostgresStore) Unhold(ctx context.Context, address string, amt *big.Int, reference string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	decimal := amount.Format(amt)
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			held       = held - $2::NUMERIC(20,6),
			available  = available + $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE address = $1 AND held >= $2::NUMERIC(20,6)
	`, address, decimal)
	if err != nil {
		return fmt.Errorf("failed to unhold: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: unhold %s on %s", ErrInvariantViolation, decimal, address)
	}

	if err := insertEntry(ctx, tx, address, EntryUnhold, decimal, reference); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseHoldTo moves held funds from one account to another's available
// balance. Serialization conflicts are retried with fresh transactions.
func (p *PostgresStore) ReleaseHoldTo(ctx context.Context, from, to string, amt *big.Int, reference string) error {
	return retry.Do(ctx, 3, 10*time.Millisecond, func() error {
		return retriable(p.releaseHoldToOnce(ctx, from, to, amt, reference))
	})
}

func (p *PostgresStore) releaseHoldToOnce(ctx context.Context, from, to string, amt *big.Int, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := releaseInTx(ctx, tx, from, to, amt, reference); err != nil {
		return err
	}
	return tx.Commit()
}

// Settle releases principal to the payee and fee to the platform in one
// database transaction. Serialization conflicts are retried.
func (p *PostgresStore) Settle(ctx context.Context, payer, payee, platform string, principal, fee *big.Int, reference string) error {
	return retry.Do(ctx, 3, 10*time.Millisecond, func() error {
		return retriable(p.settleOnce(ctx, payer, payee, platform, principal, fee, reference))
	})
}

func (p *PostgresStore) settleOnce(ctx context.Context, payer, payee, platform string, principal, fee *big.Int, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := releaseInTx(ctx, tx, payer, payee, principal, reference); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		if err := releaseInTx(ctx, tx, payer, platform, fee, reference); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// retriable passes serialization conflicts through for retry and marks
// everything else permanent.
func retriable(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01") {
		return err
	}
	return retry.Permanent(err)
}

// ListEntries returns audit entries for an account, newest first
func (p *PostgresStore) ListEntries(ctx context.Context, address string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, type, amount, COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE address = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, address, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Address, &e.Type, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// releaseInTx applies the two sides of a hold release inside an open
// transaction. The WHERE clause on held guards against double release.
func releaseInTx(ctx context.Context, tx *sql.Tx, from, to string, amt *big.Int, reference string) error {
	decimal := amount.Format(amt)

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET
			held       = held - $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE address = $1 AND held >= $2::NUMERIC(20,6)
	`, from, decimal)
	if err != nil {
		return fmt.Errorf("failed to release hold: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: release %s exceeds held on %s", ErrInvariantViolation, decimal, from)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (address, available, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), NOW())
		ON CONFLICT (address) DO UPDATE SET
			available  = accounts.available + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, to, decimal)
	if err != nil {
		return fmt.Errorf("failed to credit release: %w", err)
	}

	if err := insertEntry(ctx, tx, from, EntryReleaseOut, decimal, reference); err != nil {
		return err
	}
	return insertEntry(ctx, tx, to, EntryReleaseIn, decimal, reference)
}

func insertEntry(ctx context.Context, tx *sql.Tx, address, entryType, decimal, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, address, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), NULLIF($5, ''), NOW())
	`, idgen.WithPrefix("le_"), address, entryType, decimal, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}
