package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/tokenbook/tokenbook/internal/idgen"
	"github.com/tokenbook/tokenbook/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables. The CHECK constraints are the last
// line of defense against negative balances; service-level checks exist
// only to return friendlier errors.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			user_id         VARCHAR(64) PRIMARY KEY,
			available       BIGINT NOT NULL DEFAULT 0,
			escrow          BIGINT NOT NULL DEFAULT 0,
			total_purchased BIGINT NOT NULL DEFAULT 0,
			total_spent     BIGINT NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_available_nonneg CHECK (available >= 0),
			CONSTRAINT chk_escrow_nonneg    CHECK (escrow >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id          VARCHAR(36) PRIMARY KEY,
			user_id     VARCHAR(64) NOT NULL,
			type        VARCHAR(20) NOT NULL,
			amount      BIGINT NOT NULL CHECK (amount > 0),
			reference   VARCHAR(255),
			description TEXT,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id);
		CREATE INDEX IF NOT EXISTS idx_ledger_reference ON ledger_entries(reference);
		CREATE INDEX IF NOT EXISTS idx_ledger_created ON ledger_entries(created_at DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_purchase_ref
			ON ledger_entries(reference) WHERE type = 'PURCHASE';
	`)
	return err
}

// mapPQError converts constraint violations into domain errors.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23514": // check_violation: available or escrow went negative
			return ErrInsufficientFunds
		case "23505": // unique_violation: duplicate purchase reference
			return ErrDuplicatePurchase
		}
	}
	return err
}

// GetWallet retrieves a user's wallet
func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{UserID: userID}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, escrow, total_purchased, total_spent, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.Available, &w.Escrow, &w.TotalPurchased, &w.TotalSpent, &w.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Wallet{UserID: userID, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Purchase credits a wallet and records the entry in one transaction.
// The unique index on purchase references makes replays fail cleanly.
func (p *PostgresStore) Purchase(ctx context.Context, userID string, amount int64, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, available, total_purchased, updated_at)
		VALUES ($1, $2, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			available       = wallets.available + $2,
			total_purchased = wallets.total_purchased + $2,
			updated_at      = NOW()
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'PURCHASE', $3, $4, $5, NOW())
	`, idgen.WithPrefix("txn_"), userID, amount, reference, description)
	if err != nil {
		return mapPQError(fmt.Errorf("failed to record entry: %w", err))
	}

	return tx.Commit()
}

// HasPurchase checks if a payment reference has already been credited
func (p *PostgresStore) HasPurchase(ctx context.Context, reference string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries WHERE reference = $1 AND type = 'PURCHASE'
	`, reference).Scan(&count)
	return count > 0, err
}

// MoveToEscrow locks tokens against a booking. The CHECK constraint on
// available >= 0 rejects the update if the wallet cannot cover it.
func (p *PostgresStore) MoveToEscrow(ctx context.Context, userID string, amount int64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available - $2,
			escrow     = escrow + $2,
			updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		return mapPQError(fmt.Errorf("failed to lock escrow: %w", err))
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'ESCROW_HOLD', $3, $4, 'escrow_hold', NOW())
	`, idgen.WithPrefix("txn_"), userID, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// RefundEscrow returns escrowed tokens to available (cancellation or dispute refund).
func (p *PostgresStore) RefundEscrow(ctx context.Context, userID string, amount int64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			escrow     = escrow - $2,
			available  = available + $2,
			updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		return mapPQError(fmt.Errorf("failed to refund escrow: %w", err))
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'BOOKING_REFUND', $3, $4, 'escrow_refunded', NOW())
	`, idgen.WithPrefix("txn_"), userID, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// ReleaseEscrow moves tokens from the seeker's escrow to the provider's
// available balance, recording entries for both parties in one transaction.
func (p *PostgresStore) ReleaseEscrow(ctx context.Context, seekerID, providerID string, amount int64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := p.releaseInTx(ctx, tx, seekerID, providerID, amount, reference); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) releaseInTx(ctx context.Context, tx *sql.Tx, seekerID, providerID string, amount int64, reference string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			escrow      = escrow - $2,
			total_spent = total_spent + $2,
			updated_at  = NOW()
		WHERE user_id = $1
	`, seekerID, amount)
	if err != nil {
		return mapPQError(fmt.Errorf("failed to debit seeker escrow: %w", err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, available, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			available  = wallets.available + $2,
			updated_at = NOW()
	`, providerID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit provider: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'ESCROW_RELEASE', $3, $4, 'escrow_released_to_provider', NOW())
	`, idgen.WithPrefix("txn_"), seekerID, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record seeker entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'BOOKING_PAYMENT', $3, $4, 'booking_payment_received', NOW())
	`, idgen.WithPrefix("txn_"), providerID, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record provider entry: %w", err)
	}

	return nil
}

// SettleEscrow splits an escrowed amount between a refund to the seeker
// and a release to the provider. Both sides commit or neither does.
func (p *PostgresStore) SettleEscrow(ctx context.Context, seekerID, providerID string, refund, release int64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if refund > 0 {
		result, err := tx.ExecContext(ctx, `
			UPDATE wallets SET
				escrow     = escrow - $2,
				available  = available + $2,
				updated_at = NOW()
			WHERE user_id = $1
		`, seekerID, refund)
		if err != nil {
			return mapPQError(fmt.Errorf("failed to refund seeker: %w", err))
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrWalletNotFound
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, user_id, type, amount, reference, description, created_at)
			VALUES ($1, $2, 'BOOKING_REFUND', $3, $4, 'dispute_refund', NOW())
		`, idgen.WithPrefix("txn_"), seekerID, refund, reference)
		if err != nil {
			return fmt.Errorf("failed to record refund entry: %w", err)
		}
	}

	if release > 0 {
		if err := p.releaseInTx(ctx, tx, seekerID, providerID, release, reference); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// WithdrawalHold debits available tokens for a pending withdrawal.
func (p *PostgresStore) WithdrawalHold(ctx context.Context, userID string, amount int64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available - $2,
			updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		return mapPQError(fmt.Errorf("failed to place withdrawal hold: %w", err))
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'WITHDRAWAL', $3, $4, 'withdrawal_hold', NOW())
	`, idgen.WithPrefix("txn_"), userID, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// WithdrawalReverse credits back a withdrawal hold with an offsetting entry.
func (p *PostgresStore) WithdrawalReverse(ctx context.Context, userID string, amount int64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available + $2,
			updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to reverse withdrawal: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, 'WITHDRAWAL_REFUND', $3, $4, 'withdrawal_reversed', NOW())
	`, idgen.WithPrefix("txn_"), userID, amount, reference)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// History retrieves recent ledger entries for a user
func (p *PostgresStore) History(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	var rows *sql.Rows
	var err error
	if before != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_id, type, amount, reference, description, created_at
			FROM ledger_entries
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, userID, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_id, type, amount, reference, description, created_at
			FROM ledger_entries
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Transaction
	for rows.Next() {
		e := &Transaction{}
		var reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EntrySums aggregates entry amounts by type for reconciliation.
func (p *PostgresStore) EntrySums(ctx context.Context, userID string) (map[string]int64, int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT type, COALESCE(SUM(amount), 0), COUNT(*)
		FROM ledger_entries
		WHERE user_id = $1
		GROUP BY type
	`, userID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	sums := make(map[string]int64)
	count := 0
	for rows.Next() {
		var typ string
		var sum int64
		var n int
		if err := rows.Scan(&typ, &sum, &n); err != nil {
			return nil, 0, err
		}
		sums[typ] = sum
		count += n
	}
	return sums, count, rows.Err()
}
