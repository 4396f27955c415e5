package withdrawal

import (
	"context"
	"database/sql"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed withdrawal store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the withdrawals table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS withdrawals (
			id                VARCHAR(64) PRIMARY KEY,
			user_id           VARCHAR(64) NOT NULL,
			tokens            BIGINT NOT NULL CHECK (tokens > 0),
			amount_inr        BIGINT NOT NULL CHECK (amount_inr >= 0),
			processing_fee    BIGINT NOT NULL CHECK (processing_fee >= 0),
			net_amount        BIGINT NOT NULL CHECK (net_amount >= 0),
			payment_method_id VARCHAR(128) NOT NULL,
			status            VARCHAR(20) NOT NULL,
			notes             TEXT,
			reason            TEXT,
			bank_ref          VARCHAR(128),
			reviewed_by       VARCHAR(64),
			reviewed_at       TIMESTAMPTZ,
			completed_at      TIMESTAMPTZ,
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_withdrawals_user ON withdrawals(user_id);
		CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawals(status);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, w *Withdrawal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawals (id, user_id, tokens, amount_inr, processing_fee, net_amount,
			payment_method_id, status, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, w.ID, w.UserID, w.Tokens, w.AmountINR, w.ProcessingFee, w.NetAmount,
		w.PaymentMethodID, w.Status, w.Notes, w.CreatedAt, w.UpdatedAt)
	return err
}

const withdrawalColumns = `id, user_id, tokens, amount_inr, processing_fee, net_amount,
	payment_method_id, status, notes, reason, bank_ref, reviewed_by, reviewed_at,
	completed_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	return scanWithdrawal(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWithdrawal(row rowScanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var notes, reason, bankRef, reviewedBy sql.NullString
	var reviewedAt, completedAt sql.NullTime
	err := row.Scan(&w.ID, &w.UserID, &w.Tokens, &w.AmountINR, &w.ProcessingFee, &w.NetAmount,
		&w.PaymentMethodID, &w.Status, &notes,
		&reason, &bankRef, &reviewedBy, &reviewedAt, &completedAt, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Notes = notes.String
	w.Reason = reason.String
	w.BankRef = bankRef.String
	w.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		w.ReviewedAt = &reviewedAt.Time
	}
	if completedAt.Valid {
		w.CompletedAt = &completedAt.Time
	}
	return w, nil
}

// UpdateStatus is compare-and-swap on the current status. A zero row
// count means either the withdrawal is gone or another writer got
// there first.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, review Review) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE withdrawals SET
			status       = $3,
			reason       = COALESCE(NULLIF($4, ''), reason),
			bank_ref     = COALESCE(NULLIF($5, ''), bank_ref),
			reviewed_by  = COALESCE(NULLIF($6, ''), reviewed_by),
			reviewed_at  = CASE WHEN $3 IN ('APPROVED', 'REJECTED') THEN NOW() ELSE reviewed_at END,
			completed_at = CASE WHEN $3 = 'COMPLETED' THEN NOW() ELSE completed_at END,
			updated_at   = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to, review.Reason, review.BankRef, review.ReviewedBy)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM withdrawals WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrWithdrawalNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWithdrawals(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals
		 WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWithdrawals(rows)
}

func scanWithdrawals(rows *sql.Rows) ([]*Withdrawal, error) {
	var result []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}
