package dispute

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the disputes table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS disputes (
			id              VARCHAR(64) PRIMARY KEY,
			booking_id      VARCHAR(64) NOT NULL,
			filed_by        VARCHAR(64) NOT NULL,
			dispute_type    VARCHAR(30) NOT NULL,
			reason          TEXT NOT NULL,
			evidence        TEXT[] NOT NULL DEFAULT '{}',
			status          VARCHAR(20) NOT NULL,
			assigned_to     VARCHAR(64),
			refund_amount   BIGINT NOT NULL DEFAULT 0,
			release_amount  BIGINT NOT NULL DEFAULT 0,
			resolution_note TEXT,
			resolved_by     VARCHAR(64),
			resolved_at     TIMESTAMPTZ,
			appealed_by     VARCHAR(64),
			appeal_note     TEXT,
			appealed_at     TIMESTAMPTZ,
			closed_at       TIMESTAMPTZ,
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_disputes_booking ON disputes(booking_id);
		CREATE INDEX IF NOT EXISTS idx_disputes_status ON disputes(status);
		CREATE INDEX IF NOT EXISTS idx_disputes_filed_by ON disputes(filed_by);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, booking_id, filed_by, dispute_type, reason, evidence, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, d.ID, d.BookingID, d.FiledBy, d.Type, d.Reason, pq.Array(d.Evidence), d.Status, d.CreatedAt, d.UpdatedAt)
	return err
}

const disputeColumns = `id, booking_id, filed_by, dispute_type, reason, evidence, status, assigned_to,
	refund_amount, release_amount, resolution_note, resolved_by, resolved_at,
	appealed_by, appeal_note, appealed_at, closed_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (p *PostgresStore) GetOpenByBooking(ctx context.Context, bookingID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes
		 WHERE booking_id = $1 AND status IN ('OPEN', 'INVESTIGATING', 'ESCALATED')
		 LIMIT 1`, bookingID)
	return scanDispute(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispute(row rowScanner) (*Dispute, error) {
	d := &Dispute{}
	var assignedTo, resolutionNote, resolvedBy, appealedBy, appealNote sql.NullString
	var resolvedAt, appealedAt, closedAt sql.NullTime
	err := row.Scan(&d.ID, &d.BookingID, &d.FiledBy, &d.Type, &d.Reason, pq.Array(&d.Evidence), &d.Status, &assignedTo,
		&d.RefundAmount, &d.ReleaseAmount, &resolutionNote, &resolvedBy, &resolvedAt,
		&appealedBy, &appealNote, &appealedAt, &closedAt, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.AssignedTo = assignedTo.String
	d.ResolutionNote = resolutionNote.String
	d.ResolvedBy = resolvedBy.String
	d.AppealedBy = appealedBy.String
	d.AppealNote = appealNote.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	if appealedAt.Valid {
		d.AppealedAt = &appealedAt.Time
	}
	if closedAt.Valid {
		d.ClosedAt = &closedAt.Time
	}
	return d, nil
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status          = $2,
			assigned_to     = NULLIF($3, ''),
			refund_amount   = $4,
			release_amount  = $5,
			resolution_note = NULLIF($6, ''),
			resolved_by     = NULLIF($7, ''),
			resolved_at     = $8,
			appealed_by     = NULLIF($9, ''),
			appeal_note     = NULLIF($10, ''),
			appealed_at     = $11,
			closed_at       = $12,
			updated_at      = $13
		WHERE id = $1
	`, d.ID, d.Status, d.AssignedTo, d.RefundAmount, d.ReleaseAmount,
		d.ResolutionNote, d.ResolvedBy, d.ResolvedAt,
		d.AppealedBy, d.AppealNote, d.AppealedAt, d.ClosedAt, d.UpdatedAt)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes
		 WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDisputes(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes
		 WHERE filed_by = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDisputes(rows)
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}
