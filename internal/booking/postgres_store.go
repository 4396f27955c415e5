package booking

import (
	"context"
	"database/sql"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed booking store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the bookings table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bookings (
			id           VARCHAR(64) PRIMARY KEY,
			seeker_id    VARCHAR(64) NOT NULL,
			provider_id  VARCHAR(64) NOT NULL,
			booking_type     VARCHAR(10) NOT NULL,
			duration_minutes INTEGER NOT NULL CHECK (duration_minutes > 0),
			price        BIGINT NOT NULL CHECK (price > 0),
			status       VARCHAR(20) NOT NULL,
			note         TEXT,
			audit_note   TEXT,
			scheduled_at TIMESTAMPTZ,
			confirmed_at TIMESTAMPTZ,
			resolved_at  TIMESTAMPTZ,
			created_at   TIMESTAMPTZ DEFAULT NOW(),
			updated_at   TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_bookings_seeker ON bookings(seeker_id);
		CREATE INDEX IF NOT EXISTS idx_bookings_provider ON bookings(provider_id);
		CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, b *Booking) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bookings (id, seeker_id, provider_id, booking_type, duration_minutes, price, status,
			note, audit_note, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, b.ID, b.SeekerID, b.ProviderID, b.Type, b.Duration, b.Price, b.Status,
		b.Note, b.AuditNote, b.ScheduledAt, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	b := &Booking{}
	var note, auditNote sql.NullString
	var scheduledAt, confirmedAt, resolvedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, seeker_id, provider_id, booking_type, duration_minutes, price, status,
			note, audit_note, scheduled_at, confirmed_at, resolved_at, created_at, updated_at
		FROM bookings WHERE id = $1
	`, id).Scan(&b.ID, &b.SeekerID, &b.ProviderID, &b.Type, &b.Duration, &b.Price, &b.Status,
		&note, &auditNote, &scheduledAt, &confirmedAt, &resolvedAt, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Note = note.String
	b.AuditNote = auditNote.String
	if scheduledAt.Valid {
		b.ScheduledAt = &scheduledAt.Time
	}
	if confirmedAt.Valid {
		b.ConfirmedAt = &confirmedAt.Time
	}
	if resolvedAt.Valid {
		b.ResolvedAt = &resolvedAt.Time
	}
	return b, nil
}

// UpdateStatus applies a compare-and-swap transition. The WHERE clause
// on the old status makes concurrent writers lose cleanly instead of
// double-applying a transition.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, auditNote string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET
			status       = $3,
			audit_note   = CASE WHEN $4 <> '' THEN $4 ELSE audit_note END,
			confirmed_at = CASE WHEN $3 = 'CONFIRMED' THEN NOW() ELSE confirmed_at END,
			resolved_at  = CASE WHEN $3 IN ('COMPLETED', 'CANCELLED') THEN NOW() ELSE resolved_at END,
			updated_at   = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to, auditNote)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish a lost race from a missing booking.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM bookings WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrBookingNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, seeker_id, provider_id, booking_type, duration_minutes, price, status,
			note, audit_note, scheduled_at, confirmed_at, resolved_at, created_at, updated_at
		FROM bookings
		WHERE seeker_id = $1 OR provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBookings(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, seeker_id, provider_id, booking_type, duration_minutes, price, status,
			note, audit_note, scheduled_at, confirmed_at, resolved_at, created_at, updated_at
		FROM bookings
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBookings(rows)
}

func scanBookings(rows *sql.Rows) ([]*Booking, error) {
	var result []*Booking
	for rows.Next() {
		b := &Booking{}
		var note, auditNote sql.NullString
		var scheduledAt, confirmedAt, resolvedAt sql.NullTime
		if err := rows.Scan(&b.ID, &b.SeekerID, &b.ProviderID, &b.Type, &b.Duration, &b.Price, &b.Status,
			&note, &auditNote, &scheduledAt, &confirmedAt, &resolvedAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Note = note.String
		b.AuditNote = auditNote.String
		if scheduledAt.Valid {
			b.ScheduledAt = &scheduledAt.Time
		}
		if confirmedAt.Valid {
			b.ConfirmedAt = &confirmedAt.Time
		}
		if resolvedAt.Valid {
			b.ResolvedAt = &resolvedAt.Time
		}
		result = append(result, b)
	}
	return result, rows.Err()
}
