package ticket

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ticket store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tickets and ticket_messages tables
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tickets (
			id          VARCHAR(64) PRIMARY KEY,
			user_id     VARCHAR(64) NOT NULL,
			subject     VARCHAR(256) NOT NULL,
			category    VARCHAR(20) NOT NULL,
			priority    VARCHAR(10) NOT NULL DEFAULT 'MEDIUM',
			booking_id  VARCHAR(64),
			status      VARCHAR(20) NOT NULL,
			assigned_to VARCHAR(64),
			resolved_at TIMESTAMPTZ,
			closed_at   TIMESTAMPTZ,
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS ticket_messages (
			id         VARCHAR(64) PRIMARY KEY,
			ticket_id  VARCHAR(64) NOT NULL REFERENCES tickets(id),
			author_id  VARCHAR(64) NOT NULL,
			staff      BOOLEAN NOT NULL DEFAULT FALSE,
			body       TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_user ON tickets(user_id);
		CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
		CREATE INDEX IF NOT EXISTS idx_ticket_messages_ticket ON ticket_messages(ticket_id);
	`)
	return err
}

// Create inserts the ticket and its first message in one transaction.
func (p *PostgresStore) Create(ctx context.Context, t *Ticket, first *Message) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tickets (id, user_id, subject, category, priority, booking_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
	`, t.ID, t.UserID, t.Subject, t.Category, t.Priority, t.BookingID, t.Status, t.CreatedAt, t.UpdatedAt); err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ticket_messages (id, ticket_id, author_id, staff, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, first.ID, first.TicketID, first.AuthorID, first.Staff, first.Body, first.CreatedAt); err != nil {
		return fmt.Errorf("insert first message: %w", err)
	}
	return tx.Commit()
}

const ticketColumns = `id, user_id, subject, category, priority, booking_id, status, assigned_to,
	resolved_at, closed_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Ticket, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id)
	return scanTicket(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*Ticket, error) {
	t := &Ticket{}
	var bookingID, assignedTo sql.NullString
	var resolvedAt, closedAt sql.NullTime
	err := row.Scan(&t.ID, &t.UserID, &t.Subject, &t.Category, &t.Priority, &bookingID, &t.Status, &assignedTo,
		&resolvedAt, &closedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	t.BookingID = bookingID.String
	t.AssignedTo = assignedTo.String
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.Time
	}
	if closedAt.Valid {
		t.ClosedAt = &closedAt.Time
	}
	return t, nil
}

func (p *PostgresStore) Update(ctx context.Context, t *Ticket) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE tickets SET
			status      = $2,
			assigned_to = NULLIF($3, ''),
			resolved_at = $4,
			closed_at   = $5,
			updated_at  = $6
		WHERE id = $1
	`, t.ID, t.Status, t.AssignedTo, t.ResolvedAt, t.ClosedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTicketNotFound
	}
	return nil
}

func (p *PostgresStore) AddMessage(ctx context.Context, m *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ticket_messages (id, ticket_id, author_id, staff, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.TicketID, m.AuthorID, m.Staff, m.Body, m.CreatedAt)
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, ticketID string) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, ticket_id, author_id, staff, body, created_at
		FROM ticket_messages WHERE ticket_id = $1 ORDER BY created_at ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.TicketID, &m.AuthorID, &m.Staff, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Ticket, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Ticket, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets
		 WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTickets(rows)
}

func scanTickets(rows *sql.Rows) ([]*Ticket, error) {
	var result []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}
