package rating

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed rating store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ratings table. The unique index enforces one
// rating per booking per direction.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ratings (
			id           VARCHAR(64) PRIMARY KEY,
			booking_id   VARCHAR(64) NOT NULL,
			rater_id     VARCHAR(64) NOT NULL,
			ratee_id     VARCHAR(64) NOT NULL,
			stars        INT NOT NULL CHECK (stars BETWEEN 1 AND 5),
			comment      TEXT,
			response     TEXT,
			responded_at TIMESTAMPTZ,
			created_at   TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_ratings_booking_rater
			ON ratings(booking_id, rater_id);
		CREATE INDEX IF NOT EXISTS idx_ratings_ratee ON ratings(ratee_id);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, r *Rating) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ratings (id, booking_id, rater_id, ratee_id, stars, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
	`, r.ID, r.BookingID, r.RaterID, r.RateeID, r.Stars, r.Comment, r.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyRated
	}
	return err
}

const ratingColumns = `id, booking_id, rater_id, ratee_id, stars, comment, response, responded_at, created_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Rating, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+ratingColumns+` FROM ratings WHERE id = $1`, id)
	return scanRating(row)
}

func (p *PostgresStore) GetByBookingAndRater(ctx context.Context, bookingID, raterID string) (*Rating, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+ratingColumns+` FROM ratings WHERE booking_id = $1 AND rater_id = $2`,
		bookingID, raterID)
	return scanRating(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRating(row rowScanner) (*Rating, error) {
	r := &Rating{}
	var comment, response sql.NullString
	var respondedAt sql.NullTime
	err := row.Scan(&r.ID, &r.BookingID, &r.RaterID, &r.RateeID, &r.Stars,
		&comment, &response, &respondedAt, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRatingNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Comment = comment.String
	r.Response = response.String
	if respondedAt.Valid {
		r.RespondedAt = &respondedAt.Time
	}
	return r, nil
}

func (p *PostgresStore) SetResponse(ctx context.Context, id, response string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE ratings SET response = $2, responded_at = $3
		WHERE id = $1 AND response IS NULL
	`, id, response, at)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM ratings WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrRatingNotFound
		}
		return ErrAlreadyResponded
	}
	return nil
}

func (p *PostgresStore) ListByRatee(ctx context.Context, rateeID string, limit int) ([]*Rating, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+ratingColumns+` FROM ratings
		 WHERE ratee_id = $1 ORDER BY created_at DESC LIMIT $2`, rateeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Rating
	for rows.Next() {
		r, err := scanRating(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Summarize(ctx context.Context, rateeID string) (*Summary, error) {
	s := &Summary{UserID: rateeID}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(stars), 0) FROM ratings WHERE ratee_id = $1
	`, rateeID).Scan(&s.Count, &s.Average)
	if err != nil {
		return nil, err
	}
	return s, nil
}
