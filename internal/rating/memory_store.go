package rating

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory rating store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	ratings map[string]*Rating
	byPair  map[string]string // bookingID+"/"+raterID -> rating ID
}

// NewMemoryStore creates a new in-memory rating store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ratings: make(map[string]*Rating),
		byPair:  make(map[string]string),
	}
}

func pairKey(bookingID, raterID string) string {
	return bookingID + "/" + raterID
}

func (m *MemoryStore) Create(ctx context.Context, r *Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey(r.BookingID, r.RaterID)
	if _, ok := m.byPair[key]; ok {
		return ErrAlreadyRated
	}
	cp := *r
	m.ratings[r.ID] = &cp
	m.byPair[key] = r.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.ratings[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, ErrRatingNotFound
}

func (m *MemoryStore) GetByBookingAndRater(ctx context.Context, bookingID, raterID string) (*Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byPair[pairKey(bookingID, raterID)]; ok {
		cp := *m.ratings[id]
		return &cp, nil
	}
	return nil, ErrRatingNotFound
}

func (m *MemoryStore) SetResponse(ctx context.Context, id, response string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.ratings[id]
	if !ok {
		return ErrRatingNotFound
	}
	r.Response = response
	r.RespondedAt = &at
	return nil
}

func (m *MemoryStore) ListByRatee(ctx context.Context, rateeID string, limit int) ([]*Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Rating
	for _, r := range m.ratings {
		if r.RateeID == rateeID {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Summarize(ctx context.Context, rateeID string) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count, total int
	for _, r := range m.ratings {
		if r.RateeID == rateeID {
			count++
			total += r.Stars
		}
	}
	s := &Summary{UserID: rateeID, Count: count}
	if count > 0 {
		s.Average = float64(total) / float64(count)
	}
	return s, nil
}
