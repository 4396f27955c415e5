package ticket

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory ticket store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	tickets  map[string]*Ticket
	messages map[string][]*Message // ticketID -> thread, oldest first
}

// NewMemoryStore creates a new in-memory ticket store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets:  make(map[string]*Ticket),
		messages: make(map[string][]*Message),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Ticket, first *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	cp.Messages = nil
	m.tickets[t.ID] = &cp
	mc := *first
	m.messages[t.ID] = []*Message{&mc}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tickets[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, ErrTicketNotFound
}

func (m *MemoryStore) Update(ctx context.Context, t *Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[t.ID]; !ok {
		return ErrTicketNotFound
	}
	cp := *t
	cp.Messages = nil
	m.tickets[t.ID] = &cp
	return nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[msg.TicketID]; !ok {
		return ErrTicketNotFound
	}
	cp := *msg
	m.messages[msg.TicketID] = append(m.messages[msg.TicketID], &cp)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, ticketID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	thread := m.messages[ticketID]
	result := make([]*Message, 0, len(thread))
	for _, msg := range thread {
		cp := *msg
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Ticket
	for _, t := range m.tickets {
		if t.UserID == userID {
			cp := *t
			result = append(result, &cp)
		}
	}
	sortTickets(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Ticket
	for _, t := range m.tickets {
		if t.Status == status {
			cp := *t
			result = append(result, &cp)
		}
	}
	sortTickets(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortTickets(ts []*Ticket) {
	sort.Slice(ts, func(i, j int) bool {
		return ts[i].CreatedAt.After(ts[j].CreatedAt)
	})
}
