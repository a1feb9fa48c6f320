package store

import (
	"context"
	"sync"

	"talkrelay/pkg/domain"
)

// MemoryStore keeps identities and the outbox in-process. Used by tests and
// local development without Postgres; semantics match GormStore, including
// get-or-create convergence on the external auth id.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]domain.User // key: user ID
	byAuth map[string]string      // external auth id -> user ID
	outbox []OutboxRecord
	nextID uint64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]domain.User),
		byAuth: make(map[string]string),
		nextID: 1,
	}
}

// GetUserByAuthID looks up a user by external auth id.
func (m *MemoryStore) GetUserByAuthID(_ context.Context, externalAuthID string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byAuth[externalAuthID]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.users[id], true, nil
}

// CreateUser inserts the user unless the auth id is already mapped, in which
// case the existing row wins.
func (m *MemoryStore) CreateUser(_ context.Context, user domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byAuth[user.ExternalAuthID]; ok {
		return m.users[id], nil
	}
	m.users[user.ID] = user
	m.byAuth[user.ExternalAuthID] = user.ID
	return user, nil
}

// UserCount returns the number of distinct users.
func (m *MemoryStore) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

// AppendOutbox records a notification, ignoring duplicate event ids.
func (m *MemoryStore) AppendOutbox(_ context.Context, rec OutboxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.outbox {
		if existing.EventID == rec.EventID {
			return nil
		}
	}
	rec.ID = m.nextID
	m.nextID++
	m.outbox = append(m.outbox, rec)
	return nil
}

// ListUnpublished returns pending outbox rows in insertion order.
func (m *MemoryStore) ListUnpublished(_ context.Context, limit int) ([]OutboxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	res := make([]OutboxRecord, 0, limit)
	for _, rec := range m.outbox {
		if rec.Published {
			continue
		}
		res = append(res, rec)
		if len(res) >= limit {
			break
		}
	}
	return res, nil
}

// MarkPublished flags outbox rows as delivered.
func (m *MemoryStore) MarkPublished(_ context.Context, ids []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	for i := range m.outbox {
		if _, ok := set[m.outbox[i].ID]; ok {
			m.outbox[i].Published = true
		}
	}
	return nil
}
