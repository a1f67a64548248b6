package store

import (
	"sort"
	"sync"

	"snapcaption/pkg/domain"
)

// MemoryStore keeps posts in-process. Used by tests and local runs
// without Postgres.
type MemoryStore struct {
	mu    sync.RWMutex
	posts map[string]domain.Post
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{posts: make(map[string]domain.Post)}
}

// SavePost stores or replaces a post record.
func (m *MemoryStore) SavePost(p domain.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[p.ID] = p
	return nil
}

// GetPost retrieves a post by ID.
func (m *MemoryStore) GetPost(id string) (domain.Post, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	return p, ok, nil
}

// ListPostsByOwner returns the owner's posts, newest first.
func (m *MemoryStore) ListPostsByOwner(ownerID string, limit int) ([]domain.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Post, 0)
	for _, p := range m.posts {
		if p.OwnerID == ownerID {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// DeletePost removes a post record.
func (m *MemoryStore) DeletePost(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.posts, id)
	return nil
}
