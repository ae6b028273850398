package access

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryUserStore is an in-process UserStore. Values are copied in and out
// so callers never share a *User with the store.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]User
}

// NewMemoryUserStore creates an empty store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[uuid.UUID]User)}
}

func (s *MemoryUserStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return ErrUserExists
		}
	}
	s.users[u.ID] = cloneUser(*u)
	return nil
}

func (s *MemoryUserStore) Update(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return ErrNotFound
	}
	s.users[u.ID] = cloneUser(*u)
	return nil
}

func (s *MemoryUserStore) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneUser(u)
	return &c, nil
}

func (s *MemoryUserStore) GetByUsername(_ context.Context, username string) (*User, error) {
	return s.find(func(u User) bool { return u.Username == username })
}

func (s *MemoryUserStore) GetByAPIKeyHash(_ context.Context, hash string) (*User, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	return s.find(func(u User) bool { return u.APIKeyHash == hash })
}

func (s *MemoryUserStore) List(_ context.Context) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		c := cloneUser(u)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *MemoryUserStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.users)), nil
}

func (s *MemoryUserStore) find(match func(User) bool) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if match(u) {
			c := cloneUser(u)
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func cloneUser(u User) User {
	u.Permissions = append([]Permission(nil), u.Permissions...)
	return u
}
