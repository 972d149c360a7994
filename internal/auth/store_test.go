package auth

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// memoryStore is a Store for service tests with the same version semantics
// as Repository.
type memoryStore struct {
	mu       sync.Mutex
	byID     map[string]Account
	nextID   int
	conflict int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{byID: make(map[string]Account)}
}

// failNextSaves makes the next n updates report a version conflict.
func (s *memoryStore) failNextSaves(n int) {
	s.mu.Lock()
	s.conflict = n
	s.mu.Unlock()
}

func (s *memoryStore) get(username string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, account := range s.byID {
		if account.Username == username {
			return account, true
		}
	}
	return Account{}, false
}

func (s *memoryStore) ExistsByUsername(_ context.Context, username string) (bool, error) {
	_, ok := s.get(username)
	return ok, nil
}

func (s *memoryStore) FindByUsername(_ context.Context, username string) (Account, error) {
	account, ok := s.get(username)
	if !ok {
		return Account{}, ErrNotFound
	}
	return account, nil
}

func (s *memoryStore) Save(_ context.Context, account Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, other := range s.byID {
		if other.Username == account.Username && id != account.ID {
			return Account{}, ErrDuplicateUsername
		}
	}

	if account.ID == "" {
		s.nextID++
		account.ID = "id-" + strconv.Itoa(s.nextID)
		account.Version = 1
		s.byID[account.ID] = account
		return account, nil
	}

	current, ok := s.byID[account.ID]
	if !ok || current.Version != account.Version {
		return Account{}, ErrVersionConflict
	}
	if s.conflict > 0 {
		s.conflict--
		return Account{}, ErrVersionConflict
	}

	account.Version++
	s.byID[account.ID] = account
	return account, nil
}

func (s *memoryStore) Delete(_ context.Context, account Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[account.ID]; !ok {
		return ErrNotFound
	}
	delete(s.byID, account.ID)
	return nil
}

func (s *memoryStore) FindAll(ctx context.Context) ([]Account, error) {
	return s.Search(ctx, "", "")
}

func (s *memoryStore) FindByRole(ctx context.Context, role Role) ([]Account, error) {
	return s.Search(ctx, "", role)
}

func (s *memoryStore) Search(_ context.Context, term string, role Role) ([]Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	term = strings.ToLower(strings.TrimSpace(term))
	var out []Account
	for _, account := range s.byID {
		if role != "" && account.Role != role {
			continue
		}
		if term != "" && !strings.Contains(strings.ToLower(account.Username), term) {
			continue
		}
		out = append(out, account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}
