package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	nucleus "go.pilab.hu/nucleus"
)

// Store keeps codes and users in process memory. It is meant for tests and
// single-process development.
type Store struct {
	mu      sync.Mutex
	codes   map[string]nucleus.AuthorizationCode
	users   map[string]nucleus.User
	byEmail map[string]string
}

func New() *Store {
	return &Store{
		codes:   make(map[string]nucleus.AuthorizationCode),
		users:   make(map[string]nucleus.User),
		byEmail: make(map[string]string),
	}
}

var (
	_ nucleus.CodeStore = (*Store)(nil)
	_ nucleus.UserStore = (*Store)(nil)
)

func (s *Store) Create(_ context.Context, code *nucleus.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[code.Code]; ok {
		return nucleus.ErrCodeConflict
	}
	rec := *code
	rec.Scope = append([]string(nil), code.Scope...)
	s.codes[code.Code] = rec
	return nil
}

func (s *Store) FindUnused(_ context.Context, code string) (*nucleus.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[code]
	if !ok || rec.Used {
		return nil, nucleus.ErrCodeNotFound
	}
	rec.Scope = append([]string(nil), rec.Scope...)
	return &rec, nil
}

// MarkUsed checks and flips the flag under one lock acquisition.
func (s *Store) MarkUsed(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[code]
	if !ok {
		return nucleus.ErrCodeNotFound
	}
	if rec.Used {
		return nucleus.ErrCodeAlreadyUsed
	}
	rec.Used = true
	s.codes[code] = rec
	return nil
}

func (s *Store) Sweep(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, rec := range s.codes {
		if rec.ExpiresAt.Before(now) {
			delete(s.codes, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) CountActive(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, rec := range s.codes {
		if !rec.Used && rec.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateUser(_ context.Context, user *nucleus.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(user.Email)
	if _, ok := s.byEmail[email]; ok {
		return nucleus.ErrEmailTaken
	}
	s.users[user.ID] = *user
	s.byEmail[email] = user.ID
	return nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*nucleus.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, nucleus.ErrUserNotFound
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*nucleus.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, nucleus.ErrUserNotFound
	}
	u := s.users[id]
	return &u, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
