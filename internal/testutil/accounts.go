// Package testutil provides in-memory test doubles and container helpers.
package testutil

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cory-johannsen/chessence/internal/account"
)

// ErrInjected is returned by AccountStore operations armed with FailNext.
var ErrInjected = errors.New("injected storage failure")

// AccountStore is an in-memory account.Repository for tests.
//
// Passwords are stored as bcrypt hashes like the real drivers so
// Authenticate exercises the same comparison.
type AccountStore struct {
	mu       sync.Mutex
	accounts map[string]account.Account
	// failUpsert maps a nick to the number of upcoming UpsertAccount calls
	// for it that should fail.
	failUpsert map[string]int
	failAll    int
	upserts    int
}

// NewAccountStore returns an empty AccountStore.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		accounts:   make(map[string]account.Account),
		failUpsert: make(map[string]int),
	}
}

// Seed inserts accounts directly, bypassing password hashing.
func (s *AccountStore) Seed(accts ...account.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range accts {
		if a.PublicID == "" {
			a.PublicID = account.NewPublicID()
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now()
		}
		s.accounts[a.Nick] = clone(a)
	}
}

// SeedNicks inserts empty accounts with the given nicks.
func (s *AccountStore) SeedNicks(nicks ...string) {
	for _, n := range nicks {
		s.Seed(account.Account{Nick: n})
	}
}

// FailUpsertFor arms the next n UpsertAccount calls for nick to fail.
func (s *AccountStore) FailUpsertFor(nick string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpsert[nick] = n
}

// FailNext arms the next n mutating calls of any kind to fail.
func (s *AccountStore) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = n
}

// Upserts returns the number of successful UpsertAccount calls.
func (s *AccountStore) Upserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

// Get returns the stored record for nick, for assertions.
func (s *AccountStore) Get(nick string) (account.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[nick]
	return clone(a), ok
}

func (s *AccountStore) injected() bool {
	if s.failAll > 0 {
		s.failAll--
		return true
	}
	return false
}

// FindAccount implements account.Store.
func (s *AccountStore) FindAccount(_ context.Context, nick string) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[nick]
	if !ok {
		return account.Account{}, account.ErrAccountNotFound
	}
	return clone(a), nil
}

// UpsertAccount implements account.Store.
func (s *AccountStore) UpsertAccount(_ context.Context, nick string, patch account.Patch) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.failUpsert[nick]; n > 0 {
		s.failUpsert[nick] = n - 1
		return account.Account{}, ErrInjected
	}
	if s.injected() {
		return account.Account{}, ErrInjected
	}
	a, ok := s.accounts[nick]
	if !ok {
		return account.Account{}, account.ErrAccountNotFound
	}
	patch.Apply(&a)
	s.accounts[nick] = a
	s.upserts++
	return clone(a), nil
}

// DeleteAccount implements account.Store.
func (s *AccountStore) DeleteAccount(_ context.Context, nick string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injected() {
		return ErrInjected
	}
	if _, ok := s.accounts[nick]; !ok {
		return account.ErrAccountNotFound
	}
	delete(s.accounts, nick)
	return nil
}

// SetSession implements account.Store.
func (s *AccountStore) SetSession(_ context.Context, nick, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injected() {
		return ErrInjected
	}
	a, ok := s.accounts[nick]
	if !ok {
		return account.ErrAccountNotFound
	}
	a.IsLoggedIn = true
	a.LastConnectionID = connID
	s.accounts[nick] = a
	return nil
}

// ClearSession implements account.Store.
func (s *AccountStore) ClearSession(_ context.Context, nick, expectedConn string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injected() {
		return false, ErrInjected
	}
	a, ok := s.accounts[nick]
	if !ok || !a.IsLoggedIn {
		return false, nil
	}
	if expectedConn != "" && a.LastConnectionID != expectedConn {
		return false, nil
	}
	a.IsLoggedIn = false
	a.LastConnectionID = ""
	s.accounts[nick] = a
	return true, nil
}

// ListLoggedIn implements account.Store.
func (s *AccountStore) ListLoggedIn(_ context.Context) ([]account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []account.Account
	for _, a := range s.accounts {
		if a.IsLoggedIn {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nick < out[j].Nick })
	return out, nil
}

// ListAccounts implements account.Store.
func (s *AccountStore) ListAccounts(_ context.Context) ([]account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injected() {
		return nil, ErrInjected
	}
	out := make([]account.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, clone(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nick < out[j].Nick })
	return out, nil
}

// Create implements account.Credentials.
func (s *AccountStore) Create(_ context.Context, nick, password string) (account.Account, error) {
	hash, err := account.HashPassword(password)
	if err != nil {
		return account.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[nick]; ok {
		return account.Account{}, account.ErrAccountExists
	}
	a := account.Account{
		Nick:         nick,
		PublicID:     account.NewPublicID(),
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	s.accounts[nick] = a
	return clone(a), nil
}

// Authenticate implements account.Credentials.
func (s *AccountStore) Authenticate(_ context.Context, nick, password string) (account.Account, error) {
	s.mu.Lock()
	a, ok := s.accounts[nick]
	s.mu.Unlock()
	if !ok {
		return account.Account{}, account.ErrAccountNotFound
	}
	if !account.CheckPassword(password, a.PasswordHash) {
		return account.Account{}, account.ErrInvalidCredentials
	}
	return clone(a), nil
}

func clone(a account.Account) account.Account {
	a.Friends = slices.Clone(a.Friends)
	a.PendingFriends = slices.Clone(a.PendingFriends)
	a.PendingInvites = slices.Clone(a.PendingInvites)
	return a
}

// Recorder collects refreshFriends notifications for assertions.
type Recorder struct {
	mu    sync.Mutex
	calls [][]string
}

// RefreshFriends records nicks.
func (r *Recorder) RefreshFriends(nicks ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, slices.Clone(nicks))
}

// Calls returns every recorded notification.
func (r *Recorder) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// Reset forgets recorded notifications.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// Presence is a static online set.
type Presence map[string]bool

// Online reports whether nick is in the set.
func (p Presence) Online(nick string) bool { return p[nick] }
