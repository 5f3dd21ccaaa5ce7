// Package account defines the durable account record and the storage
// boundary the lobby coordinator consumes.
package account

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cory-johannsen/chessence/internal/lobby"
)

// ErrAccountNotFound is returned when an account lookup yields no results.
var ErrAccountNotFound = fmt.Errorf("account %w", lobby.ErrNotFound)

// ErrAccountExists is returned when attempting to create a duplicate nick.
var ErrAccountExists = fmt.Errorf("account already exists: %w", lobby.ErrConflict)

// ErrInvalidCredentials is returned when authentication fails.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Account is the durable record for one player.
//
// Invariant: Nick never appears in Friends. A nick never appears in both
// Friends and one of the pending sets.
type Account struct {
	Nick         string
	PublicID     string
	PasswordHash string
	// Friends holds confirmed friendships. Symmetric across both records.
	Friends []string
	// PendingFriends holds incoming requests awaiting this account's decision.
	PendingFriends []string
	// PendingInvites holds outgoing requests this account has sent.
	PendingInvites []string
	IsLoggedIn     bool
	// LastConnectionID is the connection recorded at login, "" when logged out.
	LastConnectionID string
	CreatedAt        time.Time
}

// HasFriend reports whether nick is a confirmed friend.
func (a Account) HasFriend(nick string) bool { return slices.Contains(a.Friends, nick) }

// HasPendingFriend reports whether nick has an incoming request to this account.
func (a Account) HasPendingFriend(nick string) bool { return slices.Contains(a.PendingFriends, nick) }

// HasPendingInvite reports whether this account has an outgoing request to nick.
func (a Account) HasPendingInvite(nick string) bool { return slices.Contains(a.PendingInvites, nick) }

// Profile is the client-facing view of an account. It never carries the
// password hash.
type Profile struct {
	Nick           string    `json:"nick"`
	PublicID       string    `json:"id"`
	Friends        []string  `json:"friends"`
	PendingFriends []string  `json:"pendingFriends"`
	PendingInvites []string  `json:"pendingInvites"`
	IsLoggedIn     bool      `json:"isLoggedIn"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Profile returns the safe view of a.
//
// Postcondition: All set fields are non-nil so they encode as JSON arrays.
func (a Account) Profile() Profile {
	return Profile{
		Nick:           a.Nick,
		PublicID:       a.PublicID,
		Friends:        nonNil(a.Friends),
		PendingFriends: nonNil(a.PendingFriends),
		PendingInvites: nonNil(a.PendingInvites),
		IsLoggedIn:     a.IsLoggedIn,
		CreatedAt:      a.CreatedAt,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}

// Patch is a set-semantics update to an account's friend fields. Removals are
// applied before additions so a single patch can move a nick between sets.
type Patch struct {
	AddFriends           []string
	RemoveFriends        []string
	AddPendingFriends    []string
	RemovePendingFriends []string
	AddPendingInvites    []string
	RemovePendingInvites []string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return len(p.AddFriends)+len(p.RemoveFriends)+
		len(p.AddPendingFriends)+len(p.RemovePendingFriends)+
		len(p.AddPendingInvites)+len(p.RemovePendingInvites) == 0
}

// Apply mutates a according to p.
//
// Postcondition: Every set field contains no duplicates and never contains
// a.Nick.
func (p Patch) Apply(a *Account) {
	a.Friends = applySet(a.Friends, p.RemoveFriends, p.AddFriends, a.Nick)
	a.PendingFriends = applySet(a.PendingFriends, p.RemovePendingFriends, p.AddPendingFriends, a.Nick)
	a.PendingInvites = applySet(a.PendingInvites, p.RemovePendingInvites, p.AddPendingInvites, a.Nick)
}

func applySet(cur, remove, add []string, self string) []string {
	out := make([]string, 0, len(cur)+len(add))
	for _, n := range cur {
		if n == self || slices.Contains(remove, n) || slices.Contains(out, n) {
			continue
		}
		out = append(out, n)
	}
	for _, n := range add {
		if n == self || slices.Contains(out, n) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Store is the durable account boundary.
type Store interface {
	// FindAccount returns the record for nick or ErrAccountNotFound.
	FindAccount(ctx context.Context, nick string) (Account, error)
	// UpsertAccount applies patch to the existing record for nick and returns
	// the updated record, or ErrAccountNotFound. Records are only ever created
	// through Credentials.Create.
	UpsertAccount(ctx context.Context, nick string, patch Patch) (Account, error)
	// DeleteAccount removes the record for nick. Deleting a missing record
	// returns ErrAccountNotFound.
	DeleteAccount(ctx context.Context, nick string) error
	// SetSession records nick as logged in on connID.
	SetSession(ctx context.Context, nick, connID string) error
	// ClearSession marks nick logged out if its recorded connection equals
	// expectedConn, or unconditionally when expectedConn is "". It reports
	// whether a record changed.
	ClearSession(ctx context.Context, nick, expectedConn string) (bool, error)
	// ListLoggedIn returns every account flagged as logged in.
	ListLoggedIn(ctx context.Context) ([]Account, error)
	// ListAccounts returns every account ordered by nick.
	ListAccounts(ctx context.Context) ([]Account, error)
}

// Credentials is the credential verification boundary.
type Credentials interface {
	// Create inserts a new account with a hashed password, or returns
	// ErrAccountExists.
	Create(ctx context.Context, nick, password string) (Account, error)
	// Authenticate returns the account when the password matches, otherwise
	// ErrAccountNotFound or ErrInvalidCredentials.
	Authenticate(ctx context.Context, nick, password string) (Account, error)
}

// Repository combines both boundaries, as implemented by the storage drivers.
type Repository interface {
	Store
	Credentials
}

// NewPublicID returns a fresh public account identifier.
func NewPublicID() string {
	return "u_" + uuid.NewString()
}

// HashPassword creates a bcrypt hash of the given password.
//
// Precondition: password must be non-empty.
// Postcondition: Returns a bcrypt hash string.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
//
// Postcondition: Returns true if password matches the hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
