// Package friend implements the friend relationship state machine.
//
// Each unordered pair of accounts is in exactly one of three states: none,
// pending (a directed, unconfirmed request) or friends. The state is derived
// from the union of both accounts' mirrored fields, so a pair left half-written
// by a failed second update still reads consistently and is repaired by the
// next decision that touches it.
package friend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chessence/internal/account"
	"github.com/cory-johannsen/chessence/internal/lobby"
)

var (
	// ErrSelfRequest is returned when an account requests itself.
	ErrSelfRequest = fmt.Errorf("cannot befriend yourself: %w", lobby.ErrConflict)
	// ErrAlreadyPending is returned when the sender already has a request outstanding.
	ErrAlreadyPending = fmt.Errorf("friend request already pending: %w", lobby.ErrConflict)
	// ErrAlreadyFriends is returned when the pair is already friends.
	ErrAlreadyFriends = fmt.Errorf("already friends: %w", lobby.ErrConflict)
)

// Notifier pushes refreshFriends to whichever of the named accounts are online.
type Notifier interface {
	RefreshFriends(nicks ...string)
}

// Presence reports whether an account is bound to a live connection.
type Presence interface {
	Online(nick string) bool
}

// State is the relationship between an ordered pair (a, b).
type State int

// Pair states.
const (
	None State = iota
	// PendingOut means a has an outstanding request to b.
	PendingOut
	// PendingIn means b has an outstanding request to a.
	PendingIn
	Friends
)

func (s State) String() string {
	switch s {
	case PendingOut:
		return "pending_out"
	case PendingIn:
		return "pending_in"
	case Friends:
		return "friends"
	default:
		return "none"
	}
}

// Derive computes the pair state of (a, b) from both records. Friendship on
// either side wins over any pending marker.
func Derive(a, b account.Account) State {
	switch {
	case a.HasFriend(b.Nick) || b.HasFriend(a.Nick):
		return Friends
	case a.HasPendingInvite(b.Nick) || b.HasPendingFriend(a.Nick):
		return PendingOut
	case a.HasPendingFriend(b.Nick) || b.HasPendingInvite(a.Nick):
		return PendingIn
	default:
		return None
	}
}

// Outcome is the result of a successful Request.
type Outcome string

// Request outcomes.
const (
	// OutcomePending means a new directed request was recorded.
	OutcomePending Outcome = "pending"
	// OutcomeFriends means the request crossed an existing reverse request and
	// the pair collapsed directly into friends.
	OutcomeFriends Outcome = "friends"
)

// FriendStatus is one entry of a friend view.
type FriendStatus struct {
	Nick   string `json:"nick"`
	Online bool   `json:"online"`
}

// View is an account's friend list as shown to its owner.
type View struct {
	Nick           string         `json:"nick"`
	Friends        []FriendStatus `json:"friends"`
	PendingFriends []string       `json:"pendingFriends"`
	PendingInvites []string       `json:"pendingInvites"`
}

// Machine serialises friend transitions and writes both sides of every pair.
type Machine struct {
	mu       sync.Mutex
	store    account.Store
	notifier Notifier
	presence Presence
	logger   *zap.Logger
}

// NewMachine creates a Machine.
//
// Precondition: store, notifier, presence and logger must be non-nil.
func NewMachine(store account.Store, notifier Notifier, presence Presence, logger *zap.Logger) *Machine {
	return &Machine{
		store:    store,
		notifier: notifier,
		presence: presence,
		logger:   logger,
	}
}

// Request records a friend request from sender to receiver.
//
// Postcondition: Returns OutcomePending when a new edge was added, or
// OutcomeFriends when receiver already had a request outstanding to sender.
// Returns ErrSelfRequest, account.ErrAccountNotFound, ErrAlreadyPending or
// ErrAlreadyFriends otherwise.
func (m *Machine) Request(ctx context.Context, sender, receiver string) (Outcome, error) {
	if sender == receiver {
		return "", ErrSelfRequest
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, r, err := m.loadPair(ctx, sender, receiver)
	if err != nil {
		return "", err
	}

	switch Derive(s, r) {
	case Friends:
		changed, err := m.writeFriends(ctx, s, r)
		m.notifyIf(changed, sender, receiver)
		if err != nil {
			return "", err
		}
		return "", ErrAlreadyFriends
	case PendingIn:
		changed, err := m.writeFriends(ctx, s, r)
		m.notifyIf(changed, sender, receiver)
		if err != nil {
			return "", err
		}
		m.logger.Info("mutual friend requests collapsed",
			zap.String("sender", sender),
			zap.String("receiver", receiver),
		)
		return OutcomeFriends, nil
	case PendingOut:
		changed, err := m.writePending(ctx, s, r)
		m.notifyIf(changed, sender, receiver)
		if err != nil {
			return "", err
		}
		return "", ErrAlreadyPending
	}

	changed, err := m.writePending(ctx, s, r)
	m.notifyIf(changed, sender, receiver)
	if err != nil {
		return "", err
	}
	return OutcomePending, nil
}

// Accept confirms a pending request from sender to receiver.
//
// Postcondition: If pending(sender→receiver) held, the pair is friends on both
// sides. If the edge no longer exists, Accept changes nothing and returns nil.
func (m *Machine) Accept(ctx context.Context, sender, receiver string) error {
	if sender == receiver {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, r, err := m.loadPair(ctx, sender, receiver)
	if err != nil {
		return err
	}

	switch Derive(s, r) {
	case PendingOut, Friends:
		changed, err := m.writeFriends(ctx, s, r)
		m.notifyIf(changed, sender, receiver)
		return err
	default:
		m.logger.Debug("accept without pending request",
			zap.String("sender", sender),
			zap.String("receiver", receiver),
		)
		return nil
	}
}

// Decline clears a pending request from sender to receiver. It is idempotent
// and tolerates unknown accounts.
func (m *Machine) Decline(ctx context.Context, sender, receiver string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, r, err := m.loadPairLenient(ctx, sender, receiver)
	if err != nil {
		return err
	}
	changed, err := m.write(ctx,
		side{s, account.Patch{RemovePendingInvites: []string{receiver}}},
		side{r, account.Patch{RemovePendingFriends: []string{sender}}},
	)
	m.notifyIf(changed, sender, receiver)
	return err
}

// Remove clears every edge between a and b: friendship and pending requests in
// either direction. It is idempotent and tolerates unknown accounts.
func (m *Machine) Remove(ctx context.Context, a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	x, y, err := m.loadPairLenient(ctx, a, b)
	if err != nil {
		return err
	}
	changed, err := m.write(ctx,
		side{x, clearAll(b)},
		side{y, clearAll(a)},
	)
	m.notifyIf(changed, a, b)
	return err
}

// Purge removes nick from the friend fields of every account it is related
// to. It is used before an account is deleted.
func (m *Machine) Purge(ctx context.Context, nick string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, err := m.store.FindAccount(ctx, nick)
	if err != nil {
		return err
	}

	related := make(map[string]struct{})
	for _, set := range [][]string{acct.Friends, acct.PendingFriends, acct.PendingInvites} {
		for _, n := range set {
			related[n] = struct{}{}
		}
	}

	var errs []error
	var touched []string
	for other := range related {
		o, err := m.store.FindAccount(ctx, other)
		if errors.Is(err, account.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		changed, err := m.write(ctx, side{o, clearAll(nick)})
		if changed {
			touched = append(touched, other)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(touched) > 0 {
		m.notifier.RefreshFriends(touched...)
	}
	return errors.Join(errs...)
}

// View returns nick's friend list annotated with online presence.
func (m *Machine) View(ctx context.Context, nick string) (View, error) {
	acct, err := m.store.FindAccount(ctx, nick)
	if err != nil {
		return View{}, err
	}
	v := View{
		Nick:           acct.Nick,
		Friends:        make([]FriendStatus, 0, len(acct.Friends)),
		PendingFriends: append([]string{}, acct.PendingFriends...),
		PendingInvites: append([]string{}, acct.PendingInvites...),
	}
	for _, f := range acct.Friends {
		v.Friends = append(v.Friends, FriendStatus{Nick: f, Online: m.presence.Online(f)})
	}
	return v, nil
}

// Friends returns nick's confirmed friends, or nil if the account is unknown.
func (m *Machine) Friends(ctx context.Context, nick string) []string {
	acct, err := m.store.FindAccount(ctx, nick)
	if err != nil {
		if !errors.Is(err, account.ErrAccountNotFound) {
			m.logger.Warn("loading friends", zap.String("nick", nick), zap.Error(err))
		}
		return nil
	}
	return acct.Friends
}

func (m *Machine) loadPair(ctx context.Context, a, b string) (account.Account, account.Account, error) {
	x, err := m.store.FindAccount(ctx, a)
	if err != nil {
		return account.Account{}, account.Account{}, fmt.Errorf("loading %q: %w", a, err)
	}
	y, err := m.store.FindAccount(ctx, b)
	if err != nil {
		return account.Account{}, account.Account{}, fmt.Errorf("loading %q: %w", b, err)
	}
	return x, y, nil
}

// loadPairLenient loads both accounts, substituting an empty record for one
// that does not exist.
func (m *Machine) loadPairLenient(ctx context.Context, a, b string) (account.Account, account.Account, error) {
	load := func(nick string) (account.Account, error) {
		acct, err := m.store.FindAccount(ctx, nick)
		if errors.Is(err, account.ErrAccountNotFound) {
			return account.Account{Nick: nick}, nil
		}
		if err != nil {
			return account.Account{}, fmt.Errorf("loading %q: %w", nick, err)
		}
		return acct, nil
	}
	x, err := load(a)
	if err != nil {
		return account.Account{}, account.Account{}, err
	}
	y, err := load(b)
	if err != nil {
		return account.Account{}, account.Account{}, err
	}
	return x, y, nil
}

// writeFriends makes (s, r) friends on both sides with no pending markers.
func (m *Machine) writeFriends(ctx context.Context, s, r account.Account) (bool, error) {
	return m.write(ctx,
		side{s, account.Patch{
			AddFriends:           []string{r.Nick},
			RemovePendingFriends: []string{r.Nick},
			RemovePendingInvites: []string{r.Nick},
		}},
		side{r, account.Patch{
			AddFriends:           []string{s.Nick},
			RemovePendingFriends: []string{s.Nick},
			RemovePendingInvites: []string{s.Nick},
		}},
	)
}

// writePending records the directed edge s→r on both sides.
func (m *Machine) writePending(ctx context.Context, s, r account.Account) (bool, error) {
	return m.write(ctx,
		side{s, account.Patch{AddPendingInvites: []string{r.Nick}}},
		side{r, account.Patch{AddPendingFriends: []string{s.Nick}}},
	)
}

func clearAll(nick string) account.Patch {
	return account.Patch{
		RemoveFriends:        []string{nick},
		RemovePendingFriends: []string{nick},
		RemovePendingInvites: []string{nick},
	}
}

type side struct {
	acct  account.Account
	patch account.Patch
}

// write applies each side's patch in order, skipping sides the patch would
// not change and sides whose record has disappeared. It reports whether any write
// landed. The writes are independent: a failure after the first leaves the
// pair half-applied, which Derive tolerates.
func (m *Machine) write(ctx context.Context, sides ...side) (bool, error) {
	changed := false
	for _, sd := range sides {
		if !changes(sd.acct, sd.patch) {
			continue
		}
		if _, err := m.store.UpsertAccount(ctx, sd.acct.Nick, sd.patch); err != nil {
			if errors.Is(err, account.ErrAccountNotFound) {
				continue
			}
			m.logger.Error("friend state write failed",
				zap.String("nick", sd.acct.Nick),
				zap.Error(err),
			)
			return changed, fmt.Errorf("updating %q: %w", sd.acct.Nick, err)
		}
		changed = true
	}
	return changed, nil
}

func changes(a account.Account, p account.Patch) bool {
	after := a
	p.Apply(&after)
	return !sameSet(a.Friends, after.Friends) ||
		!sameSet(a.PendingFriends, after.PendingFriends) ||
		!sameSet(a.PendingInvites, after.PendingInvites)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, n := range a {
		seen[n] = struct{}{}
	}
	for _, n := range b {
		if _, ok := seen[n]; !ok {
			return false
		}
	}
	return true
}

func (m *Machine) notifyIf(changed bool, nicks ...string) {
	if changed {
		m.notifier.RefreshFriends(nicks...)
	}
}
