// Package session enforces one live connection per account and reclaims
// login flags left behind by connections that died without logging out.
//
// The live connection set is ground truth. The durable IsLoggedIn and
// LastConnectionID fields are a cache of it and are reconciled on every read
// that gates a decision, and periodically by the Sweeper.
package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chessence/internal/account"
	"github.com/cory-johannsen/chessence/internal/lobby"
	"github.com/cory-johannsen/chessence/internal/observability"
)

// ErrAlreadyLoggedIn is returned when another live connection owns the account.
var ErrAlreadyLoggedIn = fmt.Errorf("already logged in: %w", lobby.ErrConflict)

// Directory is the view of the live connection set the Guard reconciles against.
type Directory interface {
	IsLive(connID string) bool
	LookupConnection(nick string) (string, bool)
	LookupNick(connID string) (string, bool)
}

// Notifier pushes refreshFriends to whichever of the named accounts are online.
type Notifier interface {
	RefreshFriends(nicks ...string)
}

// Guard implements session singleton enforcement.
type Guard struct {
	store    account.Store
	dir      Directory
	notifier Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewGuard creates a Guard.
//
// Precondition: store, dir, notifier and logger must be non-nil. metrics may be nil.
func NewGuard(store account.Store, dir Directory, notifier Notifier, metrics *observability.Metrics, logger *zap.Logger) *Guard {
	return &Guard{
		store:    store,
		dir:      dir,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
	}
}

// CheckLogin decides whether nick may log in.
//
// Postcondition: Returns ErrAlreadyLoggedIn if a live connection owns nick.
// A durable login flag naming a dead connection, or one now bound to another
// account, is cleared and the login proceeds. Returns account.ErrAccountNotFound for unknown accounts.
func (g *Guard) CheckLogin(ctx context.Context, nick string) error {
	if owner, ok := g.dir.LookupConnection(nick); ok && g.dir.IsLive(owner) {
		return ErrAlreadyLoggedIn
	}

	acct, err := g.store.FindAccount(ctx, nick)
	if err != nil {
		return err
	}
	if !acct.IsLoggedIn {
		return nil
	}
	if g.holds(acct.Nick, acct.LastConnectionID) {
		return ErrAlreadyLoggedIn
	}

	g.reclaim(ctx, acct, "login")
	return nil
}

// Admit checks on the live transport that conn may take ownership of nick.
//
// Postcondition: Returns ErrAlreadyLoggedIn if a different live connection is
// bound to nick, nil otherwise.
func (g *Guard) Admit(nick, conn string) error {
	owner, ok := g.dir.LookupConnection(nick)
	if ok && owner != conn && g.dir.IsLive(owner) {
		return ErrAlreadyLoggedIn
	}
	return nil
}

// Register records nick as logged in on conn and tells its online friends.
// Failures are returned to the caller, which owns logging them.
//
// Precondition: Admit(nick, conn) returned nil and the directory binding is in place.
func (g *Guard) Register(ctx context.Context, nick, conn string) error {
	if err := g.store.SetSession(ctx, nick, conn); err != nil {
		return fmt.Errorf("recording session for %q: %w", nick, err)
	}
	g.notifyFriends(ctx, nick)
	return nil
}

// Release logs nick out if conn is still the recorded connection. A late
// release from an older connection leaves a newer login untouched. Friends are
// notified whenever nick is no longer bound to a live connection.
func (g *Guard) Release(ctx context.Context, nick, conn string) (bool, error) {
	cleared, err := g.store.ClearSession(ctx, nick, conn)
	if owner, ok := g.dir.LookupConnection(nick); !ok || !g.dir.IsLive(owner) {
		g.notifyFriends(ctx, nick)
	}
	if err != nil {
		return false, fmt.Errorf("clearing session for %q: %w", nick, err)
	}
	return cleared, nil
}

// holds reports whether conn is live and still bound to nick. A flag naming a
// live connection that has since switched to another account is stale.
func (g *Guard) holds(nick, conn string) bool {
	if conn == "" || !g.dir.IsLive(conn) {
		return false
	}
	bound, ok := g.dir.LookupNick(conn)
	return ok && bound == nick
}

// Sweep clears every durable login flag whose recorded connection is not live
// or no longer bound to the account.
//
// Postcondition: Returns the number of sessions reclaimed.
func (g *Guard) Sweep(ctx context.Context) (int, error) {
	accts, err := g.store.ListLoggedIn(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing logged-in accounts: %w", err)
	}

	reclaimed := 0
	var errs []error
	for _, acct := range accts {
		if g.holds(acct.Nick, acct.LastConnectionID) {
			continue
		}
		if g.reclaim(ctx, acct, "sweep") {
			reclaimed++
		} else if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}
	return reclaimed, errors.Join(errs...)
}

// reclaim clears a stale flag, conditional on the recorded connection so a
// login that raced in is preserved.
func (g *Guard) reclaim(ctx context.Context, acct account.Account, path string) bool {
	cleared, err := g.store.ClearSession(ctx, acct.Nick, acct.LastConnectionID)
	if err != nil {
		g.metrics.WriteFailed("clear_session")
		g.logger.Error("reclaiming stale session",
			zap.String("nick", acct.Nick),
			zap.String("path", path),
			zap.Error(err),
		)
		return false
	}
	if cleared {
		g.metrics.StaleReclaimed(path)
		g.logger.Info("reclaimed stale session",
			zap.String("nick", acct.Nick),
			zap.String("stale_conn", acct.LastConnectionID),
			zap.String("path", path),
		)
	}
	return cleared
}

func (g *Guard) notifyFriends(ctx context.Context, nick string) {
	acct, err := g.store.FindAccount(ctx, nick)
	if err != nil {
		g.logger.Warn("loading friends for presence update",
			zap.String("nick", nick),
			zap.Error(err),
		)
		return
	}
	if len(acct.Friends) > 0 {
		g.notifier.RefreshFriends(acct.Friends...)
	}
}
