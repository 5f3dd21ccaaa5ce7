package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/chessence/internal/account"
	"github.com/cory-johannsen/chessence/internal/lobby/identity"
	"github.com/cory-johannsen/chessence/internal/lobby/session"
	"github.com/cory-johannsen/chessence/internal/observability"
	"github.com/cory-johannsen/chessence/internal/testutil"
)

type fixture struct {
	store *testutil.AccountStore
	dir   *identity.Directory
	rec   *testutil.Recorder
	guard *session.Guard
}

func newFixture(t testing.TB) fixture {
	store := testutil.NewAccountStore()
	store.Seed(
		account.Account{Nick: "alice", Friends: []string{"bob"}},
		account.Account{Nick: "bob", Friends: []string{"alice"}},
	)
	dir := identity.New()
	rec := &testutil.Recorder{}
	g := session.NewGuard(store, dir, rec, observability.NewMetrics(), zaptest.NewLogger(t))
	return fixture{store: store, dir: dir, rec: rec, guard: g}
}

func (f fixture) loggedIn(t require.TestingT, nick string) (bool, string) {
	a, ok := f.store.Get(nick)
	require.True(t, ok)
	return a.IsLoggedIn, a.LastConnectionID
}

func TestCheckLoginFreshAccount(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.guard.CheckLogin(context.Background(), "alice"))
}

func TestCheckLoginUnknownAccount(t *testing.T) {
	f := newFixture(t)
	err := f.guard.CheckLogin(context.Background(), "nobody")
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
}

func TestCheckLoginLiveSessionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dir.Attach("c1")
	f.dir.Register("c1", "alice", "")
	require.NoError(t, f.store.SetSession(ctx, "alice", "c1"))

	assert.ErrorIs(t, f.guard.CheckLogin(ctx, "alice"), session.ErrAlreadyLoggedIn)
	in, conn := f.loggedIn(t, "alice")
	assert.True(t, in)
	assert.Equal(t, "c1", conn)
}

func TestCheckLoginLiveBindingRejected(t *testing.T) {
	f := newFixture(t)
	f.dir.Attach("c1")
	f.dir.Register("c1", "alice", "")
	assert.ErrorIs(t, f.guard.CheckLogin(context.Background(), "alice"), session.ErrAlreadyLoggedIn)
}

func TestCheckLoginReclaimsStaleSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetSession(ctx, "alice", "dead"))

	require.NoError(t, f.guard.CheckLogin(ctx, "alice"))
	in, conn := f.loggedIn(t, "alice")
	assert.False(t, in)
	assert.Empty(t, conn)
}

func TestCheckLoginProceedsWhenReclaimFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetSession(ctx, "alice", "dead"))
	f.store.FailNext(1)

	assert.NoError(t, f.guard.CheckLogin(ctx, "alice"))
}

func TestAdmit(t *testing.T) {
	f := newFixture(t)
	f.dir.Attach("c1")
	f.dir.Register("c1", "alice", "")
	f.dir.Attach("c2")

	assert.NoError(t, f.guard.Admit("alice", "c1"))
	assert.ErrorIs(t, f.guard.Admit("alice", "c2"), session.ErrAlreadyLoggedIn)
	assert.NoError(t, f.guard.Admit("bob", "c2"))
}

func TestRegisterRecordsAndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.guard.Register(ctx, "alice", "c1"))
	in, conn := f.loggedIn(t, "alice")
	assert.True(t, in)
	assert.Equal(t, "c1", conn)
	assert.Equal(t, [][]string{{"bob"}}, f.rec.Calls())
}

func TestRegisterWriteFailure(t *testing.T) {
	f := newFixture(t)
	f.store.FailNext(1)
	assert.ErrorIs(t, f.guard.Register(context.Background(), "alice", "c1"), testutil.ErrInjected)
	assert.Empty(t, f.rec.Calls())
}

func TestReleaseConditionalOnConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dir.Attach("new")
	f.dir.Register("new", "alice", "")
	require.NoError(t, f.store.SetSession(ctx, "alice", "new"))

	// late disconnect of the previous connection
	cleared, err := f.guard.Release(ctx, "alice", "old")
	require.NoError(t, err)
	assert.False(t, cleared)
	in, conn := f.loggedIn(t, "alice")
	assert.True(t, in)
	assert.Equal(t, "new", conn)
	assert.Empty(t, f.rec.Calls())

	f.dir.Remove("new")
	cleared, err = f.guard.Release(ctx, "alice", "new")
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.Equal(t, [][]string{{"bob"}}, f.rec.Calls())
}

func TestSweepClearsOnlyDeadSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dir.Register("live", "alice", "")
	require.NoError(t, f.store.SetSession(ctx, "alice", "live"))
	require.NoError(t, f.store.SetSession(ctx, "bob", "dead"))

	n, err := f.guard.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	in, _ := f.loggedIn(t, "alice")
	assert.True(t, in)
	in, _ = f.loggedIn(t, "bob")
	assert.False(t, in)
}

func TestCheckLoginReclaimsSwitchedConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dir.Register("c1", "alice", "")
	require.NoError(t, f.store.SetSession(ctx, "alice", "c1"))
	f.dir.Register("c1", "bob", "")

	require.NoError(t, f.guard.CheckLogin(ctx, "alice"))
	in, conn := f.loggedIn(t, "alice")
	assert.False(t, in)
	assert.Empty(t, conn)
}

func TestSweepReclaimsSwitchedConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dir.Register("c1", "alice", "")
	require.NoError(t, f.store.SetSession(ctx, "alice", "c1"))
	f.dir.Unbind("c1")
	require.True(t, f.dir.IsLive("c1"))

	n, err := f.guard.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	in, _ := f.loggedIn(t, "alice")
	assert.False(t, in)
}

func TestSweeperRunsOnTicker(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := clock.NewMock()
	sw := session.NewSweeper(f.guard, mock, time.Minute, zaptest.NewLogger(t))
	done := make(chan error, 1)
	go func() { done <- sw.Start(ctx) }()

	require.NoError(t, f.store.SetSession(ctx, "bob", "dead"))
	assert.Eventually(t, func() bool {
		mock.Add(time.Minute)
		in, _ := f.loggedIn(t, "bob")
		return !in
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sw.Stop(ctx))
	require.NoError(t, sw.Stop(ctx))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

// Property: a login attempt for an account flagged logged in on a connection
// that is not live always succeeds.
func TestPropertyStaleSessionReclaimed(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)
		ctx := context.Background()
		live := rapid.SliceOfNDistinct(rapid.StringMatching(`c[0-9]{1,3}`), 0, 5, rapid.ID[string]).Draw(rt, "live")
		for _, c := range live {
			f.dir.Attach(c)
		}
		stale := rapid.StringMatching(`d[0-9]{1,3}`).Draw(rt, "stale")
		if err := f.store.SetSession(ctx, "alice", stale); err != nil {
			rt.Fatal(err)
		}
		if err := f.guard.CheckLogin(ctx, "alice"); err != nil {
			rt.Fatalf("stale session %q blocked login: %v", stale, err)
		}
	})
}
