package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/chessence/internal/account"
	"github.com/cory-johannsen/chessence/internal/storage/postgres"
	"github.com/cory-johannsen/chessence/internal/testutil"
)

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

func setupRepo(t *testing.T) *postgres.AccountRepository {
	t.Helper()
	return postgres.NewAccountRepository(testutil.NewPool(t))
}

func TestAccountRepository_CreateAndAuthenticate(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	nick := uniqueName("alice")

	created, err := r.Create(ctx, nick, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, nick, created.Nick)
	assert.Contains(t, created.PublicID, "u_")
	assert.NotEqual(t, "hunter2", created.PasswordHash)
	assert.Empty(t, created.Friends)
	assert.False(t, created.IsLoggedIn)

	_, err = r.Create(ctx, nick, "other")
	assert.ErrorIs(t, err, account.ErrAccountExists)

	got, err := r.Authenticate(ctx, nick, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, created.PublicID, got.PublicID)

	_, err = r.Authenticate(ctx, nick, "wrong")
	assert.ErrorIs(t, err, account.ErrInvalidCredentials)

	_, err = r.Authenticate(ctx, uniqueName("ghost"), "x")
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
}

func TestAccountRepository_UpsertAccount(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	nick := uniqueName("bob")
	_, err := r.Create(ctx, nick, "pw")
	require.NoError(t, err)

	got, err := r.UpsertAccount(ctx, nick, account.Patch{
		AddFriends:        []string{"carol"},
		AddPendingFriends: []string{"dave"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, got.Friends)
	assert.Equal(t, []string{"dave"}, got.PendingFriends)

	got, err = r.UpsertAccount(ctx, nick, account.Patch{
		RemovePendingFriends: []string{"dave"},
		AddFriends:           []string{"dave", "carol"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"carol", "dave"}, got.Friends)
	assert.Empty(t, got.PendingFriends)

	found, err := r.FindAccount(ctx, nick)
	require.NoError(t, err)
	assert.Equal(t, got.Friends, found.Friends)

	_, err = r.UpsertAccount(ctx, uniqueName("ghost"), account.Patch{AddFriends: []string{"x"}})
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
}

func TestAccountRepository_ConcurrentUpsertsKeepEveryEdit(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	nick := uniqueName("hub")
	_, err := r.Create(ctx, nick, "pw")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.UpsertAccount(ctx, nick, account.Patch{AddFriends: []string{fmt.Sprintf("f%d", i)}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := r.FindAccount(ctx, nick)
	require.NoError(t, err)
	assert.Len(t, got.Friends, 8)
}

func TestAccountRepository_ListAccounts(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	a, b := uniqueName("fay"), uniqueName("gus")
	for _, n := range []string{a, b} {
		_, err := r.Create(ctx, n, "pw")
		require.NoError(t, err)
	}

	listed, err := r.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Subset(t, nicks(listed), []string{a, b})
}

func TestAccountRepository_Sessions(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	nick := uniqueName("erin")
	_, err := r.Create(ctx, nick, "pw")
	require.NoError(t, err)

	require.NoError(t, r.SetSession(ctx, nick, "conn-1"))
	acct, err := r.FindAccount(ctx, nick)
	require.NoError(t, err)
	assert.True(t, acct.IsLoggedIn)
	assert.Equal(t, "conn-1", acct.LastConnectionID)

	listed, err := r.ListLoggedIn(ctx)
	require.NoError(t, err)
	assert.Contains(t, nicks(listed), nick)

	cleared, err := r.ClearSession(ctx, nick, "conn-old")
	require.NoError(t, err)
	assert.False(t, cleared, "a stale connection must not clear a newer login")

	cleared, err = r.ClearSession(ctx, nick, "conn-1")
	require.NoError(t, err)
	assert.True(t, cleared)

	require.NoError(t, r.SetSession(ctx, nick, "conn-2"))
	cleared, err = r.ClearSession(ctx, nick, "")
	require.NoError(t, err)
	assert.True(t, cleared)

	assert.ErrorIs(t, r.SetSession(ctx, uniqueName("ghost"), "c"), account.ErrAccountNotFound)
}

func TestAccountRepository_Delete(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	nick := uniqueName("frank")
	_, err := r.Create(ctx, nick, "pw")
	require.NoError(t, err)

	require.NoError(t, r.DeleteAccount(ctx, nick))
	_, err = r.FindAccount(ctx, nick)
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
	assert.ErrorIs(t, r.DeleteAccount(ctx, nick), account.ErrAccountNotFound)
}

// Property: a patch applied through the repository matches Patch.Apply in memory.
func TestPropertyUpsertMatchesApply(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	names := rapid.SampledFrom([]string{"a", "b", "c", "d"})

	rapid.Check(t, func(rt *rapid.T) {
		nick := uniqueName("prop")
		_, err := r.Create(ctx, nick, "pw")
		require.NoError(rt, err)

		want := account.Account{Nick: nick}
		for range rapid.IntRange(1, 5).Draw(rt, "steps") {
			p := account.Patch{
				AddFriends:    rapid.SliceOfN(names, 0, 2).Draw(rt, "add"),
				RemoveFriends: rapid.SliceOfN(names, 0, 2).Draw(rt, "remove"),
			}
			p.Apply(&want)
			got, err := r.UpsertAccount(ctx, nick, p)
			require.NoError(rt, err)
			assert.ElementsMatch(rt, want.Friends, got.Friends)
		}
	})
}

func nicks(accts []account.Account) []string {
	out := make([]string, 0, len(accts))
	for _, a := range accts {
		out = append(out, a.Nick)
	}
	return out
}
