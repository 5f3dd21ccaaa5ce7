package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/chessence/internal/account"
	"github.com/cory-johannsen/chessence/internal/httpapi"
	"github.com/cory-johannsen/chessence/internal/hub"
	"github.com/cory-johannsen/chessence/internal/lobby/friend"
	"github.com/cory-johannsen/chessence/internal/observability"
	"github.com/cory-johannsen/chessence/internal/testutil"
)

type apiFixture struct {
	store   *testutil.AccountStore
	hub     *hub.Hub
	handler http.Handler
}

func newAPIFixture(t *testing.T, ready httpapi.ReadyFunc) apiFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := testutil.NewAccountStore()
	metrics := observability.NewMetrics()
	writes := hub.NewWriteQueue(8, time.Second, metrics, logger)
	h := hub.New(store, writes, hub.Options{MaxCodeAttempts: 4}, metrics, logger)
	api := httpapi.NewAPI(store, h.Friends(), h.Guard(), metrics, ready, logger)
	return apiFixture{
		store:   store,
		hub:     h,
		handler: api.Handler(nil, []string{"http://app.example"}),
	}
}

func (f apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

type creds struct {
	Nick     string `json:"nick"`
	Password string `json:"password"`
}

type userBody struct {
	User account.Profile `json:"user"`
}

type errBody struct {
	Error string `json:"error"`
}

func TestRegisterAndLogin(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/register", creds{"alice", "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reg userBody
	decodeBody(t, rec, &reg)
	assert.Equal(t, "alice", reg.User.Nick)
	assert.Contains(t, reg.User.PublicID, "u_")
	assert.NotContains(t, rec.Body.String(), "hunter2")

	rec = f.do(t, http.MethodPost, "/api/register", creds{"alice", "other"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/login", creds{"alice", "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)
	var login userBody
	decodeBody(t, rec, &login)
	assert.Equal(t, reg.User.PublicID, login.User.PublicID)

	rec = f.do(t, http.MethodPost, "/api/login", creds{"alice", "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/login", creds{"nobody", "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterRejectsMissingFields(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/register", creds{Nick: "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/register", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLoginRejectsLiveSession(t *testing.T) {
	f := newAPIFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/register", creds{"alice", "pw"}).Code)

	dir := f.hub.Directory()
	dir.Register("conn-1", "alice", "")
	require.NoError(t, f.store.SetSession(context.Background(), "alice", "conn-1"))

	rec := f.do(t, http.MethodPost, "/api/login", creds{"alice", "pw"})
	require.Equal(t, http.StatusConflict, rec.Code)
	var body errBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "already_logged_in", body.Error)
}

func TestLoginReclaimsStaleSession(t *testing.T) {
	f := newAPIFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/register", creds{"alice", "pw"}).Code)
	require.NoError(t, f.store.SetSession(context.Background(), "alice", "gone"))

	rec := f.do(t, http.MethodPost, "/api/login", creds{"alice", "pw"})
	require.Equal(t, http.StatusOK, rec.Code)
	a, _ := f.store.Get("alice")
	assert.False(t, a.IsLoggedIn)
}

func TestProfile(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.store.Seed(account.Account{Nick: "alice", PublicID: "u_1", PasswordHash: "secret-hash", Friends: []string{"bob"}})

	rec := f.do(t, http.MethodGet, "/api/profile/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body userBody
	decodeBody(t, rec, &body)
	assert.Equal(t, []string{"bob"}, body.User.Friends)
	assert.NotContains(t, rec.Body.String(), "secret-hash")

	rec = f.do(t, http.MethodGet, "/api/profile/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListUsers(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"users":{}}`, rec.Body.String())

	f.store.Seed(
		account.Account{Nick: "alice", PublicID: "u_1", PasswordHash: "hash-a", Friends: []string{"bob"}},
		account.Account{Nick: "bob", PublicID: "u_2", PasswordHash: "hash-b"},
	)
	rec = f.do(t, http.MethodGet, "/api/users", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Users map[string]account.Profile `json:"users"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Users, 2)
	assert.Equal(t, "u_1", body.Users["alice"].PublicID)
	assert.Equal(t, []string{"bob"}, body.Users["alice"].Friends)
	assert.Equal(t, []string{}, body.Users["bob"].Friends)
	assert.NotContains(t, rec.Body.String(), "hash-a")
	assert.NotContains(t, rec.Body.String(), "hash-b")
}

func TestFriendFlow(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.store.SeedNicks("alice", "bob")

	rec := f.do(t, http.MethodPost, "/api/friends/request", map[string]string{"sender": "alice", "receiver": "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Outcome friend.Outcome `json:"outcome"`
	}
	decodeBody(t, rec, &out)
	assert.Equal(t, friend.OutcomePending, out.Outcome)

	rec = f.do(t, http.MethodPost, "/api/friends/request", map[string]string{"sender": "alice", "receiver": "bob"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/friends/accept", map[string]string{"sender": "alice", "receiver": "bob"})
	require.Equal(t, http.StatusOK, rec.Code)

	f.hub.Directory().Register("conn-bob", "bob", "")
	rec = f.do(t, http.MethodGet, "/api/friends/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view friend.View
	decodeBody(t, rec, &view)
	assert.Equal(t, []friend.FriendStatus{{Nick: "bob", Online: true}}, view.Friends)

	rec = f.do(t, http.MethodPost, "/api/friends/remove", map[string]string{"user": "bob", "friend": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	a, _ := f.store.Get("alice")
	assert.Empty(t, a.Friends)

	// removing again is a no-op
	rec = f.do(t, http.MethodPost, "/api/friends/remove", map[string]string{"user": "bob", "friend": "alice"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFriendDecline(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.store.SeedNicks("alice", "bob")
	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodPost, "/api/friends/request", map[string]string{"sender": "alice", "receiver": "bob"}).Code)

	for range 2 {
		rec := f.do(t, http.MethodPost, "/api/friends/decline", map[string]string{"sender": "alice", "receiver": "bob"})
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	b, _ := f.store.Get("bob")
	assert.Empty(t, b.PendingFriends)
}

func TestFriendRequestValidation(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.store.SeedNicks("alice")

	rec := f.do(t, http.MethodPost, "/api/friends/request", map[string]string{"sender": "alice", "receiver": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/friends/request", map[string]string{"sender": "alice", "receiver": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteUserPurgesEdges(t *testing.T) {
	f := newAPIFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/register", creds{"alice", "pw"}).Code)
	f.store.Seed(account.Account{Nick: "bob", Friends: []string{"alice"}})
	_, err := f.store.UpsertAccount(context.Background(), "alice", account.Patch{AddFriends: []string{"bob"}})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/users/delete", creds{"alice", "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/users/delete", creds{"alice", "pw"})
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := f.store.Get("alice")
	assert.False(t, ok)
	b, _ := f.store.Get("bob")
	assert.Empty(t, b.Friends)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t, nil)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil).Code)

	down := newAPIFixture(t, func(context.Context) error { return errors.New("db down") })
	assert.Equal(t, http.StatusServiceUnavailable, down.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.store.SeedNicks("alice", "bob")
	f.do(t, http.MethodPost, "/api/friends/request", map[string]string{"sender": "alice", "receiver": "bob"})

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `lobby_friend_transitions_total{op="request"} 1`)
}

func TestCORS(t *testing.T) {
	f := newAPIFixture(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/login", nil)
	req.Header.Set("Origin", "http://app.example")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
