// Package httpapi serves the account and friend REST endpoints, metrics,
// health and the websocket upgrade on one router.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chessence/internal/account"
	"github.com/cory-johannsen/chessence/internal/lobby"
	"github.com/cory-johannsen/chessence/internal/lobby/friend"
	"github.com/cory-johannsen/chessence/internal/lobby/session"
	"github.com/cory-johannsen/chessence/internal/observability"
)

const maxBodyBytes = 64 << 10

// ReadyFunc reports whether the service can serve traffic.
type ReadyFunc func(ctx context.Context) error

// API holds the dependencies of every HTTP handler.
type API struct {
	repo     account.Repository
	friends  *friend.Machine
	guard    *session.Guard
	metrics  *observability.Metrics
	ready    ReadyFunc
	validate *validator.Validate
	logger   *zap.Logger
}

// NewAPI creates an API.
//
// Precondition: repo, friends, guard and logger must be non-nil. ready may be nil.
func NewAPI(repo account.Repository, friends *friend.Machine, guard *session.Guard, metrics *observability.Metrics, ready ReadyFunc, logger *zap.Logger) *API {
	return &API{
		repo:     repo,
		friends:  friends,
		guard:    guard,
		metrics:  metrics,
		ready:    ready,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Handler builds the router. ws serves GET /ws; allowedOrigins drives CORS.
func (a *API) Handler(ws http.Handler, allowedOrigins []string) http.Handler {
	r := httprouter.New()
	r.POST("/api/register", a.register)
	r.POST("/api/login", a.login)
	r.GET("/api/profile/:nick", a.profile)
	r.GET("/api/users", a.users)
	r.GET("/api/friends/:nick", a.friendView)
	r.POST("/api/friends/request", a.friendRequest)
	r.POST("/api/friends/accept", a.friendAccept)
	r.POST("/api/friends/decline", a.friendDecline)
	r.POST("/api/friends/remove", a.friendRemove)
	r.POST("/api/users/delete", a.deleteUser)
	r.Handler(http.MethodGet, "/metrics", a.metrics.Handler())
	r.GET("/healthz", a.healthz)
	if ws != nil {
		r.Handler(http.MethodGet, "/ws", ws)
	}
	return withCORS(allowedOrigins, withRequestLog(a.logger, r))
}

type credentialsRequest struct {
	Nick     string `json:"nick" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=72"`
}

type pairRequest struct {
	Sender   string `json:"sender" validate:"required,max=64"`
	Receiver string `json:"receiver" validate:"required,max=64,nefield=Sender"`
}

type removeRequest struct {
	User   string `json:"user" validate:"required,max=64"`
	Friend string `json:"friend" validate:"required,max=64"`
}

type userResponse struct {
	User account.Profile `json:"user"`
}

// usersResponse keys safe profiles by nick.
type usersResponse struct {
	Users map[string]account.Profile `json:"users"`
}

type outcomeResponse struct {
	Outcome friend.Outcome `json:"outcome"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (a *API) register(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req credentialsRequest
	if !a.decode(w, r, &req) {
		return
	}
	acct, err := a.repo.Create(r.Context(), req.Nick, req.Password)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.logger.Info("account registered", zap.String("nick", acct.Nick))
	writeJSON(w, http.StatusOK, userResponse{User: acct.Profile()})
}

func (a *API) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req credentialsRequest
	if !a.decode(w, r, &req) {
		return
	}
	acct, err := a.authenticate(r.Context(), req)
	if err != nil {
		a.fail(w, err)
		return
	}
	if err := a.guard.CheckLogin(r.Context(), req.Nick); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: acct.Profile()})
}

func (a *API) profile(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	acct, err := a.repo.FindAccount(r.Context(), ps.ByName("nick"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: acct.Profile()})
}

func (a *API) users(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	accts, err := a.repo.ListAccounts(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	out := usersResponse{Users: make(map[string]account.Profile, len(accts))}
	for _, acct := range accts {
		out.Users[acct.Nick] = acct.Profile()
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) friendView(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	view, err := a.friends.View(r.Context(), ps.ByName("nick"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) friendRequest(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req pairRequest
	if !a.decode(w, r, &req) {
		return
	}
	outcome, err := a.friends.Request(r.Context(), req.Sender, req.Receiver)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.metrics.FriendTransition("request")
	writeJSON(w, http.StatusOK, outcomeResponse{Outcome: outcome})
}

func (a *API) friendAccept(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req pairRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.friends.Accept(r.Context(), req.Sender, req.Receiver); err != nil {
		a.fail(w, err)
		return
	}
	a.metrics.FriendTransition("accept")
	w.WriteHeader(http.StatusOK)
}

func (a *API) friendDecline(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req pairRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.friends.Decline(r.Context(), req.Sender, req.Receiver); err != nil {
		a.fail(w, err)
		return
	}
	a.metrics.FriendTransition("decline")
	w.WriteHeader(http.StatusOK)
}

func (a *API) friendRemove(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req removeRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.friends.Remove(r.Context(), req.User, req.Friend); err != nil {
		a.fail(w, err)
		return
	}
	a.metrics.FriendTransition("remove")
	w.WriteHeader(http.StatusOK)
}

// deleteUser removes nick from every counterpart's friend fields before
// deleting the record so no dangling edges survive.
func (a *API) deleteUser(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req credentialsRequest
	if !a.decode(w, r, &req) {
		return
	}
	if _, err := a.authenticate(r.Context(), req); err != nil {
		a.fail(w, err)
		return
	}
	if err := a.friends.Purge(r.Context(), req.Nick); err != nil {
		a.fail(w, err)
		return
	}
	if err := a.repo.DeleteAccount(r.Context(), req.Nick); err != nil {
		a.fail(w, err)
		return
	}
	a.logger.Info("account deleted", zap.String("nick", req.Nick))
	w.WriteHeader(http.StatusOK)
}

// authenticate reports an unknown nick as bad credentials.
func (a *API) authenticate(ctx context.Context, req credentialsRequest) (account.Account, error) {
	acct, err := a.repo.Authenticate(ctx, req.Nick, req.Password)
	if errors.Is(err, account.ErrAccountNotFound) {
		return account.Account{}, account.ErrInvalidCredentials
	}
	return acct, err
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			a.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads and validates a JSON body, answering 400 on failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_body", Message: err.Error()})
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_body", Message: err.Error()})
		return false
	}
	return true
}

// fail maps a component error onto an HTTP status.
func (a *API) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrAlreadyLoggedIn):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "already_logged_in"})
	case errors.Is(err, account.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid_credentials"})
	case errors.Is(err, lobby.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, lobby.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "conflict", Message: err.Error()})
	default:
		a.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
