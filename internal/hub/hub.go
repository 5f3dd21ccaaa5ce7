// Package hub is the lobby coordinator. A single event loop owns room and
// turn state and processes connection attach, detach and inbound frames one
// at a time. Outbound delivery and the identity directory are goroutine-safe
// so the friend machine, the write queue and the HTTP API can notify
// connections directly.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chessence/internal/account"
	"github.com/cory-johannsen/chessence/internal/lobby"
	"github.com/cory-johannsen/chessence/internal/lobby/friend"
	"github.com/cory-johannsen/chessence/internal/lobby/identity"
	"github.com/cory-johannsen/chessence/internal/lobby/rng"
	"github.com/cory-johannsen/chessence/internal/lobby/room"
	"github.com/cory-johannsen/chessence/internal/lobby/session"
	"github.com/cory-johannsen/chessence/internal/lobby/turn"
	"github.com/cory-johannsen/chessence/internal/observability"
)

// ErrStopped is returned when a connection is attached to a stopped hub.
var ErrStopped = errors.New("hub stopped")

const eventBuffer = 256

type eventKind int

const (
	evAttach eventKind = iota
	evDetach
	evFrame
)

type event struct {
	kind  eventKind
	conn  string
	frame Frame
}

// Options configures a Hub.
type Options struct {
	// MaxCodeAttempts bounds room code generation retries.
	MaxCodeAttempts int
	// Source drives room codes and color assignment. Defaults to crypto/rand.
	Source rng.Source
}

// Hub coordinates rooms, turns, friends and sessions for every connection.
type Hub struct {
	dir     *identity.Directory
	rooms   *room.Registry
	turns   *turn.Sequencer
	friends *friend.Machine
	guard   *session.Guard
	writes  *WriteQueue

	validate *validator.Validate
	metrics  *observability.Metrics
	logger   *zap.Logger

	events   chan event
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	social   sync.WaitGroup

	mu       sync.RWMutex
	outboxes map[string]*Outbox

	// ctx is the run context handed to off-loop social work.
	ctx context.Context
}

// New creates a Hub.
//
// Precondition: store, writes and logger must be non-nil. metrics may be nil.
func New(store account.Store, writes *WriteQueue, opts Options, metrics *observability.Metrics, logger *zap.Logger) *Hub {
	src := opts.Source
	if src == nil {
		src = rng.NewCryptoSource()
	}
	h := &Hub{
		dir:      identity.New(),
		turns:    turn.NewSequencer(),
		writes:   writes,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  metrics,
		logger:   logger,
		events:   make(chan event, eventBuffer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		outboxes: make(map[string]*Outbox),
		ctx:      context.Background(),
	}
	h.rooms = room.NewRegistry(src, opts.MaxCodeAttempts)
	h.friends = friend.NewMachine(store, h, h.dir, logger.Named("friend"))
	h.guard = session.NewGuard(store, h.dir, h, metrics, logger.Named("session"))
	return h
}

// Directory returns the identity directory.
func (h *Hub) Directory() *identity.Directory { return h.dir }

// Friends returns the friend state machine.
func (h *Hub) Friends() *friend.Machine { return h.friends }

// Guard returns the session guard.
func (h *Hub) Guard() *session.Guard { return h.guard }

// Start runs the event loop until ctx is cancelled or Stop is called.
func (h *Hub) Start(ctx context.Context) error {
	defer close(h.doneCh)
	h.ctx = ctx
	h.logger.Info("hub event loop started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.stopCh:
			return nil
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

// Stop ends the event loop and waits for in-flight social work.
func (h *Hub) Stop(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stopCh) })

	done := make(chan struct{})
	go func() {
		<-h.doneCh
		h.social.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	for id, ob := range h.outboxes {
		ob.Close()
		delete(h.outboxes, id)
	}
	h.mu.Unlock()
	return nil
}

// Attach registers a new connection whose frames are delivered to ob and
// returns its connection id. The connection receives a connected frame
// carrying that id.
func (h *Hub) Attach(ob *Outbox) (string, error) {
	id := uuid.NewString()
	h.mu.Lock()
	h.outboxes[id] = ob
	h.mu.Unlock()
	if !h.enqueue(event{kind: evAttach, conn: id}) {
		h.mu.Lock()
		delete(h.outboxes, id)
		h.mu.Unlock()
		return "", ErrStopped
	}
	return id, nil
}

// Detach reports that a connection has gone away.
func (h *Hub) Detach(connID string) {
	h.enqueue(event{kind: evDetach, conn: connID})
}

// Dispatch hands an inbound frame to the event loop. It reports false if the
// hub has stopped.
func (h *Hub) Dispatch(connID string, f Frame) bool {
	return h.enqueue(event{kind: evFrame, conn: connID, frame: f})
}

func (h *Hub) enqueue(ev event) bool {
	select {
	case <-h.stopCh:
		return false
	default:
	}
	select {
	case h.events <- ev:
		return true
	case <-h.stopCh:
		return false
	}
}

// RefreshFriends pushes refreshFriends to every named account that is online.
func (h *Hub) RefreshFriends(nicks ...string) {
	for _, n := range nicks {
		if conn, ok := h.dir.LookupConnection(n); ok {
			h.send(conn, "", TypeRefreshFriends, nil)
		}
	}
}

// send delivers one frame to connID. A connection whose outbox is full is
// closed; its writer then tears the socket down.
func (h *Hub) send(connID, requestID, typ string, payload any) {
	data, err := encodeFrame(typ, requestID, payload)
	if err != nil {
		h.logger.Error("encoding frame", zap.String("type", typ), zap.Error(err))
		return
	}
	h.mu.RLock()
	ob, ok := h.outboxes[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	switch err := ob.Push(data); {
	case errors.Is(err, ErrOutboxFull):
		h.logger.Warn("outbox full, closing slow connection",
			zap.String("conn", connID),
			zap.String("type", typ),
		)
		ob.Close()
	case err != nil:
		h.logger.Debug("dropping frame for closed connection",
			zap.String("conn", connID),
			zap.String("type", typ),
		)
	}
}

func (h *Hub) sendError(connID, requestID, code, message string) {
	h.send(connID, requestID, TypeError, errorPayload{Code: code, Message: message})
}

func (h *Hub) handle(ev event) {
	switch ev.kind {
	case evAttach:
		h.dir.Attach(ev.conn)
		h.send(ev.conn, "", TypeConnected, connectedPayload{ConnectionID: ev.conn})
		h.logger.Debug("connection attached", zap.String("conn", ev.conn))
	case evDetach:
		h.disconnect(ev.conn)
	case evFrame:
		if !h.dir.IsLive(ev.conn) {
			return
		}
		h.dispatch(ev.conn, ev.frame)
	}
	h.metrics.SetRooms(h.rooms.Len())
	h.metrics.SetConnections(h.dir.Len())
}

func (h *Hub) dispatch(conn string, f Frame) {
	switch f.Type {
	case TypeRegisterPlayer:
		h.onRegisterPlayer(conn, f)
	case TypeRegisterSession:
		h.onRegisterSession(conn, f)
	case TypeLogoutSession:
		h.onLogoutSession(conn, f)
	case TypeCreateRoom:
		h.onCreateRoom(conn, f)
	case TypeJoinRoom, TypeAcceptGameInvite:
		h.onJoinRoom(conn, f)
	case TypeMatchmake:
		h.onMatchmake(conn, f)
	case TypeMove:
		h.onMove(conn, f)
	case TypeResign:
		h.onGameOver(conn, f, ReasonResign)
	case TypeTimeout:
		h.onGameOver(conn, f, ReasonTimeout)
	case TypeLeaveRoom:
		h.onLeaveRoom(conn, f)
	case TypeCreateGameInvite:
		h.onCreateGameInvite(conn, f)
	case TypeRequestFriend, TypeAcceptFriend, TypeDeclineFriend, TypeRemoveFriend:
		h.onFriend(conn, f)
	case TypeFriendListUpdated:
		h.onFriendListUpdated(conn, f)
	default:
		h.metrics.FrameRejected("unsupported")
		h.sendError(conn, f.RequestID, CodeUnsupported, fmt.Sprintf("unsupported frame type %q", f.Type))
	}
}

// decode unmarshals and validates a payload, replying with an error frame on failure.
func (h *Hub) decode(conn string, f Frame, dst any) bool {
	if err := decodePayload(h.validate, f.Payload, dst); err != nil {
		h.metrics.FrameRejected("invalid_payload")
		h.sendError(conn, f.RequestID, CodeInvalidPayload, err.Error())
		return false
	}
	return true
}

func (h *Hub) disconnect(conn string) {
	binding, bound := h.dir.Remove(conn)
	for _, td := range h.rooms.Disconnect(conn) {
		h.turns.Forget(td.Code)
		if td.Remaining != "" {
			h.send(td.Remaining, "", TypeOpponentLeft, nil)
		}
	}

	h.mu.Lock()
	if ob, ok := h.outboxes[conn]; ok {
		ob.Close()
		delete(h.outboxes, conn)
	}
	h.mu.Unlock()

	if bound && binding.Nick != "" {
		h.release(binding.Nick, conn)
	}
	h.logger.Debug("connection detached",
		zap.String("conn", conn),
		zap.String("nick", binding.Nick),
	)
}

func (h *Hub) release(nick, conn string) {
	h.writes.Submit("clear_session", func(ctx context.Context) error {
		_, err := h.guard.Release(ctx, nick, conn)
		return err
	})
}

// classify maps a component error onto a wire error code.
func classify(err error) string {
	switch {
	case errors.Is(err, lobby.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, lobby.ErrConflict):
		return CodeConflict
	default:
		return CodeInternal
	}
}
