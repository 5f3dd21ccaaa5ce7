package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chessence/internal/lobby/friend"
	"github.com/cory-johannsen/chessence/internal/lobby/identity"
	"github.com/cory-johannsen/chessence/internal/lobby/room"
)

func (h *Hub) onRegisterPlayer(conn string, f Frame) {
	var p registerPlayerPayload
	if !h.decode(conn, f, &p) {
		return
	}
	if err := h.guard.Admit(p.Nick, conn); err != nil {
		h.send(conn, f.RequestID, TypeSessionConflict, sessionConflictPayload{Nick: p.Nick})
		return
	}
	h.releasePrevious(conn, p.Nick)
	h.dir.Register(conn, p.Nick, p.PublicID)
	h.logger.Debug("player registered",
		zap.String("conn", conn),
		zap.String("nick", p.Nick),
	)
}

func (h *Hub) onRegisterSession(conn string, f Frame) {
	var p nickPayload
	if !h.decode(conn, f, &p) {
		return
	}
	if err := h.guard.Admit(p.Nick, conn); err != nil {
		h.logger.Info("session conflict",
			zap.String("conn", conn),
			zap.String("nick", p.Nick),
		)
		h.send(conn, f.RequestID, TypeSessionConflict, sessionConflictPayload{Nick: p.Nick})
		return
	}

	publicID := ""
	if b, ok := h.releasePrevious(conn, p.Nick); ok {
		publicID = b.PublicID
	}
	h.dir.Register(conn, p.Nick, publicID)

	nick := p.Nick
	h.writes.Submit("set_session", func(ctx context.Context) error {
		return h.guard.Register(ctx, nick, conn)
	})
}

// releasePrevious logs out any other nick conn was bound to. It returns the
// existing binding when conn is already bound to nick.
func (h *Hub) releasePrevious(conn, nick string) (identity.Binding, bool) {
	b, ok := h.dir.Binding(conn)
	if !ok {
		return identity.Binding{}, false
	}
	if b.Nick == nick {
		return b, true
	}
	if b.Nick != "" {
		h.logger.Debug("connection switching accounts",
			zap.String("conn", conn),
			zap.String("from", b.Nick),
			zap.String("to", nick),
		)
		h.release(b.Nick, conn)
	}
	return identity.Binding{}, false
}

func (h *Hub) onLogoutSession(conn string, f Frame) {
	var p nickPayload
	if !h.decode(conn, f, &p) {
		return
	}
	b, ok := h.dir.Binding(conn)
	if !ok || b.Nick != p.Nick {
		h.logger.Debug("logout for nick not bound to connection",
			zap.String("conn", conn),
			zap.String("nick", p.Nick),
		)
		return
	}
	h.dir.Unbind(conn)
	h.release(p.Nick, conn)
}

func (h *Hub) onCreateRoom(conn string, f Frame) {
	var p nicknamePayload
	if !h.decode(conn, f, &p) {
		return
	}
	code, err := h.rooms.Create(conn)
	if err != nil {
		h.logger.Error("creating room", zap.String("conn", conn), zap.Error(err))
		h.send(conn, f.RequestID, TypeRoomError, roomErrorPayload{Message: err.Error()})
		return
	}
	h.logger.Info("room created",
		zap.String("code", code),
		zap.String("nickname", p.Nickname),
	)
	h.send(conn, f.RequestID, TypeRoomCreated, roomCreatedPayload{Code: code})
}

func (h *Hub) onJoinRoom(conn string, f Frame) {
	var p joinRoomPayload
	if !h.decode(conn, f, &p) {
		return
	}
	colors, err := h.rooms.Join(p.Code, conn)
	if err != nil {
		h.send(conn, f.RequestID, TypeRoomError, roomErrorPayload{Code: p.Code, Message: err.Error()})
		return
	}
	h.logger.Info("room joined",
		zap.String("code", p.Code),
		zap.String("nickname", p.Nickname),
	)
	h.startGame(p.Code, colors)
}

func (h *Hub) onMatchmake(conn string, f Frame) {
	var p nicknamePayload
	if !h.decode(conn, f, &p) {
		return
	}
	m, err := h.rooms.Matchmake(conn)
	if err != nil {
		h.logger.Error("matchmaking", zap.String("conn", conn), zap.Error(err))
		h.send(conn, f.RequestID, TypeRoomError, roomErrorPayload{Message: err.Error()})
		return
	}
	h.metrics.Matchmade(string(m.Result))
	if m.Result == room.Waiting {
		h.send(conn, f.RequestID, TypeRoomCreated, roomCreatedPayload{Code: m.Code})
		return
	}
	h.logger.Info("matchmaking paired",
		zap.String("code", m.Code),
		zap.Strings("occupants", m.Occupants),
	)
	h.startGame(m.Code, m.Colors)
}

func (h *Hub) startGame(code string, colors room.Colors) {
	p := startGamePayload{ColorMap: colors, Code: code}
	rm, _ := h.rooms.Get(code)
	for _, occ := range rm.Occupants {
		h.send(occ, "", TypeStartGame, p)
	}
}

// onMove relays a move to every occupant, the sender included. Moves are
// never validated; the turn is bookkeeping for the clients.
func (h *Hub) onMove(conn string, f Frame) {
	var p movePayload
	if !h.decode(conn, f, &p) {
		return
	}
	rm, ok := h.rooms.Get(p.Code)
	if !ok {
		h.logger.Debug("move for unknown room dropped",
			zap.String("conn", conn),
			zap.String("code", p.Code),
		)
		return
	}
	out := opponentMovePayload{
		From:      p.From,
		To:        p.To,
		Promotion: p.Promotion,
		SenderID:  p.SenderID,
		NewTurn:   h.turns.Advance(p.Code),
	}
	for _, occ := range rm.Occupants {
		h.send(occ, "", TypeOpponentMove, out)
	}
	h.metrics.MoveRelayed()
}

// onGameOver tells the other occupant the game ended. The room stays open.
func (h *Hub) onGameOver(conn string, f Frame, reason string) {
	var p codePayload
	if !h.decode(conn, f, &p) {
		return
	}
	rm, ok := h.rooms.Get(p.Code)
	if !ok {
		return
	}
	for _, occ := range rm.Occupants {
		if occ != conn {
			h.send(occ, "", TypeGameOver, gameOverPayload{Reason: reason})
		}
	}
}

func (h *Hub) onLeaveRoom(conn string, f Frame) {
	var p codePayload
	if !h.decode(conn, f, &p) {
		return
	}
	td, err := h.rooms.Leave(p.Code, conn)
	if err != nil {
		return
	}
	h.turns.Forget(td.Code)
	if td.Remaining != "" {
		h.send(td.Remaining, "", TypeOpponentLeft, nil)
	}
}

// onCreateGameInvite opens a room for the inviter and offers it to the friend.
// The friend is resolved by public id, then by nick. An offline friend never
// learns of the invite.
func (h *Hub) onCreateGameInvite(conn string, f Frame) {
	var p gameInvitePayload
	if !h.decode(conn, f, &p) {
		return
	}
	from, ok := h.dir.LookupNick(conn)
	if !ok {
		h.sendError(conn, f.RequestID, CodeNotRegistered, "register before inviting")
		return
	}
	code, err := h.rooms.Create(conn)
	if err != nil {
		h.logger.Error("creating invite room", zap.String("conn", conn), zap.Error(err))
		h.send(conn, f.RequestID, TypeRoomError, roomErrorPayload{Message: err.Error()})
		return
	}
	h.send(conn, f.RequestID, TypeRoomCreated, roomCreatedPayload{Code: code})

	target, ok := h.dir.LookupConnectionByPublicID(p.FriendID)
	if !ok {
		target, ok = h.dir.LookupConnection(p.FriendID)
	}
	if !ok {
		h.logger.Debug("game invite target offline",
			zap.String("from", from),
			zap.String("friend", p.FriendID),
		)
		return
	}
	h.send(target, "", TypeIncomingGameInvite, incomingGameInvitePayload{Code: code, From: from})
}

// onFriend runs a friend transition off the loop because it performs durable
// I/O. Notifications come from the friend machine itself.
func (h *Hub) onFriend(conn string, f Frame) {
	var p nickPayload
	if !h.decode(conn, f, &p) {
		return
	}
	me, ok := h.dir.LookupNick(conn)
	if !ok {
		h.sendError(conn, f.RequestID, CodeNotRegistered, "register before changing friends")
		return
	}
	other, typ, requestID := p.Nick, f.Type, f.RequestID
	ctx := h.ctx

	h.social.Add(1)
	go func() {
		defer h.social.Done()
		var err error
		switch typ {
		case TypeRequestFriend:
			_, err = h.friends.Request(ctx, me, other)
		case TypeAcceptFriend:
			err = h.friends.Accept(ctx, other, me)
		case TypeDeclineFriend:
			err = h.friends.Decline(ctx, other, me)
		case TypeRemoveFriend:
			err = h.friends.Remove(ctx, me, other)
		}
		if err != nil {
			h.friendError(conn, requestID, typ, err)
			return
		}
		h.metrics.FriendTransition(typ)
	}()
}

func (h *Hub) friendError(conn, requestID, typ string, err error) {
	if !errors.Is(err, friend.ErrAlreadyPending) && !errors.Is(err, friend.ErrAlreadyFriends) {
		h.logger.Warn("friend transition failed",
			zap.String("conn", conn),
			zap.String("type", typ),
			zap.Error(err),
		)
	}
	h.sendError(conn, requestID, classify(err), err.Error())
}

func (h *Hub) onFriendListUpdated(conn string, f Frame) {
	var p friendHintPayload
	if !h.decode(conn, f, &p) {
		return
	}
	h.RefreshFriends(p.Friend)
}
