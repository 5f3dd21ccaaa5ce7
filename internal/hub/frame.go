package hub

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/cory-johannsen/chessence/internal/lobby"
)

// Frame is the envelope for every websocket message in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Inbound frame types.
const (
	TypeRegisterPlayer    = "registerPlayer"
	TypeCreateRoom        = "createRoom"
	TypeJoinRoom          = "joinRoom"
	TypeMatchmake         = "matchmake"
	TypeMove              = "move"
	TypeResign            = "resign"
	TypeTimeout           = "timeout"
	TypeLeaveRoom         = "leaveRoom"
	TypeCreateGameInvite  = "createGameInvite"
	TypeAcceptGameInvite  = "acceptGameInvite"
	TypeRequestFriend     = "requestFriend"
	TypeAcceptFriend      = "acceptFriend"
	TypeDeclineFriend     = "declineFriend"
	TypeRemoveFriend      = "removeFriend"
	TypeFriendListUpdated = "friendListUpdated"
	TypeRegisterSession   = "registerSession"
	TypeLogoutSession     = "logoutSession"
)

// Outbound frame types.
const (
	TypeConnected          = "connected"
	TypeRoomCreated        = "roomCreated"
	TypeStartGame          = "startGame"
	TypeRoomError          = "roomError"
	TypeOpponentMove       = "opponentMove"
	TypeGameOver           = "gameOver"
	TypeOpponentLeft       = "opponentLeft"
	TypeRefreshFriends     = "refreshFriends"
	TypeSessionConflict    = "sessionConflict"
	TypeIncomingGameInvite = "incomingGameInvite"
	TypeError              = "error"
)

// Error codes carried by TypeError frames.
const (
	CodeInvalidFrame   = "invalid_frame"
	CodeInvalidPayload = "invalid_payload"
	CodeUnsupported    = "unsupported_type"
	CodeRateLimited    = "rate_limited"
	CodeNotRegistered  = "not_registered"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeInternal       = "internal"
)

// Game over reasons.
const (
	ReasonResign  = "resign"
	ReasonTimeout = "timeout"
)

type registerPlayerPayload struct {
	Nick     string `json:"nick" validate:"required,max=64"`
	PublicID string `json:"publicId" validate:"max=128"`
}

type nicknamePayload struct {
	Nickname string `json:"nickname" validate:"max=64"`
}

// Codes are not shape-checked: anything that does not resolve is answered
// with roomError.
type joinRoomPayload struct {
	Code     string `json:"code" validate:"max=64"`
	Nickname string `json:"nickname" validate:"max=64"`
}

type movePayload struct {
	Code      string `json:"code" validate:"max=64"`
	From      string `json:"from" validate:"max=8"`
	To        string `json:"to" validate:"max=8"`
	Promotion string `json:"promotion,omitempty" validate:"max=8"`
	SenderID  string `json:"senderId" validate:"max=128"`
}

type codePayload struct {
	Code string `json:"code" validate:"required,len=6,alphanum"`
}

type gameInvitePayload struct {
	FriendID string `json:"friendId" validate:"required,max=128"`
}

type nickPayload struct {
	Nick string `json:"nick" validate:"required,max=64"`
}

type friendHintPayload struct {
	Friend string `json:"friend" validate:"required,max=64"`
}

type connectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

type roomCreatedPayload struct {
	Code string `json:"code"`
}

type startGamePayload struct {
	ColorMap map[string]lobby.Color `json:"colorMap"`
	Code     string                 `json:"code"`
}

type roomErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type opponentMovePayload struct {
	From      string      `json:"from"`
	To        string      `json:"to"`
	Promotion string      `json:"promotion,omitempty"`
	SenderID  string      `json:"senderId"`
	NewTurn   lobby.Color `json:"newTurn"`
}

type gameOverPayload struct {
	Reason string `json:"reason"`
}

type sessionConflictPayload struct {
	Nick string `json:"nick"`
}

type incomingGameInvitePayload struct {
	Code string `json:"code"`
	From string `json:"from"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// decodePayload unmarshals raw into dst and validates struct tags.
func decodePayload(v *validator.Validate, raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	if err := v.Struct(dst); err != nil {
		return fmt.Errorf("validating payload: %w", err)
	}
	return nil
}

// encodeFrame builds the wire form of an outbound frame.
func encodeFrame(typ, requestID string, payload any) ([]byte, error) {
	f := Frame{Type: typ, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", typ, err)
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}
