// Package room owns the lifecycle of two-player rooms: creation, joining,
// matchmaking and teardown.
//
// A Registry is not safe for concurrent use. It is owned by the hub event
// loop, which serialises every call.
package room

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/cory-johannsen/chessence/internal/lobby"
	"github.com/cory-johannsen/chessence/internal/lobby/rng"
)

// Capacity is the number of occupants a room holds.
const Capacity = 2

// CodeLength is the number of characters in a room code.
const CodeLength = 6

// CodeAlphabet is the set of characters a room code is drawn from.
const CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	// ErrRoomNotFound is returned for an unknown room code.
	ErrRoomNotFound = fmt.Errorf("room %w", lobby.ErrNotFound)
	// ErrRoomFull is returned when joining a room that already has two occupants.
	ErrRoomFull = fmt.Errorf("room full: %w", lobby.ErrConflict)
	// ErrAlreadyInRoom is returned when a connection joins a room it occupies.
	ErrAlreadyInRoom = fmt.Errorf("already in room: %w", lobby.ErrConflict)
	// ErrCodeSpaceExhausted is returned when every code generation attempt
	// collided with a live room.
	ErrCodeSpaceExhausted = errors.New("room code space exhausted")
)

// Colors maps each occupant connection to its color.
type Colors map[string]lobby.Color

// Room is a snapshot of one room.
type Room struct {
	Code      string
	Occupants []string
}

// Other returns the occupant that is not connID.
func (r Room) Other(connID string) (string, bool) {
	for _, o := range r.Occupants {
		if o != connID {
			return o, true
		}
	}
	return "", false
}

// Full reports whether the room has no remaining slots.
func (r Room) Full() bool { return len(r.Occupants) >= Capacity }

// MatchResult distinguishes the two outcomes of Matchmake.
type MatchResult string

// Match results.
const (
	Paired  MatchResult = "paired"
	Waiting MatchResult = "waiting"
)

// Match is the outcome of a matchmaking request.
type Match struct {
	Result MatchResult
	Code   string
	// Colors is set only when Result is Paired.
	Colors Colors
	// Occupants lists the room members after the call.
	Occupants []string
}

// Teardown describes a room deleted because an occupant left.
type Teardown struct {
	Code string
	// Remaining is the occupant to notify, "" when the room was empty.
	Remaining string
}

// Registry is the set of open rooms.
//
// Invariant: no room ever has more than Capacity occupants; codes are unique
// among open rooms.
type Registry struct {
	src         rng.Source
	maxAttempts int
	rooms       map[string]*Room
	// order holds room codes in creation order; matchmaking scans it.
	order []string
}

// NewRegistry returns an empty Registry.
//
// Precondition: src must be non-nil; maxAttempts must be >= 1.
func NewRegistry(src rng.Source, maxAttempts int) *Registry {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Registry{
		src:         src,
		maxAttempts: maxAttempts,
		rooms:       make(map[string]*Room),
	}
}

// Create opens a room with owner as its only occupant.
//
// Postcondition: Returns a code not used by any other open room, or
// ErrCodeSpaceExhausted.
func (r *Registry) Create(owner string) (string, error) {
	code, err := r.newCode()
	if err != nil {
		return "", err
	}
	r.rooms[code] = &Room{Code: code, Occupants: []string{owner}}
	r.order = append(r.order, code)
	return code, nil
}

func (r *Registry) newCode() (string, error) {
	var b strings.Builder
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		b.Reset()
		for i := 0; i < CodeLength; i++ {
			b.WriteByte(CodeAlphabet[r.src.Intn(len(CodeAlphabet))])
		}
		code := b.String()
		if _, taken := r.rooms[code]; !taken {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

// Join adds conn to the room identified by code.
//
// Postcondition: On success the room holds two occupants and the returned
// Colors assigns one white and one black. Otherwise returns ErrRoomNotFound,
// ErrAlreadyInRoom or ErrRoomFull and the room is unchanged.
func (r *Registry) Join(code, conn string) (Colors, error) {
	rm, ok := r.rooms[code]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if slices.Contains(rm.Occupants, conn) {
		return nil, ErrAlreadyInRoom
	}
	if rm.Full() {
		return nil, ErrRoomFull
	}
	rm.Occupants = append(rm.Occupants, conn)
	return AssignColors(r.src, rm.Occupants), nil
}

// Matchmake pairs conn with the first waiting room in creation order, or
// opens a new waiting room when none exists. A room whose only occupant is
// conn is skipped.
func (r *Registry) Matchmake(conn string) (Match, error) {
	for _, code := range r.order {
		rm := r.rooms[code]
		if len(rm.Occupants) != 1 || rm.Occupants[0] == conn {
			continue
		}
		colors, err := r.Join(code, conn)
		if err != nil {
			return Match{}, err
		}
		return Match{Result: Paired, Code: code, Colors: colors, Occupants: slices.Clone(rm.Occupants)}, nil
	}
	code, err := r.Create(conn)
	if err != nil {
		return Match{}, err
	}
	return Match{Result: Waiting, Code: code, Occupants: []string{conn}}, nil
}

// Leave removes the room identified by code because conn left it.
//
// Postcondition: The room no longer exists. Returns ErrRoomNotFound if the
// room does not exist or conn is not one of its occupants.
func (r *Registry) Leave(code, conn string) (Teardown, error) {
	rm, ok := r.rooms[code]
	if !ok || !slices.Contains(rm.Occupants, conn) {
		return Teardown{}, ErrRoomNotFound
	}
	other, _ := rm.Other(conn)
	r.delete(code)
	return Teardown{Code: code, Remaining: other}, nil
}

// Disconnect deletes every room conn occupies.
func (r *Registry) Disconnect(conn string) []Teardown {
	var out []Teardown
	for _, code := range slices.Clone(r.order) {
		rm := r.rooms[code]
		if !slices.Contains(rm.Occupants, conn) {
			continue
		}
		other, _ := rm.Other(conn)
		r.delete(code)
		out = append(out, Teardown{Code: code, Remaining: other})
	}
	return out
}

func (r *Registry) delete(code string) {
	delete(r.rooms, code)
	if i := slices.Index(r.order, code); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

// Get returns a snapshot of the room identified by code.
func (r *Registry) Get(code string) (Room, bool) {
	rm, ok := r.rooms[code]
	if !ok {
		return Room{}, false
	}
	return Room{Code: rm.Code, Occupants: slices.Clone(rm.Occupants)}, true
}

// Len returns the number of open rooms.
func (r *Registry) Len() int { return len(r.rooms) }

// AssignColors shuffles a two-element occupant list uniformly and gives the
// first white and the second black.
//
// Precondition: len(occupants) == Capacity.
// Postcondition: The result maps every occupant to a distinct color.
func AssignColors(src rng.Source, occupants []string) Colors {
	shuffled := slices.Clone(occupants)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := src.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	colors := make(Colors, len(shuffled))
	for i, conn := range shuffled {
		if i%2 == 0 {
			colors[conn] = lobby.White
		} else {
			colors[conn] = lobby.Black
		}
	}
	return colors
}
