// Package lobby holds the types and error taxonomy shared by the lobby
// coordinator components.
package lobby

import "errors"

// Error taxonomy. Component errors wrap one of these so callers can classify
// failures with errors.Is.
var (
	// ErrNotFound marks an unknown nick, connection or room.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a request that collides with current state: a full
	// room, an already-pending invite, an already-logged-in account.
	ErrConflict = errors.New("conflict")
	// ErrStale marks state that referenced a connection which no longer
	// exists. It is reconciled inside the component and never surfaced to a
	// connection.
	ErrStale = errors.New("stale")
)

// Color is a side in a two-player game.
type Color string

// Colors.
const (
	White Color = "white"
	Black Color = "black"
)

// Opposite returns the other color.
//
// Precondition: c is White or Black.
func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

// Valid reports whether c is White or Black.
func (c Color) Valid() bool {
	return c == White || c == Black
}
