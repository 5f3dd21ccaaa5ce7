// Package turn keeps per-room alternating turn state. It performs no move
// validation; the turn is bookkeeping for client UI only.
package turn

import "github.com/cory-johannsen/chessence/internal/lobby"

// Sequencer tracks whose turn it is in each room.
//
// A Sequencer is not safe for concurrent use; it is owned by the hub event loop.
type Sequencer struct {
	turns map[string]lobby.Color
}

// NewSequencer returns an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{turns: make(map[string]lobby.Color)}
}

// Advance records one relayed move in room code and returns the turn after it.
// A room with no recorded turn starts at white, so the first move yields black.
func (s *Sequencer) Advance(code string) lobby.Color {
	cur, ok := s.turns[code]
	if !ok {
		cur = lobby.White
	}
	next := cur.Opposite()
	s.turns[code] = next
	return next
}

// Current returns the turn for code and whether any move has been relayed.
func (s *Sequencer) Current(code string) (lobby.Color, bool) {
	c, ok := s.turns[code]
	return c, ok
}

// Forget drops the turn state for code.
func (s *Sequencer) Forget(code string) {
	delete(s.turns, code)
}

// Len returns the number of rooms with turn state.
func (s *Sequencer) Len() int { return len(s.turns) }
