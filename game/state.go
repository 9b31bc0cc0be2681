// Package game defines the capability interface every playable variant implements.
//
// The search, self-play and evaluation code only ever sees a State. Variants
// (connect-N, chess) are selected once at startup and never inspected at
// runtime.
package game

import "fmt"

// Move is an index into a variant's fixed action space.
type Move int

// Outcome is a finished game's result from the perspective of the player to move.
type Outcome int

const (
	Loss Outcome = -1
	Draw Outcome = 0
	Win  Outcome = 1
)

func (o Outcome) String() string {
	switch o {
	case Loss:
		return "loss"
	case Draw:
		return "draw"
	case Win:
		return "win"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// State is an immutable position plus the player to move.
//
// Play never mutates the receiver; it returns the successor position. Outcome
// is only meaningful once IsTerminal reports true and is expressed from the
// perspective of the player who would move next (so the side that just
// completed a line sees Loss from the terminal state).
type State interface {
	// LegalMoves enumerates the legal moves in a stable order. The order is
	// the tie-break order used by search and move selection.
	LegalMoves() []Move
	Play(m Move) State
	IsTerminal() bool
	Outcome() Outcome

	// Encode returns the network input, laid out as Shape.
	Encode() []float32
	Shape() []int64
	ActionSpace() int

	// Ply is the number of moves played from the variant's start position.
	Ply() int
	// Key uniquely identifies the position (including the player to move).
	Key() string
	String() string
}

// Factory builds the start position of a variant. The variant is chosen once
// from configuration and the factory is handed to the sampler and the arena.
type Factory func() State

// Contains reports whether m is among moves.
func Contains(moves []Move, m Move) bool {
	for _, mv := range moves {
		if mv == m {
			return true
		}
	}
	return false
}
