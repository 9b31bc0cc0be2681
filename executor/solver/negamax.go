// Package solver computes exact game-theoretic outcomes for small positions.
package solver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/brensch/zerotrain/game"
)

// ErrBudget is returned when a position needs more nodes than the solver may visit.
var ErrBudget = errors.New("solver node budget exhausted")

const DefaultMaxNodes = 2_000_000

// Negamax is an exhaustive memoised negamax. It is exact but only practical
// for late positions or tiny variants. The table is shared between calls and
// goroutines.
type Negamax struct {
	MaxNodes int

	mu    sync.RWMutex
	table map[string]game.Outcome
}

func NewNegamax(maxNodes int) *Negamax {
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	return &Negamax{MaxNodes: maxNodes, table: make(map[string]game.Outcome)}
}

// Solve returns the exact outcome of every legal move, from the perspective of
// the player making it.
func (n *Negamax) Solve(ctx context.Context, state game.State) (map[game.Move]game.Outcome, error) {
	if state.IsTerminal() {
		return nil, fmt.Errorf("solve terminal position:\n%s", state)
	}
	s := search{ctx: ctx, n: n, budget: n.MaxNodes}
	out := make(map[game.Move]game.Outcome)
	for _, m := range state.LegalMoves() {
		v, err := s.value(state.Play(m))
		if err != nil {
			return nil, err
		}
		out[m] = -v
	}
	return out, nil
}

// Value is the exact outcome of state for the player to move.
func (n *Negamax) Value(ctx context.Context, state game.State) (game.Outcome, error) {
	s := search{ctx: ctx, n: n, budget: n.MaxNodes}
	return s.value(state)
}

func (n *Negamax) lookup(key string) (game.Outcome, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	o, ok := n.table[key]
	return o, ok
}

func (n *Negamax) store(key string, o game.Outcome) {
	n.mu.Lock()
	n.table[key] = o
	n.mu.Unlock()
}

type search struct {
	ctx     context.Context
	n       *Negamax
	budget  int
	visited int
}

func (s *search) value(state game.State) (game.Outcome, error) {
	if state.IsTerminal() {
		return state.Outcome(), nil
	}
	key := state.Key()
	if o, ok := s.n.lookup(key); ok {
		return o, nil
	}

	s.visited++
	if s.visited > s.budget {
		return game.Draw, ErrBudget
	}
	if s.visited%1024 == 0 {
		if err := s.ctx.Err(); err != nil {
			return game.Draw, err
		}
	}

	best := game.Loss
	for _, m := range state.LegalMoves() {
		v, err := s.value(state.Play(m))
		if err != nil {
			return game.Draw, err
		}
		if -v > best {
			best = -v
		}
		if best == game.Win {
			break
		}
	}
	s.n.store(key, best)
	return best, nil
}
