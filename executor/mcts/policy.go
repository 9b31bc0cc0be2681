package mcts

import (
	"math"

	"github.com/brensch/zerotrain/game"
)

// SelectMove turns root visit counts into a move. Before GreedyPly moves are
// sampled proportionally to N^(1/T); from GreedyPly on the most visited move is
// played, first in enumeration order on ties.
func (e *Engine) SelectMove(tree *Tree, ply int) game.Move {
	moves, visits := tree.rootVisits()
	if len(moves) == 0 {
		return -1
	}
	if ply >= e.cfg.GreedyPly {
		return moves[argmax(visits)]
	}
	weights := temperatureWeights(visits, e.cfg.Temperature)
	return moves[sample(e.rng.Float64(), weights)]
}

// temperatureWeights returns N^(1/T), normalised.
func temperatureWeights(visits []int, temperature float64) []float64 {
	exponent := 1 / temperature
	weights := make([]float64, len(visits))
	sum := 0.0
	for i, v := range visits {
		weights[i] = math.Pow(float64(v), exponent)
		sum += weights[i]
	}
	if sum == 0 {
		for i := range weights {
			weights[i] = 1 / float64(len(weights))
		}
		return weights
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

// sample picks an index from weights using r in [0, 1).
func sample(r float64, weights []float64) int {
	cumulative := 0.0
	last := 0
	for i, w := range weights {
		if w == 0 {
			continue
		}
		last = i
		cumulative += w
		if r < cumulative {
			return i
		}
	}
	return last // rounding
}

func argmax(visits []int) int {
	best := 0
	for i, v := range visits {
		if v > visits[best] {
			best = i
		}
	}
	return best
}
