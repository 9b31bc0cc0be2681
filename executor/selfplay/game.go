package selfplay

import (
	"context"
	"math"

	"github.com/brensch/zerotrain/executor/mcts"
	"github.com/brensch/zerotrain/game"
	"github.com/brensch/zerotrain/store"
	"github.com/google/uuid"
)

// Sample is one (state, policy, value) training sample.
type Sample = store.Sample

type GameResult struct {
	ID    string
	Plies int
	// Outcome is from the perspective of the player who moved first.
	Outcome game.Outcome
	// Solved counts moves chosen by the exact solver.
	Solved int
}

type Game struct {
	Result  GameResult
	Samples []Sample
	Final   game.State
}

type PlayGameOptions struct {
	// Discount scales each value by Discount^(plies until the end). Zero means 1.
	Discount float64
	// OnStep is called after every move.
	OnStep func(state game.State)
}

// PlayGame plays one game of self-play from start with engine and returns its
// samples. If ctx is cancelled the partial game is discarded: the error is
// returned with no samples.
func PlayGame(ctx context.Context, engine *mcts.Engine, start game.State, opts PlayGameOptions) (Game, error) {
	state := start
	samples := make([]Sample, 0, 64)
	solved := 0

	for ply := 0; !state.IsTerminal(); ply++ {
		if err := ctx.Err(); err != nil {
			return Game{}, err
		}
		d, err := engine.Choose(ctx, state, ply)
		if err != nil {
			return Game{}, err
		}
		samples = append(samples, Sample{State: state.Encode(), Policy: d.Policy})
		if d.Solved {
			solved++
		}
		state = state.Play(d.Move)
		if opts.OnStep != nil {
			opts.OnStep(state)
		}
	}

	final := state.Outcome()
	backfill(samples, final, opts.Discount)

	first := final
	if len(samples)%2 == 1 {
		first = -final
	}
	return Game{
		Result: GameResult{
			ID:      uuid.NewString(),
			Plies:   len(samples),
			Outcome: first,
			Solved:  solved,
		},
		Samples: samples,
		Final:   state,
	}, nil
}

// backfill assigns every sample the final outcome from the perspective of the
// player to move in it. final is the outcome for the player to move in the
// terminal state, len(samples) plies after the first sample.
func backfill(samples []Sample, final game.Outcome, discount float64) {
	if discount <= 0 {
		discount = 1
	}
	end := len(samples)
	for i := range samples {
		v := float64(final)
		if (end-i)%2 == 1 {
			v = -v
		}
		samples[i].Value = float32(v * math.Pow(discount, float64(end-i)))
	}
}
