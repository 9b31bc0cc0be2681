// Package evaluate plays challengers against the champion and decides
// promotions.
package evaluate

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/brensch/zerotrain/executor/mcts"
	"github.com/brensch/zerotrain/game"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Mode string

const (
	// ModeMCTS has both sides search with their own model, greedy from the
	// first move.
	ModeMCTS Mode = "mcts"
	// ModePolicy plays the arg-max of each network's priors without search.
	ModePolicy Mode = "policy"
)

type Config struct {
	Games     int     `yaml:"evaluation_games_number"`
	Threshold float64 `yaml:"replace_min_score"`
	Mode      Mode    `yaml:"mode"`
	// Adjudicate ends a game with the exact solver outcome once AdjudicatePly
	// plies have been played.
	Adjudicate    bool `yaml:"evaluate_with_solver"`
	AdjudicatePly int  `yaml:"adjudicate_ply"`
	// OpeningPlies uniformly random moves open every game. Both games of a
	// pair share the opening with colours swapped.
	OpeningPlies int `yaml:"random_opening_plies"`
	Workers      int `yaml:"workers"`
}

func DefaultConfig() Config {
	return Config{
		Games:         100,
		Threshold:     0.55,
		Mode:          ModePolicy,
		Adjudicate:    true,
		AdjudicatePly: 20,
		OpeningPlies:  4,
		Workers:       4,
	}
}

// GameRecord is one evaluation game seen from the challenger.
type GameRecord struct {
	Index           int
	ChallengerFirst bool
	Outcome         game.Outcome
	Plies           int
	Adjudicated     bool
	Moves           []game.Move
}

type Result struct {
	Wins   int
	Draws  int
	Losses int
	Games  []GameRecord
}

func (r Result) Total() int { return r.Wins + r.Draws + r.Losses }

// Score is (wins + draws/2) / games, 0 for an empty match.
func (r Result) Score() float64 {
	if r.Total() == 0 {
		return 0
	}
	return (float64(r.Wins) + 0.5*float64(r.Draws)) / float64(r.Total())
}

func (r *Result) add(g GameRecord) {
	switch g.Outcome {
	case game.Win:
		r.Wins++
	case game.Draw:
		r.Draws++
	default:
		r.Losses++
	}
	r.Games = append(r.Games, g)
}

// Promote reports whether score clears threshold. The boundary promotes.
func Promote(score, threshold float64) bool {
	return score >= threshold
}

type Arena struct {
	cfg     Config
	mctsCfg mcts.Config
	newGame game.Factory
	solver  mcts.Solver
	logger  zerolog.Logger
}

// NewArena plays games from newGame. solver is only consulted when the
// config asks for adjudication and may be nil otherwise.
func NewArena(cfg Config, mctsCfg mcts.Config, newGame game.Factory, solver mcts.Solver) *Arena {
	// Past the random opening both players are deterministic: no exploration
	// noise, greedy moves and no solver override of their own choices.
	mctsCfg.DirichletEnabled = false
	mctsCfg.GreedyPly = 0
	mctsCfg.UseSolver = false
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Arena{
		cfg:     cfg,
		mctsCfg: mctsCfg,
		newGame: newGame,
		solver:  solver,
		logger:  log.With().Str("component", "arena").Logger(),
	}
}

// Play runs games games. The challenger moves first in even-numbered games;
// games 2k and 2k+1 share their random opening.
func (a *Arena) Play(ctx context.Context, challenger, champion mcts.Evaluator, games int) (Result, error) {
	records := make([]GameRecord, games)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for i := 0; i < games; i++ {
		index := i
		g.Go(func() error {
			rec, err := a.playOne(gctx, index, challenger, champion)
			if err != nil {
				return fmt.Errorf("evaluation game %d: %w", index, err)
			}
			records[index] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var res Result
	for _, rec := range records {
		res.add(rec)
	}
	return res, nil
}

func (a *Arena) playOne(ctx context.Context, index int, challenger, champion mcts.Evaluator) (GameRecord, error) {
	rec := GameRecord{Index: index, ChallengerFirst: index%2 == 0}
	seed := rand.New(rand.NewSource(int64(index)))
	opening := rand.New(rand.NewSource(int64(index / 2)))
	engines := [2]*mcts.Engine{
		mcts.New(challenger, a.mctsCfg, mcts.WithRand(seed), mcts.WithLogger(a.logger)),
		mcts.New(champion, a.mctsCfg, mcts.WithRand(seed), mcts.WithLogger(a.logger)),
	}

	state := a.newGame()
	adjudicate := a.cfg.Adjudicate && a.solver != nil
	ply := 0
	for ; !state.IsTerminal(); ply++ {
		challengerToMove := (ply%2 == 0) == rec.ChallengerFirst

		if adjudicate && ply >= a.cfg.AdjudicatePly {
			outcome, err := a.exactOutcome(ctx, state)
			if err == nil {
				rec.Adjudicated = true
				rec.Plies = ply
				rec.Outcome = fromChallenger(outcome, challengerToMove)
				return rec, nil
			}
			if ctx.Err() != nil {
				return rec, ctx.Err()
			}
			a.logger.Debug().Err(err).Int("game", index).Int("ply", ply).Msg("adjudication failed, playing on")
			adjudicate = false
		}

		engine := engines[1]
		if challengerToMove {
			engine = engines[0]
		}
		var move game.Move
		if ply < a.cfg.OpeningPlies {
			moves := state.LegalMoves()
			move = moves[opening.Intn(len(moves))]
		} else {
			var err error
			move, err = a.move(ctx, engine, state, ply)
			if err != nil {
				return rec, err
			}
		}
		rec.Moves = append(rec.Moves, move)
		state = state.Play(move)
	}

	challengerToMove := (ply%2 == 0) == rec.ChallengerFirst
	rec.Plies = ply
	rec.Outcome = fromChallenger(state.Outcome(), challengerToMove)
	return rec, nil
}

func (a *Arena) move(ctx context.Context, engine *mcts.Engine, state game.State, ply int) (game.Move, error) {
	if a.cfg.Mode == ModePolicy {
		return engine.PolicyMove(ctx, state)
	}
	d, err := engine.Choose(ctx, state, ply)
	if err != nil {
		return -1, err
	}
	return d.Move, nil
}

// exactOutcome is the solved value of state for the player to move.
func (a *Arena) exactOutcome(ctx context.Context, state game.State) (game.Outcome, error) {
	outcomes, err := a.solver.Solve(ctx, state)
	if err != nil {
		return game.Draw, err
	}
	if len(outcomes) == 0 {
		return game.Draw, fmt.Errorf("solver returned no moves")
	}
	best := game.Loss
	for _, o := range outcomes {
		best = max(best, o)
	}
	return best, nil
}

// fromChallenger converts an outcome for the player to move.
func fromChallenger(o game.Outcome, challengerToMove bool) game.Outcome {
	if challengerToMove {
		return o
	}
	return -o
}
