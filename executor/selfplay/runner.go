package selfplay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brensch/zerotrain/executor/mcts"
	"github.com/brensch/zerotrain/executor/model"
	"github.com/brensch/zerotrain/game"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ChampionSource is where the runner finds the model to play with.
// *model.Registry implements it.
type ChampionSource interface {
	Champion() (model.Record, error)
	BestHash() (string, error)
}

type RunnerConfig struct {
	// Games is the number of games to play; <= 0 plays until cancelled.
	Games   int
	Workers int
	// Mono plays every game on the calling goroutine.
	Mono bool
	// RefreshEvery is how many finished games pass between champion checks.
	RefreshEvery int
	Discount     float64
}

// Progress is emitted after every finished game.
type Progress struct {
	Worker   int
	Result   GameResult
	Samples  int
	Pending  int
	Shard    string
	Champion string
	Err      error
}

type Runner struct {
	cfg      RunnerConfig
	mctsCfg  mcts.Config
	newGame  game.Factory
	source   ChampionSource
	loader   model.Loader
	solver   mcts.Solver
	acc      Accumulator
	flusher  *Flusher
	progress chan<- Progress
	logger   zerolog.Logger

	refreshMu sync.Mutex
	mu        sync.RWMutex
	eval      mcts.Evaluator
	champion  model.Record
	retired   []mcts.Evaluator

	finished atomic.Int64
	failed   atomic.Int64
	moves    atomic.Int64
}

type RunnerOption func(r *Runner)

func WithSolver(s mcts.Solver) RunnerOption {
	return func(r *Runner) { r.solver = s }
}

// WithProgress receives an event per game. Sends never block.
func WithProgress(ch chan<- Progress) RunnerOption {
	return func(r *Runner) { r.progress = ch }
}

func NewRunner(cfg RunnerConfig, mctsCfg mcts.Config, newGame game.Factory, source ChampionSource, loader model.Loader, flusher *Flusher, acc Accumulator, options ...RunnerOption) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = 1
	}
	r := &Runner{
		cfg:     cfg,
		mctsCfg: mctsCfg,
		newGame: newGame,
		source:  source,
		loader:  loader,
		acc:     acc,
		flusher: flusher,
		logger:  log.With().Str("component", "selfplay").Logger(),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

func (r *Runner) Finished() int64 { return r.finished.Load() }
func (r *Runner) Failed() int64   { return r.failed.Load() }
func (r *Runner) Moves() int64    { return r.moves.Load() }

// Champion is the record currently used for self-play.
func (r *Runner) Champion() model.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.champion
}

// Run plays games until cfg.Games are finished or ctx is cancelled.
// Cancellation is not an error.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.loadChampion(); err != nil {
		return err
	}
	defer r.release()

	var err error
	if r.cfg.Mono {
		err = r.worker(ctx, 0, new(atomic.Int64))
	} else {
		started := new(atomic.Int64)
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < r.cfg.Workers; i++ {
			workerID := i
			g.Go(func() error { return r.worker(gctx, workerID, started) })
		}
		err = g.Wait()
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	r.logger.Info().Int64("games", r.finished.Load()).Int64("failed", r.failed.Load()).Int("pending", r.acc.Len()).Msg("self-play stopped")
	return err
}

func (r *Runner) worker(ctx context.Context, workerID int, started *atomic.Int64) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)*1000003))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.cfg.Games > 0 && started.Add(1) > int64(r.cfg.Games) {
			return nil
		}

		r.mu.RLock()
		eval, champion := r.eval, r.champion
		r.mu.RUnlock()

		engine := mcts.New(eval, r.mctsCfg,
			mcts.WithSolver(r.solver),
			mcts.WithRand(rand.New(rand.NewSource(rng.Int63()))),
			mcts.WithLogger(r.logger),
		)
		g, err := PlayGame(ctx, engine, r.newGame(), PlayGameOptions{
			Discount: r.cfg.Discount,
			OnStep:   func(game.State) { r.moves.Add(1) },
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.failed.Add(1)
			r.logger.Error().Err(err).Int("worker", workerID).Msg("game discarded")
			r.emit(Progress{Worker: workerID, Champion: champion.String(), Err: err})
			continue
		}

		r.acc.Append(g.Samples)
		shard, _, err := r.flusher.MaybeFlush()
		if err != nil {
			return fmt.Errorf("flush samples: %w", err)
		}

		n := r.finished.Add(1)
		r.logger.Debug().Int("worker", workerID).Str("game", g.Result.ID).Int("plies", g.Result.Plies).Stringer("outcome", g.Result.Outcome).Msg("game finished")
		r.emit(Progress{
			Worker:   workerID,
			Result:   g.Result,
			Samples:  len(g.Samples),
			Pending:  r.acc.Len(),
			Shard:    shard,
			Champion: champion.String(),
		})

		if n%int64(r.cfg.RefreshEvery) == 0 {
			if err := r.refresh(); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) emit(p Progress) {
	if r.progress == nil {
		return
	}
	select {
	case r.progress <- p:
	default:
	}
}

func (r *Runner) loadChampion() error {
	rec, err := r.source.Champion()
	if err != nil {
		return fmt.Errorf("resolve champion: %w", err)
	}
	eval, err := r.loader.Load(rec)
	if err != nil {
		return fmt.Errorf("load champion %s: %w", rec, err)
	}
	r.mu.Lock()
	if r.eval != nil {
		r.retired = append(r.retired, r.eval)
	}
	r.eval, r.champion = eval, rec
	r.mu.Unlock()
	r.logger.Info().Stringer("champion", rec).Msg("self-play champion loaded")
	return nil
}

// refresh reloads the champion when its hash changed. Games in flight keep
// the evaluator they started with; replaced evaluators are released when the
// run ends.
func (r *Runner) refresh() error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	hash, err := r.source.BestHash()
	if err != nil {
		return fmt.Errorf("check champion: %w", err)
	}
	r.mu.RLock()
	current := r.champion.Hash
	r.mu.RUnlock()
	if hash == current {
		return nil
	}
	return r.loadChampion()
}

func (r *Runner) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, eval := range append(r.retired, r.eval) {
		model.Release(eval)
	}
	r.retired = nil
}
