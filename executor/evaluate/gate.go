package evaluate

import (
	"context"
	"fmt"

	"github.com/brensch/zerotrain/executor/model"
	"github.com/brensch/zerotrain/ledger"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Verdict is the outcome of one gate run.
type Verdict struct {
	MatchID    string
	Iteration  int
	Challenger model.Record
	Champion   model.Record
	Result     Result
	Score      float64
	Promoted   bool
	// Installed is the new champion when Promoted.
	Installed model.Record
}

// Gate evaluates the last trained model against the champion and promotes it
// when it scores well enough.
type Gate struct {
	cfg      Config
	registry *model.Registry
	loader   model.Loader
	arena    *Arena
	ledger   *ledger.DB
}

// NewGate records matches in db when it is not nil.
func NewGate(cfg Config, registry *model.Registry, loader model.Loader, arena *Arena, db *ledger.DB) *Gate {
	return &Gate{cfg: cfg, registry: registry, loader: loader, arena: arena, ledger: db}
}

// Run plays the match for iteration. A negative iteration means one past the
// last promoted champion; an iteration at or below it fails with
// model.ErrStaleIteration. A training directory without its success marker
// fails with model.ErrNoSuccessMarker.
func (g *Gate) Run(ctx context.Context, iteration int) (Verdict, error) {
	challenger, err := g.registry.LastSaved()
	if err != nil {
		return Verdict{}, fmt.Errorf("challenger: %w", err)
	}
	champion, err := g.registry.Champion()
	if err != nil {
		return Verdict{}, fmt.Errorf("champion: %w", err)
	}
	last, err := g.registry.LastIteration()
	if err != nil {
		return Verdict{}, err
	}
	if iteration < 0 {
		iteration = last + 1
	}
	if iteration <= last {
		// Fail before playing: the promotion could never take effect.
		return Verdict{}, fmt.Errorf("%w: iteration %d, champion is iteration %d", model.ErrStaleIteration, iteration, last)
	}

	challengerEval, err := g.loader.Load(challenger)
	if err != nil {
		return Verdict{}, fmt.Errorf("load challenger %s: %w", challenger, err)
	}
	defer model.Release(challengerEval)
	championEval, err := g.loader.Load(champion)
	if err != nil {
		return Verdict{}, fmt.Errorf("load champion %s: %w", champion, err)
	}
	defer model.Release(championEval)

	log.Info().Stringer("challenger", challenger).Stringer("champion", champion).Int("games", g.cfg.Games).Str("mode", string(g.cfg.Mode)).Msg("evaluation started")
	res, err := g.arena.Play(ctx, challengerEval, championEval, g.cfg.Games)
	if err != nil {
		return Verdict{}, err
	}

	v := Verdict{
		MatchID:    uuid.NewString(),
		Iteration:  iteration,
		Challenger: challenger,
		Champion:   champion,
		Result:     res,
		Score:      res.Score(),
	}
	v.Promoted = Promote(v.Score, g.cfg.Threshold)
	if v.Promoted {
		v.Installed, err = g.registry.Promote(challenger, iteration)
		if err != nil {
			return v, fmt.Errorf("promote: %w", err)
		}
	}
	log.Info().Int("wins", res.Wins).Int("draws", res.Draws).Int("losses", res.Losses).Float64("score", v.Score).Bool("promoted", v.Promoted).Msg("evaluation finished")

	if g.ledger != nil {
		if err := g.record(v); err != nil {
			return v, err
		}
	}
	return v, nil
}

func (g *Gate) record(v Verdict) error {
	games := make([]ledger.Game, len(v.Result.Games))
	for i, rec := range v.Result.Games {
		games[i] = ledger.Game{
			MatchID:         v.MatchID,
			Index:           rec.Index,
			ChallengerFirst: rec.ChallengerFirst,
			Outcome:         int(rec.Outcome),
			Plies:           rec.Plies,
			Adjudicated:     rec.Adjudicated,
		}
	}
	err := g.ledger.RecordMatch(ledger.Match{
		ID:             v.MatchID,
		RunID:          g.registry.RunID(),
		Iteration:      v.Iteration,
		ChallengerHash: v.Challenger.Hash,
		ChampionHash:   v.Champion.Hash,
		Mode:           string(g.cfg.Mode),
		Wins:           v.Result.Wins,
		Draws:          v.Result.Draws,
		Losses:         v.Result.Losses,
		Score:          v.Score,
		Threshold:      g.cfg.Threshold,
		Promoted:       v.Promoted,
	}, games)
	if err != nil {
		return fmt.Errorf("record match: %w", err)
	}
	return nil
}
