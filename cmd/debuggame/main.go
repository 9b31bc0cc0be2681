package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/brensch/zerotrain/config"
	"github.com/brensch/zerotrain/executor/mcts"
	"github.com/brensch/zerotrain/executor/model"
	"github.com/brensch/zerotrain/executor/selfplay"
	"github.com/brensch/zerotrain/game"
	"github.com/brensch/zerotrain/logging"
	"github.com/brensch/zerotrain/store"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (defaults are used when empty)")
	sims := flag.Int("sims", 0, "If > 0, overrides mcts.iterations")
	outDir := flag.String("out-dir", "", "If set, write the game's samples as a shard into this directory")
	timeout := flag.Duration("timeout", 5*time.Minute, "Give up on the game after this long")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *sims > 0 {
		cfg.MCTS.Iterations = *sims
	}
	closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	newGame, err := cfg.NewGame()
	if err != nil {
		log.Fatal().Err(err).Msg("game")
	}
	start := newGame()

	rec, err := cfg.Registry().Champion()
	if err != nil {
		log.Fatal().Err(err).Msg("resolve champion")
	}
	eval, err := cfg.Loader(start).Load(rec)
	if err != nil {
		log.Fatal().Err(err).Stringer("champion", rec).Msg("load champion")
	}
	defer model.Release(eval)

	var opts []mcts.Option
	if cfg.MCTS.UseSolver {
		s, release, err := cfg.NewSolver()
		if err != nil {
			log.Fatal().Err(err).Msg("solver")
		}
		defer release()
		opts = append(opts, mcts.WithSolver(s))
	}
	engine := mcts.New(eval, cfg.MCTS, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Printf("champion %s, %d sims per move\n\n%s\n", rec, cfg.MCTS.Iterations, start)
	began := time.Now()
	g, err := selfplay.PlayGame(ctx, engine, start, selfplay.PlayGameOptions{
		Discount: cfg.General.DiscountingFactor,
		OnStep: func(s game.State) {
			fmt.Printf("ply %d\n%s\n", s.Ply(), s)
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("debug game failed")
	}

	fmt.Printf("game %s: %d plies in %s, first player %s, %d solver moves\n",
		g.Result.ID, g.Result.Plies, time.Since(began).Round(time.Millisecond), g.Result.Outcome, g.Result.Solved)
	for i, s := range g.Samples {
		fmt.Printf("  sample %3d value %+.3f\n", i, s.Value)
	}

	if *outDir != "" {
		w, err := store.NewShardWriter(*outDir, cfg.General.Game)
		if err != nil {
			log.Fatal().Err(err).Msg("open shard dir")
		}
		path, err := w.Write(g.Samples)
		if err != nil {
			log.Fatal().Err(err).Msg("write shard")
		}
		fmt.Printf("samples written to %s\n", path)
	}
}
