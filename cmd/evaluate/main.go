package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/brensch/zerotrain/config"
	"github.com/brensch/zerotrain/executor/evaluate"
	"github.com/brensch/zerotrain/executor/mcts"
	"github.com/brensch/zerotrain/executor/model"
	"github.com/brensch/zerotrain/ledger"
	"github.com/brensch/zerotrain/logging"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (defaults are used when empty)")
	iteration := flag.Int("iteration", -1, "Iteration to promote into (default: one past the last champion)")
	games := flag.Int("games", 0, "If > 0, overrides evaluation.evaluation_games_number")
	mode := flag.String("mode", "", "If set, overrides evaluation.mode (mcts or policy)")
	opening := flag.Int("opening", -1, "If >= 0, overrides evaluation.random_opening_plies")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *games > 0 {
		cfg.Evaluation.Games = *games
	}
	if *opening >= 0 {
		cfg.Evaluation.OpeningPlies = *opening
	}
	if *mode != "" {
		cfg.Evaluation.Mode = evaluate.Mode(*mode)
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	newGame, err := cfg.NewGame()
	if err != nil {
		log.Fatal().Err(err).Msg("game")
	}

	var solver mcts.Solver
	if cfg.Evaluation.Adjudicate {
		s, release, err := cfg.NewSolver()
		if err != nil {
			log.Fatal().Err(err).Msg("solver")
		}
		defer release()
		solver = s
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.Ledger), 0o755); err != nil {
		log.Fatal().Err(err).Msg("ledger dir")
	}
	db, err := ledger.New(cfg.Paths.Ledger)
	if err != nil {
		log.Fatal().Err(err).Msg("ledger")
	}
	defer db.Close()

	arena := evaluate.NewArena(cfg.Evaluation, cfg.MCTS, newGame, solver)
	gate := evaluate.NewGate(cfg.Evaluation, cfg.Registry(), cfg.LocalLoader(newGame()), arena, db)

	v, err := gate.Run(ctx, *iteration)
	if errors.Is(err, model.ErrNoSuccessMarker) {
		log.Fatal().Err(err).Msg("trained model is incomplete")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("evaluation failed")
	}

	out := termenv.NewOutput(os.Stdout)
	verdict := out.String("KEPT CHAMPION").Foreground(out.Color("1")).Bold()
	if v.Promoted {
		verdict = out.String("PROMOTED").Foreground(out.Color("2")).Bold()
	}
	fmt.Fprintf(out, "challenger %s vs champion %s\n", v.Challenger, v.Champion)
	fmt.Fprintf(out, "  +%d =%d -%d  score %.3f (threshold %.3f)\n", v.Result.Wins, v.Result.Draws, v.Result.Losses, v.Score, cfg.Evaluation.Threshold)
	fmt.Fprintf(out, "  %s", verdict)
	if v.Promoted {
		fmt.Fprintf(out, " as iteration %d", v.Iteration)
	}
	fmt.Fprintln(out)
}
