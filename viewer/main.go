package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/brensch/zerotrain/config"
	"github.com/brensch/zerotrain/ledger"
	"github.com/brensch/zerotrain/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (defaults are used when empty)")
	listen := flag.String("listen", "127.0.0.1:8090", "HTTP listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
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
	if err := os.MkdirAll(filepath.Dir(cfg.Paths.Ledger), 0o755); err != nil {
		log.Fatal().Err(err).Msg("ledger dir")
	}
	db, err := ledger.New(cfg.Paths.Ledger)
	if err != nil {
		log.Fatal().Err(err).Msg("ledger")
	}
	defer db.Close()

	s := NewServer(cfg.Registry(), db, cfg.Paths.Samples, newGame, cfg.Loader(newGame()), cfg.MCTS)
	defer s.Close()

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", *listen).Str("run", cfg.General.RunID).Msg("viewer API listening")
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("listen")
	}
}
