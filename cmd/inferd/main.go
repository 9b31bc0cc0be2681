package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brensch/zerotrain/config"
	"github.com/brensch/zerotrain/executor/inference"
	"github.com/brensch/zerotrain/executor/model"
	"github.com/brensch/zerotrain/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (defaults are used when empty)")
	listen := flag.String("listen", "", "If set, overrides inference.listen")
	poll := flag.Duration("poll", 30*time.Second, "How often to check for a new champion")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Inference.Listen = *listen
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
	// The server always runs models locally.
	loader := cfg.LocalLoader(newGame())
	registry := cfg.Registry()

	rec, err := registry.Champion()
	if err != nil {
		log.Fatal().Err(err).Msg("resolve champion")
	}
	eval, err := loader.Load(rec)
	if err != nil {
		log.Fatal().Err(err).Stringer("champion", rec).Msg("load champion")
	}
	current := inference.NewSwappable(eval, rec.Hash)
	defer func() { model.Release(current.Swap(nil, "")) }()

	server := &http.Server{
		Addr:    cfg.Inference.Listen,
		Handler: inference.NewServer(current, cfg.MCTS.InferenceTimeout).Handler(),
	}
	go func() {
		log.Info().Str("addr", server.Addr).Stringer("champion", rec).Msg("inference server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	ticker := time.NewTicker(*poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			log.Info().Msg("inference server stopped")
			return
		case <-ticker.C:
			logSessions(current)
			hash, err := registry.BestHash()
			if err != nil {
				log.Error().Err(err).Msg("check champion")
				continue
			}
			if hash == rec.Hash {
				continue
			}
			next, err := registry.Champion()
			if err != nil {
				log.Error().Err(err).Msg("resolve champion")
				continue
			}
			eval, err := loader.Load(next)
			if err != nil {
				log.Error().Err(err).Stringer("champion", next).Msg("load champion")
				continue
			}
			// In-flight requests on the old sessions are allowed to finish.
			old := current.Swap(eval, next.Hash)
			time.AfterFunc(time.Minute, func() { model.Release(old) })
			rec = next
			log.Info().Stringer("champion", rec).Msg("champion reloaded")
		}
	}
}

func logSessions(current *inference.Swappable) {
	eval, _ := current.Snapshot()
	pool, ok := eval.(*inference.OnnxPool)
	if !ok {
		return
	}
	for i, st := range pool.ClientStats() {
		log.Debug().
			Int("session", i).
			Int64("batches", st.TotalBatches).
			Float64("avg_batch", st.AvgBatchSize).
			Float64("avg_run_ms", st.AvgRunMs).
			Int("queue", st.QueueLen).
			Msg("session stats")
	}
}
