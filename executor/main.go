package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brensch/zerotrain/config"
	"github.com/brensch/zerotrain/executor/mcts"
	"github.com/brensch/zerotrain/executor/selfplay"
	"github.com/brensch/zerotrain/logging"
	"github.com/brensch/zerotrain/store"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"
)

type model struct {
	runner        *selfplay.Runner
	gamesPlayed   int
	failedGames   int
	totalExamples int
	pending       int
	shards        int
	champion      string
	moves         int64
	startTime     time.Time
	recentGames   []string
	updates       chan selfplay.Progress
	done          chan error
	finished      bool
	err           error
}

func initialModel(runner *selfplay.Runner, updates chan selfplay.Progress, done chan error) model {
	return model{
		runner:    runner,
		startTime: time.Now(),
		updates:   updates,
		done:      done,
	}
}

type TickMsg time.Time

type finishedMsg struct{ err error }

func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*100, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(m.updates), waitForDone(m.done), tickCmd())
}

func waitForUpdate(updates chan selfplay.Progress) tea.Cmd {
	return func() tea.Msg {
		return <-updates
	}
}

func waitForDone(done chan error) tea.Cmd {
	return func() tea.Msg {
		return finishedMsg{err: <-done}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case TickMsg:
		m.moves = m.runner.Moves()
		return m, tickCmd()
	case finishedMsg:
		m.finished = true
		m.err = msg.err
		return m, tea.Quit
	case selfplay.Progress:
		m.champion = msg.Champion
		var line string
		if msg.Err != nil {
			m.failedGames++
			line = fmt.Sprintf("Worker %d: game discarded: %v", msg.Worker, msg.Err)
		} else {
			m.gamesPlayed++
			m.totalExamples += msg.Samples
			m.pending = msg.Pending
			line = fmt.Sprintf("Worker %d: %s in %d plies, %d samples", msg.Worker, msg.Result.Outcome, msg.Result.Plies, msg.Samples)
		}
		if msg.Shard != "" {
			m.shards++
			line += " -> " + msg.Shard
		}
		m.recentGames = append([]string{line}, m.recentGames...)
		if len(m.recentGames) > 10 {
			m.recentGames = m.recentGames[:10]
		}
		return m, waitForUpdate(m.updates)
	}
	return m, nil
}

func (m model) View() string {
	duration := time.Since(m.startTime)
	gamesPerSec := float64(m.gamesPlayed) / duration.Seconds()
	movesPerSec := float64(m.moves) / duration.Seconds()
	if duration.Seconds() < 1 {
		gamesPerSec = 0
		movesPerSec = 0
	}

	s := fmt.Sprintf("Champion:        %s\n", m.champion)
	s += fmt.Sprintf("Games Played:    %d (%d discarded)\n", m.gamesPlayed, m.failedGames)
	s += fmt.Sprintf("Total Examples:  %d\n", m.totalExamples)
	s += fmt.Sprintf("Pending Samples: %d\n", m.pending)
	s += fmt.Sprintf("Shards Written:  %d\n", m.shards)
	s += fmt.Sprintf("Total Moves:     %d\n", m.moves)
	s += fmt.Sprintf("Duration:        %s\n", duration.Round(time.Second))
	s += fmt.Sprintf("Games/Sec:       %.2f\n", gamesPerSec)
	s += fmt.Sprintf("Moves/Sec:       %.2f\n\n", movesPerSec)

	s += "Recent Games:\n"
	for _, g := range m.recentGames {
		s += g + "\n"
	}

	s += "\nPress q to quit.\n"
	return s
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (defaults are used when empty)")
	games := flag.Int("games", -1, "If >= 0, overrides general.games (0 plays until interrupted)")
	workers := flag.Int("workers", 0, "If > 0, overrides general.workers")
	useTUI := flag.Bool("tui", false, "Show a live dashboard; logs go to selfplay.log")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *games >= 0 {
		cfg.General.Games = *games
	}
	if *workers > 0 {
		cfg.General.Workers = *workers
	}
	if *useTUI && cfg.Logging.File == "" {
		// Keep logs from messing up the TUI.
		cfg.Logging.File = "selfplay.log"
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
	blank := newGame()

	var solver mcts.Solver
	if cfg.MCTS.UseSolver {
		s, release, err := cfg.NewSolver()
		if err != nil {
			log.Fatal().Err(err).Msg("solver")
		}
		defer release()
		solver = s
	}

	writer, err := store.NewShardWriter(cfg.Paths.Samples, cfg.General.Game)
	if err != nil {
		log.Fatal().Err(err).Msg("sample store")
	}
	acc := selfplay.NewAccumulator(cfg.General.MonoProcess)
	flusher := selfplay.NewFlusher(acc, writer, cfg.Samples.MinimumTrainingSize, cfg.Samples.MinimumDeltaSize)

	updates := make(chan selfplay.Progress, 256)
	runner := selfplay.NewRunner(selfplay.RunnerConfig{
		Games:        cfg.General.Games,
		Workers:      cfg.General.Workers,
		Mono:         cfg.General.MonoProcess,
		RefreshEvery: cfg.General.RefreshEvery,
		Discount:     cfg.General.DiscountingFactor,
	}, cfg.MCTS, newGame, cfg.Registry(), cfg.Loader(blank), flusher, acc,
		selfplay.WithSolver(solver),
		selfplay.WithProgress(updates),
	)

	log.Info().
		Str("game", cfg.General.Game).
		Int("workers", cfg.General.Workers).
		Bool("mono", cfg.General.MonoProcess).
		Int("iterations", cfg.MCTS.Iterations).
		Str("samples", writer.Dir()).
		Int("next_shard", writer.Next()).
		Msg("starting self-play")

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	if *useTUI {
		p := tea.NewProgram(initialModel(runner, updates, done), tea.WithAltScreen())
		final, err := p.Run()
		if err != nil {
			log.Fatal().Err(err).Msg("tui")
		}
		m := final.(model)
		if !m.finished {
			// Quit from the keyboard: stop the workers and wait for them.
			stop()
			m.err = <-done
		}
		if m.err != nil {
			log.Fatal().Err(m.err).Msg("self-play failed")
		}
		return
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	startTime := time.Now()
	// The mono accumulator is not safe to read from here; track it from events.
	pending := 0
	for {
		select {
		case err := <-done:
			if err != nil {
				log.Fatal().Err(err).Msg("self-play failed")
			}
			log.Info().Int64("games", runner.Finished()).Int("pending", pending).Msg("shutdown complete")
			return
		case p := <-updates:
			if p.Err == nil {
				pending = p.Pending
			}
			if p.Shard != "" {
				log.Info().Str("shard", p.Shard).Msg("shard written")
			}
		case <-ticker.C:
			duration := time.Since(startTime).Seconds()
			log.Info().
				Int64("games", runner.Finished()).
				Int64("failed", runner.Failed()).
				Float64("moves_per_sec", float64(runner.Moves())/duration).
				Int("pending", pending).
				Str("champion", runner.Champion().String()).
				Msg("stats")
		}
	}
}
