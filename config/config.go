// Package config holds the explicit configuration of every binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/brensch/zerotrain/executor/evaluate"
	"github.com/brensch/zerotrain/executor/mcts"
	"github.com/brensch/zerotrain/game"
	"github.com/brensch/zerotrain/game/chess"
	"github.com/brensch/zerotrain/game/connectn"
	"github.com/brensch/zerotrain/logging"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

const (
	GameConnectN = "connect_n"
	GameChess    = "chess"
)

type Config struct {
	General    General         `yaml:"general"`
	MCTS       mcts.Config     `yaml:"mcts"`
	Samples    Samples         `yaml:"samples"`
	Evaluation evaluate.Config `yaml:"evaluation"`
	Inference  Inference       `yaml:"inference"`
	Solver     Solver          `yaml:"solver"`
	ConnectN   connectn.Config `yaml:"connect_n"`
	Chess      chess.Config    `yaml:"chess"`
	Paths      Paths           `yaml:"paths"`
	Logging    logging.Config  `yaml:"logging"`
}

type General struct {
	Game  string `yaml:"game"`
	RunID string `yaml:"run_id"`
	// MonoProcess plays every game on one goroutine with an unshared buffer.
	MonoProcess       bool    `yaml:"mono_process"`
	Workers           int     `yaml:"workers"`
	Games             int     `yaml:"games"`
	DiscountingFactor float64 `yaml:"discounting_factor"`
	// RefreshEvery is how many self-play games pass between champion checks.
	RefreshEvery int `yaml:"refresh_every"`
}

type Samples struct {
	MinimumTrainingSize int `yaml:"minimum_training_size"`
	MinimumDeltaSize    int `yaml:"minimum_delta_size"`
	QueueSize           int `yaml:"samples_queue_size"`
}

type Inference struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	Sessions     int           `yaml:"sessions"`
	Logits       bool          `yaml:"logits"`
	CUDA         bool          `yaml:"cuda"`
	// RemoteURL selects the websocket evaluator instead of a local session.
	RemoteURL string `yaml:"remote_url"`
	Listen    string `yaml:"listen"`
}

type Solver struct {
	Connect4Path string `yaml:"connect4_solver_path"`
	Connect4Book string `yaml:"connect4_opening_book"`
	MaxNodes     int    `yaml:"max_nodes"`
}

type Paths struct {
	Models  string `yaml:"models"`
	Samples string `yaml:"samples"`
	Ledger  string `yaml:"ledger"`
}

// Default is the stock connect-four training setup.
func Default() Config {
	return Config{
		General: General{
			Game:              GameConnectN,
			RunID:             "default",
			Workers:           8,
			DiscountingFactor: 1,
			RefreshEvery:      10,
		},
		MCTS: mcts.DefaultConfig(),
		Samples: Samples{
			MinimumTrainingSize: 2500,
			MinimumDeltaSize:    1000,
			QueueSize:           10000,
		},
		Evaluation: evaluate.DefaultConfig(),
		Inference: Inference{
			BatchSize:    128,
			BatchTimeout: time.Millisecond,
			Sessions:     1,
			Listen:       ":8080",
		},
		Solver: Solver{
			Connect4Path: "./exact_solvers/c4solver",
			Connect4Book: "./exact_solvers/7x6.book",
		},
		ConnectN: connectn.DefaultConfig(),
		Chess:    chess.DefaultConfig(),
		Paths: Paths{
			Models:  "data/models",
			Samples: "data/samples",
			Ledger:  "data/ledger.db",
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load overlays the YAML file at path onto Default. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (c Config) Validate() error {
	switch c.General.Game {
	case GameConnectN:
		if err := c.ConnectN.Validate(); err != nil {
			return invalid("connect_n: %v", err)
		}
	case GameChess:
	default:
		return invalid("unknown game %q", c.General.Game)
	}
	if c.General.DiscountingFactor <= 0 || c.General.DiscountingFactor > 1 {
		return invalid("discounting_factor %v not in (0, 1]", c.General.DiscountingFactor)
	}
	if c.MCTS.Iterations <= 0 {
		return invalid("mcts iterations must be positive")
	}
	if c.MCTS.Cpuct <= 0 {
		return invalid("exploration_constant must be positive")
	}
	if c.MCTS.DirichletEnabled && (c.MCTS.DirichletAlpha <= 0 || c.MCTS.DirichletRatio < 0 || c.MCTS.DirichletRatio > 1) {
		return invalid("dirichlet alpha %v ratio %v", c.MCTS.DirichletAlpha, c.MCTS.DirichletRatio)
	}
	if c.MCTS.InferenceRetries < 0 {
		return invalid("inference_retries must not be negative")
	}
	if c.Samples.MinimumTrainingSize <= 0 || c.Samples.MinimumDeltaSize <= 0 {
		return invalid("sample flush sizes must be positive")
	}
	if c.Samples.QueueSize < c.Samples.MinimumTrainingSize {
		return invalid("samples_queue_size %d below minimum_training_size %d", c.Samples.QueueSize, c.Samples.MinimumTrainingSize)
	}
	if c.Evaluation.Games <= 0 {
		return invalid("evaluation_games_number must be positive")
	}
	if c.Evaluation.Threshold < 0 || c.Evaluation.Threshold > 1 {
		return invalid("replace_min_score %v not in [0, 1]", c.Evaluation.Threshold)
	}
	if c.Evaluation.OpeningPlies < 0 {
		return invalid("random_opening_plies must not be negative")
	}
	switch c.Evaluation.Mode {
	case evaluate.ModeMCTS, evaluate.ModePolicy:
	default:
		return invalid("unknown evaluation mode %q", c.Evaluation.Mode)
	}
	if c.General.RunID == "" {
		return invalid("run_id is required")
	}
	return nil
}

// NewGame returns the factory of the configured variant.
func (c Config) NewGame() (game.Factory, error) {
	switch c.General.Game {
	case GameConnectN:
		return connectn.Factory(c.ConnectN), nil
	case GameChess:
		return chess.Factory(c.Chess)
	}
	return nil, invalid("unknown game %q", c.General.Game)
}
