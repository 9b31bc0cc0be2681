package config

import (
	"errors"
	"os"

	"github.com/brensch/zerotrain/executor/inference"
	"github.com/brensch/zerotrain/executor/mcts"
	"github.com/brensch/zerotrain/executor/model"
	"github.com/brensch/zerotrain/executor/solver"
	"github.com/brensch/zerotrain/game"
	"github.com/rs/zerolog/log"
)

// Registry opens the model registry of the configured run.
func (c Config) Registry() *model.Registry {
	return model.NewRegistry(c.Paths.Models, c.General.RunID)
}

// OnnxConfig sizes ONNX sessions for the variant blank belongs to.
func (c Config) OnnxConfig(blank game.State) inference.OnnxClientConfig {
	return inference.OnnxClientConfig{
		BatchSize:    c.Inference.BatchSize,
		BatchTimeout: c.Inference.BatchTimeout,
		StateShape:   blank.Shape(),
		ActionSpace:  blank.ActionSpace(),
		Logits:       c.Inference.Logits,
		CUDA:         c.Inference.CUDA,
	}
}

// Loader returns the remote loader when a server is configured and local
// ONNX sessions otherwise. The server only runs the champion, so this suits
// binaries that play the champion alone.
func (c Config) Loader(blank game.State) model.Loader {
	if c.Inference.RemoteURL != "" {
		return model.RemoteLoader{URL: c.Inference.RemoteURL}
	}
	return c.LocalLoader(blank)
}

// LocalLoader always opens ONNX sessions in process. Evaluation needs it:
// the challenger is never on the inference server.
func (c Config) LocalLoader(blank game.State) model.Loader {
	return model.OnnxLoader{Config: c.OnnxConfig(blank), Sessions: c.Inference.Sessions}
}

// NewSolver prefers the external connect-4 solver for classic connect four
// when its binary is installed and falls back to negamax. The returned
// function releases the solver.
func (c Config) NewSolver() (mcts.Solver, func() error, error) {
	noop := func() error { return nil }
	cn := c.ConnectN
	classic := c.General.Game == GameConnectN && cn.Width == 7 && cn.Height == 6 && cn.N == 4 && cn.Gravity
	if classic && c.Solver.Connect4Path != "" {
		if _, err := os.Stat(c.Solver.Connect4Path); err == nil {
			book := c.Solver.Connect4Book
			if _, err := os.Stat(book); errors.Is(err, os.ErrNotExist) {
				book = ""
			}
			s, err := solver.StartConnect4(c.Solver.Connect4Path, book)
			if err != nil {
				return nil, noop, err
			}
			return s, s.Close, nil
		}
		log.Warn().Str("path", c.Solver.Connect4Path).Msg("connect-4 solver not found, using negamax")
	}
	return solver.NewNegamax(c.Solver.MaxNodes), noop, nil
}
