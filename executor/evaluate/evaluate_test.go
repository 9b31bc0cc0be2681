package evaluate

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brensch/zerotrain/executor/inference"
	"github.com/brensch/zerotrain/executor/mcts"
	"github.com/brensch/zerotrain/executor/model"
	"github.com/brensch/zerotrain/executor/solver"
	"github.com/brensch/zerotrain/game"
	"github.com/brensch/zerotrain/game/connectn"
	"github.com/brensch/zerotrain/ledger"
	"github.com/stretchr/testify/require"
)

// strip is a 3-wide single row where two in a row wins: the first player
// wins by taking the middle.
var strip = connectn.Config{Width: 3, Height: 1, N: 2, Gravity: true}

var tinyBoard = connectn.Config{Width: 4, Height: 4, N: 3, Gravity: true}

// middleEvaluator prefers the middle column of the strip.
type middleEvaluator struct{}

func (middleEvaluator) Infer(_ context.Context, batch [][]float32) ([][]float32, []float32, error) {
	priors := make([][]float32, len(batch))
	for i := range priors {
		priors[i] = []float32{0.1, 0.8, 0.1}
	}
	return priors, make([]float32, len(batch)), nil
}

// edgeEvaluator prefers the last column of tinyBoard.
type edgeEvaluator struct{}

func (edgeEvaluator) Infer(_ context.Context, batch [][]float32) ([][]float32, []float32, error) {
	priors := make([][]float32, len(batch))
	for i := range priors {
		priors[i] = []float32{0.1, 0.1, 0.1, 0.7}
	}
	return priors, make([]float32, len(batch)), nil
}

func testMCTSConfig() mcts.Config {
	cfg := mcts.DefaultConfig()
	cfg.Iterations = 8
	cfg.InferenceRetries = 0
	return cfg
}

func arenaConfig(mode Mode) Config {
	return Config{Games: 2, Threshold: 0.55, Mode: mode, Workers: 2}
}

func TestPromoteBoundary(t *testing.T) {
	require.True(t, Promote(0.55, 0.55))
	require.False(t, Promote(0.549, 0.55))

	res := Result{Wins: 55, Losses: 45}
	require.True(t, Promote(res.Score(), 0.55))
	res = Result{Wins: 54, Draws: 1, Losses: 45}
	require.InDelta(t, 0.545, res.Score(), 1e-12)
	require.False(t, Promote(res.Score(), 0.55))

	require.Zero(t, Result{}.Score())
}

func TestArenaAlternatesFirstMover(t *testing.T) {
	a := NewArena(arenaConfig(ModePolicy), testMCTSConfig(), connectn.Factory(tinyBoard), nil)
	u := inference.NewUniform(4, 0)
	res, err := a.Play(context.Background(), u, u, 4)
	require.NoError(t, err)
	require.Len(t, res.Games, 4)
	for i, g := range res.Games {
		require.Equal(t, i, g.Index)
		require.Equal(t, i%2 == 0, g.ChallengerFirst)
	}
}

func TestIdenticalModelsScoreHalf(t *testing.T) {
	for _, mode := range []Mode{ModeMCTS, ModePolicy} {
		cfg := arenaConfig(mode)
		cfg.Workers = 8
		a := NewArena(cfg, testMCTSConfig(), connectn.Factory(tinyBoard), nil)
		u := inference.NewUniform(4, 0)
		res, err := a.Play(context.Background(), u, u, 100)
		require.NoError(t, err)
		require.Equal(t, 100, res.Total())
		require.Equal(t, 0.5, res.Score(), "mode %s", mode)
		require.False(t, Promote(res.Score(), 0.55))
	}
}

func distinctGames(games []GameRecord) int {
	seen := map[string]bool{}
	for _, g := range games {
		seen[fmt.Sprint(g.Moves)] = true
	}
	return len(seen)
}

func TestRandomOpeningsVaryGames(t *testing.T) {
	for _, mode := range []Mode{ModeMCTS, ModePolicy} {
		cfg := arenaConfig(mode)
		cfg.OpeningPlies = 3
		cfg.Workers = 4
		a := NewArena(cfg, testMCTSConfig(), connectn.Factory(tinyBoard), nil)
		res, err := a.Play(context.Background(), edgeEvaluator{}, inference.NewUniform(4, 0), 20)
		require.NoError(t, err)
		require.Greater(t, distinctGames(res.Games), 2, "mode %s", mode)
		for k := 0; k < len(res.Games); k += 2 {
			first, second := res.Games[k], res.Games[k+1]
			require.GreaterOrEqual(t, len(first.Moves), 3)
			require.Equal(t, first.Moves[:3], second.Moves[:3], "pair %d shares its opening", k/2)
		}
	}
}

func TestNoOpeningPliesIsDeterministic(t *testing.T) {
	a := NewArena(arenaConfig(ModePolicy), testMCTSConfig(), connectn.Factory(tinyBoard), nil)
	res, err := a.Play(context.Background(), edgeEvaluator{}, inference.NewUniform(4, 0), 20)
	require.NoError(t, err)
	require.LessOrEqual(t, distinctGames(res.Games), 2)
}

func TestRandomOpeningsKeepIdenticalModelsEven(t *testing.T) {
	cfg := arenaConfig(ModePolicy)
	cfg.OpeningPlies = 2
	a := NewArena(cfg, testMCTSConfig(), connectn.Factory(tinyBoard), nil)
	u := inference.NewUniform(4, 0)
	res, err := a.Play(context.Background(), u, u, 20)
	require.NoError(t, err)
	require.Equal(t, 0.5, res.Score())
}

func TestStrongerChallengerPolicyMode(t *testing.T) {
	a := NewArena(arenaConfig(ModePolicy), testMCTSConfig(), connectn.Factory(strip), nil)
	res, err := a.Play(context.Background(), middleEvaluator{}, inference.NewUniform(3, 0), 2)
	require.NoError(t, err)
	require.Equal(t, game.Win, res.Games[0].Outcome)
	require.Equal(t, game.Draw, res.Games[1].Outcome)
	require.Equal(t, 0.75, res.Score())
}

func TestSolverAdjudication(t *testing.T) {
	cfg := arenaConfig(ModePolicy)
	cfg.Adjudicate = true
	cfg.AdjudicatePly = 0
	a := NewArena(cfg, testMCTSConfig(), connectn.Factory(strip), solver.NewNegamax(0))
	u := inference.NewUniform(3, 0)
	res, err := a.Play(context.Background(), u, u, 2)
	require.NoError(t, err)
	for _, g := range res.Games {
		require.True(t, g.Adjudicated)
		require.Zero(t, g.Plies)
	}
	require.Equal(t, game.Win, res.Games[0].Outcome, "the first player wins the strip")
	require.Equal(t, game.Loss, res.Games[1].Outcome)
}

func TestAdjudicationFallsBackToPlay(t *testing.T) {
	cfg := arenaConfig(ModePolicy)
	cfg.Adjudicate = true
	a := NewArena(cfg, testMCTSConfig(), connectn.Factory(tinyBoard), solver.NewNegamax(1))
	u := inference.NewUniform(4, 0)
	res, err := a.Play(context.Background(), u, u, 2)
	require.NoError(t, err)
	for _, g := range res.Games {
		require.False(t, g.Adjudicated)
		require.Positive(t, g.Plies)
	}
}

type failingEvaluator struct{}

func (failingEvaluator) Infer(context.Context, [][]float32) ([][]float32, []float32, error) {
	return nil, nil, context.DeadlineExceeded
}

func TestArenaSurfacesEvaluatorFailure(t *testing.T) {
	a := NewArena(arenaConfig(ModeMCTS), testMCTSConfig(), connectn.Factory(tinyBoard), nil)
	_, err := a.Play(context.Background(), failingEvaluator{}, inference.NewUniform(4, 0), 2)
	require.ErrorIs(t, err, mcts.ErrEvaluator)
}

// dirLoader hands out evaluators by model directory.
type dirLoader map[string]mcts.Evaluator

func (l dirLoader) Load(rec model.Record) (mcts.Evaluator, error) {
	if e, ok := l[rec.Dir]; ok {
		return e, nil
	}
	return inference.NewUniform(3, 0), nil
}

func newRegistryWithTraining(t *testing.T) *model.Registry {
	t.Helper()
	r := model.NewRegistry(t.TempDir(), "run")
	artifact := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(artifact, []byte("weights"), 0o644))
	_, err := r.SaveTraining(artifact, 0)
	require.NoError(t, err)
	return r
}

func TestGateColdStartNoPromotion(t *testing.T) {
	r := newRegistryWithTraining(t)
	db, err := ledger.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer db.Close()

	cfg := arenaConfig(ModeMCTS)
	cfg.Games = 10
	gate := NewGate(cfg, r, model.UniformLoader{ActionSpace: 4}, NewArena(cfg, testMCTSConfig(), connectn.Factory(tinyBoard), nil), db)

	v, err := gate.Run(context.Background(), -1)
	require.NoError(t, err)
	require.True(t, v.Champion.Fresh)
	require.Equal(t, 0.5, v.Score)
	require.False(t, v.Promoted)
	require.Equal(t, 0, v.Iteration)

	_, err = r.BestSaved()
	require.ErrorIs(t, err, model.ErrNoModel)

	matches, err := db.Matches("run", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.False(t, matches[0].Promoted)
	games, err := db.MatchGames(v.MatchID)
	require.NoError(t, err)
	require.Len(t, games, 10)
}

func TestGatePromotesStrongerChallenger(t *testing.T) {
	r := newRegistryWithTraining(t)
	cfg := arenaConfig(ModePolicy)
	loader := dirLoader{r.TrainingDir(): middleEvaluator{}}
	gate := NewGate(cfg, r, loader, NewArena(cfg, testMCTSConfig(), connectn.Factory(strip), nil), nil)

	v, err := gate.Run(context.Background(), -1)
	require.NoError(t, err)
	require.True(t, v.Promoted)
	require.Equal(t, r.IterationDir(0), v.Installed.Dir)

	best, err := r.BestSaved()
	require.NoError(t, err)
	require.Equal(t, v.Challenger.Hash, best.Hash)
	hash, err := r.BestHash()
	require.NoError(t, err)
	require.Equal(t, v.Challenger.Hash, hash)
}

func TestGateRequiresMarker(t *testing.T) {
	r := newRegistryWithTraining(t)
	require.NoError(t, os.Remove(filepath.Join(r.TrainingDir(), model.SuccessName)))
	cfg := arenaConfig(ModePolicy)
	gate := NewGate(cfg, r, model.UniformLoader{ActionSpace: 4}, NewArena(cfg, testMCTSConfig(), connectn.Factory(tinyBoard), nil), nil)

	_, err := gate.Run(context.Background(), -1)
	require.ErrorIs(t, err, model.ErrNoSuccessMarker)
}

func TestGateRefusesServerRunningChampion(t *testing.T) {
	r := newRegistryWithTraining(t)
	// The server only runs the fresh champion, so the challenger cannot be
	// evaluated there.
	srv := httptest.NewServer(inference.NewServer(inference.NewSwappable(inference.NewUniform(3, 0), ""), time.Second).Handler())
	defer srv.Close()
	loader := model.RemoteLoader{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + inference.Path}

	cfg := arenaConfig(ModePolicy)
	gate := NewGate(cfg, r, loader, NewArena(cfg, testMCTSConfig(), connectn.Factory(strip), nil), nil)
	v, err := gate.Run(context.Background(), -1)
	require.ErrorIs(t, err, inference.ErrModelMismatch)
	require.False(t, v.Promoted)

	_, err = r.BestSaved()
	require.ErrorIs(t, err, model.ErrNoModel)
}

func TestGateRejectsStaleIteration(t *testing.T) {
	r := model.NewRegistry(t.TempDir(), "run")
	hashes := make([]string, 2)
	for i, content := range []string{"first", "second", "third"} {
		artifact := filepath.Join(t.TempDir(), "model.onnx")
		require.NoError(t, os.WriteFile(artifact, []byte(content), 0o644))
		trained, err := r.SaveTraining(artifact, i)
		require.NoError(t, err)
		if i < len(hashes) {
			_, err = r.Promote(trained, i)
			require.NoError(t, err)
			hashes[i] = trained.Hash
		}
	}

	cfg := arenaConfig(ModePolicy)
	loader := dirLoader{r.TrainingDir(): middleEvaluator{}}
	gate := NewGate(cfg, r, loader, NewArena(cfg, testMCTSConfig(), connectn.Factory(strip), nil), nil)
	for _, n := range []int{0, 1} {
		v, err := gate.Run(context.Background(), n)
		require.ErrorIs(t, err, model.ErrStaleIteration, "iteration %d", n)
		require.False(t, v.Promoted)
		require.Zero(t, v.Result.Total(), "no games are played")
	}

	for i, hash := range hashes {
		rec, err := model.Open(r.IterationDir(i))
		require.NoError(t, err)
		require.Equal(t, hash, rec.Hash)
	}
	best, err := r.BestSaved()
	require.NoError(t, err)
	require.Equal(t, 1, best.Iteration)

	v, err := gate.Run(context.Background(), -1)
	require.NoError(t, err)
	require.True(t, v.Promoted)
	require.Equal(t, 2, v.Iteration)
}
