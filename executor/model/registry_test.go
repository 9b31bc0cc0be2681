package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exported.onnx")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestColdStart(t *testing.T) {
	r := NewRegistry(t.TempDir(), "run")

	_, err := r.BestSaved()
	require.ErrorIs(t, err, ErrNoModel)

	rec, err := r.Champion()
	require.NoError(t, err)
	require.True(t, rec.Fresh)
	require.Empty(t, rec.ArtifactPath())

	hash, err := r.BestHash()
	require.NoError(t, err)
	require.Empty(t, hash)

	_, err = r.LastSaved()
	require.ErrorIs(t, err, ErrNoModel)
}

func TestSaveTrainingAndPromote(t *testing.T) {
	r := NewRegistry(t.TempDir(), "run")
	artifact := writeArtifact(t, "weights-v1")

	trained, err := r.SaveTraining(artifact, 1)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(r.TrainingDir(), SuccessName))

	want, err := HashFile(artifact)
	require.NoError(t, err)
	require.Equal(t, want, trained.Hash)
	require.Len(t, trained.Hash, 32)

	last, err := r.LastSaved()
	require.NoError(t, err)
	require.Equal(t, trained.Hash, last.Hash)
	require.Equal(t, 1, last.Iteration)

	promoted, err := r.Promote(last, 1)
	require.NoError(t, err)
	require.Equal(t, r.IterationDir(1), promoted.Dir)

	best, err := r.BestSaved()
	require.NoError(t, err)
	require.Equal(t, trained.Hash, best.Hash)
	require.Equal(t, "run", best.RunID)

	hash, err := r.BestHash()
	require.NoError(t, err)
	require.Equal(t, trained.Hash, hash)

	entries, err := os.ReadDir(filepath.Dir(r.IterationDir(1)))
	require.NoError(t, err)
	require.Len(t, entries, 1, "staging directories are cleaned up")
}

func TestMarkerlessDirectories(t *testing.T) {
	r := NewRegistry(t.TempDir(), "run")
	artifact := writeArtifact(t, "weights")

	_, err := r.Promote(Record{Meta: Meta{Hash: "x"}, Dir: filepath.Dir(artifact)}, 2)
	require.Error(t, err, "source dir has no model.onnx")

	trained, err := r.SaveTraining(artifact, 1)
	require.NoError(t, err)
	_, err = r.Promote(trained, 1)
	require.NoError(t, err)

	// A half-written later iteration is ignored.
	require.NoError(t, os.MkdirAll(r.IterationDir(5), 0o755))
	n, err := r.LastIteration()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = Open(r.IterationDir(5))
	require.ErrorIs(t, err, ErrNoSuccessMarker)

	require.NoError(t, os.Remove(filepath.Join(r.TrainingDir(), SuccessName)))
	_, err = r.LastSaved()
	require.ErrorIs(t, err, ErrNoSuccessMarker)
}

func TestPromoteFreshIsRejected(t *testing.T) {
	r := NewRegistry(t.TempDir(), "run")
	_, err := r.Promote(r.Fresh(), 0)
	require.Error(t, err)
}

func TestPromoteNeverReplacesChampion(t *testing.T) {
	r := NewRegistry(t.TempDir(), "run")
	first, err := r.SaveTraining(writeArtifact(t, "first"), 0)
	require.NoError(t, err)
	_, err = r.Promote(first, 0)
	require.NoError(t, err)
	second, err := r.SaveTraining(writeArtifact(t, "second"), 1)
	require.NoError(t, err)
	_, err = r.Promote(second, 1)
	require.NoError(t, err)

	third, err := r.SaveTraining(writeArtifact(t, "third"), 2)
	require.NoError(t, err)
	for _, n := range []int{0, 1} {
		_, err = r.Promote(third, n)
		require.ErrorIs(t, err, ErrStaleIteration, "iteration %d", n)
	}

	rec, err := Open(r.IterationDir(0))
	require.NoError(t, err)
	require.Equal(t, first.Hash, rec.Hash)
	best, err := r.BestSaved()
	require.NoError(t, err)
	require.Equal(t, 1, best.Iteration)
	require.Equal(t, second.Hash, best.Hash)

	// A half-written directory above the champion is fair game.
	require.NoError(t, os.MkdirAll(r.IterationDir(4), 0o755))
	installed, err := r.Promote(third, 4)
	require.NoError(t, err)
	require.Equal(t, r.IterationDir(4), installed.Dir)
	best, err = r.BestSaved()
	require.NoError(t, err)
	require.Equal(t, third.Hash, best.Hash)
}

func TestLatestIterationWins(t *testing.T) {
	r := NewRegistry(t.TempDir(), "run")
	for i, content := range []string{"a", "b", "c"} {
		trained, err := r.SaveTraining(writeArtifact(t, content), i)
		require.NoError(t, err)
		_, err = r.Promote(trained, i*10)
		require.NoError(t, err)
	}
	best, err := r.BestSaved()
	require.NoError(t, err)
	require.Equal(t, 20, best.Iteration)

	want, err := HashFile(filepath.Join(r.IterationDir(20), ArtifactName))
	require.NoError(t, err)
	require.Equal(t, want, best.Hash)
}

func TestUniformLoader(t *testing.T) {
	eval, err := UniformLoader{ActionSpace: 7}.Load(Record{Fresh: true})
	require.NoError(t, err)
	priors, _, err := eval.Infer(t.Context(), [][]float32{{0}})
	require.NoError(t, err)
	require.Len(t, priors[0], 7)
	Release(eval)
}
