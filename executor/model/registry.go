// Package model resolves, opens and promotes model artifacts on disk.
//
// Layout under the root directory:
//
//	<run>/training/                    last model written by the trainer
//	<run>/evaluation/iteration_<n>/    promoted champions
//
// Every model directory holds model.onnx, meta.json and a _SUCCESS marker
// that is written last. A directory without the marker is never read.
package model

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/xxh3"
)

const (
	ArtifactName = "model.onnx"
	MetaName     = "meta.json"
	SuccessName  = "_SUCCESS"

	trainingDir   = "training"
	evaluationDir = "evaluation"
)

var (
	// ErrNoSuccessMarker is returned when a model directory is read before its
	// writer finished. Callers treat it as fatal.
	ErrNoSuccessMarker = errors.New("model directory has no _SUCCESS marker")
	// ErrNoModel is returned when nothing has been saved yet.
	ErrNoModel = errors.New("no saved model")
	// ErrStaleIteration refuses a promotion that would not become the
	// champion or would replace a marked champion directory.
	ErrStaleIteration = errors.New("iteration is not newer than the champion")
)

var iterationPattern = regexp.MustCompile(`^iteration_(\d+)$`)

// Meta is the content of meta.json.
type Meta struct {
	Hash      string    `json:"hash"`
	Iteration int       `json:"iteration"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Record identifies a model. Fresh records have no directory: they stand for
// an untrained network with uniform priors.
type Record struct {
	Meta
	Dir   string
	Fresh bool
}

// ArtifactPath is the ONNX file of the record.
func (r Record) ArtifactPath() string {
	if r.Fresh {
		return ""
	}
	return filepath.Join(r.Dir, ArtifactName)
}

func (r Record) String() string {
	if r.Fresh {
		return "fresh"
	}
	return fmt.Sprintf("iteration %d (%s)", r.Iteration, shortHash(r.Hash))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// Registry manages the models of one run.
type Registry struct {
	root  string
	runID string
}

func NewRegistry(root, runID string) *Registry {
	return &Registry{root: root, runID: runID}
}

// NewRunID names a new run.
func NewRunID() string {
	return time.Now().UTC().Format("20060102") + "-" + uuid.NewString()[:8]
}

func (r *Registry) RunID() string { return r.runID }

func (r *Registry) runDir() string { return filepath.Join(r.root, r.runID) }

// TrainingDir is where the trainer drops the last trained model.
func (r *Registry) TrainingDir() string { return filepath.Join(r.runDir(), trainingDir) }

func (r *Registry) IterationDir(iteration int) string {
	return filepath.Join(r.runDir(), evaluationDir, fmt.Sprintf("iteration_%d", iteration))
}

// Fresh is the record of an untrained model.
func (r *Registry) Fresh() Record {
	return Record{Meta: Meta{RunID: r.runID, Iteration: -1}, Fresh: true}
}

// Open reads the meta of a finished model directory.
func Open(dir string) (Record, error) {
	if _, err := os.Stat(filepath.Join(dir, SuccessName)); err != nil {
		if os.IsNotExist(err) {
			return Record{}, fmt.Errorf("%w: %s", ErrNoSuccessMarker, dir)
		}
		return Record{}, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, MetaName))
	if err != nil {
		return Record{}, fmt.Errorf("read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Record{}, fmt.Errorf("decode meta %s: %w", dir, err)
	}
	return Record{Meta: meta, Dir: dir}, nil
}

// LastSaved opens the training directory. It returns ErrNoModel when the
// trainer has not written anything and ErrNoSuccessMarker when it is still
// writing.
func (r *Registry) LastSaved() (Record, error) {
	dir := r.TrainingDir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return Record{}, fmt.Errorf("%w: %s", ErrNoModel, dir)
	}
	return Open(dir)
}

// LastIteration is the highest iteration with a success marker, or -1.
func (r *Registry) LastIteration() (int, error) {
	entries, err := os.ReadDir(filepath.Join(r.runDir(), evaluationDir))
	if os.IsNotExist(err) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	best := -1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := iterationPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= best {
			continue
		}
		if _, err := os.Stat(filepath.Join(r.IterationDir(n), SuccessName)); err != nil {
			continue
		}
		best = n
	}
	return best, nil
}

// BestSaved opens the latest champion. Without one it returns a fresh record
// and ErrNoModel, which callers treat as a cold start.
func (r *Registry) BestSaved() (Record, error) {
	n, err := r.LastIteration()
	if err != nil {
		return Record{}, err
	}
	if n < 0 {
		return r.Fresh(), ErrNoModel
	}
	return Open(r.IterationDir(n))
}

// Champion is BestSaved with the cold start folded in: it logs a warning and
// returns the fresh record.
func (r *Registry) Champion() (Record, error) {
	rec, err := r.BestSaved()
	if errors.Is(err, ErrNoModel) {
		log.Warn().Str("run", r.runID).Msg("no champion saved yet, using a fresh model")
		return r.Fresh(), nil
	}
	return rec, err
}

// BestHash is the content hash of the champion, empty for a cold start.
func (r *Registry) BestHash() (string, error) {
	rec, err := r.BestSaved()
	if errors.Is(err, ErrNoModel) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.Hash, nil
}

// SaveTraining stores artifact as the last trained model with the same marker
// discipline the trainer follows.
func (r *Registry) SaveTraining(artifact string, iteration int) (Record, error) {
	return r.install(artifact, r.TrainingDir(), iteration, true)
}

// Promote installs rec as champion iteration. The copy is staged in a
// temporary directory, renamed into place and only then marked successful.
// iteration must be above every marked iteration, so the new champion is the
// one BestSaved resolves and no champion is ever overwritten.
func (r *Registry) Promote(rec Record, iteration int) (Record, error) {
	if rec.Fresh {
		return Record{}, fmt.Errorf("cannot promote a fresh model")
	}
	last, err := r.LastIteration()
	if err != nil {
		return Record{}, err
	}
	if iteration <= last {
		return Record{}, fmt.Errorf("%w: iteration %d, champion is iteration %d", ErrStaleIteration, iteration, last)
	}
	return r.install(rec.ArtifactPath(), r.IterationDir(iteration), iteration, false)
}

// install stages artifact into dir. A dir bearing the success marker is only
// replaced when replace is set.
func (r *Registry) install(artifact, dir string, iteration int, replace bool) (Record, error) {
	if !replace {
		if _, err := os.Stat(filepath.Join(dir, SuccessName)); err == nil {
			return Record{}, fmt.Errorf("%w: %s is already installed", ErrStaleIteration, dir)
		}
	}
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return Record{}, fmt.Errorf("create %s: %w", parent, err)
	}
	staging, err := os.MkdirTemp(parent, ".staging-")
	if err != nil {
		return Record{}, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	hash, err := copyAndHash(artifact, filepath.Join(staging, ArtifactName))
	if err != nil {
		return Record{}, err
	}
	meta := Meta{Hash: hash, Iteration: iteration, RunID: r.runID, CreatedAt: time.Now().UTC()}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Record{}, err
	}
	if err := os.WriteFile(filepath.Join(staging, MetaName), raw, 0o644); err != nil {
		return Record{}, fmt.Errorf("write meta: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return Record{}, fmt.Errorf("clear %s: %w", dir, err)
	}
	if err := os.Rename(staging, dir); err != nil {
		return Record{}, fmt.Errorf("rename into %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, SuccessName), nil, 0o644); err != nil {
		return Record{}, fmt.Errorf("write marker: %w", err)
	}
	log.Info().Str("dir", dir).Int("iteration", iteration).Str("hash", shortHash(hash)).Msg("model installed")
	return Record{Meta: meta, Dir: dir}, nil
}

// HashFile is the xxh3-128 content hash of path, hex encoded.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	sum := h.Sum128().Bytes()
	return hex.EncodeToString(sum[:]), nil
}

func copyAndHash(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	h := xxh3.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		out.Close()
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	sum := h.Sum128().Bytes()
	return hex.EncodeToString(sum[:]), nil
}
