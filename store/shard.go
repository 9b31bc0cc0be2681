package store

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
	"github.com/samber/lo"
)

var shardPattern = regexp.MustCompile(`^shard_(\d+)\.parquet$`)

// ShardName is the file name of shard index.
func ShardName(index int) string {
	return fmt.Sprintf("shard_%06d.parquet", index)
}

// Shard is a shard file in a sample directory.
type Shard struct {
	Index int
	Path  string
}

// ListShards returns the shards of dir in index order. A missing dir has none.
func ListShards(dir string) ([]Shard, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	var shards []Shard
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := shardPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		shards = append(shards, Shard{Index: idx, Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].Index < shards[j].Index })
	return shards, nil
}

// WriteShard writes samples into dir/tmp and then atomically moves the file
// into dir, so readers never observe a partially written shard.
func WriteShard(dir string, index int, samples []Sample, variant string) (string, error) {
	if len(samples) == 0 {
		return "", fmt.Errorf("refusing to write an empty shard")
	}
	tmpDir := filepath.Join(dir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}

	name := ShardName(index)
	finalPath := filepath.Join(dir, name)
	tmpPath := filepath.Join(tmpDir, name+".tmp")
	_ = os.Remove(tmpPath)

	if err := parquet.WriteFile(tmpPath, samples,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.SkipPageBounds("state"),
		parquet.KeyValueMetadata("schema", SchemaName),
		parquet.KeyValueMetadata("variant", variant),
	); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write parquet: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("rename parquet: %w", err)
	}
	return finalPath, nil
}

// ShardWriter writes consecutively numbered shards. Numbering resumes after
// the highest shard already present.
type ShardWriter struct {
	dir     string
	variant string
	next    int
}

func NewShardWriter(dir, variant string) (*ShardWriter, error) {
	if dir == "" {
		return nil, fmt.Errorf("shard dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create shard dir: %w", err)
	}
	shards, err := ListShards(dir)
	if err != nil {
		return nil, err
	}
	next := 0
	if len(shards) > 0 {
		next = shards[len(shards)-1].Index + 1
	}
	return &ShardWriter{dir: dir, variant: variant, next: next}, nil
}

func (w *ShardWriter) Dir() string { return w.dir }

// Next is the index the next Write will use.
func (w *ShardWriter) Next() int { return w.next }

func (w *ShardWriter) Write(samples []Sample) (string, error) {
	path, err := WriteShard(w.dir, w.next, samples, w.variant)
	if err != nil {
		return "", err
	}
	w.next++
	return path, nil
}

// ShardInfo is the metadata of a decoded shard.
type ShardInfo struct {
	Schema  string
	Variant string
	Rows    int64
}

// ReadShard decodes a shard and validates that its arrays are aligned.
func ReadShard(path string) ([]Sample, ShardInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ShardInfo{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, ShardInfo{}, err
	}

	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, ShardInfo{}, fmt.Errorf("%w: %s: %w", ErrMalformedShard, path, err)
	}
	info := ShardInfo{Rows: pf.NumRows()}
	info.Schema, _ = pf.Lookup("schema")
	info.Variant, _ = pf.Lookup("variant")
	if info.Schema != SchemaName {
		return nil, info, fmt.Errorf("%w: %s: schema %q, expected %q", ErrMalformedShard, path, info.Schema, SchemaName)
	}

	samples, err := parquet.Read[Sample](f, st.Size())
	if err != nil {
		return nil, info, fmt.Errorf("%w: %s: %w", ErrMalformedShard, path, err)
	}
	if err := Validate(samples); err != nil {
		return nil, info, fmt.Errorf("%w: %s: %w", ErrMalformedShard, path, err)
	}
	return samples, info, nil
}

// Validate checks that every sample has the same state and policy widths,
// that policies are distributions and that values are in [-1, 1].
func Validate(samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	stateWidth := len(samples[0].State)
	policyWidth := len(samples[0].Policy)
	for i, s := range samples {
		if len(s.State) != stateWidth || len(s.Policy) != policyWidth {
			return fmt.Errorf("sample %d: widths %d/%d, expected %d/%d", i, len(s.State), len(s.Policy), stateWidth, policyWidth)
		}
		if s.Value < -1 || s.Value > 1 || math.IsNaN(float64(s.Value)) {
			return fmt.Errorf("sample %d: value %v outside [-1, 1]", i, s.Value)
		}
		mass := lo.Sum(s.Policy)
		if math.Abs(float64(mass)-1) > 1e-3 {
			return fmt.Errorf("sample %d: policy mass %v", i, mass)
		}
	}
	return nil
}

// LoadWindow returns the most recent size samples of dir in write order,
// reading shards newest first.
func LoadWindow(dir string, size int) ([]Sample, error) {
	shards, err := ListShards(dir)
	if err != nil {
		return nil, err
	}
	var chunks [][]Sample
	total := 0
	for i := len(shards) - 1; i >= 0 && total < size; i-- {
		samples, _, err := ReadShard(shards[i].Path)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, samples)
		total += len(samples)
	}
	window := lo.Flatten(lo.Reverse(chunks))
	if len(window) > size {
		window = window[len(window)-size:]
	}
	return window, nil
}
