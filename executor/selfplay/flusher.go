package selfplay

import (
	"sync"

	"github.com/brensch/zerotrain/store"
	"github.com/rs/zerolog/log"
)

// Flusher writes pending samples to shards. The first shard of a sample
// directory waits for MinimumTrainingSize samples, later shards for
// MinimumDeltaSize.
type Flusher struct {
	mu     sync.Mutex
	acc    Accumulator
	writer *store.ShardWriter

	MinimumTrainingSize int
	MinimumDeltaSize    int
}

func NewFlusher(acc Accumulator, writer *store.ShardWriter, minTraining, minDelta int) *Flusher {
	return &Flusher{acc: acc, writer: writer, MinimumTrainingSize: minTraining, MinimumDeltaSize: minDelta}
}

// Threshold is the pending count the next flush waits for.
func (f *Flusher) Threshold() int {
	if f.writer.Next() == 0 {
		return f.MinimumTrainingSize
	}
	return f.MinimumDeltaSize
}

// MaybeFlush writes a shard when enough samples are pending. It returns the
// shard path, or "" when nothing was written.
func (f *Flusher) MaybeFlush() (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.acc.Len() < f.Threshold() {
		return "", 0, nil
	}
	samples := f.acc.Drain()
	path, err := f.writer.Write(samples)
	if err != nil {
		// Put them back so a later flush can retry.
		f.acc.Append(samples)
		return "", 0, err
	}
	log.Info().Str("shard", path).Int("samples", len(samples)).Msg("samples flushed")
	return path, len(samples), nil
}
