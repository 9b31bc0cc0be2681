package selfplay

import "sync"

// Accumulator collects finished games until they are flushed. Append adds a
// whole game at once; Drain takes everything pending.
type Accumulator interface {
	Append(samples []Sample)
	Len() int
	Drain() []Sample
}

// NewAccumulator returns the lock-free accumulator for mono mode and the
// shared one otherwise.
func NewAccumulator(mono bool) Accumulator {
	if mono {
		return &memoryAccumulator{}
	}
	return &sharedAccumulator{}
}

// memoryAccumulator is owned by a single goroutine.
type memoryAccumulator struct {
	pending []Sample
}

func (a *memoryAccumulator) Append(samples []Sample) {
	a.pending = append(a.pending, samples...)
}

func (a *memoryAccumulator) Len() int { return len(a.pending) }

func (a *memoryAccumulator) Drain() []Sample {
	out := a.pending
	a.pending = nil
	return out
}

type sharedAccumulator struct {
	mu      sync.Mutex
	pending []Sample
}

func (a *sharedAccumulator) Append(samples []Sample) {
	a.mu.Lock()
	a.pending = append(a.pending, samples...)
	a.mu.Unlock()
}

func (a *sharedAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *sharedAccumulator) Drain() []Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.pending
	a.pending = nil
	return out
}
