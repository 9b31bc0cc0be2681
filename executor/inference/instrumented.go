package inference

import (
	"context"
	"sync/atomic"

	"github.com/brensch/zerotrain/executor/mcts"
)

// Instrumented counts calls, states and failures of the evaluator it wraps.
type Instrumented struct {
	mcts.Evaluator

	Calls    atomic.Int64
	States   atomic.Int64
	Failures atomic.Int64
}

func NewInstrumented(eval mcts.Evaluator) *Instrumented {
	return &Instrumented{Evaluator: eval}
}

func (c *Instrumented) Infer(ctx context.Context, batch [][]float32) ([][]float32, []float32, error) {
	c.Calls.Add(1)
	c.States.Add(int64(len(batch)))
	priors, values, err := c.Evaluator.Infer(ctx, batch)
	if err != nil {
		c.Failures.Add(1)
	}
	return priors, values, err
}

// Stats forwards the runtime stats of the wrapped evaluator when it has any.
func (c *Instrumented) Stats() (RuntimeStats, bool) {
	sp, ok := c.Evaluator.(interface{ Stats() RuntimeStats })
	if !ok {
		return RuntimeStats{}, false
	}
	return sp.Stats(), true
}
