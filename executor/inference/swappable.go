package inference

import (
	"context"
	"sync/atomic"

	"github.com/brensch/zerotrain/executor/mcts"
)

// Swappable forwards to an evaluator that can be replaced while in use. It
// remembers the content hash of the model behind the evaluator so a Server
// can tell callers which model it runs.
type Swappable struct {
	current atomic.Pointer[evaluatorBox]
}

type evaluatorBox struct {
	eval  mcts.Evaluator
	model string
}

func NewSwappable(eval mcts.Evaluator, model string) *Swappable {
	s := &Swappable{}
	s.Swap(eval, model)
	return s
}

// Swap installs eval for model and returns the previous evaluator, if any.
func (s *Swappable) Swap(eval mcts.Evaluator, model string) mcts.Evaluator {
	old := s.current.Swap(&evaluatorBox{eval: eval, model: model})
	if old == nil {
		return nil
	}
	return old.eval
}

// Snapshot returns the current evaluator together with its model hash.
func (s *Swappable) Snapshot() (mcts.Evaluator, string) {
	b := s.current.Load()
	return b.eval, b.model
}

func (s *Swappable) Model() string {
	return s.current.Load().model
}

func (s *Swappable) Infer(ctx context.Context, batch [][]float32) ([][]float32, []float32, error) {
	return s.current.Load().eval.Infer(ctx, batch)
}
