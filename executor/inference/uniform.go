package inference

import (
	"context"
	"fmt"
)

// Uniform is the fresh, untrained model: flat priors over the action space and
// a value of zero. It stands in for the champion on a cold start.
type Uniform struct {
	ActionSpace int
	InputSize   int
}

func NewUniform(actionSpace, inputSize int) *Uniform {
	return &Uniform{ActionSpace: actionSpace, InputSize: inputSize}
}

func (u *Uniform) Infer(_ context.Context, batch [][]float32) ([][]float32, []float32, error) {
	priors := make([][]float32, len(batch))
	p := 1 / float32(u.ActionSpace)
	for i, state := range batch {
		if u.InputSize > 0 && len(state) != u.InputSize {
			return nil, nil, fmt.Errorf("state %d has %d features, expected %d", i, len(state), u.InputSize)
		}
		priors[i] = make([]float32, u.ActionSpace)
		for j := range priors[i] {
			priors[i][j] = p
		}
	}
	return priors, make([]float32, len(batch)), nil
}
