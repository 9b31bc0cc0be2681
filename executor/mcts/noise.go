package mcts

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat/distmv"
)

// rngSource feeds an engine's rng to gonum, so seeded engines draw the same
// noise.
type rngSource struct{ r *rand.Rand }

func (s rngSource) Uint64() uint64    { return s.r.Uint64() }
func (s rngSource) Seed(seed uint64) { s.r.Seed(int64(seed)) }

// dirichlet draws a symmetric Dirichlet(alpha) sample of size n from r. Very
// small alphas can underflow every gamma draw; the sample is then uniform.
func dirichlet(alpha float64, n int, r *rand.Rand) []float64 {
	if n == 1 {
		return []float64{1}
	}
	alphas := make([]float64, n)
	for i := range alphas {
		alphas[i] = alpha
	}
	eta := distmv.NewDirichlet(alphas, rngSource{r}).Rand(nil)
	for _, x := range eta {
		if math.IsNaN(x) {
			for i := range eta {
				eta[i] = 1 / float64(n)
			}
			break
		}
	}
	return eta
}
