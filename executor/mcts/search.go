package mcts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/brensch/zerotrain/game"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Option func(e *Engine)

// WithSolver attaches an exact solver; it only overrides move choice when
// Config.UseSolver is set.
func WithSolver(s Solver) Option {
	return func(e *Engine) {
		e.solver = s
	}
}

func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) {
		if rng != nil {
			e.rng = rng
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// Engine runs searches against one evaluator. An Engine is not safe for
// concurrent use: each game owns its engine and the engine's trees.
type Engine struct {
	cfg    Config
	eval   Evaluator
	solver Solver
	rng    *rand.Rand
	noise  func(n int) []float64
	logger zerolog.Logger
}

func New(eval Evaluator, cfg Config, options ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		eval:   eval,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: log.Logger,
	}
	for _, option := range options {
		option(e)
	}
	if e.cfg.Temperature <= 0 {
		e.cfg.Temperature = 1
	}
	e.noise = func(n int) []float64 { return dirichlet(e.cfg.DirichletAlpha, n, e.rng) }
	return e
}

func (e *Engine) Config() Config { return e.cfg }

// Search runs iterations simulations from root and returns the tree.
// Iterations <= 0 falls back to Config.Iterations.
func (e *Engine) Search(ctx context.Context, root game.State, iterations int) (*Tree, error) {
	if iterations <= 0 {
		iterations = e.cfg.Iterations
	}
	tree := newTree(root)

	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return tree, err
		}

		// Selection
		id := tree.Root()
		for tree.nodes[id].expanded && !tree.nodes[id].terminal {
			id = e.selectChild(tree, id)
		}

		// Expansion & Evaluation
		var value float64
		n := &tree.nodes[id]
		if n.terminal {
			value = -float64(n.state.Outcome())
		} else {
			moves := n.state.LegalMoves()
			if len(moves) == 0 {
				panic(fmt.Sprintf("mcts: non-terminal state without legal moves\n%s", n.state))
			}
			priors, v, err := e.evaluate(ctx, n.state, moves)
			if err != nil {
				return tree, err
			}
			tree.expand(id, moves, priors)
			if id == tree.Root() && e.cfg.DirichletEnabled {
				e.addNoise(tree)
			}
			// v is from the perspective of the player to move at id.
			value = -v
		}

		// Backpropagation
		tree.backup(id, value)
	}

	return tree, nil
}

// selectChild returns the child maximising PUCT. The first maximum in
// enumeration order wins ties.
func (e *Engine) selectChild(tree *Tree, id NodeID) NodeID {
	n := &tree.nodes[id]
	best := noNode
	bestScore := math.Inf(-1)
	for i := int32(0); i < n.numChildren; i++ {
		c := n.firstChild + NodeID(i)
		child := &tree.nodes[c]
		score := puct(tree.Q(c), child.prior, n.visits, child.visits, e.cfg.Cpuct)
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if best == noNode {
		panic("mcts: expanded node has no children")
	}
	return best
}

// addNoise mixes Dirichlet noise into the root priors as a convex combination.
func (e *Engine) addNoise(tree *Tree) {
	children := tree.Children(tree.Root())
	eta := e.noise(len(children))
	ratio := e.cfg.DirichletRatio
	for i, c := range children {
		n := &tree.nodes[c]
		n.prior = (1-ratio)*n.prior + ratio*eta[i]
	}
}

// evaluate calls the evaluator with a bounded wait, retrying timeouts and
// transport failures. Nothing touches the tree until it succeeds.
func (e *Engine) evaluate(ctx context.Context, state game.State, moves []game.Move) ([]float64, float64, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.InferenceRetries; attempt++ {
		priors, value, err := e.infer(ctx, state, moves)
		if err == nil {
			return priors, value, nil
		}
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		lastErr = err
		e.logger.Warn().Err(err).Int("attempt", attempt+1).Int("ply", state.Ply()).Msg("evaluator call failed")
	}
	return nil, 0, fmt.Errorf("%w: %w", ErrEvaluator, lastErr)
}

func (e *Engine) infer(ctx context.Context, state game.State, moves []game.Move) ([]float64, float64, error) {
	if e.cfg.InferenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.InferenceTimeout)
		defer cancel()
	}
	priorsBatch, values, err := e.eval.Infer(ctx, [][]float32{state.Encode()})
	if err != nil {
		return nil, 0, err
	}
	if len(priorsBatch) != 1 || len(values) != 1 {
		return nil, 0, fmt.Errorf("%w: got %d priors and %d values for a batch of 1", ErrMalformedOutput, len(priorsBatch), len(values))
	}
	priors, err := maskPriors(priorsBatch[0], moves, state.ActionSpace())
	if err != nil {
		return nil, 0, err
	}
	v := float64(values[0])
	if math.IsNaN(v) || v < -1 || v > 1 {
		return nil, 0, fmt.Errorf("%w: value %v outside [-1, 1]", ErrMalformedOutput, v)
	}
	return priors, v, nil
}

// maskPriors restricts a full action-space distribution to moves and
// renormalises it.
func maskPriors(raw []float32, moves []game.Move, actionSpace int) ([]float64, error) {
	if len(raw) != actionSpace {
		return nil, fmt.Errorf("%w: priors have length %d, action space is %d", ErrMalformedOutput, len(raw), actionSpace)
	}
	out := make([]float64, len(moves))
	sum := 0.0
	for i, m := range moves {
		p := float64(raw[m])
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return nil, fmt.Errorf("%w: prior %v for move %d", ErrMalformedOutput, p, m)
		}
		out[i] = p
		sum += p
	}
	if sum <= 0 {
		return nil, fmt.Errorf("%w: no prior mass on legal moves", ErrMalformedOutput)
	}
	for i := range out {
		out[i] /= sum
	}
	return out, nil
}

// Decision is a chosen move together with the search that produced it.
type Decision struct {
	Move   game.Move
	Policy []float32
	Tree   *Tree
	Solved bool
}

// Choose searches state and picks the move to play at ply. With UseSolver and
// a solver attached, the solver's exact judgement overrides the search.
func (e *Engine) Choose(ctx context.Context, state game.State, ply int) (Decision, error) {
	tree, err := e.Search(ctx, state, e.cfg.Iterations)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Tree: tree, Policy: tree.Policy(), Move: e.SelectMove(tree, ply)}
	if !e.cfg.UseSolver || e.solver == nil {
		return d, nil
	}

	outcomes, err := e.solver.Solve(ctx, state)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Decision{}, err
		}
		e.logger.Warn().Err(err).Msg("solver failed, keeping search move")
		return d, nil
	}
	moves, visits := tree.rootVisits()
	best := -1
	for i, m := range moves {
		o, ok := outcomes[m]
		if !ok {
			continue
		}
		if best < 0 || o > outcomes[moves[best]] || (o == outcomes[moves[best]] && visits[i] > visits[best]) {
			best = i
		}
	}
	if best >= 0 {
		d.Move = moves[best]
		d.Solved = true
	}
	return d, nil
}

// PolicyMove picks the arg-max of the masked network priors without searching.
func (e *Engine) PolicyMove(ctx context.Context, state game.State) (game.Move, error) {
	moves := state.LegalMoves()
	if len(moves) == 0 {
		return -1, fmt.Errorf("no legal moves in\n%s", state)
	}
	priors, _, err := e.evaluate(ctx, state, moves)
	if err != nil {
		return -1, err
	}
	best := 0
	for i := range priors {
		if priors[i] > priors[best] {
			best = i
		}
	}
	return moves[best], nil
}
