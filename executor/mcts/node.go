package mcts

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/brensch/zerotrain/game"
)

var (
	// ErrEvaluator wraps an evaluator failure that outlived the retry budget.
	ErrEvaluator = errors.New("evaluator failure")
	// ErrMalformedOutput is returned when priors or values are unusable.
	ErrMalformedOutput = errors.New("malformed evaluator output")
)

// Evaluator is the network's inference interface. Priors are distributions over
// the variant's full action space; values are in [-1, 1] from the perspective
// of the player to move in each state.
type Evaluator interface {
	Infer(ctx context.Context, batch [][]float32) (priors [][]float32, values []float32, err error)
}

// Solver returns exact game-theoretic outcomes for every legal move of a
// position, each from the perspective of the player making the move.
type Solver interface {
	Solve(ctx context.Context, state game.State) (map[game.Move]game.Outcome, error)
}

// Config holds MCTS configuration
type Config struct {
	Iterations  int     `yaml:"iterations"`
	Cpuct       float64 `yaml:"exploration_constant"`
	Temperature float64 `yaml:"temperature"`
	// GreedyPly is the first ply at which moves are chosen by arg-max visits.
	GreedyPly int `yaml:"index_move_greedy"`

	DirichletEnabled bool    `yaml:"enable_dirichlet_noise"`
	DirichletAlpha   float64 `yaml:"dirichlet_noise_value"`
	DirichletRatio   float64 `yaml:"dirichlet_noise_ratio"`

	UseSolver bool `yaml:"use_solver"`

	InferenceTimeout time.Duration `yaml:"inference_timeout"`
	InferenceRetries int           `yaml:"inference_retries"`
}

func DefaultConfig() Config {
	return Config{
		Iterations:       75,
		Cpuct:            1.5,
		Temperature:      1,
		GreedyPly:        8,
		DirichletAlpha:   0.03,
		DirichletRatio:   0.25,
		InferenceTimeout: time.Second,
		InferenceRetries: 2,
	}
}

// NodeID addresses a node in a Tree's arena.
type NodeID int32

const noNode NodeID = -1

// node is one arena slot. Children of a node are allocated contiguously, in
// legal move enumeration order, in [firstChild, firstChild+numChildren).
// valueSum is kept from the perspective of the player who moved into the node.
type node struct {
	state  game.State
	parent NodeID
	move   game.Move

	firstChild  NodeID
	numChildren int32

	visits   int
	valueSum float64
	prior    float64

	expanded bool
	terminal bool
}

// Tree is a search tree owned by a single search.
type Tree struct {
	nodes []node
}

func newTree(root game.State) *Tree {
	t := &Tree{nodes: make([]node, 1, 256)}
	t.nodes[0] = node{
		state:      root,
		parent:     noNode,
		move:       -1,
		firstChild: noNode,
		prior:      1,
		terminal:   root.IsTerminal(),
	}
	return t
}

// Root is always the first arena slot.
func (t *Tree) Root() NodeID { return 0 }

// Size is the number of allocated nodes.
func (t *Tree) Size() int { return len(t.nodes) }

func (t *Tree) State(id NodeID) game.State { return t.nodes[id].state }
func (t *Tree) Move(id NodeID) game.Move   { return t.nodes[id].move }
func (t *Tree) Parent(id NodeID) NodeID    { return t.nodes[id].parent }
func (t *Tree) Visits(id NodeID) int       { return t.nodes[id].visits }
func (t *Tree) ValueSum(id NodeID) float64 { return t.nodes[id].valueSum }
func (t *Tree) Prior(id NodeID) float64    { return t.nodes[id].prior }
func (t *Tree) Expanded(id NodeID) bool    { return t.nodes[id].expanded }
func (t *Tree) Terminal(id NodeID) bool    { return t.nodes[id].terminal }

// Q is the mean backed-up value, 0 for an unvisited node.
func (t *Tree) Q(id NodeID) float64 {
	n := &t.nodes[id]
	if n.visits == 0 {
		return 0
	}
	return n.valueSum / float64(n.visits)
}

// Children returns the ids of id's children in move enumeration order.
func (t *Tree) Children(id NodeID) []NodeID {
	n := &t.nodes[id]
	if n.numChildren == 0 {
		return nil
	}
	ids := make([]NodeID, n.numChildren)
	for i := range ids {
		ids[i] = n.firstChild + NodeID(i)
	}
	return ids
}

// expand allocates one child per legal move with the given priors.
func (t *Tree) expand(id NodeID, moves []game.Move, priors []float64) {
	first := NodeID(len(t.nodes))
	state := t.nodes[id].state
	for i, m := range moves {
		child := state.Play(m)
		t.nodes = append(t.nodes, node{
			state:      child,
			parent:     id,
			move:       m,
			firstChild: noNode,
			prior:      priors[i],
			terminal:   child.IsTerminal(),
		})
	}
	n := &t.nodes[id]
	n.firstChild = first
	n.numChildren = int32(len(moves))
	n.expanded = true
}

// backup walks from leaf to the root. value is from the perspective of the
// player who moved into leaf and is negated at every ply.
func (t *Tree) backup(leaf NodeID, value float64) {
	for id := leaf; id != noNode; id = t.nodes[id].parent {
		n := &t.nodes[id]
		n.visits++
		n.valueSum += value
		value = -value
	}
}

// Visit counts of the root's children, indexed like Children(Root()).
func (t *Tree) rootVisits() ([]game.Move, []int) {
	children := t.Children(t.Root())
	moves := make([]game.Move, len(children))
	visits := make([]int, len(children))
	for i, c := range children {
		moves[i] = t.nodes[c].move
		visits[i] = t.nodes[c].visits
	}
	return moves, visits
}

// Policy returns the root visit distribution over the action space. Illegal
// moves get zero mass. Before any child is visited it falls back to the root
// priors.
func (t *Tree) Policy() []float32 {
	root := &t.nodes[t.Root()]
	policy := make([]float32, root.state.ActionSpace())
	total := 0
	for _, c := range t.Children(t.Root()) {
		total += t.nodes[c].visits
	}
	for _, c := range t.Children(t.Root()) {
		n := &t.nodes[c]
		if total > 0 {
			policy[n.move] = float32(n.visits) / float32(total)
		} else {
			policy[n.move] = float32(n.prior)
		}
	}
	return policy
}

// MaxDepth is the deepest node reached by the search.
func (t *Tree) MaxDepth() int {
	depth := make([]int, len(t.nodes))
	maxDepth := 0
	for i := 1; i < len(t.nodes); i++ {
		depth[i] = depth[t.nodes[i].parent] + 1
		maxDepth = max(maxDepth, depth[i])
	}
	return maxDepth
}

// puct scores a child for selection from its parent.
func puct(q, prior float64, parentVisits, childVisits int, cpuct float64) float64 {
	return q + cpuct*prior*math.Sqrt(float64(parentVisits))/(1+float64(childVisits))
}
