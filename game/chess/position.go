// Package chess adapts github.com/notnil/chess positions to game.State.
//
// Moves are encoded as promo*4096 + from*64 + to, where promo is 0 for a
// regular move and 1..4 for a knight, bishop, rook or queen promotion.
package chess

import (
	"fmt"
	"sort"

	"github.com/brensch/zerotrain/game"
	"github.com/notnil/chess"
)

const (
	squares     = 64
	planes      = 13
	actionSpace = 5 * squares * squares
)

// Config bounds game length; positions reaching MaxPlies are drawn.
type Config struct {
	MaxPlies int    `yaml:"max_plies"`
	FEN      string `yaml:"fen"`
}

func DefaultConfig() Config {
	return Config{MaxPlies: 512}
}

// Position is an immutable chess position.
type Position struct {
	pos      *chess.Position
	ply      int
	maxPlies int
}

var _ game.State = (*Position)(nil)

// New returns the configured start position.
func New(cfg Config) (*Position, error) {
	pos := chess.StartingPosition()
	if cfg.FEN != "" {
		pos = &chess.Position{}
		if err := pos.UnmarshalText([]byte(cfg.FEN)); err != nil {
			return nil, fmt.Errorf("parse fen %q: %w", cfg.FEN, err)
		}
	}
	return &Position{pos: pos, maxPlies: cfg.MaxPlies}, nil
}

// Factory validates cfg once and returns a start-position factory.
func Factory(cfg Config) (game.Factory, error) {
	if _, err := New(cfg); err != nil {
		return nil, err
	}
	return func() game.State {
		p, _ := New(cfg)
		return p
	}, nil
}

func promoIndex(pt chess.PieceType) int {
	switch pt {
	case chess.Knight:
		return 1
	case chess.Bishop:
		return 2
	case chess.Rook:
		return 3
	case chess.Queen:
		return 4
	}
	return 0
}

// Encode maps a notnil move to its action index.
func Encode(m *chess.Move) game.Move {
	return game.Move(promoIndex(m.Promo())*squares*squares + int(m.S1())*squares + int(m.S2()))
}

func (p *Position) Board() *chess.Board { return p.pos.Board() }
func (p *Position) Turn() chess.Color   { return p.pos.Turn() }
func (p *Position) Ply() int            { return p.ply }
func (p *Position) ActionSpace() int    { return actionSpace }
func (p *Position) Shape() []int64      { return []int64{planes, 8, 8} }

func (p *Position) LegalMoves() []game.Move {
	if p.IsTerminal() {
		return nil
	}
	valid := p.pos.ValidMoves()
	moves := make([]game.Move, len(valid))
	for i, m := range valid {
		moves[i] = Encode(m)
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i] < moves[j] })
	return moves
}

func (p *Position) Play(m game.Move) game.State {
	for _, mv := range p.pos.ValidMoves() {
		if Encode(mv) == m {
			return &Position{pos: p.pos.Update(mv), ply: p.ply + 1, maxPlies: p.maxPlies}
		}
	}
	panic(fmt.Sprintf("chess: illegal move %d in %s", m, p.pos))
}

func (p *Position) IsTerminal() bool {
	if p.maxPlies > 0 && p.ply >= p.maxPlies {
		return true
	}
	switch p.pos.Status() {
	case chess.Checkmate, chess.Stalemate:
		return true
	}
	return false
}

func (p *Position) Outcome() game.Outcome {
	if p.pos.Status() == chess.Checkmate {
		return game.Loss
	}
	return game.Draw
}

// Encode produces six planes for the mover's pieces, six for the opponent's
// and a constant plane set to 1 when White is to move.
func (p *Position) Encode() []float32 {
	out := make([]float32, planes*squares)
	turn := p.pos.Turn()
	for sq, piece := range p.pos.Board().SquareMap() {
		plane := int(piece.Type()) - 1
		if plane < 0 || plane > 5 {
			continue
		}
		if piece.Color() != turn {
			plane += 6
		}
		out[plane*squares+int(sq)] = 1
	}
	if turn == chess.White {
		for i := 12 * squares; i < planes*squares; i++ {
			out[i] = 1
		}
	}
	return out
}

func (p *Position) Key() string    { return p.pos.String() }
func (p *Position) String() string { return p.pos.Board().Draw() + p.pos.String() }
