// Package connectn implements connect-N on a width x height grid, with or
// without gravity. With gravity a move is a column; without it a move is a cell.
package connectn

import (
	"fmt"
	"strings"

	"github.com/brensch/zerotrain/game"
)

const (
	White int8 = 1
	Black int8 = -1
	Empty int8 = 0
)

var pieces = map[int8]byte{Black: 'O', Empty: '.', White: 'X'}

// Config describes the board geometry.
type Config struct {
	Width   int  `yaml:"width"`
	Height  int  `yaml:"height"`
	N       int  `yaml:"n"`
	Gravity bool `yaml:"gravity"`
}

// DefaultConfig is classic connect four.
func DefaultConfig() Config {
	return Config{Width: 7, Height: 6, N: 4, Gravity: true}
}

func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid board dimensions %dx%d", c.Width, c.Height)
	}
	if c.N <= 1 || (c.N > c.Width && c.N > c.Height) {
		return fmt.Errorf("invalid line length %d for %dx%d board", c.N, c.Width, c.Height)
	}
	return nil
}

// Board is an immutable connect-N position. Row 0 is the bottom row.
type Board struct {
	cfg    *Config
	cells  []int8
	toMove int8
	ply    int
	winner int8

	history []game.Move
}

var _ game.State = (*Board)(nil)

// New returns the empty board; White moves first.
func New(cfg Config) *Board {
	c := cfg
	return &Board{
		cfg:    &c,
		cells:  make([]int8, cfg.Width*cfg.Height),
		toMove: White,
	}
}

// Factory adapts New for the sampler and the arena.
func Factory(cfg Config) game.Factory {
	return func() game.State { return New(cfg) }
}

// Parse builds a position from rows written top row first using X, O and '.'.
// The player to move is derived from the stone counts (White moves first).
func Parse(cfg Config, rows ...string) (*Board, error) {
	if len(rows) != cfg.Height {
		return nil, fmt.Errorf("expected %d rows, got %d", cfg.Height, len(rows))
	}
	b := New(cfg)
	whites, blacks := 0, 0
	for i, row := range rows {
		if len(row) != cfg.Width {
			return nil, fmt.Errorf("row %d: expected width %d, got %d", i, cfg.Width, len(row))
		}
		r := cfg.Height - 1 - i
		for col := 0; col < cfg.Width; col++ {
			switch row[col] {
			case 'X':
				b.cells[r*cfg.Width+col] = White
				whites++
			case 'O':
				b.cells[r*cfg.Width+col] = Black
				blacks++
			case '.':
			default:
				return nil, fmt.Errorf("row %d: unexpected piece %q", i, row[col])
			}
		}
	}
	switch whites - blacks {
	case 0:
		b.toMove = White
	case 1:
		b.toMove = Black
	default:
		return nil, fmt.Errorf("impossible stone counts: %d white, %d black", whites, blacks)
	}
	b.ply = whites + blacks
	for idx, v := range b.cells {
		if v != Empty && b.completesLine(idx) {
			b.winner = v
			break
		}
	}
	return b, nil
}

func (b *Board) Config() Config { return *b.cfg }
func (b *Board) ToMove() int8   { return b.toMove }
func (b *Board) Ply() int       { return b.ply }

// Winner returns White, Black or Empty.
func (b *Board) Winner() int8 { return b.winner }

// At returns the piece at column col, row row (row 0 at the bottom).
func (b *Board) At(col, row int) int8 {
	return b.cells[row*b.cfg.Width+col]
}

func (b *Board) ActionSpace() int {
	if b.cfg.Gravity {
		return b.cfg.Width
	}
	return b.cfg.Width * b.cfg.Height
}

func (b *Board) Shape() []int64 {
	return []int64{3, int64(b.cfg.Height), int64(b.cfg.Width)}
}

func (b *Board) LegalMoves() []game.Move {
	if b.winner != Empty {
		return nil
	}
	w, h := b.cfg.Width, b.cfg.Height
	var moves []game.Move
	if b.cfg.Gravity {
		for col := 0; col < w; col++ {
			if b.cells[(h-1)*w+col] == Empty {
				moves = append(moves, game.Move(col))
			}
		}
		return moves
	}
	for idx, v := range b.cells {
		if v == Empty {
			moves = append(moves, game.Move(idx))
		}
	}
	return moves
}

// Play returns the position after m. It panics on an illegal move: callers only
// ever play moves taken from LegalMoves.
func (b *Board) Play(m game.Move) game.State {
	idx := b.target(m)
	if idx < 0 {
		panic(fmt.Sprintf("connectn: illegal move %d\n%s", m, b))
	}
	next := &Board{
		cfg:    b.cfg,
		cells:  make([]int8, len(b.cells)),
		toMove: -b.toMove,
		ply:    b.ply + 1,
	}
	copy(next.cells, b.cells)
	next.cells[idx] = b.toMove
	if b.history != nil || b.ply == 0 {
		next.history = make([]game.Move, len(b.history), len(b.history)+1)
		copy(next.history, b.history)
		next.history = append(next.history, m)
	}
	if next.completesLine(idx) {
		next.winner = b.toMove
	}
	return next
}

// target maps a move to the cell it fills, or -1 when the move is illegal.
func (b *Board) target(m game.Move) int {
	if b.winner != Empty || m < 0 || int(m) >= b.ActionSpace() {
		return -1
	}
	w := b.cfg.Width
	if !b.cfg.Gravity {
		if b.cells[m] != Empty {
			return -1
		}
		return int(m)
	}
	for row := 0; row < b.cfg.Height; row++ {
		if idx := row*w + int(m); b.cells[idx] == Empty {
			return idx
		}
	}
	return -1
}

func (b *Board) IsTerminal() bool {
	if b.winner != Empty {
		return true
	}
	for _, v := range b.cells {
		if v == Empty {
			return false
		}
	}
	return true
}

func (b *Board) Outcome() game.Outcome {
	switch b.winner {
	case Empty:
		return game.Draw
	case b.toMove:
		return game.Win
	}
	return game.Loss
}

// Encode produces three planes: stones of the player to move, opponent stones
// and a constant plane set to 1 when White is to move.
func (b *Board) Encode() []float32 {
	n := len(b.cells)
	out := make([]float32, 3*n)
	for idx, v := range b.cells {
		switch v {
		case b.toMove:
			out[idx] = 1
		case -b.toMove:
			out[n+idx] = 1
		}
	}
	if b.toMove == White {
		for idx := 0; idx < n; idx++ {
			out[2*n+idx] = 1
		}
	}
	return out
}

func (b *Board) Key() string {
	buf := make([]byte, 0, len(b.cells)+1)
	for _, v := range b.cells {
		buf = append(buf, pieces[v])
	}
	buf = append(buf, pieces[b.toMove])
	return string(buf)
}

// History returns the moves played to reach this position, or nil when the
// board was built with Parse.
func (b *Board) History() []game.Move {
	return b.history
}

func (b *Board) String() string {
	var sb strings.Builder
	w := b.cfg.Width
	for row := b.cfg.Height - 1; row >= 0; row-- {
		for col := 0; col < w; col++ {
			sb.WriteByte(pieces[b.cells[row*w+col]])
		}
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "to move: %c, ply %d", pieces[b.toMove], b.ply)
	return sb.String()
}
