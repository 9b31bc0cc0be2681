package solver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/brensch/zerotrain/game"
	"github.com/brensch/zerotrain/game/connectn"
	"github.com/rs/zerolog/log"
)

// invalidColumn is what the solver reports for a full column in analyze mode.
const invalidColumn = -1000

// Connect4 drives an external Pascal Pons style connect-4 solver ("c4solver")
// in analyze mode. Positions are sent as 1-based column sequences, one per
// line; the answer is one score per column, positive when the player to move
// wins by playing it.
type Connect4 struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// StartConnect4 launches the solver. book may be empty.
func StartConnect4(path, book string) (*Connect4, error) {
	args := []string{"-a"}
	if book != "" {
		args = append(args, "-b", book)
	}
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start connect-4 solver %s: %w", path, err)
	}
	log.Info().Str("path", path).Str("book", book).Msg("connect-4 solver started")
	return &Connect4{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout)}, nil
}

func (c *Connect4) Close() error {
	c.stdin.Close()
	return c.cmd.Wait()
}

// Solve only accepts standard 7x6 gravity boards.
func (c *Connect4) Solve(ctx context.Context, state game.State) (map[game.Move]game.Outcome, error) {
	b, ok := state.(*connectn.Board)
	if !ok {
		return nil, fmt.Errorf("connect-4 solver cannot solve %T", state)
	}
	cfg := b.Config()
	if cfg.Width != 7 || cfg.Height != 6 || cfg.N != 4 || !cfg.Gravity {
		return nil, fmt.Errorf("connect-4 solver needs a 7x6 connect-4 board, got %dx%d n=%d", cfg.Width, cfg.Height, cfg.N)
	}
	history := b.History()
	if len(history) != b.Ply() {
		return nil, fmt.Errorf("board has no move history")
	}

	line := positionString(history)
	type reply struct {
		text string
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, err := fmt.Fprintln(c.stdin, line); err != nil {
			done <- reply{err: err}
			return
		}
		text, err := c.stdout.ReadString('\n')
		done <- reply{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("connect-4 solver: %w", r.err)
		}
		return parseScores(r.text, cfg.Width)
	}
}

func positionString(history []game.Move) string {
	var sb strings.Builder
	for _, m := range history {
		sb.WriteString(strconv.Itoa(int(m) + 1))
	}
	return sb.String()
}

// parseScores reads "<position> s1 ... sW". The position is absent for the
// empty board.
func parseScores(text string, width int) (map[game.Move]game.Outcome, error) {
	fields := strings.Fields(text)
	if len(fields) == width+1 {
		fields = fields[1:]
	}
	if len(fields) != width {
		return nil, fmt.Errorf("unexpected solver output %q", strings.TrimSpace(text))
	}
	out := make(map[game.Move]game.Outcome, width)
	for col, f := range fields {
		score, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("solver score %q: %w", f, err)
		}
		if score == invalidColumn {
			continue
		}
		switch {
		case score > 0:
			out[game.Move(col)] = game.Win
		case score < 0:
			out[game.Move(col)] = game.Loss
		default:
			out[game.Move(col)] = game.Draw
		}
	}
	return out, nil
}
