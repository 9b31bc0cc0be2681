package connectn

var directions = [4][2]int{{0, 1}, {1, 1}, {1, 0}, {1, -1}}

// completesLine reports whether the stone at idx is part of a run of at least
// N stones of the same colour.
func (b *Board) completesLine(idx int) bool {
	w, h := b.cfg.Width, b.cfg.Height
	col, row := idx%w, idx/w
	colour := b.cells[idx]
	if colour == Empty {
		return false
	}
	for _, d := range directions {
		count := 1
		count += b.run(col, row, d[0], d[1], colour, w, h)
		count += b.run(col, row, -d[0], -d[1], colour, w, h)
		if count >= b.cfg.N {
			return true
		}
	}
	return false
}

func (b *Board) run(col, row, dc, dr int, colour int8, w, h int) int {
	n := 0
	for {
		col += dc
		row += dr
		if col < 0 || col >= w || row < 0 || row >= h {
			return n
		}
		if b.cells[row*w+col] != colour {
			return n
		}
		n++
	}
}
