package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/brensch/zerotrain/game"
)

func withCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < 0 {
		return def
	}
	return n
}

// replay plays a comma separated list of move indices from start.
func replay(start game.State, csv string) (game.State, error) {
	state := start
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return state, nil
	}
	for i, part := range strings.Split(csv, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("move %d: %q is not a number", i, part)
		}
		if state.IsTerminal() {
			return nil, fmt.Errorf("move %d: game is already over", i)
		}
		m := game.Move(n)
		if !game.Contains(state.LegalMoves(), m) {
			return nil, fmt.Errorf("move %d: %d is not legal", i, n)
		}
		state = state.Play(m)
	}
	return state, nil
}
