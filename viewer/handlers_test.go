package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/brensch/zerotrain/executor/mcts"
	"github.com/brensch/zerotrain/executor/model"
	"github.com/brensch/zerotrain/game/connectn"
	"github.com/brensch/zerotrain/ledger"
	"github.com/brensch/zerotrain/store"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *ledger.DB) {
	t.Helper()
	root := t.TempDir()
	db, err := ledger.New(filepath.Join(root, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := connectn.DefaultConfig()
	s := NewServer(
		model.NewRegistry(filepath.Join(root, "models"), "run"),
		db,
		filepath.Join(root, "samples"),
		connectn.Factory(cfg),
		model.UniformLoader{ActionSpace: cfg.Width},
		mcts.DefaultConfig(),
	)
	t.Cleanup(s.Close)

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, db
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestStatsEmptyDir(t *testing.T) {
	ts, _ := newTestServer(t)
	var st store.Stats
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/stats", &st))
	require.Zero(t, st.Samples)
}

func TestMatches(t *testing.T) {
	ts, db := newTestServer(t)

	var empty MatchesResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/matches", &empty))
	require.Equal(t, "run", empty.RunID)
	require.Empty(t, empty.Matches)

	m := ledger.Match{ID: "m1", RunID: "run", Iteration: 1, Mode: "policy", Wins: 3, Losses: 1, Score: 0.75, Threshold: 0.55, Promoted: true, PlayedAt: time.Now().UTC()}
	require.NoError(t, db.RecordMatch(m, []ledger.Game{{Index: 0, ChallengerFirst: true, Outcome: 1, Plies: 7}}))

	var got MatchesResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/matches?limit=5", &got))
	require.Len(t, got.Matches, 1)
	require.Equal(t, 1, got.Promotions)

	var games []ledger.Game
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/matches/m1/games", &games))
	require.Len(t, games, 1)
	require.Equal(t, 7, games[0].Plies)

	require.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/matches/nope/games", nil))
}

func TestChampionColdStart(t *testing.T) {
	ts, _ := newTestServer(t)
	var rec model.Record
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/champion", &rec))
	require.True(t, rec.Fresh)
}

func TestMCTSAnalysis(t *testing.T) {
	ts, _ := newTestServer(t)

	var a AnalysisResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/mcts?moves=3,3&sims=20", &a))
	require.Equal(t, 2, a.Ply)
	require.False(t, a.Terminal)
	require.Equal(t, "fresh", a.Champion)
	require.Len(t, a.Children, 7)
	visits := 0
	for _, c := range a.Children {
		visits += c.Visits
	}
	require.Equal(t, 19, visits)
}

func TestMCTSTerminalPosition(t *testing.T) {
	ts, _ := newTestServer(t)
	var a AnalysisResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/mcts?moves=0,1,0,1,0,1,0", &a))
	require.True(t, a.Terminal)
	require.Equal(t, -1.0, a.Value)
	require.Empty(t, a.Children)
}

func TestMCTSRejectsIllegalMoves(t *testing.T) {
	ts, _ := newTestServer(t)
	require.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/mcts?moves=9", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/mcts?moves=a", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/mcts?moves=0,1,0,1,0,1,0,2", nil))
}
