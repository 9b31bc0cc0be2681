package main

import (
	"net/http"
	"sync"

	"github.com/brensch/zerotrain/executor/mcts"
	"github.com/brensch/zerotrain/executor/model"
	"github.com/brensch/zerotrain/game"
	"github.com/brensch/zerotrain/ledger"
	"github.com/brensch/zerotrain/store"
)

type MatchesResponse struct {
	RunID      string         `json:"run_id"`
	Promotions int            `json:"promotions"`
	Matches    []ledger.Match `json:"matches"`
}

type ChildStats struct {
	Move   int     `json:"move"`
	Visits int     `json:"visits"`
	Q      float64 `json:"q"`
	Prior  float64 `json:"prior"`
}

type AnalysisResponse struct {
	Board    string       `json:"board"`
	Ply      int          `json:"ply"`
	Terminal bool         `json:"terminal"`
	Champion string       `json:"champion"`
	Value    float64      `json:"value"`
	Depth    int          `json:"depth"`
	Children []ChildStats `json:"children"`
}

// Server holds shared state for HTTP handlers.
type Server struct {
	registry   *model.Registry
	ledger     *ledger.DB
	samplesDir string
	newGame    game.Factory
	loader     model.Loader
	mctsCfg    mcts.Config

	mu       sync.Mutex
	champion model.Record
	eval     mcts.Evaluator
}

func NewServer(registry *model.Registry, db *ledger.DB, samplesDir string, newGame game.Factory, loader model.Loader, mctsCfg mcts.Config) *Server {
	// Analysis is deterministic apart from ties.
	mctsCfg.DirichletEnabled = false
	mctsCfg.UseSolver = false
	return &Server{
		registry:   registry,
		ledger:     db,
		samplesDir: samplesDir,
		newGame:    newGame,
		loader:     loader,
		mctsCfg:    mctsCfg,
	}
}

// RegisterRoutes sets up all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/matches", s.handleMatches)
	mux.HandleFunc("GET /api/matches/{id}/games", s.handleMatchGames)
	mux.HandleFunc("GET /api/champion", s.handleChampion)
	mux.HandleFunc("GET /api/mcts", s.handleMCTS)
}

// Close releases the cached champion evaluator.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eval != nil {
		model.Release(s.eval)
		s.eval = nil
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	withCORS(w)
	st, err := store.ComputeStats(r.Context(), s.samplesDir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	withCORS(w)
	runID := s.registry.RunID()
	matches, err := s.ledger.Matches(runID, parseIntQuery(r, "limit", 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	promotions, err := s.ledger.Promotions(runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if matches == nil {
		matches = []ledger.Match{}
	}
	writeJSON(w, MatchesResponse{RunID: runID, Promotions: promotions, Matches: matches})
}

func (s *Server) handleMatchGames(w http.ResponseWriter, r *http.Request) {
	withCORS(w)
	games, err := s.ledger.MatchGames(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(games) == 0 {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, games)
}

func (s *Server) handleChampion(w http.ResponseWriter, r *http.Request) {
	withCORS(w)
	rec, err := s.registry.Champion()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

// handleMCTS searches the position reached by ?moves= with the champion and
// reports the root statistics.
func (s *Server) handleMCTS(w http.ResponseWriter, r *http.Request) {
	withCORS(w)
	state, err := replay(s.newGame(), r.URL.Query().Get("moves"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := AnalysisResponse{Board: state.String(), Ply: state.Ply(), Terminal: state.IsTerminal()}
	if state.IsTerminal() {
		resp.Value = float64(state.Outcome())
		writeJSON(w, resp)
		return
	}

	rec, eval, err := s.evaluator()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp.Champion = rec.String()

	engine := mcts.New(eval, s.mctsCfg)
	tree, err := engine.Search(r.Context(), state, parseIntQuery(r, "sims", s.mctsCfg.Iterations))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	// The root value is stored for the player who moved into it.
	resp.Value = -tree.Q(tree.Root())
	resp.Depth = tree.MaxDepth()
	for _, c := range tree.Children(tree.Root()) {
		resp.Children = append(resp.Children, ChildStats{
			Move:   int(tree.Move(c)),
			Visits: tree.Visits(c),
			Q:      tree.Q(c),
			Prior:  tree.Prior(c),
		})
	}
	writeJSON(w, resp)
}

// evaluator returns the champion's evaluator, reloading it when a new champion
// has been promoted.
func (s *Server) evaluator() (model.Record, mcts.Evaluator, error) {
	rec, err := s.registry.Champion()
	if err != nil {
		return model.Record{}, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eval != nil && s.champion.Hash == rec.Hash && s.champion.Fresh == rec.Fresh {
		return s.champion, s.eval, nil
	}
	eval, err := s.loader.Load(rec)
	if err != nil {
		return model.Record{}, nil, err
	}
	if s.eval != nil {
		model.Release(s.eval)
	}
	s.champion, s.eval = rec, eval
	return rec, eval, nil
}
