// Package ledger keeps the history of champion/challenger matches in SQLite.
package ledger

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection with thread-safe operations
type DB struct {
	conn *sql.DB
	mu   sync.Mutex
}

// Match is one evaluation of a challenger against the champion.
type Match struct {
	ID             string
	RunID          string
	Iteration      int
	ChallengerHash string
	ChampionHash   string
	Mode           string
	Wins           int
	Draws          int
	Losses         int
	Score          float64
	Threshold      float64
	Promoted       bool
	PlayedAt       time.Time
}

// Game is a single game of a match, seen from the challenger.
type Game struct {
	MatchID         string
	Index           int
	ChallengerFirst bool
	Outcome         int
	Plies           int
	Adjudicated     bool
}

// New opens (and creates) the ledger at dbPath.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	// SQLite only supports one writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS matches (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		challenger_hash TEXT,
		champion_hash TEXT,            -- empty when the champion was a fresh model
		mode TEXT,
		wins INTEGER,
		draws INTEGER,
		losses INTEGER,
		score REAL,
		threshold REAL,
		promoted BOOLEAN DEFAULT 0,
		played_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS match_games (
		match_id TEXT,
		game_index INTEGER,
		challenger_first BOOLEAN,
		outcome INTEGER,               -- -1, 0, 1 for the challenger
		plies INTEGER,
		adjudicated BOOLEAN DEFAULT 0,
		PRIMARY KEY (match_id, game_index),
		FOREIGN KEY(match_id) REFERENCES matches(id)
	);

	CREATE INDEX IF NOT EXISTS idx_matches_run ON matches(run_id, iteration);
	`

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RecordMatch inserts a match and all its games in a single transaction
func (db *DB) RecordMatch(m Match, games []Game) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if m.PlayedAt.IsZero() {
		m.PlayedAt = time.Now().UTC()
	}
	_, err = tx.Exec(
		`INSERT INTO matches (id, run_id, iteration, challenger_hash, champion_hash, mode, wins, draws, losses, score, threshold, promoted, played_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RunID, m.Iteration, m.ChallengerHash, m.ChampionHash, m.Mode,
		m.Wins, m.Draws, m.Losses, m.Score, m.Threshold, m.Promoted, m.PlayedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert match: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO match_games (match_id, game_index, challenger_first, outcome, plies, adjudicated) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare game statement: %w", err)
	}
	defer stmt.Close()

	for _, g := range games {
		if _, err := stmt.Exec(m.ID, g.Index, g.ChallengerFirst, g.Outcome, g.Plies, g.Adjudicated); err != nil {
			return fmt.Errorf("failed to insert game %d: %w", g.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Matches returns the most recent matches of a run, newest first.
func (db *DB) Matches(runID string, limit int) ([]Match, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(
		`SELECT id, run_id, iteration, challenger_hash, champion_hash, mode, wins, draws, losses, score, threshold, promoted, played_at
		 FROM matches WHERE run_id = ? ORDER BY played_at DESC, iteration DESC LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.RunID, &m.Iteration, &m.ChallengerHash, &m.ChampionHash, &m.Mode,
			&m.Wins, &m.Draws, &m.Losses, &m.Score, &m.Threshold, &m.Promoted, &m.PlayedAt); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// MatchGames returns the games of a match in play order.
func (db *DB) MatchGames(matchID string) ([]Game, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(
		"SELECT match_id, game_index, challenger_first, outcome, plies, adjudicated FROM match_games WHERE match_id = ? ORDER BY game_index",
		matchID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []Game
	for rows.Next() {
		var g Game
		if err := rows.Scan(&g.MatchID, &g.Index, &g.ChallengerFirst, &g.Outcome, &g.Plies, &g.Adjudicated); err != nil {
			return nil, err
		}
		games = append(games, g)
	}
	return games, rows.Err()
}

// Promotions counts the promoted matches of a run.
func (db *DB) Promotions(runID string) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var n int
	err := db.conn.QueryRow("SELECT count(*) FROM matches WHERE run_id = ? AND promoted = 1", runID).Scan(&n)
	return n, err
}
