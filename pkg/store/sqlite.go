package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/swgillespie/apollo/tourney/pkg/match"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return errors.Wrap(err, "while opening sqlite database")
	}
	// Results arrive from many workers at once; a single connection keeps
	// sqlite from reporting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS results (
			run_id  TEXT NOT NULL,
			game_id INTEGER NOT NULL,
			seed    INTEGER NOT NULL,
			p1_cmd  TEXT NOT NULL,
			p2_cmd  TEXT NOT NULL,
			winner  INTEGER NOT NULL,
			reason  TEXT NOT NULL,
			turns   INTEGER NOT NULL,
			error   TEXT NOT NULL,
			PRIMARY KEY (run_id, game_id)
		)
	`); err != nil {
		_ = db.Close()
		return errors.Wrap(err, "while creating results table")
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveResult(ctx context.Context, runID string, result match.GameResult) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	p1, err := json.Marshal(result.P1Cmd)
	if err != nil {
		return err
	}
	p2, err := json.Marshal(result.P2Cmd)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO results (run_id, game_id, seed, p1_cmd, p2_cmd, winner, reason, turns, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, game_id) DO UPDATE SET
			seed = excluded.seed,
			p1_cmd = excluded.p1_cmd,
			p2_cmd = excluded.p2_cmd,
			winner = excluded.winner,
			reason = excluded.reason,
			turns = excluded.turns,
			error = excluded.error
	`, runID, result.GameID, result.Seed, string(p1), string(p2), result.Winner, result.Reason, result.Turns, result.Error)
	return err
}

func (s *SQLiteStore) Results(ctx context.Context, runID string) ([]match.GameResult, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT game_id, seed, p1_cmd, p2_cmd, winner, reason, turns, error
		FROM results
		WHERE run_id = ?
		ORDER BY game_id
	`, runID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var results []match.GameResult
	for rows.Next() {
		var (
			r      match.GameResult
			p1, p2 string
		)
		if err := rows.Scan(&r.GameID, &r.Seed, &p1, &p2, &r.Winner, &r.Reason, &r.Turns, &r.Error); err != nil {
			return nil, false, err
		}
		if err := json.Unmarshal([]byte(p1), &r.P1Cmd); err != nil {
			return nil, false, errors.Wrapf(err, "game %d p1_cmd", r.GameID)
		}
		if err := json.Unmarshal([]byte(p2), &r.P2Cmd); err != nil {
			return nil, false, errors.Wrapf(err, "game %d p2_cmd", r.GameID)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return results, len(results) > 0, nil
}

func (s *SQLiteStore) Runs(ctx context.Context) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT DISTINCT run_id FROM results ORDER BY run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		runs = append(runs, id)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("sqlite store is not initialized")
	}
	return s.db, nil
}
