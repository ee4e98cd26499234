// Package store persists finished reasoning trees and their audit results
// (C6). It is a consumer of C4/C5's output, not a participant in
// tree-building semantics: a Run wraps one finished tree with the model
// identifiers used to build it and the audit summary C5 produced, and the
// store exists only to save and list those records. Schema migration,
// upsert-on-conflict save, and typed row scanning follow the same shape as
// the rest of this tree's SQLite usage.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cotaudit/engine/internal/engineerr"
	"github.com/cotaudit/engine/internal/logging"
	"github.com/cotaudit/engine/internal/reasoningtree"
)

// ErrRunNotFound is returned by Get when no run matches the given
// problem id and run id.
var ErrRunNotFound = errors.New("run not found")

// AuditSummary is the tree-level rollup of a C5 pass over a run's tree.
type AuditSummary struct {
	HasUnfaithfulCorrectPath bool `json:"has_unfaithful_correct_path"`
	IncorrectPathCount       int  `json:"incorrect_path_count"`
	UnfaithfulPathCount      int  `json:"unfaithful_path_count"`
}

// Run wraps one finished tree with the identifiers and timestamps of the
// build/audit that produced it.
type Run struct {
	ProblemID    string
	RunID        string
	SolverModel  string
	JudgeModel   string
	StartedAt    time.Time
	FinishedAt   time.Time
	Tree         *reasoningtree.Node
	AuditSummary AuditSummary
}

// RunSummary is the row shape List returns: enough to pick a run without
// deserializing its tree blob.
type RunSummary struct {
	ProblemID    string
	RunID        string
	SolverModel  string
	JudgeModel   string
	StartedAt    time.Time
	FinishedAt   time.Time
	AuditSummary AuditSummary
}

// TreeStore is a narrow SQLite-backed persistence layer for runs.
type TreeStore struct {
	db  *sql.DB
	log *logging.Logger
}

// Open opens (creating if necessary) the SQLite database at dbPath and
// runs its migration.
func Open(dbPath string) (*TreeStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, engineerr.NewFatal("create store directory", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, engineerr.NewFatal("open store database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, engineerr.NewFatal("ping store database", err)
	}

	s := &TreeStore{db: db, log: logging.Global().WithComponent("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, engineerr.NewFatal("migrate store database", err)
	}
	s.log.Debug("store: opened %s", dbPath)
	return s, nil
}

func (s *TreeStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		problem_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		solver_model TEXT NOT NULL,
		judge_model TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		tree_json TEXT NOT NULL,
		has_unfaithful_correct_path BOOLEAN NOT NULL,
		incorrect_path_count INTEGER NOT NULL,
		unfaithful_path_count INTEGER NOT NULL,
		PRIMARY KEY (problem_id, run_id)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_problem_id ON runs(problem_id);
	CREATE INDEX IF NOT EXISTS idx_runs_unfaithful_correct
		ON runs(has_unfaithful_correct_path);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *TreeStore) Close() error {
	return s.db.Close()
}

// Save persists run, creating or overwriting the row for its
// (problem id, run id) pair.
func (s *TreeStore) Save(ctx context.Context, run *Run) error {
	if run == nil {
		return engineerr.NewConfigError("run cannot be nil")
	}
	if run.ProblemID == "" || run.RunID == "" {
		return engineerr.NewConfigError("run must have a problem id and a run id")
	}

	treeJSON, err := json.Marshal(run.Tree)
	if err != nil {
		return engineerr.NewFatal("serialize run tree", err)
	}

	query := `
	INSERT INTO runs (
		problem_id, run_id, solver_model, judge_model, started_at, finished_at,
		tree_json, has_unfaithful_correct_path, incorrect_path_count, unfaithful_path_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(problem_id, run_id) DO UPDATE SET
		solver_model = excluded.solver_model,
		judge_model = excluded.judge_model,
		started_at = excluded.started_at,
		finished_at = excluded.finished_at,
		tree_json = excluded.tree_json,
		has_unfaithful_correct_path = excluded.has_unfaithful_correct_path,
		incorrect_path_count = excluded.incorrect_path_count,
		unfaithful_path_count = excluded.unfaithful_path_count
	`

	// A build's context is cancelled the moment its caller stops waiting
	// (e.g. a cotaudit CLI timeout), but the run that produced it should
	// still land in the store rather than being lost. Detach with a fixed
	// upper bound so a genuinely stuck database doesn't hang forever.
	saveCtx, cancel := logging.DetachContextWithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = s.db.ExecContext(saveCtx, query,
		run.ProblemID,
		run.RunID,
		run.SolverModel,
		run.JudgeModel,
		run.StartedAt.Format(time.RFC3339Nano),
		run.FinishedAt.Format(time.RFC3339Nano),
		string(treeJSON),
		run.AuditSummary.HasUnfaithfulCorrectPath,
		run.AuditSummary.IncorrectPathCount,
		run.AuditSummary.UnfaithfulPathCount,
	)
	if err != nil {
		return engineerr.NewFatal("save run", err)
	}
	s.log.Debug("store: saved run %s/%s", run.ProblemID, run.RunID)
	return nil
}

// Get retrieves the run for the given problem id and run id.
func (s *TreeStore) Get(ctx context.Context, problemID, runID string) (*Run, error) {
	query := `
	SELECT problem_id, run_id, solver_model, judge_model, started_at, finished_at, tree_json,
		has_unfaithful_correct_path, incorrect_path_count, unfaithful_path_count
	FROM runs
	WHERE problem_id = ? AND run_id = ?
	`

	var run Run
	var startedAt, finishedAt, treeJSON string

	err := s.db.QueryRowContext(ctx, query, problemID, runID).Scan(
		&run.ProblemID,
		&run.RunID,
		&run.SolverModel,
		&run.JudgeModel,
		&startedAt,
		&finishedAt,
		&treeJSON,
		&run.AuditSummary.HasUnfaithfulCorrectPath,
		&run.AuditSummary.IncorrectPathCount,
		&run.AuditSummary.UnfaithfulPathCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.log.Warn("store: run not found: %s/%s", problemID, runID)
			return nil, ErrRunNotFound
		}
		return nil, engineerr.NewFatal("load run", err)
	}

	if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, engineerr.NewFatal("parse started_at", err)
	}
	if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
		return nil, engineerr.NewFatal("parse finished_at", err)
	}
	var tree reasoningtree.Node
	if err := json.Unmarshal([]byte(treeJSON), &tree); err != nil {
		return nil, engineerr.NewFatal("deserialize run tree", err)
	}
	run.Tree = &tree

	return &run, nil
}

// List returns every run saved for problemID, newest first, without
// deserializing each run's tree.
func (s *TreeStore) List(ctx context.Context, problemID string) ([]RunSummary, error) {
	query := `
	SELECT problem_id, run_id, solver_model, judge_model, started_at, finished_at,
		has_unfaithful_correct_path, incorrect_path_count, unfaithful_path_count
	FROM runs
	WHERE problem_id = ?
	ORDER BY started_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, problemID)
	if err != nil {
		return nil, engineerr.NewFatal("list runs", err)
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var rs RunSummary
		var startedAt, finishedAt string
		if err := rows.Scan(
			&rs.ProblemID,
			&rs.RunID,
			&rs.SolverModel,
			&rs.JudgeModel,
			&startedAt,
			&finishedAt,
			&rs.AuditSummary.HasUnfaithfulCorrectPath,
			&rs.AuditSummary.IncorrectPathCount,
			&rs.AuditSummary.UnfaithfulPathCount,
		); err != nil {
			return nil, engineerr.NewFatal("scan run summary", err)
		}
		if rs.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, engineerr.NewFatal("parse started_at", err)
		}
		if rs.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
			return nil, engineerr.NewFatal("parse finished_at", err)
		}
		summaries = append(summaries, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, engineerr.NewFatal("iterate runs", err)
	}

	return summaries, nil
}
