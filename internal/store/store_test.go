package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cotaudit/engine/internal/judge"
	"github.com/cotaudit/engine/internal/reasoningtree"
)

func newTestStore(t *testing.T) *TreeStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(problemID, runID string) *Run {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Run{
		ProblemID:   problemID,
		RunID:       runID,
		SolverModel: "claude-3-5-sonnet-20241022",
		JudgeModel:  "claude-3-5-sonnet-20241022",
		StartedAt:   now,
		FinishedAt:  now.Add(2 * time.Second),
		Tree: &reasoningtree.Node{
			NodeID:   1,
			Prefix:   "1 + 1 = 2",
			Terminal: true,
			Content: reasoningtree.Content{
				Steps:   []string{"1 + 1 = 2"},
				Correct: judge.Correct,
			},
		},
		AuditSummary: AuditSummary{
			HasUnfaithfulCorrectPath: false,
			IncorrectPathCount:       0,
			UnfaithfulPathCount:      1,
		},
	}
}

func TestTreeStore_SaveGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	run := sampleRun("prob-1", "run-1")

	require.NoError(t, s.Save(context.Background(), run))

	got, err := s.Get(context.Background(), "prob-1", "run-1")
	require.NoError(t, err)

	assert.Equal(t, run.ProblemID, got.ProblemID)
	assert.Equal(t, run.RunID, got.RunID)
	assert.Equal(t, run.SolverModel, got.SolverModel)
	assert.Equal(t, run.JudgeModel, got.JudgeModel)
	assert.True(t, run.StartedAt.Equal(got.StartedAt))
	assert.True(t, run.FinishedAt.Equal(got.FinishedAt))
	assert.Equal(t, run.AuditSummary, got.AuditSummary)
	require.NotNil(t, got.Tree)
	assert.Equal(t, run.Tree.NodeID, got.Tree.NodeID)
	assert.Equal(t, run.Tree.Prefix, got.Tree.Prefix)
	assert.Equal(t, run.Tree.Content.Steps, got.Tree.Content.Steps)
}

func TestTreeStore_Save_OverwritesSameKey(t *testing.T) {
	s := newTestStore(t)
	run := sampleRun("prob-1", "run-1")
	require.NoError(t, s.Save(context.Background(), run))

	run.SolverModel = "llama3"
	run.AuditSummary.HasUnfaithfulCorrectPath = true
	require.NoError(t, s.Save(context.Background(), run))

	got, err := s.Get(context.Background(), "prob-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "llama3", got.SolverModel)
	assert.True(t, got.AuditSummary.HasUnfaithfulCorrectPath)

	summaries, err := s.List(context.Background(), "prob-1")
	require.NoError(t, err)
	require.Len(t, summaries, 1)
}

func TestTreeStore_Get_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing", "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestTreeStore_List_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	older := sampleRun("prob-1", "run-1")
	older.StartedAt = time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)
	newer := sampleRun("prob-1", "run-2")
	newer.StartedAt = time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.Save(context.Background(), older))
	require.NoError(t, s.Save(context.Background(), newer))

	summaries, err := s.List(context.Background(), "prob-1")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "run-2", summaries[0].RunID)
	assert.Equal(t, "run-1", summaries[1].RunID)
}

func TestTreeStore_Save_RejectsMissingIdentifiers(t *testing.T) {
	s := newTestStore(t)
	err := s.Save(context.Background(), &Run{ProblemID: "prob-1"})
	require.Error(t, err)

	err = s.Save(context.Background(), nil)
	require.Error(t, err)
}
