package execstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivewatch/internal/domain"
)

func ptr(s string) *string { return &s }

func sampleRecords() []domain.ExecutionRecord {
	now := time.Now()
	done := now.Add(-time.Minute)
	return []domain.ExecutionRecord{
		{ID: "root-1", Name: "planner", StartedAt: now, Phase: domain.PhaseGenerating, IsRunning: true},
		{ID: "child-1", Name: "coder", ParentID: ptr("root-1"), StartedAt: now, Phase: domain.PhaseWaiting, IsRunning: true},
		{ID: "root-0", Name: "planner", StartedAt: now.Add(-time.Hour), CompletedAt: &done, Phase: domain.PhaseCompleted},
	}
}

func TestReplaceAllAndViews(t *testing.T) {
	s := New()
	require.True(t, s.ReplaceAll(1, sampleRecords()))

	assert.Len(t, s.All(), 3)
	assert.Len(t, s.Running(), 2)

	roots := s.Roots()
	require.Len(t, roots, 2)
	assert.Equal(t, "root-1", roots[0].ID)
	assert.Equal(t, "root-0", roots[1].ID)

	latest, ok := s.LatestRoot()
	require.True(t, ok)
	assert.Equal(t, "root-1", latest.ID)
}

func TestReplaceAllDropsStaleRevision(t *testing.T) {
	s := New()
	require.True(t, s.ReplaceAll(5, sampleRecords()))

	stale := []domain.ExecutionRecord{{ID: "old", Name: "x"}}
	assert.False(t, s.ReplaceAll(4, stale))
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, uint64(5), s.Revision())

	assert.True(t, s.ReplaceAll(0, stale), "unknown revision always applies")
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, uint64(5), s.Revision())

	assert.True(t, s.ReplaceAll(5, sampleRecords()), "equal revision applies")
}

func TestMergeRunningIgnoresUnknownID(t *testing.T) {
	s := New()
	s.ReplaceAll(1, sampleRecords())
	before := s.All()

	changed := s.MergeRunning([]Partial{{ID: "ghost", Phase: domain.PhaseExecutingTool}})
	assert.Equal(t, 0, changed)
	assert.Equal(t, before, s.All())
	_, ok := s.Get("ghost")
	assert.False(t, ok)
}

func TestMergeRunningIgnoresCompletedRecord(t *testing.T) {
	s := New()
	s.ReplaceAll(1, sampleRecords())
	before, _ := s.Get("root-0")

	changed := s.MergeRunning([]Partial{{ID: "root-0", Phase: domain.PhaseGenerating}})
	assert.Equal(t, 0, changed)

	after, _ := s.Get("root-0")
	assert.Equal(t, before, after)
	assert.False(t, after.IsRunning)
}

func TestMergeRunningUpdatesPhaseOnly(t *testing.T) {
	s := New()
	s.ReplaceAll(1, sampleRecords())

	changed := s.MergeRunning([]Partial{
		{ID: "child-1", Name: "renamed", Phase: domain.PhaseExecutingTool},
		{ID: "root-1", Phase: domain.PhaseGenerating},
	})
	assert.Equal(t, 1, changed)

	rec, _ := s.Get("child-1")
	assert.Equal(t, domain.PhaseExecutingTool, rec.Phase)
	assert.Equal(t, "coder", rec.Name)
	assert.True(t, rec.IsRunning)
}

func TestReplaceAllCopiesPointers(t *testing.T) {
	recs := sampleRecords()
	s := New()
	s.ReplaceAll(0, recs)
	*recs[1].ParentID = "mutated"

	rec, _ := s.Get("child-1")
	assert.Equal(t, "root-1", *rec.ParentID)
}
