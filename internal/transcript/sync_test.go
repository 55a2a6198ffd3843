package transcript

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivewatch/internal/client"
	"hivewatch/internal/domain"
	"hivewatch/internal/logging"
)

func messages(n int) []domain.Message {
	out := make([]domain.Message, n)
	for i := range out {
		out[i] = domain.Message{Seq: i + 1, Role: domain.RoleAssistant, Content: fmt.Sprintf("message %d", i+1)}
	}
	return out
}

func runningLog(id string, n int) domain.ExecutionLog {
	return domain.ExecutionLog{ExecutionID: id, Name: "planner", TotalIterations: n, Messages: messages(n)}
}

func completedLog(id string, n int) domain.ExecutionLog {
	log := runningLog(id, n)
	done := time.Now()
	log.CompletedAt = &done
	return log
}

type scriptedSource struct {
	mu    sync.Mutex
	logs  map[string][]domain.ExecutionLog
	errs  map[string]error
	calls int
}

func (s *scriptedSource) GetLog(_ context.Context, id string) (domain.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.errs[id]; err != nil {
		return domain.ExecutionLog{}, err
	}
	queue := s.logs[id]
	if len(queue) == 0 {
		return domain.ExecutionLog{}, fmt.Errorf("GET /executions/%s/log: %w", id, client.ErrNotFound)
	}
	next := queue[0]
	if len(queue) > 1 {
		s.logs[id] = queue[1:]
	}
	return next, nil
}

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestAppendKeepsExistingElements(t *testing.T) {
	src := &scriptedSource{logs: map[string][]domain.ExecutionLog{
		"root-1": {runningLog("root-1", 3), runningLog("root-1", 5)},
	}}
	doc := &Document{}
	s := New(src, doc, time.Second, logging.Discard())

	out, err := s.LoadOrRefresh(context.Background(), "root-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFull, out)
	before := doc.Elements()
	require.Len(t, before, 3)

	out, err = s.LoadOrRefresh(context.Background(), "root-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAppend, out)

	after := doc.Elements()
	require.Len(t, after, 5)
	for i := 0; i < 3; i++ {
		assert.Same(t, before[i], after[i])
	}
	assert.Equal(t, 4, after[3].Seq)
	assert.Equal(t, 5, after[4].Seq)
	assert.Equal(t, 1, doc.FullRenders())
	assert.Equal(t, 5, doc.Header().Iterations)
}

func TestDifferentIDForcesFullRender(t *testing.T) {
	src := &scriptedSource{logs: map[string][]domain.ExecutionLog{
		"a": {runningLog("a", 3)},
		"b": {runningLog("b", 7)},
	}}
	doc := &Document{}
	s := New(src, doc, time.Second, logging.Discard())

	_, err := s.LoadOrRefresh(context.Background(), "a")
	require.NoError(t, err)
	out, err := s.LoadOrRefresh(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFull, out)
	assert.Equal(t, 2, doc.FullRenders())
	assert.Equal(t, "b", doc.Header().ExecutionID)
}

func TestEqualCountForcesFullRender(t *testing.T) {
	src := &scriptedSource{logs: map[string][]domain.ExecutionLog{
		"a": {runningLog("a", 3), completedLog("a", 3)},
	}}
	doc := &Document{}
	s := New(src, doc, time.Second, logging.Discard())

	_, _ = s.LoadOrRefresh(context.Background(), "a")
	out, err := s.LoadOrRefresh(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFull, out)
	assert.False(t, doc.Header().Running)
}

func TestNotFoundRendersWaiting(t *testing.T) {
	src := &scriptedSource{logs: map[string][]domain.ExecutionLog{}}
	doc := &Document{}
	s := New(src, doc, time.Second, logging.Discard())

	out, err := s.LoadOrRefresh(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, out)
	assert.NotEmpty(t, doc.Placeholder())
	assert.NoError(t, doc.Err())
}

func TestFetchFailureSurfaces(t *testing.T) {
	boom := &client.APIError{Status: 500, Message: "database locked"}
	src := &scriptedSource{errs: map[string]error{"a": boom}}
	doc := &Document{}
	s := New(src, doc, time.Second, logging.Discard())

	out, err := s.LoadOrRefresh(context.Background(), "a")
	assert.Equal(t, OutcomeFailed, out)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, boom, doc.Err())
	assert.Empty(t, doc.Placeholder())
}

func TestFollowStopsOneRefreshAfterCompletion(t *testing.T) {
	src := &scriptedSource{logs: map[string][]domain.ExecutionLog{
		"a": {runningLog("a", 1), runningLog("a", 2), completedLog("a", 3), completedLog("a", 3)},
	}}
	doc := &Document{}
	s := New(src, doc, 5*time.Millisecond, logging.Discard())

	s.Follow(context.Background(), "a", nil)
	require.Eventually(t, func() bool { return !s.Following() }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, src.callCount())
	assert.Len(t, doc.Elements(), 3)
	assert.False(t, doc.Header().Running)
}

func TestFollowReplacesPreviousFollow(t *testing.T) {
	src := &scriptedSource{logs: map[string][]domain.ExecutionLog{
		"a": {runningLog("a", 1)},
		"b": {completedLog("b", 2)},
	}}
	doc := &Document{}
	s := New(src, doc, 5*time.Millisecond, logging.Discard())

	s.Follow(context.Background(), "a", nil)
	s.Follow(context.Background(), "b", nil)
	require.Eventually(t, func() bool { return !s.Following() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "b", doc.Header().ExecutionID)

	s.StopFollow()
	s.StopFollow()
}

func TestFollowStopsOnMissingTranscriptThatIsNotRunning(t *testing.T) {
	src := &scriptedSource{logs: map[string][]domain.ExecutionLog{}}
	doc := &Document{}
	s := New(src, doc, 5*time.Millisecond, logging.Discard())

	s.Follow(context.Background(), "tool-call-7", func(context.Context, string) bool { return false })
	require.Eventually(t, func() bool { return !s.Following() }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, src.callCount())
	assert.False(t, s.Running())
	assert.NotEmpty(t, doc.Placeholder())
}

func TestFollowPollsMissingTranscriptWhileAlive(t *testing.T) {
	src := &scriptedSource{logs: map[string][]domain.ExecutionLog{}}
	doc := &Document{}
	s := New(src, doc, 5*time.Millisecond, logging.Discard())

	var checks atomic.Int32
	alive := func(_ context.Context, id string) bool {
		assert.Equal(t, "fresh", id)
		return checks.Add(1) < 4
	}
	s.Follow(context.Background(), "fresh", alive)
	require.Eventually(t, func() bool { return !s.Following() }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(5), checks.Load())
	assert.Equal(t, 5, src.callCount())
}

func TestFollowWithoutLivenessTreatsMissingAsFinished(t *testing.T) {
	src := &scriptedSource{logs: map[string][]domain.ExecutionLog{}}
	s := New(src, &Document{}, 5*time.Millisecond, logging.Discard())

	s.Follow(context.Background(), "gone", nil)
	require.Eventually(t, func() bool { return !s.Following() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, src.callCount())
}
