package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/domain"
	"planline/internal/metrics"
	"planline/internal/repo"
)

type memQueue struct {
	mu     sync.Mutex
	items  []repo.DirtyActivity
	failed map[string]string
}

func (q *memQueue) DirtyActivities(_ context.Context, limit int) ([]repo.DirtyActivity, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit > len(q.items) {
		limit = len(q.items)
	}
	return append([]repo.DirtyActivity(nil), q.items[:limit]...), nil
}

func (q *memQueue) FailDirty(_ context.Context, activityID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[activityID] = reason
	for i := range q.items {
		if q.items[i].ActivityID == activityID {
			q.items[i].Attempts++
		}
	}
	return nil
}

func (q *memQueue) QueueDepth(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *memQueue) clear(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ActivityID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

type stubDrainer struct {
	q    *memQueue
	fail map[string]bool
}

func (s stubDrainer) DrainActivity(_ context.Context, d repo.DirtyActivity) ([]domain.Correlation, error) {
	if s.fail[d.ActivityID] {
		return nil, errors.New("allocation vanished")
	}
	s.q.clear(d.ActivityID)
	return []domain.Correlation{{ActivityID: d.ActivityID}}, nil
}

func TestDrainOnceKeepsFailuresQueued(t *testing.T) {
	q := &memQueue{failed: map[string]string{}}
	for _, id := range []string{"act-1", "act-2", "act-3"} {
		q.items = append(q.items, repo.DirtyActivity{ActivityID: id, Reason: "report.submitted"})
	}
	w := Worker{
		Queue:       q,
		Drainer:     stubDrainer{q: q, fail: map[string]bool{"act-2": true}},
		Metrics:     metrics.New(),
		Batch:       10,
		Concurrency: 2,
	}

	st, err := w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Drained: 2, Failed: 1}, st)
	assert.Equal(t, "allocation vanished", q.failed["act-2"])

	depth, _ := q.QueueDepth(context.Background())
	assert.Equal(t, 1, depth)
	assert.Equal(t, 1, q.items[0].Attempts)
}

func TestDrainOnceRespectsBatch(t *testing.T) {
	q := &memQueue{failed: map[string]string{}}
	for _, id := range []string{"a", "b", "c"} {
		q.items = append(q.items, repo.DirtyActivity{ActivityID: id})
	}
	w := Worker{Queue: q, Drainer: stubDrainer{q: q}, Batch: 2}

	st, err := w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Drained)
	depth, _ := q.QueueDepth(context.Background())
	assert.Equal(t, 1, depth)
}

func TestRunStopsOnCancel(t *testing.T) {
	q := &memQueue{failed: map[string]string{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := Worker{Queue: q, Drainer: stubDrainer{q: q}}
	assert.NoError(t, w.Run(ctx))
}
