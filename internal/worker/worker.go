// Package worker drains the correlation recomputation queue in the background.
package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"planline/internal/domain"
	"planline/internal/metrics"
	"planline/internal/repo"
)

// Queue is the persisted set of activities awaiting recomputation.
type Queue interface {
	DirtyActivities(ctx context.Context, limit int) ([]repo.DirtyActivity, error)
	FailDirty(ctx context.Context, activityID, reason string) error
	QueueDepth(ctx context.Context) (int, error)
}

// Drainer recomputes one queued activity and clears its entry.
type Drainer interface {
	DrainActivity(ctx context.Context, d repo.DirtyActivity) ([]domain.Correlation, error)
}

type Worker struct {
	Queue       Queue
	Drainer     Drainer
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Interval    time.Duration
	Batch       int
	Concurrency int
}

func (w Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Stats describes one drain pass.
type Stats struct {
	Drained int
	Failed  int
}

// DrainOnce processes up to Batch queued activities with at most Concurrency in flight. A
// failing activity stays queued with its attempt count raised; it never aborts the pass.
func (w Worker) DrainOnce(ctx context.Context) (Stats, error) {
	batch, err := w.Queue.DirtyActivities(ctx, w.Batch)
	if err != nil {
		return Stats{}, err
	}
	results := make([]error, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	limit := w.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, d := range batch {
		g.Go(func() error {
			corrs, err := w.Drainer.DrainActivity(gctx, d)
			if err != nil {
				results[i] = err
				w.logger().WarnContext(gctx, "recompute failed", "activity", d.ActivityID, "reason", d.Reason, "attempts", d.Attempts+1, "err", err)
				if ferr := w.Queue.FailDirty(gctx, d.ActivityID, err.Error()); ferr != nil {
					return ferr
				}
				return nil
			}
			w.logger().DebugContext(gctx, "recomputed", "activity", d.ActivityID, "reason", d.Reason, "correlations", len(corrs))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, err := range results {
		if err != nil {
			st.Failed++
		} else {
			st.Drained++
		}
	}
	if depth, err := w.Queue.QueueDepth(ctx); err == nil {
		w.Metrics.SetQueueDepth(depth)
	}
	return st, nil
}

// Run drains the queue every Interval until ctx is cancelled.
func (w Worker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log := w.logger()
	log.InfoContext(ctx, "correlation worker started", "interval", interval.String(), "batch", w.Batch, "concurrency", w.Concurrency)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := w.DrainOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			log.ErrorContext(ctx, "drain failed", "err", err)
		case st.Drained+st.Failed > 0:
			log.InfoContext(ctx, "drain pass", "drained", st.Drained, "failed", st.Failed)
		}
		select {
		case <-ctx.Done():
			log.InfoContext(ctx, "correlation worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}
