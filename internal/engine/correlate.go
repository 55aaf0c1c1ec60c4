package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"planline/internal/domain"
	"planline/internal/engine/auth"
	"planline/internal/engine/compliance"
	"planline/internal/engine/correlation"
	"planline/internal/events"
	"planline/internal/repo"
)

// currentPeriod is the configured reference period, or today when none is pinned.
func (e Engine) currentPeriod() string {
	if e.Config != nil && e.Config.Correlation.CurrentPeriod != "" {
		return e.Config.Correlation.CurrentPeriod
	}
	return e.now().UTC().Format(time.DateOnly)
}

// RecomputeActivity recomputes every correlation of the activity on behalf of an actor
// holding update:correlation.
func (e Engine) RecomputeActivity(ctx context.Context, activityID, actorID string) (out []domain.Correlation, err error) {
	ctx, span := e.span(ctx, "engine.RecomputeActivity", attribute.String("activity", activityID), attribute.String("actor", actorID))
	defer func() { end(span, err) }()

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		actor, ev, err := e.principal(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if err := ev.Require(actor, auth.ActionUpdate, auth.ResourceCorrelation, auth.Scope{}); err != nil {
			return err
		}
		out, err = e.recompute(ctx, tx, activityID, actor.ID)
		if err != nil {
			return err
		}
		return e.Repo.ClearDirty(ctx, tx, activityID, "")
	})
	return out, err
}

// DrainActivity recomputes a queued activity and removes its queue entry unless it was
// re-marked meanwhile. A vanished activity only clears the entry.
func (e Engine) DrainActivity(ctx context.Context, d repo.DirtyActivity) (out []domain.Correlation, err error) {
	ctx, span := e.span(ctx, "engine.DrainActivity", attribute.String("activity", d.ActivityID), attribute.String("reason", d.Reason))
	defer func() { end(span, err) }()

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		out, err = e.recompute(ctx, tx, d.ActivityID, "")
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return e.Repo.ClearDirty(ctx, tx, d.ActivityID, d.MarkedAt)
	})
	return out, err
}

// recompute writes a new correlation revision for every triple whose outcome changed and
// returns the current records. Re-running without input changes writes nothing. Stored
// records whose triple no longer co-occurs are scored against their current links, so a
// removed link lowers their linkage instead of leaving the last score in place.
func (e Engine) recompute(ctx context.Context, tx *sql.Tx, activityID, actorID string) ([]domain.Correlation, error) {
	started := e.now()
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	a, err := e.Repo.GetActivity(ctx, tx, activityID)
	if err != nil {
		return nil, wrapNotFound(err, "activity", activityID)
	}
	f := repo.AllocationFilters{ActivityID: a.ID}
	if a.ProcurementProcessID != nil {
		f.ProcurementID = *a.ProcurementProcessID
	}
	allocs, err := e.Repo.ListAllocations(ctx, tx, f)
	if err != nil {
		return nil, err
	}
	reports, err := e.Repo.ListReports(ctx, tx, repo.ReportFilters{ActivityID: a.ID})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.BudgetAllocation, len(allocs))
	for _, b := range allocs {
		byID[b.ID] = b
	}
	stored, err := e.Repo.ActivityCorrelations(ctx, tx, a.ID)
	if err != nil {
		return nil, err
	}
	rc := recomputation{
		params:     e.Config.CorrelationParams(),
		activity:   a,
		reports:    reports,
		period:     e.currentPeriod(),
		computedAt: e.stamp(),
		actorID:    actorID,
	}

	var out []domain.Correlation
	live := map[string]bool{}
	for _, t := range correlation.Triples(a, allocs) {
		live[t.ID()] = true
		proc, err := e.Repo.GetProcurement(ctx, tx, t.ProcurementProcessID)
		if err != nil {
			return nil, wrapNotFound(err, "procurement process", t.ProcurementProcessID)
		}
		rec, err := e.recordTriple(ctx, tx, rc, proc, byID[t.BudgetAllocationID])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	for _, c := range stored {
		if live[c.ID] {
			continue
		}
		alloc, err := e.Repo.GetAllocation(ctx, tx, c.BudgetAllocationID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		proc, err := e.Repo.GetProcurement(ctx, tx, c.ProcurementProcessID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		rec, err := e.recordTriple(ctx, tx, rc, proc, alloc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	e.Metrics.ObserveRecompute(e.now().Sub(started))
	return out, nil
}

// recomputation is the state shared by every triple of one activity pass.
type recomputation struct {
	params     correlation.Params
	activity   domain.Activity
	reports    []domain.ProgressReport
	period     string
	computedAt string
	actorID    string
}

// recordTriple scores one triple and stores a revision when the outcome changed.
func (e Engine) recordTriple(ctx context.Context, tx *sql.Tx, rc recomputation, proc domain.ProcurementProcess, alloc domain.BudgetAllocation) (domain.Correlation, error) {
	execs, err := e.Repo.ListExecutions(ctx, tx, alloc.ID)
	if err != nil {
		return domain.Correlation{}, err
	}
	in := correlation.Input{
		Activity:      rc.activity,
		Procurement:   proc,
		Allocation:    alloc,
		Executions:    execs,
		Reports:       rc.reports,
		CurrentPeriod: rc.period,
	}
	res, err := correlation.Compute(rc.params, in)
	if err != nil {
		return domain.Correlation{}, err
	}
	var prev *domain.Correlation
	stored, err := e.Repo.GetCorrelation(ctx, tx, correlation.Triple{
		ActivityID: rc.activity.ID, ProcurementProcessID: proc.ID, BudgetAllocationID: alloc.ID,
	}.ID())
	switch {
	case err == nil:
		prev = &stored
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Correlation{}, err
	}
	rec, changed := correlation.Record(in, res, prev, rc.computedAt)
	if !changed {
		return rec, nil
	}
	if err := e.Repo.SaveCorrelation(ctx, tx, rec); err != nil {
		return domain.Correlation{}, err
	}
	if err := e.appendEvent(ctx, tx, events.CorrelationComputed, "correlation", rec.ID, rc.actorID, events.EventPayload{
		"activity":   rec.ActivityID,
		"allocation": rec.BudgetAllocationID,
		"score":      rec.Score,
		"status":     rec.Status,
		"revision":   rec.Revision,
		"overspent":  rec.Overspent,
	}); err != nil {
		return domain.Correlation{}, err
	}
	e.Metrics.IncRecompute(rec.Status)
	return rec, nil
}

// CorrelationFilters narrows ListCorrelations.
type CorrelationFilters = repo.CorrelationFilters

func (e Engine) ListCorrelations(ctx context.Context, actorID string, f CorrelationFilters) ([]domain.Correlation, error) {
	if err := e.requireRead(ctx, actorID, auth.ResourceCorrelation); err != nil {
		return nil, err
	}
	return e.Repo.ListCorrelations(ctx, f)
}

func (e Engine) GetCorrelation(ctx context.Context, id, actorID string) (domain.Correlation, []domain.Correlation, error) {
	if err := e.requireRead(ctx, actorID, auth.ResourceCorrelation); err != nil {
		return domain.Correlation{}, nil, err
	}
	c, err := e.Repo.GetCorrelation(ctx, nil, id)
	if err != nil {
		return domain.Correlation{}, nil, wrapNotFound(err, "correlation", id)
	}
	hist, err := e.Repo.CorrelationHistory(ctx, id)
	if err != nil {
		return domain.Correlation{}, nil, err
	}
	return c, hist, nil
}

// ComplianceSummary aggregates the stored correlations in scope.
func (e Engine) ComplianceSummary(ctx context.Context, actorID string, scope compliance.Scope) (compliance.Summary, error) {
	if err := e.requireRead(ctx, actorID, auth.ResourceCompliance); err != nil {
		return compliance.Summary{}, err
	}
	corrs, err := e.Repo.ListCorrelations(ctx, repo.CorrelationFilters{DepartmentID: scope.DepartmentID, FiscalYear: scope.FiscalYear})
	if err != nil {
		return compliance.Summary{}, err
	}
	return compliance.Summarize(corrs, scope), nil
}

// ComplianceBreakdown groups every stored correlation by department, fiscal year or globally.
func (e Engine) ComplianceBreakdown(ctx context.Context, actorID, groupBy string) ([]compliance.Summary, error) {
	if err := e.requireRead(ctx, actorID, auth.ResourceCompliance); err != nil {
		return nil, err
	}
	corrs, err := e.Repo.ListCorrelations(ctx, repo.CorrelationFilters{})
	if err != nil {
		return nil, err
	}
	return compliance.SummarizeBy(corrs, groupBy)
}
