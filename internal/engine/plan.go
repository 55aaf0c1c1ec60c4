package engine

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"planline/internal/domain"
	"planline/internal/engine/auth"
	"planline/internal/engine/target"
	"planline/internal/events"
	"planline/internal/repo"
)

func (e Engine) RegisterIndicator(ctx context.Context, ind domain.Indicator, actorID string) (out domain.Indicator, err error) {
	ctx, span := e.span(ctx, "engine.RegisterIndicator", attribute.String("indicator", ind.ID))
	defer func() { end(span, err) }()

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		actor, ev, err := e.principal(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if err := ev.Require(actor, auth.ActionCreate, auth.ResourceIndicator, auth.Scope{}); err != nil {
			return err
		}
		if strings.TrimSpace(ind.Name) == "" {
			return domain.MalformedEntityError{Entity: "indicator", ID: ind.ID, Reason: "name is required"}
		}
		plan, err := target.ValidatePlan("indicator", ind.ID, ind.TargetPlan)
		if err != nil {
			return err
		}
		ind.TargetPlan = plan
		if ind.ID == "" {
			ind.ID = uuid.NewString()
		}
		ind.CreatedAt = e.stamp()
		if err := e.Repo.InsertIndicator(ctx, tx, ind); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.IndicatorRegistered, "indicator", ind.ID, actor.ID, events.EventPayload{
			"frequency": ind.ReportingFrequency, "fiscal_year": ind.FiscalYear,
		}); err != nil {
			return err
		}
		out = ind
		return nil
	})
	return out, err
}

func (e Engine) RegisterActivity(ctx context.Context, a domain.Activity, actorID string) (out domain.Activity, err error) {
	ctx, span := e.span(ctx, "engine.RegisterActivity", attribute.String("activity", a.ID))
	defer func() { end(span, err) }()

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		actor, ev, err := e.principal(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if err := ev.Require(actor, auth.ActionCreate, auth.ResourceActivity, auth.Scope{DepartmentID: a.DepartmentID}); err != nil {
			return err
		}
		if strings.TrimSpace(a.Name) == "" {
			return domain.MalformedEntityError{Entity: "activity", ID: a.ID, Reason: "name is required"}
		}
		plan, err := target.ValidatePlan("activity", a.ID, a.TargetPlan)
		if err != nil {
			return err
		}
		a.TargetPlan = plan
		if a.ProcurementProcessID != nil && *a.ProcurementProcessID != "" {
			if _, err := e.Repo.GetProcurement(ctx, tx, *a.ProcurementProcessID); err != nil {
				return wrapNotFound(err, "procurement process", *a.ProcurementProcessID)
			}
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.CreatedAt = e.stamp()
		a.UpdatedAt = a.CreatedAt
		if err := e.Repo.InsertActivity(ctx, tx, a); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.ActivityRegistered, "activity", a.ID, actor.ID, events.EventPayload{
			"department": a.DepartmentID, "frequency": a.ReportingFrequency, "procurement": a.ProcurementProcessID,
		}); err != nil {
			return err
		}
		if err := e.Repo.MarkDirty(ctx, tx, a.ID, events.ActivityRegistered, e.queueStamp()); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// LinkActivityProcurement sets the activity's procurement process; an empty id unlinks it.
func (e Engine) LinkActivityProcurement(ctx context.Context, activityID, procurementID, actorID string) (out domain.Activity, err error) {
	ctx, span := e.span(ctx, "engine.LinkActivityProcurement", attribute.String("activity", activityID), attribute.String("procurement", procurementID))
	defer func() { end(span, err) }()

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		actor, ev, err := e.principal(ctx, tx, actorID)
		if err != nil {
			return err
		}
		a, err := e.Repo.GetActivity(ctx, tx, activityID)
		if err != nil {
			return wrapNotFound(err, "activity", activityID)
		}
		if err := ev.Require(actor, auth.ActionUpdate, auth.ResourceActivity, auth.Scope{DepartmentID: a.DepartmentID}); err != nil {
			return err
		}
		var link *string
		if procurementID != "" {
			if _, err := e.Repo.GetProcurement(ctx, tx, procurementID); err != nil {
				return wrapNotFound(err, "procurement process", procurementID)
			}
			link = &procurementID
		}
		now := e.stamp()
		if err := e.Repo.SetActivityProcurement(ctx, tx, activityID, link, now); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.ActivityLinked, "activity", activityID, actor.ID, events.EventPayload{
			"procurement": procurementID,
		}); err != nil {
			return err
		}
		if err := e.Repo.MarkDirty(ctx, tx, activityID, events.ActivityLinked, e.queueStamp()); err != nil {
			return err
		}
		a.ProcurementProcessID = link
		a.UpdatedAt = now
		out = a
		return nil
	})
	return out, err
}

// SaveProcurement creates or updates a procurement process. Updating needs update:procurement.
func (e Engine) SaveProcurement(ctx context.Context, p domain.ProcurementProcess, actorID string) (out domain.ProcurementProcess, err error) {
	ctx, span := e.span(ctx, "engine.SaveProcurement", attribute.String("procurement", p.ID))
	defer func() { end(span, err) }()

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		actor, ev, err := e.principal(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if p.ID == "" || strings.TrimSpace(p.Description) == "" {
			return domain.MalformedEntityError{Entity: "procurement process", ID: p.ID, Reason: "id and description are required"}
		}
		action := auth.ActionCreate
		prev, err := e.Repo.GetProcurement(ctx, tx, p.ID)
		switch {
		case err == nil:
			action = auth.ActionUpdate
			p.CreatedAt = prev.CreatedAt
		case errors.Is(err, repo.ErrNotFound):
			p.CreatedAt = e.stamp()
		default:
			return err
		}
		if err := ev.Require(actor, action, auth.ResourceProcurement, auth.Scope{}); err != nil {
			return err
		}
		if p.Status == "" {
			p.Status = "open"
		}
		if err := e.Repo.UpsertProcurement(ctx, tx, p); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.ProcurementSaved, "procurement", p.ID, actor.ID, events.EventPayload{"status": p.Status}); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// SaveAllocation creates or amends a budget allocation and queues every activity whose
// correlations it feeds, before and after the change.
func (e Engine) SaveAllocation(ctx context.Context, b domain.BudgetAllocation, actorID string) (out domain.BudgetAllocation, err error) {
	ctx, span := e.span(ctx, "engine.SaveAllocation", attribute.String("allocation", b.ID))
	defer func() { end(span, err) }()

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		actor, ev, err := e.principal(ctx, tx, actorID)
		if err != nil {
			return err
		}
		switch {
		case b.ID == "" || strings.TrimSpace(b.Code) == "":
			return domain.MalformedEntityError{Entity: "budget allocation", ID: b.ID, Reason: "id and code are required"}
		case b.FiscalYear <= 0:
			return domain.MalformedEntityError{Entity: "budget allocation", ID: b.ID, Reason: "fiscal year is required"}
		case b.AllocatedAmount < 0 || math.IsNaN(b.AllocatedAmount) || math.IsInf(b.AllocatedAmount, 0):
			return domain.MalformedEntityError{Entity: "budget allocation", ID: b.ID, Reason: "allocated amount must be a non-negative number"}
		}
		if b.ActivityID != nil && *b.ActivityID != "" {
			if _, err := e.Repo.GetActivity(ctx, tx, *b.ActivityID); err != nil {
				return wrapNotFound(err, "activity", *b.ActivityID)
			}
		}
		if b.ProcurementProcessID != nil && *b.ProcurementProcessID != "" {
			if _, err := e.Repo.GetProcurement(ctx, tx, *b.ProcurementProcessID); err != nil {
				return wrapNotFound(err, "procurement process", *b.ProcurementProcessID)
			}
		}
		action := auth.ActionCreate
		var affected []string
		prev, err := e.Repo.GetAllocation(ctx, tx, b.ID)
		switch {
		case err == nil:
			action = auth.ActionUpdate
			b.CreatedAt = prev.CreatedAt
			if affected, err = e.affectedActivities(ctx, tx, prev); err != nil {
				return err
			}
		case errors.Is(err, repo.ErrNotFound):
			b.CreatedAt = e.stamp()
		default:
			return err
		}
		if err := ev.Require(actor, action, auth.ResourceBudget, auth.Scope{}); err != nil {
			return err
		}
		b.UpdatedAt = e.stamp()
		if err := e.Repo.UpsertAllocation(ctx, tx, b); err != nil {
			return err
		}
		current, err := e.affectedActivities(ctx, tx, b)
		if err != nil {
			return err
		}
		if err := e.markAll(ctx, tx, append(affected, current...), events.AllocationSaved); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.AllocationSaved, "budget_allocation", b.ID, actor.ID, events.EventPayload{
			"amount": b.AllocatedAmount, "fiscal_year": b.FiscalYear, "activity": b.ActivityID, "procurement": b.ProcurementProcessID,
		}); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// RecordExecution appends a spend against an allocation. Spending past the allocation is
// accepted; the correlation reports it as overspent.
func (e Engine) RecordExecution(ctx context.Context, x domain.BudgetExecution, actorID string) (out domain.BudgetExecution, err error) {
	ctx, span := e.span(ctx, "engine.RecordExecution", attribute.String("allocation", x.AllocationID))
	defer func() { end(span, err) }()

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		actor, ev, err := e.principal(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if err := ev.Require(actor, auth.ActionCreate, auth.ResourceBudget, auth.Scope{}); err != nil {
			return err
		}
		if x.Amount <= 0 || math.IsNaN(x.Amount) || math.IsInf(x.Amount, 0) {
			return domain.MalformedEntityError{Entity: "budget execution", ID: x.ID, Reason: "amount must be positive"}
		}
		if x.ExecutedOn == "" {
			x.ExecutedOn = e.now().UTC().Format(time.DateOnly)
		}
		if _, err := time.Parse(time.DateOnly, x.ExecutedOn); err != nil {
			return domain.MalformedEntityError{Entity: "budget execution", ID: x.ID, Reason: "executed_on must be YYYY-MM-DD"}
		}
		alloc, err := e.Repo.GetAllocation(ctx, tx, x.AllocationID)
		if err != nil {
			return wrapNotFound(err, "budget allocation", x.AllocationID)
		}
		if x.ID == "" {
			x.ID = uuid.NewString()
		}
		x.CreatedAt = e.stamp()
		if err := e.Repo.InsertExecution(ctx, tx, x); err != nil {
			return err
		}
		affected, err := e.affectedActivities(ctx, tx, alloc)
		if err != nil {
			return err
		}
		if err := e.markAll(ctx, tx, affected, events.ExecutionRecorded); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.ExecutionRecorded, "budget_allocation", alloc.ID, actor.ID, events.EventPayload{
			"execution": x.ID, "amount": x.Amount, "executed_on": x.ExecutedOn,
		}); err != nil {
			return err
		}
		out = x
		return nil
	})
	return out, err
}

// affectedActivities lists the activities whose correlations read the allocation: the one it
// names and every activity linked to its procurement process.
func (e Engine) affectedActivities(ctx context.Context, tx *sql.Tx, b domain.BudgetAllocation) ([]string, error) {
	var ids []string
	if b.ActivityID != nil && *b.ActivityID != "" {
		ids = append(ids, *b.ActivityID)
	}
	if b.ProcurementProcessID != nil && *b.ProcurementProcessID != "" {
		linked, err := e.Repo.ListActivities(ctx, tx, repo.ActivityFilters{ProcurementID: *b.ProcurementProcessID})
		if err != nil {
			return nil, err
		}
		for _, a := range linked {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

func (e Engine) markAll(ctx context.Context, tx *sql.Tx, activityIDs []string, reason string) error {
	stamp := e.queueStamp()
	seen := map[string]bool{}
	for _, id := range activityIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := e.Repo.MarkDirty(ctx, tx, id, reason, stamp); err != nil {
			return err
		}
	}
	return nil
}

// Plan reads. Each requires read on its resource.

func (e Engine) GetActivity(ctx context.Context, id, actorID string) (domain.Activity, error) {
	if err := e.requireRead(ctx, actorID, auth.ResourceActivity); err != nil {
		return domain.Activity{}, err
	}
	a, err := e.Repo.GetActivity(ctx, nil, id)
	return a, wrapNotFound(err, "activity", id)
}

func (e Engine) ListActivities(ctx context.Context, actorID string, f repo.ActivityFilters) ([]domain.Activity, error) {
	if err := e.requireRead(ctx, actorID, auth.ResourceActivity); err != nil {
		return nil, err
	}
	return e.Repo.ListActivities(ctx, nil, f)
}

func (e Engine) GetIndicator(ctx context.Context, id, actorID string) (domain.Indicator, error) {
	if err := e.requireRead(ctx, actorID, auth.ResourceIndicator); err != nil {
		return domain.Indicator{}, err
	}
	ind, err := e.Repo.GetIndicator(ctx, nil, id)
	return ind, wrapNotFound(err, "indicator", id)
}

func (e Engine) ListIndicators(ctx context.Context, actorID, productID string) ([]domain.Indicator, error) {
	if err := e.requireRead(ctx, actorID, auth.ResourceIndicator); err != nil {
		return nil, err
	}
	return e.Repo.ListIndicators(ctx, productID)
}

func (e Engine) ListProcurements(ctx context.Context, actorID string) ([]domain.ProcurementProcess, error) {
	if err := e.requireRead(ctx, actorID, auth.ResourceProcurement); err != nil {
		return nil, err
	}
	return e.Repo.ListProcurements(ctx)
}

// AllocationDetail is an allocation with its executions.
type AllocationDetail struct {
	domain.BudgetAllocation
	Executions     []domain.BudgetExecution `json:"executions"`
	ExecutedAmount float64                  `json:"executed_amount"`
}

func (e Engine) GetAllocation(ctx context.Context, id, actorID string) (AllocationDetail, error) {
	if err := e.requireRead(ctx, actorID, auth.ResourceBudget); err != nil {
		return AllocationDetail{}, err
	}
	b, err := e.Repo.GetAllocation(ctx, nil, id)
	if err != nil {
		return AllocationDetail{}, wrapNotFound(err, "budget allocation", id)
	}
	xs, err := e.Repo.ListExecutions(ctx, nil, id)
	if err != nil {
		return AllocationDetail{}, err
	}
	d := AllocationDetail{BudgetAllocation: b, Executions: xs}
	for _, x := range xs {
		d.ExecutedAmount += x.Amount
	}
	d.ExecutedAmount = target.Round2(d.ExecutedAmount)
	return d, nil
}

func (e Engine) ListAllocations(ctx context.Context, actorID string, f repo.AllocationFilters) ([]domain.BudgetAllocation, error) {
	if err := e.requireRead(ctx, actorID, auth.ResourceBudget); err != nil {
		return nil, err
	}
	return e.Repo.ListAllocations(ctx, nil, f)
}

func (e Engine) requireRead(ctx context.Context, actorID, resource string) error {
	actor, ev, err := e.principal(ctx, nil, actorID)
	if err != nil {
		return err
	}
	return ev.Require(actor, auth.ActionRead, resource, auth.Scope{})
}
