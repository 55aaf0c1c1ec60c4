package engine

import (
	"context"
	"database/sql"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"planline/internal/domain"
	"planline/internal/engine/auth"
	"planline/internal/engine/compliance"
	"planline/internal/engine/workflow"
	"planline/internal/events"
	"planline/internal/repo"
)

// ReportCreateOptions are parameters for filing a new progress report.
type ReportCreateOptions struct {
	ID           string
	ActivityID   string
	IndicatorID  string
	PeriodType   string
	Period       string
	CurrentValue *float64
	Achievements string
	Difficulties string
	NextSteps    string
	ActorID      string
}

func (e Engine) CreateReport(ctx context.Context, opts ReportCreateOptions) (r domain.ProgressReport, err error) {
	ctx, span := e.span(ctx, "engine.CreateReport", attribute.String("actor", opts.ActorID))
	defer func() { end(span, err) }()

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		actor, ev, err := e.principal(ctx, tx, opts.ActorID)
		if err != nil {
			return err
		}
		m, err := e.machine(ev)
		if err != nil {
			return err
		}
		in := workflow.CreateInput{
			ID:           opts.ID,
			ActivityID:   opts.ActivityID,
			IndicatorID:  opts.IndicatorID,
			PeriodType:   opts.PeriodType,
			Period:       opts.Period,
			CurrentValue: opts.CurrentValue,
			Achievements: opts.Achievements,
			Difficulties: opts.Difficulties,
			NextSteps:    opts.NextSteps,
		}
		// The subject is only hydrated when exactly one is named; the machine reports the rest.
		switch {
		case opts.ActivityID != "" && opts.IndicatorID == "":
			a, err := e.Repo.GetActivity(ctx, tx, opts.ActivityID)
			if err != nil {
				return wrapNotFound(err, "activity", opts.ActivityID)
			}
			in.Plan = a.TargetPlan
			in.DepartmentID = a.DepartmentID
		case opts.IndicatorID != "" && opts.ActivityID == "":
			ind, err := e.Repo.GetIndicator(ctx, tx, opts.IndicatorID)
			if err != nil {
				return wrapNotFound(err, "indicator", opts.IndicatorID)
			}
			in.Plan = ind.TargetPlan
		}
		created, h, err := m.Create(actor, in)
		if err != nil {
			return err
		}
		if err := e.Repo.InsertReport(ctx, tx, created); err != nil {
			return err
		}
		if err := e.Repo.InsertHistory(ctx, tx, h); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, events.ReportCreated, "progress_report", created.ID, actor.ID, reportPayload(created, "")); err != nil {
			return err
		}
		r = created
		return nil
	})
	if err != nil {
		return domain.ProgressReport{}, err
	}
	e.Metrics.IncTransition(r.Status)
	return r, nil
}

// ReportEditOptions changes a DRAFT in place. Nil fields are kept.
type ReportEditOptions struct {
	ID           string
	CurrentValue *float64
	Achievements *string
	Difficulties *string
	NextSteps    *string
	ActorID      string
}

func (e Engine) EditReport(ctx context.Context, opts ReportEditOptions) (domain.ProgressReport, error) {
	return e.transition(ctx, "engine.EditReport", opts.ActorID, opts.ID, events.ReportEdited,
		func(m workflow.Machine, actor domain.Principal, r domain.ProgressReport) (domain.ProgressReport, domain.HistoryEntry, error) {
			return m.Edit(actor, r, workflow.EditInput{
				CurrentValue: opts.CurrentValue,
				Achievements: opts.Achievements,
				Difficulties: opts.Difficulties,
				NextSteps:    opts.NextSteps,
			})
		})
}

func (e Engine) SubmitReport(ctx context.Context, id, actorID string) (domain.ProgressReport, error) {
	return e.transition(ctx, "engine.SubmitReport", actorID, id, events.ReportSubmitted,
		func(m workflow.Machine, actor domain.Principal, r domain.ProgressReport) (domain.ProgressReport, domain.HistoryEntry, error) {
			return m.Submit(actor, r)
		})
}

func (e Engine) ApproveReport(ctx context.Context, id, comment, actorID string) (domain.ProgressReport, error) {
	return e.transition(ctx, "engine.ApproveReport", actorID, id, events.ReportApproved,
		func(m workflow.Machine, actor domain.Principal, r domain.ProgressReport) (domain.ProgressReport, domain.HistoryEntry, error) {
			return m.Approve(actor, r, comment)
		})
}

func (e Engine) RejectReport(ctx context.Context, id, reason, actorID string) (domain.ProgressReport, error) {
	return e.transition(ctx, "engine.RejectReport", actorID, id, events.ReportRejected,
		func(m workflow.Machine, actor domain.Principal, r domain.ProgressReport) (domain.ProgressReport, domain.HistoryEntry, error) {
			return m.Reject(actor, r, reason)
		})
}

type transitionFunc func(m workflow.Machine, actor domain.Principal, r domain.ProgressReport) (domain.ProgressReport, domain.HistoryEntry, error)

// transition reads, validates and writes one report inside a single transaction. The
// write is a compare-and-set on the version read here; entering a counted status is
// checked against the period's siblings before the partial unique index sees it.
func (e Engine) transition(ctx context.Context, op, actorID, id, evtType string, fn transitionFunc) (out domain.ProgressReport, err error) {
	ctx, span := e.span(ctx, op, attribute.String("report", id), attribute.String("actor", actorID))
	defer func() { end(span, err) }()

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		actor, ev, err := e.principal(ctx, tx, actorID)
		if err != nil {
			return err
		}
		m, err := e.machine(ev)
		if err != nil {
			return err
		}
		cur, err := e.Repo.GetReport(ctx, tx, id)
		if err != nil {
			return wrapNotFound(err, "progress report", id)
		}
		next, h, err := fn(m, actor, cur)
		if err != nil {
			return err
		}
		if domain.Counted(next.Status) && !domain.Counted(cur.Status) {
			siblings, err := e.Repo.PeriodSiblings(ctx, tx, next)
			if err != nil {
				return err
			}
			if err := workflow.EnsureNoConflict(next, siblings); err != nil {
				return err
			}
		}
		if err := e.Repo.UpdateReport(ctx, tx, next, cur.Version); err != nil {
			if errors.Is(err, repo.ErrStaleVersion) {
				return domain.InvalidTransitionError{ReportID: id, From: cur.Status, To: next.Status, Reason: "stale"}
			}
			return err
		}
		if err := e.Repo.InsertHistory(ctx, tx, h); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, evtType, "progress_report", id, actor.ID, reportPayload(next, cur.Status)); err != nil {
			return err
		}
		if next.Status != cur.Status && next.ActivityID != nil {
			if err := e.Repo.MarkDirty(ctx, tx, *next.ActivityID, evtType, e.queueStamp()); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicatePeriodReport) {
			e.Metrics.IncDuplicate()
		}
		return domain.ProgressReport{}, err
	}
	if evtType != events.ReportEdited {
		e.Metrics.IncTransition(out.Status)
	}
	return out, nil
}

// CloneReport copies a REJECTED report into a new DRAFT for the same subject and period.
func (e Engine) CloneReport(ctx context.Context, id, newID, actorID string) (c domain.ProgressReport, err error) {
	ctx, span := e.span(ctx, "engine.CloneReport", attribute.String("report", id), attribute.String("actor", actorID))
	defer func() { end(span, err) }()

	err = e.inTx(ctx, func(tx *sql.Tx) error {
		actor, ev, err := e.principal(ctx, tx, actorID)
		if err != nil {
			return err
		}
		m, err := e.machine(ev)
		if err != nil {
			return err
		}
		orig, err := e.Repo.GetReport(ctx, tx, id)
		if err != nil {
			return wrapNotFound(err, "progress report", id)
		}
		clone, h, err := m.Clone(actor, orig, newID)
		if err != nil {
			return err
		}
		if err := e.Repo.InsertReport(ctx, tx, clone); err != nil {
			return err
		}
		if err := e.Repo.InsertHistory(ctx, tx, h); err != nil {
			return err
		}
		payload := reportPayload(clone, "")
		payload["clone_of"] = orig.ID
		if err := e.appendEvent(ctx, tx, events.ReportCloned, "progress_report", clone.ID, actor.ID, payload); err != nil {
			return err
		}
		c = clone
		return nil
	})
	if err != nil {
		return domain.ProgressReport{}, err
	}
	e.Metrics.IncTransition(c.Status)
	return c, nil
}

func reportPayload(r domain.ProgressReport, from string) events.EventPayload {
	p := events.EventPayload{
		"subject":    r.SubjectKind() + ":" + r.SubjectID(),
		"period":     r.Period,
		"status":     r.Status,
		"version":    r.Version,
		"percentage": r.ExecutionPercentage,
	}
	if from != "" {
		p["from"] = from
	}
	if r.ReviewComment != "" {
		p["comment"] = r.ReviewComment
	}
	return p
}

// canReadReport grants progress-report readers every report and my-reports readers their own.
func canReadReport(ev auth.Evaluator, actor domain.Principal, r domain.ProgressReport) bool {
	if ev.CanPerform(actor, auth.ActionRead, auth.ResourceProgressReport, auth.Scope{}) {
		return true
	}
	return ev.CanPerform(actor, auth.ActionRead, auth.ResourceMyReports, auth.Scope{OwnerID: r.ReportedBy})
}

func (e Engine) GetReport(ctx context.Context, id, actorID string) (domain.ProgressReport, []domain.HistoryEntry, error) {
	actor, ev, err := e.principal(ctx, nil, actorID)
	if err != nil {
		return domain.ProgressReport{}, nil, err
	}
	r, err := e.Repo.GetReport(ctx, nil, id)
	if err != nil {
		return domain.ProgressReport{}, nil, wrapNotFound(err, "progress report", id)
	}
	if !canReadReport(ev, actor, r) {
		return domain.ProgressReport{}, nil, ev.Require(actor, auth.ActionRead, auth.ResourceProgressReport, auth.Scope{})
	}
	h, err := e.Repo.ListHistory(ctx, id)
	if err != nil {
		return domain.ProgressReport{}, nil, err
	}
	return r, h, nil
}

// ListReports narrows the listing to the caller's own reports when the caller only holds
// read:my-reports.
func (e Engine) ListReports(ctx context.Context, actorID string, f repo.ReportFilters) ([]domain.ProgressReport, error) {
	actor, ev, err := e.principal(ctx, nil, actorID)
	if err != nil {
		return nil, err
	}
	if !ev.CanPerform(actor, auth.ActionRead, auth.ResourceProgressReport, auth.Scope{}) {
		if err := ev.Require(actor, auth.ActionRead, auth.ResourceMyReports, auth.Scope{}); err != nil {
			return nil, err
		}
		f.ReportedBy = actor.ID
	}
	return e.Repo.ListReports(ctx, nil, f)
}

// ReportStats counts reports per status. Callers limited to their own reports see only those.
func (e Engine) ReportStats(ctx context.Context, actorID string) (map[string]int, error) {
	actor, ev, err := e.principal(ctx, nil, actorID)
	if err != nil {
		return nil, err
	}
	owner := ""
	if !ev.CanPerform(actor, auth.ActionRead, auth.ResourceProgressReport, auth.Scope{}) {
		if err := ev.Require(actor, auth.ActionRead, auth.ResourceMyReports, auth.Scope{}); err != nil {
			return nil, err
		}
		owner = actor.ID
	}
	reports, err := e.Repo.ListReports(ctx, nil, repo.ReportFilters{ReportedBy: owner})
	if err != nil {
		return nil, err
	}
	return compliance.ReportStats(reports), nil
}
