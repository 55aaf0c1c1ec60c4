// Package workflow drives the progress report lifecycle:
//
//	DRAFT -> SUBMITTED -> APPROVED | REJECTED
//
// A REJECTED report can be cloned by its owner into a fresh DRAFT; the original never
// re-opens. Every method is pure: it returns the next report value together with the
// history entry describing the change and leaves its inputs untouched. Persisting the
// result (with a compare-and-set on Version) is the caller's job.
package workflow

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"planline/internal/domain"
	"planline/internal/engine/auth"
	"planline/internal/engine/target"
)

// Policy holds the configurable guards.
type Policy struct {
	// RequireRejectionReason makes an empty reason on Reject an InvalidTransition.
	RequireRejectionReason bool
	// AllowRejectPermission lets reject:progress-report alone authorize rejections.
	AllowRejectPermission bool
}

// DefaultPolicy requires a rejection reason and accepts reject:progress-report.
func DefaultPolicy() Policy {
	return Policy{RequireRejectionReason: true, AllowRejectPermission: true}
}

// Machine applies report transitions. It never touches storage; callers persist the
// returned report and history entry.
type Machine struct {
	Auth   auth.Evaluator
	Policy Policy
	Now    func() time.Time
	NewID  func() string
}

// New returns a Machine on the wall clock with random report ids.
func New(ev auth.Evaluator, policy Policy) Machine {
	return Machine{Auth: ev, Policy: policy, Now: time.Now, NewID: func() string { return uuid.NewString() }}
}

func (m Machine) now() string {
	if m.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return m.Now().UTC().Format(time.RFC3339)
}

func (m Machine) newID() string {
	if m.NewID == nil {
		return uuid.NewString()
	}
	return m.NewID()
}

// CreateInput describes a new report. Plan is the target plan of the referenced subject.
type CreateInput struct {
	ID           string
	ActivityID   string
	IndicatorID  string
	DepartmentID string
	PeriodType   string
	Period       string
	CurrentValue *float64
	Achievements string
	Difficulties string
	NextSteps    string
	Plan         domain.TargetPlan
}

// Create builds a DRAFT owned by the actor, stamping the target and execution percentage
// for the period from in.Plan.
func (m Machine) Create(actor domain.Principal, in CreateInput) (domain.ProgressReport, domain.HistoryEntry, error) {
	if err := m.Auth.Require(actor, auth.ActionCreate, auth.ResourceProgressReport, auth.Scope{DepartmentID: in.DepartmentID}); err != nil {
		return domain.ProgressReport{}, domain.HistoryEntry{}, err
	}
	if (in.ActivityID == "") == (in.IndicatorID == "") {
		return domain.ProgressReport{}, domain.HistoryEntry{}, domain.MalformedEntityError{Entity: "progress report", ID: in.ID, Reason: "exactly one of activity or indicator is required"}
	}
	if in.CurrentValue == nil {
		return domain.ProgressReport{}, domain.HistoryEntry{}, domain.MalformedEntityError{Entity: "progress report", ID: in.ID, Reason: "current value is required"}
	}
	tv, err := target.ResolveTarget(in.Plan, in.PeriodType, in.Period)
	if err != nil {
		return domain.ProgressReport{}, domain.HistoryEntry{}, err
	}
	pt, _ := target.NormalizeFrequency(in.PeriodType)
	id := in.ID
	if id == "" {
		id = m.newID()
	}
	now := m.now()
	r := domain.ProgressReport{
		ID:                  id,
		ActivityID:          optional(in.ActivityID),
		IndicatorID:         optional(in.IndicatorID),
		PeriodType:          pt,
		Period:              in.Period,
		CurrentValue:        *in.CurrentValue,
		TargetValue:         tv,
		ExecutionPercentage: target.ExecutionPercentage(*in.CurrentValue, tv),
		Achievements:        in.Achievements,
		Difficulties:        in.Difficulties,
		NextSteps:           in.NextSteps,
		Status:              domain.StatusDraft,
		ReportedBy:          actor.ID,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	return r, m.history(r.ID, "", domain.StatusDraft, actor.ID, now, ""), nil
}

// EditInput carries the fields a DRAFT owner may change. Nil fields are left as they are.
type EditInput struct {
	CurrentValue *float64
	Achievements *string
	Difficulties *string
	NextSteps    *string
}

// Edit changes a DRAFT on behalf of its owner and recomputes the execution percentage.
func (m Machine) Edit(actor domain.Principal, r domain.ProgressReport, in EditInput) (domain.ProgressReport, domain.HistoryEntry, error) {
	if r.Status != domain.StatusDraft {
		return r, domain.HistoryEntry{}, domain.InvalidTransitionError{ReportID: r.ID, From: r.Status, To: domain.StatusDraft, Reason: "only drafts can be edited"}
	}
	if err := m.requireOwner(actor, r); err != nil {
		return r, domain.HistoryEntry{}, err
	}
	next := r
	if in.CurrentValue != nil {
		next.CurrentValue = *in.CurrentValue
		next.ExecutionPercentage = target.ExecutionPercentage(next.CurrentValue, next.TargetValue)
	}
	if in.Achievements != nil {
		next.Achievements = *in.Achievements
	}
	if in.Difficulties != nil {
		next.Difficulties = *in.Difficulties
	}
	if in.NextSteps != nil {
		next.NextSteps = *in.NextSteps
	}
	now := m.now()
	next.Version = r.Version + 1
	next.UpdatedAt = now
	return next, m.history(r.ID, domain.StatusDraft, domain.StatusDraft, actor.ID, now, "edited"), nil
}

// Submit moves the owner's DRAFT to SUBMITTED.
func (m Machine) Submit(actor domain.Principal, r domain.ProgressReport) (domain.ProgressReport, domain.HistoryEntry, error) {
	if err := ensureTransition(r, domain.StatusSubmitted); err != nil {
		return r, domain.HistoryEntry{}, err
	}
	if err := m.requireOwner(actor, r); err != nil {
		return r, domain.HistoryEntry{}, err
	}
	now := m.now()
	next := r
	next.Status = domain.StatusSubmitted
	next.SubmittedAt = &now
	next.Version = r.Version + 1
	next.UpdatedAt = now
	return next, m.history(r.ID, r.Status, next.Status, actor.ID, now, ""), nil
}

// Approve moves a SUBMITTED report to APPROVED. The reporter may not approve their own report.
func (m Machine) Approve(actor domain.Principal, r domain.ProgressReport, comment string) (domain.ProgressReport, domain.HistoryEntry, error) {
	if err := ensureTransition(r, domain.StatusApproved); err != nil {
		return r, domain.HistoryEntry{}, err
	}
	if err := m.Auth.Require(actor, auth.ActionApprove, auth.ResourceProgressReport, auth.Scope{}); err != nil {
		return r, domain.HistoryEntry{}, err
	}
	if actor.ID == r.ReportedBy {
		return r, domain.HistoryEntry{}, domain.PermissionDeniedError{
			ActorID:    actor.ID,
			Permission: auth.ActionApprove + ":" + auth.ResourceProgressReport,
			Reason:     "self-approval is forbidden",
		}
	}
	next, h := m.review(actor, r, domain.StatusApproved, strings.TrimSpace(comment))
	return next, h, nil
}

// Reject moves a SUBMITTED report to REJECTED, subject to the policy's reason and
// permission rules.
func (m Machine) Reject(actor domain.Principal, r domain.ProgressReport, reason string) (domain.ProgressReport, domain.HistoryEntry, error) {
	if err := ensureTransition(r, domain.StatusRejected); err != nil {
		return r, domain.HistoryEntry{}, err
	}
	pairs := []domain.Permission{{Action: auth.ActionApprove, Resource: auth.ResourceProgressReport}}
	if m.Policy.AllowRejectPermission {
		pairs = append(pairs, domain.Permission{Action: auth.ActionReject, Resource: auth.ResourceProgressReport})
	}
	if err := m.Auth.RequireAny(actor, auth.Scope{}, pairs...); err != nil {
		return r, domain.HistoryEntry{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" && m.Policy.RequireRejectionReason {
		return r, domain.HistoryEntry{}, domain.InvalidTransitionError{ReportID: r.ID, From: r.Status, To: domain.StatusRejected, Reason: "rejection reason required"}
	}
	next, h := m.review(actor, r, domain.StatusRejected, reason)
	return next, h, nil
}

// Clone copies a REJECTED report into a new DRAFT owned by the same user. The returned
// history entry belongs to the new report; the original keeps its state and version.
func (m Machine) Clone(actor domain.Principal, r domain.ProgressReport, newID string) (domain.ProgressReport, domain.HistoryEntry, error) {
	if r.Status != domain.StatusRejected {
		return r, domain.HistoryEntry{}, domain.InvalidTransitionError{ReportID: r.ID, From: r.Status, To: domain.StatusDraft, Reason: "only rejected reports can be cloned"}
	}
	if actor.ID != r.ReportedBy {
		return r, domain.HistoryEntry{}, domain.PermissionDeniedError{ActorID: actor.ID, Permission: auth.ActionCreate + ":" + auth.ResourceProgressReport, Reason: "not the owner"}
	}
	if err := m.Auth.Require(actor, auth.ActionCreate, auth.ResourceProgressReport, auth.Scope{}); err != nil {
		return r, domain.HistoryEntry{}, err
	}
	if newID == "" {
		newID = m.newID()
	}
	now := m.now()
	origin := r.ID
	c := domain.ProgressReport{
		ID:                  newID,
		ActivityID:          copyString(r.ActivityID),
		IndicatorID:         copyString(r.IndicatorID),
		PeriodType:          r.PeriodType,
		Period:              r.Period,
		CurrentValue:        r.CurrentValue,
		TargetValue:         r.TargetValue,
		ExecutionPercentage: target.ExecutionPercentage(r.CurrentValue, r.TargetValue),
		Achievements:        r.Achievements,
		Difficulties:        r.Difficulties,
		NextSteps:           r.NextSteps,
		Status:              domain.StatusDraft,
		ReportedBy:          r.ReportedBy,
		CloneOf:             &origin,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	return c, m.history(c.ID, "", domain.StatusDraft, actor.ID, now, "cloned from "+origin), nil
}

// EnsureNoConflict fails when another report already holds SUBMITTED or APPROVED for the
// same subject and period.
func EnsureNoConflict(r domain.ProgressReport, siblings []domain.ProgressReport) error {
	for _, s := range siblings {
		if s.ID == r.ID || !domain.Counted(s.Status) {
			continue
		}
		if s.SubjectKind() == r.SubjectKind() && s.SubjectID() == r.SubjectID() && s.Period == r.Period {
			return domain.DuplicatePeriodReportError{SubjectID: r.SubjectID(), Period: r.Period, ExistingID: s.ID}
		}
	}
	return nil
}

func ensureTransition(r domain.ProgressReport, to string) error {
	switch r.Status {
	case domain.StatusDraft:
		if to == domain.StatusSubmitted {
			return nil
		}
	case domain.StatusSubmitted:
		if to == domain.StatusApproved || to == domain.StatusRejected {
			return nil
		}
	}
	reason := ""
	if r.Status == domain.StatusApproved || r.Status == domain.StatusRejected {
		reason = "report is final"
	}
	return domain.InvalidTransitionError{ReportID: r.ID, From: r.Status, To: to, Reason: reason}
}

func (m Machine) requireOwner(actor domain.Principal, r domain.ProgressReport) error {
	if actor.ID != r.ReportedBy {
		return domain.PermissionDeniedError{ActorID: actor.ID, Permission: auth.ActionUpdate + ":" + auth.ResourceProgressReport, Reason: "not the owner"}
	}
	return m.Auth.Require(actor, auth.ActionUpdate, auth.ResourceProgressReport, auth.Scope{OwnerID: r.ReportedBy})
}

func (m Machine) review(actor domain.Principal, r domain.ProgressReport, status, comment string) (domain.ProgressReport, domain.HistoryEntry) {
	now := m.now()
	reviewer := actor.ID
	next := r
	next.Status = status
	next.ReviewedBy = &reviewer
	next.ReviewComment = comment
	next.ReviewedAt = &now
	next.Version = r.Version + 1
	next.UpdatedAt = now
	return next, m.history(r.ID, r.Status, status, actor.ID, now, comment)
}

func (m Machine) history(reportID, from, to, actorID, at, comment string) domain.HistoryEntry {
	return domain.HistoryEntry{
		ID:         m.newID(),
		ReportID:   reportID,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actorID,
		At:         at,
		Comment:    comment,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
