package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied      = errors.New("permission denied")
	ErrInvalidPeriod         = errors.New("invalid period")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrDuplicatePeriodReport = errors.New("duplicate period report")
	ErrMalformedEntity       = errors.New("malformed entity")
)

// PermissionDeniedError indicates the evaluator refused the (action, resource) pair.
type PermissionDeniedError struct {
	ActorID    string
	Permission string
	Reason     string
}

func (e PermissionDeniedError) Error() string {
	msg := fmt.Sprintf("permission %s required", e.Permission)
	if e.ActorID != "" {
		msg = fmt.Sprintf("actor %s: %s", e.ActorID, msg)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e PermissionDeniedError) Is(target error) bool { return target == ErrPermissionDenied }

type InvalidPeriodError struct {
	PeriodType string
	Period     string
	Reason     string
}

func (e InvalidPeriodError) Error() string {
	return fmt.Sprintf("invalid period %q for %s: %s", e.Period, e.PeriodType, e.Reason)
}

func (e InvalidPeriodError) Is(target error) bool { return target == ErrInvalidPeriod }

// InvalidTransitionError carries the current and attempted state of a report.
type InvalidTransitionError struct {
	ReportID string
	From     string
	To       string
	Reason   string
}

func (e InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid report status transition %s -> %s", e.From, e.To)
	if e.ReportID != "" {
		msg = fmt.Sprintf("report %s: %s", e.ReportID, msg)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type DuplicatePeriodReportError struct {
	SubjectID  string
	Period     string
	ExistingID string
}

func (e DuplicatePeriodReportError) Error() string {
	return fmt.Sprintf("report %s already holds %s for period %s", e.ExistingID, e.SubjectID, e.Period)
}

func (e DuplicatePeriodReportError) Is(target error) bool { return target == ErrDuplicatePeriodReport }

// MalformedEntityError reports a missing or inconsistent cross-reference on input.
type MalformedEntityError struct {
	Entity string
	ID     string
	Reason string
}

func (e MalformedEntityError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("malformed %s %s: %s", e.Entity, e.ID, e.Reason)
	}
	return fmt.Sprintf("malformed %s: %s", e.Entity, e.Reason)
}

func (e MalformedEntityError) Is(target error) bool { return target == ErrMalformedEntity }
