package server

import (
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/engine/compliance"
)

type MeResponse struct {
	ActorID      string   `json:"actor_id"`
	RoleID       string   `json:"role_id"`
	DepartmentID string   `json:"department_id,omitempty"`
	Active       bool     `json:"active"`
	Permissions  []string `json:"permissions"`
}

type CreateReportRequest struct {
	ID           string   `json:"id,omitempty"`
	ActivityID   string   `json:"activity_id,omitempty"`
	IndicatorID  string   `json:"indicator_id,omitempty"`
	PeriodType   string   `json:"period_type" enum:"mensual,trimestral,monthly,quarterly"`
	Period       string   `json:"period" example:"2024-02"`
	CurrentValue *float64 `json:"current_value,omitempty"`
	Achievements string   `json:"achievements,omitempty"`
	Difficulties string   `json:"difficulties,omitempty"`
	NextSteps    string   `json:"next_steps,omitempty"`
}

type EditReportRequest struct {
	CurrentValue *float64 `json:"current_value,omitempty"`
	Achievements *string  `json:"achievements,omitempty"`
	Difficulties *string  `json:"difficulties,omitempty"`
	NextSteps    *string  `json:"next_steps,omitempty"`
}

type ReviewRequest struct {
	Comment string `json:"comment,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type CloneRequest struct {
	ID string `json:"id,omitempty"`
}

type ReportDetail struct {
	Report  domain.ProgressReport `json:"report"`
	History []domain.HistoryEntry `json:"history"`
}

type ReportList struct {
	Items []domain.ProgressReport `json:"items"`
}

type LinkProcurementRequest struct {
	ProcurementProcessID string `json:"procurement_process_id"`
}

type CorrelationDetail struct {
	Correlation domain.Correlation   `json:"correlation"`
	History     []domain.Correlation `json:"history"`
}

type CorrelationList struct {
	Items []domain.Correlation `json:"items"`
}

type BreakdownResponse struct {
	GroupBy string               `json:"group_by"`
	Groups  []compliance.Summary `json:"groups"`
}

type AssignRoleRequest struct {
	ActorID      string `json:"actor_id"`
	RoleID       string `json:"role_id"`
	DepartmentID string `json:"department_id,omitempty"`
}

type ActorStatusRequest struct {
	Active bool `json:"active"`
}

type IssueKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

// IssuedKey carries the plaintext key; it is returned only once.
type IssuedKey struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

type EventPage struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type AllocationList struct {
	Items []domain.BudgetAllocation `json:"items"`
}

type AllocationResponse = engine.AllocationDetail

func apiKeyResponses(keys []domain.APIKey) []APIKeyResponse {
	out := make([]APIKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
	}
	return out
}

type TargetPlanRequest struct {
	ReportingFrequency string    `json:"reporting_frequency" enum:"mensual,trimestral,monthly,quarterly"`
	FiscalYear         int       `json:"fiscal_year,omitempty"`
	MonthlyTargets     []float64 `json:"monthly_targets,omitempty" maxItems:"12"`
	QuarterlyTargets   []float64 `json:"quarterly_targets,omitempty" maxItems:"4"`
	AnnualTarget       float64   `json:"annual_target,omitempty"`
}

func (t TargetPlanRequest) plan() domain.TargetPlan {
	return domain.TargetPlan{
		ReportingFrequency: t.ReportingFrequency,
		FiscalYear:         t.FiscalYear,
		MonthlyTargets:     t.MonthlyTargets,
		QuarterlyTargets:   t.QuarterlyTargets,
		AnnualTarget:       t.AnnualTarget,
	}
}

type IndicatorRequest struct {
	ID        string `json:"id,omitempty"`
	AxisID    string `json:"axis_id,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	Name      string `json:"name"`
	Unit      string `json:"unit,omitempty"`
	TargetPlanRequest
}

func (r IndicatorRequest) indicator() domain.Indicator {
	return domain.Indicator{
		ID:         r.ID,
		AxisID:     r.AxisID,
		ProductID:  r.ProductID,
		Name:       r.Name,
		Unit:       r.Unit,
		TargetPlan: r.plan(),
	}
}

type ActivityRequest struct {
	ID                   string `json:"id,omitempty"`
	ProductID            string `json:"product_id,omitempty"`
	Name                 string `json:"name"`
	DepartmentID         string `json:"department_id,omitempty"`
	ResponsibleID        string `json:"responsible_id,omitempty"`
	ProcurementProcessID string `json:"procurement_process_id,omitempty"`
	TargetPlanRequest
}

func (r ActivityRequest) activity() domain.Activity {
	return domain.Activity{
		ID:                   r.ID,
		ProductID:            r.ProductID,
		Name:                 r.Name,
		DepartmentID:         r.DepartmentID,
		ResponsibleID:        r.ResponsibleID,
		ProcurementProcessID: optional(r.ProcurementProcessID),
		TargetPlan:           r.plan(),
	}
}

type ProcurementRequest struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status,omitempty"`
}

type AllocationRequest struct {
	ID                   string  `json:"id,omitempty"`
	Code                 string  `json:"code"`
	Type                 string  `json:"type,omitempty"`
	FiscalYear           int     `json:"fiscal_year"`
	AllocatedAmount      float64 `json:"allocated_amount"`
	ActivityID           string  `json:"activity_id,omitempty"`
	ProcurementProcessID string  `json:"procurement_process_id,omitempty"`
}

func (r AllocationRequest) allocation() domain.BudgetAllocation {
	return domain.BudgetAllocation{
		ID:                   r.ID,
		Code:                 r.Code,
		Type:                 r.Type,
		FiscalYear:           r.FiscalYear,
		AllocatedAmount:      r.AllocatedAmount,
		ActivityID:           optional(r.ActivityID),
		ProcurementProcessID: optional(r.ProcurementProcessID),
	}
}

type ExecutionRequest struct {
	ID          string  `json:"id,omitempty"`
	Amount      float64 `json:"amount"`
	ExecutedOn  string  `json:"executed_on,omitempty" example:"2024-02-15"`
	Description string  `json:"description,omitempty"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
