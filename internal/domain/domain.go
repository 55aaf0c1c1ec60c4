package domain

// Principal is the authenticated actor handed to the core by the auth collaborator.
type Principal struct {
	ID     string `json:"id"`
	RoleID string `json:"role_id"`
	// DepartmentID confines department-scoped permissions. Empty means org-wide.
	DepartmentID string `json:"department_id,omitempty"`
	Active       bool   `json:"active"`
}

// OrgWide reports whether the principal acts across every department.
func (p Principal) OrgWide() bool {
	return p.DepartmentID == ""
}

type Role struct {
	ID          string       `json:"id"`
	Description string       `json:"description,omitempty"`
	Active      bool         `json:"active"`
	Permissions []Permission `json:"permissions"`
}

// Permission is an (action, resource) pair, written as action:resource.
type Permission struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

func (p Permission) String() string {
	return p.Action + ":" + p.Resource
}

// TargetPlan carries the periodic targets shared by indicators and activities.
// Only one of MonthlyTargets (12 entries) or QuarterlyTargets (4 entries) is set.
type TargetPlan struct {
	ReportingFrequency string    `json:"reporting_frequency" enum:"mensual,trimestral"`
	FiscalYear         int       `json:"fiscal_year,omitempty"`
	MonthlyTargets     []float64 `json:"monthly_targets,omitempty"`
	QuarterlyTargets   []float64 `json:"quarterly_targets,omitempty"`
	AnnualTarget       float64   `json:"annual_target"`
}

type Indicator struct {
	ID        string `json:"id"`
	AxisID    string `json:"axis_id,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	Name      string `json:"name"`
	Unit      string `json:"unit,omitempty"`
	TargetPlan
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Activity struct {
	ID                   string  `json:"id"`
	ProductID            string  `json:"product_id,omitempty"`
	Name                 string  `json:"name"`
	DepartmentID         string  `json:"department_id,omitempty"`
	ResponsibleID        string  `json:"responsible_id,omitempty"`
	ProcurementProcessID *string `json:"procurement_process_id,omitempty"`
	TargetPlan
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type ProcurementProcess struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type BudgetAllocation struct {
	ID                   string  `json:"id"`
	Code                 string  `json:"code"`
	Type                 string  `json:"type"`
	FiscalYear           int     `json:"fiscal_year"`
	AllocatedAmount      float64 `json:"allocated_amount"`
	ActivityID           *string `json:"activity_id,omitempty"`
	ProcurementProcessID *string `json:"procurement_process_id,omitempty"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
	UpdatedAt            string  `json:"updated_at" format:"date-time"`
}

type BudgetExecution struct {
	ID           string  `json:"id"`
	AllocationID string  `json:"allocation_id"`
	Amount       float64 `json:"amount"`
	ExecutedOn   string  `json:"executed_on" format:"date"`
	Description  string  `json:"description,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type ProgressReport struct {
	ID                  string   `json:"id"`
	ActivityID          *string  `json:"activity_id,omitempty"`
	IndicatorID         *string  `json:"indicator_id,omitempty"`
	PeriodType          string   `json:"period_type" enum:"mensual,trimestral"`
	Period              string   `json:"period"`
	CurrentValue        float64  `json:"current_value"`
	TargetValue         float64  `json:"target_value"`
	ExecutionPercentage *float64 `json:"execution_percentage"`
	Achievements        string   `json:"achievements,omitempty"`
	Difficulties        string   `json:"difficulties,omitempty"`
	NextSteps           string   `json:"next_steps,omitempty"`
	Status              string   `json:"status" enum:"DRAFT,SUBMITTED,APPROVED,REJECTED"`
	ReportedBy          string   `json:"reported_by"`
	ReviewedBy          *string  `json:"reviewed_by,omitempty"`
	ReviewComment       string   `json:"review_comment,omitempty"`
	CloneOf             *string  `json:"clone_of,omitempty"`
	Version             int      `json:"version"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
	UpdatedAt           string   `json:"updated_at" format:"date-time"`
	SubmittedAt         *string  `json:"submitted_at,omitempty" format:"date-time"`
	ReviewedAt          *string  `json:"reviewed_at,omitempty" format:"date-time"`
}

// SubjectKind returns "activity" or "indicator" depending on which reference is set.
func (r ProgressReport) SubjectKind() string {
	switch {
	case r.ActivityID != nil && *r.ActivityID != "":
		return SubjectActivity
	case r.IndicatorID != nil && *r.IndicatorID != "":
		return SubjectIndicator
	}
	return ""
}

// SubjectID returns the referenced activity or indicator id.
func (r ProgressReport) SubjectID() string {
	switch r.SubjectKind() {
	case SubjectActivity:
		return *r.ActivityID
	case SubjectIndicator:
		return *r.IndicatorID
	}
	return ""
}

type HistoryEntry struct {
	ID         string `json:"id"`
	ReportID   string `json:"report_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
	At         string `json:"at" format:"date-time"`
	Comment    string `json:"comment,omitempty"`
}

type Signals struct {
	Linkage         float64 `json:"linkage"`
	BudgetAlignment float64 `json:"budget_alignment"`
	Timeliness      float64 `json:"timeliness"`
}

type Correlation struct {
	ID                   string  `json:"id"`
	ActivityID           string  `json:"activity_id"`
	ProcurementProcessID string  `json:"procurement_process_id"`
	BudgetAllocationID   string  `json:"budget_allocation_id"`
	DepartmentID         string  `json:"department_id,omitempty"`
	FiscalYear           int     `json:"fiscal_year,omitempty"`
	Score                float64 `json:"score"`
	Status               string  `json:"status" enum:"COMPLIANT,AT_RISK,NON_COMPLIANT"`
	Signals              Signals `json:"signals"`
	AllocatedAmount      float64 `json:"allocated_amount"`
	ExecutedAmount       float64 `json:"executed_amount"`
	Overspent            bool    `json:"overspent"`
	CurrentPeriod        string  `json:"current_period"`
	ComputedAt           string  `json:"computed_at" format:"date-time"`
	Revision             int     `json:"revision"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
