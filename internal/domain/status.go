package domain

const (
	StatusDraft     = "DRAFT"
	StatusSubmitted = "SUBMITTED"
	StatusApproved  = "APPROVED"
	StatusRejected  = "REJECTED"
)

// ReportStatuses lists report states in lifecycle order.
var ReportStatuses = []string{StatusDraft, StatusSubmitted, StatusApproved, StatusRejected}

const (
	Compliant    = "COMPLIANT"
	AtRisk       = "AT_RISK"
	NonCompliant = "NON_COMPLIANT"
)

var ComplianceStatuses = []string{Compliant, AtRisk, NonCompliant}

const (
	FrequencyMonthly   = "mensual"
	FrequencyQuarterly = "trimestral"
)

const (
	SubjectActivity  = "activity"
	SubjectIndicator = "indicator"
)

// Counted reports whether a status occupies the single (subject, period) slot.
func Counted(status string) bool {
	return status == StatusSubmitted || status == StatusApproved
}
