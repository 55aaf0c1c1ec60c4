// Package compliance rolls correlation records and reports up into dashboard summaries.
package compliance

import (
	"fmt"
	"sort"
	"strconv"

	"planline/internal/domain"
	"planline/internal/engine/target"
)

const (
	GroupGlobal     = "global"
	GroupDepartment = "department"
	GroupFiscalYear = "fiscal_year"
)

// Scope filters correlations before summarizing. Zero values match everything.
type Scope struct {
	DepartmentID string
	FiscalYear   int
}

func (s Scope) matches(c domain.Correlation) bool {
	if s.DepartmentID != "" && c.DepartmentID != s.DepartmentID {
		return false
	}
	if s.FiscalYear != 0 && c.FiscalYear != s.FiscalYear {
		return false
	}
	return true
}

type Summary struct {
	Key          string         `json:"key"`
	Counts       map[string]int `json:"counts"`
	Total        int            `json:"total"`
	AverageScore *float64       `json:"average_score"`
}

func newSummary(key string) Summary {
	counts := make(map[string]int, len(domain.ComplianceStatuses))
	for _, s := range domain.ComplianceStatuses {
		counts[s] = 0
	}
	return Summary{Key: key, Counts: counts}
}

// Summarize counts correlations in scope per status. An empty set yields zero counts and a
// nil average.
func Summarize(corrs []domain.Correlation, scope Scope) Summary {
	sum := newSummary(GroupGlobal)
	var total float64
	for _, c := range corrs {
		if !scope.matches(c) {
			continue
		}
		sum.Counts[c.Status]++
		sum.Total++
		total += c.Score
	}
	if sum.Total > 0 {
		avg := target.Round2(total / float64(sum.Total))
		sum.AverageScore = &avg
	}
	return sum
}

// SummarizeBy groups correlations by department, fiscal year or nothing (global). Groups are
// returned sorted by key.
func SummarizeBy(corrs []domain.Correlation, groupBy string) ([]Summary, error) {
	var keyOf func(domain.Correlation) string
	switch groupBy {
	case "", GroupGlobal:
		return []Summary{Summarize(corrs, Scope{})}, nil
	case GroupDepartment:
		keyOf = func(c domain.Correlation) string { return c.DepartmentID }
	case GroupFiscalYear:
		keyOf = func(c domain.Correlation) string { return strconv.Itoa(c.FiscalYear) }
	default:
		return nil, fmt.Errorf("unknown group %q; use global, department or fiscal_year", groupBy)
	}
	groups := map[string][]domain.Correlation{}
	for _, c := range corrs {
		k := keyOf(c)
		groups[k] = append(groups[k], c)
	}
	out := make([]Summary, 0, len(groups))
	for k, members := range groups {
		s := Summarize(members, Scope{})
		s.Key = k
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ReportStats counts reports per status; every status is present.
func ReportStats(reports []domain.ProgressReport) map[string]int {
	out := make(map[string]int, len(domain.ReportStatuses))
	for _, s := range domain.ReportStatuses {
		out[s] = 0
	}
	for _, r := range reports {
		out[r.Status]++
	}
	return out
}
