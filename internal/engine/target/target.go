// Package target resolves period targets and execution percentages.
package target

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"planline/internal/domain"
)

// NormalizeFrequency maps accepted frequency spellings onto mensual/trimestral.
func NormalizeFrequency(f string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(f)) {
	case domain.FrequencyMonthly, "monthly":
		return domain.FrequencyMonthly, nil
	case domain.FrequencyQuarterly, "quarterly":
		return domain.FrequencyQuarterly, nil
	}
	return "", fmt.Errorf("unknown reporting frequency %q", f)
}

// ParseMonth parses a strict YYYY-MM label.
func ParseMonth(period string) (year, month int, err error) {
	if len(period) != 7 || period[4] != '-' {
		return 0, 0, fmt.Errorf("want YYYY-MM")
	}
	year, err = parseDigits(period[:4])
	if err != nil {
		return 0, 0, err
	}
	month, err = parseDigits(period[5:])
	if err != nil {
		return 0, 0, err
	}
	if month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("month %d out of range", month)
	}
	return year, month, nil
}

// ParseQuarter parses a strict YYYY-Qn label.
func ParseQuarter(period string) (year, quarter int, err error) {
	if len(period) != 7 || period[4] != '-' || period[5] != 'Q' {
		return 0, 0, fmt.Errorf("want YYYY-Qn")
	}
	year, err = parseDigits(period[:4])
	if err != nil {
		return 0, 0, err
	}
	quarter = int(period[6] - '0')
	if quarter < 1 || quarter > 4 {
		return 0, 0, fmt.Errorf("quarter %q out of range", period[6:])
	}
	return year, quarter, nil
}

func parseDigits(s string) (int, error) {
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%q is not numeric", s)
		}
	}
	return strconv.Atoi(s)
}

// Parse parses period according to periodType, returning the year and the 1-based index
// of the month or quarter.
func Parse(periodType, period string) (year, index int, err error) {
	pt, err := NormalizeFrequency(periodType)
	if err != nil {
		return 0, 0, domain.InvalidPeriodError{PeriodType: periodType, Period: period, Reason: err.Error()}
	}
	if pt == domain.FrequencyMonthly {
		year, index, err = ParseMonth(period)
	} else {
		year, index, err = ParseQuarter(period)
	}
	if err != nil {
		return 0, 0, domain.InvalidPeriodError{PeriodType: pt, Period: period, Reason: err.Error()}
	}
	return year, index, nil
}

// ResolveTarget returns the plan's target for the period. A zero result means no target is
// configured and is not an error.
func ResolveTarget(plan domain.TargetPlan, periodType, period string) (float64, error) {
	year, idx, err := Parse(periodType, period)
	if err != nil {
		return 0, err
	}
	pt, _ := NormalizeFrequency(periodType)
	freq, err := NormalizeFrequency(plan.ReportingFrequency)
	if err != nil {
		return 0, domain.InvalidPeriodError{PeriodType: pt, Period: period, Reason: err.Error()}
	}
	if freq != pt {
		return 0, domain.InvalidPeriodError{PeriodType: pt, Period: period, Reason: "reporting frequency is " + freq}
	}
	if plan.FiscalYear != 0 && plan.FiscalYear != year {
		return 0, domain.InvalidPeriodError{PeriodType: pt, Period: period, Reason: fmt.Sprintf("plan covers fiscal year %d", plan.FiscalYear)}
	}
	targets := plan.MonthlyTargets
	if pt == domain.FrequencyQuarterly {
		targets = plan.QuarterlyTargets
	}
	if idx > len(targets) {
		return 0, nil
	}
	return targets[idx-1], nil
}

// ExecutionPercentage is round(current/target*100, 2), or nil when target is not positive.
func ExecutionPercentage(current, target float64) *float64 {
	if target <= 0 {
		return nil
	}
	v := Round2(current / target * 100)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ValidatePlan checks that exactly one target set is populated and matches the frequency.
func ValidatePlan(entity, id string, plan domain.TargetPlan) (domain.TargetPlan, error) {
	freq, err := NormalizeFrequency(plan.ReportingFrequency)
	if err != nil {
		return plan, domain.MalformedEntityError{Entity: entity, ID: id, Reason: err.Error()}
	}
	plan.ReportingFrequency = freq
	switch freq {
	case domain.FrequencyMonthly:
		if len(plan.QuarterlyTargets) > 0 {
			return plan, domain.MalformedEntityError{Entity: entity, ID: id, Reason: "monthly plan carries quarterly targets"}
		}
		if len(plan.MonthlyTargets) != 12 {
			return plan, domain.MalformedEntityError{Entity: entity, ID: id, Reason: fmt.Sprintf("want 12 monthly targets, got %d", len(plan.MonthlyTargets))}
		}
	case domain.FrequencyQuarterly:
		if len(plan.MonthlyTargets) > 0 {
			return plan, domain.MalformedEntityError{Entity: entity, ID: id, Reason: "quarterly plan carries monthly targets"}
		}
		if len(plan.QuarterlyTargets) != 4 {
			return plan, domain.MalformedEntityError{Entity: entity, ID: id, Reason: fmt.Sprintf("want 4 quarterly targets, got %d", len(plan.QuarterlyTargets))}
		}
	}
	for _, v := range append(append([]float64{}, plan.MonthlyTargets...), plan.QuarterlyTargets...) {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return plan, domain.MalformedEntityError{Entity: entity, ID: id, Reason: "targets must be finite and non-negative"}
		}
	}
	return plan, nil
}

// Ordinal maps a period onto a monotonically increasing counter of periods of its type.
func Ordinal(periodType, period string) (int, error) {
	year, idx, err := Parse(periodType, period)
	if err != nil {
		return 0, err
	}
	if pt, _ := NormalizeFrequency(periodType); pt == domain.FrequencyQuarterly {
		return year*4 + idx - 1, nil
	}
	return year*12 + idx - 1, nil
}

// Containing returns the label of the period of periodType that contains t.
func Containing(periodType string, t time.Time) (string, error) {
	pt, err := NormalizeFrequency(periodType)
	if err != nil {
		return "", domain.InvalidPeriodError{PeriodType: periodType, Reason: err.Error()}
	}
	if pt == domain.FrequencyQuarterly {
		return fmt.Sprintf("%04d-Q%d", t.Year(), (int(t.Month())-1)/3+1), nil
	}
	return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month())), nil
}

// ParseCurrent accepts a YYYY-MM-DD date or a YYYY-MM month and returns the first instant
// it denotes in UTC.
func ParseCurrent(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	year, month, err := ParseMonth(s)
	if err != nil {
		return time.Time{}, domain.InvalidPeriodError{PeriodType: "current", Period: s, Reason: "want YYYY-MM-DD or YYYY-MM"}
	}
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), nil
}

// Lag counts whole periods of periodType from period up to the period containing current.
// Negative values mean the report is ahead of current.
func Lag(periodType, period string, current time.Time) (int, error) {
	from, err := Ordinal(periodType, period)
	if err != nil {
		return 0, err
	}
	label, err := Containing(periodType, current)
	if err != nil {
		return 0, err
	}
	to, err := Ordinal(periodType, label)
	if err != nil {
		return 0, err
	}
	return to - from, nil
}
