// Package correlation scores how consistently an activity, a procurement process and a
// budget allocation line up. Compute is a pure function of its input: the reference period
// is passed in explicitly and never read from the clock.
package correlation

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"planline/internal/domain"
	"planline/internal/engine/target"
)

// Input is everything one triple is scored from.
type Input struct {
	Activity    domain.Activity
	Procurement domain.ProcurementProcess
	Allocation  domain.BudgetAllocation
	Executions  []domain.BudgetExecution
	// Reports of the activity; reports of other subjects are ignored.
	Reports []domain.ProgressReport
	// CurrentPeriod is a YYYY-MM-DD date or YYYY-MM month.
	CurrentPeriod string
}

// Result is the score of one triple with its signals.
type Result struct {
	Score           float64
	Status          string
	Signals         domain.Signals
	AllocatedAmount float64
	ExecutedAmount  float64
	Overspent       bool
}

// Triple identifies one correlation record.
type Triple struct {
	ActivityID           string
	ProcurementProcessID string
	BudgetAllocationID   string
}

// ID is the stable identifier of the triple's correlation record.
func (t Triple) ID() string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(t.ActivityID+"|"+t.ProcurementProcessID+"|"+t.BudgetAllocationID)).String()
}

// Compute scores a triple as the weighted sum of its linkage, budget alignment and
// timeliness signals, each in [0, 100].
func Compute(p Params, in Input) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	switch {
	case in.Activity.ID == "":
		return Result{}, domain.MalformedEntityError{Entity: "correlation", Reason: "activity id missing"}
	case in.Procurement.ID == "":
		return Result{}, domain.MalformedEntityError{Entity: "correlation", Reason: "procurement process id missing"}
	case in.Allocation.ID == "":
		return Result{}, domain.MalformedEntityError{Entity: "correlation", Reason: "budget allocation id missing"}
	}
	current, err := target.ParseCurrent(in.CurrentPeriod)
	if err != nil {
		return Result{}, err
	}

	var executed float64
	for _, x := range in.Executions {
		if x.AllocationID != in.Allocation.ID {
			return Result{}, domain.MalformedEntityError{Entity: "budget execution", ID: x.ID, Reason: "belongs to allocation " + x.AllocationID}
		}
		executed += x.Amount
	}
	allocated := in.Allocation.AllocatedAmount
	latest := latestCounted(in.Activity.ID, in.Reports)

	linkage := linkageSignal(in.Activity, in.Procurement, in.Allocation)
	budget := budgetSignal(allocated, executed, latest)
	timeliness, err := timelinessSignal(latest, current, p.GracePeriods)
	if err != nil {
		return Result{}, err
	}

	w := p.Weights
	score := target.Round2(w.Linkage*linkage + w.Budget*budget + w.Timeliness*timeliness)
	return Result{
		Score:  score,
		Status: p.Classify(score),
		Signals: domain.Signals{
			Linkage:         target.Round2(linkage),
			BudgetAlignment: target.Round2(budget),
			Timeliness:      target.Round2(timeliness),
		},
		AllocatedAmount: allocated,
		ExecutedAmount:  executed,
		Overspent:       executed > allocated,
	}, nil
}

func linkageSignal(a domain.Activity, proc domain.ProcurementProcess, alloc domain.BudgetAllocation) float64 {
	links := 0
	if a.ProcurementProcessID != nil && *a.ProcurementProcessID == proc.ID {
		links++
	}
	if alloc.ActivityID != nil && *alloc.ActivityID == a.ID {
		links++
	}
	if alloc.ProcurementProcessID != nil && *alloc.ProcurementProcessID == proc.ID {
		links++
	}
	return float64(links) / 3 * 100
}

// budgetSignal compares spend utilization with reported progress. Spending the whole
// allocation with no progress drives it to 0.
func budgetSignal(allocated, executed float64, latest *domain.ProgressReport) float64 {
	if allocated <= 0 {
		return 0
	}
	utilization := executed / allocated * 100
	progress := 0.0
	if latest != nil && latest.ExecutionPercentage != nil {
		progress = *latest.ExecutionPercentage
	}
	return clamp(100-math.Abs(utilization-progress), 0, 100)
}

func timelinessSignal(latest *domain.ProgressReport, current time.Time, grace int) (float64, error) {
	if latest == nil {
		return 0, nil
	}
	lag, err := target.Lag(latest.PeriodType, latest.Period, current)
	if err != nil {
		return 0, err
	}
	switch {
	case lag <= 0:
		return 100, nil
	case lag <= grace:
		return 100 * (1 - float64(lag)/float64(grace+1)), nil
	}
	return 0, nil
}

// latestCounted picks the SUBMITTED or APPROVED report of the activity with the most recent
// period. Ties fall back to the report id so the choice is stable.
func latestCounted(activityID string, reports []domain.ProgressReport) *domain.ProgressReport {
	type ranked struct {
		r     domain.ProgressReport
		start int
	}
	var candidates []ranked
	for _, r := range reports {
		if r.SubjectKind() != domain.SubjectActivity || *r.ActivityID != activityID || !domain.Counted(r.Status) {
			continue
		}
		year, idx, err := target.Parse(r.PeriodType, r.Period)
		if err != nil {
			continue
		}
		month := idx
		if pt, _ := target.NormalizeFrequency(r.PeriodType); pt == domain.FrequencyQuarterly {
			month = (idx-1)*3 + 1
		}
		candidates = append(candidates, ranked{r: r, start: year*12 + month - 1})
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].start != candidates[j].start {
			return candidates[i].start > candidates[j].start
		}
		return candidates[i].r.ID > candidates[j].r.ID
	})
	return &candidates[0].r
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Record turns a result into a correlation record. When prev is non-nil and the result is
// unchanged, prev is returned with changed=false so re-running is a no-op.
func Record(in Input, res Result, prev *domain.Correlation, computedAt string) (domain.Correlation, bool) {
	t := Triple{ActivityID: in.Activity.ID, ProcurementProcessID: in.Procurement.ID, BudgetAllocationID: in.Allocation.ID}
	c := domain.Correlation{
		ID:                   t.ID(),
		ActivityID:           t.ActivityID,
		ProcurementProcessID: t.ProcurementProcessID,
		BudgetAllocationID:   t.BudgetAllocationID,
		DepartmentID:         in.Activity.DepartmentID,
		FiscalYear:           in.Allocation.FiscalYear,
		Score:                res.Score,
		Status:               res.Status,
		Signals:              res.Signals,
		AllocatedAmount:      res.AllocatedAmount,
		ExecutedAmount:       res.ExecutedAmount,
		Overspent:            res.Overspent,
		CurrentPeriod:        in.CurrentPeriod,
		ComputedAt:           computedAt,
		Revision:             1,
	}
	if prev == nil {
		return c, true
	}
	if sameOutcome(*prev, c) {
		return *prev, false
	}
	c.Revision = prev.Revision + 1
	return c, true
}

func sameOutcome(a, b domain.Correlation) bool {
	return a.Score == b.Score &&
		a.Status == b.Status &&
		a.Signals == b.Signals &&
		a.AllocatedAmount == b.AllocatedAmount &&
		a.ExecutedAmount == b.ExecutedAmount &&
		a.Overspent == b.Overspent &&
		a.DepartmentID == b.DepartmentID &&
		a.FiscalYear == b.FiscalYear
}

// Triples lists the triples an activity takes part in: every allocation tied to the activity
// or to its procurement process, paired with the allocation's procurement process or, failing
// that, the activity's. Allocations with no resolvable process are skipped.
func Triples(a domain.Activity, allocs []domain.BudgetAllocation) []Triple {
	var out []Triple
	seen := map[string]bool{}
	actProc := ""
	if a.ProcurementProcessID != nil {
		actProc = *a.ProcurementProcessID
	}
	for _, b := range allocs {
		byActivity := b.ActivityID != nil && *b.ActivityID == a.ID
		byProc := actProc != "" && b.ProcurementProcessID != nil && *b.ProcurementProcessID == actProc
		if !byActivity && !byProc {
			continue
		}
		proc := actProc
		if b.ProcurementProcessID != nil && *b.ProcurementProcessID != "" {
			proc = *b.ProcurementProcessID
		}
		if proc == "" {
			continue
		}
		t := Triple{ActivityID: a.ID, ProcurementProcessID: proc, BudgetAllocationID: b.ID}
		if seen[t.ID()] {
			continue
		}
		seen[t.ID()] = true
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BudgetAllocationID < out[j].BudgetAllocationID })
	return out
}
