package correlation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/domain"
)

func ptr(s string) *string { return &s }

func pct(v float64) *float64 { return &v }

// exampleInput is activity A linked to procurement P and allocation B: 100000 allocated,
// 40000 spent, 60% execution reported for the current month.
func exampleInput() Input {
	return Input{
		Activity:    domain.Activity{ID: "A", DepartmentID: "ops", ProcurementProcessID: ptr("P")},
		Procurement: domain.ProcurementProcess{ID: "P", Status: "awarded"},
		Allocation: domain.BudgetAllocation{
			ID: "B", Code: "2.1.1", FiscalYear: 2024, AllocatedAmount: 100000,
			ActivityID: ptr("A"), ProcurementProcessID: ptr("P"),
		},
		Executions: []domain.BudgetExecution{
			{ID: "x1", AllocationID: "B", Amount: 25000},
			{ID: "x2", AllocationID: "B", Amount: 15000},
		},
		Reports: []domain.ProgressReport{
			{ID: "r1", ActivityID: ptr("A"), PeriodType: "mensual", Period: "2024-08", Status: domain.StatusApproved, ExecutionPercentage: pct(60)},
		},
		CurrentPeriod: "2024-08-20",
	}
}

func TestComputeExample(t *testing.T) {
	res, err := Compute(DefaultParams(), exampleInput())
	require.NoError(t, err)

	assert.Equal(t, 100.0, res.Signals.Linkage)
	assert.Equal(t, 80.0, res.Signals.BudgetAlignment)
	assert.Equal(t, 100.0, res.Signals.Timeliness)
	assert.Equal(t, 93.0, res.Score)
	assert.Equal(t, domain.Compliant, res.Status)
	assert.Equal(t, 40000.0, res.ExecutedAmount)
	assert.False(t, res.Overspent)
}

func TestComputeIsDeterministic(t *testing.T) {
	in := exampleInput()
	first, err := Compute(DefaultParams(), in)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Compute(DefaultParams(), in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestComputeWeightsAreConfig(t *testing.T) {
	p := Params{
		Weights:      Weights{Linkage: 0.2, Budget: 0.6, Timeliness: 0.2},
		Thresholds:   Thresholds{Compliant: 95, AtRisk: 60},
		GracePeriods: 1,
	}
	res, err := Compute(p, exampleInput())
	require.NoError(t, err)
	assert.Equal(t, 88.0, res.Score)
	assert.Equal(t, domain.AtRisk, res.Status)
}

func TestComputeMissingIDs(t *testing.T) {
	for name, mutate := range map[string]func(*Input){
		"activity":    func(in *Input) { in.Activity.ID = "" },
		"procurement": func(in *Input) { in.Procurement.ID = "" },
		"allocation":  func(in *Input) { in.Allocation.ID = "" },
		"execution":   func(in *Input) { in.Executions[0].AllocationID = "other" },
	} {
		t.Run(name, func(t *testing.T) {
			in := exampleInput()
			mutate(&in)
			_, err := Compute(DefaultParams(), in)
			require.ErrorIs(t, err, domain.ErrMalformedEntity)
		})
	}
}

func TestComputeCurrentPeriodRequired(t *testing.T) {
	in := exampleInput()
	in.CurrentPeriod = ""
	_, err := Compute(DefaultParams(), in)
	require.ErrorIs(t, err, domain.ErrInvalidPeriod)
}

func TestLinkagePartial(t *testing.T) {
	in := exampleInput()
	in.Activity.ProcurementProcessID = nil
	in.Allocation.ProcurementProcessID = nil
	res, err := Compute(DefaultParams(), in)
	require.NoError(t, err)
	assert.Equal(t, 33.33, res.Signals.Linkage)
}

func TestBudgetSignalEdges(t *testing.T) {
	in := exampleInput()
	in.Allocation.AllocatedAmount = 0
	res, err := Compute(DefaultParams(), in)
	require.NoError(t, err)
	assert.Zero(t, res.Signals.BudgetAlignment)
	assert.True(t, res.Overspent)

	in = exampleInput()
	in.Executions = []domain.BudgetExecution{{ID: "x", AllocationID: "B", Amount: 100000}}
	in.Reports[0].ExecutionPercentage = nil
	res, err = Compute(DefaultParams(), in)
	require.NoError(t, err)
	assert.Zero(t, res.Signals.BudgetAlignment, "fully spent with no progress")

	in = exampleInput()
	in.Executions = []domain.BudgetExecution{{ID: "x", AllocationID: "B", Amount: 130000}}
	in.Reports[0].ExecutionPercentage = pct(100)
	res, err = Compute(DefaultParams(), in)
	require.NoError(t, err)
	assert.True(t, res.Overspent)
	assert.Equal(t, 70.0, res.Signals.BudgetAlignment)
}

func TestTimeliness(t *testing.T) {
	cases := []struct {
		period string
		status string
		want   float64
	}{
		{"2024-08", domain.StatusSubmitted, 100},
		{"2024-09", domain.StatusApproved, 100},
		{"2024-07", domain.StatusApproved, 50},
		{"2024-06", domain.StatusApproved, 0},
		{"2024-08", domain.StatusDraft, 0},
		{"2024-08", domain.StatusRejected, 0},
	}
	for _, tc := range cases {
		in := exampleInput()
		in.Reports = []domain.ProgressReport{{ID: "r", ActivityID: ptr("A"), PeriodType: "mensual", Period: tc.period, Status: tc.status}}
		res, err := Compute(DefaultParams(), in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, res.Signals.Timeliness, "%s %s", tc.period, tc.status)
	}

	in := exampleInput()
	in.Reports = nil
	res, err := Compute(DefaultParams(), in)
	require.NoError(t, err)
	assert.Zero(t, res.Signals.Timeliness)
}

func TestLatestReportWins(t *testing.T) {
	in := exampleInput()
	in.Reports = append(in.Reports,
		domain.ProgressReport{ID: "old", ActivityID: ptr("A"), PeriodType: "mensual", Period: "2024-05", Status: domain.StatusApproved, ExecutionPercentage: pct(10)},
		domain.ProgressReport{ID: "other", ActivityID: ptr("Z"), PeriodType: "mensual", Period: "2024-12", Status: domain.StatusApproved, ExecutionPercentage: pct(0)},
		domain.ProgressReport{ID: "ind", IndicatorID: ptr("I"), PeriodType: "mensual", Period: "2024-12", Status: domain.StatusApproved},
	)
	res, err := Compute(DefaultParams(), in)
	require.NoError(t, err)
	assert.Equal(t, 93.0, res.Score)
}

func TestQuarterlyReports(t *testing.T) {
	in := exampleInput()
	in.Reports = []domain.ProgressReport{{ID: "q", ActivityID: ptr("A"), PeriodType: "trimestral", Period: "2024-Q2", Status: domain.StatusApproved, ExecutionPercentage: pct(60)}}
	res, err := Compute(DefaultParams(), in)
	require.NoError(t, err)
	assert.Equal(t, 50.0, res.Signals.Timeliness)
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	p := DefaultParams()
	p.Weights.Budget = 0.5
	require.Error(t, p.Validate())

	p = DefaultParams()
	p.Thresholds.AtRisk = 90
	require.Error(t, p.Validate())

	p = DefaultParams()
	p.GracePeriods = -1
	require.Error(t, p.Validate())

	_, err := Compute(p, exampleInput())
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, domain.Compliant, p.Classify(80))
	assert.Equal(t, domain.AtRisk, p.Classify(79.99))
	assert.Equal(t, domain.AtRisk, p.Classify(50))
	assert.Equal(t, domain.NonCompliant, p.Classify(49.99))
}

func TestRecordRevisions(t *testing.T) {
	in := exampleInput()
	res, err := Compute(DefaultParams(), in)
	require.NoError(t, err)

	first, changed := Record(in, res, nil, "2024-08-20T00:00:00Z")
	require.True(t, changed)
	assert.Equal(t, 1, first.Revision)
	assert.Equal(t, Triple{ActivityID: "A", ProcurementProcessID: "P", BudgetAllocationID: "B"}.ID(), first.ID)
	assert.Equal(t, "ops", first.DepartmentID)
	assert.Equal(t, 2024, first.FiscalYear)

	same, changed := Record(in, res, &first, "2024-08-21T00:00:00Z")
	assert.False(t, changed)
	assert.Equal(t, first, same)

	in.Executions = append(in.Executions, domain.BudgetExecution{ID: "x3", AllocationID: "B", Amount: 50000})
	res, err = Compute(DefaultParams(), in)
	require.NoError(t, err)
	next, changed := Record(in, res, &first, "2024-08-22T00:00:00Z")
	require.True(t, changed)
	assert.Equal(t, 2, next.Revision)
	assert.Equal(t, first.ID, next.ID)
}

func TestTriples(t *testing.T) {
	a := domain.Activity{ID: "A", ProcurementProcessID: ptr("P")}
	allocs := []domain.BudgetAllocation{
		{ID: "B2", ActivityID: ptr("A")},
		{ID: "B1", ProcurementProcessID: ptr("P")},
		{ID: "B3", ActivityID: ptr("A"), ProcurementProcessID: ptr("Q")},
		{ID: "B4", ActivityID: ptr("other")},
	}
	got := Triples(a, allocs)
	require.Len(t, got, 3)
	assert.Equal(t, Triple{"A", "P", "B1"}, got[0])
	assert.Equal(t, Triple{"A", "P", "B2"}, got[1])
	assert.Equal(t, Triple{"A", "Q", "B3"}, got[2])

	assert.Empty(t, Triples(domain.Activity{ID: "A"}, []domain.BudgetAllocation{{ID: "B", ActivityID: ptr("A")}}))
}
