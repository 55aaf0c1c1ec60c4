package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/app"
	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/engine/compliance"
	"planline/internal/metrics"
	"planline/internal/migrate"
	"planline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))

	cfg := config.Default("muni-1")
	cfg.Correlation.CurrentPeriod = "2024-03-05"
	_, err = app.Provision(ctx, repo.Repo{DB: conn}, cfg, "root")
	require.NoError(t, err)

	eng := engine.New(conn, cfg)
	eng.Metrics = metrics.New()
	eng.Now = func() time.Time { return time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC) }
	for _, a := range []struct{ id, role, dept string }{
		{"luis", "reporter", "ops"},
		{"marta", "reporter", "ops"},
		{"ana", "approver", ""},
		{"pam", "planner", ""},
	} {
		_, err := eng.AssignRole(ctx, a.id, a.role, a.dept, "root")
		require.NoError(t, err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// seedPlan registers proc-1, act-1 (linked, ops) and allocation b-1 of 100000 with 40000 spent.
func seedPlan(t *testing.T, env testEnv) {
	t.Helper()
	eng, ctx := env.Engine, env.Ctx
	_, err := eng.SaveProcurement(ctx, domain.ProcurementProcess{ID: "proc-1", Description: "Asphalt supply", Status: "awarded"}, "pam")
	require.NoError(t, err)
	proc := "proc-1"
	_, err = eng.RegisterActivity(ctx, domain.Activity{
		ID: "act-1", Name: "Road maintenance", DepartmentID: "ops", ProcurementProcessID: &proc,
		TargetPlan: domain.TargetPlan{
			ReportingFrequency: "monthly",
			FiscalYear:         2024,
			MonthlyTargets:     []float64{8, 10, 10, 12, 12, 12, 12, 12, 12, 12, 12, 12},
		},
	}, "pam")
	require.NoError(t, err)
	act := "act-1"
	_, err = eng.SaveAllocation(ctx, domain.BudgetAllocation{
		ID: "b-1", Code: "2.2.1", Type: "capex", FiscalYear: 2024, AllocatedAmount: 100000,
		ActivityID: &act, ProcurementProcessID: &proc,
	}, "pam")
	require.NoError(t, err)
	_, err = eng.RecordExecution(ctx, domain.BudgetExecution{AllocationID: "b-1", Amount: 40000, ExecutedOn: "2024-02-20"}, "pam")
	require.NoError(t, err)
}

func value(v float64) *float64 { return &v }

func TestCreateReportStampsExecutionPercentage(t *testing.T) {
	env := newTestEnv(t)
	seedPlan(t, env)

	r, err := env.Engine.CreateReport(env.Ctx, engine.ReportCreateOptions{
		ActivityID: "act-1", PeriodType: "mensual", Period: "2024-02", CurrentValue: value(6), ActorID: "luis",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, r.Status)
	assert.Equal(t, 10.0, r.TargetValue)
	require.NotNil(t, r.ExecutionPercentage)
	assert.Equal(t, 60.0, *r.ExecutionPercentage)

	_, err = env.Engine.CreateReport(env.Ctx, engine.ReportCreateOptions{
		ActivityID: "act-1", PeriodType: "trimestral", Period: "2024-Q1", CurrentValue: value(6), ActorID: "luis",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPeriod)

	_, err = env.Engine.CreateReport(env.Ctx, engine.ReportCreateOptions{
		ActivityID: "act-1", PeriodType: "mensual", Period: "2024-02", CurrentValue: value(6), ActorID: "ana",
	})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = env.Engine.CreateReport(env.Ctx, engine.ReportCreateOptions{
		ActivityID: "act-9", PeriodType: "mensual", Period: "2024-02", CurrentValue: value(6), ActorID: "luis",
	})
	assert.True(t, engine.IsNotFound(err))
}

func TestReportLifecycle(t *testing.T) {
	env := newTestEnv(t)
	seedPlan(t, env)
	eng, ctx := env.Engine, env.Ctx

	r, err := eng.CreateReport(ctx, engine.ReportCreateOptions{ActivityID: "act-1", PeriodType: "mensual", Period: "2024-02", CurrentValue: value(5), ActorID: "luis"})
	require.NoError(t, err)

	note := "pothole backlog cleared"
	r, err = eng.EditReport(ctx, engine.ReportEditOptions{ID: r.ID, CurrentValue: value(6), Achievements: &note, ActorID: "luis"})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Version)
	assert.Equal(t, 60.0, *r.ExecutionPercentage)

	_, err = eng.SubmitReport(ctx, r.ID, "marta")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	r, err = eng.SubmitReport(ctx, r.ID, "luis")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, r.Status)

	_, err = eng.EditReport(ctx, engine.ReportEditOptions{ID: r.ID, CurrentValue: value(7), ActorID: "luis"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	r, err = eng.ApproveReport(ctx, r.ID, "ok", "ana")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, r.Status)
	require.NotNil(t, r.ReviewedBy)
	assert.Equal(t, "ana", *r.ReviewedBy)

	_, err = eng.RejectReport(ctx, r.ID, "late", "ana")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, history, err := eng.GetReport(ctx, r.ID, "luis")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Version)
	require.Len(t, history, 4)
	assert.Equal(t, domain.StatusApproved, history[3].ToStatus)

	// reporters only read their own reports
	_, _, err = eng.GetReport(ctx, r.ID, "marta")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	mine, err := eng.ListReports(ctx, "marta", repo.ReportFilters{})
	require.NoError(t, err)
	assert.Empty(t, mine)

	stats, err := eng.ReportStats(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.StatusApproved])
	assert.Equal(t, 0, stats[domain.StatusRejected])
}

func TestSelfApprovalIsDenied(t *testing.T) {
	env := newTestEnv(t)
	seedPlan(t, env)
	eng, ctx := env.Engine, env.Ctx

	r, err := eng.CreateReport(ctx, engine.ReportCreateOptions{ActivityID: "act-1", PeriodType: "mensual", Period: "2024-02", CurrentValue: value(6), ActorID: "root"})
	require.NoError(t, err)
	_, err = eng.SubmitReport(ctx, r.ID, "root")
	require.NoError(t, err)

	_, err = eng.ApproveReport(ctx, r.ID, "", "root")
	var denied domain.PermissionDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "self-approval is forbidden", denied.Reason)
}

func TestSecondSubmissionForPeriodIsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	seedPlan(t, env)
	eng, ctx := env.Engine, env.Ctx

	a, err := eng.CreateReport(ctx, engine.ReportCreateOptions{ActivityID: "act-1", PeriodType: "mensual", Period: "2024-02", CurrentValue: value(6), ActorID: "luis"})
	require.NoError(t, err)
	b, err := eng.CreateReport(ctx, engine.ReportCreateOptions{ActivityID: "act-1", PeriodType: "mensual", Period: "2024-02", CurrentValue: value(7), ActorID: "marta"})
	require.NoError(t, err)

	_, err = eng.SubmitReport(ctx, a.ID, "luis")
	require.NoError(t, err)
	_, err = eng.SubmitReport(ctx, b.ID, "marta")
	var dup domain.DuplicatePeriodReportError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, a.ID, dup.ExistingID)

	// the failed submit left b untouched
	got, _, err := eng.GetReport(ctx, b.ID, "marta")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, got.Status)
	assert.Equal(t, 1, got.Version)
}

func TestRejectThenClone(t *testing.T) {
	env := newTestEnv(t)
	seedPlan(t, env)
	eng, ctx := env.Engine, env.Ctx

	r, err := eng.CreateReport(ctx, engine.ReportCreateOptions{ActivityID: "act-1", PeriodType: "mensual", Period: "2024-02", CurrentValue: value(6), ActorID: "luis"})
	require.NoError(t, err)
	_, err = eng.SubmitReport(ctx, r.ID, "luis")
	require.NoError(t, err)

	_, err = eng.RejectReport(ctx, r.ID, "  ", "ana")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	rejected, err := eng.RejectReport(ctx, r.ID, "numbers do not match the field log", "ana")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)

	_, err = eng.CloneReport(ctx, r.ID, "", "marta")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	clone, err := eng.CloneReport(ctx, r.ID, "", "luis")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, clone.Status)
	require.NotNil(t, clone.CloneOf)
	assert.Equal(t, r.ID, *clone.CloneOf)

	// the rejected report does not hold the period, so the clone can be submitted
	_, err = eng.SubmitReport(ctx, clone.ID, "luis")
	require.NoError(t, err)
}

func TestRecomputeScoresTriple(t *testing.T) {
	env := newTestEnv(t)
	seedPlan(t, env)
	eng, ctx := env.Engine, env.Ctx

	r, err := eng.CreateReport(ctx, engine.ReportCreateOptions{ActivityID: "act-1", PeriodType: "mensual", Period: "2024-03", CurrentValue: value(6), ActorID: "luis"})
	require.NoError(t, err)
	_, err = eng.SubmitReport(ctx, r.ID, "luis")
	require.NoError(t, err)

	queued, err := eng.Repo.DirtyActivities(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "act-1", queued[0].ActivityID)

	corrs, err := eng.DrainActivity(ctx, queued[0])
	require.NoError(t, err)
	require.Len(t, corrs, 1)
	c := corrs[0]
	assert.Equal(t, 93.0, c.Score)
	assert.Equal(t, domain.Compliant, c.Status)
	assert.Equal(t, domain.Signals{Linkage: 100, BudgetAlignment: 80, Timeliness: 100}, c.Signals)
	assert.Equal(t, 1, c.Revision)
	assert.False(t, c.Overspent)

	depth, err := eng.Repo.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	// unchanged inputs do not create a revision
	again, err := eng.RecomputeActivity(ctx, "act-1", "pam")
	require.NoError(t, err)
	assert.Equal(t, 1, again[0].Revision)

	_, err = eng.RecomputeActivity(ctx, "act-1", "luis")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	// overspending is recorded, never blocked
	_, err = eng.RecordExecution(ctx, domain.BudgetExecution{AllocationID: "b-1", Amount: 70000, ExecutedOn: "2024-03-01"}, "pam")
	require.NoError(t, err)
	again, err = eng.RecomputeActivity(ctx, "act-1", "pam")
	require.NoError(t, err)
	assert.True(t, again[0].Overspent)
	assert.Equal(t, 2, again[0].Revision)

	_, hist, err := eng.GetCorrelation(ctx, c.ID, "ana")
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestRecomputeRescoresUnlinkedAllocation(t *testing.T) {
	env := newTestEnv(t)
	seedPlan(t, env)
	eng, ctx := env.Engine, env.Ctx

	before, err := eng.RecomputeActivity(ctx, "act-1", "pam")
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, 61.0, before[0].Score)
	assert.Equal(t, 100.0, before[0].Signals.Linkage)

	// b-1 drops both of its links; only the activity still points at proc-1
	_, err = eng.SaveAllocation(ctx, domain.BudgetAllocation{
		ID: "b-1", Code: "2.2.1", Type: "capex", FiscalYear: 2024, AllocatedAmount: 100000,
	}, "pam")
	require.NoError(t, err)

	queued, err := eng.Repo.DirtyActivities(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "act-1", queued[0].ActivityID)

	after, err := eng.DrainActivity(ctx, queued[0])
	require.NoError(t, err)
	require.Len(t, after, 1)
	c := after[0]
	assert.Equal(t, before[0].ID, c.ID)
	assert.Equal(t, 33.33, c.Signals.Linkage)
	assert.Equal(t, 34.33, c.Score)
	assert.Equal(t, domain.NonCompliant, c.Status)
	assert.Equal(t, 2, c.Revision)

	again, err := eng.RecomputeActivity(ctx, "act-1", "pam")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].Revision)

	_, hist, err := eng.GetCorrelation(ctx, c.ID, "ana")
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	sum, err := eng.ComplianceSummary(ctx, "ana", compliance.Scope{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.Counts[domain.NonCompliant])
	assert.Zero(t, sum.Counts[domain.AtRisk])
	require.NotNil(t, sum.AverageScore)
	assert.InDelta(t, 34.33, *sum.AverageScore, 0.01)
}

func TestActivityDepartmentScope(t *testing.T) {
	env := newTestEnv(t)
	eng, ctx := env.Engine, env.Ctx
	_, err := eng.AssignRole(ctx, "olga", "planner", "ops", "root")
	require.NoError(t, err)

	activity := func(id, dept string) domain.Activity {
		return domain.Activity{
			ID: id, Name: "Street lighting", DepartmentID: dept,
			TargetPlan: domain.TargetPlan{ReportingFrequency: "quarterly", FiscalYear: 2024, QuarterlyTargets: []float64{1, 1, 1, 1}},
		}
	}

	_, err = eng.RegisterActivity(ctx, activity("act-ops", "ops"), "olga")
	require.NoError(t, err)
	_, err = eng.RegisterActivity(ctx, activity("act-fin", "finance"), "olga")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	// pam was assigned without a department and plans for every department
	_, err = eng.RegisterActivity(ctx, activity("act-fin", "finance"), "pam")
	require.NoError(t, err)
}

func TestComplianceSummary(t *testing.T) {
	env := newTestEnv(t)
	eng, ctx := env.Engine, env.Ctx

	empty, err := eng.ComplianceSummary(ctx, "ana", compliance.Scope{})
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Nil(t, empty.AverageScore)
	assert.Len(t, empty.Counts, 3)

	seedPlan(t, env)
	_, err = eng.RecomputeActivity(ctx, "act-1", "pam")
	require.NoError(t, err)

	sum, err := eng.ComplianceSummary(ctx, "ana", compliance.Scope{DepartmentID: "ops", FiscalYear: 2024})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Total)
	require.NotNil(t, sum.AverageScore)

	groups, err := eng.ComplianceBreakdown(ctx, "ana", compliance.GroupDepartment)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "ops", groups[0].Key)

	_, err = eng.ComplianceSummary(ctx, "luis", compliance.Scope{})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestRegistrationValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	eng, ctx := env.Engine, env.Ctx

	_, err := eng.RegisterIndicator(ctx, domain.Indicator{
		ID: "ind-1", Name: "Km paved",
		TargetPlan: domain.TargetPlan{ReportingFrequency: "trimestral", MonthlyTargets: []float64{1, 2, 3}},
	}, "pam")
	assert.ErrorIs(t, err, domain.ErrMalformedEntity)

	ind, err := eng.RegisterIndicator(ctx, domain.Indicator{
		ID: "ind-1", Name: "Km paved",
		TargetPlan: domain.TargetPlan{ReportingFrequency: "quarterly", QuarterlyTargets: []float64{5, 5, 5, 5}},
	}, "pam")
	require.NoError(t, err)
	assert.Equal(t, domain.FrequencyQuarterly, ind.ReportingFrequency)

	_, err = eng.RegisterIndicator(ctx, domain.Indicator{Name: "x"}, "luis")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = eng.SaveAllocation(ctx, domain.BudgetAllocation{ID: "b-9", Code: "1", FiscalYear: 2024, AllocatedAmount: -1}, "pam")
	assert.ErrorIs(t, err, domain.ErrMalformedEntity)

	_, err = eng.RecordExecution(ctx, domain.BudgetExecution{AllocationID: "missing", Amount: 5}, "pam")
	assert.True(t, engine.IsNotFound(err))

	events, err := eng.LatestEvents(ctx, "root", repo.EventFilters{Type: "indicator.registered"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "pam", events[0].ActorID)
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	eng, ctx := env.Engine, env.Ctx

	key, plain, err := eng.IssueAPIKey(ctx, "", "laptop", "luis")
	require.NoError(t, err)
	assert.Equal(t, "luis", key.ActorID)

	actor, err := eng.ResolveAPIKey(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, "luis", actor)

	_, _, err = eng.IssueAPIKey(ctx, "ana", "", "luis")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	assert.ErrorIs(t, eng.RevokeAPIKey(ctx, key.ID, "ana"), domain.ErrPermissionDenied)
	require.NoError(t, eng.RevokeAPIKey(ctx, key.ID, "root"))
	_, err = eng.ResolveAPIKey(ctx, plain)
	assert.True(t, engine.IsNotFound(err))
}
