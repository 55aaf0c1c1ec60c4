package planlinesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/app"
	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/migrate"
	"planline/internal/repo"
	"planline/internal/server"
)

const secret = "sdk-secret"

func newServer(t *testing.T) string {
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
	e := engine.New(conn, cfg)
	for _, a := range []struct{ id, role, dept string }{{"luis", "reporter", "ops"}, {"ana", "approver", ""}} {
		_, err := e.AssignRole(ctx, a.id, a.role, a.dept, "root")
		require.NoError(t, err)
	}
	_, err = e.RegisterActivity(ctx, domain.Activity{
		ID: "act-1", Name: "Road maintenance", DepartmentID: "ops",
		TargetPlan: domain.TargetPlan{ReportingFrequency: "trimestral", FiscalYear: 2024, QuarterlyTargets: []float64{30, 30, 30, 30}},
	}, "root")
	require.NoError(t, err)

	h, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

func clientFor(t *testing.T, baseURL, actor string) *Client {
	t.Helper()
	tok, err := server.SignToken(secret, actor, "muni-1", time.Hour, time.Now())
	require.NoError(t, err)
	c := New(baseURL)
	c.BearerToken = tok
	return c
}

func TestReportRoundTrip(t *testing.T) {
	ctx := context.Background()
	url := newServer(t)
	luis, ana := clientFor(t, url, "luis"), clientFor(t, url, "ana")

	me, err := luis.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "reporter", me.RoleID)

	v := 15.0
	r, err := luis.CreateReport(ctx, NewReport{ActivityID: "act-1", PeriodType: "trimestral", Period: "2024-Q1", CurrentValue: &v})
	require.NoError(t, err)
	assert.Equal(t, "DRAFT", r.Status)
	require.NotNil(t, r.ExecutionPercentage)
	assert.Equal(t, 50.0, *r.ExecutionPercentage)

	_, err = luis.SubmitReport(ctx, r.ID)
	require.NoError(t, err)

	_, err = ana.RejectReport(ctx, r.ID, "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)

	rej, err := ana.RejectReport(ctx, r.ID, "evidence missing")
	require.NoError(t, err)
	assert.Equal(t, "REJECTED", rej.Status)

	clone, err := luis.CloneReport(ctx, r.ID, "")
	require.NoError(t, err)
	assert.Equal(t, r.ID, clone.CloneOf)
	assert.Equal(t, "DRAFT", clone.Status)

	_, hist, err := luis.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 3)

	mine, err := luis.ListReports(ctx, map[string]string{"status": "DRAFT"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, clone.ID, mine[0].ID)
}

func TestComplianceEndpoints(t *testing.T) {
	ctx := context.Background()
	url := newServer(t)
	root := clientFor(t, url, "root")

	corrs, err := root.Recompute(ctx, "act-1")
	require.NoError(t, err)
	assert.Empty(t, corrs)

	sum, err := root.ComplianceSummary(ctx, "ops", 2024)
	require.NoError(t, err)
	assert.Zero(t, sum.Total)
	assert.Nil(t, sum.AverageScore)

	_, err = clientFor(t, url, "luis").ComplianceSummary(ctx, "", 0)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	page, err := root.EventsPage(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.NotEmpty(t, page.NextCursor)
}
