package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/app"
	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/metrics"
	"planline/internal/migrate"
	"planline/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	t      *testing.T
	engine engine.Engine
}

func newTestServer(t *testing.T) *testServer {
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
	e.Metrics = metrics.New()
	e.Now = func() time.Time { return time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC) }
	for _, a := range []struct{ id, role, dept string }{
		{"luis", "reporter", "ops"},
		{"ana", "approver", ""},
		{"pam", "planner", ""},
	} {
		_, err := e.AssignRole(ctx, a.id, a.role, a.dept, "root")
		require.NoError(t, err)
	}

	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, t: t, engine: e}
}

func (s *testServer) token(actor string) map[string]string {
	tok, err := SignToken(testSecret, actor, "muni-1", time.Hour, time.Now())
	require.NoError(s.t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (s *testServer) do(method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	s.t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.Client().Do(req)
	require.NoError(s.t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(s.t, err)
	return res, data
}

func (s *testServer) seedPlan() {
	s.t.Helper()
	pam := s.token("pam")
	res, body := s.do(http.MethodPost, "/v1/procurements", map[string]any{
		"id": "proc-1", "description": "Asphalt supply", "status": "awarded",
	}, pam)
	require.Equal(s.t, http.StatusOK, res.StatusCode, string(body))

	res, body = s.do(http.MethodPost, "/v1/activities", map[string]any{
		"id": "act-1", "name": "Road maintenance", "department_id": "ops", "procurement_process_id": "proc-1",
		"reporting_frequency": "mensual", "fiscal_year": 2024,
		"monthly_targets": []float64{8, 10, 10, 12, 12, 12, 12, 12, 12, 12, 12, 12},
	}, pam)
	require.Equal(s.t, http.StatusCreated, res.StatusCode, string(body))

	res, body = s.do(http.MethodPost, "/v1/allocations", map[string]any{
		"id": "b-1", "code": "2.2.1", "type": "capex", "fiscal_year": 2024, "allocated_amount": 100000,
		"activity_id": "act-1", "procurement_process_id": "proc-1",
	}, pam)
	require.Equal(s.t, http.StatusOK, res.StatusCode, string(body))

	res, body = s.do(http.MethodPost, "/v1/allocations/b-1/executions", map[string]any{
		"amount": 40000, "executed_on": "2024-02-20",
	}, pam)
	require.Equal(s.t, http.StatusCreated, res.StatusCode, string(body))
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, body []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	return env.Error
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t)

	res, _ := srv.do(http.MethodGet, "/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, body := srv.do(http.MethodGet, "/v1/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, body).Code)

	res, _ = srv.do(http.MethodGet, "/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	foreign, err := SignToken(testSecret, "luis", "muni-2", time.Hour, time.Now())
	require.NoError(t, err)
	res, _ = srv.do(http.MethodGet, "/v1/me", nil, map[string]string{"Authorization": "Bearer " + foreign})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, body = srv.do(http.MethodGet, "/v1/me", nil, srv.token("luis"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var me MeResponse
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, "reporter", me.RoleID)
	assert.Equal(t, "ops", me.DepartmentID)
	assert.Contains(t, me.Permissions, "create:progress-report")

	res, body = srv.do(http.MethodGet, "/v1/me", nil, srv.token("ghost"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(body))
}

func TestOpenAPIDocumentIsPublic(t *testing.T) {
	srv := newTestServer(t)

	res, body := srv.do(http.MethodGet, "/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Contains(t, doc.Components.SecuritySchemes, "bearer")
	assert.Contains(t, doc.Components.SecuritySchemes, "apiKey")
	assert.NotEmpty(t, doc.Paths["/v1/reports"]["post"].Security)
	assert.Empty(t, doc.Paths["/v1/health"]["get"].Security)

	res, _ = srv.do(http.MethodGet, "/v1/docs", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)

	res, body := srv.do(http.MethodPost, "/v1/rbac/api-keys", map[string]any{"name": "cli"}, srv.token("luis"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var issued IssuedKey
	require.NoError(t, json.Unmarshal(body, &issued))
	assert.True(t, strings.HasPrefix(issued.Key, "pl_"))

	res, body = srv.do(http.MethodGet, "/v1/me", nil, map[string]string{APIKeyHeader: issued.Key})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var me MeResponse
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, "luis", me.ActorID)

	res, _ = srv.do(http.MethodPost, "/v1/rbac/api-keys", map[string]any{"actor_id": "ana"}, srv.token("luis"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = srv.do(http.MethodDelete, "/v1/rbac/api-keys/"+issued.ID, nil, srv.token("luis"))
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = srv.do(http.MethodGet, "/v1/me", nil, map[string]string{APIKeyHeader: issued.Key})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestReportWorkflowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	srv.seedPlan()
	luis, ana := srv.token("luis"), srv.token("ana")

	res, body := srv.do(http.MethodPost, "/v1/reports", map[string]any{
		"id": "rep-1", "activity_id": "act-1", "period_type": "mensual", "period": "2024-02", "current_value": 6,
	}, luis)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var rep domain.ProgressReport
	require.NoError(t, json.Unmarshal(body, &rep))
	require.NotNil(t, rep.ExecutionPercentage)
	assert.Equal(t, 60.0, *rep.ExecutionPercentage)

	res, body = srv.do(http.MethodPost, "/v1/reports", map[string]any{
		"activity_id": "act-1", "period_type": "mensual", "period": "2024-13", "current_value": 1,
	}, luis)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_period", decodeError(t, body).Code)

	res, body = srv.do(http.MethodPost, "/v1/reports/rep-1/approve", nil, ana)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_transition", decodeError(t, body).Code)

	res, body = srv.do(http.MethodPost, "/v1/reports/rep-1/submit", nil, luis)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = srv.do(http.MethodPost, "/v1/reports", map[string]any{
		"id": "rep-2", "activity_id": "act-1", "period_type": "mensual", "period": "2024-02", "current_value": 7,
	}, luis)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	res, body = srv.do(http.MethodPost, "/v1/reports/rep-2/submit", nil, luis)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	dup := decodeError(t, body)
	assert.Equal(t, "duplicate_period_report", dup.Code)
	assert.Equal(t, "rep-1", dup.Details["existing_id"])

	res, body = srv.do(http.MethodPost, "/v1/reports/rep-1/approve", map[string]any{"comment": "ok"}, luis)
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(body))

	res, body = srv.do(http.MethodPost, "/v1/reports/rep-1/approve", map[string]any{"comment": "ok"}, ana)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = srv.do(http.MethodGet, "/v1/reports/rep-1", nil, luis)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var detail ReportDetail
	require.NoError(t, json.Unmarshal(body, &detail))
	assert.Equal(t, domain.StatusApproved, detail.Report.Status)
	assert.Len(t, detail.History, 3)

	res, body = srv.do(http.MethodGet, "/v1/reports/stats", nil, ana)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var stats map[string]int
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 1, stats[domain.StatusApproved])
	assert.Equal(t, 1, stats[domain.StatusDraft])

	res, body = srv.do(http.MethodGet, "/v1/reports/missing", nil, luis)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(body))
}

func TestCorrelationAndCompliance(t *testing.T) {
	srv := newTestServer(t)
	srv.seedPlan()
	root := srv.token("root")

	res, body := srv.do(http.MethodPost, "/v1/activities/act-1/recompute", nil, root)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var list CorrelationList
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Items, 1)
	c := list.Items[0]
	assert.Equal(t, "b-1", c.BudgetAllocationID)

	res, body = srv.do(http.MethodGet, "/v1/correlations/"+c.ID, nil, root)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var detail CorrelationDetail
	require.NoError(t, json.Unmarshal(body, &detail))
	assert.Len(t, detail.History, 1)

	res, body = srv.do(http.MethodGet, "/v1/compliance/summary?department_id=ops", nil, root)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var sum struct {
		Total  int            `json:"total"`
		Counts map[string]int `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(body, &sum))
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.Counts[c.Status])

	res, _ = srv.do(http.MethodGet, "/v1/compliance/breakdown?group_by=color", nil, root)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, body = srv.do(http.MethodGet, "/v1/events?limit=2", nil, root)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var page EventPage
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, "correlation.computed", page.Items[0].Type)
	assert.NotEmpty(t, page.NextCursor)

	res, body = srv.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "planline_correlation_recomputes_total")
}

func TestMalformedRegistration(t *testing.T) {
	srv := newTestServer(t)
	res, body := srv.do(http.MethodPost, "/v1/activities", map[string]any{
		"name": "Short targets", "reporting_frequency": "trimestral", "quarterly_targets": []float64{1, 2},
	}, srv.token("pam"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "malformed_entity", decodeError(t, body).Code)

	res, _ = srv.do(http.MethodPost, "/v1/indicators", map[string]any{
		"name": "Coverage", "reporting_frequency": "mensual",
	}, srv.token("luis"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestRequestLoggerRecordsAuthenticatedActor(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	handler := requestLogger(log)(newAuthMiddleware("/v1", AuthConfig{JWTSecret: testSecret}, engine.Engine{})(ok))

	tok, err := SignToken(testSecret, "luis", "", time.Hour, time.Now())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, logs.String(), "actor=luis")
	assert.Contains(t, logs.String(), "status=204")

	logs.Reset()
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	assert.Contains(t, logs.String(), `actor=""`)
}
