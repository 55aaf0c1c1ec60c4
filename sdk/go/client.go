package planlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal planline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Report is the API progress report model.
type Report struct {
	ID                  string   `json:"id"`
	ActivityID          string   `json:"activity_id,omitempty"`
	IndicatorID         string   `json:"indicator_id,omitempty"`
	PeriodType          string   `json:"period_type"`
	Period              string   `json:"period"`
	CurrentValue        float64  `json:"current_value"`
	TargetValue         float64  `json:"target_value"`
	ExecutionPercentage *float64 `json:"execution_percentage"`
	Achievements        string   `json:"achievements,omitempty"`
	Difficulties        string   `json:"difficulties,omitempty"`
	NextSteps           string   `json:"next_steps,omitempty"`
	Status              string   `json:"status"`
	ReportedBy          string   `json:"reported_by"`
	ReviewedBy          string   `json:"reviewed_by,omitempty"`
	ReviewComment       string   `json:"review_comment,omitempty"`
	CloneOf             string   `json:"clone_of,omitempty"`
	Version             int      `json:"version"`
	CreatedAt           string   `json:"created_at"`
	UpdatedAt           string   `json:"updated_at"`
}

// NewReport are the fields accepted when filing a report.
type NewReport struct {
	ID           string   `json:"id,omitempty"`
	ActivityID   string   `json:"activity_id,omitempty"`
	IndicatorID  string   `json:"indicator_id,omitempty"`
	PeriodType   string   `json:"period_type"`
	Period       string   `json:"period"`
	CurrentValue *float64 `json:"current_value,omitempty"`
	Achievements string   `json:"achievements,omitempty"`
	Difficulties string   `json:"difficulties,omitempty"`
	NextSteps    string   `json:"next_steps,omitempty"`
}

type HistoryEntry struct {
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
	At         string `json:"at"`
	Comment    string `json:"comment,omitempty"`
}

type Correlation struct {
	ID                   string  `json:"id"`
	ActivityID           string  `json:"activity_id"`
	ProcurementProcessID string  `json:"procurement_process_id"`
	BudgetAllocationID   string  `json:"budget_allocation_id"`
	DepartmentID         string  `json:"department_id,omitempty"`
	FiscalYear           int     `json:"fiscal_year,omitempty"`
	Score                float64 `json:"score"`
	Status               string  `json:"status"`
	Signals              struct {
		Linkage         float64 `json:"linkage"`
		BudgetAlignment float64 `json:"budget_alignment"`
		Timeliness      float64 `json:"timeliness"`
	} `json:"signals"`
	Overspent  bool   `json:"overspent"`
	ComputedAt string `json:"computed_at"`
	Revision   int    `json:"revision"`
}

// ComplianceSummary counts correlations per status within a scope or group.
type ComplianceSummary struct {
	Key          string         `json:"key"`
	Counts       map[string]int `json:"counts"`
	Total        int            `json:"total"`
	AverageScore *float64       `json:"average_score"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type Me struct {
	ActorID      string   `json:"actor_id"`
	RoleID       string   `json:"role_id"`
	DepartmentID string   `json:"department_id,omitempty"`
	Active       bool     `json:"active"`
	Permissions  []string `json:"permissions"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when
// the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// CreateReport files a DRAFT report.
func (c *Client) CreateReport(ctx context.Context, r NewReport) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, "reports", r, &resp)
	return resp, err
}

// GetReport returns a report and its status history.
func (c *Client) GetReport(ctx context.Context, id string) (Report, []HistoryEntry, error) {
	var resp struct {
		Report  Report         `json:"report"`
		History []HistoryEntry `json:"history"`
	}
	err := c.do(ctx, http.MethodGet, "reports/"+url.PathEscape(id), nil, &resp)
	return resp.Report, resp.History, err
}

// ListReports lists reports; filters may carry activity_id, indicator_id, period, status
// and reported_by.
func (c *Client) ListReports(ctx context.Context, filters map[string]string) ([]Report, error) {
	q := url.Values{}
	for k, v := range filters {
		if v != "" {
			q.Set(k, v)
		}
	}
	endpoint := "reports"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Report `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) SubmitReport(ctx context.Context, id string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, "reports/"+url.PathEscape(id)+"/submit", nil, &resp)
	return resp, err
}

func (c *Client) ApproveReport(ctx context.Context, id, comment string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, "reports/"+url.PathEscape(id)+"/approve", map[string]string{"comment": comment}, &resp)
	return resp, err
}

func (c *Client) RejectReport(ctx context.Context, id, reason string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, "reports/"+url.PathEscape(id)+"/reject", map[string]string{"reason": reason}, &resp)
	return resp, err
}

// CloneReport copies a REJECTED report into a new DRAFT; newID may be empty.
func (c *Client) CloneReport(ctx context.Context, id, newID string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, "reports/"+url.PathEscape(id)+"/clone", map[string]string{"id": newID}, &resp)
	return resp, err
}

func (c *Client) ReportStats(ctx context.Context) (map[string]int, error) {
	var resp map[string]int
	err := c.do(ctx, http.MethodGet, "reports/stats", nil, &resp)
	return resp, err
}

// Recompute recomputes every correlation of an activity immediately.
func (c *Client) Recompute(ctx context.Context, activityID string) ([]Correlation, error) {
	var resp struct {
		Items []Correlation `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "activities/"+url.PathEscape(activityID)+"/recompute", nil, &resp)
	return resp.Items, err
}

func (c *Client) ListCorrelations(ctx context.Context, activityID string) ([]Correlation, error) {
	endpoint := "correlations"
	if activityID != "" {
		endpoint += "?activity_id=" + url.QueryEscape(activityID)
	}
	var resp struct {
		Items []Correlation `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ComplianceSummary aggregates correlations, optionally narrowed to a department and
// fiscal year (0 means any).
func (c *Client) ComplianceSummary(ctx context.Context, departmentID string, fiscalYear int) (ComplianceSummary, error) {
	q := url.Values{}
	if departmentID != "" {
		q.Set("department_id", departmentID)
	}
	if fiscalYear > 0 {
		q.Set("fiscal_year", strconv.Itoa(fiscalYear))
	}
	endpoint := "compliance/summary"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp ComplianceSummary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ComplianceBreakdown groups summaries by "department", "fiscal_year" or "global".
func (c *Client) ComplianceBreakdown(ctx context.Context, groupBy string) ([]ComplianceSummary, error) {
	var resp struct {
		Groups []ComplianceSummary `json:"groups"`
	}
	err := c.do(ctx, http.MethodGet, "compliance/breakdown?group_by="+url.QueryEscape(groupBy), nil, &resp)
	return resp.Groups, err
}

// EventsPage returns a page of audit events, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
