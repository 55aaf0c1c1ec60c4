// Package server exposes the planline engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"planline/internal/domain"
	"planline/internal/engine"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"duplicate_period_report"`
	Message string         `json:"message" example:"report rep-1 already holds act-1 for period 2024-02"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the {error:{code,message,details}} envelope returned on every failure.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// out wraps a response body for huma.
type out[T any] struct {
	Body T
}

func reply[T any](v T) *out[T] {
	return &out[T]{Body: v}
}

// New returns an HTTP handler exposing the planline API under BasePath and Prometheus
// metrics at /metrics.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	e := cfg.Engine
	if e.Config == nil {
		return nil, errors.New("engine config not loaded")
	}
	if cfg.Auth.Organization == "" {
		cfg.Auth.Organization = e.Config.Organization.ID
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.logger()))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, e))

	if e.Metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(e.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	api := humachi.New(router, apiConfig(basePath))
	group := huma.NewGroup(api, basePath)
	group.UseSimpleModifier(requireCredentials)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, e)
	registerReports(group, e)
	registerPlan(group, e)
	registerBudget(group, e)
	registerCorrelations(group, e)
	registerRBAC(group, e)
	registerEvents(group, e)

	return router, nil
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			ctx, caller := withCallerSlot(r.Context())
			r = r.WithContext(ctx)
			next.ServeHTTP(ww, r)
			log.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start).String(),
				"request_id", middleware.GetReqID(r.Context()),
				"actor", caller.ActorID,
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine error kinds to HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		pd  domain.PermissionDeniedError
		ip  domain.InvalidPeriodError
		it  domain.InvalidTransitionError
		dup domain.DuplicatePeriodReportError
		me  domain.MalformedEntityError
	)
	switch {
	case errors.As(err, &pd):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": pd.Permission})
	case errors.As(err, &ip):
		return newAPIError(http.StatusBadRequest, "invalid_period", err.Error(), map[string]any{"period": ip.Period, "period_type": ip.PeriodType})
	case errors.As(err, &it):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": it.From, "to": it.To})
	case errors.As(err, &dup):
		return newAPIError(http.StatusConflict, "duplicate_period_report", err.Error(), map[string]any{"existing_id": dup.ExistingID, "period": dup.Period})
	case errors.As(err, &me):
		return newAPIError(http.StatusBadRequest, "malformed_entity", err.Error(), map[string]any{"entity": me.Entity})
	case engine.IsNotFound(err):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		return newAPIError(499, "canceled", "request canceled", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

var readErrors = []int{
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
}

// Security scheme names in the OpenAPI document.
const (
	bearerScheme = "bearer"
	apiKeyScheme = "apiKey"
)

// authenticated is the security requirement of every operation but health.
var authenticated = []map[string][]string{{bearerScheme: {}}, {apiKeyScheme: {}}}

func apiConfig(basePath string) huma.Config {
	hcfg := huma.DefaultConfig("Planline API", "1.0.0")
	hcfg.Info.Description = "Progress reports on development plan targets, their review workflow, " +
		"and compliance scores correlating activities with procurement and budget."
	// Served by huma as openapi.json and openapi.yaml under the base path.
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.DocsPath = ""
	if hcfg.Components.SecuritySchemes == nil {
		hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	hcfg.Components.SecuritySchemes[bearerScheme] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	hcfg.Components.SecuritySchemes[apiKeyScheme] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: APIKeyHeader}
	return hcfg
}

func requireCredentials(op *huma.Operation) {
	if op.OperationID != "health" {
		op.Security = authenticated
	}
}

func registerDocs(r chi.Router, basePath string) {
	page := fmt.Sprintf(swaggerPage, path.Join(basePath, "openapi.json"))
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, page)
	})
}

const swaggerPage = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"/><title>Planline API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/></head>
<body><div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>window.onload = () => SwaggerUIBundle({url: '%s', dom_id: '#swagger-ui', persistAuthorization: true});</script>
</body>
</html>`

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*out[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and effective permissions",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*out[MeResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, perms, err := e.Principal(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(MeResponse{
			ActorID:      p.ID,
			RoleID:       p.RoleID,
			DepartmentID: p.DepartmentID,
			Active:       p.Active,
			Permissions:  nonNilSlice(perms),
		}), nil
	})
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
