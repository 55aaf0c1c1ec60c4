package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/engine/compliance"
	"planline/internal/repo"
)

func registerCorrelations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-correlations",
		Method:      http.MethodGet,
		Path:        "/correlations",
		Summary:     "List stored correlations",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ActivityID   string `query:"activity_id"`
		DepartmentID string `query:"department_id"`
		FiscalYear   int    `query:"fiscal_year"`
		Status       string `query:"status"`
	}) (*out[CorrelationList], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListCorrelations(ctx, actorID, engine.CorrelationFilters{
			ActivityID:   input.ActivityID,
			DepartmentID: input.DepartmentID,
			FiscalYear:   input.FiscalYear,
			Status:       input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CorrelationList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-correlation",
		Method:      http.MethodGet,
		Path:        "/correlations/{id}",
		Summary:     "Get a correlation with its revisions",
		Errors:      readErrors,
	}, func(ctx context.Context, input *IDPath) (*out[CorrelationDetail], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, hist, err := e.GetCorrelation(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CorrelationDetail{Correlation: c, History: nonNilSlice(hist)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recompute-activity",
		Method:      http.MethodPost,
		Path:        "/activities/{id}/recompute",
		Summary:     "Recompute every correlation of an activity now",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *IDPath) (*out[CorrelationList], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.RecomputeActivity(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CorrelationList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "compliance-summary",
		Method:      http.MethodGet,
		Path:        "/compliance/summary",
		Summary:     "Compliance counts and average score",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		DepartmentID string `query:"department_id"`
		FiscalYear   int    `query:"fiscal_year"`
	}) (*out[compliance.Summary], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sum, err := e.ComplianceSummary(ctx, actorID, compliance.Scope{
			DepartmentID: input.DepartmentID,
			FiscalYear:   input.FiscalYear,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(sum), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "compliance-breakdown",
		Method:      http.MethodGet,
		Path:        "/compliance/breakdown",
		Summary:     "Compliance summaries grouped by department or fiscal year",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		GroupBy string `query:"group_by" enum:"global,department,fiscal_year" default:"department"`
	}) (*out[BreakdownResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		groups, err := e.ComplianceBreakdown(ctx, actorID, input.GroupBy)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(BreakdownResponse{GroupBy: input.GroupBy, Groups: nonNilSlice(groups)}), nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-role",
		Method:      http.MethodPost,
		Path:        "/rbac/assignments",
		Summary:     "Assign a role to an actor",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body AssignRoleRequest
	}) (*out[domain.Principal], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.AssignRole(ctx, input.Body.ActorID, input.Body.RoleID, input.Body.DepartmentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-principals",
		Method:      http.MethodGet,
		Path:        "/rbac/principals",
		Summary:     "List actors with their roles",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*out[[]domain.Principal], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListPrincipals(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-actor-status",
		Method:      http.MethodPut,
		Path:        "/rbac/principals/{id}/status",
		Summary:     "Activate or deactivate an actor",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body ActorStatusRequest
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetActorActive(ctx, input.ID, input.Body.Active, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "issue-api-key",
		Method:        http.MethodPost,
		Path:          "/rbac/api-keys",
		Summary:       "Issue an API key; the plaintext is returned once",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body *IssueKeyRequest `required:"false"`
	}) (*out[IssuedKey], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var req IssueKeyRequest
		if input.Body != nil {
			req = *input.Body
		}
		key, plain, err := e.IssueAPIKey(ctx, req.ActorID, req.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(IssuedKey{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: plain}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/rbac/api-keys",
		Summary:     "List API keys of an actor",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*out[[]APIKeyResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target := input.ActorID
		if target == "" {
			target = actorID
		}
		keys, err := e.ListAPIKeys(ctx, target, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(apiKeyResponses(keys)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/rbac/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *IDPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor     string `query:"cursor"`
	}) (*out[EventPage], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.LatestEvents(ctx, actorID, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      input.Limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page := EventPage{Items: []domain.Event{}}
		if len(items) > input.Limit {
			items = items[:input.Limit]
			page.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		page.Items = append(page.Items, items...)
		return reply(page), nil
	})
}
