package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/repo"
)

type IDPath struct {
	ID string `path:"id"`
}

func registerPlan(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-indicator",
		Method:        http.MethodPost,
		Path:          "/indicators",
		Summary:       "Register an indicator with its targets",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body IndicatorRequest
	}) (*out[domain.Indicator], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ind, err := e.RegisterIndicator(ctx, input.Body.indicator(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ind), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-indicators",
		Method:      http.MethodGet,
		Path:        "/indicators",
		Summary:     "List indicators",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ProductID string `query:"product_id"`
	}) (*out[[]domain.Indicator], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListIndicators(ctx, actorID, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-indicator",
		Method:      http.MethodGet,
		Path:        "/indicators/{id}",
		Summary:     "Get indicator",
		Errors:      readErrors,
	}, func(ctx context.Context, input *IDPath) (*out[domain.Indicator], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ind, err := e.GetIndicator(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ind), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-activity",
		Method:        http.MethodPost,
		Path:          "/activities",
		Summary:       "Register an activity with its targets",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body ActivityRequest
	}) (*out[domain.Activity], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RegisterActivity(ctx, input.Body.activity(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/activities",
		Summary:     "List activities",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		DepartmentID  string `query:"department_id"`
		ProcurementID string `query:"procurement_process_id"`
	}) (*out[[]domain.Activity], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListActivities(ctx, actorID, repo.ActivityFilters{
			DepartmentID:  input.DepartmentID,
			ProcurementID: input.ProcurementID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-activity",
		Method:      http.MethodGet,
		Path:        "/activities/{id}",
		Summary:     "Get activity",
		Errors:      readErrors,
	}, func(ctx context.Context, input *IDPath) (*out[domain.Activity], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.GetActivity(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-activity-procurement",
		Method:      http.MethodPut,
		Path:        "/activities/{id}/procurement",
		Summary:     "Link an activity to a procurement process; an empty id unlinks",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body LinkProcurementRequest
	}) (*out[domain.Activity], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.LinkActivityProcurement(ctx, input.ID, input.Body.ProcurementProcessID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-procurement",
		Method:      http.MethodPost,
		Path:        "/procurements",
		Summary:     "Create or update a procurement process",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body ProcurementRequest
	}) (*out[domain.ProcurementProcess], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SaveProcurement(ctx, domain.ProcurementProcess{
			ID:          input.Body.ID,
			Description: input.Body.Description,
			Status:      input.Body.Status,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-procurements",
		Method:      http.MethodGet,
		Path:        "/procurements",
		Summary:     "List procurement processes",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*out[[]domain.ProcurementProcess], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListProcurements(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})
}

func registerBudget(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "save-allocation",
		Method:      http.MethodPost,
		Path:        "/allocations",
		Summary:     "Create or update a budget allocation",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body AllocationRequest
	}) (*out[domain.BudgetAllocation], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.SaveAllocation(ctx, input.Body.allocation(), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-allocations",
		Method:      http.MethodGet,
		Path:        "/allocations",
		Summary:     "List budget allocations linked to an activity or procurement process",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ActivityID    string `query:"activity_id"`
		ProcurementID string `query:"procurement_process_id"`
		FiscalYear    int    `query:"fiscal_year"`
	}) (*out[AllocationList], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListAllocations(ctx, actorID, repo.AllocationFilters{
			ActivityID:    input.ActivityID,
			ProcurementID: input.ProcurementID,
			FiscalYear:    input.FiscalYear,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(AllocationList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-allocation",
		Method:      http.MethodGet,
		Path:        "/allocations/{id}",
		Summary:     "Get an allocation with its executions",
		Errors:      readErrors,
	}, func(ctx context.Context, input *IDPath) (*out[AllocationResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.GetAllocation(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		d.Executions = nonNilSlice(d.Executions)
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-execution",
		Method:        http.MethodPost,
		Path:          "/allocations/{id}/executions",
		Summary:       "Record spending against an allocation",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		IDPath
		Body ExecutionRequest
	}) (*out[domain.BudgetExecution], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		x, err := e.RecordExecution(ctx, domain.BudgetExecution{
			ID:           input.Body.ID,
			AllocationID: input.ID,
			Amount:       input.Body.Amount,
			ExecutedOn:   input.Body.ExecutedOn,
			Description:  input.Body.Description,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(x), nil
	})
}
