package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/repo"
)

type ReportPath struct {
	ID string `path:"id"`
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "File a progress report as DRAFT",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateReportRequest
	}) (*out[domain.ProgressReport], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		r, err := e.CreateReport(ctx, engine.ReportCreateOptions{
			ID:           b.ID,
			ActivityID:   b.ActivityID,
			IndicatorID:  b.IndicatorID,
			PeriodType:   b.PeriodType,
			Period:       b.Period,
			CurrentValue: b.CurrentValue,
			Achievements: b.Achievements,
			Difficulties: b.Difficulties,
			NextSteps:    b.NextSteps,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(r), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List progress reports",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ActivityID  string `query:"activity_id"`
		IndicatorID string `query:"indicator_id"`
		Period      string `query:"period"`
		Status      string `query:"status"`
		ReportedBy  string `query:"reported_by"`
		Limit       int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*out[ReportList], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListReports(ctx, actorID, repo.ReportFilters{
			ActivityID:  input.ActivityID,
			IndicatorID: input.IndicatorID,
			Period:      input.Period,
			Status:      input.Status,
			ReportedBy:  input.ReportedBy,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ReportList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-stats",
		Method:      http.MethodGet,
		Path:        "/reports/stats",
		Summary:     "Count visible reports by status",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*out[map[string]int], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stats, err := e.ReportStats(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(stats), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{id}",
		Summary:     "Get a report with its status history",
		Errors:      readErrors,
	}, func(ctx context.Context, input *ReportPath) (*out[ReportDetail], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, hist, err := e.GetReport(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ReportDetail{Report: r, History: nonNilSlice(hist)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-report",
		Method:      http.MethodPatch,
		Path:        "/reports/{id}",
		Summary:     "Edit a DRAFT report",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ReportPath
		Body EditReportRequest
	}) (*out[domain.ProgressReport], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.EditReport(ctx, engine.ReportEditOptions{
			ID:           input.ID,
			CurrentValue: input.Body.CurrentValue,
			Achievements: input.Body.Achievements,
			Difficulties: input.Body.Difficulties,
			NextSteps:    input.Body.NextSteps,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(r), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-report",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/submit",
		Summary:     "Submit a DRAFT report for review",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *ReportPath) (*out[domain.ProgressReport], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.SubmitReport(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(r), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-report",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/approve",
		Summary:     "Approve a SUBMITTED report",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ReportPath
		Body *ReviewRequest `required:"false"`
	}) (*out[domain.ProgressReport], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		comment := ""
		if input.Body != nil {
			comment = input.Body.Comment
		}
		r, err := e.ApproveReport(ctx, input.ID, comment, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(r), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-report",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/reject",
		Summary:     "Reject a SUBMITTED report with a reason",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ReportPath
		Body RejectRequest
	}) (*out[domain.ProgressReport], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.RejectReport(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(r), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "clone-report",
		Method:        http.MethodPost,
		Path:          "/reports/{id}/clone",
		Summary:       "Clone a REJECTED report into a new DRAFT",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ReportPath
		Body *CloneRequest `required:"false"`
	}) (*out[domain.ProgressReport], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		newID := ""
		if input.Body != nil {
			newID = input.Body.ID
		}
		r, err := e.CloneReport(ctx, input.ID, newID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(r), nil
	})
}
