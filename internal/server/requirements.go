package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/engine/auth"
	"reqline/internal/lifecycle"
	"reqline/internal/repo"
)

// RequirementPath addresses one requirement; operation inputs embed it.
type RequirementPath struct {
	ProjectID     string `path:"project_id"`
	RequirementID string `path:"requirement_id"`
}

type requirementBody struct {
	Body domain.Requirement `json:"body"`
}

// loadRequirement returns the requirement when it belongs to projectID.
func loadRequirement(ctx context.Context, e engine.Engine, projectID, id string) (domain.Requirement, error) {
	r, err := e.GetRequirement(ctx, id)
	if err != nil {
		return r, err
	}
	if r.ProjectID != projectID {
		return domain.Requirement{}, repo.ErrNotFound
	}
	return r, nil
}

// guardRequirement checks perm and that the requirement lives in the project.
func guardRequirement(ctx context.Context, e engine.Engine, in RequirementPath, perm string) (string, error) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	if perm != "" {
		if err := requirePermission(ctx, e, in.ProjectID, perm); err != nil {
			return "", err
		}
	}
	if _, err := loadRequirement(ctx, e, in.ProjectID, in.RequirementID); err != nil {
		return "", err
	}
	return actorID, nil
}

func registerRequirements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-requirement",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/requirements",
		Summary:       "Create requirement",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      CreateRequirementRequest `json:"body"`
	}) (*requirementBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, input.ProjectID, auth.PermRequirementWrite); err != nil {
			return nil, handleError(err)
		}
		opts := engine.RequirementCreateOptions{
			ID:           stringOrEmpty(input.Body.ID),
			ProjectID:    input.ProjectID,
			Title:        input.Body.Title,
			Description:  stringOrEmpty(input.Body.Description),
			Kind:         input.Body.Kind,
			Priority:     input.Body.Priority,
			ReviewLevels: input.Body.ReviewLevels,
			Reviewer1:    stringOrEmpty(input.Body.Reviewer1),
			Reviewer2:    stringOrEmpty(input.Body.Reviewer2),
			ActorID:      actorID,
		}
		if _, ok := rawBodyMap(ctx)["subtasks"]; ok {
			opts.Subtasks = nonNilSlice(input.Body.Subtasks)
		}
		r, err := e.CreateRequirement(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &requirementBody{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requirements",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/requirements",
		Summary:     "List requirements",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID       string `path:"project_id"`
		AggregateStatus string `query:"aggregate_status"`
		OverallReview   string `query:"overall_review" enum:"pending,awaiting-level-2,approved,rejected"`
		Priority        string `query:"priority" enum:"low,medium,high,urgent"`
		Kind            string `query:"kind" enum:"feature,bug,change"`
		Version         string `query:"version"`
		Limit           int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedRequirements `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.AggregateStatus != "" && !domain.AggregateStatus(input.AggregateStatus).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid aggregate_status", map[string]any{"aggregate_status": input.AggregateStatus})
		}
		items, err := e.ListRequirements(ctx, repo.RequirementFilters{
			ProjectID:       input.ProjectID,
			AggregateStatus: input.AggregateStatus,
			OverallReview:   input.OverallReview,
			Priority:        input.Priority,
			Kind:            input.Kind,
			PlannedVersion:  input.Version,
			Limit:           normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedRequirements `json:"body"`
		}{Body: paginatedRequirements{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-requirement",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/requirements/{requirement_id}",
		Summary:     "Get requirement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *RequirementPath) (*requirementBody, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		r, err := loadRequirement(ctx, e, input.ProjectID, input.RequirementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requirementBody{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-requirement",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/requirements/{requirement_id}",
		Summary:     "Update requirement header fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RequirementPath
		Body UpdateRequirementRequest `json:"body"`
	}) (*requirementBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, err := guardRequirement(ctx, e, input.RequirementPath, auth.PermRequirementWrite)
		if err != nil {
			return nil, handleError(err)
		}
		r, err := e.UpdateRequirement(ctx, engine.RequirementUpdateOptions{
			ID:          input.RequirementID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Kind:        input.Body.Kind,
			Priority:    input.Body.Priority,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &requirementBody{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-requirement",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/requirements/{requirement_id}",
		Summary:       "Delete requirement",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *RequirementPath) (*struct{}, error) {
		actorID, err := guardRequirement(ctx, e, *input, auth.PermRequirementWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteRequirement(ctx, input.RequirementID, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recompute-requirements",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/recompute",
		Summary:     "Re-derive every requirement as of now",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body RecomputeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, input.ProjectID, auth.PermRequirementWrite); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		n, err := e.RecomputeAll(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecomputeResponse `json:"body"`
		}{Body: RecomputeResponse{ProjectID: input.ProjectID, Changed: n}}, nil
	})
}

func registerSubtasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-subtask",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/requirements/{requirement_id}/subtasks",
		Summary:       "Add subtask",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RequirementPath
		Body AddSubtaskRequest `json:"body"`
	}) (*requirementBody, error) {
		actorID, err := guardRequirement(ctx, e, input.RequirementPath, auth.PermSubtaskWrite)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := subtaskFromRequest(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		r, err := e.AddSubtask(ctx, input.RequirementID, s, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requirementBody{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-subtask",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/requirements/{requirement_id}/subtasks/{subtask_id}",
		Summary:     "Edit subtask fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RequirementPath
		SubtaskID string             `path:"subtask_id"`
		Body      EditSubtaskRequest `json:"body"`
	}) (*requirementBody, error) {
		actorID, err := guardRequirement(ctx, e, input.RequirementPath, auth.PermSubtaskWrite)
		if err != nil {
			return nil, handleError(err)
		}
		edits := subtaskEdits(input.Body)
		if len(edits) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "no fields to edit", nil)
		}
		r, err := e.EditSubtask(ctx, input.RequirementID, input.SubtaskID, edits, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requirementBody{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-subtask",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/requirements/{requirement_id}/subtasks/{subtask_id}",
		Summary:     "Delete subtask",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequirementPath
		SubtaskID string `path:"subtask_id"`
	}) (*requirementBody, error) {
		actorID, err := guardRequirement(ctx, e, input.RequirementPath, auth.PermSubtaskWrite)
		if err != nil {
			return nil, handleError(err)
		}
		r, err := e.DeleteSubtask(ctx, input.RequirementID, input.SubtaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requirementBody{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/assignments",
		Summary:     "List subtasks by executor or department",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID    string `path:"project_id"`
		ExecutorID   string `query:"executor_id"`
		DepartmentID string `query:"department_id"`
		Status       string `query:"status" enum:"not-started,in-progress,completed,paused"`
		Mine         bool   `query:"mine"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		executor := input.ExecutorID
		if input.Mine {
			executor = actorID
		}
		items, err := e.ListAssignments(ctx, repo.AssignmentFilters{
			ProjectID:    input.ProjectID,
			ExecutorID:   executor,
			DepartmentID: input.DepartmentID,
			Status:       input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: AssignmentResponse{Items: nonNilSlice(items)}}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "edit-review",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/requirements/{requirement_id}/reviews/{level}",
		Summary:     "Edit a review level",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RequirementPath
		Level int               `path:"level" minimum:"1" maximum:"2"`
		Body  EditReviewRequest `json:"body"`
	}) (*requirementBody, error) {
		actorID, err := guardRequirement(ctx, e, input.RequirementPath, "")
		if err != nil {
			return nil, handleError(err)
		}
		edits := reviewEdits(input.Body)
		if len(edits) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "no fields to edit", nil)
		}
		r, err := e.EditReview(ctx, input.RequirementID, input.Level, edits, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requirementBody{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-version",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/requirements/{requirement_id}/version",
		Summary:     "Assign a release version",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequirementPath
		Body AssignVersionRequest `json:"body"`
	}) (*requirementBody, error) {
		actorID, err := guardRequirement(ctx, e, input.RequirementPath, auth.PermVersionAssign)
		if err != nil {
			return nil, handleError(err)
		}
		r, err := e.AssignVersion(ctx, input.RequirementID, input.Body.Version, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requirementBody{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-reviews",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/reviews/pending",
		Summary:     "Requirements awaiting the caller's review",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		ReviewerID string `query:"reviewer_id"`
	}) (*struct {
		Body paginatedRequirements `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reviewer := input.ReviewerID
		if reviewer == "" {
			reviewer = actorID
		}
		items, err := e.PendingReviews(ctx, input.ProjectID, reviewer)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedRequirements `json:"body"`
		}{Body: paginatedRequirements{Items: nonNilSlice(items)}}, nil
	})
}

func subtaskFromRequest(in AddSubtaskRequest) (domain.Subtask, error) {
	s := domain.Subtask{
		ID:           stringOrEmpty(in.ID),
		Name:         in.Name,
		ExecutorID:   in.ExecutorID,
		DepartmentID: in.DepartmentID,
	}
	if in.Status != nil {
		s.Status = domain.SubtaskStatus(*in.Status)
	}
	for _, f := range []struct {
		field lifecycle.SubtaskField
		raw   *string
		dst   **time.Time
	}{
		{lifecycle.FieldEstimatedStart, in.EstimatedStart, &s.EstimatedStart},
		{lifecycle.FieldEstimatedEnd, in.EstimatedEnd, &s.EstimatedEnd},
		{lifecycle.FieldActualStart, in.ActualStart, &s.ActualStart},
		{lifecycle.FieldActualEnd, in.ActualEnd, &s.ActualEnd},
	} {
		if f.raw == nil || strings.TrimSpace(*f.raw) == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(*f.raw))
		if err != nil {
			return s, lifecycle.InvalidValueError{Field: string(f.field), Value: *f.raw}
		}
		*f.dst = &ts
	}
	return s, nil
}

// subtaskEdits turns a patch into edits applied in a fixed field order.
func subtaskEdits(in EditSubtaskRequest) []lifecycle.SubtaskEdit {
	var edits []lifecycle.SubtaskEdit
	for _, f := range []struct {
		field lifecycle.SubtaskField
		v     *string
	}{
		{lifecycle.FieldName, in.Name},
		{lifecycle.FieldExecutor, in.ExecutorID},
		{lifecycle.FieldDepartment, in.DepartmentID},
		{lifecycle.FieldEstimatedStart, in.EstimatedStart},
		{lifecycle.FieldEstimatedEnd, in.EstimatedEnd},
		{lifecycle.FieldActualStart, in.ActualStart},
		{lifecycle.FieldActualEnd, in.ActualEnd},
		{lifecycle.FieldStatus, in.Status},
	} {
		if f.v != nil {
			edits = append(edits, lifecycle.SubtaskEdit{Field: f.field, Value: *f.v})
		}
	}
	return edits
}

// reviewEdits applies a reviewer change before status and opinion so that
// the new reviewer's identity governs the rest of the patch.
func reviewEdits(in EditReviewRequest) []lifecycle.ReviewEdit {
	var edits []lifecycle.ReviewEdit
	if in.ReviewerID != nil {
		edits = append(edits, lifecycle.ReviewEdit{Field: lifecycle.ReviewFieldReviewer, Value: *in.ReviewerID})
	}
	if in.Status != nil {
		edits = append(edits, lifecycle.ReviewEdit{Field: lifecycle.ReviewFieldStatus, Value: *in.Status})
	}
	if in.Opinion != nil {
		edits = append(edits, lifecycle.ReviewEdit{Field: lifecycle.ReviewFieldOpinion, Value: *in.Opinion})
	}
	return edits
}
