package server

import (
	"encoding/json"
	"sort"

	"reqline/internal/config"
	"reqline/internal/domain"
	"reqline/internal/repo"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type UpdateProjectRequest struct {
	Status      string  `json:"status,omitempty" enum:"active,archived"`
	Description *string `json:"description,omitempty"`
}

type CreateRequirementRequest struct {
	ID           *string `json:"id,omitempty"`
	Title        string  `json:"title"`
	Description  *string `json:"description,omitempty"`
	Kind         string  `json:"kind,omitempty" enum:"feature,bug,change"`
	Priority     string  `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	ReviewLevels int     `json:"review_levels,omitempty" minimum:"0" maximum:"2"`
	Reviewer1    *string `json:"reviewer_1,omitempty"`
	Reviewer2    *string `json:"reviewer_2,omitempty"`
	// Subtasks replaces the project's template names when present.
	Subtasks []string `json:"subtasks,omitempty"`
}

type UpdateRequirementRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Kind        *string `json:"kind,omitempty" enum:"feature,bug,change"`
	Priority    *string `json:"priority,omitempty" enum:"low,medium,high,urgent"`
}

type AddSubtaskRequest struct {
	ID             *string `json:"id,omitempty"`
	Name           string  `json:"name"`
	Status         *string `json:"status,omitempty" enum:"not-started,in-progress,completed,paused"`
	ExecutorID     *string `json:"executor_id,omitempty"`
	DepartmentID   *string `json:"department_id,omitempty"`
	EstimatedStart *string `json:"estimated_start,omitempty" format:"date-time"`
	EstimatedEnd   *string `json:"estimated_end,omitempty" format:"date-time"`
	ActualStart    *string `json:"actual_start,omitempty" format:"date-time"`
	ActualEnd      *string `json:"actual_end,omitempty" format:"date-time"`
}

// EditSubtaskRequest sets leaf fields. An empty string clears an optional
// field.
type EditSubtaskRequest struct {
	Name           *string `json:"name,omitempty"`
	Status         *string `json:"status,omitempty" enum:"not-started,in-progress,completed,paused"`
	ExecutorID     *string `json:"executor_id,omitempty"`
	DepartmentID   *string `json:"department_id,omitempty"`
	EstimatedStart *string `json:"estimated_start,omitempty"`
	EstimatedEnd   *string `json:"estimated_end,omitempty"`
	ActualStart    *string `json:"actual_start,omitempty"`
	ActualEnd      *string `json:"actual_end,omitempty"`
}

type EditReviewRequest struct {
	ReviewerID *string `json:"reviewer_id,omitempty"`
	Status     *string `json:"status,omitempty" enum:"pending,approved,rejected"`
	Opinion    *string `json:"opinion,omitempty"`
}

type AssignVersionRequest struct {
	Version string `json:"version"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Responses

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ProjectStatusResponse struct {
	ProjectID         string         `json:"project_id"`
	Status            string         `json:"status"`
	RequirementCounts map[string]int `json:"requirement_counts"`
}

type ProjectConfigResponse struct {
	Project      projectConfigSection `json:"project"`
	Phases       phasesConfigSection  `json:"phases"`
	Templates    []string             `json:"templates"`
	ReviewLevels int                  `json:"review_levels"`
	Roles        []roleResponse       `json:"roles"`
}

type projectConfigSection struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type phasesConfigSection struct {
	CaseSensitive bool                `json:"case_sensitive"`
	Keywords      map[string][]string `json:"keywords"`
}

type roleResponse struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

type paginatedRequirements struct {
	Items []domain.Requirement `json:"items"`
}

type RecomputeResponse struct {
	ProjectID string `json:"project_id"`
	Changed   int    `json:"changed"`
}

type ClassifyResponse struct {
	Name  string       `json:"name"`
	Phase domain.Phase `json:"phase"`
}

type AssignmentResponse struct {
	Items []repo.Assignment `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	res := ProjectConfigResponse{
		Project: projectConfigSection{
			ID:   cfg.Project.ID,
			Kind: cfg.Project.Kind,
		},
		Phases: phasesConfigSection{
			CaseSensitive: cfg.Phases.CaseSensitive,
			Keywords:      map[string][]string{},
		},
		Templates:    nonNilSlice(cfg.SubtaskTemplates()),
		ReviewLevels: cfg.ReviewLevels(),
		Roles:        []roleResponse{},
	}
	for phase, words := range cfg.Phases.Keywords {
		res.Phases.Keywords[phase] = nonNilSlice(words)
	}
	for id, role := range cfg.RBAC.Roles {
		res.Roles = append(res.Roles, roleResponse{
			ID:          id,
			Description: role.Description,
			Permissions: nonNilSlice(role.Permissions),
		})
	}
	sort.Slice(res.Roles, func(i, j int) bool { return res.Roles[i].ID < res.Roles[j].ID })
	return res
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
