package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"reqline/internal/domain"
	"reqline/internal/engine/auth"
	"reqline/internal/events"
	"reqline/internal/lifecycle"
	"reqline/internal/repo"
)

// RequirementCreateOptions are parameters for creating a requirement.
type RequirementCreateOptions struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Kind        string
	Priority    string
	// ReviewLevels overrides the project default when 1 or 2.
	ReviewLevels int
	Reviewer1    string
	Reviewer2    string
	// Subtasks overrides the project's template names when non-nil.
	Subtasks []string
	ActorID  string
}

func (e Engine) CreateRequirement(ctx context.Context, opts RequirementCreateOptions) (domain.Requirement, error) {
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.Requirement{}, invalid("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Requirement{}, invalid("project is required")
	}
	kind := domain.RequirementKind(opts.Kind)
	if opts.Kind != "" && !kind.Valid() {
		return domain.Requirement{}, invalid("kind %q", opts.Kind)
	}
	priority := domain.Priority(opts.Priority)
	if opts.Priority != "" && !priority.Valid() {
		return domain.Requirement{}, invalid("priority %q", opts.Priority)
	}
	if opts.ReviewLevels < 0 || opts.ReviewLevels > 2 {
		return domain.Requirement{}, invalid("review levels must be 1 or 2")
	}
	id := opts.ID
	if id == "" {
		id = e.newID()
	}
	ctx, end := e.Telemetry.Start(ctx, "requirement.create", attribute.String("project", opts.ProjectID))
	var created domain.Requirement
	err := e.Repo.RunInTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID); err != nil {
			return fmt.Errorf("project %s: %w", opts.ProjectID, err)
		}
		cfg, err := e.projectConfig(ctx, tx, opts.ProjectID)
		if err != nil {
			return err
		}
		levels := opts.ReviewLevels
		if levels == 0 {
			levels = cfg.ReviewLevels()
		}
		templates := opts.Subtasks
		if templates == nil {
			templates = cfg.SubtaskTemplates()
		}
		now := e.now()
		r := cfg.Coordinator().NewRequirement(lifecycle.Draft{
			ID:           id,
			ProjectID:    opts.ProjectID,
			Title:        opts.Title,
			Description:  opts.Description,
			Kind:         kind,
			Priority:     priority,
			CreatedBy:    opts.ActorID,
			ReviewLevels: levels,
			Reviewers:    [2]string{opts.Reviewer1, opts.Reviewer2},
		}, templates, e.newID, now)
		r.CreatedAt = now.Format(time.RFC3339)
		r.UpdatedAt = r.CreatedAt
		if err := e.Repo.SaveRequirementTx(ctx, tx, r); err != nil {
			return fmt.Errorf("insert requirement: %w", err)
		}
		if err := e.events().Append(ctx, tx, events.Entry{
			Type: events.RequirementCreate, ProjectID: r.ProjectID, EntityKind: "requirement", EntityID: r.ID, ActorID: opts.ActorID,
			Payload: events.Payload{"title": r.Title, "subtasks": len(r.Subtasks), "aggregate_status": r.AggregateStatus},
		}); err != nil {
			return err
		}
		created = r
		return nil
	})
	end(err)
	if err != nil {
		return domain.Requirement{}, err
	}
	e.log().Info("requirement created", "requirement", created.ID, "project", created.ProjectID, "subtasks", len(created.Subtasks))
	return created, nil
}

// GetRequirement returns a requirement with metrics evaluated as of now.
func (e Engine) GetRequirement(ctx context.Context, id string) (domain.Requirement, error) {
	r, err := e.Repo.GetRequirement(ctx, id)
	if err != nil {
		return r, err
	}
	cfg, err := e.ProjectConfig(ctx, r.ProjectID)
	if err != nil {
		return r, err
	}
	return cfg.Coordinator().Recompute(r, e.now()), nil
}

// ListRequirements returns matching requirements evaluated as of now.
func (e Engine) ListRequirements(ctx context.Context, f repo.RequirementFilters) ([]domain.Requirement, error) {
	reqs, err := e.Repo.ListRequirements(ctx, f)
	if err != nil {
		return nil, err
	}
	coords := map[string]lifecycle.Coordinator{}
	now := e.now()
	for i, r := range reqs {
		c, ok := coords[r.ProjectID]
		if !ok {
			cfg, err := e.ProjectConfig(ctx, r.ProjectID)
			if err != nil {
				return nil, err
			}
			c = cfg.Coordinator()
			coords[r.ProjectID] = c
		}
		reqs[i] = c.Recompute(r, now)
	}
	return reqs, nil
}

// RequirementUpdateOptions sets header fields. Derived status fields are not
// settable.
type RequirementUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Kind        *string
	Priority    *string
	ActorID     string
}

func (e Engine) UpdateRequirement(ctx context.Context, opts RequirementUpdateOptions) (domain.Requirement, error) {
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.Requirement{}, invalid("title is required")
	}
	if opts.Kind != nil && !domain.RequirementKind(*opts.Kind).Valid() {
		return domain.Requirement{}, invalid("kind %q", *opts.Kind)
	}
	if opts.Priority != nil && !domain.Priority(*opts.Priority).Valid() {
		return domain.Requirement{}, invalid("priority %q", *opts.Priority)
	}
	return e.mutate(ctx, events.RequirementUpdate, opts.ID, opts.ActorID, func(_ *sql.Tx, r domain.Requirement, c lifecycle.Coordinator, now time.Time) (domain.Requirement, events.Payload, error) {
		payload := events.Payload{}
		if opts.Title != nil {
			r.Title = strings.TrimSpace(*opts.Title)
			payload["title"] = r.Title
		}
		if opts.Description != nil {
			r.Description = *opts.Description
			payload["description"] = r.Description
		}
		if opts.Kind != nil {
			r.Kind = domain.RequirementKind(*opts.Kind)
			payload["kind"] = r.Kind
		}
		if opts.Priority != nil {
			r.Priority = domain.Priority(*opts.Priority)
			payload["priority"] = r.Priority
		}
		return c.Recompute(r, now), payload, nil
	})
}

func (e Engine) DeleteRequirement(ctx context.Context, id, actorID string) error {
	ctx, end := e.Telemetry.Start(ctx, "requirement.delete")
	err := e.Repo.RunInTx(ctx, func(tx *sql.Tx) error {
		r, err := e.Repo.GetRequirementTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := e.Repo.DeleteRequirementTx(ctx, tx, id); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.RequirementDelete, ProjectID: r.ProjectID, EntityKind: "requirement", EntityID: id, ActorID: actorID,
			Payload: events.Payload{"title": r.Title},
		})
	})
	end(err)
	return err
}

// AddSubtask appends s to the requirement. A missing ID is generated.
func (e Engine) AddSubtask(ctx context.Context, requirementID string, s domain.Subtask, actorID string) (domain.Requirement, error) {
	if s.ID == "" {
		s.ID = e.newID()
	}
	return e.mutate(ctx, events.SubtaskAdd, requirementID, actorID, func(_ *sql.Tx, r domain.Requirement, c lifecycle.Coordinator, now time.Time) (domain.Requirement, events.Payload, error) {
		next, err := c.AddSubtask(r, s, now)
		if err != nil {
			return r, nil, err
		}
		added := next.Subtasks[len(next.Subtasks)-1]
		return next, events.Payload{"subtask_id": added.ID, "name": added.Name, "phase": added.Phase}, nil
	})
}

// EditSubtask applies edits in order as one atomic change.
func (e Engine) EditSubtask(ctx context.Context, requirementID, subtaskID string, edits []lifecycle.SubtaskEdit, actorID string) (domain.Requirement, error) {
	if len(edits) == 0 {
		return domain.Requirement{}, invalid("no subtask fields to edit")
	}
	return e.mutate(ctx, events.SubtaskEdit, requirementID, actorID, func(_ *sql.Tx, r domain.Requirement, c lifecycle.Coordinator, now time.Time) (domain.Requirement, events.Payload, error) {
		fields := events.Payload{}
		for _, edit := range edits {
			var err error
			if r, err = c.ApplySubtaskEdit(r, subtaskID, edit, now); err != nil {
				return r, nil, err
			}
			fields[string(edit.Field)] = edit.Value
		}
		return r, events.Payload{"subtask_id": subtaskID, "fields": fields}, nil
	})
}

func (e Engine) DeleteSubtask(ctx context.Context, requirementID, subtaskID, actorID string) (domain.Requirement, error) {
	return e.mutate(ctx, events.SubtaskDelete, requirementID, actorID, func(_ *sql.Tx, r domain.Requirement, c lifecycle.Coordinator, now time.Time) (domain.Requirement, events.Payload, error) {
		next, err := c.DeleteSubtask(r, subtaskID, now)
		return next, events.Payload{"subtask_id": subtaskID}, err
	})
}

// EditReview applies edits to one review level. Status and opinion may only
// be changed by the level's assigned reviewer; changing the reviewer needs
// review.assign.
func (e Engine) EditReview(ctx context.Context, requirementID string, level int, edits []lifecycle.ReviewEdit, actorID string) (domain.Requirement, error) {
	if len(edits) == 0 {
		return domain.Requirement{}, invalid("no review fields to edit")
	}
	return e.mutate(ctx, events.ReviewEdit, requirementID, actorID, func(tx *sql.Tx, r domain.Requirement, c lifecycle.Coordinator, now time.Time) (domain.Requirement, events.Payload, error) {
		fields := events.Payload{}
		for _, edit := range edits {
			l := r.Level(level)
			if l == nil {
				return r, nil, lifecycle.ErrLevelNotFound
			}
			switch edit.Field {
			case lifecycle.ReviewFieldReviewer:
				if err := e.Auth.Require(ctx, tx, r.ProjectID, actorID, auth.PermReviewAssign); err != nil {
					return r, nil, err
				}
			default:
				if !lifecycle.CanEditLevel(*l, actorID) {
					return r, nil, auth.NotReviewerError{Level: level, ActorID: actorID, Reviewer: l.Reviewer()}
				}
			}
			var err error
			if r, err = c.ApplyReviewEdit(r, level, edit, now); err != nil {
				return r, nil, err
			}
			fields[string(edit.Field)] = edit.Value
		}
		return r, events.Payload{"level": level, "fields": fields}, nil
	})
}

// AssignVersion binds a release version. It fails with a GateClosedError
// unless the overall review is approved.
func (e Engine) AssignVersion(ctx context.Context, requirementID, version, actorID string) (domain.Requirement, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return domain.Requirement{}, invalid("version is required")
	}
	return e.mutate(ctx, events.VersionAssign, requirementID, actorID, func(_ *sql.Tx, r domain.Requirement, c lifecycle.Coordinator, now time.Time) (domain.Requirement, events.Payload, error) {
		next, ok := c.AssignVersion(r, version, now)
		if !ok {
			e.Telemetry.VersionRefused(ctx, r.ProjectID)
			e.log().Warn("version assignment refused", "requirement", r.ID, "version", version, "overall_review", next.OverallReview)
			return r, nil, GateClosedError{RequirementID: r.ID, OverallReview: lifecycle.EvaluateOverall(r.Levels())}
		}
		return next, events.Payload{"version": version}, nil
	})
}

type mutateFn func(tx *sql.Tx, r domain.Requirement, c lifecycle.Coordinator, now time.Time) (domain.Requirement, events.Payload, error)

// mutate loads the requirement, applies fn, persists the full snapshot and
// appends one event, all in one transaction.
func (e Engine) mutate(ctx context.Context, op, requirementID, actorID string, fn mutateFn) (domain.Requirement, error) {
	if requirementID == "" {
		return domain.Requirement{}, invalid("requirement is required")
	}
	ctx, end := e.Telemetry.Start(ctx, op, attribute.String("requirement", requirementID))
	var out domain.Requirement
	err := e.Repo.RunInTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.Repo.GetRequirementTx(ctx, tx, requirementID)
		if err != nil {
			return err
		}
		cfg, err := e.projectConfig(ctx, tx, cur.ProjectID)
		if err != nil {
			return err
		}
		now := e.now()
		next, payload, err := fn(tx, cur, cfg.Coordinator(), now)
		if err != nil {
			return err
		}
		next.UpdatedAt = now.Format(time.RFC3339)
		if err := e.Repo.SaveRequirementTx(ctx, tx, next); err != nil {
			return fmt.Errorf("save requirement: %w", err)
		}
		if payload == nil {
			payload = events.Payload{}
		}
		payload["aggregate_status"] = next.AggregateStatus
		payload["overall_review"] = next.OverallReview
		if err := e.events().Append(ctx, tx, events.Entry{
			Type: op, ProjectID: next.ProjectID, EntityKind: "requirement", EntityID: next.ID, ActorID: actorID, Payload: payload,
		}); err != nil {
			return err
		}
		out = next
		return nil
	})
	end(err)
	if err != nil {
		return domain.Requirement{}, err
	}
	e.log().Debug("requirement mutated", "op", op, "requirement", out.ID, "aggregate_status", out.AggregateStatus, "overall_review", out.OverallReview)
	return out, nil
}
