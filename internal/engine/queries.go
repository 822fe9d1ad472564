package engine

import (
	"context"

	"reqline/internal/domain"
	"reqline/internal/lifecycle"
	"reqline/internal/repo"
)

// WhoAmI lists an actor's roles and effective permissions in a project.
type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (e Engine) WhoAmI(ctx context.Context, projectID, actorID string) (WhoAmI, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WhoAmI{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProjectTx(ctx, tx, projectID); err != nil {
		return WhoAmI{}, err
	}
	roles, err := e.Auth.ActorRoles(ctx, tx, projectID, actorID)
	if err != nil {
		return WhoAmI{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, tx, projectID, actorID)
	if err != nil {
		return WhoAmI{}, err
	}
	return WhoAmI{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

// PendingReviews returns the requirements waiting on reviewerID, evaluated as
// of now. A level 2 review only waits once level 1 is approved.
func (e Engine) PendingReviews(ctx context.Context, projectID, reviewerID string) ([]domain.Requirement, error) {
	ids, err := e.Repo.ListPendingReviews(ctx, projectID, reviewerID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Requirement, 0, len(ids))
	for _, id := range ids {
		r, err := e.GetRequirement(ctx, id)
		if err != nil {
			return nil, err
		}
		if awaitsReviewer(r, reviewerID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func awaitsReviewer(r domain.Requirement, reviewerID string) bool {
	if r.OverallReview == domain.OverallRejected {
		return false
	}
	l1 := r.ReviewLevel1
	if l1.Reviewer() == reviewerID && l1.Status == domain.ReviewPending {
		return true
	}
	l2 := r.ReviewLevel2
	return l2 != nil && l2.Reviewer() == reviewerID && l2.Status == domain.ReviewPending &&
		l1.Status == domain.ReviewApproved
}

// ListAssignments returns matching subtasks with durations and delay
// evaluated as of now.
func (e Engine) ListAssignments(ctx context.Context, f repo.AssignmentFilters) ([]repo.Assignment, error) {
	items, err := e.Repo.ListAssignments(ctx, f)
	if err != nil {
		return nil, err
	}
	now := e.now()
	for i := range items {
		items[i].Subtask = lifecycle.RecomputeMetrics(items[i].Subtask, now)
	}
	return items, nil
}
