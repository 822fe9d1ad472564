package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// NotReviewerError indicates an edit to a review level by someone other than
// its assigned reviewer.
type NotReviewerError struct {
	Level    int
	ActorID  string
	Reviewer string
}

func (e NotReviewerError) Error() string {
	if e.Reviewer == "" {
		return fmt.Sprintf("review level %d has no assigned reviewer", e.Level)
	}
	return fmt.Sprintf("actor %s is not the reviewer of level %d", e.ActorID, e.Level)
}

// Permissions checked by the engine and the HTTP API.
const (
	PermProjectAdmin     = "project.admin"
	PermRequirementWrite = "requirement.write"
	PermSubtaskWrite     = "subtask.write"
	PermReviewAssign     = "review.assign"
	PermVersionAssign    = "version.assign"
	PermEventRead        = "event.read"
)

// Service provides RBAC helpers backed by SQL. Helpers run on tx when it is
// non-nil, else directly on DB.
type Service struct {
	DB *sql.DB
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s Service) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.DB
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, projectID, actorID, perm string) (bool, error) {
	row := s.q(tx).QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.project_id=? AND ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		projectID, actorID, perm)
	var n int
	err := row.Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Require returns ForbiddenError when actorID lacks perm in projectID.
func (s Service) Require(ctx context.Context, tx *sql.Tx, projectID, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, tx, projectID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, projectID, actorID string) ([]string, error) {
	return queryStrings(ctx, s.q(tx), `SELECT role_id FROM actor_roles WHERE project_id=? AND actor_id=? ORDER BY role_id`, projectID, actorID)
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, projectID, actorID string) ([]string, error) {
	return queryStrings(ctx, s.q(tx), `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.project_id=? AND ar.actor_id=?
ORDER BY rp.permission_id`, projectID, actorID)
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
