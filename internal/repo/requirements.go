package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"reqline/internal/domain"
)

type RequirementFilters struct {
	ProjectID       string
	AggregateStatus string
	OverallReview   string
	Priority        string
	Kind            string
	PlannedVersion  string
	Limit           int
}

const requirementColumns = `id,project_id,title,COALESCE(description,''),kind,priority,aggregate_status,overall_review,planned_version,created_by,created_at,updated_at`

func scanRequirement(row interface{ Scan(...any) error }) (domain.Requirement, error) {
	var (
		req     domain.Requirement
		version sql.NullString
	)
	err := row.Scan(&req.ID, &req.ProjectID, &req.Title, &req.Description, &req.Kind, &req.Priority,
		&req.AggregateStatus, &req.OverallReview, &version, &req.CreatedBy, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return req, ErrNotFound
	}
	req.PlannedVersion = stringPtr(version)
	return req, err
}

// SaveRequirementTx writes the full requirement snapshot: the header row,
// its subtasks in list order and its review levels. Subtasks removed from
// the snapshot are deleted.
func (r Repo) SaveRequirementTx(ctx context.Context, tx *sql.Tx, req domain.Requirement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requirements(id,project_id,title,description,kind,priority,aggregate_status,overall_review,planned_version,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, description=excluded.description, kind=excluded.kind,
  priority=excluded.priority, aggregate_status=excluded.aggregate_status, overall_review=excluded.overall_review,
  planned_version=excluded.planned_version, updated_at=excluded.updated_at`,
		req.ID, req.ProjectID, req.Title, nullable(req.Description), string(req.Kind), string(req.Priority),
		string(req.AggregateStatus), string(req.OverallReview), nullableStringPtr(req.PlannedVersion),
		req.CreatedBy, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return err
	}
	if err := r.replaceSubtasksTx(ctx, tx, req.ID, req.Subtasks); err != nil {
		return err
	}
	return r.SaveReviewLevelsTx(ctx, tx, req.ID, req.Levels())
}

func (r Repo) replaceSubtasksTx(ctx context.Context, tx *sql.Tx, requirementID string, subtasks []domain.Subtask) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM subtasks WHERE requirement_id=?`, requirementID); err != nil {
		return err
	}
	for i, s := range subtasks {
		_, err := tx.ExecContext(ctx, `INSERT INTO subtasks(id,requirement_id,position,name,phase,status,executor_id,department_id,
estimated_start,estimated_end,actual_start,actual_end,estimated_duration,actual_duration,delay_status)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			s.ID, requirementID, i, s.Name, string(s.Phase), string(s.Status),
			nullableStringPtr(s.ExecutorID), nullableStringPtr(s.DepartmentID),
			nullableTime(s.EstimatedStart), nullableTime(s.EstimatedEnd), nullableTime(s.ActualStart), nullableTime(s.ActualEnd),
			s.EstimatedDuration, s.ActualDuration, string(s.DelayStatus))
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetRequirement(ctx context.Context, id string) (domain.Requirement, error) {
	return r.GetRequirementTx(ctx, nil, id)
}

// GetRequirementTx loads a requirement with its subtasks and review levels.
func (r Repo) GetRequirementTx(ctx context.Context, tx *sql.Tx, id string) (domain.Requirement, error) {
	req, err := scanRequirement(r.q(tx).QueryRowContext(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE id=?`, id))
	if err != nil {
		return req, err
	}
	return r.hydrate(ctx, tx, req)
}

func (r Repo) hydrate(ctx context.Context, tx *sql.Tx, req domain.Requirement) (domain.Requirement, error) {
	subtasks, err := r.ListSubtasksTx(ctx, tx, req.ID)
	if err != nil {
		return req, err
	}
	req.Subtasks = subtasks
	levels, err := r.ListReviewLevelsTx(ctx, tx, req.ID)
	if err != nil {
		return req, err
	}
	for _, l := range levels {
		switch l.Level {
		case 1:
			req.ReviewLevel1 = l
		case 2:
			l2 := l
			req.ReviewLevel2 = &l2
		}
	}
	return req, nil
}

// ListRequirements returns requirements newest first, fully hydrated.
func (r Repo) ListRequirements(ctx context.Context, f RequirementFilters) ([]domain.Requirement, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(col, v string) {
		if v != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, v)
		}
	}
	add("project_id", f.ProjectID)
	add("aggregate_status", f.AggregateStatus)
	add("overall_review", f.OverallReview)
	add("priority", f.Priority)
	add("kind", f.Kind)
	add("planned_version", f.PlannedVersion)
	query := `SELECT ` + requirementColumns + ` FROM requirements`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var reqs []domain.Requirement
	for rows.Next() {
		req, err := scanRequirement(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		reqs = append(reqs, req)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range reqs {
		if reqs[i], err = r.hydrate(ctx, nil, reqs[i]); err != nil {
			return nil, err
		}
	}
	return reqs, nil
}

// ListRequirementIDs returns every requirement id of a project.
func (r Repo) ListRequirementIDs(ctx context.Context, projectID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM requirements WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) DeleteRequirementTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM requirements WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus returns requirement counts per aggregate status.
func (r Repo) CountByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT aggregate_status, COUNT(*) FROM requirements WHERE project_id=? GROUP BY aggregate_status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
