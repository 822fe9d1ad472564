package repo

import (
	"context"
	"database/sql"

	"reqline/internal/domain"
)

const subtaskColumns = `id,name,phase,status,executor_id,department_id,estimated_start,estimated_end,actual_start,actual_end,estimated_duration,actual_duration,delay_status`

func scanSubtask(row interface{ Scan(...any) error }) (domain.Subtask, error) {
	var (
		s                      domain.Subtask
		executor, department   sql.NullString
		estStart, estEnd       sql.NullString
		actualStart, actualEnd sql.NullString
	)
	if err := row.Scan(&s.ID, &s.Name, &s.Phase, &s.Status, &executor, &department,
		&estStart, &estEnd, &actualStart, &actualEnd, &s.EstimatedDuration, &s.ActualDuration, &s.DelayStatus); err != nil {
		return s, err
	}
	s.ExecutorID = stringPtr(executor)
	s.DepartmentID = stringPtr(department)
	var err error
	if s.EstimatedStart, err = timePtr(estStart); err != nil {
		return s, err
	}
	if s.EstimatedEnd, err = timePtr(estEnd); err != nil {
		return s, err
	}
	if s.ActualStart, err = timePtr(actualStart); err != nil {
		return s, err
	}
	if s.ActualEnd, err = timePtr(actualEnd); err != nil {
		return s, err
	}
	return s, nil
}

// ListSubtasksTx returns the subtasks of a requirement in list order.
func (r Repo) ListSubtasksTx(ctx context.Context, tx *sql.Tx, requirementID string) ([]domain.Subtask, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE requirement_id=? ORDER BY position`, requirementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	subtasks := []domain.Subtask{}
	for rows.Next() {
		s, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, s)
	}
	return subtasks, rows.Err()
}
