package repo

import (
	"context"
	"strings"

	"reqline/internal/domain"
)

// Assignment is a subtask together with the requirement that owns it.
type Assignment struct {
	RequirementID    string         `json:"requirement_id"`
	RequirementTitle string         `json:"requirement_title"`
	Subtask          domain.Subtask `json:"subtask"`
}

type AssignmentFilters struct {
	ProjectID    string
	ExecutorID   string
	DepartmentID string
	Status       string
}

// ListAssignments returns subtasks matching f across a project, ordered by
// requirement then list position.
func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]Assignment, error) {
	clauses := []string{"rq.project_id=?"}
	args := []any{f.ProjectID}
	if f.ExecutorID != "" {
		clauses = append(clauses, "st.executor_id=?")
		args = append(args, f.ExecutorID)
	}
	if f.DepartmentID != "" {
		clauses = append(clauses, "st.department_id=?")
		args = append(args, f.DepartmentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "st.status=?")
		args = append(args, f.Status)
	}
	cols := make([]string, 0, 13)
	for _, c := range strings.Split(subtaskColumns, ",") {
		cols = append(cols, "st."+c)
	}
	query := `SELECT rq.id, rq.title, ` + strings.Join(cols, ",") + `
FROM subtasks st JOIN requirements rq ON rq.id=st.requirement_id
WHERE ` + strings.Join(clauses, " AND ") + `
ORDER BY rq.created_at, rq.id, st.position`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Assignment
	for rows.Next() {
		var a Assignment
		s, err := scanSubtask(prefixScanner{rows: rows, prefix: []any{&a.RequirementID, &a.RequirementTitle}})
		if err != nil {
			return nil, err
		}
		a.Subtask = s
		res = append(res, a)
	}
	return res, rows.Err()
}

// prefixScanner scans leading columns into prefix before the subtask columns.
type prefixScanner struct {
	rows   interface{ Scan(...any) error }
	prefix []any
}

func (p prefixScanner) Scan(dest ...any) error {
	return p.rows.Scan(append(append([]any{}, p.prefix...), dest...)...)
}
