package repo

import (
	"context"
	"database/sql"

	"reqline/internal/domain"
)

// SaveReviewLevelsTx replaces the stored review levels of a requirement.
func (r Repo) SaveReviewLevelsTx(ctx context.Context, tx *sql.Tx, requirementID string, levels []domain.ReviewLevel) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM review_levels WHERE requirement_id=?`, requirementID); err != nil {
		return err
	}
	for _, l := range levels {
		_, err := tx.ExecContext(ctx, `INSERT INTO review_levels(requirement_id,level,reviewer_id,status,opinion,reviewed_at) VALUES (?,?,?,?,?,?)`,
			requirementID, l.Level, nullableStringPtr(l.ReviewerID), string(l.Status), l.Opinion, nullableTime(l.ReviewedAt))
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListReviewLevelsTx(ctx context.Context, tx *sql.Tx, requirementID string) ([]domain.ReviewLevel, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT level,reviewer_id,status,opinion,reviewed_at FROM review_levels WHERE requirement_id=? ORDER BY level`, requirementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var levels []domain.ReviewLevel
	for rows.Next() {
		var (
			l          domain.ReviewLevel
			reviewer   sql.NullString
			reviewedAt sql.NullString
		)
		if err := rows.Scan(&l.Level, &reviewer, &l.Status, &l.Opinion, &reviewedAt); err != nil {
			return nil, err
		}
		l.ReviewerID = stringPtr(reviewer)
		if l.ReviewedAt, err = timePtr(reviewedAt); err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

// ListPendingReviews returns the ids of requirements where reviewerID is
// assigned to a level still pending.
func (r Repo) ListPendingReviews(ctx context.Context, projectID, reviewerID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT DISTINCT rl.requirement_id FROM review_levels rl
JOIN requirements rq ON rq.id=rl.requirement_id
WHERE rq.project_id=? AND rl.reviewer_id=? AND rl.status=?
ORDER BY rl.requirement_id`, projectID, reviewerID, string(domain.ReviewPending))
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
