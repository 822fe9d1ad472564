package lifecycle

import "reqline/internal/domain"

// EvaluateOverall folds independent review level decisions into one verdict.
// A rejection at any level wins over every approval.
func EvaluateOverall(levels []domain.ReviewLevel) domain.OverallReview {
	if len(levels) == 0 {
		return domain.OverallPending
	}
	for _, l := range levels {
		if l.Status == domain.ReviewRejected {
			return domain.OverallRejected
		}
	}
	var level1, level2 *domain.ReviewLevel
	allApproved := true
	for i := range levels {
		l := &levels[i]
		switch l.Level {
		case 1:
			level1 = l
		case 2:
			level2 = l
		}
		if l.Status != domain.ReviewApproved {
			allApproved = false
		}
	}
	if allApproved {
		return domain.OverallApproved
	}
	if level1 != nil && level1.Status == domain.ReviewApproved &&
		(level2 == nil || level2.Status == domain.ReviewPending) {
		return domain.OverallAwaitingLevel2
	}
	return domain.OverallPending
}

// CanAssignVersion reports whether the review gate is open for r.
func CanAssignVersion(r domain.Requirement) bool {
	return EvaluateOverall(r.Levels()) == domain.OverallApproved
}

// CanEditLevel reports whether actorID is the reviewer assigned to level.
// Levels without a reviewer cannot be edited by anyone.
func CanEditLevel(level domain.ReviewLevel, actorID string) bool {
	reviewer := level.Reviewer()
	return reviewer != "" && reviewer == actorID
}
