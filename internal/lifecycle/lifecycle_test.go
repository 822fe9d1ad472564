package lifecycle_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqline/internal/domain"
	"reqline/internal/lifecycle"
)

var now = time.Date(2024, 4, 26, 12, 0, 0, 0, time.UTC)

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func sub(name string, status domain.SubtaskStatus) domain.Subtask {
	return domain.Subtask{Name: name, Phase: lifecycle.Classify(name), Status: status}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		want domain.Phase
	}{
		{"Prototype design", domain.PhasePrototype},
		{"Visual design", domain.PhaseUI},
		{"UI design review", domain.PhaseUI},
		{"Frontend development", domain.PhaseDevelopment},
		{"Backend API", domain.PhaseDevelopment},
		{"Data migration", domain.PhaseDevelopment},
		{"Integration testing", domain.PhaseTesting},
		{"Product acceptance", domain.PhaseAcceptance},
		{"原型设计", domain.PhasePrototype},
		{"前端开发", domain.PhaseDevelopment},
		{"产品验收", domain.PhaseAcceptance},
		{"Kickoff meeting", domain.PhaseOther},
		{"", domain.PhaseOther},
		// precedence: earlier phases win when several keywords match
		{"Prototype design for backend development", domain.PhasePrototype},
		{"Visual design testing", domain.PhaseUI},
		{"Development of acceptance tooling", domain.PhaseDevelopment},
		{"Testing and acceptance", domain.PhaseTesting},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, lifecycle.Classify(tc.name))
		})
	}
}

func TestClassifierTableKeepsPrecedence(t *testing.T) {
	c := lifecycle.NewClassifier(lifecycle.KeywordTable{
		domain.PhaseAcceptance:  {"sign-off"},
		domain.PhaseDevelopment: {"build"},
	}, true)
	assert.Equal(t, domain.PhaseDevelopment, c.Classify("build sign-off page"))
	assert.Equal(t, domain.PhaseAcceptance, c.Classify("customer sign-off"))
	assert.Equal(t, domain.PhaseOther, c.Classify("Build"), "case sensitive table")
	assert.Equal(t, domain.PhaseOther, c.Classify("Prototype design"), "phase missing from table never matches")
}

func TestDeriveStatusScenarios(t *testing.T) {
	tests := []struct {
		desc     string
		subtasks []domain.Subtask
		want     domain.AggregateStatus
	}{
		{"empty", nil, domain.StatusAwaitingPrototype},
		{"awaiting testing", []domain.Subtask{
			sub("Prototype design", domain.SubtaskCompleted),
			sub("UI design", domain.SubtaskCompleted),
			sub("Backend development", domain.SubtaskCompleted),
			sub("Testing", domain.SubtaskNotStarted),
		}, domain.StatusAwaitingTesting},
		{"prototype in progress", []domain.Subtask{
			sub("Prototype design", domain.SubtaskInProgress),
			sub("UI design", domain.SubtaskNotStarted),
			sub("Frontend development", domain.SubtaskNotStarted),
			sub("Testing", domain.SubtaskNotStarted),
			sub("Product acceptance", domain.SubtaskNotStarted),
		}, domain.StatusPrototypeInProgress},
		{"nothing started", []domain.Subtask{
			sub("Prototype design", domain.SubtaskNotStarted),
			sub("Testing", domain.SubtaskNotStarted),
		}, domain.StatusAwaitingPrototype},
		{"all completed", []domain.Subtask{
			sub("Prototype design", domain.SubtaskCompleted),
			sub("Kickoff", domain.SubtaskCompleted),
		}, domain.StatusCompleted},
		{"other subtask blocks completion", []domain.Subtask{
			sub("Prototype design", domain.SubtaskCompleted),
			sub("Kickoff", domain.SubtaskNotStarted),
		}, domain.StatusDevelopmentInProgress},
		{"later in-progress phase wins", []domain.Subtask{
			sub("Frontend development", domain.SubtaskInProgress),
			sub("Testing", domain.SubtaskInProgress),
		}, domain.StatusTestingInProgress},
		{"skipped ui phase", []domain.Subtask{
			sub("Prototype design", domain.SubtaskCompleted),
			sub("Backend development", domain.SubtaskNotStarted),
			sub("Testing", domain.SubtaskNotStarted),
		}, domain.StatusAwaitingDevelopment},
		{"awaiting acceptance", []domain.Subtask{
			sub("Backend development", domain.SubtaskCompleted),
			sub("Testing", domain.SubtaskCompleted),
			sub("Product acceptance", domain.SubtaskNotStarted),
		}, domain.StatusAwaitingAcceptance},
		{"partially completed phase does not unlock next", []domain.Subtask{
			sub("Frontend development", domain.SubtaskCompleted),
			sub("Backend development", domain.SubtaskNotStarted),
			sub("Testing", domain.SubtaskNotStarted),
		}, domain.StatusDevelopmentInProgress},
		{"paused phase counts as started", []domain.Subtask{
			sub("Prototype design", domain.SubtaskCompleted),
			sub("UI design", domain.SubtaskPaused),
		}, domain.StatusDevelopmentInProgress},
		{"only other subtasks in progress", []domain.Subtask{
			sub("Kickoff", domain.SubtaskInProgress),
		}, domain.StatusDevelopmentInProgress},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			got := lifecycle.DeriveStatus(tc.subtasks)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, got, lifecycle.DeriveStatus(tc.subtasks), "derivation must be pure")
		})
	}
}

func TestDeriveStatusCompletionProperty(t *testing.T) {
	names := []string{"Prototype design", "UI design", "Data sync", "Testing", "Acceptance", "Docs"}
	for n := 1; n <= len(names); n++ {
		var subs []domain.Subtask
		for _, name := range names[:n] {
			subs = append(subs, sub(name, domain.SubtaskCompleted))
		}
		assert.Equal(t, domain.StatusCompleted, lifecycle.DeriveStatus(subs))
	}
}

func TestDurationHours(t *testing.T) {
	assert.Equal(t, 0, lifecycle.DurationHours(nil, ts("2024-04-25T18:00:00Z")))
	assert.Equal(t, 0, lifecycle.DurationHours(ts("2024-04-25T18:00:00Z"), nil))
	assert.Equal(t, 0, lifecycle.DurationHours(ts("2024-04-25T18:00:00Z"), ts("2024-04-25T18:00:00Z")))
	assert.Equal(t, 1, lifecycle.DurationHours(ts("2024-04-25T18:00:00Z"), ts("2024-04-25T18:00:01Z")))
	assert.Equal(t, 72, lifecycle.DurationHours(ts("2024-04-25T18:00:00Z"), ts("2024-04-28T17:30:00Z")))
	assert.Equal(t, 72, lifecycle.DurationHours(ts("2024-04-28T17:30:00Z"), ts("2024-04-25T18:00:00Z")), "absolute difference")
}

func TestDelayStatus(t *testing.T) {
	tests := []struct {
		desc string
		s    domain.Subtask
		want domain.DelayStatus
	}{
		{"no estimate", domain.Subtask{Status: domain.SubtaskCompleted, ActualEnd: ts("2024-04-28T17:30:00Z")}, domain.DelayUnknown},
		{"late", domain.Subtask{EstimatedEnd: ts("2024-04-25T18:00:00Z"), ActualEnd: ts("2024-04-28T17:30:00Z")}, domain.DelayLate},
		{"early", domain.Subtask{EstimatedEnd: ts("2024-04-25T18:00:00Z"), ActualEnd: ts("2024-04-24T09:00:00Z")}, domain.DelayEarly},
		{"on time", domain.Subtask{EstimatedEnd: ts("2024-04-25T18:00:00Z"), ActualEnd: ts("2024-04-25T18:00:00Z")}, domain.DelayOnTime},
		{"completed without actual end judged now", domain.Subtask{Status: domain.SubtaskCompleted, EstimatedEnd: ts("2024-04-25T18:00:00Z")}, domain.DelayLate},
		{"completed before estimate", domain.Subtask{Status: domain.SubtaskCompleted, EstimatedEnd: ts("2024-04-30T18:00:00Z")}, domain.DelayEarly},
		{"in progress overdue", domain.Subtask{Status: domain.SubtaskInProgress, EstimatedEnd: ts("2024-04-25T18:00:00Z")}, domain.DelayLate},
		{"in progress within estimate", domain.Subtask{Status: domain.SubtaskInProgress, EstimatedEnd: ts("2024-04-30T18:00:00Z")}, domain.DelayUnknown},
		{"not started overdue", domain.Subtask{Status: domain.SubtaskNotStarted, EstimatedEnd: ts("2024-04-25T18:00:00Z")}, domain.DelayUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, lifecycle.DelayOf(tc.s, now))
		})
	}
}

func TestRecomputeMetricsScenario(t *testing.T) {
	s := domain.Subtask{
		Status:         domain.SubtaskCompleted,
		EstimatedStart: ts("2024-04-22T09:00:00Z"),
		EstimatedEnd:   ts("2024-04-25T18:00:00Z"),
		ActualStart:    ts("2024-04-23T09:15:00Z"),
		ActualEnd:      ts("2024-04-28T17:30:00Z"),
	}
	got := lifecycle.RecomputeMetrics(s, now)
	assert.Equal(t, domain.DelayLate, got.DelayStatus)
	assert.Equal(t, 81, got.EstimatedDuration)
	assert.Equal(t, 129, got.ActualDuration)
	assert.Equal(t, 0, s.EstimatedDuration, "input must not be mutated")
}

func level(n int, st domain.ReviewStatus) domain.ReviewLevel {
	return domain.ReviewLevel{Level: n, Status: st}
}

func TestEvaluateOverall(t *testing.T) {
	statuses := []domain.ReviewStatus{domain.ReviewPending, domain.ReviewApproved, domain.ReviewRejected}
	for _, s1 := range statuses {
		for _, s2 := range statuses {
			got := lifecycle.EvaluateOverall([]domain.ReviewLevel{level(1, s1), level(2, s2)})
			if s1 == domain.ReviewRejected || s2 == domain.ReviewRejected {
				assert.Equal(t, domain.OverallRejected, got, "%s/%s", s1, s2)
			}
		}
	}
	assert.Equal(t, domain.OverallAwaitingLevel2,
		lifecycle.EvaluateOverall([]domain.ReviewLevel{level(1, domain.ReviewApproved), level(2, domain.ReviewPending)}))
	assert.Equal(t, domain.OverallRejected,
		lifecycle.EvaluateOverall([]domain.ReviewLevel{level(1, domain.ReviewApproved), level(2, domain.ReviewRejected)}))
	assert.Equal(t, domain.OverallApproved,
		lifecycle.EvaluateOverall([]domain.ReviewLevel{level(1, domain.ReviewApproved), level(2, domain.ReviewApproved)}))
	assert.Equal(t, domain.OverallPending,
		lifecycle.EvaluateOverall([]domain.ReviewLevel{level(1, domain.ReviewPending), level(2, domain.ReviewApproved)}))
	assert.Equal(t, domain.OverallApproved,
		lifecycle.EvaluateOverall([]domain.ReviewLevel{level(1, domain.ReviewApproved)}), "single level requirement")
	assert.Equal(t, domain.OverallPending, lifecycle.EvaluateOverall(nil))
}

func newRequirement(t *testing.T, c lifecycle.Coordinator, levels int) domain.Requirement {
	t.Helper()
	n := 0
	newID := func() string { n++; return fmt.Sprintf("st-%d", n) }
	return c.NewRequirement(lifecycle.Draft{
		ID:           "req-1",
		Title:        "Export orders",
		CreatedBy:    "alice",
		ReviewLevels: levels,
		Reviewers:    [2]string{"rev1", "rev2"},
	}, []string{"Prototype design", "UI design", "Backend development", "Testing", "Product acceptance"}, newID, now)
}

func TestNewRequirementFromTemplates(t *testing.T) {
	r := newRequirement(t, lifecycle.Coordinator{}, 2)
	require.Len(t, r.Subtasks, 5)
	assert.Equal(t, domain.PhaseUI, r.Subtasks[1].Phase)
	assert.Equal(t, domain.StatusAwaitingPrototype, r.AggregateStatus)
	assert.Equal(t, domain.OverallPending, r.OverallReview)
	assert.Equal(t, domain.KindFeature, r.Kind)
	require.NotNil(t, r.ReviewLevel2)
	assert.Equal(t, "rev2", r.ReviewLevel2.Reviewer())

	single := newRequirement(t, lifecycle.Coordinator{}, 1)
	assert.Nil(t, single.ReviewLevel2)
}

func TestApplySubtaskEditRecomputes(t *testing.T) {
	c := lifecycle.Coordinator{}
	r := newRequirement(t, c, 2)

	r2, err := c.ApplySubtaskEdit(r, "st-1", lifecycle.SubtaskEdit{Field: lifecycle.FieldStatus, Value: "in-progress"}, now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPrototypeInProgress, r2.AggregateStatus)
	assert.Equal(t, domain.SubtaskNotStarted, r.Subtasks[0].Status, "original snapshot untouched")

	r3, err := c.ApplySubtaskEdit(r2, "st-1", lifecycle.SubtaskEdit{Field: lifecycle.FieldEstimatedEnd, Value: "2024-04-25T18:00:00Z"}, now)
	require.NoError(t, err)
	assert.Equal(t, domain.DelayLate, r3.Subtasks[0].DelayStatus)

	r4, err := c.ApplySubtaskEdit(r3, "st-1", lifecycle.SubtaskEdit{Field: lifecycle.FieldName, Value: "Testing the prototype"}, now)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseTesting, r4.Subtasks[0].Phase, "phase follows the name")
	assert.Equal(t, domain.StatusTestingInProgress, r4.AggregateStatus)

	_, err = c.ApplySubtaskEdit(r, "missing", lifecycle.SubtaskEdit{Field: lifecycle.FieldStatus, Value: "completed"}, now)
	assert.ErrorIs(t, err, lifecycle.ErrSubtaskNotFound)

	_, err = c.ApplySubtaskEdit(r, "st-1", lifecycle.SubtaskEdit{Field: lifecycle.FieldStatus, Value: "done"}, now)
	var invalid lifecycle.InvalidValueError
	assert.ErrorAs(t, err, &invalid)

	_, err = c.ApplySubtaskEdit(r, "st-1", lifecycle.SubtaskEdit{Field: lifecycle.FieldActualEnd, Value: "yesterday"}, now)
	assert.ErrorAs(t, err, &invalid)

	_, err = c.ApplySubtaskEdit(r, "st-1", lifecycle.SubtaskEdit{Field: "color", Value: "red"}, now)
	assert.ErrorIs(t, err, lifecycle.ErrUnknownField)
}

func TestAddAndDeleteSubtask(t *testing.T) {
	c := lifecycle.Coordinator{}
	r := newRequirement(t, c, 2)
	for _, s := range r.Subtasks[:3] {
		var err error
		r, err = c.ApplySubtaskEdit(r, s.ID, lifecycle.SubtaskEdit{Field: lifecycle.FieldStatus, Value: "completed"}, now)
		require.NoError(t, err)
	}
	assert.Equal(t, domain.StatusAwaitingTesting, r.AggregateStatus)

	r, err := c.DeleteSubtask(r, "st-4", now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingAcceptance, r.AggregateStatus)

	r, err = c.AddSubtask(r, domain.Subtask{ID: "adhoc", Name: "Regression testing", Status: domain.SubtaskInProgress}, now)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseTesting, r.Subtasks[len(r.Subtasks)-1].Phase)
	assert.Equal(t, domain.StatusTestingInProgress, r.AggregateStatus)

	_, err = c.AddSubtask(r, domain.Subtask{ID: "adhoc", Name: "dup"}, now)
	assert.ErrorIs(t, err, lifecycle.ErrDuplicateID)
	_, err = c.AddSubtask(r, domain.Subtask{ID: "blank", Name: "  "}, now)
	assert.Error(t, err)
	_, err = c.DeleteSubtask(r, "st-4", now)
	assert.ErrorIs(t, err, lifecycle.ErrSubtaskNotFound)
}

func TestReviewEditsAndVersionGate(t *testing.T) {
	c := lifecycle.Coordinator{}
	r := newRequirement(t, c, 2)

	_, ok := c.AssignVersion(r, "v1.2.0", now)
	assert.False(t, ok, "pending gate refuses version")

	r, err := c.ApplyReviewEdit(r, 1, lifecycle.ReviewEdit{Field: lifecycle.ReviewFieldStatus, Value: "approved"}, now)
	require.NoError(t, err)
	assert.Equal(t, domain.OverallAwaitingLevel2, r.OverallReview)
	assert.False(t, lifecycle.CanAssignVersion(r))
	require.NotNil(t, r.ReviewLevel1.ReviewedAt)
	assert.True(t, r.ReviewLevel1.ReviewedAt.Equal(now))

	r, err = c.ApplyReviewEdit(r, 2, lifecycle.ReviewEdit{Field: lifecycle.ReviewFieldStatus, Value: "approved"}, now)
	require.NoError(t, err)
	assert.Equal(t, domain.OverallApproved, r.OverallReview)

	r, ok = c.AssignVersion(r, "v1.2.0", now)
	require.True(t, ok)
	require.NotNil(t, r.PlannedVersion)
	assert.Equal(t, "v1.2.0", *r.PlannedVersion)

	r, err = c.ApplyReviewEdit(r, 2, lifecycle.ReviewEdit{Field: lifecycle.ReviewFieldStatus, Value: "rejected"}, now)
	require.NoError(t, err)
	assert.Equal(t, domain.OverallRejected, r.OverallReview)
	assert.Nil(t, r.PlannedVersion, "closing the gate drops the planned version")

	r, err = c.ApplyReviewEdit(r, 2, lifecycle.ReviewEdit{Field: lifecycle.ReviewFieldOpinion, Value: "needs export limits"}, now)
	require.NoError(t, err)
	assert.Equal(t, "needs export limits", r.ReviewLevel2.Opinion)

	r, err = c.ApplyReviewEdit(r, 2, lifecycle.ReviewEdit{Field: lifecycle.ReviewFieldStatus, Value: "pending"}, now)
	require.NoError(t, err)
	assert.Nil(t, r.ReviewLevel2.ReviewedAt)

	single := newRequirement(t, c, 1)
	_, err = c.ApplyReviewEdit(single, 2, lifecycle.ReviewEdit{Field: lifecycle.ReviewFieldStatus, Value: "approved"}, now)
	assert.ErrorIs(t, err, lifecycle.ErrLevelNotFound)
	single, err = c.ApplyReviewEdit(single, 1, lifecycle.ReviewEdit{Field: lifecycle.ReviewFieldStatus, Value: "approved"}, now)
	require.NoError(t, err)
	assert.True(t, lifecycle.CanAssignVersion(single))
}

func TestCanEditLevel(t *testing.T) {
	rev := "rev1"
	assert.True(t, lifecycle.CanEditLevel(domain.ReviewLevel{Level: 1, ReviewerID: &rev}, "rev1"))
	assert.False(t, lifecycle.CanEditLevel(domain.ReviewLevel{Level: 1, ReviewerID: &rev}, "mallory"))
	assert.False(t, lifecycle.CanEditLevel(domain.ReviewLevel{Level: 1}, ""))
}

func TestRecomputeIsOrderIndependent(t *testing.T) {
	c := lifecycle.Coordinator{}
	base := newRequirement(t, c, 2)
	edits := []struct {
		id   string
		edit lifecycle.SubtaskEdit
	}{
		{"st-1", lifecycle.SubtaskEdit{Field: lifecycle.FieldStatus, Value: "completed"}},
		{"st-2", lifecycle.SubtaskEdit{Field: lifecycle.FieldStatus, Value: "completed"}},
		{"st-3", lifecycle.SubtaskEdit{Field: lifecycle.FieldStatus, Value: "in-progress"}},
		{"st-3", lifecycle.SubtaskEdit{Field: lifecycle.FieldEstimatedEnd, Value: "2024-04-25T18:00:00Z"}},
		{"st-4", lifecycle.SubtaskEdit{Field: lifecycle.FieldActualEnd, Value: "2024-04-20T10:00:00Z"}},
	}
	apply := func(order []int) domain.Requirement {
		r := base
		for _, i := range order {
			var err error
			r, err = c.ApplySubtaskEdit(r, edits[i].id, edits[i].edit, now)
			require.NoError(t, err)
		}
		r, err := c.ApplyReviewEdit(r, 1, lifecycle.ReviewEdit{Field: lifecycle.ReviewFieldStatus, Value: "approved"}, now)
		require.NoError(t, err)
		return r
	}
	forward := apply([]int{0, 1, 2, 3, 4})
	backward := apply([]int{4, 3, 2, 1, 0})
	assert.Equal(t, forward, backward)
	assert.Equal(t, domain.StatusDevelopmentInProgress, forward.AggregateStatus)
	assert.Equal(t, domain.OverallAwaitingLevel2, forward.OverallReview)
	assert.Equal(t, forward, c.Recompute(forward, now), "recompute is idempotent")
}
