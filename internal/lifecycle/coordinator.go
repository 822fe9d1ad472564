package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"reqline/internal/domain"
)

var (
	ErrSubtaskNotFound = errors.New("subtask not found")
	ErrLevelNotFound   = errors.New("review level not found")
	ErrUnknownField    = errors.New("unknown field")
	ErrDuplicateID     = errors.New("duplicate subtask id")
)

// InvalidValueError reports a value that cannot be stored in Field.
type InvalidValueError struct {
	Field string
	Value string
}

func (e InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value %q for %s", e.Value, e.Field)
}

type SubtaskField string

const (
	FieldName           SubtaskField = "name"
	FieldStatus         SubtaskField = "status"
	FieldExecutor       SubtaskField = "executor"
	FieldDepartment     SubtaskField = "department"
	FieldEstimatedStart SubtaskField = "estimated-start"
	FieldEstimatedEnd   SubtaskField = "estimated-end"
	FieldActualStart    SubtaskField = "actual-start"
	FieldActualEnd      SubtaskField = "actual-end"
)

// SubtaskEdit sets one subtask field. Timestamps are RFC3339; an empty value
// clears optional fields.
type SubtaskEdit struct {
	Field SubtaskField
	Value string
}

type ReviewField string

const (
	ReviewFieldStatus   ReviewField = "status"
	ReviewFieldOpinion  ReviewField = "opinion"
	ReviewFieldReviewer ReviewField = "reviewer"
)

type ReviewEdit struct {
	Field ReviewField
	Value string
}

// Draft carries the caller-supplied fields of a new requirement.
type Draft struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Kind        domain.RequirementKind
	Priority    domain.Priority
	CreatedBy   string
	// ReviewLevels is 1 or 2; anything else means 2.
	ReviewLevels int
	Reviewers    [2]string
}

// Coordinator applies single edits to a requirement snapshot and recomputes
// every derived field before returning. The zero value uses the default
// classifier.
type Coordinator struct {
	Classifier *Classifier
}

func NewCoordinator(c Classifier) Coordinator {
	return Coordinator{Classifier: &c}
}

func (c Coordinator) classify(name string) domain.Phase {
	if c.Classifier == nil {
		return Classify(name)
	}
	return c.Classifier.Classify(name)
}

// NewRequirement builds a requirement from d with one subtask per template
// name. newID supplies subtask identifiers.
func (c Coordinator) NewRequirement(d Draft, templates []string, newID func() string, now time.Time) domain.Requirement {
	r := domain.Requirement{
		ID:          d.ID,
		ProjectID:   d.ProjectID,
		Title:       d.Title,
		Description: d.Description,
		Kind:        d.Kind,
		Priority:    d.Priority,
		CreatedBy:   d.CreatedBy,
		ReviewLevel1: domain.ReviewLevel{
			Level:      1,
			ReviewerID: optional(d.Reviewers[0]),
			Status:     domain.ReviewPending,
		},
	}
	if r.Kind == "" {
		r.Kind = domain.KindFeature
	}
	if r.Priority == "" {
		r.Priority = domain.PriorityMedium
	}
	if d.ReviewLevels != 1 {
		r.ReviewLevel2 = &domain.ReviewLevel{
			Level:      2,
			ReviewerID: optional(d.Reviewers[1]),
			Status:     domain.ReviewPending,
		}
	}
	for _, name := range templates {
		r.Subtasks = append(r.Subtasks, domain.Subtask{
			ID:     newID(),
			Name:   name,
			Status: domain.SubtaskNotStarted,
		})
	}
	return c.Recompute(r, now)
}

// Recompute re-derives phases, metrics, aggregate status and overall review
// from the leaf fields of r.
func (c Coordinator) Recompute(r domain.Requirement, now time.Time) domain.Requirement {
	out := r.Clone()
	for i, s := range out.Subtasks {
		s.Phase = c.classify(s.Name)
		if s.Status == "" {
			s.Status = domain.SubtaskNotStarted
		}
		out.Subtasks[i] = RecomputeMetrics(s, now)
	}
	out.AggregateStatus = DeriveStatus(out.Subtasks)
	out.OverallReview = EvaluateOverall(out.Levels())
	if out.OverallReview != domain.OverallApproved {
		out.PlannedVersion = nil
	}
	return out
}

func (c Coordinator) ApplySubtaskEdit(r domain.Requirement, subtaskID string, edit SubtaskEdit, now time.Time) (domain.Requirement, error) {
	out := r.Clone()
	idx := subtaskIndex(out.Subtasks, subtaskID)
	if idx < 0 {
		return r, ErrSubtaskNotFound
	}
	s := &out.Subtasks[idx]
	switch edit.Field {
	case FieldName:
		name := strings.TrimSpace(edit.Value)
		if name == "" {
			return r, InvalidValueError{Field: string(edit.Field), Value: edit.Value}
		}
		s.Name = name
	case FieldStatus:
		st := domain.SubtaskStatus(edit.Value)
		if !st.Valid() {
			return r, InvalidValueError{Field: string(edit.Field), Value: edit.Value}
		}
		s.Status = st
	case FieldExecutor:
		s.ExecutorID = optional(edit.Value)
	case FieldDepartment:
		s.DepartmentID = optional(edit.Value)
	case FieldEstimatedStart, FieldEstimatedEnd, FieldActualStart, FieldActualEnd:
		ts, err := parseTimestamp(edit)
		if err != nil {
			return r, err
		}
		switch edit.Field {
		case FieldEstimatedStart:
			s.EstimatedStart = ts
		case FieldEstimatedEnd:
			s.EstimatedEnd = ts
		case FieldActualStart:
			s.ActualStart = ts
		case FieldActualEnd:
			s.ActualEnd = ts
		}
	default:
		return r, fmt.Errorf("%w: subtask %s", ErrUnknownField, edit.Field)
	}
	return c.Recompute(out, now), nil
}

func (c Coordinator) ApplyReviewEdit(r domain.Requirement, level int, edit ReviewEdit, now time.Time) (domain.Requirement, error) {
	out := r.Clone()
	l := out.Level(level)
	if l == nil {
		return r, ErrLevelNotFound
	}
	switch edit.Field {
	case ReviewFieldStatus:
		st := domain.ReviewStatus(edit.Value)
		if !st.Valid() {
			return r, InvalidValueError{Field: string(edit.Field), Value: edit.Value}
		}
		if st != l.Status {
			l.Status = st
			if st == domain.ReviewPending {
				l.ReviewedAt = nil
			} else {
				ts := now
				l.ReviewedAt = &ts
			}
		}
	case ReviewFieldOpinion:
		l.Opinion = edit.Value
	case ReviewFieldReviewer:
		l.ReviewerID = optional(edit.Value)
	default:
		return r, fmt.Errorf("%w: review %s", ErrUnknownField, edit.Field)
	}
	return c.Recompute(out, now), nil
}

// AddSubtask appends s and recomputes. Status defaults to not-started.
func (c Coordinator) AddSubtask(r domain.Requirement, s domain.Subtask, now time.Time) (domain.Requirement, error) {
	if strings.TrimSpace(s.Name) == "" {
		return r, InvalidValueError{Field: string(FieldName), Value: s.Name}
	}
	if s.Status != "" && !s.Status.Valid() {
		return r, InvalidValueError{Field: string(FieldStatus), Value: string(s.Status)}
	}
	if subtaskIndex(r.Subtasks, s.ID) >= 0 {
		return r, ErrDuplicateID
	}
	out := r.Clone()
	out.Subtasks = append(out.Subtasks, s.Clone())
	return c.Recompute(out, now), nil
}

func (c Coordinator) DeleteSubtask(r domain.Requirement, subtaskID string, now time.Time) (domain.Requirement, error) {
	idx := subtaskIndex(r.Subtasks, subtaskID)
	if idx < 0 {
		return r, ErrSubtaskNotFound
	}
	out := r.Clone()
	out.Subtasks = append(out.Subtasks[:idx], out.Subtasks[idx+1:]...)
	return c.Recompute(out, now), nil
}

// AssignVersion binds version to r when the review gate is approved. A
// refused assignment returns r unchanged and false.
func (c Coordinator) AssignVersion(r domain.Requirement, version string, now time.Time) (domain.Requirement, bool) {
	out := c.Recompute(r, now)
	if !CanAssignVersion(out) {
		return r, false
	}
	out.PlannedVersion = optional(version)
	return out, true
}

func subtaskIndex(subtasks []domain.Subtask, id string) int {
	for i, s := range subtasks {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func parseTimestamp(edit SubtaskEdit) (*time.Time, error) {
	v := strings.TrimSpace(edit.Value)
	if v == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, InvalidValueError{Field: string(edit.Field), Value: edit.Value}
	}
	return &ts, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
