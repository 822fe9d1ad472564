package domain

import "time"

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Requirement is a feature/bug/change request. AggregateStatus and
// OverallReview are derived and only ever written by the lifecycle package.
type Requirement struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Kind            RequirementKind `json:"kind" enum:"feature,bug,change"`
	Priority        Priority        `json:"priority" enum:"low,medium,high,urgent"`
	AggregateStatus AggregateStatus `json:"aggregate_status"`
	OverallReview   OverallReview   `json:"overall_review" enum:"pending,awaiting-level-2,approved,rejected"`
	PlannedVersion  *string         `json:"planned_version,omitempty"`
	Subtasks        []Subtask       `json:"subtasks"`
	ReviewLevel1    ReviewLevel     `json:"review_level_1"`
	ReviewLevel2    *ReviewLevel    `json:"review_level_2,omitempty"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
}

// Levels returns the configured review levels in level order.
func (r Requirement) Levels() []ReviewLevel {
	levels := []ReviewLevel{r.ReviewLevel1}
	if r.ReviewLevel2 != nil {
		levels = append(levels, *r.ReviewLevel2)
	}
	return levels
}

// Level returns a pointer into r for the given level number, or nil.
func (r *Requirement) Level(n int) *ReviewLevel {
	switch {
	case n == 1:
		return &r.ReviewLevel1
	case n == 2 && r.ReviewLevel2 != nil:
		return r.ReviewLevel2
	}
	return nil
}

// Clone returns a deep copy so that edits never alias the original snapshot.
func (r Requirement) Clone() Requirement {
	out := r
	out.PlannedVersion = cloneString(r.PlannedVersion)
	out.Subtasks = make([]Subtask, len(r.Subtasks))
	for i, s := range r.Subtasks {
		out.Subtasks[i] = s.Clone()
	}
	out.ReviewLevel1 = r.ReviewLevel1.Clone()
	if r.ReviewLevel2 != nil {
		l2 := r.ReviewLevel2.Clone()
		out.ReviewLevel2 = &l2
	}
	return out
}

type Subtask struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Phase             Phase         `json:"phase"`
	Status            SubtaskStatus `json:"status" enum:"not-started,in-progress,completed,paused"`
	ExecutorID        *string       `json:"executor_id,omitempty"`
	DepartmentID      *string       `json:"department_id,omitempty"`
	EstimatedStart    *time.Time    `json:"estimated_start,omitempty"`
	EstimatedEnd      *time.Time    `json:"estimated_end,omitempty"`
	ActualStart       *time.Time    `json:"actual_start,omitempty"`
	ActualEnd         *time.Time    `json:"actual_end,omitempty"`
	EstimatedDuration int           `json:"estimated_duration"`
	ActualDuration    int           `json:"actual_duration"`
	DelayStatus       DelayStatus   `json:"delay_status" enum:"on-time,late,early,unknown"`
}

func (s Subtask) Clone() Subtask {
	out := s
	out.ExecutorID = cloneString(s.ExecutorID)
	out.DepartmentID = cloneString(s.DepartmentID)
	out.EstimatedStart = cloneTime(s.EstimatedStart)
	out.EstimatedEnd = cloneTime(s.EstimatedEnd)
	out.ActualStart = cloneTime(s.ActualStart)
	out.ActualEnd = cloneTime(s.ActualEnd)
	return out
}

type ReviewLevel struct {
	Level      int          `json:"level"`
	ReviewerID *string      `json:"reviewer_id,omitempty"`
	Status     ReviewStatus `json:"status" enum:"pending,approved,rejected"`
	Opinion    string       `json:"opinion,omitempty"`
	ReviewedAt *time.Time   `json:"reviewed_at,omitempty"`
}

// Reviewer returns the assigned reviewer id, or "" when none is assigned.
func (l ReviewLevel) Reviewer() string {
	if l.ReviewerID == nil {
		return ""
	}
	return *l.ReviewerID
}

func (l ReviewLevel) Clone() ReviewLevel {
	out := l
	out.ReviewerID = cloneString(l.ReviewerID)
	out.ReviewedAt = cloneTime(l.ReviewedAt)
	return out
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
