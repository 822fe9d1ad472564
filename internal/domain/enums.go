package domain

// Enum string values are also used verbatim as display labels and persisted
// as-is, so they must never be renamed.

type Phase string

const (
	PhasePrototype   Phase = "prototype"
	PhaseUI          Phase = "ui"
	PhaseDevelopment Phase = "development"
	PhaseTesting     Phase = "testing"
	PhaseAcceptance  Phase = "acceptance"
	PhaseOther       Phase = "other"
)

// DeliveryPhases lists the classified phases in delivery order.
var DeliveryPhases = []Phase{PhasePrototype, PhaseUI, PhaseDevelopment, PhaseTesting, PhaseAcceptance}

func (p Phase) Valid() bool {
	switch p {
	case PhasePrototype, PhaseUI, PhaseDevelopment, PhaseTesting, PhaseAcceptance, PhaseOther:
		return true
	}
	return false
}

type SubtaskStatus string

const (
	SubtaskNotStarted SubtaskStatus = "not-started"
	SubtaskInProgress SubtaskStatus = "in-progress"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskPaused     SubtaskStatus = "paused"
)

func (s SubtaskStatus) Valid() bool {
	switch s {
	case SubtaskNotStarted, SubtaskInProgress, SubtaskCompleted, SubtaskPaused:
		return true
	}
	return false
}

type AggregateStatus string

const (
	StatusAwaitingPrototype     AggregateStatus = "awaiting-prototype"
	StatusPrototypeInProgress   AggregateStatus = "prototype-in-progress"
	StatusAwaitingUI            AggregateStatus = "awaiting-ui"
	StatusUIInProgress          AggregateStatus = "ui-in-progress"
	StatusAwaitingDevelopment   AggregateStatus = "awaiting-development"
	StatusDevelopmentInProgress AggregateStatus = "development-in-progress"
	StatusAwaitingTesting       AggregateStatus = "awaiting-testing"
	StatusTestingInProgress     AggregateStatus = "testing-in-progress"
	StatusAwaitingAcceptance    AggregateStatus = "awaiting-acceptance"
	StatusAcceptanceInProgress  AggregateStatus = "acceptance-in-progress"
	StatusCompleted             AggregateStatus = "completed"
)

// AggregateStatuses lists every aggregate status in phase order.
var AggregateStatuses = []AggregateStatus{
	StatusAwaitingPrototype, StatusPrototypeInProgress,
	StatusAwaitingUI, StatusUIInProgress,
	StatusAwaitingDevelopment, StatusDevelopmentInProgress,
	StatusAwaitingTesting, StatusTestingInProgress,
	StatusAwaitingAcceptance, StatusAcceptanceInProgress,
	StatusCompleted,
}

func (s AggregateStatus) Valid() bool {
	for _, v := range AggregateStatuses {
		if v == s {
			return true
		}
	}
	return false
}

type DelayStatus string

const (
	DelayOnTime  DelayStatus = "on-time"
	DelayLate    DelayStatus = "late"
	DelayEarly   DelayStatus = "early"
	DelayUnknown DelayStatus = "unknown"
)

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewPending, ReviewApproved, ReviewRejected:
		return true
	}
	return false
}

type OverallReview string

const (
	OverallPending        OverallReview = "pending"
	OverallAwaitingLevel2 OverallReview = "awaiting-level-2"
	OverallApproved       OverallReview = "approved"
	OverallRejected       OverallReview = "rejected"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type RequirementKind string

const (
	KindFeature RequirementKind = "feature"
	KindBug     RequirementKind = "bug"
	KindChange  RequirementKind = "change"
)

func (k RequirementKind) Valid() bool {
	switch k {
	case KindFeature, KindBug, KindChange:
		return true
	}
	return false
}
