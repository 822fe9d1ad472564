package lifecycle

import "reqline/internal/domain"

type phaseStatuses struct {
	inProgress domain.AggregateStatus
	awaiting   domain.AggregateStatus
}

var phaseAggregates = map[domain.Phase]phaseStatuses{
	domain.PhasePrototype:   {inProgress: domain.StatusPrototypeInProgress, awaiting: domain.StatusAwaitingPrototype},
	domain.PhaseUI:          {inProgress: domain.StatusUIInProgress, awaiting: domain.StatusAwaitingUI},
	domain.PhaseDevelopment: {inProgress: domain.StatusDevelopmentInProgress, awaiting: domain.StatusAwaitingDevelopment},
	domain.PhaseTesting:     {inProgress: domain.StatusTestingInProgress, awaiting: domain.StatusAwaitingTesting},
	domain.PhaseAcceptance:  {inProgress: domain.StatusAcceptanceInProgress, awaiting: domain.StatusAwaitingAcceptance},
}

// phaseTally counts subtask statuses within one delivery phase.
type phaseTally struct {
	total      int
	inProgress int
	completed  int
	notStarted int
}

func (t phaseTally) fullyCompleted() bool { return t.total > 0 && t.completed == t.total }

func (t phaseTally) started() bool { return t.notStarted < t.total }

// DeriveStatus computes the aggregate requirement status from its subtasks.
// Subtask phases must already be classified.
func DeriveStatus(subtasks []domain.Subtask) domain.AggregateStatus {
	if len(subtasks) == 0 {
		return domain.StatusAwaitingPrototype
	}

	tallies := make(map[domain.Phase]*phaseTally, len(domain.DeliveryPhases))
	allCompleted := true
	anyInProgress, anyCompleted := false, false
	for _, s := range subtasks {
		switch s.Status {
		case domain.SubtaskInProgress:
			anyInProgress = true
		case domain.SubtaskCompleted:
			anyCompleted = true
		}
		if s.Status != domain.SubtaskCompleted {
			allCompleted = false
		}
		if _, ok := phaseAggregates[s.Phase]; !ok {
			continue
		}
		t := tallies[s.Phase]
		if t == nil {
			t = &phaseTally{}
			tallies[s.Phase] = t
		}
		t.total++
		switch s.Status {
		case domain.SubtaskInProgress:
			t.inProgress++
		case domain.SubtaskCompleted:
			t.completed++
		case domain.SubtaskNotStarted:
			t.notStarted++
		}
	}
	if allCompleted {
		return domain.StatusCompleted
	}

	// populated phases in delivery order; predecessors skip empty phases
	var populated []domain.Phase
	for _, p := range domain.DeliveryPhases {
		if tallies[p] != nil {
			populated = append(populated, p)
		}
	}
	for i := len(populated) - 1; i >= 0; i-- {
		phase := populated[i]
		t := tallies[phase]
		if t.inProgress > 0 {
			return phaseAggregates[phase].inProgress
		}
		if i == 0 {
			continue
		}
		if tallies[populated[i-1]].fullyCompleted() && !t.started() {
			return phaseAggregates[phase].awaiting
		}
	}

	if anyInProgress {
		for _, s := range subtasks {
			if s.Status != domain.SubtaskInProgress {
				continue
			}
			if st, ok := phaseAggregates[s.Phase]; ok {
				return st.inProgress
			}
		}
	}
	if anyInProgress || anyCompleted {
		// TODO: replace with a precise derivation once product settles
		// unusual phase combinations (paused or skipped phases).
		return domain.StatusDevelopmentInProgress
	}
	return domain.StatusAwaitingPrototype
}
