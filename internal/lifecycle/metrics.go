package lifecycle

import (
	"time"

	"reqline/internal/domain"
)

// DurationHours returns the absolute distance between start and end rounded
// up to whole hours. A missing endpoint yields 0.
func DurationHours(start, end *time.Time) int {
	if start == nil || end == nil {
		return 0
	}
	d := end.Sub(*start)
	if d < 0 {
		d = -d
	}
	hours := int(d / time.Hour)
	if d%time.Hour != 0 {
		hours++
	}
	return hours
}

// DelayOf classifies a subtask's schedule adherence as of now.
func DelayOf(s domain.Subtask, now time.Time) domain.DelayStatus {
	if s.EstimatedEnd == nil {
		return domain.DelayUnknown
	}
	est := *s.EstimatedEnd
	switch {
	case s.ActualEnd != nil:
		return compareEnds(*s.ActualEnd, est)
	case s.Status == domain.SubtaskCompleted:
		// completed without an actual end is judged as of now
		return compareEnds(now, est)
	case s.Status == domain.SubtaskInProgress && now.After(est):
		return domain.DelayLate
	}
	return domain.DelayUnknown
}

func compareEnds(actual, estimated time.Time) domain.DelayStatus {
	switch {
	case actual.After(estimated):
		return domain.DelayLate
	case actual.Before(estimated):
		return domain.DelayEarly
	}
	return domain.DelayOnTime
}

// RecomputeMetrics returns s with durations and delay status derived from its
// own timestamps and status.
func RecomputeMetrics(s domain.Subtask, now time.Time) domain.Subtask {
	out := s.Clone()
	out.EstimatedDuration = DurationHours(s.EstimatedStart, s.EstimatedEnd)
	out.ActualDuration = DurationHours(s.ActualStart, s.ActualEnd)
	out.DelayStatus = DelayOf(s, now)
	return out
}
