package registry

import "crewline/internal/domain"

// statsAggregator keeps monotonically increasing counters and a running
// mean of completion time. Updated exactly once per unit, at the moment it
// reaches a terminal state; never recomputed from history.
type statsAggregator struct {
	counts domain.Stats
	n      int64
}

func (s *statsAggregator) triggered() {
	s.counts.Triggered++
}

func (s *statsAggregator) finished(rec domain.HistoryRecord) {
	switch rec.Status {
	case domain.UnitCompleted:
		s.counts.Completed++
	case domain.UnitTimedOut:
		s.counts.TimedOut++
	default:
		s.counts.Failed++
	}
	s.n++
	// incremental mean: avg += (new - avg) / n
	s.counts.AvgDurationSeconds += (float64(rec.DurationSeconds) - s.counts.AvgDurationSeconds) / float64(s.n)
}

func (s *statsAggregator) snapshot() domain.Stats {
	return s.counts
}
