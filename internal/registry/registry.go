// Package registry is the concurrency-bounded core: it admits, tracks and
// reaps units of delegated work. All lifecycle transitions go through one
// mutex so the capacity invariant holds under concurrent admission.
package registry

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewline/internal/domain"
)

var (
	ErrNotFound = errors.New("unit not found")
	// ErrTerminal is returned when a transition loses the race against a
	// completed, failed or timed-out unit. Callers discard it silently.
	ErrTerminal = errors.New("unit already terminal")
)

// CapacityError rejects admission when the active set is full.
type CapacityError struct {
	Limit int
}

func (e CapacityError) Error() string {
	return fmt.Sprintf("active unit limit %d reached", e.Limit)
}

type entry struct {
	unit    *domain.ActiveUnit
	started time.Time
}

// Registry owns the active unit set, the in-memory history and the stats
// counters. Zero ordering is guaranteed between units; within a unit,
// transitions are strictly ordered and reach a terminal state exactly once.
type Registry struct {
	mu      sync.Mutex
	limit   int
	units   map[string]*entry
	history []domain.HistoryRecord
	stats   statsAggregator

	Now    func() time.Time
	Logger *log.Logger
}

// New builds a registry with the given concurrency cap.
func New(limit int) *Registry {
	return &Registry{
		limit: limit,
		units: make(map[string]*entry),
		Now:   time.Now,
	}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Registry) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// Admit performs the atomic check-and-insert: it rejects with
// CapacityError when the non-terminal unit count has reached the cap,
// otherwise allocates a unit id and inserts the unit at status admitted.
func (r *Registry) Admit(req domain.TriggerRequest, team domain.TeamComposition) (domain.ActiveUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.units) >= r.limit {
		return domain.ActiveUnit{}, CapacityError{Limit: r.limit}
	}
	now := r.now()
	u := &domain.ActiveUnit{
		ID:        uuid.New().String(),
		Request:   req,
		Team:      team,
		Status:    domain.UnitAdmitted,
		StartedAt: now.UTC().Format(time.RFC3339),
	}
	r.units[u.ID] = &entry{unit: u, started: now}
	r.stats.triggered()
	return *u, nil
}

// BeginRegistration moves an admitted unit to registering. It is a no-op
// when the unit is already past that state, which makes duplicate delivery
// processing idempotent.
func (r *Registry) BeginRegistration(unitID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.units[unitID]
	if !ok {
		return ErrNotFound
	}
	if e.unit.Status != domain.UnitAdmitted {
		return nil
	}
	e.unit.Status = domain.UnitRegistering
	return nil
}

// RecordRegistrationFailure notes a per-worker registration failure on the
// unit. Non-fatal: the unit proceeds with a partial team.
func (r *Registry) RecordRegistrationFailure(unitID, worker string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.units[unitID]
	if !ok || e.unit.Status.Terminal() {
		return
	}
	e.unit.RegistrationErrors = append(e.unit.RegistrationErrors, fmt.Sprintf("%s: %v", worker, cause))
}

// Activate attaches the external session reference and moves the unit to
// active. The caller starts the supervisor after this returns.
func (r *Registry) Activate(unitID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.units[unitID]
	if !ok {
		return ErrNotFound
	}
	switch e.unit.Status {
	case domain.UnitAdmitted, domain.UnitRegistering:
		e.unit.Status = domain.UnitActive
		e.unit.SessionID = sessionID
		return nil
	case domain.UnitActive:
		return nil
	default:
		return ErrTerminal
	}
}

// UpdateProgress records the latest poll snapshot. A snapshot arriving
// after the unit went terminal is ignored and logged; that guards against
// a late poll response racing a timeout.
func (r *Registry) UpdateProgress(unitID string, snapshot domain.ProgressSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.units[unitID]
	if !ok {
		r.logger().Printf("registry: progress for unknown unit %s dropped", unitID)
		return
	}
	if e.unit.Status != domain.UnitActive {
		r.logger().Printf("registry: progress for %s unit %s dropped", e.unit.Status, unitID)
		return
	}
	e.unit.Progress = snapshot
}

// Complete finishes an active unit with the reported outcome, records it
// to history and frees its capacity slot. Racing a timeout resolves to
// exactly one winner; the loser gets ErrTerminal.
func (r *Registry) Complete(unitID string, outcome domain.Outcome) (domain.HistoryRecord, error) {
	status := domain.UnitCompleted
	if !outcome.Success {
		status = domain.UnitFailed
	}
	return r.finish(unitID, status, outcome, false)
}

// Timeout reaps a unit whose horizon elapsed while still active. The
// outcome is always a timeout-classified failure regardless of what the
// remote graceful-complete call returned.
func (r *Registry) Timeout(unitID string, summary string) (domain.HistoryRecord, error) {
	outcome := domain.Outcome{Success: false, Summary: summary, TimedOut: true}
	return r.finish(unitID, domain.UnitTimedOut, outcome, false)
}

// Fail terminalizes a unit from any non-terminal state. Used when setup
// fails before the unit ever becomes active; local state must never stay
// stuck non-terminal because of a remote failure.
func (r *Registry) Fail(unitID string, outcome domain.Outcome) (domain.HistoryRecord, error) {
	outcome.Success = false
	return r.finish(unitID, domain.UnitFailed, outcome, true)
}

func (r *Registry) finish(unitID string, status domain.UnitStatus, outcome domain.Outcome, fromAnyState bool) (domain.HistoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.units[unitID]
	if !ok {
		return domain.HistoryRecord{}, ErrNotFound
	}
	if e.unit.Status.Terminal() {
		return domain.HistoryRecord{}, ErrTerminal
	}
	if !fromAnyState && e.unit.Status != domain.UnitActive {
		return domain.HistoryRecord{}, fmt.Errorf("unit %s is %s, not active", unitID, e.unit.Status)
	}
	now := r.now()
	e.unit.Status = status
	rec := domain.HistoryRecord{
		UnitID:          e.unit.ID,
		Repository:      e.unit.Request.Repository,
		Kind:            e.unit.Request.Kind,
		Status:          status,
		WorkerCount:     len(e.unit.Team.Workers),
		LeadRole:        e.unit.Team.Lead().Role,
		Strategy:        e.unit.Team.Strategy,
		Outcome:         outcome,
		StartedAt:       e.unit.StartedAt,
		CompletedAt:     now.UTC().Format(time.RFC3339),
		DurationSeconds: int64(now.Sub(e.started).Seconds()),
	}
	delete(r.units, unitID)
	r.history = append(r.history, rec)
	r.stats.finished(rec)
	return rec, nil
}

// ActiveCount returns the number of non-terminal units.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.units)
}

// Unit returns a copy of one tracked unit.
func (r *Registry) Unit(unitID string) (domain.ActiveUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.units[unitID]
	if !ok {
		return domain.ActiveUnit{}, ErrNotFound
	}
	return *e.unit, nil
}

// Units returns redacted summaries of all tracked units, ordered by start
// time then id for stable output.
func (r *Registry) Units() []domain.UnitSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.UnitSummary, 0, len(r.units))
	for _, e := range r.units {
		out = append(out, e.unit.Summarize())
	}
	sortSummaries(out)
	return out
}

func sortSummaries(s []domain.UnitSummary) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0; j-- {
			a, b := s[j-1], s[j]
			if b.StartedAt < a.StartedAt || (b.StartedAt == a.StartedAt && b.ID < a.ID) {
				s[j-1], s[j] = b, a
			} else {
				break
			}
		}
	}
}

// History returns a copy of the terminal records, oldest first.
func (r *Registry) History() []domain.HistoryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.HistoryRecord, len(r.history))
	copy(out, r.history)
	return out
}

// Stats returns the current counters.
func (r *Registry) Stats() domain.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.snapshot()
}
