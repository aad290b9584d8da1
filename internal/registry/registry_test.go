package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"crewline/internal/domain"
)

func testRequest() domain.TriggerRequest {
	return domain.TriggerRequest{Repository: "acme/widgets", Kind: domain.TriggerManual}
}

func testTeam() domain.TeamComposition {
	return domain.TeamComposition{
		Workers:  []domain.Worker{{Role: domain.RoleBackend, Lead: true}},
		Strategy: domain.StrategyDirect,
	}
}

func mustAdmit(t *testing.T, r *Registry) domain.ActiveUnit {
	t.Helper()
	unit, err := r.Admit(testRequest(), testTeam())
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	return unit
}

func activate(t *testing.T, r *Registry, unitID string) {
	t.Helper()
	if err := r.BeginRegistration(unitID); err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if err := r.Activate(unitID, "sess-1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func TestConcurrentAdmissionRespectsCap(t *testing.T) {
	r := New(10)
	var wg sync.WaitGroup
	results := make(chan error, 12)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Admit(testRequest(), testTeam())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	admitted, rejected := 0, 0
	for err := range results {
		if err == nil {
			admitted++
			continue
		}
		var ce CapacityError
		if !errors.As(err, &ce) {
			t.Fatalf("unexpected error: %v", err)
		}
		if ce.Limit != 10 {
			t.Fatalf("capacity error limit %d", ce.Limit)
		}
		rejected++
	}
	if admitted != 10 || rejected != 2 {
		t.Fatalf("expected 10 admitted and 2 rejected, got %d/%d", admitted, rejected)
	}
	if r.ActiveCount() != 10 {
		t.Fatalf("active count %d", r.ActiveCount())
	}
}

func TestCompletionFreesSlot(t *testing.T) {
	r := New(1)
	unit := mustAdmit(t, r)
	activate(t, r, unit.ID)

	if _, err := r.Admit(testRequest(), testTeam()); err == nil {
		t.Fatalf("expected capacity rejection while unit active")
	}
	if _, err := r.Complete(unit.ID, domain.Outcome{Success: true}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := r.Admit(testRequest(), testTeam()); err != nil {
		t.Fatalf("expected admission after completion: %v", err)
	}
}

func TestAtMostOneTerminalTransition(t *testing.T) {
	r := New(5)
	unit := mustAdmit(t, r)
	activate(t, r, unit.ID)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := r.Complete(unit.ID, domain.Outcome{Success: true})
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := r.Timeout(unit.ID, "horizon elapsed")
		errs <- err
	}()
	wg.Wait()
	close(errs)

	winners, losers := 0, 0
	for err := range errs {
		if err == nil {
			winners++
		} else if errors.Is(err, ErrTerminal) {
			losers++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 || losers != 1 {
		t.Fatalf("expected exactly one winner, got %d winners %d losers", winners, losers)
	}
	if got := len(r.History()); got != 1 {
		t.Fatalf("expected one history record, got %d", got)
	}
}

func TestProgressAfterTerminalDropped(t *testing.T) {
	r := New(5)
	unit := mustAdmit(t, r)
	activate(t, r, unit.ID)
	if _, err := r.Timeout(unit.ID, "horizon elapsed"); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	// must not panic or resurrect the unit
	r.UpdateProgress(unit.ID, domain.ProgressSnapshot{Completion: 99})
	if _, err := r.Unit(unit.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after terminal, got %v", err)
	}
}

func TestCompleteRequiresActive(t *testing.T) {
	r := New(5)
	unit := mustAdmit(t, r)
	if _, err := r.Complete(unit.ID, domain.Outcome{Success: true}); err == nil {
		t.Fatalf("expected error completing an admitted unit")
	}
	// Fail works from any non-terminal state
	if _, err := r.Fail(unit.ID, domain.Outcome{Summary: "setup failed"}); err != nil {
		t.Fatalf("fail: %v", err)
	}
}

func TestTimeoutOutcomeClassification(t *testing.T) {
	r := New(5)
	r.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	unit := mustAdmit(t, r)
	activate(t, r, unit.ID)
	r.Now = func() time.Time { return time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC) }
	rec, err := r.Timeout(unit.ID, "horizon elapsed")
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if rec.Status != domain.UnitTimedOut || !rec.Outcome.TimedOut || rec.Outcome.Success {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.DurationSeconds != 3600 {
		t.Fatalf("expected 3600s duration, got %d", rec.DurationSeconds)
	}
}

func TestStatsAggregation(t *testing.T) {
	r := New(10)
	r.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	a := mustAdmit(t, r)
	b := mustAdmit(t, r)
	c := mustAdmit(t, r)
	activate(t, r, a.ID)
	activate(t, r, b.ID)
	activate(t, r, c.ID)

	r.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC) }
	if _, err := r.Complete(a.ID, domain.Outcome{Success: true}); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	r.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC) }
	if _, err := r.Complete(b.ID, domain.Outcome{Success: false}); err != nil {
		t.Fatalf("complete b: %v", err)
	}
	r.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 50, 0, time.UTC) }
	if _, err := r.Timeout(c.ID, "horizon elapsed"); err != nil {
		t.Fatalf("timeout c: %v", err)
	}

	stats := r.Stats()
	if stats.Triggered != 3 || stats.Completed != 1 || stats.Failed != 1 || stats.TimedOut != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	// durations 10, 30, 50 -> mean 30
	if stats.AvgDurationSeconds != 30 {
		t.Fatalf("expected avg 30, got %v", stats.AvgDurationSeconds)
	}
}

func TestBeginRegistrationIdempotent(t *testing.T) {
	r := New(5)
	unit := mustAdmit(t, r)
	if err := r.BeginRegistration(unit.ID); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := r.BeginRegistration(unit.ID); err != nil {
		t.Fatalf("second: %v", err)
	}
	got, err := r.Unit(unit.ID)
	if err != nil {
		t.Fatalf("unit: %v", err)
	}
	if got.Status != domain.UnitRegistering {
		t.Fatalf("expected registering, got %s", got.Status)
	}
}

func TestRegistrationFailuresRecorded(t *testing.T) {
	r := New(5)
	unit := mustAdmit(t, r)
	r.RecordRegistrationFailure(unit.ID, "frontend", errors.New("connection refused"))
	got, err := r.Unit(unit.ID)
	if err != nil {
		t.Fatalf("unit: %v", err)
	}
	if len(got.RegistrationErrors) != 1 {
		t.Fatalf("expected one registration error, got %+v", got.RegistrationErrors)
	}
}

func TestSummariesRedactSession(t *testing.T) {
	r := New(5)
	unit := mustAdmit(t, r)
	activate(t, r, unit.ID)
	for _, s := range r.Units() {
		if s.ID != unit.ID {
			continue
		}
		if s.Status != domain.UnitActive {
			t.Fatalf("expected active, got %s", s.Status)
		}
		return
	}
	t.Fatalf("unit missing from summaries")
}
