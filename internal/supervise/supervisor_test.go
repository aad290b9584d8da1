package supervise

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"crewline/internal/coordinator"
	"crewline/internal/domain"
)

type fakeCoordinator struct {
	mu        sync.Mutex
	statuses  []coordinator.SessionStatus
	statusErr error
	polls     int
	completed []string
}

func (f *fakeCoordinator) Register(ctx context.Context, w coordinator.WorkerDescriptor) (coordinator.RegisterResult, error) {
	return coordinator.RegisterResult{OK: true, SystemID: "sys-1"}, nil
}

func (f *fakeCoordinator) StartSession(ctx context.Context, req coordinator.SessionRequest) (coordinator.SessionInfo, error) {
	return coordinator.SessionInfo{SessionID: "sess-1"}, nil
}

func (f *fakeCoordinator) Status(ctx context.Context, sessionID string) (coordinator.SessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		f.polls++
		return coordinator.SessionStatus{}, f.statusErr
	}
	i := f.polls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.polls++
	return f.statuses[i], nil
}

func (f *fakeCoordinator) Complete(ctx context.Context, sessionID, status, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, sessionID+":"+status)
	return nil
}

func (f *fakeCoordinator) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type fakeLifecycle struct {
	mu        sync.Mutex
	progress  []domain.ProgressSnapshot
	outcomes  []domain.Outcome
	timeouts  []string
	terminal  bool
	completed chan struct{}
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{completed: make(chan struct{}, 1)}
}

func (l *fakeLifecycle) UpdateProgress(unitID string, snapshot domain.ProgressSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = append(l.progress, snapshot)
}

func (l *fakeLifecycle) Complete(unitID string, outcome domain.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.terminal {
		return errors.New("unit already terminal")
	}
	l.terminal = true
	l.outcomes = append(l.outcomes, outcome)
	l.completed <- struct{}{}
	return nil
}

func (l *fakeLifecycle) Timeout(unitID, summary string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.terminal {
		return errors.New("unit already terminal")
	}
	l.terminal = true
	l.timeouts = append(l.timeouts, summary)
	l.completed <- struct{}{}
	return nil
}

func (l *fakeLifecycle) snapshot() (progress int, outcomes []domain.Outcome, timeouts []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.progress), append([]domain.Outcome(nil), l.outcomes...), append([]string(nil), l.timeouts...)
}

func newTestSupervisor(coord coordinator.Coordinator, lc Lifecycle, horizon time.Duration) *Supervisor {
	return &Supervisor{
		Coordinator:    coord,
		Lifecycle:      lc,
		PollInterval:   5 * time.Millisecond,
		Horizon:        horizon,
		RequestTimeout: 50 * time.Millisecond,
		Logger:         log.New(nullWriter{}, "", 0),
	}
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func waitTerminal(t *testing.T, lc *fakeLifecycle) {
	t.Helper()
	select {
	case <-lc.completed:
	case <-time.After(2 * time.Second):
		t.Fatalf("unit never reached a terminal state")
	}
}

func TestPollCompletesOnRemoteTerminal(t *testing.T) {
	coord := &fakeCoordinator{statuses: []coordinator.SessionStatus{
		{ID: "sess-1", State: "forming", Completion: 10},
		{ID: "sess-1", State: "active", Completion: 60},
		{ID: "sess-1", State: "completed", Completion: 100},
	}}
	lc := newFakeLifecycle()
	s := newTestSupervisor(coord, lc, time.Minute)
	s.Start(context.Background(), "unit-1", "sess-1")
	waitTerminal(t, lc)

	progress, outcomes, timeouts := lc.snapshot()
	if len(outcomes) != 1 || !outcomes[0].Success {
		t.Fatalf("expected one successful outcome, got %+v", outcomes)
	}
	if len(timeouts) != 0 {
		t.Fatalf("unexpected timeouts %v", timeouts)
	}
	if progress < 1 {
		t.Fatalf("expected progress snapshots before completion")
	}
}

func TestRemoteFailureCompletesUnsuccessfully(t *testing.T) {
	coord := &fakeCoordinator{statuses: []coordinator.SessionStatus{
		{ID: "sess-1", State: "failed"},
	}}
	lc := newFakeLifecycle()
	s := newTestSupervisor(coord, lc, time.Minute)
	s.Start(context.Background(), "unit-1", "sess-1")
	waitTerminal(t, lc)

	_, outcomes, _ := lc.snapshot()
	if len(outcomes) != 1 || outcomes[0].Success {
		t.Fatalf("expected one failed outcome, got %+v", outcomes)
	}
}

func TestTimeoutReapsAfterHorizon(t *testing.T) {
	coord := &fakeCoordinator{statuses: []coordinator.SessionStatus{
		{ID: "sess-1", State: "active", Completion: 40},
	}}
	lc := newFakeLifecycle()
	s := newTestSupervisor(coord, lc, 30*time.Millisecond)
	s.Start(context.Background(), "unit-1", "sess-1")
	waitTerminal(t, lc)

	_, outcomes, timeouts := lc.snapshot()
	if len(timeouts) != 1 {
		t.Fatalf("expected exactly one timeout, got %v", timeouts)
	}
	if len(outcomes) != 0 {
		t.Fatalf("unexpected completions %v", outcomes)
	}
	coord.mu.Lock()
	defer coord.mu.Unlock()
	if len(coord.completed) != 1 || coord.completed[0] != "sess-1:timeout" {
		t.Fatalf("expected graceful remote complete, got %v", coord.completed)
	}
}

func TestPollErrorsRetried(t *testing.T) {
	coord := &fakeCoordinator{statusErr: errors.New("backend down")}
	lc := newFakeLifecycle()
	s := newTestSupervisor(coord, lc, 60*time.Millisecond)
	s.Start(context.Background(), "unit-1", "sess-1")
	waitTerminal(t, lc)

	if coord.pollCount() < 2 {
		t.Fatalf("expected repeated poll attempts, got %d", coord.pollCount())
	}
	_, outcomes, timeouts := lc.snapshot()
	if len(outcomes) != 0 || len(timeouts) != 1 {
		t.Fatalf("expected timeout after persistent poll failures, got %+v %+v", outcomes, timeouts)
	}
}

func TestSessionNotFoundKeepsPolling(t *testing.T) {
	// a vanished session is treated as transient until the horizon reaps
	coord := &fakeCoordinator{statusErr: coordinator.ErrSessionNotFound}
	lc := newFakeLifecycle()
	s := newTestSupervisor(coord, lc, 40*time.Millisecond)
	s.Start(context.Background(), "unit-1", "sess-1")
	waitTerminal(t, lc)

	_, _, timeouts := lc.snapshot()
	if len(timeouts) != 1 {
		t.Fatalf("expected timeout, got %v", timeouts)
	}
}

func TestContextCancelStopsWatch(t *testing.T) {
	coord := &fakeCoordinator{statuses: []coordinator.SessionStatus{
		{ID: "sess-1", State: "active"},
	}}
	lc := newFakeLifecycle()
	s := newTestSupervisor(coord, lc, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx, "unit-1", "sess-1")
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	before := coord.pollCount()
	time.Sleep(30 * time.Millisecond)
	if coord.pollCount() != before {
		t.Fatalf("watch kept polling after cancel")
	}
}
