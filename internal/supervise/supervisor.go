// Package supervise runs one watch loop per active unit: a recurring
// progress poll against the coordination backend plus a one-shot timeout
// that reaps the unit when the horizon elapses.
package supervise

import (
	"context"
	"log"
	"time"

	"crewline/internal/coordinator"
	"crewline/internal/domain"
)

// Lifecycle is the registry surface the supervisor drives. Implemented by
// the engine so terminal transitions also persist and notify.
type Lifecycle interface {
	UpdateProgress(unitID string, snapshot domain.ProgressSnapshot)
	Complete(unitID string, outcome domain.Outcome) error
	Timeout(unitID, summary string) error
}

// Supervisor spawns and owns unit watch loops.
type Supervisor struct {
	Coordinator    coordinator.Coordinator
	Lifecycle      Lifecycle
	PollInterval   time.Duration
	Horizon        time.Duration
	RequestTimeout time.Duration
	Logger         *log.Logger
}

func (s *Supervisor) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Start launches the watch loop for one unit in its own goroutine.
func (s *Supervisor) Start(ctx context.Context, unitID, sessionID string) {
	go s.watch(ctx, unitID, sessionID)
}

// watch polls until the remote session reaches a terminal state or the
// timeout horizon elapses, whichever happens first. A transient poll error
// never transitions the unit; the next tick retries.
func (s *Supervisor) watch(ctx context.Context, unitID, sessionID string) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.Horizon)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			s.reap(ctx, unitID, sessionID)
			return
		case <-ticker.C:
			if s.poll(ctx, unitID, sessionID) {
				return
			}
		}
	}
}

// poll performs one status query. Returns true when the unit reached a
// terminal state and the loop should stop.
func (s *Supervisor) poll(ctx context.Context, unitID, sessionID string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, s.RequestTimeout)
	status, err := s.Coordinator.Status(reqCtx, sessionID)
	cancel()
	if err != nil {
		s.logger().Printf("supervise: poll unit %s: %v", unitID, err)
		return false
	}
	if status.Terminal() {
		outcome := domain.Outcome{
			Success: status.Succeeded(),
			Summary: "session " + status.State,
		}
		if err := s.Lifecycle.Complete(unitID, outcome); err != nil {
			// lost the race against the timeout; nothing more to do
			s.logger().Printf("supervise: complete unit %s: %v", unitID, err)
		}
		return true
	}
	s.Lifecycle.UpdateProgress(unitID, status.Snapshot())
	return false
}

// reap attempts a graceful remote completion with its own short bound,
// then forces the local terminal transition regardless of the remote
// result. Two independent steps: a hung or failing backend must never
// leave the unit stuck non-terminal.
func (s *Supervisor) reap(ctx context.Context, unitID, sessionID string) {
	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.RequestTimeout)
	err := s.Coordinator.Complete(graceCtx, sessionID, "timeout", "unit timed out before the session finished")
	cancel()
	if err != nil {
		s.logger().Printf("supervise: graceful complete unit %s: %v", unitID, err)
	}
	if err := s.Lifecycle.Timeout(unitID, "timeout horizon elapsed"); err != nil {
		s.logger().Printf("supervise: timeout unit %s: %v", unitID, err)
	}
}
