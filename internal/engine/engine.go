// Package engine ties the ingest, composition, registry, coordination and
// persistence layers together. Admission is synchronous and free of I/O;
// everything after admission runs in the unit's own setup goroutine and
// supervisor, and only ever surfaces as a terminal status.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"crewline/internal/classify"
	"crewline/internal/compose"
	"crewline/internal/config"
	"crewline/internal/coordinator"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/registry"
	"crewline/internal/repo"
	"crewline/internal/supervise"
	"crewline/internal/webhook"
)

// Classifier decides significance and derives the trigger request.
type Classifier func(webhook.ValidatedEvent) (domain.TriggerRequest, bool)

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Registry    *registry.Registry
	Validator   *webhook.Validator
	Classify    Classifier
	Coordinator coordinator.Coordinator
	Config      *config.Config
	Logger      *log.Logger
	Now         func() time.Time

	supervisor *supervise.Supervisor
	baseCtx    context.Context
}

// New wires an engine from its parts. coord performs the real delegated
// work; everything else is owned here.
func New(dbConn *sql.DB, cfg *config.Config, coord coordinator.Coordinator) *Engine {
	e := &Engine{
		DB:          dbConn,
		Repo:        repo.Repo{DB: dbConn},
		Events:      events.Writer{DB: dbConn},
		Registry:    registry.New(cfg.Scheduler.MaxConcurrentUnits),
		Validator:   webhook.New(cfg),
		Classify:    classify.Classify,
		Coordinator: coord,
		Config:      cfg,
		Now:         time.Now,
		baseCtx:     context.Background(),
	}
	e.supervisor = &supervise.Supervisor{
		Coordinator:    coord,
		Lifecycle:      e,
		PollInterval:   cfg.PollInterval(),
		Horizon:        cfg.UnitTimeout(),
		RequestTimeout: cfg.RequestTimeout(),
	}
	return e
}

func (e *Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// AdmissionResult is the immediate answer to an inbound delivery.
type AdmissionResult struct {
	Accepted  bool     `json:"accepted"`
	UnitID    string   `json:"unit_id,omitempty"`
	Kind      string   `json:"kind,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Duplicate bool     `json:"duplicate,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// HandleEvent runs the full ingest path: validate, dedup the delivery id,
// classify, admit. Validation and capacity failures surface synchronously;
// once a unit is admitted its fate is decoupled from this call.
func (e *Engine) HandleEvent(ctx context.Context, headers http.Header, body []byte) (AdmissionResult, error) {
	evt, err := e.Validator.Validate(headers, body)
	if err != nil {
		return AdmissionResult{}, err
	}

	seen, err := e.Repo.SeenDelivery(ctx, evt.DeliveryID)
	if err != nil {
		return AdmissionResult{}, err
	}
	if seen {
		return AdmissionResult{Accepted: false, Duplicate: true, Reason: "delivery already processed", Warnings: evt.Warnings}, nil
	}

	req, significant := e.Classify(evt)
	if !significant {
		if err := e.Repo.RecordDelivery(ctx, evt.DeliveryID, evt.Kind, evt.ReceivedAt.UTC().Format(time.RFC3339), ""); err != nil {
			e.logger().Printf("engine: record delivery %s: %v", evt.DeliveryID, err)
		}
		return AdmissionResult{Accepted: false, Reason: "event not significant", Warnings: evt.Warnings}, nil
	}

	unit, err := e.Trigger(ctx, req)
	if err != nil {
		return AdmissionResult{}, err
	}
	if err := e.Repo.RecordDelivery(ctx, evt.DeliveryID, evt.Kind, evt.ReceivedAt.UTC().Format(time.RFC3339), unit.ID); err != nil {
		e.logger().Printf("engine: record delivery %s: %v", evt.DeliveryID, err)
	}
	return AdmissionResult{Accepted: true, UnitID: unit.ID, Kind: string(req.Kind), Warnings: evt.Warnings}, nil
}

// Trigger composes a team for the request and admits a unit under the
// concurrency cap. Used by both the event path and the manual endpoint.
func (e *Engine) Trigger(ctx context.Context, req domain.TriggerRequest) (domain.ActiveUnit, error) {
	if req.Repository == "" {
		return domain.ActiveUnit{}, errors.New("repository is required")
	}
	if req.Kind == "" {
		req.Kind = domain.TriggerManual
	}
	if !domain.ValidTriggerKind(req.Kind) {
		return domain.ActiveUnit{}, fmt.Errorf("invalid trigger kind %q", req.Kind)
	}

	team := compose.Compose(req)
	unit, err := e.Registry.Admit(req, team)
	if err != nil {
		return domain.ActiveUnit{}, err
	}
	if err := e.Events.AppendDirect(ctx, "unit.admitted", req.Repository, unit.ID, events.EventPayload{
		"kind":     string(req.Kind),
		"workers":  len(team.Workers),
		"strategy": string(team.Strategy),
	}); err != nil {
		e.logger().Printf("engine: append unit.admitted: %v", err)
	}

	go e.setup(unit)
	return unit, nil
}

// setup registers the team with the backend, starts the session and hands
// the unit to its supervisor. Per-worker registration failures are
// recorded but non-fatal; only a failed session start terminalizes the
// unit here.
func (e *Engine) setup(unit domain.ActiveUnit) {
	ctx := e.baseCtx
	if err := e.Registry.BeginRegistration(unit.ID); err != nil {
		e.logger().Printf("engine: begin registration %s: %v", unit.ID, err)
		return
	}

	var leadID string
	for _, w := range unit.Team.Workers {
		regCtx, cancel := context.WithTimeout(ctx, e.Config.RegisterTimeout())
		res, err := e.Coordinator.Register(regCtx, coordinator.WorkerDescriptor{
			Role:             string(w.Role),
			Specialization:   w.Specialization,
			Responsibilities: w.Responsibilities,
			WorkloadHours:    w.WorkloadHours,
			Lead:             w.Lead,
		})
		cancel()
		if err != nil {
			e.Registry.RecordRegistrationFailure(unit.ID, w.Name(), err)
			if appendErr := e.Events.AppendDirect(ctx, "worker.registration.failed", unit.Request.Repository, unit.ID, events.EventPayload{
				"worker": w.Name(),
				"error":  err.Error(),
			}); appendErr != nil {
				e.logger().Printf("engine: append registration failure: %v", appendErr)
			}
			continue
		}
		if w.Lead {
			leadID = res.SystemID
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, e.Config.RequestTimeout())
	session, err := e.Coordinator.StartSession(startCtx, coordinator.SessionRequest{
		LeadID:           leadID,
		Capabilities:     unit.Request.Capabilities,
		Priority:         string(unit.Team.Lead().Priority),
		Strategy:         string(unit.Team.Strategy),
		EstimatedMinutes: unit.Team.EstimatedMinutes,
		Requirements:     unit.Team.SuccessCriteria,
	})
	cancel()
	if err != nil {
		e.logger().Printf("engine: start session for unit %s: %v", unit.ID, err)
		rec, failErr := e.Registry.Fail(unit.ID, domain.Outcome{Summary: "session start failed: " + err.Error()})
		if failErr == nil {
			e.recordTerminal(rec)
		}
		return
	}

	if err := e.Registry.Activate(unit.ID, session.SessionID); err != nil {
		e.logger().Printf("engine: activate unit %s: %v", unit.ID, err)
		return
	}
	if err := e.Events.AppendDirect(ctx, "unit.activated", unit.Request.Repository, unit.ID, events.EventPayload{
		"participants": len(session.ParticipatingSystems),
	}); err != nil {
		e.logger().Printf("engine: append unit.activated: %v", err)
	}
	e.supervisor.Start(ctx, unit.ID, session.SessionID)
}

// UpdateProgress implements supervise.Lifecycle.
func (e *Engine) UpdateProgress(unitID string, snapshot domain.ProgressSnapshot) {
	e.Registry.UpdateProgress(unitID, snapshot)
}

// Complete implements supervise.Lifecycle.
func (e *Engine) Complete(unitID string, outcome domain.Outcome) error {
	rec, err := e.Registry.Complete(unitID, outcome)
	if err != nil {
		return err
	}
	e.recordTerminal(rec)
	return nil
}

// Timeout implements supervise.Lifecycle.
func (e *Engine) Timeout(unitID, summary string) error {
	rec, err := e.Registry.Timeout(unitID, summary)
	if err != nil {
		return err
	}
	e.recordTerminal(rec)
	return nil
}

// recordTerminal persists the history record and its audit event in one
// transaction. Failures are logged, never propagated: local bookkeeping
// already freed the capacity slot.
func (e *Engine) recordTerminal(rec domain.HistoryRecord) {
	ctx := e.baseCtx
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.logger().Printf("engine: record terminal %s: %v", rec.UnitID, err)
		return
	}
	defer tx.Rollback()
	if err := e.Repo.InsertHistory(ctx, tx, rec); err != nil {
		e.logger().Printf("engine: insert history %s: %v", rec.UnitID, err)
		return
	}
	if err := e.Events.Append(ctx, tx, "unit."+string(rec.Status), rec.Repository, rec.UnitID, events.EventPayload{
		"success":          rec.Outcome.Success,
		"summary":          rec.Outcome.Summary,
		"duration_seconds": rec.DurationSeconds,
	}); err != nil {
		e.logger().Printf("engine: append terminal event %s: %v", rec.UnitID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.logger().Printf("engine: commit terminal %s: %v", rec.UnitID, err)
	}
}

// Stats returns the current counters plus the live active count.
func (e *Engine) Stats() (domain.Stats, int) {
	return e.Registry.Stats(), e.Registry.ActiveCount()
}

// Units returns redacted summaries of all active units.
func (e *Engine) Units() []domain.UnitSummary {
	return e.Registry.Units()
}

// Unit returns one tracked unit by id.
func (e *Engine) Unit(unitID string) (domain.ActiveUnit, error) {
	return e.Registry.Unit(unitID)
}

// History returns persisted terminal records, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]domain.HistoryRecord, error) {
	return e.Repo.ListHistory(ctx, limit)
}
