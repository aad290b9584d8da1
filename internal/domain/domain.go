package domain

// TriggerKind classifies why a coordination unit was requested.
type TriggerKind string

const (
	TriggerPullRequest       TriggerKind = "pull_request"
	TriggerSignificantPush   TriggerKind = "significant_push"
	TriggerTechnicalIssue    TriggerKind = "technical_issue"
	TriggerReleaseDeployment TriggerKind = "release_deployment"
	TriggerRepositorySetup   TriggerKind = "repository_setup"
	TriggerManual            TriggerKind = "manual"
)

// TriggerKinds lists every accepted trigger kind.
func TriggerKinds() []TriggerKind {
	return []TriggerKind{
		TriggerPullRequest,
		TriggerSignificantPush,
		TriggerTechnicalIssue,
		TriggerReleaseDeployment,
		TriggerRepositorySetup,
		TriggerManual,
	}
}

// ValidTriggerKind reports whether k is a known trigger kind.
func ValidTriggerKind(k TriggerKind) bool {
	for _, known := range TriggerKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Role is a worker's specialty area.
type Role string

const (
	RoleBackend       Role = "backend"
	RoleFrontend      Role = "frontend"
	RoleTesting       Role = "testing"
	RoleDevops        Role = "devops"
	RoleSecurity      Role = "security"
	RoleArchitecture  Role = "architecture"
	RoleDocumentation Role = "documentation"
	RoleMonitoring    Role = "monitoring"
)

// Priority orders candidate workers within a role.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Strategy is the coordination topology handed to the backend.
type Strategy string

const (
	StrategyDirect       Strategy = "direct"
	StrategyHubAndSpoke  Strategy = "hub_and_spoke"
	StrategyHierarchical Strategy = "hierarchical"
)

// UnitStatus is the lifecycle state of an active unit.
type UnitStatus string

const (
	UnitAdmitted    UnitStatus = "admitted"
	UnitRegistering UnitStatus = "registering"
	UnitActive      UnitStatus = "active"
	UnitCompleted   UnitStatus = "completed"
	UnitFailed      UnitStatus = "failed"
	UnitTimedOut    UnitStatus = "timed_out"
)

// Terminal reports whether s permits no further transitions.
func (s UnitStatus) Terminal() bool {
	return s == UnitCompleted || s == UnitFailed || s == UnitTimedOut
}

// TriggerRequest is the classifier's output: everything the composer needs
// to build a team. Immutable once handed to the composer.
type TriggerRequest struct {
	Repository   string            `json:"repository"`
	Kind         TriggerKind       `json:"kind" enum:"pull_request,significant_push,technical_issue,release_deployment,repository_setup,manual"`
	Context      map[string]string `json:"context,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

// Worker is one role assignment within a team.
type Worker struct {
	Role             Role     `json:"role" enum:"backend,frontend,testing,devops,security,architecture,documentation,monitoring"`
	Specialization   string   `json:"specialization,omitempty"`
	Priority         Priority `json:"priority" enum:"high,medium,low"`
	Responsibilities []string `json:"responsibilities"`
	WorkloadHours    float64  `json:"workload_hours"`
	Weight           int      `json:"weight"`
	Lead             bool     `json:"lead"`
}

// Name returns role or role/specialization for display and dedup keys.
func (w Worker) Name() string {
	if w.Specialization == "" {
		return string(w.Role)
	}
	return string(w.Role) + "/" + w.Specialization
}

// TeamComposition is the composer's deterministic output.
type TeamComposition struct {
	Workers          []Worker `json:"workers"`
	LeadIndex        int      `json:"lead_index"`
	Strategy         Strategy `json:"strategy" enum:"direct,hub_and_spoke,hierarchical"`
	SuccessCriteria  []string `json:"success_criteria"`
	EstimatedMinutes int      `json:"estimated_minutes"`
}

// Lead returns the elected lead worker.
func (c TeamComposition) Lead() Worker {
	if c.LeadIndex < 0 || c.LeadIndex >= len(c.Workers) {
		return Worker{}
	}
	return c.Workers[c.LeadIndex]
}

// ProgressSnapshot is the last state reported by the coordination backend.
type ProgressSnapshot struct {
	Phase          string   `json:"phase,omitempty"`
	Completion     int      `json:"completion"`
	CurrentTasks   []string `json:"current_tasks,omitempty"`
	CompletedTasks []string `json:"completed_tasks,omitempty"`
}

// ActiveUnit is one admitted instance of delegated work. Owned by the
// registry; mutated only under its lock.
type ActiveUnit struct {
	ID                 string           `json:"id"`
	Request            TriggerRequest   `json:"request"`
	Team               TeamComposition  `json:"team"`
	SessionID          string           `json:"session_id,omitempty"`
	Status             UnitStatus       `json:"status" enum:"admitted,registering,active,completed,failed,timed_out"`
	Progress           ProgressSnapshot `json:"progress"`
	RegistrationErrors []string         `json:"registration_errors,omitempty"`
	StartedAt          string           `json:"started_at" format:"date-time"`
}

// Outcome summarizes how a unit ended.
type Outcome struct {
	Success  bool   `json:"success"`
	Summary  string `json:"summary,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// HistoryRecord is an ActiveUnit frozen at its terminal status.
type HistoryRecord struct {
	UnitID          string      `json:"unit_id"`
	Repository      string      `json:"repository"`
	Kind            TriggerKind `json:"kind"`
	Status          UnitStatus  `json:"status"`
	WorkerCount     int         `json:"worker_count"`
	LeadRole        Role        `json:"lead_role"`
	Strategy        Strategy    `json:"strategy"`
	Outcome         Outcome     `json:"outcome"`
	StartedAt       string      `json:"started_at" format:"date-time"`
	CompletedAt     string      `json:"completed_at" format:"date-time"`
	DurationSeconds int64       `json:"duration_seconds"`
}

// Stats are the aggregator's monotonically increasing counters.
type Stats struct {
	Triggered          int64   `json:"triggered"`
	Completed          int64   `json:"completed"`
	Failed             int64   `json:"failed"`
	TimedOut           int64   `json:"timed_out"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

// Event is one audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Repository string `json:"repository,omitempty"`
	UnitID     string `json:"unit_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// UnitSummary is the redacted view of an active unit exposed by the
// diagnostics query. Never carries the external session reference.
type UnitSummary struct {
	ID          string           `json:"id"`
	Repository  string           `json:"repository"`
	Kind        TriggerKind      `json:"kind"`
	Status      UnitStatus       `json:"status"`
	Progress    ProgressSnapshot `json:"progress"`
	WorkerCount int              `json:"worker_count"`
	LeadRole    Role             `json:"lead_role"`
	StartedAt   string           `json:"started_at" format:"date-time"`
}

// Summarize produces the redacted view of u.
func (u ActiveUnit) Summarize() UnitSummary {
	return UnitSummary{
		ID:          u.ID,
		Repository:  u.Request.Repository,
		Kind:        u.Request.Kind,
		Status:      u.Status,
		Progress:    u.Progress,
		WorkerCount: len(u.Team.Workers),
		LeadRole:    u.Team.Lead().Role,
		StartedAt:   u.StartedAt,
	}
}
