// Package catalog holds the static knowledge of which worker role and
// specialization combinations satisfy which capability, plus per-role
// responsibilities, workloads and coordination weights.
package catalog

import "crewline/internal/domain"

// Candidate is one capability-derived worker proposal before dedup.
type Candidate struct {
	Role           domain.Role
	Specialization string
	Priority       domain.Priority
}

// capabilityIndex maps a required capability to the worker that covers it.
var capabilityIndex = map[string]Candidate{
	"api":             {Role: domain.RoleBackend, Specialization: "api", Priority: domain.PriorityHigh},
	"database":        {Role: domain.RoleBackend, Specialization: "database", Priority: domain.PriorityHigh},
	"performance":     {Role: domain.RoleBackend, Specialization: "performance", Priority: domain.PriorityMedium},
	"ui":              {Role: domain.RoleFrontend, Priority: domain.PriorityHigh},
	"accessibility":   {Role: domain.RoleFrontend, Specialization: "accessibility", Priority: domain.PriorityMedium},
	"testing":         {Role: domain.RoleTesting, Priority: domain.PriorityHigh},
	"e2e":             {Role: domain.RoleTesting, Specialization: "e2e", Priority: domain.PriorityMedium},
	"infrastructure":  {Role: domain.RoleDevops, Priority: domain.PriorityHigh},
	"ci":              {Role: domain.RoleDevops, Specialization: "ci", Priority: domain.PriorityMedium},
	"deployment":      {Role: domain.RoleDevops, Specialization: "deployment", Priority: domain.PriorityHigh},
	"security_audit":  {Role: domain.RoleSecurity, Priority: domain.PriorityHigh},
	"secrets":         {Role: domain.RoleSecurity, Specialization: "secrets", Priority: domain.PriorityHigh},
	"architecture":    {Role: domain.RoleArchitecture, Priority: domain.PriorityHigh},
	"migration":       {Role: domain.RoleArchitecture, Specialization: "migration", Priority: domain.PriorityMedium},
	"docs":            {Role: domain.RoleDocumentation, Priority: domain.PriorityLow},
	"observability":   {Role: domain.RoleMonitoring, Priority: domain.PriorityMedium},
	"alerting":        {Role: domain.RoleMonitoring, Specialization: "alerting", Priority: domain.PriorityMedium},
}

// CandidateFor resolves a capability. Unknown capabilities fall back to a
// low-priority generic backend worker rather than being dropped.
func CandidateFor(capability string) Candidate {
	if c, ok := capabilityIndex[capability]; ok {
		return c
	}
	return Candidate{Role: domain.RoleBackend, Priority: domain.PriorityLow}
}

// baseTeams lists the default roles engaged per trigger kind before any
// capability-derived additions.
var baseTeams = map[domain.TriggerKind][]domain.Role{
	domain.TriggerPullRequest:       {domain.RoleBackend, domain.RoleFrontend, domain.RoleTesting},
	domain.TriggerSignificantPush:   {domain.RoleBackend, domain.RoleTesting},
	domain.TriggerTechnicalIssue:    {domain.RoleBackend, domain.RoleTesting},
	domain.TriggerReleaseDeployment: {domain.RoleDevops, domain.RoleTesting, domain.RoleMonitoring},
	domain.TriggerRepositorySetup:   {domain.RoleArchitecture, domain.RoleDevops, domain.RoleDocumentation},
	domain.TriggerManual:            {domain.RoleBackend},
}

// BaseTeam returns the default roles for a trigger kind.
func BaseTeam(kind domain.TriggerKind) []domain.Role {
	roles, ok := baseTeams[kind]
	if !ok {
		return []domain.Role{domain.RoleBackend}
	}
	out := make([]domain.Role, len(roles))
	copy(out, roles)
	return out
}

// roleResponsibilities are the default duties assigned per role.
var roleResponsibilities = map[domain.Role][]string{
	domain.RoleBackend:       {"implement server-side changes", "review data access paths"},
	domain.RoleFrontend:      {"implement client-side changes", "verify rendered output"},
	domain.RoleTesting:       {"extend test coverage", "run regression suite"},
	domain.RoleDevops:        {"prepare deployment", "verify pipeline health"},
	domain.RoleSecurity:      {"audit changed surfaces", "check dependency advisories"},
	domain.RoleArchitecture:  {"review structural impact", "guard module boundaries"},
	domain.RoleDocumentation: {"update affected docs"},
	domain.RoleMonitoring:    {"watch error budgets", "confirm dashboards"},
}

// specializationExtras are appended to the role defaults when a worker
// carries that specialization.
var specializationExtras = map[string][]string{
	"database":      {"review schema and query changes"},
	"api":           {"check endpoint contracts"},
	"performance":   {"profile hot paths"},
	"accessibility": {"run accessibility checks"},
	"e2e":           {"exercise end-to-end flows"},
	"ci":            {"keep pipeline green"},
	"deployment":    {"stage and roll out"},
	"secrets":       {"rotate and scope credentials"},
	"migration":     {"plan incremental migration"},
	"alerting":      {"tune alert thresholds"},
}

// Responsibilities returns role defaults plus specialization extras.
func Responsibilities(role domain.Role, specialization string) []string {
	base := roleResponsibilities[role]
	out := make([]string, 0, len(base)+2)
	out = append(out, base...)
	if specialization != "" {
		out = append(out, specializationExtras[specialization]...)
	}
	return out
}

// workloadBases are estimated base hours of work per role.
var workloadBases = map[domain.Role]float64{
	domain.RoleBackend:       8,
	domain.RoleFrontend:      6,
	domain.RoleTesting:       5,
	domain.RoleDevops:        4,
	domain.RoleSecurity:      6,
	domain.RoleArchitecture:  7,
	domain.RoleDocumentation: 3,
	domain.RoleMonitoring:    3,
}

// WorkloadBase returns the base workload hours for a role.
func WorkloadBase(role domain.Role) float64 {
	if h, ok := workloadBases[role]; ok {
		return h
	}
	return 4
}

// PriorityMultiplier scales workload by candidate priority.
func PriorityMultiplier(p domain.Priority) float64 {
	switch p {
	case domain.PriorityHigh:
		return 1.5
	case domain.PriorityLow:
		return 0.7
	default:
		return 1.0
	}
}

// coordinationWeights rank roles for lead election; architecture leads
// whenever present.
var coordinationWeights = map[domain.Role]int{
	domain.RoleArchitecture:  10,
	domain.RoleBackend:       8,
	domain.RoleDevops:        7,
	domain.RoleSecurity:      6,
	domain.RoleFrontend:      5,
	domain.RoleTesting:       4,
	domain.RoleMonitoring:    3,
	domain.RoleDocumentation: 2,
}

// Weight returns the coordination weight for a role.
func Weight(role domain.Role) int {
	return coordinationWeights[role]
}

// baseDurations are estimated completion minutes per trigger kind before
// team-size and changeset scaling.
var baseDurations = map[domain.TriggerKind]int{
	domain.TriggerPullRequest:       120,
	domain.TriggerSignificantPush:   180,
	domain.TriggerTechnicalIssue:    240,
	domain.TriggerReleaseDeployment: 360,
	domain.TriggerRepositorySetup:   480,
	domain.TriggerManual:            240,
}

// BaseDurationMinutes returns the per-kind base duration.
func BaseDurationMinutes(kind domain.TriggerKind) int {
	if m, ok := baseDurations[kind]; ok {
		return m
	}
	return 240
}

// successCriteria are the fixed completion checklists per trigger kind.
var successCriteria = map[domain.TriggerKind][]string{
	domain.TriggerPullRequest:       {"all review threads resolved", "tests pass", "no unaddressed security findings"},
	domain.TriggerSignificantPush:   {"build green on pushed ref", "regression suite passes"},
	domain.TriggerTechnicalIssue:    {"root cause identified", "fix verified", "issue closed with summary"},
	domain.TriggerReleaseDeployment: {"deployment healthy", "monitoring quiet for soak window", "rollback plan confirmed"},
	domain.TriggerRepositorySetup:   {"project scaffolding complete", "pipeline bootstrapped", "conventions documented"},
	domain.TriggerManual:            {"requested outcome confirmed by operator"},
}

// SuccessCriteria returns the completion checklist for a trigger kind.
func SuccessCriteria(kind domain.TriggerKind) []string {
	base := successCriteria[kind]
	out := make([]string, len(base))
	copy(out, base)
	return out
}
