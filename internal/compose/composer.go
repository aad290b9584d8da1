// Package compose turns a trigger request into an optimized, deduplicated
// worker set with an elected lead, a coordination strategy and a duration
// estimate. Compose is a pure function: identical input yields identical
// output.
package compose

import (
	"sort"
	"strconv"

	"crewline/internal/catalog"
	"crewline/internal/domain"
)

const (
	teamSizeStep      = 0.08
	teamSizeFloor     = 0.5
	largeChangeFiles  = 10
	largeChangeLines  = 500
	hugeChangeLines   = 1000
	mediumChangeLines = 100
)

// Compose builds the team for a trigger request.
func Compose(req domain.TriggerRequest) domain.TeamComposition {
	candidates := baseCandidates(req.Kind)
	for _, cap := range dedupStrings(req.Capabilities) {
		candidates = append(candidates, catalog.CandidateFor(cap))
	}

	workers := dedupCandidates(candidates)

	files := contextInt(req.Context, "files_changed")
	lines := contextInt(req.Context, "lines_changed")
	for i := range workers {
		workers[i].Responsibilities = catalog.Responsibilities(workers[i].Role, workers[i].Specialization)
		workers[i].WorkloadHours = workload(workers[i], files, lines)
		workers[i].Weight = catalog.Weight(workers[i].Role)
	}

	lead := electLead(workers)
	if lead >= 0 {
		workers[lead].Lead = true
	}

	return domain.TeamComposition{
		Workers:          workers,
		LeadIndex:        lead,
		Strategy:         strategyFor(len(workers)),
		SuccessCriteria:  catalog.SuccessCriteria(req.Kind),
		EstimatedMinutes: estimateMinutes(req.Kind, len(workers), lines),
	}
}

func baseCandidates(kind domain.TriggerKind) []catalog.Candidate {
	roles := catalog.BaseTeam(kind)
	out := make([]catalog.Candidate, 0, len(roles))
	for _, r := range roles {
		out = append(out, catalog.Candidate{Role: r, Priority: domain.PriorityMedium})
	}
	return out
}

// dedupCandidates keeps, per role, at most one specialization-less worker
// (the highest-priority one) plus one worker per distinct specialization.
// Output order is deterministic: first-encountered role order, generic
// worker first, then specializations in first-encountered order.
func dedupCandidates(candidates []catalog.Candidate) []domain.Worker {
	type roleGroup struct {
		generic   *catalog.Candidate
		specs     map[string]catalog.Candidate
		specOrder []string
	}
	groups := map[domain.Role]*roleGroup{}
	var roleOrder []domain.Role

	for _, c := range candidates {
		g, ok := groups[c.Role]
		if !ok {
			g = &roleGroup{specs: map[string]catalog.Candidate{}}
			groups[c.Role] = g
			roleOrder = append(roleOrder, c.Role)
		}
		if c.Specialization == "" {
			if g.generic == nil || priorityRank(c.Priority) > priorityRank(g.generic.Priority) {
				cc := c
				g.generic = &cc
			}
			continue
		}
		if existing, ok := g.specs[c.Specialization]; !ok || priorityRank(c.Priority) > priorityRank(existing.Priority) {
			if !ok {
				g.specOrder = append(g.specOrder, c.Specialization)
			}
			g.specs[c.Specialization] = c
		}
	}

	var workers []domain.Worker
	for _, role := range roleOrder {
		g := groups[role]
		if g.generic != nil {
			workers = append(workers, domain.Worker{
				Role:     g.generic.Role,
				Priority: g.generic.Priority,
			})
		}
		for _, spec := range g.specOrder {
			c := g.specs[spec]
			workers = append(workers, domain.Worker{
				Role:           c.Role,
				Specialization: c.Specialization,
				Priority:       c.Priority,
			})
		}
	}
	return workers
}

func priorityRank(p domain.Priority) int {
	switch p {
	case domain.PriorityHigh:
		return 3
	case domain.PriorityMedium:
		return 2
	default:
		return 1
	}
}

func workload(w domain.Worker, filesChanged, linesChanged int) float64 {
	h := catalog.WorkloadBase(w.Role) * catalog.PriorityMultiplier(w.Priority)
	if filesChanged > largeChangeFiles {
		h *= 1.3
	}
	if linesChanged > largeChangeLines {
		h *= 1.5
	}
	return h
}

// electLead picks the worker with the highest coordination weight; ties go
// to the first-encountered worker, which is deterministic given dedup order.
func electLead(workers []domain.Worker) int {
	lead := -1
	best := -1
	for i, w := range workers {
		if w.Weight > best {
			best = w.Weight
			lead = i
		}
	}
	return lead
}

func strategyFor(workerCount int) domain.Strategy {
	switch {
	case workerCount <= 2:
		return domain.StrategyDirect
	case workerCount <= 4:
		return domain.StrategyHubAndSpoke
	default:
		return domain.StrategyHierarchical
	}
}

func estimateMinutes(kind domain.TriggerKind, workerCount, linesChanged int) int {
	est := float64(catalog.BaseDurationMinutes(kind))
	if workerCount > 1 {
		factor := 1.0 - teamSizeStep*float64(workerCount-1)
		if factor < teamSizeFloor {
			factor = teamSizeFloor
		}
		est *= factor
	}
	switch {
	case linesChanged > hugeChangeLines:
		est *= 1.5
	case linesChanged > largeChangeLines:
		est *= 1.3
	case linesChanged > mediumChangeLines:
		est *= 1.1
	}
	return int(est)
}

func dedupStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func contextInt(ctx map[string]string, key string) int {
	if ctx == nil {
		return 0
	}
	n, err := strconv.Atoi(ctx[key])
	if err != nil {
		return 0
	}
	return n
}

// Roles returns the distinct roles in a composition, sorted for display.
func Roles(c domain.TeamComposition) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range c.Workers {
		if !seen[string(w.Role)] {
			seen[string(w.Role)] = true
			out = append(out, string(w.Role))
		}
	}
	sort.Strings(out)
	return out
}
