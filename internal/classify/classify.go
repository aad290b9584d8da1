// Package classify decides whether a validated event is significant and,
// if so, derives the trigger request the composer consumes. It is a pure
// function over the event payload: simple keyword and size thresholds, no
// I/O, no clock.
package classify

import (
	"encoding/json"
	"strconv"
	"strings"

	"crewline/internal/domain"
	"crewline/internal/webhook"
)

const (
	significantCommitCount = 3
	significantLineDelta   = 200
)

var capabilityKeywords = map[string]string{
	"sql":         "database",
	"schema":      "database",
	"migration":   "migration",
	"api":         "api",
	"endpoint":    "api",
	"ui":          "ui",
	"css":         "ui",
	"frontend":    "ui",
	"security":    "security_audit",
	"auth":        "security_audit",
	"secret":      "secrets",
	"token":       "secrets",
	"deploy":      "deployment",
	"docker":      "infrastructure",
	"terraform":   "infrastructure",
	"pipeline":    "ci",
	"workflow":    "ci",
	"performance": "performance",
	"slow":        "performance",
	"test":        "testing",
	"flaky":       "testing",
	"docs":        "docs",
	"readme":      "docs",
	"monitor":     "observability",
	"alert":       "alerting",
}

type repository struct {
	FullName string `json:"full_name"`
}

type pushPayload struct {
	Repository repository `json:"repository"`
	Forced     bool       `json:"forced"`
	Commits    []struct {
		Message  string   `json:"message"`
		Added    []string `json:"added"`
		Removed  []string `json:"removed"`
		Modified []string `json:"modified"`
	} `json:"commits"`
}

type pullRequestPayload struct {
	Action      string     `json:"action"`
	Repository  repository `json:"repository"`
	PullRequest struct {
		Title        string `json:"title"`
		Body         string `json:"body"`
		ChangedFiles int    `json:"changed_files"`
		Additions    int    `json:"additions"`
		Deletions    int    `json:"deletions"`
	} `json:"pull_request"`
}

type issuesPayload struct {
	Action     string     `json:"action"`
	Repository repository `json:"repository"`
	Issue      struct {
		Title  string `json:"title"`
		Body   string `json:"body"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"issue"`
}

type releasePayload struct {
	Action     string     `json:"action"`
	Repository repository `json:"repository"`
	Release    struct {
		TagName string `json:"tag_name"`
	} `json:"release"`
}

// Classify maps a validated event to a trigger request. The second return
// is false when the event is not significant enough to spend a unit on.
func Classify(evt webhook.ValidatedEvent) (domain.TriggerRequest, bool) {
	switch evt.Kind {
	case "push":
		return classifyPush(evt.Payload)
	case "pull_request":
		return classifyPullRequest(evt.Payload)
	case "issues":
		return classifyIssue(evt.Payload)
	case "release":
		return classifyRelease(evt.Payload)
	default:
		return domain.TriggerRequest{}, false
	}
}

func classifyPush(payload json.RawMessage) (domain.TriggerRequest, bool) {
	var p pushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.TriggerRequest{}, false
	}
	files := 0
	var text strings.Builder
	for _, c := range p.Commits {
		files += len(c.Added) + len(c.Removed) + len(c.Modified)
		text.WriteString(c.Message)
		text.WriteString("\n")
	}
	if !p.Forced && len(p.Commits) < significantCommitCount && files <= 5 {
		return domain.TriggerRequest{}, false
	}
	return domain.TriggerRequest{
		Repository: p.Repository.FullName,
		Kind:       domain.TriggerSignificantPush,
		Context: map[string]string{
			"commits":       strconv.Itoa(len(p.Commits)),
			"files_changed": strconv.Itoa(files),
		},
		Capabilities: capabilitiesFromText(text.String()),
	}, true
}

func classifyPullRequest(payload json.RawMessage) (domain.TriggerRequest, bool) {
	var p pullRequestPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.TriggerRequest{}, false
	}
	switch p.Action {
	case "opened", "reopened", "ready_for_review":
	default:
		return domain.TriggerRequest{}, false
	}
	lines := p.PullRequest.Additions + p.PullRequest.Deletions
	return domain.TriggerRequest{
		Repository: p.Repository.FullName,
		Kind:       domain.TriggerPullRequest,
		Context: map[string]string{
			"files_changed": strconv.Itoa(p.PullRequest.ChangedFiles),
			"lines_changed": strconv.Itoa(lines),
			"title":         p.PullRequest.Title,
		},
		Capabilities: capabilitiesFromText(p.PullRequest.Title + "\n" + p.PullRequest.Body),
	}, true
}

func classifyIssue(payload json.RawMessage) (domain.TriggerRequest, bool) {
	var p issuesPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.TriggerRequest{}, false
	}
	if p.Action != "opened" && p.Action != "labeled" {
		return domain.TriggerRequest{}, false
	}
	technical := false
	for _, l := range p.Issue.Labels {
		switch strings.ToLower(l.Name) {
		case "bug", "performance", "security", "technical":
			technical = true
		}
	}
	text := p.Issue.Title + "\n" + p.Issue.Body
	caps := capabilitiesFromText(text)
	if !technical && len(caps) == 0 {
		return domain.TriggerRequest{}, false
	}
	return domain.TriggerRequest{
		Repository: p.Repository.FullName,
		Kind:       domain.TriggerTechnicalIssue,
		Context: map[string]string{
			"title": p.Issue.Title,
		},
		Capabilities: caps,
	}, true
}

func classifyRelease(payload json.RawMessage) (domain.TriggerRequest, bool) {
	var p releasePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.TriggerRequest{}, false
	}
	if p.Action != "published" {
		return domain.TriggerRequest{}, false
	}
	return domain.TriggerRequest{
		Repository: p.Repository.FullName,
		Kind:       domain.TriggerReleaseDeployment,
		Context: map[string]string{
			"tag": p.Release.TagName,
		},
	}, true
}

// capabilitiesFromText scans free text for capability keywords. Output
// order follows first occurrence in the text, deduplicated.
func capabilitiesFromText(text string) []string {
	lowered := strings.ToLower(text)
	// earliest keyword position per capability, so output does not depend
	// on map iteration order
	earliest := map[string]int{}
	for keyword, capability := range capabilityKeywords {
		pos := strings.Index(lowered, keyword)
		if pos < 0 {
			continue
		}
		if cur, ok := earliest[capability]; !ok || pos < cur {
			earliest[capability] = pos
		}
	}
	type hit struct {
		cap string
		pos int
	}
	hits := make([]hit, 0, len(earliest))
	for capability, pos := range earliest {
		hits = append(hits, hit{cap: capability, pos: pos})
	}
	// deterministic: order by first occurrence, then name
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0; j-- {
			a, b := hits[j-1], hits[j]
			if b.pos < a.pos || (b.pos == a.pos && b.cap < a.cap) {
				hits[j-1], hits[j] = b, a
			}
		}
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.cap)
	}
	return out
}
