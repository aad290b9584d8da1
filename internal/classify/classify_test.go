package classify

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"

	"crewline/internal/domain"
	"crewline/internal/webhook"
)

func event(kind string, payload string) webhook.ValidatedEvent {
	return webhook.ValidatedEvent{Kind: kind, DeliveryID: "d-1", Payload: json.RawMessage(payload)}
}

func TestSmallPushNotSignificant(t *testing.T) {
	evt := event("push", `{
		"repository":{"full_name":"acme/widgets"},
		"commits":[{"message":"fix typo","modified":["README.md"]}]
	}`)
	if _, ok := Classify(evt); ok {
		t.Fatalf("expected small push to be insignificant")
	}
}

func TestForcedPushSignificant(t *testing.T) {
	evt := event("push", `{
		"repository":{"full_name":"acme/widgets"},
		"forced":true,
		"commits":[{"message":"rewrite history","modified":["a.go"]}]
	}`)
	req, ok := Classify(evt)
	if !ok {
		t.Fatalf("expected forced push to trigger")
	}
	if req.Kind != domain.TriggerSignificantPush || req.Repository != "acme/widgets" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestManyCommitsSignificant(t *testing.T) {
	evt := event("push", `{
		"repository":{"full_name":"acme/widgets"},
		"commits":[
			{"message":"a","modified":["1.go"]},
			{"message":"b","modified":["2.go"]},
			{"message":"c","modified":["3.go"]}
		]
	}`)
	req, ok := Classify(evt)
	if !ok {
		t.Fatalf("expected 3-commit push to trigger")
	}
	if req.Context["commits"] != "3" || req.Context["files_changed"] != "3" {
		t.Fatalf("unexpected context %v", req.Context)
	}
}

func TestManyFilesSignificant(t *testing.T) {
	evt := event("push", `{
		"repository":{"full_name":"acme/widgets"},
		"commits":[{"message":"big","added":["a","b","c"],"modified":["d","e","f"]}]
	}`)
	if _, ok := Classify(evt); !ok {
		t.Fatalf("expected push touching 6 files to trigger")
	}
}

func TestPullRequestActions(t *testing.T) {
	template := `{
		"action":%q,
		"repository":{"full_name":"acme/widgets"},
		"pull_request":{"title":"Add endpoint","body":"","changed_files":4,"additions":80,"deletions":20}
	}`
	for _, action := range []string{"opened", "reopened", "ready_for_review"} {
		req, ok := Classify(event("pull_request", fmt.Sprintf(template, action)))
		if !ok {
			t.Fatalf("expected action %s to trigger", action)
		}
		if req.Kind != domain.TriggerPullRequest {
			t.Fatalf("unexpected kind %s", req.Kind)
		}
		if req.Context["lines_changed"] != "100" {
			t.Fatalf("unexpected lines_changed %s", req.Context["lines_changed"])
		}
	}
	for _, action := range []string{"closed", "synchronize", "edited"} {
		if _, ok := Classify(event("pull_request", fmt.Sprintf(template, action))); ok {
			t.Fatalf("expected action %s to be ignored", action)
		}
	}
}

func TestIssueRequiresTechnicalSignal(t *testing.T) {
	plain := event("issues", `{
		"action":"opened",
		"repository":{"full_name":"acme/widgets"},
		"issue":{"title":"Question about pricing","body":"how much?","labels":[]}
	}`)
	if _, ok := Classify(plain); ok {
		t.Fatalf("expected non-technical issue to be ignored")
	}

	labeled := event("issues", `{
		"action":"opened",
		"repository":{"full_name":"acme/widgets"},
		"issue":{"title":"Crash on save","body":"","labels":[{"name":"bug"}]}
	}`)
	req, ok := Classify(labeled)
	if !ok || req.Kind != domain.TriggerTechnicalIssue {
		t.Fatalf("expected bug-labeled issue to trigger, got %+v ok=%v", req, ok)
	}

	keyworded := event("issues", `{
		"action":"opened",
		"repository":{"full_name":"acme/widgets"},
		"issue":{"title":"Dashboard is slow","body":"page takes 10s","labels":[]}
	}`)
	req, ok = Classify(keyworded)
	if !ok {
		t.Fatalf("expected keyword-matched issue to trigger")
	}
	if !contains(req.Capabilities, "performance") {
		t.Fatalf("expected performance capability, got %v", req.Capabilities)
	}
}

func TestReleasePublishedOnly(t *testing.T) {
	published := event("release", `{
		"action":"published",
		"repository":{"full_name":"acme/widgets"},
		"release":{"tag_name":"v1.2.0"}
	}`)
	req, ok := Classify(published)
	if !ok || req.Kind != domain.TriggerReleaseDeployment {
		t.Fatalf("expected published release to trigger, got %+v ok=%v", req, ok)
	}
	if req.Context["tag"] != "v1.2.0" {
		t.Fatalf("unexpected context %v", req.Context)
	}

	draft := event("release", `{
		"action":"created",
		"repository":{"full_name":"acme/widgets"},
		"release":{"tag_name":"v1.2.0"}
	}`)
	if _, ok := Classify(draft); ok {
		t.Fatalf("expected non-published release to be ignored")
	}
}

func TestCapabilityOrderFollowsText(t *testing.T) {
	got := capabilitiesFromText("the api is slow because of a bad sql query")
	want := []string{"api", "performance", "database"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	// repeated scans stay identical
	for i := 0; i < 5; i++ {
		if again := capabilitiesFromText("the api is slow because of a bad sql query"); !reflect.DeepEqual(again, got) {
			t.Fatalf("order not stable: %v vs %v", again, got)
		}
	}
}

func TestUnknownKindIgnored(t *testing.T) {
	if _, ok := Classify(event("gollum", `{}`)); ok {
		t.Fatalf("expected unknown kind to be ignored")
	}
}

func TestMalformedPayloadIgnored(t *testing.T) {
	if _, ok := Classify(event("push", `{"commits": 5}`)); ok {
		t.Fatalf("expected unparseable payload to be insignificant")
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

