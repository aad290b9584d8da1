package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/webhook"
)

const (
	defaultNotifyInterval = 2 * time.Second
	defaultNotifyTimeout  = 5 * time.Second
	defaultNotifyBatch    = 100
)

// terminalEventTypes are the audit event types a notify target can
// subscribe to; by default all three are delivered.
var terminalEventTypes = []string{"unit.completed", "unit.failed", "unit.timed_out"}

// notifyDispatcher posts completion notifications to configured targets,
// tailing the audit event log with one cursor per target.
type notifyDispatcher struct {
	engine  *engine.Engine
	targets []config.NotifyConfig
	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

// StartNotifyDispatcher launches the notification loop when targets are
// configured.
func StartNotifyDispatcher(e *engine.Engine) {
	if e.Config == nil || len(e.Config.Notify) == 0 {
		return
	}
	d := &notifyDispatcher{
		engine:  e,
		targets: e.Config.Notify,
		client:  &http.Client{Timeout: defaultNotifyTimeout},
		cursors: make(map[int]int64),
	}
	go d.run()
}

func (d *notifyDispatcher) run() {
	ticker := time.NewTicker(defaultNotifyInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *notifyDispatcher) dispatchAll() {
	for i, target := range d.targets {
		if target.Enabled != nil && !*target.Enabled {
			continue
		}
		if strings.TrimSpace(target.URL) == "" {
			continue
		}
		d.dispatchTarget(i, target)
	}
}

func (d *notifyDispatcher) dispatchTarget(idx int, target config.NotifyConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	evts, err := d.engine.Repo.EventsAfter(ctx, defaultNotifyBatch, cursor)
	if err != nil {
		log.Printf("notify: fetch events failed: %v", err)
		return
	}
	filter := newStatusFilter(target.Statuses)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, target, evt); err != nil {
			log.Printf("notify: deliver to %s failed: %v", target.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *notifyDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(context.Background())
	if err != nil {
		log.Printf("notify: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *notifyDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type notifyEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Repository string          `json:"repository,omitempty"`
	UnitID     string          `json:"unit_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *notifyDispatcher) postEvent(ctx context.Context, target config.NotifyConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := notifyEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		Repository: evt.Repository,
		UnitID:     evt.UnitID,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultNotifyTimeout
	if target.TimeoutSeconds > 0 {
		timeout = time.Duration(target.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Crewline-Event", evt.Type)
	req.Header.Set("X-Crewline-Unit", evt.UnitID)
	if strings.TrimSpace(target.Secret) != "" {
		req.Header.Set("X-Crewline-Signature", webhook.Signature(target.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type statusFilter struct {
	set map[string]struct{}
}

// newStatusFilter accepts either full event types or bare terminal
// statuses ("completed" matches "unit.completed").
func newStatusFilter(statuses []string) statusFilter {
	if len(statuses) == 0 {
		return statusFilter{set: terminalSet()}
	}
	set := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		key := strings.TrimSpace(s)
		if key == "" {
			continue
		}
		if !strings.HasPrefix(key, "unit.") {
			key = "unit." + key
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return statusFilter{set: terminalSet()}
	}
	return statusFilter{set: set}
}

func terminalSet() map[string]struct{} {
	set := make(map[string]struct{}, len(terminalEventTypes))
	for _, t := range terminalEventTypes {
		set[t] = struct{}{}
	}
	return set
}

func (f statusFilter) match(evtType string) bool {
	if _, ok := f.set[evtType]; ok {
		return true
	}
	return false
}
