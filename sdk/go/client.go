package crewlinesdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Crewline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// UnitSummary is the redacted view of an active coordination unit.
type UnitSummary struct {
	ID          string   `json:"id"`
	Repository  string   `json:"repository"`
	Kind        string   `json:"kind"`
	Status      string   `json:"status"`
	WorkerCount int      `json:"worker_count"`
	LeadRole    string   `json:"lead_role"`
	StartedAt   string   `json:"started_at"`
	Progress    Progress `json:"progress"`
}

// Progress is the last backend-reported state for a unit.
type Progress struct {
	Phase          string   `json:"phase,omitempty"`
	Completion     int      `json:"completion"`
	CurrentTasks   []string `json:"current_tasks,omitempty"`
	CompletedTasks []string `json:"completed_tasks,omitempty"`
}

// HistoryRecord is one finished unit.
type HistoryRecord struct {
	UnitID          string  `json:"unit_id"`
	Repository      string  `json:"repository"`
	Kind            string  `json:"kind"`
	Status          string  `json:"status"`
	WorkerCount     int     `json:"worker_count"`
	LeadRole        string  `json:"lead_role"`
	Strategy        string  `json:"strategy"`
	Outcome         Outcome `json:"outcome"`
	StartedAt       string  `json:"started_at"`
	CompletedAt     string  `json:"completed_at"`
	DurationSeconds int64   `json:"duration_seconds"`
}

// Outcome summarizes how a unit ended.
type Outcome struct {
	Success  bool   `json:"success"`
	Summary  string `json:"summary,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Stats are the scheduler counters.
type Stats struct {
	Triggered          int64   `json:"triggered"`
	Completed          int64   `json:"completed"`
	Failed             int64   `json:"failed"`
	TimedOut           int64   `json:"timed_out"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

// StatsResponse is the /stats payload.
type StatsResponse struct {
	Stats       Stats         `json:"stats"`
	ActiveCount int           `json:"active_count"`
	Units       []UnitSummary `json:"units"`
}

// Event is one audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	Repository string `json:"repository,omitempty"`
	UnitID     string `json:"unit_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// TriggerRequest asks the server to admit a unit directly.
type TriggerRequest struct {
	Repository   string            `json:"repository"`
	Kind         string            `json:"kind,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

// ActiveUnit is the full unit returned by the trigger endpoint.
type ActiveUnit struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id,omitempty"`
	Status    string   `json:"status"`
	StartedAt string   `json:"started_at"`
	Progress  Progress `json:"progress"`
}

// AdmissionResult is the ingest endpoint's answer to a delivery.
type AdmissionResult struct {
	Accepted  bool     `json:"accepted"`
	UnitID    string   `json:"unit_id,omitempty"`
	Kind      string   `json:"kind,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Duplicate bool     `json:"duplicate,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Trigger admits a coordination unit without an inbound event.
func (c *Client) Trigger(ctx context.Context, req TriggerRequest) (ActiveUnit, error) {
	var resp ActiveUnit
	err := c.do(ctx, http.MethodPost, "v0/triggers", req, &resp)
	return resp, err
}

// Units lists active units.
func (c *Client) Units(ctx context.Context) ([]UnitSummary, error) {
	var resp struct {
		Units []UnitSummary `json:"units"`
		Count int           `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "v0/units", nil, &resp)
	return resp.Units, err
}

// Unit fetches one active unit by id.
func (c *Client) Unit(ctx context.Context, unitID string) (UnitSummary, error) {
	var resp UnitSummary
	endpoint := fmt.Sprintf("v0/units/%s", url.PathEscape(unitID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History lists finished units, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryRecord, error) {
	var resp struct {
		Records []HistoryRecord `json:"records"`
	}
	endpoint := "v0/history"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Records, err
}

// Stats fetches scheduler counters and active units.
func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	var resp StatsResponse
	err := c.do(ctx, http.MethodGet, "v0/stats", nil, &resp)
	return resp, err
}

// Log tails the audit event log.
func (c *Client) Log(ctx context.Context, limit int) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	endpoint := "v0/log"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

// SendEvent delivers a raw event body, signing it with secret when set.
// The kind and deliveryID become the event headers the server validates.
func (c *Client) SendEvent(ctx context.Context, kind, deliveryID, secret string, body []byte) (AdmissionResult, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/v0/events", bytes.NewReader(body))
	if err != nil {
		return AdmissionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", kind)
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	req.Header.Set("User-Agent", "GitHub-Hookshot/crewline-sdk")
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", Sign(secret, body))
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return AdmissionResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return AdmissionResult{}, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var out AdmissionResult
	return out, json.NewDecoder(resp.Body).Decode(&out)
}

// Sign computes the sha256= HMAC header value for an event body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
