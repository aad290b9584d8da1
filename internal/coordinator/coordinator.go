// Package coordinator talks to the external coordination backend that
// performs the real task work and reports session status.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crewline/internal/domain"
)

// ErrSessionNotFound is returned when the backend no longer reports a
// session the supervisor is polling.
var ErrSessionNotFound = errors.New("session not found")

// WorkerDescriptor registers one role specialist with the backend.
type WorkerDescriptor struct {
	Role             string   `json:"role"`
	Specialization   string   `json:"specialization,omitempty"`
	Responsibilities []string `json:"responsibilities"`
	WorkloadHours    float64  `json:"workload_hours"`
	Lead             bool     `json:"lead"`
}

// RegisterResult acknowledges a worker registration.
type RegisterResult struct {
	OK       bool   `json:"ok"`
	SystemID string `json:"system_id"`
}

// SessionRequest starts one coordination session.
type SessionRequest struct {
	LeadID           string   `json:"lead_id"`
	Capabilities     []string `json:"required_capabilities"`
	Priority         string   `json:"priority"`
	Strategy         string   `json:"strategy"`
	EstimatedMinutes int      `json:"estimated_minutes"`
	Requirements     []string `json:"requirements"`
}

// SessionInfo identifies a started session.
type SessionInfo struct {
	SessionID            string   `json:"session_id"`
	ParticipatingSystems []string `json:"participating_systems"`
}

// SessionStatus is one session's reported progress.
type SessionStatus struct {
	ID             string   `json:"id"`
	State          string   `json:"state"`
	Completion     int      `json:"completion_percentage"`
	CurrentTasks   []string `json:"current_tasks,omitempty"`
	CompletedTasks []string `json:"completed_tasks,omitempty"`
}

// Terminal reports whether the remote state permits no further progress.
func (s SessionStatus) Terminal() bool {
	return s.State == "completed" || s.State == "failed"
}

// Succeeded reports whether a terminal session ended well.
func (s SessionStatus) Succeeded() bool {
	return s.State == "completed"
}

// Snapshot converts the remote status to the registry's progress shape.
func (s SessionStatus) Snapshot() domain.ProgressSnapshot {
	return domain.ProgressSnapshot{
		Phase:          s.State,
		Completion:     s.Completion,
		CurrentTasks:   s.CurrentTasks,
		CompletedTasks: s.CompletedTasks,
	}
}

// Coordinator is the backend surface the engine and supervisor consume.
type Coordinator interface {
	Register(ctx context.Context, w WorkerDescriptor) (RegisterResult, error)
	StartSession(ctx context.Context, req SessionRequest) (SessionInfo, error)
	Status(ctx context.Context, sessionID string) (SessionStatus, error)
	Complete(ctx context.Context, sessionID, status, summary string) error
}

// Client is the HTTP implementation of Coordinator.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewClient creates a client with sane defaults.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Timeout: timeout,
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

// Register enrolls one specialist.
func (c *Client) Register(ctx context.Context, w WorkerDescriptor) (RegisterResult, error) {
	var out RegisterResult
	if err := c.do(ctx, http.MethodPost, "/specialists/register", w, &out); err != nil {
		return RegisterResult{}, err
	}
	if !out.OK {
		return out, fmt.Errorf("backend refused %s registration", w.Role)
	}
	return out, nil
}

// StartSession begins a coordination session for a composed team.
func (c *Client) StartSession(ctx context.Context, req SessionRequest) (SessionInfo, error) {
	var out SessionInfo
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &out); err != nil {
		return SessionInfo{}, err
	}
	if out.SessionID == "" {
		return out, errors.New("backend returned empty session id")
	}
	return out, nil
}

type pollResponse struct {
	ActiveSessions []SessionStatus `json:"active_sessions"`
}

// Status fetches the backend's session list and selects one session.
func (c *Client) Status(ctx context.Context, sessionID string) (SessionStatus, error) {
	var out pollResponse
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &out); err != nil {
		return SessionStatus{}, err
	}
	for _, s := range out.ActiveSessions {
		if s.ID == sessionID {
			return s, nil
		}
	}
	return SessionStatus{}, ErrSessionNotFound
}

// Complete reports a session's final status to the backend.
func (c *Client) Complete(ctx context.Context, sessionID, status, summary string) error {
	body := map[string]string{"status": status, "results_summary": summary}
	return c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/complete", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("coordinator %s %s: status %d: %s", method, path, res.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
