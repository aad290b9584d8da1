package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"crewline/internal/config"
	"crewline/internal/coordinator"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/migrate"
	"crewline/internal/webhook"
)

type stubCoordinator struct{}

func (stubCoordinator) Register(ctx context.Context, w coordinator.WorkerDescriptor) (coordinator.RegisterResult, error) {
	return coordinator.RegisterResult{OK: true, SystemID: "sys-1"}, nil
}

func (stubCoordinator) StartSession(ctx context.Context, req coordinator.SessionRequest) (coordinator.SessionInfo, error) {
	return coordinator.SessionInfo{SessionID: "sess-1"}, nil
}

func (stubCoordinator) Status(ctx context.Context, sessionID string) (coordinator.SessionStatus, error) {
	return coordinator.SessionStatus{ID: sessionID, State: "active", Completion: 25}, nil
}

func (stubCoordinator) Complete(ctx context.Context, sessionID, status, summary string) error {
	return nil
}

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate func(*config.Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Ingest.Secret = "topsecret"
	if mutate != nil {
		mutate(cfg)
	}
	e := engine.New(conn, cfg, stubCoordinator{})
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              cfg.Auth.JWTSecret,
			AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func postEvent(t *testing.T, srv *testServer, secret, kind, delivery string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v0/events", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.HeaderEvent, kind)
	req.Header.Set(webhook.HeaderDelivery, delivery)
	req.Header.Set(webhook.HeaderUserAgent, "GitHub-Hookshot/test")
	req.Header.Set(webhook.HeaderSignature, webhook.Signature(secret, payload))
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var significantPush = []byte(`{
	"repository":{"full_name":"acme/widgets"},
	"forced":true,
	"commits":[{"message":"rework auth","modified":["auth.go"]}]
}`)

func TestIngestAcceptsSignedDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := postEvent(t, srv, "topsecret", "push", "d-1", significantPush)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.StatusCode, string(data))
	}
	var result engine.AdmissionResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !result.Accepted || result.UnitID == "" {
		t.Fatalf("unexpected result %+v", result)
	}

	// same delivery id again comes back 200 duplicate
	res, data = postEvent(t, srv, "topsecret", "push", "d-1", significantPush)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d: %s", res.StatusCode, string(data))
	}
	var dup engine.AdmissionResult
	_ = json.Unmarshal(data, &dup)
	if !dup.Duplicate {
		t.Fatalf("expected duplicate flag, got %+v", dup)
	}
}

func TestIngestRejectsBadSignature(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := postEvent(t, srv, "wrongsecret", "push", "d-1", significantPush)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "bad_signature" {
		t.Fatalf("expected bad_signature, got %q", envelope.Error.Code)
	}
}

func TestManualTrigger(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/triggers", map[string]any{
		"repository": "acme/widgets",
		"kind":       "manual",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("trigger status %d: %s", res.StatusCode, string(data))
	}
	var unit domain.ActiveUnit
	if err := json.Unmarshal(data, &unit); err != nil {
		t.Fatalf("unmarshal unit: %v", err)
	}
	if unit.ID == "" || unit.Request.Repository != "acme/widgets" {
		t.Fatalf("unexpected unit %+v", unit)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/units/"+unit.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get unit status %d: %s", res.StatusCode, string(data))
	}
	var summary domain.UnitSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.ID != unit.ID {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestTriggerRequiresRepository(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/triggers", map[string]any{
		"kind": "manual",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestCapacityExhaustedMapsTo503(t *testing.T) {
	srv, cleanup := newTestServer(t, func(cfg *config.Config) {
		cfg.Scheduler.MaxConcurrentUnits = 1
	})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/triggers", map[string]any{
		"repository": "acme/widgets",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first trigger: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/triggers", map[string]any{
		"repository": "acme/widgets",
	}, nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "capacity_exhausted" {
		t.Fatalf("expected capacity_exhausted, got %q", envelope.Error.Code)
	}
}

func TestStatsAndHistoryEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/triggers", map[string]any{
		"repository": "acme/widgets",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("trigger: %d %s", res.StatusCode, string(data))
	}
	var unit domain.ActiveUnit
	_ = json.Unmarshal(data, &unit)

	waitActive(t, srv, unit.ID)
	if err := srv.Engine.Complete(unit.ID, domain.Outcome{Success: true, Summary: "done"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stats", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d %s", res.StatusCode, string(data))
	}
	var stats struct {
		Stats       domain.Stats `json:"stats"`
		ActiveCount int          `json:"active_count"`
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.Stats.Triggered != 1 || stats.Stats.Completed != 1 || stats.ActiveCount != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/history?limit=5", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, string(data))
	}
	var history struct {
		Records []domain.HistoryRecord `json:"records"`
	}
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history.Records) != 1 || history.Records[0].UnitID != unit.ID {
		t.Fatalf("unexpected history %+v", history.Records)
	}
}

func TestUnknownUnitReturns404(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/units/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestJWTAuthProtectsAPI(t *testing.T) {
	srv, cleanup := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.JWTSecret = "jwt-secret"
	})
	defer cleanup()

	// no token
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stats", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}

	// ingest stays signature-authenticated, not bearer-authenticated
	res, data = postEvent(t, srv, "topsecret", "push", "d-1", significantPush)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest should bypass bearer auth, got %d: %s", res.StatusCode, string(data))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("jwt-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stats", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", res.StatusCode, string(data))
	}

	// wrong secret rejected
	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte("other"))
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stats", nil, map[string]string{
		"Authorization": "Bearer " + bad,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d: %s", res.StatusCode, string(data))
	}
}

func waitActive(t *testing.T, srv *testServer, unitID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		unit, err := srv.Engine.Unit(unitID)
		if err == nil && unit.Status == domain.UnitActive {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("unit %s never became active", unitID)
}
