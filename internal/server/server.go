package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/registry"
	"crewline/internal/repo"
	"crewline/internal/webhook"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"capacity_exhausted"`
	Message string         `json:"message" example:"active unit limit 10 reached"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Crewline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Crewline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerIngest(router, basePath, cfg.Engine)
	registerTriggers(group, cfg.Engine)
	registerUnits(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	registerLog(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve webhook.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(ve.Status(), string(ve.Kind), ve.Message, nil)
	}
	var ce registry.CapacityError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusServiceUnavailable, "capacity_exhausted", err.Error(), map[string]any{"limit": ce.Limit})
	}
	if errors.Is(err, registry.ErrNotFound) || errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusServiceUnavailable:
		return "capacity_exhausted"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// registerIngest mounts the raw delivery endpoint directly on the router:
// signature verification needs the exact body bytes, so this path bypasses
// huma's request parsing.
func registerIngest(r chi.Router, basePath string, e *engine.Engine) {
	r.Post(path.Join(basePath, "events"), func(w http.ResponseWriter, req *http.Request) {
		limit := e.Config.Ingest.MaxBodyBytes
		body, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "read body: "+err.Error(), nil))
			return
		}
		result, err := e.HandleEvent(req.Context(), req.Header, body)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		status := http.StatusAccepted
		if result.Duplicate {
			status = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(result)
	})
}

// TriggerBody is the manual trigger payload; it bypasses event validation
// but takes the same admission path as event-derived requests.
type TriggerBody struct {
	Repository   string            `json:"repository"`
	Kind         string            `json:"kind,omitempty" enum:"pull_request,significant_push,technical_issue,release_deployment,repository_setup,manual"`
	Context      map[string]string `json:"context,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

func registerTriggers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "trigger-create",
		Method:      http.MethodPost,
		Path:        "/triggers",
		Summary:     "Manually trigger a coordination unit",
	}, func(ctx context.Context, input *struct {
		Body TriggerBody
	}) (*struct {
		Body domain.ActiveUnit `json:"body"`
	}, error) {
		unit, err := e.Trigger(ctx, domain.TriggerRequest{
			Repository:   input.Body.Repository,
			Kind:         domain.TriggerKind(input.Body.Kind),
			Context:      input.Body.Context,
			Capabilities: input.Body.Capabilities,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActiveUnit `json:"body"`
		}{Body: unit}, nil
	})
}

func registerUnits(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "units-list",
		Method:      http.MethodGet,
		Path:        "/units",
		Summary:     "List active units",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Units []domain.UnitSummary `json:"units"`
			Count int                  `json:"count"`
		} `json:"body"`
	}, error) {
		units := e.Units()
		out := &struct {
			Body struct {
				Units []domain.UnitSummary `json:"units"`
				Count int                  `json:"count"`
			} `json:"body"`
		}{}
		out.Body.Units = units
		out.Body.Count = len(units)
		return out, nil
	})

	type unitPath struct {
		UnitID string `path:"unit_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "units-get",
		Method:      http.MethodGet,
		Path:        "/units/{unit_id}",
		Summary:     "Show one active unit",
	}, func(ctx context.Context, input *unitPath) (*struct {
		Body domain.UnitSummary `json:"body"`
	}, error) {
		unit, err := e.Unit(input.UnitID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UnitSummary `json:"body"`
		}{Body: unit.Summarize()}, nil
	})
}

func registerHistory(api huma.API, e *engine.Engine) {
	type historyQuery struct {
		Limit int `query:"limit" default:"50"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "history-list",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "List finished units",
	}, func(ctx context.Context, input *historyQuery) (*struct {
		Body struct {
			Records []domain.HistoryRecord `json:"records"`
		} `json:"body"`
	}, error) {
		records, err := e.History(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Records []domain.HistoryRecord `json:"records"`
			} `json:"body"`
		}{}
		out.Body.Records = records
		return out, nil
	})
}

func registerStats(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Scheduler counters and active units",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Stats       domain.Stats         `json:"stats"`
			ActiveCount int                  `json:"active_count"`
			Units       []domain.UnitSummary `json:"units"`
		} `json:"body"`
	}, error) {
		stats, active := e.Stats()
		out := &struct {
			Body struct {
				Stats       domain.Stats         `json:"stats"`
				ActiveCount int                  `json:"active_count"`
				Units       []domain.UnitSummary `json:"units"`
			} `json:"body"`
		}{}
		out.Body.Stats = stats
		out.Body.ActiveCount = active
		out.Body.Units = e.Units()
		return out, nil
	})
}

func registerLog(api huma.API, e *engine.Engine) {
	type logQuery struct {
		Limit int `query:"limit" default:"50"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "log-list",
		Method:      http.MethodGet,
		Path:        "/log",
		Summary:     "Tail the audit event log",
	}, func(ctx context.Context, input *logQuery) (*struct {
		Body struct {
			Events []domain.Event `json:"events"`
		} `json:"body"`
	}, error) {
		evts, err := e.Repo.ListEvents(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Events []domain.Event `json:"events"`
			} `json:"body"`
		}{}
		out.Body.Events = evts
		return out, nil
	})
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
