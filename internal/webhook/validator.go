// Package webhook validates inbound repository event deliveries before
// anything else runs: authenticity (HMAC signature), structural shape and
// supported event kinds.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"crewline/internal/config"
)

// ErrorKind discriminates validation failures.
type ErrorKind string

const (
	ErrMissingHeader    ErrorKind = "missing_header"
	ErrBadOrigin        ErrorKind = "bad_origin"
	ErrUnsupportedMedia ErrorKind = "unsupported_media"
	ErrOversized        ErrorKind = "oversized"
	ErrBadSignature     ErrorKind = "bad_signature"
	ErrMalformedPayload ErrorKind = "malformed_payload"
	ErrUnsupportedKind  ErrorKind = "unsupported_kind"
)

// ValidationError is a non-retryable rejection; callers must refuse the
// delivery without invoking the classifier.
type ValidationError struct {
	Kind    ErrorKind
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Status maps the failure to an HTTP status.
func (e ValidationError) Status() int {
	if e.Kind == ErrBadSignature {
		return http.StatusUnauthorized
	}
	return http.StatusBadRequest
}

// Header names used by GitHub-style deliveries.
const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderSignature = "X-Hub-Signature-256"
	HeaderUserAgent = "User-Agent"
)

// ValidatedEvent is an inbound delivery that passed every check. The raw
// payload is handed to the classifier and discarded afterwards.
type ValidatedEvent struct {
	Kind       string
	DeliveryID string
	Payload    json.RawMessage
	ReceivedAt time.Time
	Warnings   []string
}

// Validator checks deliveries against the configured ingest policy.
type Validator struct {
	Secret       string
	MaxBodyBytes int64
	OriginPrefix string
	EventKinds   []string
	Strict       bool
	Logger       *log.Logger
	Now          func() time.Time
}

// New builds a Validator from config.
func New(cfg *config.Config) *Validator {
	return &Validator{
		Secret:       cfg.Ingest.Secret,
		MaxBodyBytes: cfg.Ingest.MaxBodyBytes,
		OriginPrefix: cfg.Ingest.OriginPrefix,
		EventKinds:   cfg.Ingest.EventKinds,
		Strict:       cfg.Ingest.StrictPayload,
		Now:          time.Now,
	}
}

func (v *Validator) logger() *log.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return log.Default()
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Validate runs every check in order and short-circuits on the first
// failure. A missing secret downgrades the signature check to a logged
// warning; it is never silently treated as verified.
func (v *Validator) Validate(headers http.Header, body []byte) (ValidatedEvent, error) {
	kind := strings.TrimSpace(headers.Get(HeaderEvent))
	if kind == "" {
		return ValidatedEvent{}, ValidationError{Kind: ErrMissingHeader, Message: HeaderEvent + " header required"}
	}
	delivery := strings.TrimSpace(headers.Get(HeaderDelivery))
	if delivery == "" {
		return ValidatedEvent{}, ValidationError{Kind: ErrMissingHeader, Message: HeaderDelivery + " header required"}
	}
	ua := headers.Get(HeaderUserAgent)
	if ua == "" {
		return ValidatedEvent{}, ValidationError{Kind: ErrMissingHeader, Message: "User-Agent header required"}
	}
	if v.OriginPrefix != "" && !strings.HasPrefix(ua, v.OriginPrefix) {
		return ValidatedEvent{}, ValidationError{Kind: ErrBadOrigin, Message: "unexpected delivery origin"}
	}
	if ct := headers.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return ValidatedEvent{}, ValidationError{Kind: ErrUnsupportedMedia, Message: "content type must be application/json"}
	}
	if v.MaxBodyBytes > 0 && int64(len(body)) > v.MaxBodyBytes {
		return ValidatedEvent{}, ValidationError{Kind: ErrOversized, Message: fmt.Sprintf("payload exceeds %d bytes", v.MaxBodyBytes)}
	}

	evt := ValidatedEvent{Kind: kind, DeliveryID: delivery, ReceivedAt: v.now()}

	if v.Secret == "" {
		v.logger().Printf("WARNING: no ingest secret configured; accepting unsigned delivery %s", delivery)
		evt.Warnings = append(evt.Warnings, "signature not verified: no secret configured")
	} else {
		sig := headers.Get(HeaderSignature)
		if sig == "" {
			return ValidatedEvent{}, ValidationError{Kind: ErrBadSignature, Message: HeaderSignature + " header required"}
		}
		if !verifySignature(v.Secret, sig, body) {
			return ValidatedEvent{}, ValidationError{Kind: ErrBadSignature, Message: "signature mismatch"}
		}
	}

	if !json.Valid(body) {
		return ValidatedEvent{}, ValidationError{Kind: ErrMalformedPayload, Message: "body is not well-formed JSON"}
	}
	evt.Payload = json.RawMessage(body)

	if !v.supportedKind(kind) {
		return ValidatedEvent{}, ValidationError{Kind: ErrUnsupportedKind, Message: "event kind " + kind + " not accepted"}
	}

	if warnings := checkShape(kind, body); len(warnings) > 0 {
		if v.Strict {
			return ValidatedEvent{}, ValidationError{Kind: ErrMalformedPayload, Message: strings.Join(warnings, "; ")}
		}
		for _, w := range warnings {
			v.logger().Printf("WARNING: delivery %s: %s", delivery, w)
		}
		evt.Warnings = append(evt.Warnings, warnings...)
	}

	return evt, nil
}

func (v *Validator) supportedKind(kind string) bool {
	for _, k := range v.EventKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// verifySignature checks a sha256=<hex> signature in constant time.
func verifySignature(secret, header string, body []byte) bool {
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(got))
}

// Signature computes the sha256=<hex> signature for a body; used by tests
// and the notify dispatcher.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// checkShape is the secondary, non-fatal schema pass. Violations are
// reported as warnings unless the validator runs in strict mode.
func checkShape(kind string, body []byte) []string {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return []string{"payload is not a JSON object"}
	}
	var warnings []string
	requireKey := func(key string) {
		if _, ok := top[key]; !ok {
			warnings = append(warnings, fmt.Sprintf("%s payload missing %q", kind, key))
		}
	}
	switch kind {
	case "push":
		requireKey("repository")
		requireKey("commits")
	case "pull_request":
		requireKey("repository")
		requireKey("pull_request")
		requireKey("action")
	case "issues":
		requireKey("repository")
		requireKey("issue")
		requireKey("action")
	case "release":
		requireKey("repository")
		requireKey("release")
	default:
		requireKey("repository")
	}
	return warnings
}
