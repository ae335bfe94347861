package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/fieldline/audittrail/audit"
	"github.com/fieldline/audittrail/config"
	"github.com/fieldline/audittrail/contextx"
	"github.com/fieldline/audittrail/feature"
)

// CorrelationHeader lets upstream services thread a business transaction
// id through the trail.
const CorrelationHeader = "X-Correlation-Id"

// ContactDirectory enriches header-sourced contact actors with directory
// data (email, display name). Optional; nil disables enrichment.
type ContactDirectory interface {
	Enrich(ctx context.Context, actor audit.Actor) audit.Actor
}

// IngestConfig is the middleware's slice of audit.Config plus routing
// knowledge.
type IngestConfig struct {
	Enabled        bool
	MaxBodySize    int64
	ExcludePaths   []string
	ExcludeHeaders []string
	APIPrefix      string // e.g. "/api", used for domain inference
}

// Ingest observes every request and emits one audit event after the
// response is written. Handlers refine the event through the Intent on the
// context; without explicit intent the middleware infers domain, action,
// and target from the route, and records mutations only.
//
// Nothing in here may ever break a request: the emit step runs under its
// own recover and all failures go to the logger, not the client.
type Ingest struct {
	recorder *audit.Recorder
	resolver *audit.ActorResolver
	contacts ContactDirectory
	cfg      *config.Container[IngestConfig]
	logger   *slog.Logger
}

func NewIngest(recorder *audit.Recorder, resolver *audit.ActorResolver, contacts ContactDirectory, cfg IngestConfig, logger *slog.Logger) *Ingest {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 32 * 1024
	}
	return &Ingest{
		recorder: recorder,
		resolver: resolver,
		contacts: contacts,
		cfg:      config.NewContainer(cfg),
		logger:   logger,
	}
}

// UpdateConfig swaps the capture settings at runtime. Used by the config
// watcher so operators can flip Enabled or adjust exclusions without a
// restart.
func (ig *Ingest) UpdateConfig(cfg IngestConfig) error {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 32 * 1024
	}
	return ig.cfg.Update(cfg)
}

func (ig *Ingest) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := ig.cfg.Get()
		if !cfg.Enabled || excluded(cfg.ExcludePaths, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		ctx, intent := audit.WithIntent(r.Context())
		if corr := r.Header.Get(CorrelationHeader); corr != "" {
			ctx = contextx.WithCorrelationID(ctx, corr)
		}
		r = r.WithContext(ctx)

		body := captureBody(r, cfg.MaxBodySize)

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		ig.emit(r, cfg, intent, ww.Status(), body, time.Since(start))
	})
}

func excluded(prefixes []string, path string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// captureBody reads up to maxBody of the request body and restores it
// for the handler. Anything beyond the cap is passed through uncaptured.
func captureBody(r *http.Request, maxBody int64) []byte {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return nil
	}

	capped, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		r.Body = io.NopCloser(bytes.NewReader(nil))
		return nil
	}
	rest, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(capped), bytes.NewReader(rest)))
	return capped
}

// emit builds and records the event. It runs after the response and is
// fully isolated: a panic here is logged and swallowed.
func (ig *Ingest) emit(r *http.Request, cfg *IngestConfig, intent *audit.Intent, status int, body []byte, duration time.Duration) {
	defer func() {
		if rec := recover(); rec != nil {
			ig.logger.Error("audit ingestion panicked", "panic", rec, "path", r.URL.Path)
		}
	}()

	snap := intent.Snapshot()
	if snap.Suppressed {
		return
	}

	action := snap.Action
	if action == "" {
		action = inferAction(r.Method)
	}

	// Reads are only recorded when a handler explicitly asked for it, or
	// when the read-capture flag forces full visibility.
	if !isMutatingAction(action) && !snap.Explicit && !feature.IsEnabled(r.Context(), "read-capture") {
		return
	}

	domain := snap.Domain
	if domain == "" {
		domain = inferDomain(cfg.APIPrefix, r.URL.Path)
	}

	target := snap.Target
	if target == nil {
		target = inferTarget(r, domain)
	}

	actor := ig.resolver.Resolve(r)
	if ig.contacts != nil && actor.Kind == audit.ActorContact && (actor.Email == "" || actor.Name == "") {
		actor = ig.contacts.Enrich(r.Context(), actor)
	}

	result := audit.ResultSuccess
	errMsg := ""
	if status >= http.StatusBadRequest {
		result = audit.ResultFailure
		errMsg = http.StatusText(status)
	}

	correlationID := snap.CorrelationID
	if correlationID == "" {
		correlationID = contextx.GetCorrelationID(r.Context())
	}

	raw := audit.RawEvent{
		Domain:        domain,
		Action:        action,
		CorrelationID: correlationID,
		Actor:         actor,
		Target:        target,
		Result:        result,
		ErrorMessage:  errMsg,
		Method:        r.Method,
		Path:          r.URL.Path,
		RoutePattern:  routePattern(r),
		IP:            clientIP(r),
		UserAgent:     r.UserAgent(),
		Headers:       captureHeaders(r, cfg.ExcludeHeaders),
		Status:        status,
		DurationMS:    duration.Milliseconds(),
		Tags:          snap.Tags,
		TraceID:       contextx.GetTraceID(r.Context()),
	}

	if snap.HasChanges {
		raw.Before = snap.Before
		raw.After = snap.After
	}

	if len(r.URL.Query()) > 0 {
		raw.Query = queryMap(r)
	}
	if len(body) > 0 {
		raw.Body = decodeBody(body)
	}

	// The request context is done once the response is written; record on
	// a background context so cancellation cannot lose the event.
	ig.recorder.Record(context.Background(), raw)
}

func isMutatingAction(action string) bool {
	switch action {
	case audit.ActionView, audit.ActionSearch, audit.ActionExport,
		audit.ActionDownload, audit.ActionRequest:
		return false
	}
	return true
}

// inferAction maps the method to a verb. Methods without a natural verb
// fall back to the generic request action, which the read gating then
// drops unless a handler explicitly opted in.
func inferAction(method string) string {
	switch method {
	case http.MethodPost:
		return audit.ActionCreate
	case http.MethodPut, http.MethodPatch:
		return audit.ActionUpdate
	case http.MethodDelete:
		return audit.ActionDelete
	case http.MethodGet, http.MethodHead:
		return audit.ActionView
	default:
		return audit.ActionRequest
	}
}

// inferDomain takes the first path segment after the API prefix:
// /api/projects/123 -> projects.
func inferDomain(apiPrefix, path string) string {
	trimmed := strings.TrimPrefix(path, apiPrefix)
	trimmed = strings.TrimPrefix(trimmed, "/")
	if trimmed == "" {
		return "root"
	}
	segment, _, _ := strings.Cut(trimmed, "/")
	segment = strings.ToLower(segment)
	if segment == "" {
		return "root"
	}
	return segment
}

func inferTarget(r *http.Request, domain string) *audit.Target {
	id := chi.URLParam(r, "id")
	if id == "" {
		return nil
	}
	return &audit.Target{
		Collection: domain,
		ID:         id,
		IDKind:     idKind(id),
	}
}

// idKind detects 24-char hex object ids so consumers can tell them apart
// from natural keys.
func idKind(id string) string {
	if len(id) != 24 {
		return "string"
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return "string"
		}
	}
	return "objectId"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

// captureHeaders copies request headers minus the excluded set. Sensitive
// values among the rest are masked downstream by the normalizer.
func captureHeaders(r *http.Request, exclude []string) map[string]string {
	if len(r.Header) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) == 0 || isExcludedHeader(k, exclude) {
			continue
		}
		out[k] = v[0]
	}
	return out
}

func isExcludedHeader(name string, exclude []string) bool {
	for _, ex := range exclude {
		if strings.EqualFold(name, ex) {
			return true
		}
	}
	return false
}

func queryMap(r *http.Request) map[string]interface{} {
	out := make(map[string]interface{}, len(r.URL.Query()))
	for k, v := range r.URL.Query() {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = v
		}
	}
	return out
}

// decodeBody prefers structured JSON so redaction can see the keys; other
// payloads are kept as an opaque string.
func decodeBody(body []byte) interface{} {
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err == nil {
		return parsed
	}
	return string(body)
}
