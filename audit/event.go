// Package audit is the heart of the trail: the event model, the actor
// resolver, the normalizer that turns raw request facts into storable
// events, and the delivery queue that ships them.
package audit

import (
	"strings"
	"time"
)

// Severity classifies how much attention an event deserves.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for threshold comparisons. Unknown values rank
// below low so they never satisfy a "high or worse" filter by accident.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

func ParseSeverity(raw string) (Severity, bool) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if s.Rank() == 0 {
		return "", false
	}
	return s, true
}

// Well-known actions. The vocabulary is open: any lowercase token
// validates, these are just the ones the rest of the system keys on.
const (
	ActionCreate   = "create"
	ActionUpdate   = "update"
	ActionDelete   = "delete"
	ActionView     = "view"
	ActionSearch   = "search"
	ActionExport   = "export"
	ActionImport   = "import"
	ActionLogin    = "login"
	ActionLogout   = "logout"
	ActionUpload   = "upload"
	ActionDownload = "download"
	ActionUndo     = "undo"

	// ActionRequest is the catch-all for methods with no natural verb
	// (OPTIONS, CONNECT). Treated as a read everywhere that matters.
	ActionRequest = "request"
)

// Result values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// ActorKind discriminates the actor union.
type ActorKind string

const (
	ActorSystem    ActorKind = "system"
	ActorAnonymous ActorKind = "anonymous"
	ActorUser      ActorKind = "user"
	ActorContact   ActorKind = "contact"
)

// Actor identifies who performed an event. Exactly one kind applies;
// the optional fields carry whatever that kind knows about itself.
type Actor struct {
	Kind         ActorKind `json:"kind"`
	ID           string    `json:"id,omitempty"`
	Email        string    `json:"email,omitempty"`
	Name         string    `json:"name,omitempty"`
	Roles        []string  `json:"roles,omitempty"`
	ContractorID string    `json:"contractorId,omitempty"`
}

func SystemActor() Actor    { return Actor{Kind: ActorSystem, Name: "system"} }
func AnonymousActor() Actor { return Actor{Kind: ActorAnonymous} }

// Target names the business entity an event touched.
type Target struct {
	Collection string                 `json:"collection"`
	ID         string                 `json:"id,omitempty"`
	IDKind     string                 `json:"idKind,omitempty"` // objectId | string
	Label      string                 `json:"label,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// Changes carries before/after snapshots for mutations. Both snapshots are
// already redacted by the time they land here.
type Changes struct {
	Before        interface{} `json:"before,omitempty"`
	After         interface{} `json:"after,omitempty"`
	FieldsChanged []string    `json:"fieldsChanged,omitempty"`
}

// DeviceInfo is derived from the User-Agent header.
type DeviceInfo struct {
	Type    string `json:"type,omitempty"` // desktop | mobile | bot
	Browser string `json:"browser,omitempty"`
	OS      string `json:"os,omitempty"`
}

// RequestInfo captures the HTTP context an event happened in.
type RequestInfo struct {
	Method       string            `json:"method,omitempty"`
	Path         string            `json:"path,omitempty"`
	RoutePattern string            `json:"routePattern,omitempty"`
	IP           string            `json:"ip,omitempty"`
	UserAgent    string            `json:"userAgent,omitempty"`
	Device       DeviceInfo        `json:"device,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Query        interface{}       `json:"query,omitempty"`
	Body         interface{}       `json:"body,omitempty"`
	Status       int               `json:"status,omitempty"`
	DurationMS   int64             `json:"durationMs,omitempty"`
}

// Event is the append-only audit record. Once normalized it never changes.
type Event struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlationId"`
	Timestamp     time.Time         `json:"timestamp"`
	Domain        string            `json:"domain"`
	Action        string            `json:"action"`
	Severity      Severity          `json:"severity"`
	Result        string            `json:"result"`
	ErrorMessage  string            `json:"error,omitempty"`
	Actor         Actor             `json:"actor"`
	Target        *Target           `json:"target,omitempty"`
	Changes       *Changes          `json:"changes,omitempty"`
	Request       *RequestInfo      `json:"request,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Checksum      string            `json:"checksum,omitempty"`
	TraceID       string            `json:"traceId,omitempty"`
}

// IsMutation reports whether the event records a state change rather than
// a read.
func (e *Event) IsMutation() bool {
	switch e.Action {
	case ActionView, ActionSearch, ActionExport, ActionDownload, ActionRequest:
		return false
	}
	return true
}

// Failed reports whether the recorded operation failed.
func (e *Event) Failed() bool {
	return e.Result == ResultFailure
}
