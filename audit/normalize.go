package audit

import (
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"golang.org/x/crypto/blake2b"

	"github.com/fieldline/audittrail/redact"
)

// ErrInvalidEvent marks raw events that fail validation. These are caller
// bugs and are meant to surface loudly in logs, never silently vanish.
var ErrInvalidEvent = errors.New("audit: invalid event")

// RawEvent is what callers hand the pipeline: unsanitized, partially
// filled request facts. The normalizer turns it into a complete Event.
type RawEvent struct {
	Domain        string
	Action        string
	CorrelationID string
	Timestamp     time.Time

	Actor  Actor
	Target *Target

	Before interface{}
	After  interface{}

	Result       string
	ErrorMessage string

	Method       string
	Path         string
	RoutePattern string
	IP           string
	UserAgent    string
	Headers      map[string]string
	Query        interface{}
	Body         interface{}
	Status       int
	DurationMS   int64

	Tags    map[string]string
	TraceID string
}

// Normalizer validates, redacts, and completes raw events. One instance is
// shared pipeline-wide; it serializes timestamp assignment so that the
// stored order of events from this process never runs backwards.
type Normalizer struct {
	redactor *redact.Redactor
	now      func() time.Time

	mu     sync.Mutex
	lastTS time.Time
}

func NewNormalizer(redactor *redact.Redactor) *Normalizer {
	if redactor == nil {
		redactor = redact.New(redact.DefaultPolicy())
	}
	return &Normalizer{
		redactor: redactor,
		now:      time.Now,
	}
}

// Normalize produces a storable Event or an ErrInvalidEvent.
func (n *Normalizer) Normalize(raw RawEvent) (Event, error) {
	if err := validateRaw(raw); err != nil {
		return Event{}, err
	}

	result := raw.Result
	if result == "" {
		result = ResultSuccess
	}

	actor := raw.Actor
	if actor.Kind == "" {
		actor = AnonymousActor()
	}

	ev := Event{
		ID:            uuid.NewString(),
		CorrelationID: raw.CorrelationID,
		Timestamp:     n.nextTimestamp(raw.Timestamp),
		Domain:        raw.Domain,
		Action:        raw.Action,
		Result:        result,
		ErrorMessage:  raw.ErrorMessage,
		Actor:         actor,
		Target:        raw.Target,
		Tags:          raw.Tags,
		TraceID:       raw.TraceID,
	}

	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}

	ev.Severity = severityOf(ev.Action, result, actor.Kind)

	if raw.Before != nil || raw.After != nil {
		before := n.redactor.Sanitize(raw.Before)
		after := n.redactor.Sanitize(raw.After)
		ev.Changes = &Changes{
			Before:        before,
			After:         after,
			FieldsChanged: diffFields(before, after),
		}
	}

	if raw.Method != "" || raw.Path != "" {
		ev.Request = &RequestInfo{
			Method:       raw.Method,
			Path:         raw.Path,
			RoutePattern: raw.RoutePattern,
			IP:           raw.IP,
			UserAgent:    raw.UserAgent,
			Device:       deviceInfo(raw.UserAgent),
			Status:       raw.Status,
			DurationMS:   raw.DurationMS,
		}
		if len(raw.Headers) > 0 {
			ev.Request.Headers = n.sanitizeHeaders(raw.Headers)
		}
		if raw.Query != nil {
			ev.Request.Query = n.redactor.Sanitize(raw.Query)
		}
		if raw.Body != nil {
			ev.Request.Body = n.redactor.Sanitize(raw.Body)
		}
	}

	ev.Checksum = checksum(ev)

	return ev, nil
}

// sanitizeHeaders masks header values whose names hit the redaction key
// set. Which headers get captured at all is the ingest layer's call.
func (n *Normalizer) sanitizeHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if n.redactor.SensitiveHeader(k) {
			out[k] = redact.Placeholder
		} else {
			out[k] = v
		}
	}
	return out
}

func validateRaw(raw RawEvent) error {
	if raw.Domain == "" {
		return fmt.Errorf("%w: missing domain", ErrInvalidEvent)
	}
	if !isToken(raw.Domain) {
		return fmt.Errorf("%w: domain %q is not a lowercase token", ErrInvalidEvent, raw.Domain)
	}
	if raw.Action == "" {
		return fmt.Errorf("%w: missing action", ErrInvalidEvent)
	}
	if !isToken(raw.Action) {
		return fmt.Errorf("%w: action %q is not a lowercase token", ErrInvalidEvent, raw.Action)
	}
	if raw.Result != "" && raw.Result != ResultSuccess && raw.Result != ResultFailure {
		return fmt.Errorf("%w: result %q", ErrInvalidEvent, raw.Result)
	}
	return nil
}

func isToken(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}

// nextTimestamp clamps timestamps to the high-water mark so two events
// normalized back to back can never appear out of order, even across a
// clock step backwards.
func (n *Normalizer) nextTimestamp(ts time.Time) time.Time {
	if ts.IsZero() {
		ts = n.now()
	}
	ts = ts.UTC()

	n.mu.Lock()
	defer n.mu.Unlock()
	if ts.Before(n.lastTS) {
		ts = n.lastTS
	}
	n.lastTS = ts
	return ts
}

// severityOf implements the fixed classification table. A failing system
// actor means the platform itself broke, which outranks everything else.
func severityOf(action, result string, kind ActorKind) Severity {
	if result == ResultFailure {
		if kind == ActorSystem {
			return SeverityCritical
		}
		return SeverityHigh
	}
	if action == ActionDelete || isPermissionAction(action) {
		return SeverityMedium
	}
	return SeverityLow
}

func isPermissionAction(action string) bool {
	switch action {
	case "permission_change", "role_change", "access_grant", "access_revoke":
		return true
	}
	return false
}

// diffFields lists top-level keys whose values differ structurally between
// the two snapshots, sorted for stable output. Non-map snapshots cannot be
// diffed field by field.
func diffFields(before, after interface{}) []string {
	bm, bok := before.(map[string]interface{})
	am, aok := after.(map[string]interface{})
	if !bok && !aok {
		return nil
	}

	keys := make(map[string]struct{}, len(bm)+len(am))
	for k := range bm {
		keys[k] = struct{}{}
	}
	for k := range am {
		keys[k] = struct{}{}
	}

	var changed []string
	for k := range keys {
		if !reflect.DeepEqual(bm[k], am[k]) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func deviceInfo(rawUA string) DeviceInfo {
	if rawUA == "" {
		return DeviceInfo{}
	}

	ua := useragent.New(rawUA)
	browser, _ := ua.Browser()

	devType := "desktop"
	if ua.Bot() {
		devType = "bot"
	} else if ua.Mobile() {
		devType = "mobile"
	}

	return DeviceInfo{
		Type:    devType,
		Browser: browser,
		OS:      ua.OS(),
	}
}

// checksum stamps the immutable identity of an event. It covers the fields
// that define what happened, not the mutable presentation around it.
func checksum(ev Event) string {
	h, err := blake2b.New256(nil)
	if err != nil {
		return ""
	}

	h.Write([]byte(ev.ID))
	h.Write([]byte(ev.CorrelationID))
	h.Write([]byte(ev.Domain))
	h.Write([]byte(ev.Action))
	h.Write([]byte(ev.Result))
	h.Write([]byte(string(ev.Actor.Kind)))
	h.Write([]byte(ev.Actor.ID))
	h.Write([]byte(strconv.FormatInt(ev.Timestamp.UnixNano(), 10)))
	if ev.Target != nil {
		h.Write([]byte(ev.Target.Collection))
		h.Write([]byte(ev.Target.ID))
	}

	return hex.EncodeToString(h.Sum(nil))
}
