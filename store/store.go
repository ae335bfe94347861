// Package store persists the append-only audit trail. Events are written
// in batches, idempotently by id, and never updated.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fieldline/audittrail/audit"
)

// ErrNotFound is returned when an event id does not exist.
var ErrNotFound = errors.New("store: event not found")

// Filter narrows queries. Zero values mean "no constraint".
type Filter struct {
	From time.Time
	To   time.Time

	ActorID    string
	ActorEmail string

	Domain string
	Action string

	TargetCollection string
	TargetID         string

	CorrelationID string

	Severity    audit.Severity // exact match
	MinSeverity audit.Severity // rank threshold, inclusive

	Result string

	// MutationsOnly drops read-shaped actions (view, search, export,
	// download). Used by entity trails unless reads are requested.
	MutationsOnly bool
}

// Page is 1-based. Requesting a page past the end yields an empty slice,
// not an error.
type Page struct {
	Number int
	Size   int
}

func (p Page) Offset() int {
	n := p.Number
	if n < 1 {
		n = 1
	}
	return (n - 1) * p.Size
}

// Stats is the aggregate view over a filter.
type Stats struct {
	TotalEvents     int64            `json:"totalEvents"`
	SuccessCount    int64            `json:"successCount"`
	FailureCount    int64            `json:"failureCount"`
	SuccessRate     float64          `json:"successRate"`
	ActionBreakdown map[string]int64 `json:"actionBreakdown"`
	UniqueActors    int64            `json:"uniqueActors"`
}

// EventStore is the persistence contract. Implementations must keep the
// trail append-only: InsertBatch ignores duplicate ids and nothing ever
// rewrites a stored event. Purge is the single, deliberate exception for
// retention enforcement.
type EventStore interface {
	InsertBatch(ctx context.Context, events []audit.Event) error
	GetByID(ctx context.Context, id string) (audit.Event, error)
	List(ctx context.Context, filter Filter, page Page) ([]audit.Event, int64, error)
	Aggregate(ctx context.Context, filter Filter) (Stats, error)
	Iterate(ctx context.Context, filter Filter, fn func(audit.Event) error) error
	Purge(ctx context.Context, olderThan time.Time, maxSeverity audit.Severity) (int64, error)
}

// readActions are excluded by MutationsOnly filters.
var readActions = []string{
	audit.ActionView,
	audit.ActionSearch,
	audit.ActionExport,
	audit.ActionDownload,
	audit.ActionRequest,
}

func isReadAction(action string) bool {
	for _, a := range readActions {
		if a == action {
			return true
		}
	}
	return false
}

// severitiesAtLeast expands a rank threshold into the concrete values at or
// above it.
func severitiesAtLeast(min audit.Severity) []audit.Severity {
	all := []audit.Severity{
		audit.SeverityLow,
		audit.SeverityMedium,
		audit.SeverityHigh,
		audit.SeverityCritical,
	}
	out := make([]audit.Severity, 0, len(all))
	for _, s := range all {
		if s.Rank() >= min.Rank() {
			out = append(out, s)
		}
	}
	return out
}

// severitiesAtMost expands a purge ceiling into the concrete values at or
// below it.
func severitiesAtMost(max audit.Severity) []audit.Severity {
	all := []audit.Severity{
		audit.SeverityLow,
		audit.SeverityMedium,
		audit.SeverityHigh,
		audit.SeverityCritical,
	}
	out := make([]audit.Severity, 0, len(all))
	for _, s := range all {
		if s.Rank() <= max.Rank() {
			out = append(out, s)
		}
	}
	return out
}
