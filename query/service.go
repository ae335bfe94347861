// Package query is the read side of the trail: listing, entity history,
// aggregates, exports, and retention enforcement.
package query

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/fieldline/audittrail/audit"
	"github.com/fieldline/audittrail/store"
)

type Service struct {
	store       store.EventStore
	maxPageSize int
	logger      *slog.Logger
}

func NewService(st store.EventStore, maxPageSize int, logger *slog.Logger) *Service {
	if maxPageSize <= 0 {
		maxPageSize = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		maxPageSize: maxPageSize,
		logger:      logger,
	}
}

// clampPage normalizes pagination: page numbers start at 1 and sizes stay
// inside (0, maxPageSize].
func (s *Service) clampPage(page store.Page) store.Page {
	if page.Number < 1 {
		page.Number = 1
	}
	if page.Size <= 0 {
		page.Size = 50
	}
	if page.Size > s.maxPageSize {
		page.Size = s.maxPageSize
	}
	return page
}

func (s *Service) ListEvents(ctx context.Context, filter store.Filter, page store.Page) ([]audit.Event, int64, store.Page, error) {
	page = s.clampPage(page)
	events, total, err := s.store.List(ctx, filter, page)
	if err != nil {
		return nil, 0, page, fmt.Errorf("query: list events: %w", err)
	}
	return events, total, page, nil
}

func (s *Service) GetEvent(ctx context.Context, id string) (audit.Event, error) {
	ev, err := s.store.GetByID(ctx, id)
	if err != nil {
		return audit.Event{}, fmt.Errorf("query: get event %s: %w", id, err)
	}
	return ev, nil
}

// EntityTrail returns the newest-first history of one entity. Reads are
// excluded unless asked for; nobody wants ten thousand view events in a
// change history.
func (s *Service) EntityTrail(ctx context.Context, collection, id string, includeReads bool, page store.Page) ([]audit.Event, int64, store.Page, error) {
	filter := store.Filter{
		TargetCollection: collection,
		TargetID:         id,
		MutationsOnly:    !includeReads,
	}
	return s.ListEvents(ctx, filter, page)
}

// FieldChange is one step in a field's history.
type FieldChange struct {
	EventID   string      `json:"eventId"`
	Timestamp time.Time   `json:"timestamp"`
	Actor     audit.Actor `json:"actor"`
	OldValue  interface{} `json:"oldValue,omitempty"`
	NewValue  interface{} `json:"newValue,omitempty"`
}

// FieldHistory walks the entity's update events and extracts the before and
// after values of a single field, newest-first. Events that never touched
// the field are skipped.
func (s *Service) FieldHistory(ctx context.Context, collection, id, field string) ([]FieldChange, error) {
	filter := store.Filter{
		TargetCollection: collection,
		TargetID:         id,
		Action:           audit.ActionUpdate,
	}

	history := []FieldChange{}
	err := s.store.Iterate(ctx, filter, func(ev audit.Event) error {
		if ev.Changes == nil {
			return nil
		}
		oldVal, oldOK := fieldValue(ev.Changes.Before, field)
		newVal, newOK := fieldValue(ev.Changes.After, field)
		if !oldOK && !newOK {
			return nil
		}
		history = append(history, FieldChange{
			EventID:   ev.ID,
			Timestamp: ev.Timestamp,
			Actor:     ev.Actor,
			OldValue:  oldVal,
			NewValue:  newVal,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query: field history for %s/%s.%s: %w", collection, id, field, err)
	}
	return history, nil
}

func fieldValue(snapshot interface{}, field string) (interface{}, bool) {
	m, ok := snapshot.(map[string]interface{})
	if !ok {
		return nil, false
	}
	v, present := m[field]
	return v, present
}

func (s *Service) Stats(ctx context.Context, filter store.Filter) (store.Stats, error) {
	stats, err := s.store.Aggregate(ctx, filter)
	if err != nil {
		return store.Stats{}, fmt.Errorf("query: aggregate: %w", err)
	}
	return stats, nil
}

// Recent returns the latest high-and-up severity events for dashboards.
func (s *Service) Recent(ctx context.Context, limit int) ([]audit.Event, error) {
	page := s.clampPage(store.Page{Number: 1, Size: limit})
	events, _, err := s.store.List(ctx, store.Filter{MinSeverity: audit.SeverityHigh}, page)
	if err != nil {
		return nil, fmt.Errorf("query: recent events: %w", err)
	}
	return events, nil
}

var csvHeader = []string{
	"ID", "Timestamp", "Correlation ID", "Domain", "Action", "Severity",
	"Result", "Actor Kind", "Actor ID", "Actor Email", "Target Collection",
	"Target ID", "Fields Changed", "Error",
}

// ExportCSV streams every matching event as CSV. No page cap: exports walk
// the full filtered set.
func (s *Service) ExportCSV(ctx context.Context, filter store.Filter, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("query: csv header: %w", err)
	}

	err := s.store.Iterate(ctx, filter, func(ev audit.Event) error {
		var targetCollection, targetID string
		if ev.Target != nil {
			targetCollection = ev.Target.Collection
			targetID = ev.Target.ID
		}
		var fields string
		if ev.Changes != nil {
			fields = strings.Join(ev.Changes.FieldsChanged, ";")
		}

		return cw.Write([]string{
			ev.ID,
			ev.Timestamp.Format(time.RFC3339),
			ev.CorrelationID,
			ev.Domain,
			ev.Action,
			string(ev.Severity),
			ev.Result,
			string(ev.Actor.Kind),
			ev.Actor.ID,
			ev.Actor.Email,
			targetCollection,
			targetID,
			fields,
			ev.ErrorMessage,
		})
	})
	if err != nil {
		return fmt.Errorf("query: csv export: %w", err)
	}

	cw.Flush()
	return cw.Error()
}

// ExportJSON streams matching events as a JSON array.
func (s *Service) ExportJSON(ctx context.Context, filter store.Filter, w io.Writer) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return fmt.Errorf("query: json export: %w", err)
	}

	enc := json.NewEncoder(w)
	first := true
	err := s.store.Iterate(ctx, filter, func(ev audit.Event) error {
		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		first = false
		return enc.Encode(ev)
	})
	if err != nil {
		return fmt.Errorf("query: json export: %w", err)
	}

	if _, err := io.WriteString(w, "]"); err != nil {
		return fmt.Errorf("query: json export: %w", err)
	}
	return nil
}

// PurgeOlderThan enforces retention: events older than the cutoff and at or
// below the severity ceiling are deleted. High-severity records survive
// unless explicitly included.
func (s *Service) PurgeOlderThan(ctx context.Context, olderThanDays int, maxSeverity audit.Severity) (int64, error) {
	if olderThanDays < 1 {
		return 0, fmt.Errorf("query: purge window must be at least one day, got %d", olderThanDays)
	}
	if maxSeverity == "" {
		maxSeverity = audit.SeverityMedium
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	purged, err := s.store.Purge(ctx, cutoff, maxSeverity)
	if err != nil {
		return 0, fmt.Errorf("query: purge: %w", err)
	}

	s.logger.Info("audit retention purge completed",
		"purged", purged,
		"older_than_days", olderThanDays,
		"max_severity", string(maxSeverity),
	)
	return purged, nil
}
