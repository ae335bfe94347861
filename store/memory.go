package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fieldline/audittrail/audit"
)

// Memory is an in-process EventStore for tests and demo wiring. It honors
// the same contract as Postgres: append-only, idempotent by id,
// newest-first ordering.
type Memory struct {
	mu     sync.RWMutex
	events []audit.Event
	byID   map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{byID: map[string]struct{}{}}
}

func (m *Memory) InsertBatch(_ context.Context, events []audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ev := range events {
		if _, dup := m.byID[ev.ID]; dup {
			continue
		}
		m.byID[ev.ID] = struct{}{}
		m.events = append(m.events, ev)
	}
	return nil
}

func (m *Memory) GetByID(_ context.Context, id string) (audit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ev := range m.events {
		if ev.ID == id {
			return ev, nil
		}
	}
	return audit.Event{}, ErrNotFound
}

func (m *Memory) List(_ context.Context, filter Filter, page Page) ([]audit.Event, int64, error) {
	matched := m.matching(filter)
	total := int64(len(matched))

	offset := page.Offset()
	if offset >= len(matched) {
		return []audit.Event{}, total, nil
	}
	end := offset + page.Size
	if page.Size <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (m *Memory) Aggregate(_ context.Context, filter Filter) (Stats, error) {
	matched := m.matching(filter)

	stats := Stats{ActionBreakdown: map[string]int64{}}
	actors := map[string]struct{}{}

	for _, ev := range matched {
		stats.TotalEvents++
		if ev.Result == audit.ResultSuccess {
			stats.SuccessCount++
		} else if ev.Result == audit.ResultFailure {
			stats.FailureCount++
		}
		stats.ActionBreakdown[ev.Action]++
		if ev.Actor.ID != "" {
			actors[ev.Actor.ID] = struct{}{}
		}
	}

	stats.UniqueActors = int64(len(actors))
	if stats.TotalEvents > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalEvents)
	}
	return stats, nil
}

func (m *Memory) Iterate(_ context.Context, filter Filter, fn func(audit.Event) error) error {
	for _, ev := range m.matching(filter) {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Purge(_ context.Context, olderThan time.Time, maxSeverity audit.Severity) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	var purged int64
	for _, ev := range m.events {
		if ev.Timestamp.Before(olderThan) && ev.Severity.Rank() <= maxSeverity.Rank() {
			delete(m.byID, ev.ID)
			purged++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return purged, nil
}

// Len reports the number of stored events. Test helper.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// matching returns filtered events sorted newest-first.
func (m *Memory) matching(filter Filter) []audit.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]audit.Event, 0, len(m.events))
	for _, ev := range m.events {
		if matches(ev, filter) {
			out = append(out, ev)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func matches(ev audit.Event, f Filter) bool {
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	if f.ActorID != "" && ev.Actor.ID != f.ActorID {
		return false
	}
	if f.ActorEmail != "" && ev.Actor.Email != f.ActorEmail {
		return false
	}
	if f.Domain != "" && ev.Domain != f.Domain {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.TargetCollection != "" {
		if ev.Target == nil || ev.Target.Collection != f.TargetCollection {
			return false
		}
	}
	if f.TargetID != "" {
		if ev.Target == nil || ev.Target.ID != f.TargetID {
			return false
		}
	}
	if f.CorrelationID != "" && ev.CorrelationID != f.CorrelationID {
		return false
	}
	if f.Severity != "" && ev.Severity != f.Severity {
		return false
	}
	if f.MinSeverity != "" && ev.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if f.Result != "" && ev.Result != f.Result {
		return false
	}
	if f.MutationsOnly && isReadAction(ev.Action) {
		return false
	}
	return true
}
