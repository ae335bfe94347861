package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/audittrail/audit"
)

func seedEvents(t *testing.T, m *Memory, events ...audit.Event) {
	t.Helper()
	require.NoError(t, m.InsertBatch(context.Background(), events))
}

func ev(id string, ts time.Time, mod func(*audit.Event)) audit.Event {
	e := audit.Event{
		ID:            id,
		CorrelationID: "corr-" + id,
		Timestamp:     ts,
		Domain:        "projects",
		Action:        audit.ActionUpdate,
		Severity:      audit.SeverityLow,
		Result:        audit.ResultSuccess,
		Actor:         audit.Actor{Kind: audit.ActorUser, ID: "u-1"},
	}
	if mod != nil {
		mod(&e)
	}
	return e
}

func TestInsertBatchIsIdempotentByID(t *testing.T) {
	m := NewMemory()
	base := time.Now().UTC()

	first := ev("e-1", base, nil)
	dup := ev("e-1", base.Add(time.Hour), func(e *audit.Event) { e.Action = audit.ActionDelete })

	seedEvents(t, m, first, dup, first)
	assert.Equal(t, 1, m.Len())

	got, err := m.GetByID(context.Background(), "e-1")
	require.NoError(t, err)
	assert.Equal(t, audit.ActionUpdate, got.Action, "redelivery must not overwrite the stored event")
}

func TestListNewestFirstWithPagination(t *testing.T) {
	m := NewMemory()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	var all []audit.Event
	for i := 0; i < 25; i++ {
		all = append(all, ev(fmt.Sprintf("e-%02d", i), base.Add(time.Duration(i)*time.Minute), nil))
	}
	seedEvents(t, m, all...)

	page1, total, err := m.List(context.Background(), Filter{}, Page{Number: 1, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(25), total)
	require.Len(t, page1, 10)
	assert.Equal(t, "e-24", page1[0].ID)

	page3, _, err := m.List(context.Background(), Filter{}, Page{Number: 3, Size: 10})
	require.NoError(t, err)
	assert.Len(t, page3, 5)

	// Beyond the end is empty, not an error.
	page9, total, err := m.List(context.Background(), Filter{}, Page{Number: 9, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(25), total)
	assert.Empty(t, page9)
}

func TestListFilters(t *testing.T) {
	m := NewMemory()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	seedEvents(t, m,
		ev("e-1", base, func(e *audit.Event) {
			e.Actor = audit.Actor{Kind: audit.ActorUser, ID: "u-1", Email: "a@x.com"}
			e.Target = &audit.Target{Collection: "projects", ID: "p-1"}
		}),
		ev("e-2", base.Add(time.Minute), func(e *audit.Event) {
			e.Action = audit.ActionDelete
			e.Severity = audit.SeverityMedium
			e.Actor = audit.Actor{Kind: audit.ActorUser, ID: "u-2", Email: "b@x.com"}
			e.Target = &audit.Target{Collection: "projects", ID: "p-1"}
		}),
		ev("e-3", base.Add(2*time.Minute), func(e *audit.Event) {
			e.Domain = "users"
			e.Result = audit.ResultFailure
			e.Severity = audit.SeverityHigh
			e.Actor = audit.Actor{Kind: audit.ActorContact, ID: "c-1"}
		}),
		ev("e-4", base.Add(3*time.Minute), func(e *audit.Event) {
			e.Action = audit.ActionView
			e.Target = &audit.Target{Collection: "projects", ID: "p-1"}
		}),
	)

	cases := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"by actor", Filter{ActorID: "u-2"}, []string{"e-2"}},
		{"by domain", Filter{Domain: "users"}, []string{"e-3"}},
		{"by action", Filter{Action: audit.ActionDelete}, []string{"e-2"}},
		{"by result", Filter{Result: audit.ResultFailure}, []string{"e-3"}},
		{"by severity threshold", Filter{MinSeverity: audit.SeverityMedium}, []string{"e-3", "e-2"}},
		{"by target", Filter{TargetCollection: "projects", TargetID: "p-1"}, []string{"e-4", "e-2", "e-1"}},
		{"mutations only", Filter{TargetCollection: "projects", TargetID: "p-1", MutationsOnly: true}, []string{"e-2", "e-1"}},
		{"time window", Filter{From: base.Add(time.Minute), To: base.Add(2 * time.Minute)}, []string{"e-3", "e-2"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _, err := m.List(context.Background(), tc.filter, Page{Number: 1, Size: 50})
			require.NoError(t, err)
			ids := make([]string, len(got))
			for i, e := range got {
				ids[i] = e.ID
			}
			assert.Equal(t, tc.want, ids)
		})
	}
}

func TestGetByIDNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAggregate(t *testing.T) {
	m := NewMemory()
	base := time.Now().UTC()

	seedEvents(t, m,
		ev("e-1", base, nil),
		ev("e-2", base, func(e *audit.Event) { e.Actor.ID = "u-2" }),
		ev("e-3", base, func(e *audit.Event) {
			e.Action = audit.ActionDelete
			e.Result = audit.ResultFailure
		}),
		ev("e-4", base, func(e *audit.Event) { e.Actor.ID = "" }),
	)

	stats, err := m.Aggregate(context.Background(), Filter{})
	require.NoError(t, err)

	assert.Equal(t, int64(4), stats.TotalEvents)
	assert.Equal(t, int64(3), stats.SuccessCount)
	assert.Equal(t, int64(1), stats.FailureCount)
	assert.InDelta(t, 0.75, stats.SuccessRate, 0.001)
	assert.Equal(t, int64(3), stats.ActionBreakdown[audit.ActionUpdate])
	assert.Equal(t, int64(1), stats.ActionBreakdown[audit.ActionDelete])
	assert.Equal(t, int64(2), stats.UniqueActors)
}

func TestPurgeRespectsSeverityCeiling(t *testing.T) {
	m := NewMemory()
	old := time.Now().UTC().Add(-48 * time.Hour)
	fresh := time.Now().UTC()

	seedEvents(t, m,
		ev("old-low", old, nil),
		ev("old-critical", old, func(e *audit.Event) { e.Severity = audit.SeverityCritical }),
		ev("fresh-low", fresh, nil),
	)

	purged, err := m.Purge(context.Background(), time.Now().UTC().Add(-24*time.Hour), audit.SeverityMedium)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = m.GetByID(context.Background(), "old-low")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.GetByID(context.Background(), "old-critical")
	assert.NoError(t, err, "events above the severity ceiling survive purges")

	_, err = m.GetByID(context.Background(), "fresh-low")
	assert.NoError(t, err)
}

func TestIterateStopsOnError(t *testing.T) {
	m := NewMemory()
	base := time.Now().UTC()
	seedEvents(t, m, ev("e-1", base, nil), ev("e-2", base.Add(time.Second), nil))

	var seen int
	err := m.Iterate(context.Background(), Filter{}, func(audit.Event) error {
		seen++
		return fmt.Errorf("stop")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, seen)
}
