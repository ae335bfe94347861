package undo

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/audittrail/audit"
	"github.com/fieldline/audittrail/redact"
	"github.com/fieldline/audittrail/store"
)

type captureSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *captureSink) Publish(ev audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestAdvisor(t *testing.T) (*Advisor, *store.Memory, *captureSink) {
	t.Helper()
	mem := store.NewMemory()
	sink := &captureSink{}
	normalizer := audit.NewNormalizer(redact.New(redact.DefaultPolicy()))
	return NewAdvisor(mem, normalizer, slog.New(slog.DiscardHandler), sink), mem, sink
}

func storedEvent(id, action string, changes *audit.Changes) audit.Event {
	return audit.Event{
		ID:            id,
		CorrelationID: "corr-1",
		Timestamp:     time.Now().UTC(),
		Domain:        "projects",
		Action:        action,
		Severity:      audit.SeverityLow,
		Result:        audit.ResultSuccess,
		Actor:         audit.Actor{Kind: audit.ActorUser, ID: "u-1"},
		Target:        &audit.Target{Collection: "projects", ID: "p-1"},
		Changes:       changes,
	}
}

func TestCanUndoRules(t *testing.T) {
	advisor, mem, _ := newTestAdvisor(t)
	ctx := context.Background()

	require.NoError(t, mem.InsertBatch(ctx, []audit.Event{
		storedEvent("e-create", audit.ActionCreate, nil),
		storedEvent("e-update-nobefore", audit.ActionUpdate, &audit.Changes{After: map[string]interface{}{"a": 1}}),
		storedEvent("e-update", audit.ActionUpdate, &audit.Changes{
			Before: map[string]interface{}{"status": "draft"},
			After:  map[string]interface{}{"status": "active"},
		}),
		storedEvent("e-delete", audit.ActionDelete, &audit.Changes{
			Before: map[string]interface{}{"status": "active"},
		}),
	}))

	cases := []struct {
		id       string
		eligible bool
		reason   string
	}{
		{"missing", false, ReasonNotFound},
		{"e-create", false, ReasonNotUndoable},
		{"e-update-nobefore", false, ReasonNoPriorState},
		{"e-update", true, ReasonEligible},
		{"e-delete", true, ReasonEligible},
	}

	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			verdict, err := advisor.CanUndo(ctx, tc.id)
			require.NoError(t, err)
			assert.Equal(t, tc.eligible, verdict.Eligible)
			assert.Equal(t, tc.reason, verdict.Reason)
		})
	}
}

func TestCreateUndoEvent(t *testing.T) {
	advisor, mem, sink := newTestAdvisor(t)
	ctx := context.Background()

	before := map[string]interface{}{"status": "draft", "name": "Site A"}
	require.NoError(t, mem.InsertBatch(ctx, []audit.Event{
		storedEvent("e-update", audit.ActionUpdate, &audit.Changes{
			Before: before,
			After:  map[string]interface{}{"status": "active", "name": "Site A"},
		}),
	}))

	actor := audit.Actor{Kind: audit.ActorUser, ID: "u-9", Email: "undoer@x.com"}
	undoEv, err := advisor.CreateUndoEvent(ctx, "e-update", actor)
	require.NoError(t, err)

	assert.Equal(t, audit.ActionUndo, undoEv.Action)
	assert.Equal(t, "projects", undoEv.Domain)
	assert.Equal(t, "corr-1", undoEv.CorrelationID)
	assert.Equal(t, actor.ID, undoEv.Actor.ID)

	require.NotNil(t, undoEv.Target)
	assert.Equal(t, "e-update", undoEv.Target.Extra["original_event_id"])
	assert.Equal(t, audit.ActionUpdate, undoEv.Target.Extra["original_action"])

	require.NotNil(t, undoEv.Changes)
	assert.Equal(t, before, undoEv.Changes.After)

	// Persisted synchronously and published.
	stored, err := mem.GetByID(ctx, undoEv.ID)
	require.NoError(t, err)
	assert.Equal(t, undoEv.ID, stored.ID)
	assert.Equal(t, 1, sink.count())

	// Original untouched.
	original, err := mem.GetByID(ctx, "e-update")
	require.NoError(t, err)
	assert.Equal(t, audit.ActionUpdate, original.Action)
}

func TestCreateUndoEventRejectsIneligible(t *testing.T) {
	advisor, mem, sink := newTestAdvisor(t)
	ctx := context.Background()

	require.NoError(t, mem.InsertBatch(ctx, []audit.Event{
		storedEvent("e-view", audit.ActionView, nil),
	}))

	_, err := advisor.CreateUndoEvent(ctx, "e-view", audit.Actor{Kind: audit.ActorUser, ID: "u-1"})
	assert.ErrorIs(t, err, ErrNotUndoable)

	_, err = advisor.CreateUndoEvent(ctx, "missing", audit.Actor{Kind: audit.ActorUser, ID: "u-1"})
	assert.ErrorIs(t, err, ErrNotUndoable)

	assert.Equal(t, 0, sink.count())
	assert.Equal(t, 1, mem.Len())
}

func TestConcurrentUndosBothSucceed(t *testing.T) {
	advisor, mem, _ := newTestAdvisor(t)
	ctx := context.Background()

	require.NoError(t, mem.InsertBatch(ctx, []audit.Event{
		storedEvent("e-update", audit.ActionUpdate, &audit.Changes{
			Before: map[string]interface{}{"status": "draft"},
			After:  map[string]interface{}{"status": "active"},
		}),
	}))

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = advisor.CreateUndoEvent(ctx, "e-update", audit.Actor{Kind: audit.ActorUser, ID: "u-1"})
		}(i)
	}
	wg.Wait()

	// Undo does not lock the original: concurrent requests may both record
	// a compensating event. The trail shows both attempts.
	assert.NoError(t, results[0])
	assert.NoError(t, results[1])
	assert.Equal(t, 3, mem.Len())
}

func TestListUndoable(t *testing.T) {
	advisor, mem, _ := newTestAdvisor(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id, action string, changes *audit.Changes, offset time.Duration) audit.Event {
		ev := storedEvent(id, action, changes)
		ev.Timestamp = base.Add(offset)
		return ev
	}

	require.NoError(t, mem.InsertBatch(ctx, []audit.Event{
		mk("e-1", audit.ActionCreate, nil, 0),
		mk("e-2", audit.ActionUpdate, &audit.Changes{Before: map[string]interface{}{"a": 1}}, time.Minute),
		mk("e-3", audit.ActionView, nil, 2*time.Minute),
		mk("e-4", audit.ActionDelete, &audit.Changes{Before: map[string]interface{}{"a": 2}}, 3*time.Minute),
		mk("e-5", audit.ActionUpdate, nil, 4*time.Minute),
	}))

	undoable, err := advisor.ListUndoable(ctx, "projects", "p-1")
	require.NoError(t, err)

	ids := make([]string, len(undoable))
	for i, ev := range undoable {
		ids[i] = ev.ID
	}
	assert.Equal(t, []string{"e-4", "e-2"}, ids)
}
