package query

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/audittrail/audit"
	"github.com/fieldline/audittrail/store"
)

func newTestService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return NewService(mem, 200, slog.New(slog.DiscardHandler)), mem
}

func seed(t *testing.T, mem *store.Memory, events ...audit.Event) {
	t.Helper()
	require.NoError(t, mem.InsertBatch(context.Background(), events))
}

func projectEvent(id string, ts time.Time, action string, mod func(*audit.Event)) audit.Event {
	e := audit.Event{
		ID:            id,
		CorrelationID: "corr-" + id,
		Timestamp:     ts,
		Domain:        "projects",
		Action:        action,
		Severity:      audit.SeverityLow,
		Result:        audit.ResultSuccess,
		Actor:         audit.Actor{Kind: audit.ActorUser, ID: "u-1", Email: "u1@x.com"},
		Target:        &audit.Target{Collection: "projects", ID: "p-1"},
	}
	if mod != nil {
		mod(&e)
	}
	return e
}

func TestListEventsClampsPageSize(t *testing.T) {
	svc, mem := newTestService(t)
	base := time.Now().UTC()
	for i := 0; i < 10; i++ {
		seed(t, mem, projectEvent(fmt.Sprintf("e-%d", i), base.Add(time.Duration(i)*time.Second), audit.ActionUpdate, nil))
	}

	_, total, page, err := svc.ListEvents(context.Background(), store.Filter{}, store.Page{Number: 0, Size: 100000})
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
	assert.Equal(t, 1, page.Number)
	assert.Equal(t, 200, page.Size)
}

func TestEntityTrailExcludesReadsByDefault(t *testing.T) {
	svc, mem := newTestService(t)
	base := time.Now().UTC()

	seed(t, mem,
		projectEvent("e-create", base, audit.ActionCreate, nil),
		projectEvent("e-view", base.Add(time.Second), audit.ActionView, nil),
		projectEvent("e-update", base.Add(2*time.Second), audit.ActionUpdate, nil),
	)

	trail, total, _, err := svc.EntityTrail(context.Background(), "projects", "p-1", false, store.Page{Number: 1, Size: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, "e-update", trail[0].ID)
	assert.Equal(t, "e-create", trail[1].ID)

	withReads, total, _, err := svc.EntityTrail(context.Background(), "projects", "p-1", true, store.Page{Number: 1, Size: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, withReads, 3)
}

func TestFieldHistory(t *testing.T) {
	svc, mem := newTestService(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	seed(t, mem,
		projectEvent("e-1", base, audit.ActionUpdate, func(e *audit.Event) {
			e.Changes = &audit.Changes{
				Before:        map[string]interface{}{"status": "draft"},
				After:         map[string]interface{}{"status": "active"},
				FieldsChanged: []string{"status"},
			}
		}),
		projectEvent("e-2", base.Add(time.Hour), audit.ActionUpdate, func(e *audit.Event) {
			e.Changes = &audit.Changes{
				Before:        map[string]interface{}{"name": "Old"},
				After:         map[string]interface{}{"name": "New"},
				FieldsChanged: []string{"name"},
			}
		}),
		projectEvent("e-3", base.Add(2*time.Hour), audit.ActionUpdate, func(e *audit.Event) {
			e.Changes = &audit.Changes{
				Before:        map[string]interface{}{"status": "active"},
				After:         map[string]interface{}{"status": "archived"},
				FieldsChanged: []string{"status"},
			}
		}),
		// Deletes don't contribute to field history.
		projectEvent("e-4", base.Add(3*time.Hour), audit.ActionDelete, func(e *audit.Event) {
			e.Changes = &audit.Changes{Before: map[string]interface{}{"status": "archived"}}
		}),
	)

	history, err := svc.FieldHistory(context.Background(), "projects", "p-1", "status")
	require.NoError(t, err)

	require.Len(t, history, 2)
	assert.Equal(t, "e-3", history[0].EventID)
	assert.Equal(t, "active", history[0].OldValue)
	assert.Equal(t, "archived", history[0].NewValue)
	assert.Equal(t, "e-1", history[1].EventID)
	assert.Equal(t, "draft", history[1].OldValue)
	assert.Equal(t, "active", history[1].NewValue)
}

func TestRecentFiltersBySeverity(t *testing.T) {
	svc, mem := newTestService(t)
	base := time.Now().UTC()

	seed(t, mem,
		projectEvent("e-low", base, audit.ActionUpdate, nil),
		projectEvent("e-high", base.Add(time.Second), audit.ActionUpdate, func(e *audit.Event) {
			e.Severity = audit.SeverityHigh
			e.Result = audit.ResultFailure
		}),
		projectEvent("e-critical", base.Add(2*time.Second), audit.ActionUpdate, func(e *audit.Event) {
			e.Severity = audit.SeverityCritical
		}),
	)

	events, err := svc.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e-critical", events[0].ID)
	assert.Equal(t, "e-high", events[1].ID)
}

func TestExportCSV(t *testing.T) {
	svc, mem := newTestService(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	seed(t, mem,
		projectEvent("e-1", base, audit.ActionUpdate, func(e *audit.Event) {
			e.Changes = &audit.Changes{FieldsChanged: []string{"name", "status"}}
		}),
		projectEvent("e-2", base.Add(time.Hour), audit.ActionDelete, func(e *audit.Event) {
			e.ErrorMessage = `quoted "message", with comma`
			e.Result = audit.ResultFailure
		}),
	)

	var buf bytes.Buffer
	require.NoError(t, svc.ExportCSV(context.Background(), store.Filter{}, &buf))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)

	require.Len(t, records, 3) // header + 2 rows
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "e-2", records[1][0])
	assert.Equal(t, `quoted "message", with comma`, records[1][13])
	assert.Equal(t, "name;status", records[2][12])
}

func TestExportJSONIsValid(t *testing.T) {
	svc, mem := newTestService(t)
	base := time.Now().UTC()
	seed(t, mem,
		projectEvent("e-1", base, audit.ActionUpdate, nil),
		projectEvent("e-2", base.Add(time.Second), audit.ActionUpdate, nil),
	)

	var buf bytes.Buffer
	require.NoError(t, svc.ExportJSON(context.Background(), store.Filter{}, &buf))

	var out []audit.Event
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Len(t, out, 2)
}

func TestPurgeOlderThanValidatesWindow(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.PurgeOlderThan(context.Background(), 0, audit.SeverityMedium)
	assert.Error(t, err)
}

func TestPurgeOlderThanDeletesOldLowSeverity(t *testing.T) {
	svc, mem := newTestService(t)

	seed(t, mem,
		projectEvent("e-old", time.Now().UTC().AddDate(0, 0, -400), audit.ActionUpdate, nil),
		projectEvent("e-new", time.Now().UTC(), audit.ActionUpdate, nil),
	)

	purged, err := svc.PurgeOlderThan(context.Background(), 365, audit.SeverityMedium)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	assert.Equal(t, 1, mem.Len())
}
