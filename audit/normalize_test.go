package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/audittrail/redact"
)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(redact.New(redact.DefaultPolicy()))
}

func TestNormalizeFillsIdentity(t *testing.T) {
	n := newTestNormalizer()

	ev, err := n.Normalize(RawEvent{Domain: "projects", Action: ActionCreate})
	require.NoError(t, err)

	assert.NotEmpty(t, ev.ID)
	assert.NotEmpty(t, ev.CorrelationID)
	assert.NotEmpty(t, ev.Checksum)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, ResultSuccess, ev.Result)
	assert.Equal(t, ActorAnonymous, ev.Actor.Kind)
}

func TestNormalizeReusesCorrelationID(t *testing.T) {
	n := newTestNormalizer()

	ev, err := n.Normalize(RawEvent{
		Domain:        "projects",
		Action:        ActionUpdate,
		CorrelationID: "corr-123",
	})
	require.NoError(t, err)
	assert.Equal(t, "corr-123", ev.CorrelationID)
}

func TestNormalizeValidation(t *testing.T) {
	n := newTestNormalizer()

	cases := map[string]RawEvent{
		"missing domain":   {Action: ActionCreate},
		"missing action":   {Domain: "projects"},
		"uppercase domain": {Domain: "Projects", Action: ActionCreate},
		"uppercase action": {Domain: "projects", Action: "CREATE"},
		"bad result":       {Domain: "projects", Action: ActionCreate, Result: "maybe"},
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := n.Normalize(raw)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestNormalizeSeverityTable(t *testing.T) {
	n := newTestNormalizer()

	cases := []struct {
		name   string
		raw    RawEvent
		expect Severity
	}{
		{
			name:   "system failure is critical",
			raw:    RawEvent{Domain: "billing", Action: ActionUpdate, Result: ResultFailure, Actor: SystemActor()},
			expect: SeverityCritical,
		},
		{
			name:   "user failure is high",
			raw:    RawEvent{Domain: "billing", Action: ActionUpdate, Result: ResultFailure, Actor: Actor{Kind: ActorUser, ID: "u-1"}},
			expect: SeverityHigh,
		},
		{
			name:   "delete is medium",
			raw:    RawEvent{Domain: "projects", Action: ActionDelete},
			expect: SeverityMedium,
		},
		{
			name:   "permission change is medium",
			raw:    RawEvent{Domain: "users", Action: "permission_change"},
			expect: SeverityMedium,
		},
		{
			name:   "plain update is low",
			raw:    RawEvent{Domain: "projects", Action: ActionUpdate},
			expect: SeverityLow,
		},
		{
			name:   "read is low",
			raw:    RawEvent{Domain: "projects", Action: ActionView},
			expect: SeverityLow,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := n.Normalize(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.expect, ev.Severity)
		})
	}
}

func TestNormalizeRedactsAllPayloads(t *testing.T) {
	n := newTestNormalizer()

	ev, err := n.Normalize(RawEvent{
		Domain: "users",
		Action: ActionUpdate,
		Before: map[string]interface{}{"email": "a@b.c", "password": "old"},
		After:  map[string]interface{}{"email": "a@b.c", "password": "new"},
		Method: "PUT",
		Path:   "/api/users/1",
		Query:  map[string]interface{}{"token": "q-secret"},
		Body:   map[string]interface{}{"apiKey": "b-secret"},
	})
	require.NoError(t, err)

	require.NotNil(t, ev.Changes)
	assert.Equal(t, redact.Placeholder, ev.Changes.Before.(map[string]interface{})["password"])
	assert.Equal(t, redact.Placeholder, ev.Changes.After.(map[string]interface{})["password"])

	require.NotNil(t, ev.Request)
	assert.Equal(t, redact.Placeholder, ev.Request.Query.(map[string]interface{})["token"])
	assert.Equal(t, redact.Placeholder, ev.Request.Body.(map[string]interface{})["apiKey"])
}

func TestNormalizeFieldsChanged(t *testing.T) {
	n := newTestNormalizer()

	ev, err := n.Normalize(RawEvent{
		Domain: "projects",
		Action: ActionUpdate,
		Before: map[string]interface{}{
			"name":   "Old Site",
			"status": "active",
			"budget": map[string]interface{}{"total": 100},
		},
		After: map[string]interface{}{
			"name":    "New Site",
			"status":  "active",
			"budget":  map[string]interface{}{"total": 150},
			"foreman": "Dana",
		},
	})
	require.NoError(t, err)

	require.NotNil(t, ev.Changes)
	assert.Equal(t, []string{"budget", "foreman", "name"}, ev.Changes.FieldsChanged)
}

func TestNormalizeTimestampsNeverRunBackwards(t *testing.T) {
	n := newTestNormalizer()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first, err := n.Normalize(RawEvent{Domain: "projects", Action: ActionCreate, Timestamp: base})
	require.NoError(t, err)

	// Simulated clock step backwards.
	second, err := n.Normalize(RawEvent{Domain: "projects", Action: ActionUpdate, Timestamp: base.Add(-time.Minute)})
	require.NoError(t, err)

	assert.False(t, second.Timestamp.Before(first.Timestamp))
	assert.Equal(t, first.Timestamp, second.Timestamp)
}

func TestNormalizeDeviceInfo(t *testing.T) {
	n := newTestNormalizer()

	ev, err := n.Normalize(RawEvent{
		Domain:    "projects",
		Action:    ActionView,
		Method:    "GET",
		Path:      "/api/projects",
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
	})
	require.NoError(t, err)

	require.NotNil(t, ev.Request)
	assert.Equal(t, "mobile", ev.Request.Device.Type)
	assert.NotEmpty(t, ev.Request.Device.Browser)
}

func TestIsMutation(t *testing.T) {
	mutating := Event{Action: ActionDelete}
	read := Event{Action: ActionView}

	assert.True(t, mutating.IsMutation())
	assert.False(t, read.IsMutation())
}
