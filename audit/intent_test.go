package audit

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntentRoundTrip(t *testing.T) {
	ctx, it := WithIntent(context.Background())

	IntentFrom(ctx).
		SetDomain("projects").
		SetAction(ActionUpdate).
		SetTarget(Target{Collection: "projects", ID: "p-1"}).
		SetChanges(map[string]interface{}{"a": 1}, map[string]interface{}{"a": 2}).
		AddTag("source", "test")

	snap := it.Snapshot()
	assert.Equal(t, "projects", snap.Domain)
	assert.Equal(t, ActionUpdate, snap.Action)
	require.NotNil(t, snap.Target)
	assert.Equal(t, "p-1", snap.Target.ID)
	assert.True(t, snap.HasChanges)
	assert.True(t, snap.Explicit)
	assert.Equal(t, "test", snap.Tags["source"])
}

func TestIntentFromBareContextIsSafe(t *testing.T) {
	assert.NotPanics(t, func() {
		IntentFrom(context.Background()).SetDomain("x").SetAction("y")
	})
}

func TestIntentConcurrentWrites(t *testing.T) {
	_, it := WithIntent(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			it.SetDomain("projects")
			it.AddTag("k", "v")
			_ = it.Snapshot()
		}()
	}
	wg.Wait()

	assert.Equal(t, "projects", it.Snapshot().Domain)
}
