package redact

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeMasksSensitiveKeys(t *testing.T) {
	r := New(DefaultPolicy())

	in := map[string]interface{}{
		"email":        "dana@example.com",
		"password":     "hunter2",
		"apiKey":       "sk-123",
		"ClientSecret": "shhh",
		"profile": map[string]interface{}{
			"displayName": "Dana",
			"token":       "abc",
		},
	}

	out, ok := r.Sanitize(in).(map[string]interface{})
	require.True(t, ok)

	assert.Equal(t, "dana@example.com", out["email"])
	assert.Equal(t, Placeholder, out["password"])
	assert.Equal(t, Placeholder, out["apiKey"])
	assert.Equal(t, Placeholder, out["ClientSecret"])

	profile := out["profile"].(map[string]interface{})
	assert.Equal(t, "Dana", profile["displayName"])
	assert.Equal(t, Placeholder, profile["token"])
}

// Keys that merely contain a credential word are not credentials. Masking
// them would corrupt captured before/after snapshots and everything built
// on them (field history, undo restore state).
func TestSanitizeMatchesKeysExactly(t *testing.T) {
	r := New(DefaultPolicy())

	in := map[string]interface{}{
		"monkeys":    "3",
		"keyDates":   "2026-01-01",
		"tokenCount": 42,
		"passwords":  "policy doc",
		"key":        "q1-gate",
	}

	out := r.Sanitize(in).(map[string]interface{})

	assert.Equal(t, "3", out["monkeys"])
	assert.Equal(t, "2026-01-01", out["keyDates"])
	assert.Equal(t, 42, out["tokenCount"])
	assert.Equal(t, "policy doc", out["passwords"])
	assert.Equal(t, Placeholder, out["key"])
}

func TestSensitiveHeaderMatchesSubstring(t *testing.T) {
	r := New(DefaultPolicy())

	assert.True(t, r.SensitiveHeader("X-Api-Key"))
	assert.True(t, r.SensitiveHeader("X-Auth-Token"))
	assert.True(t, r.SensitiveHeader("Proxy-Authorization"))
	assert.False(t, r.SensitiveHeader("X-Client-Version"))
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	r := New(DefaultPolicy())

	in := map[string]interface{}{
		"password": "hunter2",
		"nested":   map[string]interface{}{"token": "abc"},
	}

	_ = r.Sanitize(in)

	assert.Equal(t, "hunter2", in["password"])
	assert.Equal(t, "abc", in["nested"].(map[string]interface{})["token"])
}

func TestSanitizeTruncatesDeepStructures(t *testing.T) {
	r := New(Policy{MaxDepth: 2})

	in := map[string]interface{}{
		"a": map[string]interface{}{
			"b": map[string]interface{}{
				"c": map[string]interface{}{
					"d": "too deep",
				},
			},
		},
	}

	out := r.Sanitize(in).(map[string]interface{})
	a := out["a"].(map[string]interface{})
	b := a["b"].(map[string]interface{})
	assert.Equal(t, TruncationMarker, b["c"])
}

func TestSanitizeHandlesCycles(t *testing.T) {
	r := New(DefaultPolicy())

	in := map[string]interface{}{"name": "loop"}
	in["self"] = in

	done := make(chan interface{}, 1)
	go func() { done <- r.Sanitize(in) }()

	select {
	case out := <-done:
		require.NotNil(t, out)
	case <-time.After(2 * time.Second):
		t.Fatal("sanitize did not terminate on cyclic input")
	}
}

func TestSanitizeSpecialValues(t *testing.T) {
	r := New(DefaultPolicy())

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("time formats as RFC3339", func(t *testing.T) {
		assert.Equal(t, "2025-06-01T12:00:00Z", r.Sanitize(ts))
	})

	t.Run("byte slices collapse to a size note", func(t *testing.T) {
		assert.Equal(t, "<5 bytes>", r.Sanitize([]byte("hello")))
	})

	t.Run("id-only references collapse to the id", func(t *testing.T) {
		out := r.Sanitize(map[string]interface{}{"_id": "663d1f"})
		assert.Equal(t, "663d1f", out)
	})

	t.Run("nil passes through", func(t *testing.T) {
		assert.Nil(t, r.Sanitize(nil))
	})
}

func TestSanitizeStructs(t *testing.T) {
	r := New(DefaultPolicy())

	type login struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		internal string
	}

	out := r.Sanitize(login{Email: "a@b.c", Password: "pw", internal: "x"}).(map[string]interface{})
	assert.Equal(t, "a@b.c", out["email"])
	assert.Equal(t, Placeholder, out["password"])
	assert.NotContains(t, out, "internal")
}

func TestSanitizeNeverPanics(t *testing.T) {
	r := New(DefaultPolicy())

	assert.NotPanics(t, func() {
		_ = r.Sanitize(make(chan int))
		_ = r.Sanitize(func() {})
		_ = r.Sanitize(map[interface{}]interface{}{1: "one"})
	})
}
