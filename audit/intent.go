package audit

import (
	"context"
	"sync"
)

type intentKey struct{}

// Intent is the per-request scratchpad handlers use to enrich the event the
// ingestion middleware will emit once the response is written. All methods
// are safe for concurrent use and safe to call when no middleware is
// installed (they become no-ops on the shared discard instance).
type Intent struct {
	mu sync.Mutex

	domain        string
	action        string
	target        *Target
	before        interface{}
	after         interface{}
	hasChanges    bool
	tags          map[string]string
	correlationID string
	explicit      bool
	suppressed    bool
}

// discardIntent absorbs calls from handlers running outside the pipeline.
var discardIntent = &Intent{}

// WithIntent installs a fresh Intent on the context.
func WithIntent(ctx context.Context) (context.Context, *Intent) {
	it := &Intent{}
	return context.WithValue(ctx, intentKey{}, it), it
}

// IntentFrom returns the request's Intent, or a discard instance when the
// ingestion middleware is not in the chain.
func IntentFrom(ctx context.Context) *Intent {
	if it, ok := ctx.Value(intentKey{}).(*Intent); ok {
		return it
	}
	return discardIntent
}

func (it *Intent) SetDomain(domain string) *Intent {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.domain = domain
	it.explicit = true
	return it
}

func (it *Intent) SetAction(action string) *Intent {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.action = action
	it.explicit = true
	return it
}

func (it *Intent) SetTarget(target Target) *Intent {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.target = &target
	it.explicit = true
	return it
}

func (it *Intent) SetChanges(before, after interface{}) *Intent {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.before = before
	it.after = after
	it.hasChanges = true
	it.explicit = true
	return it
}

func (it *Intent) SetCorrelationID(id string) *Intent {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.correlationID = id
	return it
}

func (it *Intent) AddTag(key, value string) *Intent {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.tags == nil {
		it.tags = map[string]string{}
	}
	it.tags[key] = value
	return it
}

// Suppress tells the middleware not to emit an event for this request.
func (it *Intent) Suppress() *Intent {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.suppressed = true
	return it
}

// IntentSnapshot is the immutable read the middleware takes after the
// handler finishes.
type IntentSnapshot struct {
	Domain        string
	Action        string
	Target        *Target
	Before        interface{}
	After         interface{}
	HasChanges    bool
	Tags          map[string]string
	CorrelationID string
	Explicit      bool
	Suppressed    bool
}

func (it *Intent) Snapshot() IntentSnapshot {
	it.mu.Lock()
	defer it.mu.Unlock()

	var tags map[string]string
	if len(it.tags) > 0 {
		tags = make(map[string]string, len(it.tags))
		for k, v := range it.tags {
			tags[k] = v
		}
	}

	return IntentSnapshot{
		Domain:        it.domain,
		Action:        it.action,
		Target:        it.target,
		Before:        it.before,
		After:         it.after,
		HasChanges:    it.hasChanges,
		Tags:          tags,
		CorrelationID: it.correlationID,
		Explicit:      it.explicit,
		Suppressed:    it.suppressed,
	}
}
