// Package undo decides whether a recorded mutation can be reversed and
// synthesizes the compensating event when it can.
package undo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fieldline/audittrail/audit"
	"github.com/fieldline/audittrail/store"
)

// ErrNotUndoable is returned by CreateUndoEvent when the eligibility check
// fails. The wrapped message carries the reason.
var ErrNotUndoable = errors.New("undo: event not undoable")

// Verdict is the structured answer to "can this be undone".
type Verdict struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
}

const (
	ReasonEligible     = "eligible"
	ReasonNotFound     = "event not found"
	ReasonNotUndoable  = "action not undoable"
	ReasonNoPriorState = "no prior state captured"
)

// Advisor answers undo questions against the stored trail. Undo events are
// written synchronously: the caller is waiting on the outcome, so this is
// the one write path that bypasses the delivery queue.
type Advisor struct {
	store      store.EventStore
	normalizer *audit.Normalizer
	sinks      []audit.EventSink
	logger     *slog.Logger
}

func NewAdvisor(st store.EventStore, normalizer *audit.Normalizer, logger *slog.Logger, sinks ...audit.EventSink) *Advisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisor{
		store:      st,
		normalizer: normalizer,
		sinks:      sinks,
		logger:     logger,
	}
}

// CanUndo applies the eligibility rules in order. It distinguishes "no"
// answers from lookup failures: only infrastructure errors are returned as
// errors.
func (a *Advisor) CanUndo(ctx context.Context, eventID string) (Verdict, error) {
	ev, err := a.store.GetByID(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return Verdict{Eligible: false, Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return Verdict{}, fmt.Errorf("undo: lookup %s: %w", eventID, err)
	}
	return verdictFor(ev), nil
}

func verdictFor(ev audit.Event) Verdict {
	if ev.Action != audit.ActionUpdate && ev.Action != audit.ActionDelete {
		return Verdict{Eligible: false, Reason: ReasonNotUndoable}
	}
	if ev.Changes == nil || ev.Changes.Before == nil {
		return Verdict{Eligible: false, Reason: ReasonNoPriorState}
	}
	return Verdict{Eligible: true, Reason: ReasonEligible}
}

// CreateUndoEvent re-validates eligibility and persists a compensating
// event whose "after" state is the original's "before" state. The original
// event is never modified.
func (a *Advisor) CreateUndoEvent(ctx context.Context, eventID string, actor audit.Actor) (audit.Event, error) {
	original, err := a.store.GetByID(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return audit.Event{}, fmt.Errorf("%w: %s", ErrNotUndoable, ReasonNotFound)
	}
	if err != nil {
		return audit.Event{}, fmt.Errorf("undo: lookup %s: %w", eventID, err)
	}

	if v := verdictFor(original); !v.Eligible {
		return audit.Event{}, fmt.Errorf("%w: %s", ErrNotUndoable, v.Reason)
	}

	target := *original.Target
	if target.Extra == nil {
		target.Extra = map[string]interface{}{}
	} else {
		extra := make(map[string]interface{}, len(target.Extra)+2)
		for k, v := range target.Extra {
			extra[k] = v
		}
		target.Extra = extra
	}
	target.Extra["original_event_id"] = original.ID
	target.Extra["original_action"] = original.Action

	undoEv, err := a.normalizer.Normalize(audit.RawEvent{
		Domain:        original.Domain,
		Action:        audit.ActionUndo,
		CorrelationID: original.CorrelationID,
		Actor:         actor,
		Target:        &target,
		After:         original.Changes.Before,
	})
	if err != nil {
		return audit.Event{}, fmt.Errorf("undo: normalize: %w", err)
	}

	if err := a.store.InsertBatch(ctx, []audit.Event{undoEv}); err != nil {
		return audit.Event{}, fmt.Errorf("undo: persist: %w", err)
	}

	for _, sink := range a.sinks {
		sink.Publish(undoEv)
	}

	a.logger.InfoContext(ctx, "undo event recorded",
		"event_id", undoEv.ID,
		"original_event_id", original.ID,
		"domain", undoEv.Domain,
	)
	return undoEv, nil
}

// ListUndoable returns the entity's mutations that would pass CanUndo
// right now, newest-first.
func (a *Advisor) ListUndoable(ctx context.Context, collection, id string) ([]audit.Event, error) {
	filter := store.Filter{
		TargetCollection: collection,
		TargetID:         id,
		MutationsOnly:    true,
	}

	var undoable []audit.Event
	err := a.store.Iterate(ctx, filter, func(ev audit.Event) error {
		if verdictFor(ev).Eligible {
			undoable = append(undoable, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("undo: list undoable for %s/%s: %w", collection, id, err)
	}
	return undoable, nil
}
