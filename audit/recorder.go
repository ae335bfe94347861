package audit

import (
	"context"
	"log/slog"
)

// EventSink receives every accepted event, after it has been queued for
// storage. Sinks must not block; slow delivery is their problem to manage.
type EventSink interface {
	Publish(ev Event)
}

// Recorder is the single entry point into the pipeline: normalize, queue
// for storage, fan out to sinks. Record never returns an error because
// audit failures must not disturb the operation being audited.
type Recorder struct {
	normalizer *Normalizer
	queue      *Queue
	sinks      []EventSink
	logger     *slog.Logger
}

func NewRecorder(normalizer *Normalizer, queue *Queue, logger *slog.Logger, sinks ...EventSink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		normalizer: normalizer,
		queue:      queue,
		sinks:      sinks,
		logger:     logger,
	}
}

// Record pushes one raw event through the pipeline. Validation failures are
// logged loudly and counted; they are caller bugs, not runtime noise.
func (rec *Recorder) Record(ctx context.Context, raw RawEvent) {
	ev, err := rec.normalizer.Normalize(raw)
	if err != nil {
		eventsRejected.Inc()
		rec.logger.ErrorContext(ctx, "audit event rejected",
			"error", err,
			"domain", raw.Domain,
			"action", raw.Action,
		)
		return
	}

	eventsAccepted.WithLabelValues(ev.Domain, ev.Action, string(ev.Severity)).Inc()

	rec.queue.Enqueue(ev)

	for _, sink := range rec.sinks {
		sink.Publish(ev)
	}
}

// RecordSystem is a convenience for events originating inside the platform
// rather than from an HTTP request.
func (rec *Recorder) RecordSystem(ctx context.Context, raw RawEvent) {
	raw.Actor = SystemActor()
	rec.Record(ctx, raw)
}
