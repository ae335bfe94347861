package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fieldline/audittrail/audit"
	"github.com/fieldline/audittrail/database"
)

// Postgres is the production EventStore on top of a stdlib *sql.DB
// (pgx driver, OTel-instrumented).
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPostgres(db *sql.DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger}
}

// Migrate creates the events table and its indexes. Idempotent; runs at
// startup.
func (s *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id                TEXT PRIMARY KEY,
			correlation_id    TEXT NOT NULL,
			ts                TIMESTAMPTZ NOT NULL,
			domain            TEXT NOT NULL,
			action            TEXT NOT NULL,
			severity          TEXT NOT NULL,
			result            TEXT NOT NULL,
			error_message     TEXT NOT NULL DEFAULT '',
			actor_kind        TEXT NOT NULL,
			actor_id          TEXT NOT NULL DEFAULT '',
			actor_email       TEXT NOT NULL DEFAULT '',
			actor             JSONB NOT NULL,
			target_collection TEXT NOT NULL DEFAULT '',
			target_id         TEXT NOT NULL DEFAULT '',
			target            JSONB,
			changes           JSONB,
			request           JSONB,
			tags              JSONB,
			checksum          TEXT NOT NULL DEFAULT '',
			trace_id          TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS audit_events_ts_idx ON audit_events (ts DESC)`,
		`CREATE INDEX IF NOT EXISTS audit_events_actor_idx ON audit_events (actor_id, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS audit_events_target_idx ON audit_events (target_collection, target_id, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS audit_events_correlation_idx ON audit_events (correlation_id)`,
		`CREATE INDEX IF NOT EXISTS audit_events_domain_action_idx ON audit_events (domain, action)`,
		`CREATE INDEX IF NOT EXISTS audit_events_severity_idx ON audit_events (severity, ts DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate failed: %w", err)
		}
	}
	return nil
}

const insertSQL = `
	INSERT INTO audit_events (
		id, correlation_id, ts, domain, action, severity, result,
		error_message, actor_kind, actor_id, actor_email, actor,
		target_collection, target_id, target, changes, request, tags,
		checksum, trace_id
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		$11, $12, $13, $14, $15, $16, $17, $18, $19, $20
	)
	ON CONFLICT (id) DO NOTHING`

// InsertBatch writes events in one transaction, falling back to row-by-row
// inserts when the transaction aborts. One malformed event must not cost
// the rest of the batch: the bad rows are logged and skipped, everything
// else lands. Duplicate ids are silently skipped either way, which makes
// redelivery after a partial failure safe.
func (s *Postgres) InsertBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	if err := s.insertTx(ctx, events); err != nil {
		s.logger.Warn("store: batch insert failed, retrying rows individually",
			"error", err,
			"batch_size", len(events),
		)
		return s.insertRows(ctx, events)
	}
	return nil
}

func (s *Postgres) insertTx(ctx context.Context, events []audit.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return database.MapError(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return database.MapError(err)
	}
	defer stmt.Close()

	for _, ev := range events {
		args, err := insertArgs(ev)
		if err != nil {
			// A single unserializable event must not sink the batch.
			s.logger.Error("store: skipping unserializable event", "error", err, "event_id", ev.ID)
			continue
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return database.MapError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return database.MapError(err)
	}
	return nil
}

// insertRows is the degraded path: each event on its own, bad rows skipped
// with a log line. An error comes back only when nothing could be written,
// which signals an outage worth retrying rather than a poisoned row.
func (s *Postgres) insertRows(ctx context.Context, events []audit.Event) error {
	var inserted int
	var lastErr error

	for _, ev := range events {
		args, err := insertArgs(ev)
		if err != nil {
			s.logger.Error("store: skipping unserializable event", "error", err, "event_id", ev.ID)
			continue
		}
		if _, err := s.db.ExecContext(ctx, insertSQL, args...); err != nil {
			lastErr = err
			s.logger.Error("store: event rejected by database, skipping",
				"error", err,
				"event_id", ev.ID,
				"domain", ev.Domain,
			)
			continue
		}
		inserted++
	}

	if inserted == 0 && lastErr != nil {
		return database.MapError(lastErr)
	}
	return nil
}

func insertArgs(ev audit.Event) ([]interface{}, error) {
	actorJSON, err := json.Marshal(ev.Actor)
	if err != nil {
		return nil, fmt.Errorf("marshal actor: %w", err)
	}

	var targetCollection, targetID string
	targetJSON, err := marshalNullable(ev.Target)
	if err != nil {
		return nil, fmt.Errorf("marshal target: %w", err)
	}
	if ev.Target != nil {
		targetCollection = ev.Target.Collection
		targetID = ev.Target.ID
	}

	changesJSON, err := marshalNullable(ev.Changes)
	if err != nil {
		return nil, fmt.Errorf("marshal changes: %w", err)
	}
	requestJSON, err := marshalNullable(ev.Request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var tagsJSON interface{}
	if len(ev.Tags) > 0 {
		b, err := json.Marshal(ev.Tags)
		if err != nil {
			return nil, fmt.Errorf("marshal tags: %w", err)
		}
		tagsJSON = b
	}

	return []interface{}{
		ev.ID, ev.CorrelationID, ev.Timestamp, ev.Domain, ev.Action,
		string(ev.Severity), ev.Result, ev.ErrorMessage,
		string(ev.Actor.Kind), ev.Actor.ID, ev.Actor.Email, actorJSON,
		targetCollection, targetID, targetJSON, changesJSON, requestJSON,
		tagsJSON, ev.Checksum, ev.TraceID,
	}, nil
}

func marshalNullable(v interface{}) (interface{}, error) {
	switch tv := v.(type) {
	case *audit.Target:
		if tv == nil {
			return nil, nil
		}
	case *audit.Changes:
		if tv == nil {
			return nil, nil
		}
	case *audit.RequestInfo:
		if tv == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

const selectColumns = `
	id, correlation_id, ts, domain, action, severity, result,
	error_message, actor, target, changes, request, tags, checksum, trace_id`

func (s *Postgres) GetByID(ctx context.Context, id string) (audit.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM audit_events WHERE id = $1`, id)

	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return audit.Event{}, ErrNotFound
	}
	if err != nil {
		return audit.Event{}, database.MapError(err)
	}
	return ev, nil
}

func (s *Postgres) List(ctx context.Context, filter Filter, page Page) ([]audit.Event, int64, error) {
	where, args := buildWhere(filter)

	var total int64
	countQuery := `SELECT COUNT(*) FROM audit_events` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, database.MapError(err)
	}

	query := `SELECT ` + selectColumns + ` FROM audit_events` + where +
		fmt.Sprintf(` ORDER BY ts DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, page.Size, page.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, database.MapError(err)
	}
	defer rows.Close()

	events := make([]audit.Event, 0, page.Size)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, database.MapError(err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, database.MapError(err)
	}

	return events, total, nil
}

func (s *Postgres) Aggregate(ctx context.Context, filter Filter) (Stats, error) {
	where, args := buildWhere(filter)

	stats := Stats{ActionBreakdown: map[string]int64{}}

	summary := `SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE result = 'success'),
		COUNT(*) FILTER (WHERE result = 'failure'),
		COUNT(DISTINCT NULLIF(actor_id, ''))
	FROM audit_events` + where

	if err := s.db.QueryRowContext(ctx, summary, args...).Scan(
		&stats.TotalEvents, &stats.SuccessCount, &stats.FailureCount, &stats.UniqueActors,
	); err != nil {
		return Stats{}, database.MapError(err)
	}

	if stats.TotalEvents > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalEvents)
	}

	breakdown := `SELECT action, COUNT(*) FROM audit_events` + where + ` GROUP BY action`
	rows, err := s.db.QueryContext(ctx, breakdown, args...)
	if err != nil {
		return Stats{}, database.MapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return Stats{}, database.MapError(err)
		}
		stats.ActionBreakdown[action] = count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, database.MapError(err)
	}

	return stats, nil
}

// Iterate streams matching events newest-first without pagination. Used by
// exports; the callback can stop the scan by returning an error.
func (s *Postgres) Iterate(ctx context.Context, filter Filter, fn func(audit.Event) error) error {
	where, args := buildWhere(filter)
	query := `SELECT ` + selectColumns + ` FROM audit_events` + where + ` ORDER BY ts DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return database.MapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return database.MapError(err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return database.MapError(rows.Err())
}

func (s *Postgres) Purge(ctx context.Context, olderThan time.Time, maxSeverity audit.Severity) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE ts < $1 AND severity = ANY($2)`,
		olderThan, severityStrings(severitiesAtMost(maxSeverity)),
	)
	if err != nil {
		return 0, database.MapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, database.MapError(err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (audit.Event, error) {
	var (
		ev          audit.Event
		severity    string
		actorJSON   []byte
		targetJSON  []byte
		changesJSON []byte
		requestJSON []byte
		tagsJSON    []byte
	)

	err := row.Scan(
		&ev.ID, &ev.CorrelationID, &ev.Timestamp, &ev.Domain, &ev.Action,
		&severity, &ev.Result, &ev.ErrorMessage,
		&actorJSON, &targetJSON, &changesJSON, &requestJSON, &tagsJSON,
		&ev.Checksum, &ev.TraceID,
	)
	if err != nil {
		return audit.Event{}, err
	}

	ev.Severity = audit.Severity(severity)
	ev.Timestamp = ev.Timestamp.UTC()

	if err := json.Unmarshal(actorJSON, &ev.Actor); err != nil {
		return audit.Event{}, fmt.Errorf("unmarshal actor: %w", err)
	}
	if len(targetJSON) > 0 {
		ev.Target = &audit.Target{}
		if err := json.Unmarshal(targetJSON, ev.Target); err != nil {
			return audit.Event{}, fmt.Errorf("unmarshal target: %w", err)
		}
	}
	if len(changesJSON) > 0 {
		ev.Changes = &audit.Changes{}
		if err := json.Unmarshal(changesJSON, ev.Changes); err != nil {
			return audit.Event{}, fmt.Errorf("unmarshal changes: %w", err)
		}
	}
	if len(requestJSON) > 0 {
		ev.Request = &audit.RequestInfo{}
		if err := json.Unmarshal(requestJSON, ev.Request); err != nil {
			return audit.Event{}, fmt.Errorf("unmarshal request: %w", err)
		}
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &ev.Tags); err != nil {
			return audit.Event{}, fmt.Errorf("unmarshal tags: %w", err)
		}
	}

	return ev, nil
}

func buildWhere(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if !f.From.IsZero() {
		add("ts >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("ts <= $%d", f.To)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.ActorEmail != "" {
		add("actor_email = $%d", f.ActorEmail)
	}
	if f.Domain != "" {
		add("domain = $%d", f.Domain)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.TargetCollection != "" {
		add("target_collection = $%d", f.TargetCollection)
	}
	if f.TargetID != "" {
		add("target_id = $%d", f.TargetID)
	}
	if f.CorrelationID != "" {
		add("correlation_id = $%d", f.CorrelationID)
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.MinSeverity != "" {
		add("severity = ANY($%d)", severityStrings(severitiesAtLeast(f.MinSeverity)))
	}
	if f.Result != "" {
		add("result = $%d", f.Result)
	}
	if f.MutationsOnly {
		add("action <> ALL($%d)", readActions)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func severityStrings(in []audit.Severity) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
