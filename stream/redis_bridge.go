package stream

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fieldline/audittrail/audit"
)

// DefaultChannel is the Redis pub/sub channel the bridge uses.
const DefaultChannel = "audittrail:events"

type bridgeEnvelope struct {
	Origin string      `json:"origin"`
	Event  audit.Event `json:"event"`
}

// RedisBridge connects hubs across processes. Locally accepted events are
// published to a Redis channel; events arriving from other processes are
// replayed into the local hub. Each bridge tags envelopes with its own
// origin id so a process never re-delivers its own events.
type RedisBridge struct {
	rdb     *redis.Client
	hub     *Hub
	channel string
	origin  string
	logger  *slog.Logger
}

func NewRedisBridge(rdb *redis.Client, hub *Hub, channel string, logger *slog.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBridge{
		rdb:     rdb,
		hub:     hub,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

// Publish implements audit.EventSink: best-effort fan-out to the cluster.
func (b *RedisBridge) Publish(ev audit.Event) {
	payload, err := json.Marshal(bridgeEnvelope{Origin: b.origin, Event: ev})
	if err != nil {
		b.logger.Error("stream: bridge marshal failed", "error", err, "event_id", ev.ID)
		return
	}
	if err := b.rdb.Publish(context.Background(), b.channel, payload).Err(); err != nil {
		b.logger.Warn("stream: bridge publish failed", "error", err)
	}
}

// Run consumes the channel until the context ends, replaying remote events
// into the local hub. Intended to run in its own goroutine.
func (b *RedisBridge) Run(ctx context.Context) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env bridgeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("stream: bridge received malformed payload", "error", err)
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			b.hub.Publish(env.Event)
		}
	}
}
