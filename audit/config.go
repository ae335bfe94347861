package audit

import "time"

type Config struct {
	// Enabled determines if audit ingestion is active.
	Enabled bool `envconfig:"AUDIT_ENABLED" default:"true"`

	// BufferSize caps the delivery queue. When full, new events are
	// dropped and counted; the request path never blocks on audit.
	BufferSize int `envconfig:"AUDIT_BUFFER_SIZE" default:"10000"`

	// BatchSize is the store write batch.
	BatchSize int `envconfig:"AUDIT_BATCH_SIZE" default:"100" validate:"min=1,max=1000"`

	// FlushInterval is how often the queue drains regardless of depth.
	FlushInterval time.Duration `envconfig:"AUDIT_FLUSH_INTERVAL" default:"5s"`

	// MaxAttempts bounds batch write retries before a batch is abandoned.
	MaxAttempts int `envconfig:"AUDIT_MAX_ATTEMPTS" default:"3" validate:"min=1,max=10"`

	// MaxBodySize caps the request body capture.
	MaxBodySize int64 `envconfig:"AUDIT_MAX_BODY_SIZE" default:"32768"`

	// ExcludePaths lists path prefixes the ingestion middleware skips.
	// The audit API itself is excluded so reading the trail does not
	// write to it.
	ExcludePaths []string `envconfig:"AUDIT_EXCLUDE_PATHS" default:"/health,/ready,/metrics,/api/audit"`

	// ExcludeHeaders lists request headers never captured onto events.
	// Anything not excluded is still subject to value redaction.
	ExcludeHeaders []string `envconfig:"AUDIT_EXCLUDE_HEADERS" default:"Cookie,Set-Cookie,Authorization,X-Contact-User"`

	// SensitiveFields extends the default redaction key set.
	SensitiveFields []string `envconfig:"AUDIT_SENSITIVE_FIELDS"`

	// MaxDepth bounds payload sanitization recursion.
	MaxDepth int `envconfig:"AUDIT_MAX_DEPTH" default:"4" validate:"min=1,max=16"`

	// MaxPageSize caps query pagination.
	MaxPageSize int `envconfig:"AUDIT_MAX_PAGE_SIZE" default:"200" validate:"min=1"`

	// RetentionDays is the default age threshold for the purge operation.
	RetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"365" validate:"min=1"`

	// KafkaBrokers enables the Kafka mirror sink when non-empty.
	KafkaBrokers []string `envconfig:"AUDIT_KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"AUDIT_KAFKA_TOPIC" default:"crm.audit.events"`
}
