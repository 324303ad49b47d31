package config

// DispatcherConfig configures the Dispatcher API service (C5), the
// outbox publisher (C4), and the reaper (C6), which all run as goroutines
// inside the same process sharing the control-plane connection pool.
type DispatcherConfig struct {
	EnvName  string `env:"ENV_NAME"`
	LogLevel string `env:"LOG_LEVEL"`

	HTTPPort string `env:"HTTP_PORT"`

	PrimaryDBHost     string `env:"DB_HOST"`
	PrimaryDBUser     string `env:"DB_USER"`
	PrimaryDBPassword string `env:"DB_PASSWORD"`
	PrimaryDBName     string `env:"DB_NAME"`
	PrimaryDBPort     string `env:"DB_PORT"`
	ReplicaDBHost     string `env:"DB_REPLICA_HOST"`
	ReplicaDBUser     string `env:"DB_REPLICA_USER"`
	ReplicaDBPassword string `env:"DB_REPLICA_PASSWORD"`
	ReplicaDBName     string `env:"DB_REPLICA_NAME"`
	ReplicaDBPort     string `env:"DB_REPLICA_PORT"`
	MigrationsPath    string `env:"DB_MIGRATIONS_PATH"`

	RedisURI string `env:"REDIS_URI"`

	RabbitURI        string `env:"RABBITMQ_URI"`
	RabbitMQHost     string `env:"RABBITMQ_HOST"`
	RabbitMQPort     string `env:"RABBITMQ_PORT_AMQP"`
	RabbitMQUser     string `env:"RABBITMQ_DEFAULT_USER"`
	RabbitMQPass     string `env:"RABBITMQ_DEFAULT_PASS"`
	TaskWakeupQueue  string `env:"TRACE_TASK_WAKEUP_QUEUE"`
	BufferQueue      string `env:"TRACE_BUFFER_QUEUE"`

	QueueDriver string `env:"TRACE_QUEUE_DRIVER"` // "rabbitmq" | "pgqueue"

	CapabilityTokenKeyID          string `env:"TRACE_CAP_TOKEN_KEY_ID"`
	CapabilityTokenKey            string `env:"TRACE_CAP_TOKEN_KEY"`
	CapabilityTokenMarginSeconds  int    `env:"TRACE_CAP_TOKEN_MARGIN_SECONDS"` // added to a job's timeout_seconds to derive per-task token TTL (P8)

	LeaseDurationSeconds int `env:"TRACE_LEASE_DURATION_SECONDS"`

	ReaperIntervalSeconds   int `env:"TRACE_REAPER_INTERVAL_SECONDS"`
	OutboxPollIntervalMilli int `env:"TRACE_OUTBOX_POLL_INTERVAL_MS"`
	OutboxBatchSize         int `env:"TRACE_OUTBOX_BATCH_SIZE"`

	StsRoleArn string `env:"TRACE_STS_ROLE_ARN"`

	OtelServiceName         string `env:"OTEL_RESOURCE_SERVICE_NAME"`
	OtelColExporterEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	EnableTelemetry         bool   `env:"ENABLE_TELEMETRY"`
}
