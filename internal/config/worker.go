package config

// WorkerConfig configures the pull-worker wrapper process (C7). Exit
// codes and env vars per §6: configuration error, nonzero on operator
// failure or fenced-completion rejection.
type WorkerConfig struct {
	EnvName  string `env:"ENV_NAME"`
	LogLevel string `env:"LOG_LEVEL"`

	DispatcherBaseURL string `env:"TRACE_DISPATCHER_BASE_URL"`
	WorkerID          string `env:"TRACE_WORKER_ID"`

	RabbitURI       string `env:"RABBITMQ_URI"`
	TaskWakeupQueue string `env:"TRACE_TASK_WAKEUP_QUEUE"`
	QueueDriver     string `env:"TRACE_QUEUE_DRIVER"`

	// Primary DB fields are only read when QueueDriver is "pgqueue"; the
	// rabbitmq driver needs no database access from the worker.
	PrimaryDBHost     string `env:"DB_HOST"`
	PrimaryDBUser     string `env:"DB_USER"`
	PrimaryDBPassword string `env:"DB_PASSWORD"`
	PrimaryDBName     string `env:"DB_NAME"`
	PrimaryDBPort     string `env:"DB_PORT"`

	HeartbeatIntervalSeconds int `env:"TRACE_HEARTBEAT_INTERVAL_SECONDS"`
}

// InvokedRunnerConfig configures a one-shot invoked-runner process. It
// receives its capability token and task payload location out-of-band
// (env vars), per §6.
type InvokedRunnerConfig struct {
	DispatcherBaseURL string `env:"TRACE_DISPATCHER_BASE_URL"`
	CapabilityToken   string `env:"TRACE_CAPABILITY_TOKEN"`
	TaskPayloadPath   string `env:"TRACE_TASK_PAYLOAD_PATH"`
	TaskID            string `env:"TRACE_TASK_ID"`
	Attempt           string `env:"TRACE_ATTEMPT"`
}
