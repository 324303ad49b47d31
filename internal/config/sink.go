package config

// SinkConfig configures the buffered sink consumer (C8).
type SinkConfig struct {
	EnvName  string `env:"ENV_NAME"`
	LogLevel string `env:"LOG_LEVEL"`

	MongoURI    string `env:"MONGO_URI"`
	MongoDBName string `env:"MONGO_NAME"`

	RabbitURI    string `env:"RABBITMQ_URI"`
	BufferQueue  string `env:"TRACE_BUFFER_QUEUE"`
	QueueDriver  string `env:"TRACE_QUEUE_DRIVER"`

	PrimaryDBHost     string `env:"DB_HOST"`
	PrimaryDBUser     string `env:"DB_USER"`
	PrimaryDBPassword string `env:"DB_PASSWORD"`
	PrimaryDBName     string `env:"DB_NAME"`
	PrimaryDBPort     string `env:"DB_PORT"`

	DispatcherBaseURL string `env:"TRACE_DISPATCHER_BASE_URL"`
	SystemCapability  string `env:"TRACE_SINK_SYSTEM_CAPABILITY"`

	MaxReceiveCount int `env:"TRACE_SINK_MAX_RECEIVE_COUNT"`

	NumWorkers int `env:"TRACE_SINK_NUM_WORKERS"`
}
