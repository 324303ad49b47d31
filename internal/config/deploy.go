package config

// DeployConfig configures the deploy CLI (C9): it talks to the primary
// control-plane database directly, with no queue or capability-token
// surface of its own.
type DeployConfig struct {
	EnvName  string `env:"ENV_NAME"`
	LogLevel string `env:"LOG_LEVEL"`

	PrimaryDBHost     string `env:"DB_HOST"`
	PrimaryDBUser     string `env:"DB_USER"`
	PrimaryDBPassword string `env:"DB_PASSWORD"`
	PrimaryDBName     string `env:"DB_NAME"`
	PrimaryDBPort     string `env:"DB_PORT"`
	MigrationsPath    string `env:"DB_MIGRATIONS_PATH"`

	OrgID string `env:"TRACE_DEPLOY_ORG_ID"`
}
