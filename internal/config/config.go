package config

import "time"

const (
	EnvDev   = "dev"
	EnvProd  = "prod"
	EnvLocal = "local"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRemote   = "remote"
)

type Config struct {
	Env     string `env:"ENV" env-default:"prod"`
	Backend string `env:"CLAIMDECK_BACKEND" env-default:"sqlite"`
	DBPath  string `env:"CLAIMDECK_DB_PATH" env-default:".claimdeck/claimdeck.db"`
	// SnapshotPath is where the sqlite backend exports its JSONL snapshot
	// after every change. Empty disables auto snapshots.
	SnapshotPath string `env:"CLAIMDECK_SNAPSHOT_PATH" env-default:".claimdeck/snapshot.jsonl"`

	Postgres  PostgresConfig
	Cache     CacheConfig
	Claims    ClaimsConfig
	Catalog   CatalogConfig
	Reconcile ReconcileConfig
	HTTP      HTTPConfig
	Auth      AuthConfig
	Client    ClientConfig
}

type PostgresConfig struct {
	Host           string        `env:"POSTGRES_HOST" env-default:"localhost"`
	Port           int           `env:"POSTGRES_PORT" env-default:"5432"`
	Username       string        `env:"POSTGRES_USERNAME" env-default:"postgres"`
	Password       string        `env:"POSTGRES_PASSWORD"`
	Database       string        `env:"POSTGRES_DATABASE" env-default:"claimdeck"`
	SSLMode        string        `env:"POSTGRES_SSL_MODE" env-default:"disable"`
	ConnectTimeout time.Duration `env:"POSTGRES_CONNECT_TIMEOUT" env-default:"10s"`
	PingTimeout    time.Duration `env:"POSTGRES_PING_TIMEOUT" env-default:"10s"`
}

type CacheConfig struct {
	// Dir holds the compressed durable cache. Empty keeps caches in memory.
	Dir           string        `env:"CLAIMDECK_CACHE_DIR" env-default:".claimdeck/cache"`
	TTL           time.Duration `env:"CLAIMDECK_CACHE_TTL" env-default:"5m"`
	LedgerTTL     time.Duration `env:"CLAIMDECK_LEDGER_TTL" env-default:"1m"`
	SchemaVersion int           `env:"CLAIMDECK_CACHE_SCHEMA_VERSION" env-default:"1"`
}

type ClaimsConfig struct {
	MaxActive int `env:"CLAIMDECK_MAX_ACTIVE_CLAIMS" env-default:"3"`
}

type CatalogConfig struct {
	PreviewPerType   int `env:"CLAIMDECK_PREVIEW_PER_TYPE" env-default:"15"`
	SearchMaxResults int `env:"CLAIMDECK_SEARCH_MAX_RESULTS" env-default:"100"`
	PageSize         int `env:"CLAIMDECK_PAGE_SIZE" env-default:"1000"`
}

type ReconcileConfig struct {
	Debounce time.Duration `env:"CLAIMDECK_RECONCILE_DEBOUNCE" env-default:"500ms"`
}

type HTTPConfig struct {
	Host            string        `env:"HTTP_HOST" env-default:"0.0.0.0"`
	Port            string        `env:"HTTP_PORT" env-default:"8000"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"5s"`
}

type AuthConfig struct {
	SigningKey string        `env:"JWT_SIGNING_KEY"`
	TokenTTL   time.Duration `env:"JWT_TOKEN_TTL" env-default:"24h"`
}

type ClientConfig struct {
	ServerURL string `env:"CLAIMDECK_SERVER_URL" env-default:"http://localhost:8000"`
	Token     string `env:"CLAIMDECK_TOKEN"`
	// UserID is used by local backends, which trust the caller.
	UserID string `env:"CLAIMDECK_USER"`
}
