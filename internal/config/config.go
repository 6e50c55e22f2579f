package config

import (
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     Server     `yaml:"server"`
	Database   Database   `yaml:"database"`
	Redis      Redis      `yaml:"redis"`
	Auth       Auth       `yaml:"auth"`
	Gateway    Gateway    `yaml:"gateway"`
	Retry      Retry      `yaml:"retry"`
	Reconciler Reconciler `yaml:"reconciler"`
	Log        Log        `yaml:"log"`
}

// Server holds HTTP server configuration
type Server struct {
	Host         string        `yaml:"host" env:"SERVER_HOST" env-default:"0.0.0.0"`
	Port         string        `yaml:"port" env:"SERVER_PORT" env-default:"8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT" env-default:"60s"`
}

// Address returns the full server address
func (s Server) Address() string {
	return s.Host + ":" + s.Port
}

// Database holds database configuration. An empty DSN selects the in-memory
// store.
type Database struct {
	PostgresDSN string `yaml:"postgres_dsn" env:"DATABASE_URL"`

	// Connection pool settings
	MaxConns     int32         `yaml:"max_conns" env:"DB_MAX_CONNS" env-default:"25"`
	MinConns     int32         `yaml:"min_conns" env:"DB_MIN_CONNS" env-default:"5"`
	ConnLifetime time.Duration `yaml:"conn_lifetime" env:"DB_CONN_LIFETIME" env-default:"5m"`
	AutoMigrate  bool          `yaml:"auto_migrate" env:"DB_AUTO_MIGRATE" env-default:"true"`
}

// Redis holds the cross-node event relay configuration. An empty URL keeps
// delivery in-process.
type Redis struct {
	URL     string `yaml:"url" env:"REDIS_URL"`
	Channel string `yaml:"channel" env:"REDIS_CHANNEL" env-default:"chat:events"`

	// How long a relayed message waits for a missing predecessor
	ReorderWindow time.Duration `yaml:"reorder_window" env:"REDIS_REORDER_WINDOW" env-default:"250ms"`
}

// Auth holds configuration for the auth collaborator
type Auth struct {
	// Mode is "header" (trust a gateway-set user header) or "remote"
	// (verify bearer tokens against VerifyURL)
	Mode      string        `yaml:"mode" env:"AUTH_MODE" env-default:"header"`
	Header    string        `yaml:"header" env:"AUTH_HEADER" env-default:"X-User-ID"`
	VerifyURL string        `yaml:"verify_url" env:"AUTH_VERIFY_URL"`
	Timeout   time.Duration `yaml:"timeout" env:"AUTH_TIMEOUT" env-default:"5s"`
}

// Gateway holds websocket configuration
type Gateway struct {
	ReadLimit      int64         `yaml:"read_limit" env:"WS_READ_LIMIT" env-default:"16384"`
	PongWait       time.Duration `yaml:"pong_wait" env:"WS_PONG_WAIT" env-default:"60s"`
	PingPeriod     time.Duration `yaml:"ping_period" env:"WS_PING_PERIOD" env-default:"54s"`
	WriteWait      time.Duration `yaml:"write_wait" env:"WS_WRITE_WAIT" env-default:"10s"`
	SendBuffer     int           `yaml:"send_buffer" env:"WS_SEND_BUFFER" env-default:"128"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"WS_REQUEST_TIMEOUT" env-default:"10s"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"WS_ALLOWED_ORIGINS" env-separator:","`
	JanitorPeriod  time.Duration `yaml:"janitor_period" env:"WS_JANITOR_PERIOD" env-default:"30s"`
}

// Retry holds the retry policy for transient store failures
type Retry struct {
	Attempts  int           `yaml:"attempts" env:"RETRY_ATTEMPTS" env-default:"3"`
	BaseDelay time.Duration `yaml:"base_delay" env:"RETRY_BASE_DELAY" env-default:"50ms"`
}

// Reconciler holds configuration of the unread-count repair job
type Reconciler struct {
	Enabled   bool          `yaml:"enabled" env:"RECONCILER_ENABLED" env-default:"true"`
	Interval  time.Duration `yaml:"interval" env:"RECONCILER_INTERVAL" env-default:"5m"`
	BatchSize int           `yaml:"batch_size" env:"RECONCILER_BATCH_SIZE" env-default:"100"`
}

// Log holds logging configuration
type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// SlogLevel maps Level to a slog level, defaulting to info
func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MustLoad loads configuration from environment and panics on error
func MustLoad() Config {
	// Load .env file if exists (for development)
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	return cfg
}

// LoadFromFile loads configuration from a YAML file; environment variables
// override file values
func LoadFromFile(path string) (Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
