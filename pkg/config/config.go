package config

import (
	"os"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// Config holds every tunable for the engine. Values are resolved in order:
// built-in defaults, then the YAML policy file pointed at by CONFIG_FILE,
// then environment variables (SERVER_PORT overrides server_port, and so on).
type Config struct {
	DatabaseConnectRetryCount int           `koanf:"database_connect_retry_count"`
	DatabaseConnectRetryDelay time.Duration `koanf:"database_connect_retry_delay"`
	DatabaseBusyTimeout       time.Duration `koanf:"database_busy_timeout"`
	DatabaseMaxRetries        int           `koanf:"database_max_retries"`
	DatabaseDebug             bool          `koanf:"database_debug"`
	DatabaseFilePath          string        `koanf:"database_file_path"`
	Hostname                  string        `koanf:"hostname"`
	ServerHost                string        `koanf:"server_host"`
	ServerPort                int           `koanf:"server_port"`

	// Remote gateway.
	RemoteBaseURL string        `koanf:"remote_base_url"`
	RemoteTimeout time.Duration `koanf:"remote_timeout"`

	// Dispatcher policy.
	DispatchInterval    time.Duration `koanf:"dispatch_interval"`
	DispatchMinSpacing  time.Duration `koanf:"dispatch_min_spacing"`
	DispatchMaxAttempts int           `koanf:"dispatch_max_attempts"`
	DispatchBackoffBase time.Duration `koanf:"dispatch_backoff_base"`
	DispatchBackoffMax  time.Duration `koanf:"dispatch_backoff_max"`
	PruneInterval       time.Duration `koanf:"prune_interval"`

	// Read path and dedup policy.
	StalenessThreshold time.Duration `koanf:"staleness_threshold"`
	DedupTolerance     float64       `koanf:"dedup_tolerance"`
}

const configFileENV = "CONFIG_FILE"

func defaultConfig() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		DatabaseConnectRetryCount: 5,
		DatabaseConnectRetryDelay: 2 * time.Second,
		DatabaseBusyTimeout:       5 * time.Second,
		DatabaseMaxRetries:        5,
		Hostname:                  hostname,
		ServerHost:                "0.0.0.0",
		ServerPort:                3689,

		RemoteBaseURL: "https://api.lumehealth.io",
		RemoteTimeout: 30 * time.Second,

		DispatchInterval:    5 * time.Second,
		DispatchMinSpacing:  250 * time.Millisecond,
		DispatchMaxAttempts: 5,
		DispatchBackoffBase: 2 * time.Second,
		DispatchBackoffMax:  5 * time.Minute,
		PruneInterval:       time.Hour,

		StalenessThreshold: 15 * time.Minute,
		DedupTolerance:     1e-6,
	}
}

func New() (*Config, error) {
	k := koanf.New(".")

	configFilePath := os.Getenv(configFileENV)
	if configFilePath == "" {
		configFilePath = "/config/lume-sync.yaml"
	}
	if _, err := os.Stat(configFilePath); err == nil {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, errors.Wrap(err, "failed to load config file")
		}
	}

	// Environment variables win over the file. Keys are matched by
	// lowercasing, so SERVER_PORT maps onto server_port.
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load environment")
	}

	cfg := defaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if cfg.DatabaseFilePath == "" {
		return nil, errors.Errorf(
			"missing required config: DATABASE_FILE_PATH (%s)", toSnakeCase("DatabaseFilePath"))
	}

	return cfg, nil
}

// NewForTest returns a config suitable for package tests: in-memory database
// and fast policy timings so retry and staleness paths can be exercised
// without real waits.
func NewForTest() *Config {
	cfg := defaultConfig()
	cfg.DatabaseFilePath = ":memory:"
	cfg.ServerHost = "127.0.0.1"
	cfg.ServerPort = 0
	cfg.DispatchInterval = 10 * time.Millisecond
	cfg.DispatchMinSpacing = 0
	cfg.DispatchBackoffBase = 5 * time.Millisecond
	cfg.DispatchBackoffMax = 20 * time.Millisecond
	return cfg
}

func toSnakeCase(s string) string {
	return strcase.ToSnake(s)
}
