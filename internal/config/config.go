package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config is the service configuration. Values come from defaults, then an
// optional YAML file, then DEFI_* environment variables.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Server    ServerConfig    `yaml:"server"`
	Processor ProcessorConfig `yaml:"processor"`
	LogLevel  string          `yaml:"log_level"`
}

type StoreConfig struct {
	Backend       string `yaml:"backend"`
	PostgresURL   string `yaml:"postgres_url"`
	MigrationsDir string `yaml:"migrations_dir"`
	AutoMigrate   bool   `yaml:"auto_migrate"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
	MaxIdleConns  int    `yaml:"max_idle_conns"`
}

// RedisConfig enables the read-through entity cache when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Prefix   string        `yaml:"prefix"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// NATSConfig enables broker ingestion and outbound publishing when URL is
// set.
type NATSConfig struct {
	URL            string `yaml:"url"`
	IngestChanSize int    `yaml:"ingest_chan_size"`
	OutputChanSize int    `yaml:"output_chan_size"`
}

func (n NATSConfig) Enabled() bool { return n.URL != "" }

type ServerConfig struct {
	GRPCAddr     string `yaml:"grpc_addr"`
	HTTPAddr     string `yaml:"http_addr"`
	MetricsAddr  string `yaml:"metrics_addr"`
	EnableInject bool   `yaml:"enable_inject"`
}

type ProcessorConfig struct {
	LRUCapacity     int    `yaml:"lru_capacity"`
	EnforceOrdering bool   `yaml:"enforce_ordering"`
	FeeDenominator  uint32 `yaml:"fee_denominator"`
}

// Default returns a config that runs in memory with broker ingestion off.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend:       BackendMemory,
			PostgresURL:   "postgres://localhost:5432/defiledger?sslmode=disable",
			MigrationsDir: "migrations",
			AutoMigrate:   true,
			MaxOpenConns:  20,
			MaxIdleConns:  10,
		},
		Redis: RedisConfig{
			TTL:    5 * time.Minute,
			Prefix: "defiledger:",
		},
		NATS: NATSConfig{
			IngestChanSize: 4096,
			OutputChanSize: 4096,
		},
		Server: ServerConfig{
			GRPCAddr:    ":9090",
			HTTPAddr:    ":8080",
			MetricsAddr: ":9091",
		},
		Processor: ProcessorConfig{
			LRUCapacity:     1_000_000,
			EnforceOrdering: true,
			FeeDenominator:  10_000,
		},
		LogLevel: "info",
	}
}

// Load builds the config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("DEFI_STORE_BACKEND", &c.Store.Backend)
	str("DEFI_POSTGRES_URL", &c.Store.PostgresURL)
	str("DEFI_MIGRATIONS_DIR", &c.Store.MigrationsDir)
	boolean("DEFI_AUTO_MIGRATE", &c.Store.AutoMigrate)
	integer("DEFI_PG_MAX_OPEN_CONNS", &c.Store.MaxOpenConns)
	integer("DEFI_PG_MAX_IDLE_CONNS", &c.Store.MaxIdleConns)

	str("DEFI_REDIS_ADDR", &c.Redis.Addr)
	str("DEFI_REDIS_PASSWORD", &c.Redis.Password)
	integer("DEFI_REDIS_DB", &c.Redis.DB)
	str("DEFI_REDIS_PREFIX", &c.Redis.Prefix)
	if v, ok := lookup("DEFI_REDIS_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("DEFI_REDIS_TTL: %w", err))
		} else {
			c.Redis.TTL = d
		}
	}

	str("DEFI_NATS_URL", &c.NATS.URL)
	integer("DEFI_INGEST_CHAN_SIZE", &c.NATS.IngestChanSize)
	integer("DEFI_OUTPUT_CHAN_SIZE", &c.NATS.OutputChanSize)

	str("DEFI_GRPC_ADDR", &c.Server.GRPCAddr)
	str("DEFI_HTTP_ADDR", &c.Server.HTTPAddr)
	str("DEFI_METRICS_ADDR", &c.Server.MetricsAddr)
	boolean("DEFI_ENABLE_INJECT", &c.Server.EnableInject)

	integer("DEFI_LRU_CAPACITY", &c.Processor.LRUCapacity)
	boolean("DEFI_ENFORCE_ORDERING", &c.Processor.EnforceOrdering)
	if v, ok := lookup("DEFI_FEE_DENOMINATOR"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("DEFI_FEE_DENOMINATOR: %w", err))
		} else {
			c.Processor.FeeDenominator = uint32(n)
		}
	}

	str("DEFI_LOG_LEVEL", &c.LogLevel)
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.PostgresURL == "" {
			errs = append(errs, errors.New("store.postgres_url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: want %s or %s", c.Store.Backend, BackendMemory, BackendPostgres))
	}
	if c.Redis.Enabled() && c.Redis.TTL <= 0 {
		errs = append(errs, errors.New("redis.ttl must be positive"))
	}
	if c.NATS.IngestChanSize < 0 || c.NATS.OutputChanSize < 0 {
		errs = append(errs, errors.New("nats channel sizes must not be negative"))
	}
	if c.Processor.LRUCapacity <= 0 {
		errs = append(errs, errors.New("processor.lru_capacity must be positive"))
	}
	if c.Processor.FeeDenominator == 0 {
		errs = append(errs, errors.New("processor.fee_denominator must be positive"))
	}
	if c.Server.GRPCAddr == "" || c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.grpc_addr and server.http_addr are required"))
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not a known level", c.LogLevel))
	}
	return errors.Join(errs...)
}
