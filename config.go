package clicktracker

import (
	"fmt"
	"os"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// StoreConfig selects and configures the durable backend.
type StoreConfig struct {
	// Type is one of sqlite, postgres, mysql, mongo.
	Type string
	// DSN is the driver connection string (file path for sqlite, URI for
	// mongo).
	DSN string
	// MongoDatabase is the database name, mongo only.
	MongoDatabase string
}

// RedisConfig enables the Redis buffer, queue and campaign cache when Addr is
// set. Left empty, the in-process implementations are used instead.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// CacheConfig tunes the campaign cache.
type CacheConfig struct {
	FreshTTL time.Duration
	StaleTTL time.Duration
}

// QueueConfig tunes flush task delivery.
type QueueConfig struct {
	PollInterval time.Duration
	LeaseTTL     time.Duration
	RetryBase    time.Duration
	RetryMax     time.Duration
	TombstoneTTL time.Duration
}

// AdminConfig protects the admin API with basic auth when Username is set.
type AdminConfig struct {
	Username string
	Password string
}

// Config is the full service configuration.
type Config struct {
	Addr        string
	FallbackURL string
	// FlushInterval is how long clicks coalesce in the write buffer before a
	// flush task moves them to the store. Zero disables buffering and counts
	// synchronously.
	FlushInterval time.Duration
	// ShardCount spreads each counter over this many store rows. Raise it for
	// campaigns hot enough to contend on a single row.
	ShardCount int
	// Platforms is the allow-list for campaign platforms.
	Platforms []string

	Store StoreConfig
	Redis RedisConfig
	Cache CacheConfig
	Queue QueueConfig
	Admin AdminConfig
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Addr:          ":8080",
		FallbackURL:   "http://outfit7.com",
		FlushInterval: 10 * time.Second,
		ShardCount:    1,
		Platforms:     []string{"android", "ios", "wp"},
		Store: StoreConfig{
			Type: "sqlite",
			DSN:  "clicktracker.db",
		},
		Cache: CacheConfig{
			FreshTTL: defaultCacheFreshTTL,
			StaleTTL: defaultCacheStaleTTL,
		},
		Queue: QueueConfig{
			PollInterval: defaultPollInterval,
			LeaseTTL:     30 * time.Second,
			RetryBase:    defaultRetryBase,
			RetryMax:     defaultRetryMax,
			TombstoneTTL: defaultTombstoneTTL,
		},
	}
}

// fileConfig mirrors Config with durations in integer units, which yaml.v2
// can decode directly.
type fileConfig struct {
	Addr                 string   `yaml:"addr"`
	FallbackURL          string   `yaml:"fallback_url"`
	FlushIntervalSeconds *int     `yaml:"flush_interval_seconds"`
	ShardCount           *int     `yaml:"shard_count"`
	Platforms            []string `yaml:"platforms"`

	Store struct {
		Type          string `yaml:"type"`
		DSN           string `yaml:"dsn"`
		MongoDatabase string `yaml:"mongo_database"`
	} `yaml:"store"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Cache struct {
		FreshTTLSeconds *int `yaml:"fresh_ttl_seconds"`
		StaleTTLSeconds *int `yaml:"stale_ttl_seconds"`
	} `yaml:"cache"`

	Queue struct {
		PollIntervalMS      *int `yaml:"poll_interval_ms"`
		LeaseTTLSeconds     *int `yaml:"lease_ttl_seconds"`
		RetryBaseSeconds    *int `yaml:"retry_base_seconds"`
		RetryMaxSeconds     *int `yaml:"retry_max_seconds"`
		TombstoneTTLSeconds *int `yaml:"tombstone_ttl_seconds"`
	} `yaml:"queue"`

	Admin struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"admin"`
}

// LoadConfig reads the YAML file at path, applies environment overrides and
// validates the result. An empty path skips the file and uses defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		var file fileConfig
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
		applyFile(&cfg, &file)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, file *fileConfig) {
	if file.Addr != "" {
		cfg.Addr = file.Addr
	}
	if file.FallbackURL != "" {
		cfg.FallbackURL = file.FallbackURL
	}
	if file.FlushIntervalSeconds != nil {
		cfg.FlushInterval = time.Duration(*file.FlushIntervalSeconds) * time.Second
	}
	if file.ShardCount != nil {
		cfg.ShardCount = *file.ShardCount
	}
	if len(file.Platforms) > 0 {
		cfg.Platforms = file.Platforms
	}
	if file.Store.Type != "" {
		cfg.Store.Type = file.Store.Type
	}
	if file.Store.DSN != "" {
		cfg.Store.DSN = file.Store.DSN
	}
	if file.Store.MongoDatabase != "" {
		cfg.Store.MongoDatabase = file.Store.MongoDatabase
	}
	cfg.Redis.Addr = file.Redis.Addr
	cfg.Redis.Password = file.Redis.Password
	cfg.Redis.DB = file.Redis.DB
	if file.Cache.FreshTTLSeconds != nil {
		cfg.Cache.FreshTTL = time.Duration(*file.Cache.FreshTTLSeconds) * time.Second
	}
	if file.Cache.StaleTTLSeconds != nil {
		cfg.Cache.StaleTTL = time.Duration(*file.Cache.StaleTTLSeconds) * time.Second
	}
	if file.Queue.PollIntervalMS != nil {
		cfg.Queue.PollInterval = time.Duration(*file.Queue.PollIntervalMS) * time.Millisecond
	}
	if file.Queue.LeaseTTLSeconds != nil {
		cfg.Queue.LeaseTTL = time.Duration(*file.Queue.LeaseTTLSeconds) * time.Second
	}
	if file.Queue.RetryBaseSeconds != nil {
		cfg.Queue.RetryBase = time.Duration(*file.Queue.RetryBaseSeconds) * time.Second
	}
	if file.Queue.RetryMaxSeconds != nil {
		cfg.Queue.RetryMax = time.Duration(*file.Queue.RetryMaxSeconds) * time.Second
	}
	if file.Queue.TombstoneTTLSeconds != nil {
		cfg.Queue.TombstoneTTL = time.Duration(*file.Queue.TombstoneTTLSeconds) * time.Second
	}
	cfg.Admin.Username = file.Admin.Username
	cfg.Admin.Password = file.Admin.Password
}

func applyEnv(cfg *Config) error {
	if value := os.Getenv("TRACKER_ADMIN_USERNAME"); value != "" {
		cfg.Admin.Username = value
	}
	if value := os.Getenv("TRACKER_ADMIN_PASSWORD"); value != "" {
		cfg.Admin.Password = value
	}
	if value := os.Getenv("TRACKER_COUNTER_UPDATE_INTERVAL_LENGTH"); value != "" {
		seconds, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("TRACKER_COUNTER_UPDATE_INTERVAL_LENGTH: %w", err)
		}
		cfg.FlushInterval = time.Duration(seconds) * time.Second
	}
	if value := os.Getenv("TRACKER_NUMBER_OF_SHARDS"); value != "" {
		shards, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("TRACKER_NUMBER_OF_SHARDS: %w", err)
		}
		cfg.ShardCount = shards
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.FallbackURL == "" {
		return fmt.Errorf("fallback_url is required")
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("flush interval cannot be negative")
	}
	if c.ShardCount < 1 {
		return fmt.Errorf("shard count must be at least 1")
	}
	if len(c.Platforms) == 0 {
		return fmt.Errorf("at least one platform is required")
	}
	switch c.Store.Type {
	case "sqlite", "postgres", "mysql":
	case "mongo":
		if c.Store.MongoDatabase == "" {
			return fmt.Errorf("mongo store requires mongo_database")
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store dsn is required")
	}
	return nil
}
