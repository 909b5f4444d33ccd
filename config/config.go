package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Config holds all configuration for the backend and worker processes.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	DB      DBConfig      `yaml:"database"`
	Redis   RedisConfig   `yaml:"redis"`
	Storage StorageConfig `yaml:"storage"`
	Worker  WorkerConfig  `yaml:"worker"`
	Log     LogConfig     `yaml:"log"`

	// Shared connections, initialized by Init.
	Database    *gorm.DB      `yaml:"-"`
	RedisClient *redis.Client `yaml:"-"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DBConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StorageConfig struct {
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	UseSSL         bool   `yaml:"use_ssl"`
	DatasetBucket  string `yaml:"dataset_bucket"`
	ArtifactBucket string `yaml:"artifact_bucket"`
}

type WorkerConfig struct {
	Concurrency int      `yaml:"concurrency"`
	Queues      []string `yaml:"queues"`
	MaxAttempts int      `yaml:"max_attempts"`
	// Base delay for exponential backoff between retries of transient failures.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// Jobs running longer than this are flagged by the watchdog.
	MaxJobRuntime time.Duration `yaml:"max_job_runtime"`
}

// UnmarshalYAML parses the duration fields from "30s"/"4h" strings, which
// yaml.v3 will not decode into time.Duration on its own.
func (w *WorkerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Concurrency   int      `yaml:"concurrency"`
		Queues        []string `yaml:"queues"`
		MaxAttempts   int      `yaml:"max_attempts"`
		RetryBackoff  string   `yaml:"retry_backoff"`
		MaxJobRuntime string   `yaml:"max_job_runtime"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	w.Concurrency = raw.Concurrency
	w.Queues = raw.Queues
	w.MaxAttempts = raw.MaxAttempts
	if raw.RetryBackoff != "" {
		d, err := time.ParseDuration(raw.RetryBackoff)
		if err != nil {
			return fmt.Errorf("invalid retry_backoff: %w", err)
		}
		w.RetryBackoff = d
	}
	if raw.MaxJobRuntime != "" {
		d, err := time.ParseDuration(raw.MaxJobRuntime)
		if err != nil {
			return fmt.Errorf("invalid max_job_runtime: %w", err)
		}
		w.MaxJobRuntime = d
	}
	return nil
}

type LogConfig struct {
	Path string `yaml:"path"`
}

// Load reads a YAML config file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if len(c.Worker.Queues) == 0 {
		c.Worker.Queues = []string{QueueCPU}
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 3
	}
	if c.Worker.RetryBackoff == 0 {
		c.Worker.RetryBackoff = 30 * time.Second
	}
	if c.Worker.MaxJobRuntime == 0 {
		c.Worker.MaxJobRuntime = 4 * time.Hour
	}
	if c.Storage.DatasetBucket == "" {
		c.Storage.DatasetBucket = "datasets"
	}
	if c.Storage.ArtifactBucket == "" {
		c.Storage.ArtifactBucket = "models"
	}
}

// Init opens the database and redis connections.
func (c *Config) Init() error {
	if err := c.initDatabase(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := c.initRedis(); err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	log.Println("Configuration initialized successfully")
	return nil
}

// initDatabase initializes the database connection with optimized settings
func (c *Config) initDatabase() error {
	db, err := gorm.Open(postgres.Open(c.DB.URL), &gorm.Config{
		PrepareStmt: true,
		// Skip default transaction for better performance; multi-row
		// writes open their own transactions explicitly.
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := AutoMigrate(db); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	c.Database = db
	log.Println("Database initialized successfully")
	return nil
}

func (c *Config) initRedis() error {
	client := redis.NewClient(&redis.Options{
		Addr:         c.Redis.Addr,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	c.RedisClient = client
	return nil
}

// Close closes all connections
func (c *Config) Close() {
	if c.Database != nil {
		if sqlDB, err := c.Database.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if c.RedisClient != nil {
		c.RedisClient.Close()
	}
}
