package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/db"
	"judgeflow/internal/common/mq"
	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/backend/remote"
	"judgeflow/internal/judge/datacache"
	"judgeflow/internal/judge/lock"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/queue"
	"judgeflow/internal/judge/sandbox"
	"judgeflow/internal/judge/server"
	"judgeflow/internal/judge/task"
	"judgeflow/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8888"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultBucket          = "judge"
	defaultQueuePrefix     = "judge:queue:"
	defaultStatusTTL       = 10 * time.Minute
	defaultProblemTTL      = 30 * time.Second
	defaultProblemTimeout  = 5 * time.Second
	defaultReapInterval    = time.Minute
	defaultPruneInterval   = time.Hour
	defaultPruneAge        = 7 * 24 * time.Hour
	defaultCookieTTL       = 24 * time.Hour
	defaultBlobPath        = "/blob"

	driverMemory = "memory"
	driverRedis  = "redis"
	driverMySQL  = "mysql"
	driverMinIO  = "minio"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	// PublicURL is how workers and browsers reach this server. Presigned
	// links of the memory blob store are built from it.
	PublicURL string `yaml:"publicURL"`
}

// KafkaConfig holds Kafka settings. Kafka is optional; without brokers
// submissions only arrive over HTTP and record changes stay in process.
type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers"`
	ClientID        string        `yaml:"clientID"`
	MinBytes        int           `yaml:"minBytes"`
	MaxBytes        int           `yaml:"maxBytes"`
	MaxWait         time.Duration `yaml:"maxWait"`
	BatchSize       int           `yaml:"batchSize"`
	BatchTimeout    time.Duration `yaml:"batchTimeout"`
	DialTimeout     time.Duration `yaml:"dialTimeout"`
	SubmissionTopic string        `yaml:"submissionTopic"`
	ChangeTopic     string        `yaml:"changeTopic"`
	ConsumerGroup   string        `yaml:"consumerGroup"`
	Concurrency     int           `yaml:"concurrency"`
	MaxRetries      int           `yaml:"maxRetries"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
}

// StoreConfig picks the backends of the queue, the record store and the
// blob store.
type StoreConfig struct {
	Queue   string `yaml:"queue"`
	Records string `yaml:"records"`
	Blob    string `yaml:"blob"`
	// QueuePrefix namespaces the redis queue keys.
	QueuePrefix string        `yaml:"queuePrefix"`
	LeaseTTL    time.Duration `yaml:"leaseTTL"`
	StatusTTL   time.Duration `yaml:"statusTTL"`
}

// ProblemConfig controls problem lookups in the blob store.
type ProblemConfig struct {
	CacheTTL time.Duration `yaml:"cacheTTL"`
	Timeout  time.Duration `yaml:"timeout"`
}

// BuiltinConfig controls the judge worker running inside the server. Its
// cache and runner settings are shared with the remote judge workers.
type BuiltinConfig struct {
	Enabled       bool                 `yaml:"enabled"`
	TmpDir        string               `yaml:"tmpDir"`
	Cache         datacache.Config     `yaml:"cache"`
	Sandbox       sandbox.ClientConfig `yaml:"sandbox"`
	Runner        task.Config          `yaml:"runner"`
	Consumer      queue.ConsumerConfig `yaml:"consumer"`
	PruneInterval time.Duration        `yaml:"pruneInterval"`
	PruneAge      time.Duration        `yaml:"pruneAge"`
	// LockTTL is the lease of the cache lock, renewed while a sync runs.
	LockTTL       time.Duration        `yaml:"lockTTL"`
}

// RemoteConfig controls the remote judge workers.
type RemoteConfig struct {
	Enabled   bool                 `yaml:"enabled"`
	CSGOJ     remote.Account       `yaml:"csgoj"`
	CookieTTL time.Duration        `yaml:"cookieTTL"`
	Consumer  queue.ConsumerConfig `yaml:"consumer"`
}

// AppConfig holds judge-server config.
type AppConfig struct {
	Server       ServerConfig        `yaml:"server"`
	Logger       logger.Config       `yaml:"logger"`
	Store        StoreConfig         `yaml:"store"`
	Kafka        KafkaConfig         `yaml:"kafka"`
	Database     db.MySQLConfig      `yaml:"database"`
	Redis        cache.RedisConfig   `yaml:"redis"`
	MinIO        storage.MinIOConfig `yaml:"minio"`
	Judge        server.Config       `yaml:"judge"`
	Problem      ProblemConfig       `yaml:"problem"`
	Builtin      BuiltinConfig       `yaml:"builtin"`
	Remote       RemoteConfig        `yaml:"remote"`
	Languages    model.LanguageMap   `yaml:"languages"`
	ReapInterval time.Duration       `yaml:"reapInterval"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Store.Queue == "" {
		cfg.Store.Queue = driverMemory
	}
	if cfg.Store.Records == "" {
		cfg.Store.Records = driverMemory
	}
	if cfg.Store.Blob == "" {
		cfg.Store.Blob = driverMemory
	}
	switch cfg.Store.Queue {
	case driverMemory, driverRedis:
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Store.Queue)
	}
	switch cfg.Store.Records {
	case driverMemory:
	case driverMySQL:
		if cfg.Database.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
	default:
		return nil, fmt.Errorf("unknown record store driver %q", cfg.Store.Records)
	}
	switch cfg.Store.Blob {
	case driverMemory, driverMinIO:
	default:
		return nil, fmt.Errorf("unknown blob store driver %q", cfg.Store.Blob)
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	applyRedisDefaults(&cfg.Redis)
	if len(cfg.Judge.Auth.Accounts) == 0 {
		return nil, fmt.Errorf("at least one judge account is required")
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = "http://" + cfg.Server.Addr
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")
	if cfg.Judge.Bucket == "" {
		cfg.Judge.Bucket = cfg.MinIO.Bucket
	}
	if cfg.Judge.Bucket == "" {
		cfg.Judge.Bucket = defaultBucket
	}
	if cfg.Store.QueuePrefix == "" {
		cfg.Store.QueuePrefix = defaultQueuePrefix
	}
	if cfg.Store.LeaseTTL <= 0 {
		cfg.Store.LeaseTTL = queue.DefaultLeaseTTL
	}
	if cfg.Store.StatusTTL <= 0 {
		cfg.Store.StatusTTL = defaultStatusTTL
	}
	if cfg.Problem.CacheTTL == 0 {
		cfg.Problem.CacheTTL = defaultProblemTTL
	}
	if cfg.Problem.Timeout == 0 {
		cfg.Problem.Timeout = defaultProblemTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	if cfg.Builtin.Enabled && cfg.Builtin.Sandbox.Endpoint == "" {
		return nil, fmt.Errorf("sandbox endpoint is required for the builtin judge")
	}
	if cfg.Builtin.Enabled || cfg.Remote.Enabled {
		if cfg.Builtin.Cache.Root == "" {
			return nil, fmt.Errorf("cache root is required for the builtin judge")
		}
		if cfg.Builtin.TmpDir == "" {
			cfg.Builtin.TmpDir = os.TempDir()
		}
		if cfg.Builtin.PruneInterval <= 0 {
			cfg.Builtin.PruneInterval = defaultPruneInterval
		}
		if cfg.Builtin.PruneAge <= 0 {
			cfg.Builtin.PruneAge = defaultPruneAge
		}
		if cfg.Builtin.LockTTL <= 0 {
			cfg.Builtin.LockTTL = lock.DefaultLeaseTTL
		}
		if cfg.Builtin.Consumer.WorkerID == "" {
			cfg.Builtin.Consumer.WorkerID = hostname()
		}
		if cfg.Builtin.Runner.Judger == "" {
			cfg.Builtin.Runner.Judger = "builtin"
		}
	}
	if cfg.Remote.CookieTTL <= 0 {
		cfg.Remote.CookieTTL = defaultCookieTTL
	}
	if cfg.Remote.Consumer.WorkerID == "" {
		cfg.Remote.Consumer.WorkerID = hostname() + "-remote"
	}
	return &cfg, nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "judge-server"
	}
	return name
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func (k KafkaConfig) enabled() bool {
	return len(k.Brokers) > 0
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
	}
}

func (k KafkaConfig) subscribeOptions() *mq.SubscribeOptions {
	return &mq.SubscribeOptions{
		ConsumerGroup:   k.ConsumerGroup,
		Concurrency:     k.Concurrency,
		MaxRetries:      k.MaxRetries,
		RetryDelay:      k.RetryDelay,
		DeadLetterTopic: k.DeadLetterTopic,
	}
}
