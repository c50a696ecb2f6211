package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"judgeflow/internal/judge/backend"
	"judgeflow/internal/judge/sandbox"
	"judgeflow/internal/judge/task"
	"judgeflow/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultPruneInterval   = time.Hour
	defaultPruneAge        = 7 * 24 * time.Hour
	defaultShutdownTimeout = 30 * time.Second
	defaultCacheDir        = "judge-cache"
)

// AppConfig holds judge-client config. One client may serve several judge
// servers; each entry of Hosts gets its own connection and cache directory.
type AppConfig struct {
	Logger        logger.Config          `yaml:"logger"`
	Sandbox       sandbox.ClientConfig   `yaml:"sandbox"`
	Runner        task.Config            `yaml:"runner"`
	Hosts         []backend.SocketConfig `yaml:"hosts"`
	CacheDir      string                 `yaml:"cacheDir"`
	TmpDir        string                 `yaml:"tmpDir"`
	PruneInterval time.Duration          `yaml:"pruneInterval"`
	PruneAge      time.Duration          `yaml:"pruneAge"`
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
	if cfg.Sandbox.Endpoint == "" {
		return nil, fmt.Errorf("sandbox endpoint is required")
	}
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("at least one judge server host is required")
	}
	if cfg.CacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cache dir is required: %w", err)
		}
		cfg.CacheDir = filepath.Join(home, ".cache", defaultCacheDir)
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = defaultPruneInterval
	}
	if cfg.PruneAge <= 0 {
		cfg.PruneAge = defaultPruneAge
	}
	for i := range cfg.Hosts {
		h := &cfg.Hosts[i]
		if h.ServerURL == "" {
			return nil, fmt.Errorf("hosts[%d]: server url is required", i)
		}
		if h.Uname == "" || h.Password == "" {
			return nil, fmt.Errorf("hosts[%d]: uname and password are required", i)
		}
		if h.Cache.Root == "" {
			h.Cache.Root = cfg.CacheDir
		}
		if h.TmpDir == "" {
			h.TmpDir = cfg.TmpDir
		}
	}
	return &cfg, nil
}
