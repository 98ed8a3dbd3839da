package eventway

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config collects the tunables shared by the Store, Executor, Hub, and
	// Projections
	Config struct {
		Projection   ProjectionConfig `yaml:"projection"`
		Compaction   CompactionConfig `yaml:"compaction"`
		Hub          HubConfig        `yaml:"hub"`
		SnapshotSize int64            `yaml:"snapshot_size"`
		MaxRetries   int              `yaml:"max_retries"`
		CacheSize    int              `yaml:"cache_size"`
	}

	// CompactionConfig controls the background snapshot compactor
	CompactionConfig struct {
		Enabled     bool          `yaml:"enabled"`
		WorkerCount int           `yaml:"worker_count"`
		QueueSize   int           `yaml:"queue_size"`
		Timeout     time.Duration `yaml:"timeout"`
	}

	ProjectionConfig struct {
		CatchUpPolicy CatchUpPolicy `yaml:"catch_up_policy"`
		PageSize      int           `yaml:"page_size"`
	}

	HubConfig struct {
		QueueSize int `yaml:"queue_size"`
	}

	// CatchUpPolicy decides what a projection with no recorded progress does
	// when it first catches up
	CatchUpPolicy string
)

const (
	// ReplayAll treats offset 0 as "nothing applied yet" and replays the
	// entire backlog
	ReplayAll CatchUpPolicy = "replay_all"

	// StartAtHead treats offset 0 as "start from now": the projection skips
	// history and only applies events appended after it starts
	StartAtHead CatchUpPolicy = "start_at_head"
)

const (
	DefaultSnapshotSize      = 50
	DefaultMaxRetries        = 16
	DefaultExecutorCacheSize = 4096
	DefaultCompactionWorkers = 2
	DefaultCompactionQueue   = 1024
	DefaultCompactionTimeout = 30 * time.Second
	DefaultHubQueueSize      = 256
	DefaultPageSize          = 500
)

var ErrInvalidConfig = errors.New("invalid configuration")

func DefaultConfig() Config {
	return Config{
		SnapshotSize: DefaultSnapshotSize,
		MaxRetries:   DefaultMaxRetries,
		CacheSize:    DefaultExecutorCacheSize,
		Compaction:   DefaultCompactionConfig(),
		Projection:   DefaultProjectionConfig(),
		Hub:          HubConfig{QueueSize: DefaultHubQueueSize},
	}
}

func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		Enabled:     true,
		WorkerCount: DefaultCompactionWorkers,
		QueueSize:   DefaultCompactionQueue,
		Timeout:     DefaultCompactionTimeout,
	}
}

func DefaultProjectionConfig() ProjectionConfig {
	return ProjectionConfig{
		CatchUpPolicy: ReplayAll,
		PageSize:      DefaultPageSize,
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the runtime cannot operate with
func (c Config) Validate() error {
	switch {
	case c.SnapshotSize <= 0:
		return fmt.Errorf("%w: snapshot_size must be positive", ErrInvalidConfig)
	case c.MaxRetries <= 0:
		return fmt.Errorf("%w: max_retries must be positive", ErrInvalidConfig)
	case c.Hub.QueueSize <= 0:
		return fmt.Errorf("%w: hub.queue_size must be positive", ErrInvalidConfig)
	case c.Projection.PageSize < 0:
		return fmt.Errorf(
			"%w: projection.page_size must not be negative", ErrInvalidConfig,
		)
	}
	switch c.Projection.CatchUpPolicy {
	case ReplayAll, StartAtHead:
	default:
		return fmt.Errorf(
			"%w: unknown catch_up_policy %q",
			ErrInvalidConfig, c.Projection.CatchUpPolicy,
		)
	}
	if c.Compaction.Enabled {
		if c.Compaction.WorkerCount <= 0 || c.Compaction.QueueSize <= 0 {
			return fmt.Errorf(
				"%w: compaction workers and queue must be positive",
				ErrInvalidConfig,
			)
		}
	}
	return nil
}
