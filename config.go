package fiscal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the processing engine.
type Config struct {
	// Environment is the authority environment digit embedded in access
	// keys: 1 = production, 2 = homologation.
	Environment int `yaml:"environment"`

	// PollInterval is how long an idle consumer waits before polling its
	// lane again.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ShutdownTimeout is the maximum time to wait for in-flight items
	// during graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Retry      RetryConfig             `yaml:"retry"`
	DeadLetter DeadLetterConfig        `yaml:"dead_letter"`
	Documents  DocumentConfig          `yaml:"documents"`
	Lanes      map[string]LaneOverride `yaml:"lanes"`
	Broker     BackendConfig           `yaml:"broker"`
	Store      BackendConfig           `yaml:"store"`
	Admin      AdminConfig             `yaml:"admin"`
	Schedule   ScheduleConfig          `yaml:"schedule"`
}

// RetryConfig drives the two-tier escalation policy.
type RetryConfig struct {
	// MaxInLaneAttempts is the number of failures handled with the short
	// tier-1 backoff before switching to the retry-lane ladder.
	MaxInLaneAttempts int `yaml:"max_in_lane_attempts"`

	// MaxTotalAttempts is the cumulative failure budget. The failure that
	// finds this many prior attempts goes to the dead-letter lane.
	MaxTotalAttempts int `yaml:"max_total_attempts"`

	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`

	// RetryLaneBase is the first tier-2 delay; it doubles per attempt.
	RetryLaneBase time.Duration `yaml:"retry_lane_base"`

	// RetryLaneMax caps tier-2 delays. Zero means uncapped.
	RetryLaneMax time.Duration `yaml:"retry_lane_max"`

	// MaxConflictRetries bounds immediate re-runs after a stale-state
	// conflict. Conflicts never consume attempt budget.
	MaxConflictRetries int `yaml:"max_conflict_retries"`
}

// DeadLetterConfig tunes the dead-letter analyzer.
type DeadLetterConfig struct {
	WindowSize            int           `yaml:"window_size"`
	MinObservations       int           `yaml:"min_observations"`
	PatternShare          float64       `yaml:"pattern_share"`
	TenantThreshold       int           `yaml:"tenant_threshold"`
	TransientCooldown     time.Duration `yaml:"transient_cooldown"`
	ConfigurationCooldown time.Duration `yaml:"configuration_cooldown"`
	MaxRecoveries         int           `yaml:"max_recoveries"`
	PurgeAfter            time.Duration `yaml:"purge_after"`
}

// DocumentConfig tunes the document state machine.
type DocumentConfig struct {
	// MaxErrors caps the per-record error history; oldest notes drop first.
	MaxErrors int `yaml:"max_errors"`

	// StaleProcessingAfter is how long a record may sit in PROCESSING
	// before the reconciler enqueues a status query for it.
	StaleProcessingAfter time.Duration `yaml:"stale_processing_after"`
}

// LaneOverride replaces selected fields of a lane's static configuration.
// Zero values keep the built-in default.
type LaneOverride struct {
	MinConsumers int           `yaml:"min_consumers"`
	MaxConsumers int           `yaml:"max_consumers"`
	BatchSize    int           `yaml:"batch_size"`
	TTL          time.Duration `yaml:"ttl"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimit    float64       `yaml:"rate_limit"`
	RateBurst    int           `yaml:"rate_burst"`
}

// BackendConfig selects a broker or store implementation.
type BackendConfig struct {
	// Kind is one of "memory", "redis", "amqp" (broker only) or
	// "postgres" (store only).
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
}

// AdminConfig configures the administrative HTTP surface.
type AdminConfig struct {
	Addr     string `yaml:"addr"`
	Disabled bool   `yaml:"disabled"`

	// Token, when set, is the bearer token every admin request must carry.
	Token string `yaml:"token"`
}

// ScheduleConfig holds cron expressions for maintenance jobs. An empty
// expression disables the job.
type ScheduleConfig struct {
	PurgeDeadLetters   string `yaml:"purge_dead_letters"`
	ResetTenantCounts  string `yaml:"reset_tenant_counts"`
	ReconcileDocuments string `yaml:"reconcile_documents"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Environment:     2,
		PollInterval:    500 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
		Retry: RetryConfig{
			MaxInLaneAttempts:  3,
			MaxTotalAttempts:   5,
			InitialDelay:       5 * time.Second,
			Multiplier:         2,
			MaxDelay:           60 * time.Second,
			RetryLaneBase:      5 * time.Minute,
			MaxConflictRetries: 5,
		},
		DeadLetter: DeadLetterConfig{
			WindowSize:            10,
			MinObservations:       3,
			PatternShare:          0.70,
			TenantThreshold:       10,
			TransientCooldown:     30 * time.Minute,
			ConfigurationCooldown: 2 * time.Hour,
			MaxRecoveries:         3,
			PurgeAfter:            30 * 24 * time.Hour,
		},
		Documents: DocumentConfig{
			MaxErrors:            20,
			StaleProcessingAfter: 15 * time.Minute,
		},
		Broker: BackendConfig{Kind: "memory"},
		Store:  BackendConfig{Kind: "memory"},
		Admin:  AdminConfig{Addr: ":8089"},
		Schedule: ScheduleConfig{
			PurgeDeadLetters:   "@daily",
			ResetTenantCounts:  "@every 1h",
			ReconcileDocuments: "@every 5m",
		},
	}
}

// LoadConfig reads a YAML (or JSON, a YAML subset) file over the defaults
// and then applies FISCAL_* environment overrides. An empty path yields
// the defaults with environment overrides only.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	ApplyEnv(&cfg)
	return cfg, nil
}

// ApplyEnv overlays FISCAL_* environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("FISCAL_ENVIRONMENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Environment = n
		}
	}
	if v := os.Getenv("FISCAL_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv("FISCAL_BROKER_KIND"); v != "" {
		cfg.Broker.Kind = strings.ToLower(v)
	}
	if v := os.Getenv("FISCAL_BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("FISCAL_STORE_KIND"); v != "" {
		cfg.Store.Kind = strings.ToLower(v)
	}
	if v := os.Getenv("FISCAL_STORE_URL"); v != "" {
		cfg.Store.URL = v
	}
	if v := os.Getenv("FISCAL_ADMIN_ADDR"); v != "" {
		cfg.Admin.Addr = v
	}
	if v := os.Getenv("FISCAL_ADMIN_TOKEN"); v != "" {
		cfg.Admin.Token = v
	}
	if v := os.Getenv("FISCAL_MAX_TOTAL_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxTotalAttempts = n
		}
	}
	if v := os.Getenv("FISCAL_MAX_IN_LANE_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxInLaneAttempts = n
		}
	}
	if v := os.Getenv("FISCAL_TENANT_ALERT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DeadLetter.TenantThreshold = n
		}
	}
}
