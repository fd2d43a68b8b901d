package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// StageTimeouts holds the per-stage execution timeouts. The defaults match
// the front-end's polling budget; operators can override them together via
// STAGE_TIMEOUTS_MS (comma-separated art,metadata,ipfs,tokenuri).
type StageTimeouts struct {
	Art      time.Duration `yaml:"art"`
	Metadata time.Duration `yaml:"metadata"`
	IPFS     time.Duration `yaml:"ipfs"`
	TokenURI time.Duration `yaml:"tokenuri"`
}

// NatsConfig configures optional task status publishing.
type NatsConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Address             string `yaml:"address"`
	StatusSubjectPrefix string `yaml:"status_subject_prefix"`
}

// ConsulConfig configures optional service registration.
type ConsulConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Address             string        `yaml:"address"`
	ServiceName         string        `yaml:"service_name"`
	ServiceIDPrefix     string        `yaml:"service_id_prefix"`
	ServiceTags         []string      `yaml:"service_tags"`
	HealthCheckPath     string        `yaml:"health_check_path"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
}

// ArchiveConfig configures the optional object-storage archive of
// generated images.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
}

// PostgresConfig selects a durable task store. When disabled, tasks live
// in memory for the process lifetime.
type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// Config holds the application configuration for the mint pipeline service.
type Config struct {
	Port           string        `yaml:"port"`
	LogLevel       string        `yaml:"log_level"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Chain configuration
	RPCURL          string `yaml:"rpc_url"`
	ChainID         uint64 `yaml:"chain_id"`
	ContractAddress string `yaml:"contract_address"`
	SignerKey       string `yaml:"signer_key"` // hex private key; from env in production

	// IPFS pinning endpoint (node HTTP API)
	IPFSEndpoint string `yaml:"ipfs_endpoint"`

	// Provider credentials; an absent key disables that provider and the
	// fallback order routes around it.
	OpenAIKey      string `yaml:"openai_key"`
	StabilityKey   string `yaml:"stability_key"`
	HuggingFaceKey string `yaml:"huggingface_key"`

	// Defaults applied to tasks created by the event watcher.
	DefaultProvider string `yaml:"default_provider"`
	DefaultModel    string `yaml:"default_model"`
	DefaultQuality  string `yaml:"default_quality"`
	DefaultStyle    string `yaml:"default_style"`

	// Pipeline tuning
	MaxConcurrentTasks  int           `yaml:"max_concurrent_tasks"`
	TaskDeadline        time.Duration `yaml:"task_deadline"`
	StageTimeouts       StageTimeouts `yaml:"stage_timeouts"`
	BackfillChunkBlocks uint64        `yaml:"backfill_chunk_blocks"`

	Nats     NatsConfig     `yaml:"nats"`
	Consul   ConsulConfig   `yaml:"consul"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// LoadConfig reads configuration from the given YAML file path, creating a
// default config file if it doesn't exist, then applies environment
// overrides for the documented runtime options.
func LoadConfig(path string) (*Config, error) {
	defaults := defaultConfig()

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		data, marshalErr := yaml.Marshal(defaults)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", marshalErr)
		}
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0755); mkdirErr != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", mkdirErr)
		}
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return nil, fmt.Errorf("failed to write default config file: %w", writeErr)
		}
		applyEnvOverrides(defaults)
		return defaults, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	applyDefaultsIfNotSet(&cfg, defaults)
	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Port:           ":8090",
		LogLevel:       "info",
		RequestTimeout: 30 * time.Second,

		RPCURL:  "ws://localhost:8545",
		ChainID: 1,

		IPFSEndpoint: "http://localhost:5001",

		DefaultProvider: "dalle",
		DefaultModel:    "dall-e-3",
		DefaultQuality:  "standard",
		DefaultStyle:    "vivid",

		MaxConcurrentTasks: 4,
		TaskDeadline:       120 * time.Second,
		StageTimeouts: StageTimeouts{
			Art:      120 * time.Second,
			Metadata: 10 * time.Second,
			IPFS:     60 * time.Second,
			TokenURI: 180 * time.Second,
		},
		BackfillChunkBlocks: 2000,

		Nats: NatsConfig{
			Enabled:             false,
			Address:             "nats://localhost:4222",
			StatusSubjectPrefix: "mints.tasks.status",
		},
		Consul: ConsulConfig{
			Enabled:             false,
			Address:             "localhost:8500",
			ServiceName:         "mint-pipeline",
			ServiceIDPrefix:     "mint-pipeline-",
			ServiceTags:         []string{"nft", "pipeline"},
			HealthCheckPath:     "/health",
			HealthCheckInterval: 10 * time.Second,
			HealthCheckTimeout:  2 * time.Second,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Bucket:  "mint-artifacts",
		},
		Postgres: PostgresConfig{
			Enabled: false,
		},
	}
}

func applyDefaultsIfNotSet(cfg *Config, defaults *Config) {
	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.RPCURL == "" {
		cfg.RPCURL = defaults.RPCURL
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = defaults.ChainID
	}
	if cfg.IPFSEndpoint == "" {
		cfg.IPFSEndpoint = defaults.IPFSEndpoint
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = defaults.DefaultProvider
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaults.DefaultModel
	}
	if cfg.DefaultQuality == "" {
		cfg.DefaultQuality = defaults.DefaultQuality
	}
	if cfg.DefaultStyle == "" {
		cfg.DefaultStyle = defaults.DefaultStyle
	}
	if cfg.MaxConcurrentTasks == 0 {
		cfg.MaxConcurrentTasks = defaults.MaxConcurrentTasks
	}
	if cfg.TaskDeadline == 0 {
		cfg.TaskDeadline = defaults.TaskDeadline
	}
	if cfg.StageTimeouts.Art == 0 {
		cfg.StageTimeouts.Art = defaults.StageTimeouts.Art
	}
	if cfg.StageTimeouts.Metadata == 0 {
		cfg.StageTimeouts.Metadata = defaults.StageTimeouts.Metadata
	}
	if cfg.StageTimeouts.IPFS == 0 {
		cfg.StageTimeouts.IPFS = defaults.StageTimeouts.IPFS
	}
	if cfg.StageTimeouts.TokenURI == 0 {
		cfg.StageTimeouts.TokenURI = defaults.StageTimeouts.TokenURI
	}
	if cfg.BackfillChunkBlocks == 0 {
		cfg.BackfillChunkBlocks = defaults.BackfillChunkBlocks
	}
	if cfg.Nats.Address == "" {
		cfg.Nats.Address = defaults.Nats.Address
	}
	if cfg.Nats.StatusSubjectPrefix == "" {
		cfg.Nats.StatusSubjectPrefix = defaults.Nats.StatusSubjectPrefix
	}
	if cfg.Consul.Address == "" {
		cfg.Consul.Address = defaults.Consul.Address
	}
	if cfg.Consul.ServiceName == "" {
		cfg.Consul.ServiceName = defaults.Consul.ServiceName
	}
	if cfg.Consul.ServiceIDPrefix == "" {
		cfg.Consul.ServiceIDPrefix = defaults.Consul.ServiceIDPrefix
	}
	if len(cfg.Consul.ServiceTags) == 0 {
		cfg.Consul.ServiceTags = defaults.Consul.ServiceTags
	}
	if cfg.Consul.HealthCheckPath == "" {
		cfg.Consul.HealthCheckPath = defaults.Consul.HealthCheckPath
	}
	if cfg.Consul.HealthCheckInterval == 0 {
		cfg.Consul.HealthCheckInterval = defaults.Consul.HealthCheckInterval
	}
	if cfg.Consul.HealthCheckTimeout == 0 {
		cfg.Consul.HealthCheckTimeout = defaults.Consul.HealthCheckTimeout
	}
	if cfg.Archive.Bucket == "" {
		cfg.Archive.Bucket = defaults.Archive.Bucket
	}
}

// applyEnvOverrides maps the documented environment options onto the
// config. Environment always wins over the file so secrets never need to
// live on disk.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.ChainID = id
		}
	}
	if v := os.Getenv("CONTRACT_ADDRESS"); v != "" {
		cfg.ContractAddress = v
	}
	if v := os.Getenv("SIGNER_KEY"); v != "" {
		cfg.SignerKey = v
	}
	if v := os.Getenv("IPFS_ENDPOINT"); v != "" {
		cfg.IPFSEndpoint = v
	}
	if v := os.Getenv("OPENAI_KEY"); v != "" {
		cfg.OpenAIKey = v
	}
	if v := os.Getenv("STABILITY_KEY"); v != "" {
		cfg.StabilityKey = v
	}
	if v := os.Getenv("HUGGINGFACE_KEY"); v != "" {
		cfg.HuggingFaceKey = v
	}
	if v := os.Getenv("MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentTasks = n
		}
	}
	if v := os.Getenv("BACKFILL_CHUNK_BLOCKS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			cfg.BackfillChunkBlocks = n
		}
	}
	if v := os.Getenv("STAGE_TIMEOUTS_MS"); v != "" {
		applyStageTimeoutOverride(cfg, v)
	}
}

// applyStageTimeoutOverride parses "art,metadata,ipfs,tokenuri" in
// milliseconds. Empty positions keep their current value.
func applyStageTimeoutOverride(cfg *Config, raw string) {
	parts := strings.Split(raw, ",")
	targets := []*time.Duration{
		&cfg.StageTimeouts.Art,
		&cfg.StageTimeouts.Metadata,
		&cfg.StageTimeouts.IPFS,
		&cfg.StageTimeouts.TokenURI,
	}
	for i, part := range parts {
		if i >= len(targets) {
			break
		}
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if ms, err := strconv.ParseInt(part, 10, 64); err == nil && ms > 0 {
			*targets[i] = time.Duration(ms) * time.Millisecond
		}
	}
}

// Validate checks the settings the process refuses to start without.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc_url is required")
	}
	if c.ContractAddress == "" {
		return fmt.Errorf("contract_address is required")
	}
	if c.SignerKey == "" {
		return fmt.Errorf("signer_key is required")
	}
	return nil
}

// GenerateServiceID returns a unique Consul service id.
func GenerateServiceID(prefix string) string {
	return prefix + uuid.New().String()
}
