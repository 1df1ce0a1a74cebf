// Package config loads and validates the server configuration from a YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port        int    `yaml:"port"`
	Environment string `yaml:"environment"` // dev/prod
	LogLevel    string `yaml:"log_level"`
	// AuthSecret enables JWT bearer authentication when non-empty.
	AuthSecret      string `yaml:"auth_secret"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// ModelConfig holds embedding model settings.
type ModelConfig struct {
	ModelID         string `yaml:"model_id"`
	Device          string `yaml:"device"` // cpu/cuda/mps, passed through to the extractor
	ExtractorURL    string `yaml:"extractor_url"`
	MaxLoadAttempts int    `yaml:"max_load_attempts"`
	LoadTimeout     string `yaml:"load_timeout"`
	BackoffBase     string `yaml:"backoff_base"`
	Preload         bool   `yaml:"preload"`
}

// VerifyConfig holds verification decision settings.
type VerifyConfig struct {
	Threshold float64 `yaml:"threshold"`
	// InclusiveThreshold switches the decision operator from > to >=.
	InclusiveThreshold bool  `yaml:"inclusive_threshold"`
	BatchParallelism   int64 `yaml:"batch_parallelism"`
}

// AudioConfig holds audio intake settings.
type AudioConfig struct {
	ScratchDir        string   `yaml:"scratch_dir"`
	CacheDir          string   `yaml:"cache_dir"`
	MaxUploadBytes    int64    `yaml:"max_upload_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	DownloadTimeout   string   `yaml:"download_timeout"`
	CacheTTL          string   `yaml:"cache_ttl"` // empty disables eviction
}

// AuditConfig holds request audit log settings.
type AuditConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config is the root configuration document.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Model  ModelConfig  `yaml:"model"`
	Verify VerifyConfig `yaml:"verify"`
	Audio  AudioConfig  `yaml:"audio"`
	Audit  AuditConfig  `yaml:"audit"`
}

// Default returns the built-in configuration, matching the service defaults
// when no config file is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            5002,
			Environment:     "dev",
			LogLevel:        "info",
			ShutdownTimeout: "30s",
		},
		Model: ModelConfig{
			ModelID:         "iic/speech_campplus_sv_zh-cn_16k-common",
			Device:          "cpu",
			ExtractorURL:    "http://127.0.0.1:8001",
			MaxLoadAttempts: 3,
			LoadTimeout:     "120s",
			BackoffBase:     "2s",
			Preload:         false,
		},
		Verify: VerifyConfig{
			Threshold:        0.5,
			BatchParallelism: 4,
		},
		Audio: AudioConfig{
			ScratchDir:        "",
			CacheDir:          "",
			MaxUploadBytes:    50 * 1024 * 1024,
			AllowedExtensions: []string{"wav", "mp3", "flac", "m4a", "ogg", "wma", "aac"},
			DownloadTimeout:   "30s",
			CacheTTL:          "",
		},
		Audit: AuditConfig{
			Path:       "logs/requests.log",
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAgeDays: 30,
		},
	}
}

// Load reads the configuration from path, applies environment overrides and
// validates the result. An empty path yields the defaults (plus overrides).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VOICEID_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("VOICEID_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("VOICEID_ENV"); v != "" {
		cfg.Server.Environment = v
	}
	if v := os.Getenv("VOICEID_AUTH_SECRET"); v != "" {
		cfg.Server.AuthSecret = v
	}
	if v := os.Getenv("VOICEID_MODEL_ID"); v != "" {
		cfg.Model.ModelID = v
	}
	if v := os.Getenv("VOICEID_DEVICE"); v != "" {
		cfg.Model.Device = v
	}
	if v := os.Getenv("VOICEID_EXTRACTOR_URL"); v != "" {
		cfg.Model.ExtractorURL = v
	}
	if v := os.Getenv("VOICEID_THRESHOLD"); v != "" {
		if threshold, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Verify.Threshold = threshold
		}
	}
	if v := os.Getenv("VOICEID_SCRATCH_DIR"); v != "" {
		cfg.Audio.ScratchDir = v
	}
	if v := os.Getenv("VOICEID_CACHE_DIR"); v != "" {
		cfg.Audio.CacheDir = v
	}
	if v := os.Getenv("VOICEID_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Audio.MaxUploadBytes = n
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", cfg.Server.Port)
	}
	if cfg.Model.ModelID == "" {
		return fmt.Errorf("model.model_id cannot be empty")
	}
	if cfg.Model.ExtractorURL == "" {
		return fmt.Errorf("model.extractor_url cannot be empty")
	}
	if cfg.Model.MaxLoadAttempts <= 0 {
		return fmt.Errorf("model.max_load_attempts must be greater than 0")
	}
	if cfg.Verify.Threshold < -1 || cfg.Verify.Threshold > 1 {
		return fmt.Errorf("verify.threshold must be in [-1, 1], got %v", cfg.Verify.Threshold)
	}
	if cfg.Verify.BatchParallelism <= 0 {
		return fmt.Errorf("verify.batch_parallelism must be greater than 0")
	}
	if cfg.Audio.MaxUploadBytes <= 0 {
		return fmt.Errorf("audio.max_upload_bytes must be greater than 0")
	}
	if len(cfg.Audio.AllowedExtensions) == 0 {
		return fmt.Errorf("audio.allowed_extensions cannot be empty")
	}

	for field, value := range map[string]string{
		"server.shutdown_timeout": cfg.Server.ShutdownTimeout,
		"model.load_timeout":      cfg.Model.LoadTimeout,
		"model.backoff_base":      cfg.Model.BackoffBase,
		"audio.download_timeout":  cfg.Audio.DownloadTimeout,
	} {
		if value == "" {
			return fmt.Errorf("%s cannot be empty", field)
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: invalid duration format: %w", field, err)
		}
	}

	if cfg.Audio.CacheTTL != "" {
		if _, err := time.ParseDuration(cfg.Audio.CacheTTL); err != nil {
			return fmt.Errorf("audio.cache_ttl: invalid duration format: %w", err)
		}
	}

	return nil
}

// mustDuration parses a duration that validate already accepted.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// ShutdownTimeoutDuration returns the parsed HTTP drain timeout.
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	return mustDuration(c.Server.ShutdownTimeout)
}

// LoadTimeoutDuration returns the parsed model load timeout.
func (c *Config) LoadTimeoutDuration() time.Duration {
	return mustDuration(c.Model.LoadTimeout)
}

// BackoffBaseDuration returns the parsed base delay for load retries.
func (c *Config) BackoffBaseDuration() time.Duration {
	return mustDuration(c.Model.BackoffBase)
}

// DownloadTimeoutDuration returns the parsed remote download timeout.
func (c *Config) DownloadTimeoutDuration() time.Duration {
	return mustDuration(c.Audio.DownloadTimeout)
}

// CacheTTLDuration returns the parsed cache TTL, or zero when eviction is
// disabled.
func (c *Config) CacheTTLDuration() time.Duration {
	if c.Audio.CacheTTL == "" {
		return 0
	}
	return mustDuration(c.Audio.CacheTTL)
}

// AllowedExtensionSet returns the allow-list as a lookup set with lowercase
// keys without leading dots.
func (c *Config) AllowedExtensionSet() map[string]bool {
	set := make(map[string]bool, len(c.Audio.AllowedExtensions))
	for _, ext := range c.Audio.AllowedExtensions {
		set[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return set
}
