// Package config provides configuration management for plexbeam using Viper.
// It supports configuration from the installer-baked env file, environment
// variables, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultChunkDuration    = 300 * time.Second
	DefaultSegmentDuration  = 4 * time.Second
	DefaultTickInterval     = 250 * time.Millisecond
	DefaultProbeTimeout     = 2 * time.Second
	DefaultPollTimeout      = 5 * time.Second
	DefaultSubmitTimeout    = 30 * time.Second
	DefaultDownloadTimeout  = 60 * time.Second
	DefaultUploadTimeout    = 2 * time.Hour
	DefaultStagedTimeout    = 4 * time.Hour
	DefaultSessionCap       = 2 * time.Hour
	DefaultMaxPolls         = 28800
	DefaultDownloadBatch    = 8
	DefaultCalibrationSecs  = 15
	DefaultCalibrationFPS   = 30
	DefaultMinSliceDuration = 30 * time.Second
)

// InstallerEnvPaths are searched in order for the installer-baked env file.
var InstallerEnvPaths = []string{
	"/etc/plexbeam/plexbeam.env",
	"/opt/plexbeam/.install_meta/plexbeam.env",
}

// MultiMode selects the multi-worker dispatch strategy.
type MultiMode string

const (
	// MultiModeChunked is the simple fixed-size chunk FIFO strategy.
	MultiModeChunked MultiMode = "A"
	// MultiModeBigSplit splits the timeline proportionally to calibrated fps.
	MultiModeBigSplit MultiMode = "B"
	// MultiModeSwarm is the BitTorrent-style strategy with per-worker queues,
	// prefetch, work stealing, and endgame duplication.
	MultiModeSwarm MultiMode = "C"
)

// Valid reports whether m is a recognized mode.
func (m MultiMode) Valid() bool {
	switch m {
	case MultiModeChunked, MultiModeBigSplit, MultiModeSwarm:
		return true
	}
	return false
}

// Config holds all configuration for the coordinator.
type Config struct {
	MultiMode     MultiMode     `mapstructure:"multi_mode"`
	ChunkDuration time.Duration `mapstructure:"chunk_duration"`
	UploadRate    int64         `mapstructure:"upload_rate"` // bytes/s, 0 = unlimited
	BeamDirect    bool          `mapstructure:"beam_direct"`
	StagedUpload  bool          `mapstructure:"staged_upload"`

	WorkerPool      string `mapstructure:"worker_pool"`
	RemoteWorkerURL string `mapstructure:"remote_worker_url"`
	PullProxyURL    string `mapstructure:"pull_proxy_url"`
	PullDir         string `mapstructure:"pull_dir"`

	APIKey           string `mapstructure:"api_key"`
	SharedSegmentDir string `mapstructure:"shared_segment_dir"`
	CallbackURL      string `mapstructure:"callback_url"`

	// TranscoderBackup is the path to the real transcoder binary displaced by
	// the interception point. Empty means auto-discover next to argv[0].
	TranscoderBackup string `mapstructure:"transcoder_backup"`

	// StateDir holds per-session capture directories and the global logs.
	StateDir string `mapstructure:"state_dir"`

	Logging  LoggingConfig  `mapstructure:"logging"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// TimeoutsConfig holds the HTTP timeout budget for each traffic class.
type TimeoutsConfig struct {
	Probe    time.Duration `mapstructure:"probe"`
	Poll     time.Duration `mapstructure:"poll"`
	Submit   time.Duration `mapstructure:"submit"`
	Download time.Duration `mapstructure:"download"`
	Upload   time.Duration `mapstructure:"upload"`
	Staged   time.Duration `mapstructure:"staged"`
	Session  time.Duration `mapstructure:"session"`
}

// Load reads configuration from the installer env file and environment
// variables. Environment variables are prefixed with PLEXBEAM_ and use
// underscores for nesting. Example: PLEXBEAM_MULTI_MODE=C.
func Load() (*Config, error) {
	// Installer-baked values are plain KEY=VALUE env files; load them into the
	// process environment first so viper's AutomaticEnv picks them up. A
	// variable already set in the environment wins over the file.
	for _, p := range InstallerEnvPaths {
		if _, err := os.Stat(p); err == nil {
			if err := godotenv.Load(p); err != nil {
				return nil, fmt.Errorf("loading installer env %s: %w", p, err)
			}
			break
		}
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("PLEXBEAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("multi_mode", string(MultiModeSwarm))
	v.SetDefault("chunk_duration", DefaultChunkDuration)
	v.SetDefault("upload_rate", 0)
	v.SetDefault("beam_direct", false)
	v.SetDefault("staged_upload", false)

	v.SetDefault("worker_pool", "")
	v.SetDefault("remote_worker_url", "")
	v.SetDefault("pull_proxy_url", "")
	v.SetDefault("pull_dir", "/tmp/plexbeam-pull")

	v.SetDefault("api_key", "")
	v.SetDefault("shared_segment_dir", "")
	v.SetDefault("callback_url", "")

	v.SetDefault("transcoder_backup", "")
	v.SetDefault("state_dir", defaultStateDir())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("timeouts.probe", DefaultProbeTimeout)
	v.SetDefault("timeouts.poll", DefaultPollTimeout)
	v.SetDefault("timeouts.submit", DefaultSubmitTimeout)
	v.SetDefault("timeouts.download", DefaultDownloadTimeout)
	v.SetDefault("timeouts.upload", DefaultUploadTimeout)
	v.SetDefault("timeouts.staged", DefaultStagedTimeout)
	v.SetDefault("timeouts.session", DefaultSessionCap)
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.plexbeam"
	}
	return "/var/lib/plexbeam"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !c.MultiMode.Valid() {
		return fmt.Errorf("multi_mode must be one of: A, B, C")
	}
	if c.ChunkDuration < time.Second {
		return fmt.Errorf("chunk_duration must be at least 1s")
	}
	if c.UploadRate < 0 {
		return fmt.Errorf("upload_rate must be >= 0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Timeouts.Poll <= 0 || c.Timeouts.Submit <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// HasPool reports whether a multi-worker pool is configured.
func (c *Config) HasPool() bool {
	return strings.TrimSpace(c.WorkerPool) != ""
}

// HasSingleWorker reports whether a single remote worker is configured.
func (c *Config) HasSingleWorker() bool {
	return strings.TrimSpace(c.RemoteWorkerURL) != ""
}
