// Package config loads yt-cast settings from defaults, an optional config
// file, a .env file and YTCAST_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. YTCAST_CAST_DEVICE.
const EnvPrefix = "YTCAST"

const (
	defaultHeartbeat        = 5 * time.Second
	defaultRequestTimeout   = 10 * time.Second
	defaultLaunchTimeout    = 20 * time.Second
	defaultLoadTimeout      = 30 * time.Second
	defaultDiscoveryTimeout = 3 * time.Second
	defaultCommandRate      = 5.0
	defaultResolveTimeout   = 60 * time.Second
	defaultMaxHeight        = 1080
	defaultGracePeriod      = 3 * time.Second
	defaultVideoKbps        = 4000
	defaultAudioKbps        = 192
	defaultStatsInterval    = 30 * time.Second
	defaultUpstreamRetries  = 3
	defaultRetryAttempts    = 3
	defaultBaseBackoff      = 500 * time.Millisecond
	defaultMaxBackoff       = 5 * time.Second
	defaultCacheTTL         = time.Hour
)

// Config holds all yt-cast settings.
type Config struct {
	Cast      CastConfig      `mapstructure:"cast"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Transcode TranscodeConfig `mapstructure:"transcode"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// CastConfig selects the receiver and bounds protocol waits.
type CastConfig struct {
	// Device is a host, host:port or friendly name. Empty picks the first
	// receiver found on the network.
	Device           string        `mapstructure:"device"`
	AppID            string        `mapstructure:"app_id"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	LaunchTimeout    time.Duration `mapstructure:"launch_timeout"`
	LoadTimeout      time.Duration `mapstructure:"load_timeout"`
	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout"`
	CommandRate      float64       `mapstructure:"command_rate"`
}

// ResolverConfig configures the yt-dlp invocation.
type ResolverConfig struct {
	Path      string        `mapstructure:"path"`
	Timeout   time.Duration `mapstructure:"timeout"`
	ExtraArgs []string      `mapstructure:"extra_args"`
	MaxHeight int           `mapstructure:"max_height"`
}

// TranscodeConfig configures ffmpeg.
type TranscodeConfig struct {
	Mode        string        `mapstructure:"mode"` // auto, always, never
	FFmpegPath  string        `mapstructure:"ffmpeg_path"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	VideoKbps   int           `mapstructure:"video_kbps"`
	AudioKbps   int           `mapstructure:"audio_kbps"`
	Hardware    bool          `mapstructure:"hardware"`
	// StatsInterval logs ffmpeg CPU and memory at debug level. Zero disables.
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// RelayConfig configures the local HTTP relay.
type RelayConfig struct {
	// Listen is host:port. Empty picks the interface that routes to the
	// receiver and a free port.
	Listen          string `mapstructure:"listen"`
	AdvertiseAddr   string `mapstructure:"advertise_addr"`
	UpstreamRetries int    `mapstructure:"upstream_retries"`
}

// RetryConfig bounds resolve and connect retries.
type RetryConfig struct {
	Attempts    int           `mapstructure:"attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format string `mapstructure:"format"` // console, json
	File   string `mapstructure:"file"`
}

// CacheConfig configures the resolve cache.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	// TTL applies to streams whose URLs carry no expire= parameter.
	// Signed URLs expire with their signature.
	TTL time.Duration `mapstructure:"ttl"`
}

// MetricsConfig toggles the /metrics endpoint on the relay.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads .env, the config file and the environment, in increasing
// order of precedence. A missing .env or config file is not an error
// unless configPath names it explicitly.
func Load(configPath string) (*Config, error) {
	v, err := NewViper(configPath)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// NewViper prepares a viper instance with defaults, the env binding and
// the config file already read. The CLI binds its flags on top of it.
func NewViper(configPath string) (*viper.Viper, error) {
	if err := loadDotenv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := appDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return v, nil
}

// Decode unmarshals and validates v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Cache.Path == "" {
		if dir, err := cacheDir(); err == nil {
			cfg.Cache.Path = filepath.Join(dir, "resolve.db")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func loadDotenv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("loading %s: %w", path, err)
}

// SetDefaults installs every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("cast.device", "")
	v.SetDefault("cast.app_id", "")
	v.SetDefault("cast.heartbeat", defaultHeartbeat)
	v.SetDefault("cast.request_timeout", defaultRequestTimeout)
	v.SetDefault("cast.launch_timeout", defaultLaunchTimeout)
	v.SetDefault("cast.load_timeout", defaultLoadTimeout)
	v.SetDefault("cast.discovery_timeout", defaultDiscoveryTimeout)
	v.SetDefault("cast.command_rate", defaultCommandRate)

	v.SetDefault("resolver.path", "yt-dlp")
	v.SetDefault("resolver.timeout", defaultResolveTimeout)
	v.SetDefault("resolver.extra_args", []string{})
	v.SetDefault("resolver.max_height", defaultMaxHeight)

	v.SetDefault("transcode.mode", "auto")
	v.SetDefault("transcode.ffmpeg_path", "ffmpeg")
	v.SetDefault("transcode.grace_period", defaultGracePeriod)
	v.SetDefault("transcode.video_kbps", defaultVideoKbps)
	v.SetDefault("transcode.audio_kbps", defaultAudioKbps)
	v.SetDefault("transcode.hardware", false)
	v.SetDefault("transcode.stats_interval", defaultStatsInterval)

	v.SetDefault("relay.listen", "")
	v.SetDefault("relay.advertise_addr", "")
	v.SetDefault("relay.upstream_retries", defaultUpstreamRetries)

	v.SetDefault("retry.attempts", defaultRetryAttempts)
	v.SetDefault("retry.base_backoff", defaultBaseBackoff)
	v.SetDefault("retry.max_backoff", defaultMaxBackoff)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.path", "")
	v.SetDefault("cache.ttl", defaultCacheTTL)

	v.SetDefault("metrics.enabled", false)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Cast.RequestTimeout <= 0 || c.Cast.LaunchTimeout <= 0 || c.Cast.LoadTimeout <= 0 {
		return errors.New("cast timeouts must be positive")
	}
	if c.Cast.Heartbeat <= 0 {
		return errors.New("cast.heartbeat must be positive")
	}
	if c.Cast.CommandRate <= 0 {
		return errors.New("cast.command_rate must be positive")
	}

	if c.Resolver.Path == "" {
		return errors.New("resolver.path is required")
	}
	if c.Resolver.Timeout <= 0 {
		return errors.New("resolver.timeout must be positive")
	}
	if c.Resolver.MaxHeight < 0 {
		return errors.New("resolver.max_height must not be negative")
	}

	validModes := map[string]bool{"auto": true, "always": true, "never": true}
	if !validModes[strings.ToLower(c.Transcode.Mode)] {
		return errors.New("transcode.mode must be one of: auto, always, never")
	}
	if c.Transcode.FFmpegPath == "" {
		return errors.New("transcode.ffmpeg_path is required")
	}
	if c.Transcode.VideoKbps <= 0 || c.Transcode.AudioKbps <= 0 {
		return errors.New("transcode bitrates must be positive")
	}

	if c.Relay.UpstreamRetries < 0 {
		return errors.New("relay.upstream_retries must not be negative")
	}

	if c.Retry.Attempts < 1 {
		return errors.New("retry.attempts must be at least 1")
	}
	if c.Retry.BaseBackoff < 0 || c.Retry.MaxBackoff < c.Retry.BaseBackoff {
		return errors.New("retry backoff must satisfy 0 <= base_backoff <= max_backoff")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return errors.New("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"console": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return errors.New("logging.format must be one of: console, json")
	}

	if c.Cache.Enabled {
		if c.Cache.Path == "" {
			return errors.New("cache.path is required when the cache is enabled")
		}
		if c.Cache.TTL <= 0 {
			return errors.New("cache.ttl must be positive")
		}
	}

	return nil
}

func appDir() (string, error) {
	oscfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("appDir: failed to get config dir due to error %w", err)
	}

	return filepath.Join(oscfg, "yt-cast"), nil
}

func cacheDir() (string, error) {
	oscache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("cacheDir: failed to get cache dir due to error %w", err)
	}

	return filepath.Join(oscache, "yt-cast"), nil
}
