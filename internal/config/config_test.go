package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	t.Chdir(dir)
	return dir
}

func validTestConfig() *Config {
	return &Config{
		Cast: CastConfig{
			Heartbeat:      time.Second,
			RequestTimeout: time.Second,
			LaunchTimeout:  time.Second,
			LoadTimeout:    time.Second,
			CommandRate:    5,
		},
		Resolver:  ResolverConfig{Path: "yt-dlp", Timeout: time.Minute},
		Transcode: TranscodeConfig{Mode: "auto", FFmpegPath: "ffmpeg", VideoKbps: 4000, AudioKbps: 192},
		Retry:     RetryConfig{Attempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Second},
		Logging:   LoggingConfig{Level: "info", Format: "console"},
		Cache:     CacheConfig{Enabled: true, Path: "cache.db", TTL: time.Hour},
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.Cast.Device)
	assert.Equal(t, 5*time.Second, cfg.Cast.Heartbeat)
	assert.Equal(t, 30*time.Second, cfg.Cast.LoadTimeout)
	assert.Equal(t, 5.0, cfg.Cast.CommandRate)

	assert.Equal(t, "yt-dlp", cfg.Resolver.Path)
	assert.Equal(t, time.Minute, cfg.Resolver.Timeout)
	assert.Equal(t, 1080, cfg.Resolver.MaxHeight)

	assert.Equal(t, "auto", cfg.Transcode.Mode)
	assert.Equal(t, "ffmpeg", cfg.Transcode.FFmpegPath)
	assert.Equal(t, 3*time.Second, cfg.Transcode.GracePeriod)

	assert.Equal(t, 3, cfg.Relay.UpstreamRetries)
	assert.Equal(t, 3, cfg.Retry.Attempts)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)

	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, filepath.Join(dir, "cache", "yt-cast", "resolve.db"), cfg.Cache.Path)

	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := isolate(t)

	path := filepath.Join(dir, "yt-cast.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cast:
  device: 192.168.1.20
  load_timeout: 45s
transcode:
  mode: always
  video_kbps: 2500
resolver:
  extra_args: ["--cookies", "c.txt"]
logging:
  format: json
`), 0o644))

	t.Setenv("YTCAST_CAST_DEVICE", "Living Room")
	t.Setenv("YTCAST_RETRY_ATTEMPTS", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Living Room", cfg.Cast.Device, "env beats file")
	assert.Equal(t, 45*time.Second, cfg.Cast.LoadTimeout)
	assert.Equal(t, "always", cfg.Transcode.Mode)
	assert.Equal(t, 2500, cfg.Transcode.VideoKbps)
	assert.Equal(t, []string{"--cookies", "c.txt"}, cfg.Resolver.ExtraArgs)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 5, cfg.Retry.Attempts)
}

func TestLoad_Dotenv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("YTCAST_RESOLVER_PATH=/opt/bin/yt-dlp\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("YTCAST_RESOLVER_PATH") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/opt/bin/yt-dlp", cfg.Resolver.Path)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	dir := isolate(t)

	_, err := Load(filepath.Join(dir, "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidValue(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transcode:\n  mode: sometimes\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transcode.mode")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero heartbeat", func(c *Config) { c.Cast.Heartbeat = 0 }, "cast.heartbeat"},
		{"zero command rate", func(c *Config) { c.Cast.CommandRate = 0 }, "cast.command_rate"},
		{"no resolver", func(c *Config) { c.Resolver.Path = "" }, "resolver.path"},
		{"bad mode", func(c *Config) { c.Transcode.Mode = "maybe" }, "transcode.mode"},
		{"mode is case insensitive", func(c *Config) { c.Transcode.Mode = "NEVER" }, ""},
		{"no attempts", func(c *Config) { c.Retry.Attempts = 0 }, "retry.attempts"},
		{"backoff order", func(c *Config) { c.Retry.MaxBackoff = time.Millisecond }, "backoff"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"cache without path", func(c *Config) { c.Cache.Path = "" }, "cache.path"},
		{"disabled cache needs no path", func(c *Config) { c.Cache = CacheConfig{} }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validTestConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
