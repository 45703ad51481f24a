package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	t.Chdir(dir)
	cfgFile = ""
}

func testFlags() *pflag.FlagSet {
	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.String("log-level", "info", "")
	f.String("transcode", "", "")
	f.String("device", "", "")
	f.Bool("no-cache", false, "")
	f.Bool("audio-only", false, "")
	return f
}

func TestInitConfig_FlagsOverrideEnv(t *testing.T) {
	isolate(t)
	t.Setenv("YTCAST_CAST_DEVICE", "Kitchen")
	t.Setenv("YTCAST_TRANSCODE_MODE", "never")

	f := testFlags()
	require.NoError(t, f.Parse([]string{"--transcode", "always", "--log-level", "debug", "--no-cache"}))
	require.NoError(t, initConfig(f))

	assert.Equal(t, "Kitchen", cfg.Cast.Device, "unset flag keeps env")
	assert.Equal(t, "always", cfg.Transcode.Mode)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Cache.Enabled)
}

func TestInitConfig_UnchangedFlagsKeepDefaults(t *testing.T) {
	isolate(t)

	f := testFlags()
	require.NoError(t, f.Parse(nil))
	require.NoError(t, initConfig(f))

	assert.Equal(t, "auto", cfg.Transcode.Mode)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Cast.LoadTimeout)
}

func TestInitConfig_InvalidFlag(t *testing.T) {
	isolate(t)

	f := testFlags()
	require.NoError(t, f.Parse([]string{"--transcode", "sometimes"}))
	require.Error(t, initConfig(f))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	assert.True(t, strings.HasPrefix(out.String(), "yt-cast Version: "+Version()))
	assert.NotEmpty(t, Version())
}
