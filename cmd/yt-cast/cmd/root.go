// Package cmd implements the yt-cast command line.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hillnz/yt-cast/internal/config"
	"github.com/hillnz/yt-cast/internal/logging"
)

var (
	cfgFile string

	// Set by PersistentPreRunE.
	cfg       *config.Config
	logger    = zerolog.Nop()
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:     "yt-cast",
	Short:   "Play web videos on Cast receivers",
	Version: Version(),
	Long: `yt-cast resolves a video or audio URL with yt-dlp, transcodes it with
ffmpeg when the receiver cannot play the source format, relays it over a
local HTTP endpoint and plays it on a Cast receiver on the local network.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return initConfig(cmd.Flags())
	}

	// Flags are applied over config and env only when Changed, which keeps
	// flag > env > config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or the user config dir)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to this file instead of stderr")
}

// flagOverrides maps flag names to config keys.
var flagOverrides = map[string]string{
	"log-level":   "logging.level",
	"log-format":  "logging.format",
	"log-file":    "logging.file",
	"device":      "cast.device",
	"transcode":   "transcode.mode",
	"max-height":  "resolver.max_height",
	"listen":      "relay.listen",
	"advertise":   "relay.advertise_addr",
	"metrics":     "metrics.enabled",
	"no-cache":    "",
	"hardware":    "transcode.hardware",
	"ffmpeg-path": "transcode.ffmpeg_path",
	"ytdlp-path":  "resolver.path",
}

func initConfig(flags *pflag.FlagSet) error {
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return err
	}

	flags.Visit(func(f *pflag.Flag) {
		key, ok := flagOverrides[f.Name]
		if !ok || key == "" {
			return
		}
		v.Set(key, f.Value.String())
	})
	if noCache, _ := flags.GetBool("no-cache"); noCache {
		v.Set("cache.enabled", false)
	}

	c, err := config.Decode(v)
	if err != nil {
		return err
	}
	cfg = c

	var w io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		f, err := logging.OpenFile(cfg.Logging.File)
		if err != nil {
			return err
		}
		w, logCloser = f, f
	}

	logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Format, w)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() != "" {
		logger.Debug().Str("Method", "initConfig").Str("File", v.ConfigFileUsed()).Msg("using config file")
	}

	return nil
}
