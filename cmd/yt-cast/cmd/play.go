package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/hillnz/yt-cast/castprotocol"
	"github.com/hillnz/yt-cast/devices"
	"github.com/hillnz/yt-cast/interactive"
	"github.com/hillnz/yt-cast/internal/cache"
	"github.com/hillnz/yt-cast/internal/config"
	"github.com/hillnz/yt-cast/internal/metrics"
	"github.com/hillnz/yt-cast/relay"
	"github.com/hillnz/yt-cast/resolver"
	"github.com/hillnz/yt-cast/session"
	"github.com/hillnz/yt-cast/transcode"
	"github.com/hillnz/yt-cast/utils"
)

const shutdownTimeout = 10 * time.Second

var playCmd = &cobra.Command{
	Use:   "play <url>",
	Short: "Resolve a URL and play it on a Cast receiver",
	Example: `  yt-cast play https://www.youtube.com/watch?v=aqz-KE-bpKQ
  yt-cast play -d "Living Room TV" --start 1m30s -i https://vimeo.com/76979871
  yt-cast play -d 2 --audio-only https://soundcloud.com/some/track`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	f := playCmd.Flags()
	f.StringP("device", "d", "", "receiver address, friendly name or list number (default: first discovered)")
	f.Duration("start", 0, "start playback at this offset")
	f.Int("max-height", 0, "highest video resolution to select")
	f.String("transcode", "", "transcode mode (auto, always, never)")
	f.Bool("audio-only", false, "play the audio track only")
	f.BoolP("interactive", "i", false, "show the interactive terminal controller")
	f.String("listen", "", "relay listen address (default: interface routing to the receiver)")
	f.String("advertise", "", "host:port the receiver should use to reach the relay")
	f.Bool("no-cache", false, "skip the resolve cache")
	f.Bool("metrics", false, "expose Prometheus metrics on the relay")
	f.Bool("hardware", false, "use hardware video encoding when transcoding")
	f.String("ffmpeg-path", "", "ffmpeg binary")
	f.String("ytdlp-path", "", "yt-dlp binary")

	rootCmd.AddCommand(playCmd)
}

func runPlay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.With().Str("Method", "play").Logger()

	mode, err := session.ParseTranscodeMode(cfg.Transcode.Mode)
	if err != nil {
		return err
	}
	start, _ := cmd.Flags().GetDuration("start")
	audioOnly, _ := cmd.Flags().GetBool("audio-only")
	interactiveMode, _ := cmd.Flags().GetBool("interactive")

	if interactiveMode && cfg.Logging.File == "" {
		// The screen owns the terminal.
		log = zerolog.Nop()
		logger = zerolog.Nop()
	}

	device, err := pickDevice(ctx, cfg.Cast.Device, cfg.Cast.DiscoveryTimeout)
	if err != nil {
		return err
	}
	log.Info().Str("Device", device.String()).Msg("using receiver")

	listen := cfg.Relay.Listen
	if listen == "" {
		listen, err = utils.ListenAddrFor(device.Addr)
		if err != nil {
			return err
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	pipeline := transcode.NewPipeline(transcode.Options{
		FFmpegPath:       cfg.Transcode.FFmpegPath,
		GracePeriod:      cfg.Transcode.GracePeriod,
		HardwareEncoding: cfg.Transcode.Hardware,
		StatsInterval:    cfg.Transcode.StatsInterval,
		Logger:           logger,
	})

	srv := newRelay(listen, m, pipeline)
	started := make(chan error, 1)
	go srv.Start(started)
	if err := <-started; err != nil {
		return fmt.Errorf("starting relay: %w", err)
	}
	defer shutdownRelay(srv)

	res, closeCache, err := newResolver(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	ctrl := session.NewController(session.Deps{
		Resolver:   res,
		Relay:      srv,
		Transcoder: session.NewTranscoder(pipeline),
		Dial: session.CastDialer(
			castprotocol.WithHeartbeat(cfg.Cast.Heartbeat, 3*cfg.Cast.Heartbeat),
			castprotocol.WithRequestTimeout(cfg.Cast.RequestTimeout),
			castprotocol.WithLaunchTimeout(cfg.Cast.LaunchTimeout),
			castprotocol.WithLoadTimeout(cfg.Cast.LoadTimeout),
			castprotocol.WithLogger(logger),
		),
	}, session.Options{
		Device: device.Addr,
		AppID:  cfg.Cast.AppID,
		Retry: session.RetryPolicy{
			Attempts:    cfg.Retry.Attempts,
			BaseBackoff: cfg.Retry.BaseBackoff,
			MaxBackoff:  cfg.Retry.MaxBackoff,
		},
		CommandRate: rate.Limit(cfg.Cast.CommandRate),
		Target: transcode.Target{
			MaxHeight: cfg.Resolver.MaxHeight,
			VideoKbps: cfg.Transcode.VideoKbps,
			AudioKbps: cfg.Transcode.AudioKbps,
		},
		Metrics: m,
		Logger:  logger,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := ctrl.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("closing session")
		}
	}()

	s, err := ctrl.Load(ctx, session.SourceRequest{
		Source:      args[0],
		StartOffset: start,
		MaxHeight:   cfg.Resolver.MaxHeight,
		Transcode:   mode,
		AudioOnly:   audioOnly,
	})
	if err != nil {
		return err
	}

	if interactiveMode {
		scr, err := interactive.InitSessionScreen(s, logger)
		if err != nil {
			return err
		}
		if err := scr.Run(ctx); err != nil {
			return err
		}
	} else {
		followSession(ctx, s, log)
	}

	return sessionResult(s)
}

// pickDevice accepts an address, a friendly name or a 1-based position in
// the discovery list.
func pickDevice(ctx context.Context, query string, timeout time.Duration) (devices.Device, error) {
	if n, err := strconv.Atoi(query); err == nil && n > 0 && n < 100 {
		list, err := devices.Discover(ctx, timeout)
		if err != nil {
			return devices.Device{}, err
		}
		return devices.Pick(list, n)
	}
	return devices.Resolve(ctx, query, timeout)
}

func newRelay(listen string, m *metrics.Metrics, pipeline *transcode.Pipeline) *relay.Server {
	opts := []relay.Option{
		relay.WithLogger(logger),
		relay.WithUpstreamRetries(cfg.Relay.UpstreamRetries),
	}
	if cfg.Relay.AdvertiseAddr != "" {
		opts = append(opts, relay.WithAdvertiseAddr(cfg.Relay.AdvertiseAddr))
	}
	if m != nil {
		opts = append(opts,
			relay.WithMetrics(m),
			relay.WithGaugeRefresh(func() { m.SetTranscodeJobs(pipeline.Running()) }),
		)
	}
	return relay.NewServer(listen, opts...)
}

func shutdownRelay(srv *relay.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.StopServer()
	}
}

// newResolver builds the yt-dlp resolver, backed by the SQLite cache when
// it is enabled.
func newResolver(ctx context.Context, c *config.Config) (*resolver.Resolver, func(), error) {
	opts := resolver.Options{
		Path:      c.Resolver.Path,
		ExtraArgs: c.Resolver.ExtraArgs,
		Timeout:   c.Resolver.Timeout,
		CacheTTL:  c.Cache.TTL,
		Logger:    logger,
	}
	closeFn := func() {}

	if c.Cache.Enabled {
		store, err := cache.Open(c.Cache.Path)
		if err != nil {
			return nil, nil, err
		}
		if n, err := store.Prune(ctx); err != nil {
			logger.Warn().Err(err).Msg("pruning resolve cache")
		} else if n > 0 {
			logger.Debug().Int64("Removed", n).Msg("pruned resolve cache")
		}
		opts.Cache = store
		closeFn = func() { _ = store.Close() }
	}

	return resolver.New(opts), closeFn, nil
}

func followSession(ctx context.Context, s *session.Session, log zerolog.Logger) {
	last := session.Idle
	for {
		select {
		case snap, ok := <-s.Updates():
			if !ok {
				<-s.Done()
				return
			}
			if snap.State == last {
				continue
			}
			last = snap.State
			ev := log.Info().Str("State", snap.State.String())
			if snap.Title != "" {
				ev = ev.Str("Title", snap.Title)
			}
			if snap.Transcoding {
				ev = ev.Bool("Transcoding", true)
			}
			ev.Msg("session")
		case <-s.Done():
			return
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			_ = s.Stop(stopCtx)
			cancel()
			<-s.Done()
			return
		}
	}
}

func sessionResult(s *session.Session) error {
	select {
	case <-s.Done():
	default:
		return nil
	}
	if s.State() == session.Error {
		if err := s.Err(); err != nil {
			return err
		}
		return errors.New("playback failed")
	}
	return nil
}
