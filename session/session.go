package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hillnz/yt-cast/castprotocol"
	"github.com/hillnz/yt-cast/internal/metrics"
	"github.com/hillnz/yt-cast/relay"
	"github.com/hillnz/yt-cast/resolver"
	"github.com/hillnz/yt-cast/transcode"
)

// TranscodeMode decides when the source is re-encoded.
type TranscodeMode string

const (
	TranscodeAuto   TranscodeMode = "auto"
	TranscodeAlways TranscodeMode = "always"
	TranscodeNever  TranscodeMode = "never"
)

// ParseTranscodeMode accepts auto, always or never. Empty means auto.
func ParseTranscodeMode(v string) (TranscodeMode, error) {
	switch m := TranscodeMode(strings.ToLower(strings.TrimSpace(v))); m {
	case "":
		return TranscodeAuto, nil
	case TranscodeAuto, TranscodeAlways, TranscodeNever:
		return m, nil
	}
	return "", fmt.Errorf("invalid transcode mode %q", v)
}

// SourceRequest is what to play. It is not modified after submission.
type SourceRequest struct {
	Source      string
	StartOffset time.Duration
	MaxHeight   int
	Transcode   TranscodeMode
	AudioOnly   bool
}

// Options configure sessions.
type Options struct {
	// Device is the receiver host or host:port.
	Device string
	AppID  string
	Retry  RetryPolicy
	// CommandRate paces receiver commands. Zero means 5 per second.
	CommandRate  rate.Limit
	CommandBurst int
	// Target carries encoder defaults. StartOffset is set per job.
	Target  transcode.Target
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Snapshot is a copy of the observable session state.
type Snapshot struct {
	ID          string
	State       State
	Source      string
	Title       string
	Device      string
	MediaURL    string
	Transcoding bool
	Position    time.Duration
	Duration    time.Duration
	Volume      float64
	Muted       bool
	PlayerState string
	IdleReason  string
	Err         error
}

const forgetTimeout = 2 * time.Second

type op int

const (
	opPause op = iota
	opResume
	opSeek
	opVolume
	opMute
	opStop
)

func (o op) String() string {
	return [...]string{"pause", "resume", "seek", "volume", "mute", "stop"}[o]
}

type command struct {
	op       op
	position time.Duration
	level    float64
	muted    bool
	reply    chan error
}

type resolvedMsg struct {
	stream *resolver.Stream
	err    error
}

type launchedMsg struct {
	client     Receiver
	appSession string
	err        error
}

func (m launchedMsg) release() {
	if m.client != nil {
		_ = m.client.Close(true)
	}
}

type loadedMsg struct {
	err error
}

type commandDoneMsg struct {
	cmd command
	err error
}

type reloadedMsg struct {
	relay  Relay
	job    Job
	route  *relay.Route
	offset time.Duration
	err    error
	reply  chan error
}

func (m reloadedMsg) release() {
	if m.route != nil {
		m.relay.UnregisterRoute(m.route)
	}
	if m.job != nil {
		_ = m.job.Stop()
	}
}

type workItem struct {
	run  func(ctx context.Context) any
	fail func(err error) any
}

// Session drives one playback from resolve to teardown. All mutable
// playback state is owned by the run goroutine.
type Session struct {
	id   string
	req  SourceRequest
	deps Deps
	opts Options
	log  zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool

	msgs    chan any
	cmds    chan command
	closing chan struct{}
	done    chan struct{}
	helpers sync.WaitGroup

	// loop owned
	state        State
	finished     bool
	stream       *resolver.Stream
	client       Receiver
	appSession   string
	events       <-chan castprotocol.Event
	job          Job
	jobDone      <-chan struct{}
	route        *relay.Route
	transcoding  bool
	offset       time.Duration
	mediaSession int
	reloading    bool
	work         chan workItem

	mu      sync.Mutex
	snap    Snapshot
	err     error
	updates chan Snapshot
}

// New creates an idle session for req.
func New(req SourceRequest, deps Deps, opts Options) *Session {
	if opts.AppID == "" {
		opts.AppID = castprotocol.DefaultMediaReceiverAppID
	}
	if opts.CommandRate == 0 {
		opts.CommandRate = 5
	}
	if opts.CommandBurst <= 0 {
		opts.CommandBurst = 1
	}
	if req.Transcode == "" {
		req.Transcode = TranscodeAuto
	}

	id := uuid.NewString()
	s := &Session{
		id:      id,
		req:     req,
		deps:    deps,
		opts:    opts,
		log:     opts.Logger.With().Str("Session", id).Logger(),
		msgs:    make(chan any),
		cmds:    make(chan command),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		updates: make(chan Snapshot, 64),
		state:   Idle,
	}
	s.snap = Snapshot{ID: id, State: Idle, Source: req.Source, Device: opts.Device}

	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Start begins resolving in the background. Cancelling ctx stops the
// session and releases everything it owns.
func (s *Session) Start(ctx context.Context) error {
	if s.deps.Resolver == nil || s.deps.Relay == nil || s.deps.Dial == nil {
		return errors.New("session dependencies are incomplete")
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run()

	return nil
}

// Pause pauses playback.
func (s *Session) Pause(ctx context.Context) error {
	return s.do(ctx, command{op: opPause})
}

// Resume resumes paused playback.
func (s *Session) Resume(ctx context.Context) error {
	return s.do(ctx, command{op: opResume})
}

// Seek moves playback to pos.
func (s *Session) Seek(ctx context.Context, pos time.Duration) error {
	return s.do(ctx, command{op: opSeek, position: pos})
}

// SetVolume sets the stream volume in [0, 1].
func (s *Session) SetVolume(ctx context.Context, level float64) error {
	return s.do(ctx, command{op: opVolume, level: level})
}

// SetMuted mutes or unmutes the stream.
func (s *Session) SetMuted(ctx context.Context, muted bool) error {
	return s.do(ctx, command{op: opMute, muted: muted})
}

// Stop ends the session and waits for teardown. Stopping a finished
// session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	return s.do(ctx, command{op: opStop})
}

func (s *Session) do(ctx context.Context, c command) error {
	if !s.started.Load() {
		return ErrNotStarted
	}

	closed := ErrSessionClosed
	if c.op == opStop {
		closed = nil
	}

	c.reply = make(chan error, 1)
	select {
	case s.cmds <- c:
	case <-s.done:
		return closed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-c.reply:
		return err
	case <-s.done:
		select {
		case err := <-c.reply:
			return err
		default:
			return closed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (s *Session) State() State {
	return s.Snapshot().State
}

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Updates delivers snapshots as they change. Snapshots are dropped when
// the reader falls behind; the channel is closed after teardown.
func (s *Session) Updates() <-chan Snapshot {
	return s.updates
}

// Done is closed once the session has released all its resources.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session ended, nil after a normal stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) run() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("Method", "run").Interface("Panic", r).Msg("session loop panicked")
			s.finish(Error, fmt.Errorf("session loop panic: %v", r))
		}
	}()

	s.transition(Resolving)
	s.spawn(s.resolve)

	for !s.state.Terminal() {
		select {
		case m := <-s.msgs:
			s.handleMessage(m)
		case c := <-s.cmds:
			s.handleCommand(c)
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				s.fail(castprotocol.ErrConnectionLost)
				continue
			}
			s.handleEvent(ev)
		case <-s.jobDone:
			s.jobDone = nil
			if err := s.job.Err(); err != nil {
				s.log.Error().Str("Method", "run").Err(err).Msg("transcode failed")
				s.fail(err)
			}
		case <-s.ctx.Done():
			s.finish(Stopped, s.ctx.Err())
		}
	}
}

func (s *Session) spawn(f func(ctx context.Context)) {
	s.helpers.Add(1)
	go func() {
		defer s.helpers.Done()
		f(s.ctx)
	}()
}

// post hands m to the loop. When the loop is already tearing down, any
// resources carried by m are released instead.
func (s *Session) post(m any) bool {
	select {
	case s.msgs <- m:
		return true
	case <-s.closing:
		if r, ok := m.(interface{ release() }); ok {
			r.release()
		}
		return false
	}
}

func (s *Session) resolveRequest() resolver.Request {
	return resolver.Request{
		Source:         s.req.Source,
		MaxHeight:      s.req.MaxHeight,
		AudioOnly:      s.req.AudioOnly,
		ForceTranscode: s.req.Transcode == TranscodeAlways,
	}
}

func (s *Session) resolve(ctx context.Context) {
	req := s.resolveRequest()

	start := time.Now()
	var stream *resolver.Stream
	err := s.withRetry(ctx, "resolve", retryableResolve, func() error {
		var err error
		stream, err = s.deps.Resolver.Resolve(ctx, req)
		return err
	})
	s.opts.Metrics.ObserveResolve(time.Since(start).Seconds())

	s.post(resolvedMsg{stream: stream, err: err})
}

func (s *Session) launch(ctx context.Context) {
	var client Receiver
	err := s.withRetry(ctx, "connect", retryableConnect, func() error {
		c, err := s.deps.Dial(s.opts.Device)
		if err != nil {
			return err
		}
		if err := c.Connect(ctx); err != nil {
			_ = c.Close(false)
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		s.post(launchedMsg{err: err})
		return
	}

	appSession, err := client.LaunchApp(ctx, s.opts.AppID)
	if err != nil {
		_ = client.Close(false)
		s.post(launchedMsg{err: err})
		return
	}

	s.post(launchedMsg{client: client, appSession: appSession})
}

func (s *Session) worker(ctx context.Context, items <-chan workItem) {
	limiter := rate.NewLimiter(s.opts.CommandRate, s.opts.CommandBurst)
	for item := range items {
		if err := limiter.Wait(ctx); err != nil {
			s.post(item.fail(err))
			continue
		}
		s.post(item.run(ctx))
	}
}

func (s *Session) enqueue(item workItem) bool {
	select {
	case s.work <- item:
		return true
	default:
		return false
	}
}

func (s *Session) handleMessage(m any) {
	switch m := m.(type) {
	case resolvedMsg:
		s.onResolved(m)
	case launchedMsg:
		s.onLaunched(m)
	case loadedMsg:
		s.onLoaded(m)
	case commandDoneMsg:
		s.onCommandDone(m)
	case reloadedMsg:
		s.onReloaded(m)
	}
}

func (s *Session) onResolved(m resolvedMsg) {
	if m.err != nil {
		s.log.Error().Str("Method", "onResolved").Err(m.err).Msg("resolve failed")
		s.fail(m.err)
		return
	}
	if m.stream == nil || len(m.stream.Candidates) == 0 {
		s.fail(resolver.ErrNotFound)
		return
	}

	s.stream = m.stream
	rep := m.stream.Representation()
	s.transcoding = s.needsTranscode(rep)
	s.updateSnap(func(sn *Snapshot) {
		sn.Title = m.stream.Title
		sn.Duration = m.stream.Duration
		sn.Transcoding = s.transcoding
	})

	if s.transition(Launching) {
		s.spawn(s.launch)
	}
}

func (s *Session) onLaunched(m launchedMsg) {
	if m.err != nil {
		s.log.Error().Str("Method", "onLaunched").Err(m.err).Msg("connect failed")
		s.fail(m.err)
		return
	}

	s.client = m.client
	s.appSession = m.appSession
	s.events = m.client.Events()
	work := make(chan workItem, 32)
	s.work = work
	s.spawn(func(ctx context.Context) { s.worker(ctx, work) })

	if !s.transition(Loading) {
		return
	}

	media, err := s.prepareMedia(s.req.StartOffset)
	if err != nil {
		s.fail(err)
		return
	}

	client, app := s.client, s.appSession
	s.enqueue(workItem{
		run: func(ctx context.Context) any {
			return loadedMsg{err: client.Load(ctx, app, media)}
		},
		fail: func(err error) any { return loadedMsg{err: err} },
	})
}

func (s *Session) needsTranscode(rep resolver.Representation) bool {
	switch s.req.Transcode {
	case TranscodeAlways:
		return true
	case TranscodeNever:
		if rep.RequiresTranscode {
			s.log.Warn().Str("Method", "needsTranscode").Str("Format", rep.FormatID).
				Msg("format is not directly playable but transcoding is disabled")
		}
		return false
	}
	return rep.RequiresTranscode
}

func (s *Session) transcodeInput(rep resolver.Representation) transcode.Input {
	return transcode.Input{
		URL:       rep.URL,
		Headers:   rep.Headers,
		AudioOnly: s.req.AudioOnly || !rep.HasVideo,
	}
}

func (s *Session) transcodeTarget(offset time.Duration) transcode.Target {
	t := s.opts.Target
	t.StartOffset = offset
	if s.req.MaxHeight > 0 {
		t.MaxHeight = s.req.MaxHeight
	}
	return t
}

// prepareMedia starts a job if needed, registers the route and returns the
// media description for LOAD.
func (s *Session) prepareMedia(offset time.Duration) (castprotocol.Media, error) {
	rep := s.stream.Representation()
	media := castprotocol.Media{Title: s.stream.Title, Autoplay: true}

	var content relay.Content
	if s.transcoding {
		if s.deps.Transcoder == nil {
			return media, fmt.Errorf("%w: no transcoder configured", transcode.ErrLaunchFailure)
		}
		job, err := s.deps.Transcoder.Start(s.ctx, s.transcodeInput(rep), s.transcodeTarget(offset))
		if err != nil {
			return media, err
		}
		s.job, s.jobDone = job, job.Done()
		s.offset = offset
		content = relay.LiveContent{Source: job, ContentType: job.ContentType()}
		media.ContentType = job.ContentType()
		media.Live = true
	} else {
		content = relay.ProxyContent{URL: rep.URL, Headers: rep.Headers, ContentType: rep.ContentType}
		media.ContentType = rep.ContentType
		media.Duration = s.stream.Duration
		media.StartTime = offset
	}

	route, err := s.deps.Relay.RegisterRoute(content)
	if err != nil {
		return media, err
	}
	s.route = route
	media.URL = route.URL
	s.updateSnap(func(sn *Snapshot) { sn.MediaURL = route.URL })

	return media, nil
}

func (s *Session) onLoaded(m loadedMsg) {
	if m.err != nil {
		s.log.Error().Str("Method", "onLoaded").Err(m.err).Msg("load failed")
		s.fail(m.err)
		return
	}

	s.mediaSession = s.client.MediaSessionID()
	s.transition(Playing)
}

func (s *Session) onCommandDone(m commandDoneMsg) {
	defer func() { m.cmd.reply <- m.err }()
	if m.err != nil {
		s.log.Warn().Str("Method", "onCommandDone").Str("Command", m.cmd.op.String()).Err(m.err).Msg("command failed")
		return
	}

	switch m.cmd.op {
	case opPause:
		if s.state == Playing {
			s.transition(Paused)
		}
	case opResume:
		if s.state == Paused {
			s.transition(Playing)
		}
	case opVolume:
		s.updateSnap(func(sn *Snapshot) { sn.Volume = m.cmd.level })
	case opMute:
		s.updateSnap(func(sn *Snapshot) { sn.Muted = m.cmd.muted })
	case opSeek:
		s.updateSnap(func(sn *Snapshot) { sn.Position = m.cmd.position })
	}
}

func (s *Session) onReloaded(m reloadedMsg) {
	s.reloading = false
	if m.job != nil {
		s.job, s.jobDone = m.job, m.job.Done()
		s.offset = m.offset
	}
	if m.route != nil {
		s.route = m.route
		s.updateSnap(func(sn *Snapshot) { sn.MediaURL = m.route.URL })
	}

	if m.err != nil {
		m.reply <- m.err
		s.log.Error().Str("Method", "onReloaded").Err(m.err).Msg("reload after seek failed")
		s.fail(m.err)
		return
	}

	s.mediaSession = s.client.MediaSessionID()
	s.updateSnap(func(sn *Snapshot) { sn.Position = m.offset })
	if s.state == Paused {
		s.transition(Playing)
	}
	m.reply <- nil
}

func (s *Session) handleCommand(c command) {
	if c.op == opStop {
		s.finish(Stopped, nil)
		c.reply <- nil
		return
	}

	switch c.op {
	case opPause:
		if s.state == Paused {
			c.reply <- nil
			return
		}
		if s.state != Playing {
			c.reply <- &InvalidStateError{Command: c.op.String(), State: s.state}
			return
		}
	case opResume:
		if s.state == Playing {
			c.reply <- nil
			return
		}
		if s.state != Paused {
			c.reply <- &InvalidStateError{Command: c.op.String(), State: s.state}
			return
		}
	default:
		if s.state != Playing && s.state != Paused {
			c.reply <- &InvalidStateError{Command: c.op.String(), State: s.state}
			return
		}
	}

	if c.op == opSeek {
		c.position = max(c.position, 0)
		if d := s.stream.Duration; d > 0 && c.position > d {
			c.position = d
		}
		if s.transcoding {
			s.reload(c)
			return
		}
	}

	var cmd castprotocol.Command
	switch c.op {
	case opPause:
		cmd = castprotocol.PauseCommand()
	case opResume:
		cmd = castprotocol.PlayCommand()
	case opSeek:
		cmd = castprotocol.SeekCommand(c.position)
	case opVolume:
		cmd = castprotocol.VolumeCommand(c.level)
		c.level = cmd.Level
	case opMute:
		cmd = castprotocol.MuteCommand(c.muted)
	}

	client, app := s.client, s.appSession
	ok := s.enqueue(workItem{
		run: func(ctx context.Context) any {
			return commandDoneMsg{cmd: c, err: client.Control(ctx, app, cmd)}
		},
		fail: func(err error) any { return commandDoneMsg{cmd: c, err: err} },
	})
	if !ok {
		c.reply <- ErrBusy
	}
}

// reload restarts the transcode at a new offset and loads the new route.
// A live stream cannot be seeked by the receiver itself.
func (s *Session) reload(c command) {
	if s.reloading {
		c.reply <- ErrBusy
		return
	}

	oldJob, oldRoute := s.job, s.route
	client, app := s.client, s.appSession
	rep := s.stream.Representation()
	input, target := s.transcodeInput(rep), s.transcodeTarget(c.position)
	title := s.stream.Title
	r := s.deps.Relay
	t := s.deps.Transcoder

	ok := s.enqueue(workItem{
		run: func(ctx context.Context) any {
			r.UnregisterRoute(oldRoute)
			if oldJob != nil {
				_ = oldJob.Stop()
			}

			job, err := t.Start(ctx, input, target)
			if err != nil {
				return reloadedMsg{relay: r, err: err, reply: c.reply}
			}
			route, err := r.RegisterRoute(relay.LiveContent{Source: job, ContentType: job.ContentType()})
			if err != nil {
				_ = job.Stop()
				return reloadedMsg{relay: r, err: err, reply: c.reply}
			}

			err = client.Load(ctx, app, castprotocol.Media{
				URL:         route.URL,
				ContentType: job.ContentType(),
				Title:       title,
				Live:        true,
				Autoplay:    true,
			})
			return reloadedMsg{relay: r, job: job, route: route, offset: target.StartOffset, err: err, reply: c.reply}
		},
		fail: func(err error) any { return reloadedMsg{relay: r, err: err, reply: c.reply} },
	})
	if !ok {
		c.reply <- ErrBusy
		return
	}

	s.reloading = true
	// The old job is about to be stopped on purpose.
	s.jobDone = nil
}

func (s *Session) handleEvent(ev castprotocol.Event) {
	switch ev.Kind {
	case castprotocol.EventReceiverStatus:
		if ev.Receiver != nil {
			s.updateSnap(func(sn *Snapshot) {
				sn.Volume = ev.Receiver.Volume.Level
				sn.Muted = ev.Receiver.Volume.Muted
			})
		}
	case castprotocol.EventMediaStatus:
		s.onMediaStatus(ev.Media)
	case castprotocol.EventSessionEnded:
		s.log.Info().Str("Method", "handleEvent").Msg("receiver application ended")
		s.finish(Stopped, nil)
	case castprotocol.EventConnectionLost:
		err := ev.Err
		if err == nil {
			err = castprotocol.ErrConnectionLost
		}
		s.log.Error().Str("Method", "handleEvent").Err(err).Msg("connection lost")
		s.fail(err)
	}
}

func (s *Session) onMediaStatus(ms *castprotocol.MediaStatus) {
	if ms == nil {
		return
	}
	if s.mediaSession != 0 && ms.MediaSessionID != 0 && ms.MediaSessionID != s.mediaSession {
		return
	}

	s.updateSnap(func(sn *Snapshot) {
		sn.Position = ms.CurrentTime
		if s.transcoding {
			sn.Position += s.offset
		} else if ms.Duration > 0 {
			sn.Duration = ms.Duration
		}
		sn.PlayerState = ms.PlayerState
		sn.IdleReason = ms.IdleReason
		sn.Volume = ms.Volume.Level
		sn.Muted = ms.Volume.Muted
	})

	if s.reloading || (s.state != Playing && s.state != Paused) {
		return
	}

	switch ms.PlayerState {
	case castprotocol.PlayerStatePlaying:
		if s.state == Paused {
			s.transition(Playing)
		}
	case castprotocol.PlayerStatePaused:
		if s.state == Playing {
			s.transition(Paused)
		}
	case castprotocol.PlayerStateIdle:
		switch ms.IdleReason {
		case castprotocol.IdleReasonFinished, castprotocol.IdleReasonCancelled, castprotocol.IdleReasonInterrupted:
			s.log.Info().Str("Method", "onMediaStatus").Str("Reason", ms.IdleReason).Msg("playback ended")
			s.finish(Stopped, nil)
		case castprotocol.IdleReasonError:
			s.fail(ErrPlaybackFailed)
		}
	}
}

func (s *Session) transition(to State) bool {
	if !canTransition(s.state, to) {
		s.log.Warn().Str("Method", "transition").Str("From", s.state.String()).Str("To", to.String()).Msg("ignored invalid transition")
		return false
	}

	s.log.Debug().Str("Method", "transition").Str("From", s.state.String()).Str("To", to.String()).Msg("state changed")
	s.state = to
	s.opts.Metrics.IncTransition(to.String())
	s.updateSnap(func(sn *Snapshot) { sn.State = to })

	return true
}

func (s *Session) fail(err error) {
	s.finish(Error, err)
}

// finish moves to a terminal state and releases the route, the job and
// the receiver connection. Helpers are waited for so nothing they were
// still creating outlives the session.
func (s *Session) finish(to State, cause error) {
	if s.finished {
		return
	}
	s.finished = true

	s.log.Info().Str("Method", "finish").Str("From", s.state.String()).Str("To", to.String()).AnErr("Cause", cause).Msg("session ending")

	s.state = to
	close(s.closing)
	s.cancel()
	if s.work != nil {
		close(s.work)
	}

	if s.route != nil {
		s.deps.Relay.UnregisterRoute(s.route)
	}
	if s.job != nil {
		if err := s.job.Stop(); err != nil {
			s.log.Warn().Str("Method", "finish").Err(err).Msg("stop transcode")
		}
	}
	if s.client != nil {
		if err := s.client.Close(true); err != nil {
			s.log.Debug().Str("Method", "finish").Err(err).Msg("close receiver")
		}
	}

	s.helpers.Wait()

	if to == Error && s.stream != nil && s.stream.Cached {
		s.forgetStream()
	}

	s.opts.Metrics.IncTransition(to.String())
	s.opts.Metrics.IncSessionEnded(to.String())

	s.mu.Lock()
	s.err = cause
	s.snap.State = to
	s.snap.Err = cause
	final := s.snap
	s.mu.Unlock()

	select {
	case s.updates <- final:
	default:
	}
	close(s.updates)
	close(s.done)
}

// forgetStream drops the cached resolve result so the next attempt runs
// the extractor again instead of replaying a URL that may be dead.
func (s *Session) forgetStream() {
	f, ok := s.deps.Resolver.(Forgetter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), forgetTimeout)
	defer cancel()
	if err := f.Forget(ctx, s.resolveRequest()); err != nil {
		s.log.Warn().Str("Method", "forgetStream").Err(err).Msg("dropping cached stream")
	}
}

func (s *Session) updateSnap(f func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f(&s.snap)
	if s.finished {
		return
	}
	select {
	case s.updates <- s.snap:
	default:
	}
}
