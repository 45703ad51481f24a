package session

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/hillnz/yt-cast/castprotocol"
	"github.com/hillnz/yt-cast/relay"
	"github.com/hillnz/yt-cast/resolver"
	"github.com/hillnz/yt-cast/transcode"
)

type fakeResolver struct {
	mu     sync.Mutex
	stream *resolver.Stream
	errs   []error
	block  bool
	calls  int
	forgot []resolver.Request
}

func (f *fakeResolver) Resolve(ctx context.Context, req resolver.Request) (*resolver.Stream, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	block := f.block
	var err error
	if call <= len(f.errs) {
		err = f.errs[call-1]
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return f.stream, nil
}

func (f *fakeResolver) Forget(ctx context.Context, req resolver.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgot = append(f.forgot, req)
	return nil
}

func (f *fakeResolver) Forgotten() []resolver.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]resolver.Request(nil), f.forgot...)
}

func (f *fakeResolver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeJob struct {
	tc     *fakeTranscoder
	offset time.Duration
	pr     *io.PipeReader
	pw     *io.PipeWriter
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
}

func (j *fakeJob) Output() (io.ReadCloser, error) { return j.pr, nil }
func (j *fakeJob) ContentType() string            { return "video/mp4" }
func (j *fakeJob) Done() <-chan struct{}          { return j.done }

func (j *fakeJob) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *fakeJob) Stop() error {
	j.exit(nil)
	return nil
}

func (j *fakeJob) exit(err error) {
	j.once.Do(func() {
		j.mu.Lock()
		j.err = err
		j.mu.Unlock()
		_ = j.pw.Close()
		j.tc.running.Add(-1)
		close(j.done)
	})
}

type fakeTranscoder struct {
	running    atomic.Int32
	overlapped atomic.Bool
	crashAfter time.Duration

	mu      sync.Mutex
	offsets []time.Duration
	jobs    []*fakeJob
}

func (f *fakeTranscoder) Start(ctx context.Context, in transcode.Input, t transcode.Target) (Job, error) {
	if f.running.Add(1) > 1 {
		f.overlapped.Store(true)
	}

	pr, pw := io.Pipe()
	j := &fakeJob{tc: f, offset: t.StartOffset, pr: pr, pw: pw, done: make(chan struct{})}

	f.mu.Lock()
	f.offsets = append(f.offsets, t.StartOffset)
	f.jobs = append(f.jobs, j)
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			j.exit(nil)
		case <-j.done:
		}
	}()
	if f.crashAfter > 0 {
		time.AfterFunc(f.crashAfter, func() {
			j.exit(&transcode.ProcessExitedError{Code: 1, Stderr: "boom"})
		})
	}

	return j, nil
}

func (f *fakeTranscoder) Offsets() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.offsets...)
}

type fakeReceiver struct {
	cast *fakeCast

	mu           sync.Mutex
	loads        []castprotocol.Media
	controls     []castprotocol.CommandKind
	events       chan castprotocol.Event
	closed       bool
	mediaSession int
}

func (r *fakeReceiver) Connect(ctx context.Context) error {
	return r.cast.connect(ctx)
}

func (r *fakeReceiver) LaunchApp(ctx context.Context, appID string) (string, error) {
	return "app-session-1", nil
}

func (r *fakeReceiver) Load(ctx context.Context, sessionID string, m castprotocol.Media) error {
	r.mu.Lock()
	r.loads = append(r.loads, m)
	r.mediaSession++
	r.mu.Unlock()

	if r.cast.loadFn != nil {
		return r.cast.loadFn(ctx, m)
	}
	return nil
}

func (r *fakeReceiver) Control(ctx context.Context, sessionID string, cmd castprotocol.Command) error {
	r.mu.Lock()
	r.controls = append(r.controls, cmd.Kind)
	r.mu.Unlock()
	return nil
}

func (r *fakeReceiver) Events() <-chan castprotocol.Event { return r.events }

func (r *fakeReceiver) MediaSessionID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mediaSession
}

func (r *fakeReceiver) Close(stopMedia bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	return nil
}

func (r *fakeReceiver) push(ev castprotocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.events <- ev
	}
}

func (r *fakeReceiver) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *fakeReceiver) Loads() []castprotocol.Media {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]castprotocol.Media(nil), r.loads...)
}

func (r *fakeReceiver) Controls() []castprotocol.CommandKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]castprotocol.CommandKind(nil), r.controls...)
}

type fakeCast struct {
	connectErrs  []error
	blockConnect bool
	loadFn       func(ctx context.Context, m castprotocol.Media) error

	mu        sync.Mutex
	connects  int
	receivers []*fakeReceiver
}

func (f *fakeCast) dial(addr string) (Receiver, error) {
	r := &fakeReceiver{cast: f, events: make(chan castprotocol.Event, 128)}
	f.mu.Lock()
	f.receivers = append(f.receivers, r)
	f.mu.Unlock()
	return r, nil
}

func (f *fakeCast) connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	n := f.connects
	f.mu.Unlock()

	if f.blockConnect {
		<-ctx.Done()
		return ctx.Err()
	}
	if n <= len(f.connectErrs) {
		return f.connectErrs[n-1]
	}
	return nil
}

func (f *fakeCast) last() *fakeReceiver {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.receivers) == 0 {
		return nil
	}
	return f.receivers[len(f.receivers)-1]
}

func (f *fakeCast) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type harness struct {
	res   *fakeResolver
	relay *relay.Server
	tc    *fakeTranscoder
	cast  *fakeCast
}

func newHarness(t *testing.T, stream *resolver.Stream) *harness {
	t.Helper()

	srv := relay.NewServer("127.0.0.1:0")
	started := make(chan error, 1)
	go srv.Start(started)
	require.NoError(t, <-started)
	t.Cleanup(srv.StopServer)

	return &harness{
		res:   &fakeResolver{stream: stream},
		relay: srv,
		tc:    &fakeTranscoder{},
		cast:  &fakeCast{},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Resolver:   h.res,
		Relay:      h.relay,
		Transcoder: h.tc,
		Dial:       h.cast.dial,
	}
}

func testOptions() Options {
	return Options{
		Device:      "10.0.0.2",
		Retry:       RetryPolicy{Attempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		CommandRate: rate.Inf,
	}
}

func (h *harness) start(t *testing.T, req SourceRequest) *Session {
	t.Helper()

	s := New(req, h.deps(), testOptions())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func playableStream() *resolver.Stream {
	return &resolver.Stream{
		Source:   "https://video.example/watch?v=1",
		ID:       "1",
		Title:    "Direct",
		Duration: 10 * time.Minute,
		Candidates: []resolver.Representation{{
			FormatID:    "18",
			URL:         "https://cdn.example/v.mp4",
			Container:   "mp4",
			VideoCodec:  "h264",
			AudioCodec:  "aac",
			HasVideo:    true,
			HasAudio:    true,
			ContentType: "video/mp4",
		}},
	}
}

func transcodeStream() *resolver.Stream {
	s := playableStream()
	s.Title = "Needs transcode"
	s.Candidates[0].Container = "flv"
	s.Candidates[0].ContentType = "video/x-flv"
	s.Candidates[0].RequiresTranscode = true
	return s
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 3*time.Second, 5*time.Millisecond,
		"expected state %s, still %s", want, s.State())
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not finish (state %s)", s.State())
	}
}
