// Package transcode runs ffmpeg to re-encode a source into fragmented MP4
// that Cast receivers can play while it is being produced.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrLaunchFailure = errors.New("transcoder launch failed")
	ErrProcessExited = errors.New("transcoder exited")
	ErrOutputClaimed = errors.New("transcoder output already claimed")
)

// ProcessExitedError reports ffmpeg exiting with a failure status before the
// job was stopped. Code is -1 when the process was killed by a signal.
type ProcessExitedError struct {
	Code   int
	Stderr string
}

func (e *ProcessExitedError) Error() string {
	return fmt.Sprintf("transcoder exited with code %d: %s", e.Code, e.Stderr)
}

func (e *ProcessExitedError) Is(target error) bool {
	return target == ErrProcessExited
}

// StateKind tags the job state.
type StateKind int

const (
	NotStarted StateKind = iota
	Running
	Exited
	Stopped
)

// State is the job state. Code is only meaningful for Exited.
type State struct {
	Kind StateKind
	Code int
}

func (s State) String() string {
	switch s.Kind {
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case Exited:
		return fmt.Sprintf("exited(%d)", s.Code)
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Options configures a Pipeline.
type Options struct {
	FFmpegPath string
	// GracePeriod is how long Stop waits after SIGTERM before SIGKILL.
	GracePeriod      time.Duration
	HardwareEncoding bool
	// StatsInterval enables periodic resource logging of running jobs.
	StatsInterval time.Duration
	Logger        zerolog.Logger
}

// Pipeline starts transcode jobs.
type Pipeline struct {
	opts    Options
	running atomic.Int64
}

func NewPipeline(opts Options) *Pipeline {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 3 * time.Second
	}
	return &Pipeline{opts: opts}
}

// Running returns the number of jobs whose process has not exited yet.
func (p *Pipeline) Running() int {
	return int(p.running.Load())
}

// Job is a single ffmpeg process and its output stream.
type Job struct {
	cmd    *exec.Cmd
	pid    int
	stdout *os.File
	stderr *tailBuffer
	grace  time.Duration
	input  Input
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	stopping bool
	claimed  bool
	err      error

	done chan struct{}
}

// Start launches ffmpeg for in. The job stops when ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context, in Input, t Target) (*Job, error) {
	if in.URL == "" {
		return nil, fmt.Errorf("%w: empty input", ErrLaunchFailure)
	}

	plan := softwareEncoder()
	if p.opts.HardwareEncoding && !in.AudioOnly {
		plan = selectEncoder(p.opts.FFmpegPath)
	}
	args := buildArgs(in, t, plan)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}

	cmd := exec.Command(p.opts.FFmpegPath, args...)
	setSysProcAttr(cmd)
	stderr := newTailBuffer(4096)
	cmd.Stdout = w
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	j := &Job{
		cmd:    cmd,
		stdout: r,
		stderr: stderr,
		grace:  p.opts.GracePeriod,
		input:  in,
		logger: p.opts.Logger,
		done:   make(chan struct{}),
	}

	p.opts.Logger.Debug().Str("Method", "Start").Str("Encoder", plan.codec).Dur("Offset", t.StartOffset).Msg("starting ffmpeg")

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		p.opts.Logger.Error().Str("Method", "Start").Err(err).Msg("ffmpeg launch failed")
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}
	_ = w.Close()

	j.pid = cmd.Process.Pid
	j.state = State{Kind: Running}
	p.running.Add(1)

	go func() {
		j.wait()
		p.running.Add(-1)
		close(j.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = j.Stop()
		case <-j.done:
		}
	}()

	if p.opts.StatsInterval > 0 {
		go j.logStats(p.opts.StatsInterval)
	}

	return j, nil
}

func (j *Job) wait() {
	err := j.cmd.Wait()

	code := 0
	if j.cmd.ProcessState != nil {
		code = j.cmd.ProcessState.ExitCode()
	} else if err != nil {
		code = -1
	}

	j.mu.Lock()
	if j.stopping {
		j.state = State{Kind: Stopped}
	} else {
		j.state = State{Kind: Exited, Code: code}
		if code != 0 {
			j.err = &ProcessExitedError{Code: code, Stderr: tailString(j.stderr.String(), 400)}
		}
	}
	unclaimed := !j.claimed
	state, jerr := j.state, j.err
	j.mu.Unlock()

	if unclaimed {
		_ = j.stdout.Close()
	}

	if jerr != nil {
		j.logger.Error().Str("Method", "wait").Int("PID", j.pid).Err(jerr).Msg("ffmpeg failed")
	} else {
		j.logger.Debug().Str("Method", "wait").Int("PID", j.pid).Str("State", state.String()).Msg("ffmpeg finished")
	}
}

// PID returns the ffmpeg process id.
func (j *Job) PID() int {
	return j.pid
}

// ContentType is the MIME type of the output stream.
func (j *Job) ContentType() string {
	return j.input.ContentType()
}

// Status returns the current state.
func (j *Job) Status() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Done is closed once the process has exited and been reaped.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err returns a *ProcessExitedError if ffmpeg failed on its own. It is nil
// while running, after a clean exit and after Stop.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Output hands out the encoded stream. It can be claimed once; closing the
// reader before EOF stops the job.
func (j *Job) Output() (io.ReadCloser, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.claimed {
		return nil, ErrOutputClaimed
	}
	if j.state.Kind != Running {
		return nil, fmt.Errorf("%w: job is %s", ErrProcessExited, j.state)
	}
	j.claimed = true
	return &output{job: j, r: j.stdout}, nil
}

// Stop terminates ffmpeg and its process group: SIGTERM, then SIGKILL after
// the grace period. It returns once the process has been reaped.
func (j *Job) Stop() error {
	j.mu.Lock()
	if j.state.Kind != Running {
		j.mu.Unlock()
		return nil
	}
	first := !j.stopping
	j.stopping = true
	j.mu.Unlock()

	if first {
		j.logger.Debug().Str("Method", "Stop").Int("PID", j.pid).Msg("terminating ffmpeg")
		if err := terminateGroup(j.cmd); err != nil {
			j.logger.Debug().Str("Method", "Stop").Err(err).Msg("sigterm failed")
		}
	}

	select {
	case <-j.done:
		return nil
	case <-time.After(j.grace):
	}

	j.logger.Warn().Str("Method", "Stop").Int("PID", j.pid).Msg("ffmpeg ignored sigterm, killing")
	if err := killGroup(j.cmd); err != nil {
		j.logger.Debug().Str("Method", "Stop").Err(err).Msg("sigkill failed")
	}

	select {
	case <-j.done:
		return nil
	case <-time.After(2 * time.Second):
		if !alive(j.pid) {
			return nil
		}
		return fmt.Errorf("ffmpeg pid %d still alive", j.pid)
	}
}

type output struct {
	job  *Job
	r    *os.File
	eof  atomic.Bool
	once sync.Once
}

func (o *output) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	if errors.Is(err, io.EOF) {
		o.eof.Store(true)
	}
	return n, err
}

func (o *output) Close() error {
	var err error
	o.once.Do(func() {
		if !o.eof.Load() {
			o.job.mu.Lock()
			running := o.job.state.Kind == Running
			if running {
				o.job.stopping = true
			}
			o.job.mu.Unlock()

			if running {
				o.job.logger.Debug().Str("Method", "Output.Close").Int("PID", o.job.pid).Msg("consumer went away, stopping ffmpeg")
				go func() {
					if err := terminateGroup(o.job.cmd); err != nil {
						o.job.logger.Debug().Err(err).Msg("sigterm failed")
					}
					select {
					case <-o.job.done:
					case <-time.After(o.job.grace):
						_ = killGroup(o.job.cmd)
					}
				}()
			}
		}
		err = o.r.Close()
	})
	return err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
