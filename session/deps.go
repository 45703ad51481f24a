package session

import (
	"context"
	"io"

	"github.com/hillnz/yt-cast/castprotocol"
	"github.com/hillnz/yt-cast/relay"
	"github.com/hillnz/yt-cast/resolver"
	"github.com/hillnz/yt-cast/transcode"
)

var (
	_ Resolver  = (*resolver.Resolver)(nil)
	_ Forgetter = (*resolver.Resolver)(nil)
	_ Relay     = (*relay.Server)(nil)
	_ Receiver  = (*castprotocol.Client)(nil)
)

// Resolver turns a source into a stream description.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) (*resolver.Stream, error)
}

// Forgetter is implemented by resolvers that cache results. A session
// that fails after playing a cached stream asks for it to be dropped.
type Forgetter interface {
	Forget(ctx context.Context, req resolver.Request) error
}

// Relay serves media to the receiver.
type Relay interface {
	RegisterRoute(c relay.Content) (*relay.Route, error)
	UnregisterRoute(r *relay.Route)
}

// Job is a running transcode.
type Job interface {
	Output() (io.ReadCloser, error)
	ContentType() string
	Done() <-chan struct{}
	Err() error
	Stop() error
}

// Transcoder starts transcode jobs.
type Transcoder interface {
	Start(ctx context.Context, in transcode.Input, t transcode.Target) (Job, error)
}

// Receiver is a connection to one cast device.
type Receiver interface {
	Connect(ctx context.Context) error
	LaunchApp(ctx context.Context, appID string) (string, error)
	Load(ctx context.Context, sessionID string, m castprotocol.Media) error
	Control(ctx context.Context, sessionID string, cmd castprotocol.Command) error
	Events() <-chan castprotocol.Event
	MediaSessionID() int
	Close(stopMedia bool) error
}

// Dialer creates an unconnected Receiver for a device address. Each
// connection attempt gets a fresh Receiver.
type Dialer func(addr string) (Receiver, error)

// Deps are the collaborators a session drives.
type Deps struct {
	Resolver   Resolver
	Relay      Relay
	Transcoder Transcoder
	Dial       Dialer
}

type pipelineTranscoder struct {
	p *transcode.Pipeline
}

// NewTranscoder adapts a transcode.Pipeline.
func NewTranscoder(p *transcode.Pipeline) Transcoder {
	return pipelineTranscoder{p: p}
}

func (t pipelineTranscoder) Start(ctx context.Context, in transcode.Input, target transcode.Target) (Job, error) {
	job, err := t.p.Start(ctx, in, target)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CastDialer dials real Cast v2 receivers with opts applied.
func CastDialer(opts ...castprotocol.Option) Dialer {
	return func(addr string) (Receiver, error) {
		c, err := castprotocol.NewClient(addr, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
