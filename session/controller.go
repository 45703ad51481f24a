package session

import (
	"context"
	"sync"
)

// Controller keeps at most one live session. Loading a new source stops
// the previous session first.
type Controller struct {
	deps Deps
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	current *Session
	closed  bool
}

// NewController creates a controller whose sessions live until Close.
func NewController(deps Deps, opts Options) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{deps: deps, opts: opts, ctx: ctx, cancel: cancel}
}

// Load stops the current session, waits for its teardown and starts a new
// one for req.
func (c *Controller) Load(ctx context.Context, req SourceRequest) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrSessionClosed
	}

	if err := c.stopCurrent(ctx); err != nil {
		return nil, err
	}

	s := New(req, c.deps, c.opts)
	if err := s.Start(c.ctx); err != nil {
		return nil, err
	}
	c.current = s

	return s, nil
}

// Current returns the most recent session, which may already be finished.
func (c *Controller) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Close stops the current session and rejects further loads.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	err := c.stopCurrent(ctx)
	c.cancel()
	return err
}

func (c *Controller) stopCurrent(ctx context.Context) error {
	prev := c.current
	if prev == nil {
		return nil
	}
	if err := prev.Stop(ctx); err != nil {
		return err
	}

	select {
	case <-prev.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
