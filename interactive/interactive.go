// Package interactive renders a playing session in the terminal and maps
// key presses to session commands.
package interactive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"
	"github.com/rs/zerolog"

	"github.com/hillnz/yt-cast/session"
)

const (
	seekStep    = 30 * time.Second
	volumeStep  = 0.05
	commandWait = 10 * time.Second
)

// Controls is the part of a session the screen drives.
type Controls interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Seek(ctx context.Context, pos time.Duration) error
	SetVolume(ctx context.Context, level float64) error
	SetMuted(ctx context.Context, muted bool) error
	Stop(ctx context.Context) error
	Snapshot() session.Snapshot
	Updates() <-chan session.Snapshot
	Done() <-chan struct{}
}

// SessionScreen is the interactive terminal for one session.
type SessionScreen struct {
	Current  tcell.Screen
	Controls Controls
	Logger   zerolog.Logger

	mu         sync.RWMutex
	lastAction string
	snap       session.Snapshot
}

// InitSessionScreen creates a screen on the controlling terminal.
func InitSessionScreen(c Controls, log zerolog.Logger) (*SessionScreen, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("interactive: %w", err)
	}
	return &SessionScreen{Current: s, Controls: c, Logger: log}, nil
}

type redraw struct{}

// Run takes over the terminal until the user stops playback, ctx is
// cancelled or the session ends on its own.
func (p *SessionScreen) Run(ctx context.Context) error {
	s := p.Current
	if err := s.Init(); err != nil {
		return fmt.Errorf("interactive: %w", err)
	}
	defer s.Fini()

	s.SetStyle(tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorWhite))

	p.setSnapshot(p.Controls.Snapshot())
	p.setLastAction("Waiting for status...")
	p.draw()

	quit := make(chan struct{})
	defer close(quit)
	go func() {
		updates := p.Controls.Updates()
		for {
			select {
			case snap, ok := <-updates:
				if !ok {
					updates = nil
					continue
				}
				p.setSnapshot(snap)
				_ = s.PostEvent(tcell.NewEventInterrupt(redraw{}))
			case <-p.Controls.Done():
				p.setSnapshot(p.Controls.Snapshot())
				_ = s.PostEvent(tcell.NewEventInterrupt(nil))
				return
			case <-ctx.Done():
				_ = s.PostEvent(tcell.NewEventInterrupt(nil))
				return
			case <-quit:
				return
			}
		}
	}()

	for {
		switch ev := s.PollEvent().(type) {
		case nil:
			return nil
		case *tcell.EventResize:
			s.Sync()
			p.draw()
		case *tcell.EventInterrupt:
			// Cancellation and the session ending on its own are both a
			// clean exit; the session reports its own failure.
			if ev.Data() == nil {
				return nil
			}
			p.draw()
		case *tcell.EventKey:
			if p.HandleKeyEvent(ctx, ev) {
				return nil
			}
			p.draw()
		}
	}
}

// HandleKeyEvent runs the command bound to ev. It reports true when the
// screen should close.
func (p *SessionScreen) HandleKeyEvent(ctx context.Context, ev *tcell.EventKey) bool {
	return p.apply(ctx, actionForKey(ev.Key(), ev.Rune(), p.snapshot()))
}

func (p *SessionScreen) apply(ctx context.Context, a action) bool {
	if a.kind == actionNone {
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, commandWait)
	defer cancel()

	var err error
	switch a.kind {
	case actionStop:
		err = p.Controls.Stop(cctx)
	case actionPause:
		err = p.Controls.Pause(cctx)
	case actionResume:
		err = p.Controls.Resume(cctx)
	case actionSeek:
		err = p.Controls.Seek(cctx, a.position)
	case actionVolume:
		err = p.Controls.SetVolume(cctx, a.level)
	case actionMute:
		err = p.Controls.SetMuted(cctx, a.muted)
	}

	if err != nil {
		p.Logger.Warn().Str("Method", "apply").Str("Action", a.kind.String()).Err(err).Msg("command failed")
		p.setLastAction(err.Error())
	} else {
		p.setLastAction("")
	}

	return a.kind == actionStop
}

func (p *SessionScreen) emitStr(x, y int, style tcell.Style, str string) {
	s := p.Current
	for _, c := range str {
		var comb []rune
		w := runewidth.RuneWidth(c)
		if w == 0 {
			comb = []rune{c}
			c = ' '
			w = 1
		}
		s.SetContent(x, y, c, comb, style)
		x += w
	}
}

func (p *SessionScreen) emitCentered(y int, style tcell.Style, str string) {
	w, _ := p.Current.Size()
	p.emitStr(w/2-runewidth.StringWidth(str)/2, y, style, str)
}

func (p *SessionScreen) draw() {
	s := p.Current
	snap := p.snapshot()
	last := p.getLastAction()

	_, h := s.Size()
	boldStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite).Bold(true)
	blinkStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite).Blink(true)

	s.Clear()

	title := snap.Title
	if title == "" {
		title = snap.Source
	}
	p.emitCentered(h/2-4, tcell.StyleDefault, "Title: "+title)
	p.emitCentered(h/2-3, tcell.StyleDefault, "Device: "+snap.Device)

	status := statusLine(snap)
	if snap.State == session.Playing || snap.State == session.Paused || snap.State.Terminal() {
		p.emitCentered(h/2-1, boldStyle, status)
	} else {
		p.emitCentered(h/2-1, blinkStyle, status)
	}
	if last != "" {
		p.emitCentered(h/2, tcell.StyleDefault, last)
	}

	p.emitCentered(h/2+1, tcell.StyleDefault, progressLine(snap))
	if snap.Muted {
		p.emitCentered(h/2+2, blinkStyle, "MUTED")
	}

	p.emitStr(1, 1, tcell.StyleDefault, "Press ESC or q to stop and exit.")
	p.emitCentered(h/2+4, tcell.StyleDefault, `"p" (Play/Pause)   "m" (Mute/Unmute)`)
	p.emitCentered(h/2+5, tcell.StyleDefault, `"Left" "Right" (Seek -/+30s)`)
	p.emitCentered(h/2+6, tcell.StyleDefault, `"Page Up" "Page Down" (Volume Up/Down)`)

	s.Show()
}

func (p *SessionScreen) snapshot() session.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

func (p *SessionScreen) setSnapshot(snap session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = snap
}

func (p *SessionScreen) getLastAction() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastAction
}

func (p *SessionScreen) setLastAction(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastAction = s
}
