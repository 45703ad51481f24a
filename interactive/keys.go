package interactive

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/hillnz/yt-cast/session"
)

type actionKind int

const (
	actionNone actionKind = iota
	actionStop
	actionPause
	actionResume
	actionSeek
	actionVolume
	actionMute
)

func (k actionKind) String() string {
	return [...]string{"none", "stop", "pause", "resume", "seek", "volume", "mute"}[k]
}

type action struct {
	kind     actionKind
	position time.Duration
	level    float64
	muted    bool
}

func actionForKey(key tcell.Key, r rune, snap session.Snapshot) action {
	switch key {
	case tcell.KeyEscape:
		return action{kind: actionStop}
	case tcell.KeyLeft, tcell.KeyRight:
		pos := snap.Position + seekStep
		if key == tcell.KeyLeft {
			pos = max(snap.Position-seekStep, 0)
		}
		return action{kind: actionSeek, position: pos}
	case tcell.KeyPgUp, tcell.KeyPgDn:
		delta := volumeStep
		if key == tcell.KeyPgDn {
			delta = -delta
		}
		return action{kind: actionVolume, level: min(max(snap.Volume+delta, 0), 1)}
	case tcell.KeyRune:
	default:
		return action{}
	}

	switch r {
	case 'q':
		return action{kind: actionStop}
	case 'p', ' ':
		if snap.State == session.Paused {
			return action{kind: actionResume}
		}
		return action{kind: actionPause}
	case 'm':
		return action{kind: actionMute, muted: !snap.Muted}
	}
	return action{}
}

func statusLine(snap session.Snapshot) string {
	var label string
	switch snap.State {
	case session.Idle, session.Resolving:
		label = "Resolving..."
	case session.Launching:
		label = "Connecting..."
	case session.Loading:
		label = "Loading..."
	case session.Playing:
		label = "Playing"
		if snap.PlayerState == "BUFFERING" {
			label = "Buffering..."
		}
	case session.Paused:
		label = "Paused"
	case session.Stopped:
		label = "Stopped"
	case session.Error:
		label = "Error"
		if snap.Err != nil {
			label = "Error: " + snap.Err.Error()
		}
	}
	if snap.Transcoding && !snap.State.Terminal() {
		label += " [transcoding]"
	}
	return label
}

func progressLine(snap session.Snapshot) string {
	vol := fmt.Sprintf("Volume %d%%", int(snap.Volume*100+0.5))
	if snap.Duration > 0 {
		return fmt.Sprintf("%s / %s   %s", formatDuration(snap.Position), formatDuration(snap.Duration), vol)
	}
	return fmt.Sprintf("%s   %s", formatDuration(snap.Position), vol)
}

func formatDuration(d time.Duration) string {
	d = max(d, 0).Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
