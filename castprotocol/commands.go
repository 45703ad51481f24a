package castprotocol

import (
	"fmt"
	"time"
)

// CommandKind enumerates playback commands accepted by Control.
type CommandKind int

const (
	CommandPlay CommandKind = iota
	CommandPause
	CommandSeek
	CommandStop
	CommandSetVolume
	CommandSetMuted
)

func (k CommandKind) String() string {
	switch k {
	case CommandPlay:
		return "play"
	case CommandPause:
		return "pause"
	case CommandSeek:
		return "seek"
	case CommandStop:
		return "stop"
	case CommandSetVolume:
		return "set-volume"
	case CommandSetMuted:
		return "set-muted"
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// Command is a single playback control request.
type Command struct {
	Kind     CommandKind
	Position time.Duration
	Level    float64
	Muted    bool
}

func PlayCommand() Command  { return Command{Kind: CommandPlay} }
func PauseCommand() Command { return Command{Kind: CommandPause} }
func StopCommand() Command  { return Command{Kind: CommandStop} }

func SeekCommand(pos time.Duration) Command {
	return Command{Kind: CommandSeek, Position: pos}
}

// VolumeCommand clamps level to [0, 1].
func VolumeCommand(level float64) Command {
	return Command{Kind: CommandSetVolume, Level: min(max(level, 0), 1)}
}

func MuteCommand(muted bool) Command {
	return Command{Kind: CommandSetMuted, Muted: muted}
}
