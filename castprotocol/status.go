package castprotocol

import (
	"encoding/json"
	"time"
)

// Player states reported in MEDIA_STATUS.
const (
	PlayerStateIdle      = "IDLE"
	PlayerStatePlaying   = "PLAYING"
	PlayerStatePaused    = "PAUSED"
	PlayerStateBuffering = "BUFFERING"
)

// Idle reasons reported alongside PlayerStateIdle.
const (
	IdleReasonFinished    = "FINISHED"
	IdleReasonCancelled   = "CANCELLED"
	IdleReasonInterrupted = "INTERRUPTED"
	IdleReasonError       = "ERROR"
)

// Volume is the receiver or stream volume.
type Volume struct {
	Level float64 `json:"level"`
	Muted bool    `json:"muted"`
}

// MediaStatus is one entry of a MEDIA_STATUS message.
type MediaStatus struct {
	MediaSessionID int
	PlayerState    string
	IdleReason     string
	CurrentTime    time.Duration
	Duration       time.Duration
	Volume         Volume
}

// Application is a running receiver application.
type Application struct {
	AppID       string `json:"appId"`
	DisplayName string `json:"displayName"`
	SessionID   string `json:"sessionId"`
	TransportID string `json:"transportId"`
	StatusText  string `json:"statusText"`
}

// ReceiverStatus is the body of a RECEIVER_STATUS message.
type ReceiverStatus struct {
	Applications []Application
	Volume       Volume
}

// App returns the running application with the given session id.
func (r *ReceiverStatus) App(sessionID string) *Application {
	for i := range r.Applications {
		if r.Applications[i].SessionID == sessionID {
			return &r.Applications[i]
		}
	}
	return nil
}

type receiverStatusPayload struct {
	Status struct {
		Applications []Application `json:"applications"`
		Volume       Volume        `json:"volume"`
	} `json:"status"`
}

type mediaStatusPayload struct {
	Status []struct {
		MediaSessionID int     `json:"mediaSessionId"`
		PlayerState    string  `json:"playerState"`
		IdleReason     string  `json:"idleReason"`
		CurrentTime    float64 `json:"currentTime"`
		Volume         Volume  `json:"volume"`
		Media          *struct {
			Duration float64 `json:"duration"`
		} `json:"media"`
	} `json:"status"`
}

func parseReceiverStatus(b []byte) (*ReceiverStatus, error) {
	var p receiverStatusPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &ReceiverStatus{
		Applications: p.Status.Applications,
		Volume:       p.Status.Volume,
	}, nil
}

func parseMediaStatus(b []byte) ([]MediaStatus, error) {
	var p mediaStatusPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	out := make([]MediaStatus, 0, len(p.Status))
	for _, s := range p.Status {
		ms := MediaStatus{
			MediaSessionID: s.MediaSessionID,
			PlayerState:    s.PlayerState,
			IdleReason:     s.IdleReason,
			CurrentTime:    seconds(s.CurrentTime),
			Volume:         s.Volume,
		}
		if s.Media != nil {
			ms.Duration = seconds(s.Media.Duration)
		}
		out = append(out, ms)
	}
	return out, nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
