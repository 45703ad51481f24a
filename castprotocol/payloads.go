package castprotocol

import "github.com/vishen/go-chromecast/cast"

const (
	namespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	namespaceHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	namespaceReceiver   = "urn:x-cast:com.google.cast.receiver"
	namespaceMedia      = "urn:x-cast:com.google.cast.media"

	defaultSender   = "sender-0"
	defaultReceiver = "receiver-0"

	// DefaultMediaReceiverAppID is the stock receiver that plays plain URLs.
	DefaultMediaReceiverAppID = "CC1AD845"
	// DefaultPort is the port Cast v2 receivers listen on.
	DefaultPort = 8009
)

// Message types.
const (
	typeConnect        = "CONNECT"
	typeClose          = "CLOSE"
	typePing           = "PING"
	typePong           = "PONG"
	typeLaunch         = "LAUNCH"
	typeStop           = "STOP"
	typeGetStatus      = "GET_STATUS"
	typeSetVolume      = "SET_VOLUME"
	typeLoad           = "LOAD"
	typePlay           = "PLAY"
	typePause          = "PAUSE"
	typeSeek           = "SEEK"
	typeReceiverStatus = "RECEIVER_STATUS"
	typeMediaStatus    = "MEDIA_STATUS"
	typeLaunchError    = "LAUNCH_ERROR"
	typeLoadFailed     = "LOAD_FAILED"
	typeLoadCancelled  = "LOAD_CANCELLED"
	typeInvalidRequest = "INVALID_REQUEST"
	typeInvalidState   = "INVALID_PLAYER_STATE"
)

func header(t string) cast.PayloadHeader {
	return cast.PayloadHeader{Type: t}
}

type launchPayload struct {
	cast.PayloadHeader
	AppId string `json:"appId"`
}

type stopAppPayload struct {
	cast.PayloadHeader
	SessionId string `json:"sessionId"`
}

type volumePayload struct {
	cast.PayloadHeader
	Volume volumeLevel `json:"volume"`
}

type volumeLevel struct {
	Level *float64 `json:"level,omitempty"`
	Muted *bool    `json:"muted,omitempty"`
}

type loadPayload struct {
	cast.PayloadHeader
	SessionId   string    `json:"sessionId,omitempty"`
	Media       MediaItem `json:"media"`
	CurrentTime float64   `json:"currentTime"`
	Autoplay    bool      `json:"autoplay"`
}

type mediaCommandPayload struct {
	cast.PayloadHeader
	MediaSessionId int `json:"mediaSessionId"`
}

type seekPayload struct {
	cast.PayloadHeader
	MediaSessionId int     `json:"mediaSessionId"`
	CurrentTime    float64 `json:"currentTime"`
	ResumeState    string  `json:"resumeState,omitempty"`
}

var (
	_ cast.Payload = (*launchPayload)(nil)
	_ cast.Payload = (*loadPayload)(nil)
	_ cast.Payload = (*seekPayload)(nil)
)
