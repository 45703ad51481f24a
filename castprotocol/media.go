package castprotocol

import "time"

// Stream types understood by the default media receiver.
const (
	StreamTypeBuffered = "BUFFERED"
	StreamTypeLive     = "LIVE"
)

// Media describes what the receiver should load.
type Media struct {
	URL         string
	ContentType string
	Title       string
	// Duration is zero when unknown, which lets the receiver detect it.
	Duration  time.Duration
	StartTime time.Duration
	Live      bool
	Autoplay  bool
}

// MediaItem is the wire form of the media object inside a LOAD request.
type MediaItem struct {
	ContentId   string     `json:"contentId"`
	ContentType string     `json:"contentType"`
	StreamType  string     `json:"streamType"`
	Duration    float64    `json:"duration,omitempty"`
	Metadata    *MediaMeta `json:"metadata,omitempty"`
}

// MediaMeta contains metadata about the media.
type MediaMeta struct {
	MetadataType int    `json:"metadataType"`
	Title        string `json:"title,omitempty"`
}

func (m Media) item() MediaItem {
	item := MediaItem{
		ContentId:   m.URL,
		ContentType: m.ContentType,
		StreamType:  StreamTypeBuffered,
	}
	if m.Live {
		item.StreamType = StreamTypeLive
	}
	if m.Duration > 0 && !m.Live {
		item.Duration = m.Duration.Seconds()
	}
	if m.Title != "" {
		item.Metadata = &MediaMeta{MetadataType: 0, Title: m.Title}
	}
	return item
}
