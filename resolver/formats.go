package resolver

import (
	"cmp"
	"slices"
	"strings"
)

var supportedVideoCodecs = map[string]bool{
	"h264": true,
	"vp8":  true,
	"vp9":  true,
}

var supportedAudioCodecs = map[string]bool{
	"aac":    true,
	"mp3":    true,
	"vorbis": true,
	"opus":   true,
	"flac":   true,
}

var supportedContainers = map[string]bool{
	"mp4":  true,
	"m4a":  true,
	"webm": true,
	"mp3":  true,
}

var containerMime = map[string]string{
	"mp4":  "video/mp4",
	"m4a":  "audio/mp4",
	"webm": "video/webm",
	"mp3":  "audio/mpeg",
	"mkv":  "video/x-matroska",
	"flv":  "video/x-flv",
	"ts":   "video/mp2t",
	"ogg":  "audio/ogg",
	"opus": "audio/ogg",
	"wav":  "audio/wav",
	"flac": "audio/flac",
}

// normalizeCodec maps RFC 6381 style codec strings to short names.
// "none" means the stream is absent; an empty string means unknown.
func normalizeCodec(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	switch {
	case c == "", c == "none":
		return c
	case strings.HasPrefix(c, "avc"), c == "h264":
		return "h264"
	case strings.HasPrefix(c, "hev"), strings.HasPrefix(c, "hvc"), c == "h265":
		return "hevc"
	case strings.HasPrefix(c, "vp09"), c == "vp9":
		return "vp9"
	case strings.HasPrefix(c, "vp8"):
		return "vp8"
	case strings.HasPrefix(c, "av01"):
		return "av1"
	case strings.HasPrefix(c, "mp4a"), c == "aac":
		return "aac"
	case strings.HasPrefix(c, "ac-3"), c == "ac3":
		return "ac3"
	case strings.HasPrefix(c, "ec-3"), c == "eac3":
		return "eac3"
	}
	if i := strings.IndexByte(c, '.'); i > 0 {
		return c[:i]
	}
	return c
}

func codecName(c string) string {
	if c == "none" {
		return ""
	}
	return c
}

func contentTypeFor(container string, hasVideo bool) string {
	ct, ok := containerMime[container]
	if !ok {
		return "application/octet-stream"
	}
	if !hasVideo && strings.HasPrefix(ct, "video/") && container == "webm" {
		return "audio/webm"
	}
	return ct
}

func (f rawFormat) representation(fallbackHeaders map[string]string) Representation {
	vcodec := normalizeCodec(f.VCodec)
	acodec := normalizeCodec(f.ACodec)
	headers := f.HTTPHeaders
	if len(headers) == 0 {
		headers = fallbackHeaders
	}

	bitrate := f.TBR
	if bitrate == 0 {
		bitrate = f.VBR + f.ABR
	}
	size := f.Filesize
	if size == 0 {
		size = f.FilesizeApprox
	}

	rep := Representation{
		FormatID:   f.FormatID,
		URL:        f.URL,
		Container:  strings.ToLower(f.Ext),
		Protocol:   strings.ToLower(f.Protocol),
		VideoCodec: codecName(vcodec),
		AudioCodec: codecName(acodec),
		HasVideo:   vcodec != "none",
		HasAudio:   acodec != "none",
		Bitrate:    bitrate,
		Height:     f.Height,
		Filesize:   size,
		Headers:    headers,
	}
	rep.ContentType = contentTypeFor(rep.Container, rep.HasVideo)
	return rep
}

func usable(r Representation) bool {
	if r.URL == "" || (!r.HasVideo && !r.HasAudio) {
		return false
	}
	switch r.Protocol {
	case "mhtml", "f4m", "ism":
		return false
	}
	return true
}

// Playable reports whether the receiver can fetch r directly.
func Playable(r Representation) bool {
	switch r.Protocol {
	case "", "http", "https":
	default:
		return false
	}
	if !supportedContainers[r.Container] {
		return false
	}
	if r.HasVideo && r.VideoCodec != "" && !supportedVideoCodecs[r.VideoCodec] {
		return false
	}
	if r.HasAudio && r.AudioCodec != "" && !supportedAudioCodecs[r.AudioCodec] {
		return false
	}
	return true
}

func wanted(r Representation, audioOnly bool) bool {
	if audioOnly {
		return r.HasAudio
	}
	return r.HasVideo && r.HasAudio
}

// rank orders representations best first: within the height cap before
// above it, then the tallest under the cap (or the shortest above it), then
// bitrate. Audio-only requests prefer streams without video.
func rank(maxHeight int, audioOnly bool) func(a, b Representation) int {
	within := func(r Representation) bool {
		return maxHeight <= 0 || r.Height <= maxHeight
	}
	return func(a, b Representation) int {
		if audioOnly && a.HasVideo != b.HasVideo {
			if !a.HasVideo {
				return -1
			}
			return 1
		}
		wa, wb := within(a), within(b)
		if wa != wb {
			if wa {
				return -1
			}
			return 1
		}
		if a.Height != b.Height {
			if wa {
				return cmp.Compare(b.Height, a.Height)
			}
			return cmp.Compare(a.Height, b.Height)
		}
		return cmp.Compare(b.Bitrate, a.Bitrate)
	}
}

// selectRepresentation picks the candidate to play. It prefers one the
// receiver can play directly; otherwise the best wanted candidate is
// returned with RequiresTranscode set. It returns -1 when nothing fits.
func selectRepresentation(cands []Representation, req Request) int {
	order := make([]int, len(cands))
	for i := range order {
		order[i] = i
	}
	cmpFn := rank(req.MaxHeight, req.AudioOnly)
	slices.SortStableFunc(order, func(a, b int) int {
		return cmpFn(cands[a], cands[b])
	})

	if !req.ForceTranscode {
		for _, i := range order {
			if wanted(cands[i], req.AudioOnly) && Playable(cands[i]) {
				return i
			}
		}
	}

	for _, i := range order {
		if wanted(cands[i], req.AudioOnly) {
			cands[i].RequiresTranscode = true
			return i
		}
	}
	return -1
}
