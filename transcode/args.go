package transcode

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Input is the media the job reads.
type Input struct {
	URL       string
	Headers   map[string]string
	AudioOnly bool
}

// Target describes the produced stream.
type Target struct {
	StartOffset time.Duration
	MaxHeight   int
	VideoKbps   int
	AudioKbps   int
}

const fragmentedMP4Flags = "+frag_keyframe+empty_moov+default_base_moof"

func (t Target) withDefaults() Target {
	if t.MaxHeight <= 0 {
		t.MaxHeight = 1080
	}
	if t.VideoKbps <= 0 {
		t.VideoKbps = 5000
	}
	if t.AudioKbps <= 0 {
		t.AudioKbps = 192
	}
	return t
}

// ContentType is the MIME type of the job output.
func (in Input) ContentType() string {
	if in.AudioOnly {
		return "audio/mp4"
	}
	return "video/mp4"
}

func isNetworkInput(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// formatHeaders renders headers the way ffmpeg's -headers option expects:
// CRLF terminated lines, in a stable order.
func formatHeaders(h map[string]string) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, h[k])
	}
	return b.String()
}

func scaleFilter(maxHeight int) string {
	maxWidth := maxHeight * 16 / 9
	return fmt.Sprintf(
		"scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease,scale=trunc(iw/2)*2:trunc(ih/2)*2",
		maxWidth, maxHeight,
	)
}

func buildArgs(in Input, t Target, plan encoderPlan) []string {
	t = t.withDefaults()

	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error"}

	if isNetworkInput(in.URL) {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
		)
		if len(in.Headers) > 0 {
			args = append(args, "-headers", formatHeaders(in.Headers))
		}
	}

	if t.StartOffset > 0 {
		args = append(args, "-ss", strconv.FormatFloat(t.StartOffset.Seconds(), 'f', 3, 64))
	}

	if !in.AudioOnly {
		args = append(args, plan.globalArgs...)
	}

	args = append(args, "-i", in.URL)

	if in.AudioOnly {
		args = append(args, "-vn", "-map", "0:a:0")
	} else {
		args = append(args,
			"-map", "0:v:0",
			"-map", "0:a:0?",
			"-vf", joinFilters(scaleFilter(t.MaxHeight), plan.filterTail),
		)
		args = append(args, plan.codecArgs(t.VideoKbps)...)
	}

	args = append(args,
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", t.AudioKbps),
		"-ar", "48000",
		"-ac", "2",
		"-movflags", fragmentedMP4Flags,
		"-f", "mp4",
		"pipe:1",
	)
	return args
}
