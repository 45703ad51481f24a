package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"
)

const encoderCheckTimeout = 5 * time.Second

// hwEncoder is a hardware H.264 encoder ffmpeg may have been built with.
type hwEncoder struct {
	codec string
	goos  []string
	// upload replaces format=yuv420p at the end of the filter chain.
	upload string
	// perDevice encoders are tried once for each DRI render node.
	perDevice bool
}

// hwEncoders lists hardware encoders in order of preference.
var hwEncoders = []hwEncoder{
	{codec: "h264_videotoolbox", goos: []string{"darwin"}},
	{codec: "h264_nvenc", goos: []string{"linux", "windows"}},
	{codec: "h264_amf", goos: []string{"windows"}},
	{codec: "h264_v4l2m2m", goos: []string{"linux"}},
	{codec: "h264_vaapi", goos: []string{"linux"}, upload: "format=nv12,hwupload", perDevice: true},
	{codec: "h264_qsv", goos: []string{"linux", "windows"}, upload: "format=nv12"},
}

// encoderPlan is a concrete video encoder choice.
type encoderPlan struct {
	codec      string
	hardware   bool
	globalArgs []string
	filterTail string
}

func softwareEncoder() encoderPlan {
	return encoderPlan{codec: "libx264", filterTail: "format=yuv420p"}
}

// hardwarePlans expands hwEncoders for goos, one vaapi plan per render
// node.
func hardwarePlans(goos string, renderNodes []string) []encoderPlan {
	var plans []encoderPlan
	for _, e := range hwEncoders {
		if !slices.Contains(e.goos, goos) {
			continue
		}
		tail := e.upload
		if tail == "" {
			tail = "format=yuv420p"
		}
		if !e.perDevice {
			plans = append(plans, encoderPlan{codec: e.codec, hardware: true, filterTail: tail})
			continue
		}
		for _, dev := range renderNodes {
			plans = append(plans, encoderPlan{
				codec:      e.codec,
				hardware:   true,
				globalArgs: []string{"-vaapi_device", dev},
				filterTail: tail,
			})
		}
	}
	return plans
}

func localHardwarePlans() []encoderPlan {
	nodes, _ := filepath.Glob("/dev/dri/renderD*")
	return hardwarePlans(runtime.GOOS, nodes)
}

// codecArgs returns the video encoder arguments for the given bitrate cap.
func (p encoderPlan) codecArgs(videoKbps int) []string {
	maxrate := fmt.Sprintf("%dk", videoKbps)
	bufsize := fmt.Sprintf("%dk", videoKbps*2)

	if !p.hardware {
		return []string{
			"-c:v", "libx264",
			"-profile:v", "high",
			"-level", "4.1",
			"-preset", "veryfast",
			"-tune", "zerolatency",
			"-crf", "23",
			"-g", "48",
			"-maxrate", maxrate,
			"-bufsize", bufsize,
		}
	}
	return []string{
		"-c:v", p.codec,
		"-profile:v", "high",
		"-g", "48",
		"-b:v", maxrate,
		"-maxrate", maxrate,
		"-bufsize", bufsize,
	}
}

// encoderSelector remembers the encoder picked for each ffmpeg binary.
// Test encodes take seconds, so it runs once per binary.
type encoderSelector struct {
	mu    sync.Mutex
	plans map[string]encoderPlan
	// candidates is swapped in tests.
	candidates func() []encoderPlan
}

var encoders = &encoderSelector{candidates: localHardwarePlans}

func selectEncoder(ffmpegPath string) encoderPlan {
	return encoders.pick(ffmpegPath)
}

func (s *encoderSelector) pick(ffmpegPath string) encoderPlan {
	s.mu.Lock()
	defer s.mu.Unlock()

	if plan, ok := s.plans[ffmpegPath]; ok {
		return plan
	}
	if s.plans == nil {
		s.plans = make(map[string]encoderPlan)
	}

	plan := s.firstWorking(ffmpegPath)
	s.plans[ffmpegPath] = plan
	return plan
}

// firstWorking returns the first candidate the binary lists and can actually
// encode with, or libx264.
func (s *encoderSelector) firstWorking(ffmpegPath string) encoderPlan {
	candidates := s.candidates()
	if len(candidates) == 0 {
		return softwareEncoder()
	}
	if _, err := exec.LookPath(ffmpegPath); err != nil {
		return softwareEncoder()
	}

	listed, err := listVideoEncoders(ffmpegPath)
	if err != nil {
		listed = nil
	}

	for _, c := range candidates {
		if listed != nil && !listed[c.codec] {
			continue
		}
		if err := c.tryEncode(ffmpegPath); err == nil {
			return c
		}
	}
	return softwareEncoder()
}

// listVideoEncoders parses `ffmpeg -encoders`, whose lines start with a
// capability column such as "V....." followed by the encoder name.
func listVideoEncoders(ffmpegPath string) (map[string]bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), encoderCheckTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders").Output()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("ffmpeg -encoders: %w", ctx.Err())
	}
	if err != nil {
		return nil, fmt.Errorf("ffmpeg -encoders: %w", err)
	}

	listed := make(map[string]bool)
	for line := range strings.Lines(string(out)) {
		fields := strings.Fields(line)
		if len(fields) >= 2 && strings.HasPrefix(fields[0], "V") {
			listed[fields[1]] = true
		}
	}
	return listed, nil
}

// tryEncode encodes a few frames of a synthetic source to /dev/null.
func (p encoderPlan) tryEncode(ffmpegPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), encoderCheckTimeout)
	defer cancel()

	args := append([]string{"-v", "error", "-nostdin"}, p.globalArgs...)
	args = append(args,
		"-f", "lavfi",
		"-i", "testsrc2=s=640x360:r=30:d=0.3",
		"-an",
		"-frames:v", "8",
		"-vf", joinFilters(p.filterTail),
	)
	args = append(args, p.codecArgs(1000)...)
	args = append(args, "-f", "null", "-")

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("test encode %s: %w", p.codec, ctx.Err())
		}
		return fmt.Errorf("test encode %s: %w: %s", p.codec, err, tailString(out.String(), 240))
	}
	return nil
}

// joinFilters joins the non-empty filters of a -vf chain.
func joinFilters(parts ...string) string {
	return strings.Join(slices.DeleteFunc(slices.Clone(parts), func(s string) bool {
		return strings.TrimSpace(s) == ""
	}), ",")
}

func tailString(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "no ffmpeg stderr output"
	}
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
