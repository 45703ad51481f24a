package transcode

import (
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"
)

func argAfter(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

func TestBuildArgsVideo(t *testing.T) {
	in := Input{
		URL:     "https://cdn.example/v.webm",
		Headers: map[string]string{"User-Agent": "ua", "Referer": "https://video.example/"},
	}
	args := buildArgs(in, Target{StartOffset: 1500 * time.Millisecond, MaxHeight: 720, VideoKbps: 3000}, softwareEncoder())

	if got := argAfter(args, "-headers"); got != "Referer: https://video.example/\r\nUser-Agent: ua\r\n" {
		t.Fatalf("headers: %q", got)
	}
	if got := argAfter(args, "-ss"); got != "1.500" {
		t.Fatalf("seek: %q", got)
	}
	if got := argAfter(args, "-c:v"); got != "libx264" {
		t.Fatalf("video codec: %q", got)
	}
	if got := argAfter(args, "-maxrate"); got != "3000k" {
		t.Fatalf("maxrate: %q", got)
	}
	if got := argAfter(args, "-vf"); !strings.Contains(got, "min(720,ih)") || !strings.HasSuffix(got, "format=yuv420p") {
		t.Fatalf("filter: %q", got)
	}
	if got := argAfter(args, "-movflags"); got != fragmentedMP4Flags {
		t.Fatalf("movflags: %q", got)
	}
	if got := argAfter(args, "-b:a"); got != "192k" {
		t.Fatalf("audio bitrate default: %q", got)
	}
}

func TestBuildArgsAudioOnlyLocalInput(t *testing.T) {
	args := buildArgs(Input{URL: "/tmp/a.opus", Headers: map[string]string{"X": "y"}, AudioOnly: true}, Target{}, softwareEncoder())

	if slices.Contains(args, "-vf") || slices.Contains(args, "-c:v") {
		t.Fatalf("audio-only output should not encode video: %v", args)
	}
	if !slices.Contains(args, "-vn") {
		t.Fatalf("expected -vn: %v", args)
	}
	if slices.Contains(args, "-headers") || slices.Contains(args, "-reconnect") {
		t.Fatalf("local input should not get http options: %v", args)
	}
	if slices.Contains(args, "-ss") {
		t.Fatalf("zero offset should not seek: %v", args)
	}
}

func TestContentType(t *testing.T) {
	if got := (Input{}).ContentType(); got != "video/mp4" {
		t.Fatalf("video: %q", got)
	}
	if got := (Input{AudioOnly: true}).ContentType(); got != "audio/mp4" {
		t.Fatalf("audio: %q", got)
	}
}

func TestHardwarePlans(t *testing.T) {
	codecs := func(plans []encoderPlan) []string {
		var out []string
		for _, p := range plans {
			out = append(out, p.codec)
		}
		return out
	}

	linux := hardwarePlans("linux", []string{"/dev/dri/renderD128", "/dev/dri/renderD129"})
	want := []string{"h264_nvenc", "h264_v4l2m2m", "h264_vaapi", "h264_vaapi", "h264_qsv"}
	if got := codecs(linux); !slices.Equal(got, want) {
		t.Fatalf("linux plans = %v, want %v", got, want)
	}
	if got := linux[3].globalArgs; !slices.Equal(got, []string{"-vaapi_device", "/dev/dri/renderD129"}) {
		t.Fatalf("vaapi device args = %v", got)
	}
	if linux[2].filterTail != "format=nv12,hwupload" || linux[4].filterTail != "format=nv12" || linux[0].filterTail != "format=yuv420p" {
		t.Fatalf("unexpected filter tails %+v", linux)
	}
	for _, p := range linux {
		if !p.hardware {
			t.Fatalf("plan %s not marked hardware", p.codec)
		}
	}

	if got := codecs(hardwarePlans("linux", nil)); slices.Contains(got, "h264_vaapi") {
		t.Fatalf("vaapi without render nodes: %v", got)
	}
	if got := codecs(hardwarePlans("darwin", nil)); !slices.Equal(got, []string{"h264_videotoolbox"}) {
		t.Fatalf("darwin plans = %v", got)
	}
	if got := codecs(hardwarePlans("windows", nil)); !slices.Equal(got, []string{"h264_nvenc", "h264_amf", "h264_qsv"}) {
		t.Fatalf("windows plans = %v", got)
	}
	if got := hardwarePlans("plan9", nil); len(got) != 0 {
		t.Fatalf("plan9 plans = %v", got)
	}
}

func testSelector(goos string) *encoderSelector {
	return &encoderSelector{candidates: func() []encoderPlan { return hardwarePlans(goos, nil) }}
}

func TestSelectEncoderFallsBackToSoftware(t *testing.T) {
	plan := testSelector("linux").pick("/path/does/not/exist/ffmpeg")
	if plan.codec != "libx264" || plan.hardware {
		t.Fatalf("expected libx264 fallback, got %+v", plan)
	}
}

func TestSelectEncoderUsesWorkingHardware(t *testing.T) {
	path := writeFakeEncoderFFmpeg(t)
	t.Setenv("FAKE_SUPPORTED_CODEC", "h264_v4l2m2m")

	sel := testSelector("linux")
	plan := sel.pick(path)
	if plan.codec != "h264_v4l2m2m" || !plan.hardware {
		t.Fatalf("expected h264_v4l2m2m after nvenc test encode failed, got %+v", plan)
	}

	t.Setenv("FAKE_SUPPORTED_CODEC", "")
	if again := sel.pick(path); again.codec != "h264_v4l2m2m" {
		t.Fatalf("selection not remembered per binary, got %+v", again)
	}
}

func TestSelectEncoderSkipsUnlistedEncoders(t *testing.T) {
	path := writeFakeEncoderFFmpeg(t)
	// The fake would encode with amf, but -encoders does not list it.
	t.Setenv("FAKE_SUPPORTED_CODEC", "h264_amf")

	plan := testSelector("windows").pick(path)
	if plan.codec != "libx264" || plan.hardware {
		t.Fatalf("expected software when only an unlisted encoder works, got %+v", plan)
	}
}

func TestSelectEncoderFallsBackWhenTestEncodesFail(t *testing.T) {
	path := writeFakeEncoderFFmpeg(t)
	t.Setenv("FAKE_SUPPORTED_CODEC", "")

	plan := testSelector("linux").pick(path)
	if plan.codec != "libx264" || plan.hardware {
		t.Fatalf("expected software fallback when test encodes fail, got %+v", plan)
	}
}

func TestJoinFilters(t *testing.T) {
	if got := joinFilters("scale=-2:720", "", " ", "format=yuv420p"); got != "scale=-2:720,format=yuv420p" {
		t.Fatalf("joinFilters = %q", got)
	}
}

func writeFakeEncoderFFmpeg(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script fake ffmpeg test skipped on windows")
	}

	script := `#!/bin/sh
if [ "$1" = "-hide_banner" ] && [ "$2" = "-encoders" ]; then
  echo "Encoders:"
  echo " V..... h264_nvenc           fake"
  echo " V..... h264_v4l2m2m         fake"
  echo " V..... h264_qsv             fake"
  echo " V..... h264_vaapi           fake"
  echo " V..... h264_videotoolbox    fake"
  exit 0
fi
supported="$FAKE_SUPPORTED_CODEC"
for arg in "$@"; do
  if [ -n "$supported" ] && [ "$arg" = "$supported" ]; then
    exit 0
  fi
done
echo "unsupported codec" >&2
exit 1
`

	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake ffmpeg: %v", err)
	}
	return path
}
