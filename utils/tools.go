package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// Tool describes an external binary yt-cast depends on.
type Tool struct {
	Name        string
	Path        string
	VersionArgs []string
	// MinVersion is compared with semver rules; empty skips the check.
	MinVersion string
}

// ToolReport is the outcome of checking one Tool.
type ToolReport struct {
	Tool    Tool
	Found   bool
	Version string
	Err     error
}

// OK reports whether the tool is usable.
func (r ToolReport) OK() bool { return r.Found && r.Err == nil }

// FFmpegTool is ffmpeg with the fragmented MP4 muxer flags yt-cast uses.
func FFmpegTool(path string) Tool {
	return Tool{Name: "ffmpeg", Path: path, VersionArgs: []string{"-version"}, MinVersion: "4.0.0"}
}

// YtDlpTool is the extractor.
func YtDlpTool(path string) Tool {
	return Tool{Name: "yt-dlp", Path: path, VersionArgs: []string{"--version"}, MinVersion: "2023.1.1"}
}

var (
	ffmpegVersionRe = regexp.MustCompile(`version\s+n?([0-9]+(?:\.[0-9]+){0,2})`)
	plainVersionRe  = regexp.MustCompile(`^v?([0-9]+(?:\.[0-9]+){0,2})`)
)

// CheckTool runs the tool's version command and compares the result with
// MinVersion. Versions that cannot be parsed (git builds) are accepted.
func CheckTool(ctx context.Context, t Tool) ToolReport {
	r := ToolReport{Tool: t}

	path, err := exec.LookPath(t.Path)
	if err != nil {
		r.Err = fmt.Errorf("%s not found: %w", t.Name, err)
		return r
	}
	r.Found = true

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, path, t.VersionArgs...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		r.Err = fmt.Errorf("%s %s: %w", t.Name, strings.Join(t.VersionArgs, " "), err)
		return r
	}

	r.Version = ParseToolVersion(out.String())
	if r.Version == "" || t.MinVersion == "" {
		return r
	}

	cmp, err := compareVersions(r.Version, t.MinVersion)
	if err != nil {
		return r
	}
	if cmp < 0 {
		r.Err = fmt.Errorf("%s %s is older than %s", t.Name, r.Version, t.MinVersion)
	}

	return r
}

// ParseToolVersion extracts a dotted version from the first line of a
// version banner, e.g. "ffmpeg version 6.1.1-3ubuntu5" or "2024.08.06".
func ParseToolVersion(banner string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(banner), "\n")
	line = strings.TrimSpace(line)

	if m := ffmpegVersionRe.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	if m := plainVersionRe.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

// normalize turns a dotted version into the "vMAJOR.MINOR.PATCH" form the
// semver package wants, dropping leading zeros (yt-dlp uses 2024.08.06).
func normalize(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	parts := strings.Split(v, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	for i, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			parts[i] = strconv.Itoa(n)
		}
	}
	return "v" + strings.Join(parts, ".")
}

// compareVersions returns 1 if v1 > v2, -1 if v1 < v2 and 0 if equal.
func compareVersions(v1, v2 string) (int, error) {
	v1Norm := normalize(v1)
	v2Norm := normalize(v2)

	if !semver.IsValid(v1Norm) {
		return 0, errors.New("invalid version: " + v1)
	}
	if !semver.IsValid(v2Norm) {
		return 0, errors.New("invalid version: " + v2)
	}

	return semver.Compare(v1Norm, v2Norm), nil
}
