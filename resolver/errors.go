package resolver

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means the source has no playable stream.
	ErrNotFound = errors.New("no playable stream")
	// ErrExternalToolFailure covers extractor crashes and unparsable output.
	ErrExternalToolFailure = errors.New("extractor failed")
	// ErrToolMissing is an ErrExternalToolFailure where the binary is absent.
	ErrToolMissing = fmt.Errorf("%w: yt-dlp not found", ErrExternalToolFailure)
	ErrTimeout     = errors.New("extractor timed out")
)

// Error describes a failed resolution. Kind is one of the sentinel errors
// above and is matched by errors.Is.
type Error struct {
	Kind   error
	Source string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "resolve %q: %v", e.Source, e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, ": %s", e.Stderr)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// notFoundMarkers are stderr fragments yt-dlp prints when the item is gone.
var notFoundMarkers = []string{
	"Video unavailable",
	"HTTP Error 404",
	"HTTPError 404",
	"Unsupported URL",
	"Private video",
	"This video has been removed",
	"is not a valid URL",
}

func classifyStderr(stderr string) error {
	for _, m := range notFoundMarkers {
		if strings.Contains(stderr, m) {
			return ErrNotFound
		}
	}
	return ErrExternalToolFailure
}

func tailStderr(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
