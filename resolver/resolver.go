// Package resolver turns a source URL into playable stream URLs by running
// yt-dlp and choosing a representation the receiver can handle.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
)

// Request is what the caller wants resolved.
type Request struct {
	Source    string
	MaxHeight int
	AudioOnly bool
	// ForceTranscode skips the directly playable preference.
	ForceTranscode bool
}

func (r Request) cacheKey() string {
	return strings.Join([]string{
		r.Source,
		strconv.Itoa(r.MaxHeight),
		strconv.FormatBool(r.AudioOnly),
		strconv.FormatBool(r.ForceTranscode),
	}, "|")
}

// Representation is one concrete encoding of a source.
type Representation struct {
	FormatID          string            `json:"format_id"`
	URL               string            `json:"url"`
	Container         string            `json:"container"`
	Protocol          string            `json:"protocol"`
	VideoCodec        string            `json:"video_codec"`
	AudioCodec        string            `json:"audio_codec"`
	HasVideo          bool              `json:"has_video"`
	HasAudio          bool              `json:"has_audio"`
	Bitrate           float64           `json:"bitrate"`
	Height            int               `json:"height"`
	Filesize          int64             `json:"filesize"`
	Headers           map[string]string `json:"headers,omitempty"`
	ContentType       string            `json:"content_type"`
	RequiresTranscode bool              `json:"requires_transcode"`
}

// Stream is the result of a resolution.
type Stream struct {
	Source     string           `json:"source"`
	ID         string           `json:"id"`
	Title      string           `json:"title"`
	Duration   time.Duration    `json:"duration"`
	Candidates []Representation `json:"candidates"`
	Selected   int              `json:"selected"`

	// Cached is set when the stream came from the cache.
	Cached bool `json:"-"`
}

// Representation returns the selected representation.
func (s *Stream) Representation() Representation {
	return s.Candidates[s.Selected]
}

// Cache stores serialized streams. Implementations must be safe for
// concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, expiresAt time.Time) error
	Delete(ctx context.Context, key string) error
}

const (
	// DefaultCacheTTL applies to streams whose URLs carry no expiry.
	DefaultCacheTTL = time.Hour
	// maxCacheAge bounds every entry, whatever the URL claims.
	maxCacheAge = 24 * time.Hour
	// urlExpiryMargin leaves room to load and buffer before a signed URL
	// stops working.
	urlExpiryMargin = 10 * time.Minute
)

// Options configures a Resolver.
type Options struct {
	Path      string
	ExtraArgs []string
	Timeout   time.Duration
	Cache     Cache
	// CacheTTL is used for streams without an expire= URL parameter.
	CacheTTL time.Duration
	Logger   zerolog.Logger
}

// Resolver runs yt-dlp.
type Resolver struct {
	path     string
	args     []string
	timeout  time.Duration
	cache    Cache
	cacheTTL time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func New(opts Options) *Resolver {
	r := &Resolver{
		path:     opts.Path,
		args:     opts.ExtraArgs,
		timeout:  opts.Timeout,
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		logger:   opts.Logger,
		now:      time.Now,
	}
	if r.path == "" {
		r.path = "yt-dlp"
	}
	if r.timeout <= 0 {
		r.timeout = time.Minute
	}
	if r.cacheTTL <= 0 {
		r.cacheTTL = DefaultCacheTTL
	}
	return r
}

type rawFormat struct {
	FormatID       string            `json:"format_id"`
	URL            string            `json:"url"`
	Ext            string            `json:"ext"`
	Protocol       string            `json:"protocol"`
	VCodec         string            `json:"vcodec"`
	ACodec         string            `json:"acodec"`
	TBR            float64           `json:"tbr"`
	VBR            float64           `json:"vbr"`
	ABR            float64           `json:"abr"`
	Height         int               `json:"height"`
	Filesize       int64             `json:"filesize"`
	FilesizeApprox int64             `json:"filesize_approx"`
	HTTPHeaders    map[string]string `json:"http_headers"`
}

type rawInfo struct {
	Type        string            `json:"_type"`
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Duration    float64           `json:"duration"`
	URL         string            `json:"url"`
	HTTPHeaders map[string]string `json:"http_headers"`
	Formats     []rawFormat       `json:"formats"`
	Entries     []map[string]any  `json:"entries"`

	// top holds the format fields of a single-file result.
	top rawFormat
}

// Resolve runs the extractor for req.Source and selects a representation.
// Cache failures are logged and otherwise ignored.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Stream, error) {
	key := req.cacheKey()
	if s := r.cached(ctx, key); s != nil {
		r.logger.Debug().Str("Method", "Resolve").Str("Source", req.Source).Msg("cache hit")
		return s, nil
	}

	out, err := r.run(ctx, req)
	if err != nil {
		return nil, err
	}

	s, err := parse(req, out)
	if err != nil {
		return nil, err
	}

	sel := s.Representation()
	r.logger.Debug().Str("Method", "Resolve").Str("Source", req.Source).
		Str("Format", sel.FormatID).Str("Container", sel.Container).
		Int("Height", sel.Height).Bool("Transcode", sel.RequiresTranscode).
		Msg("resolved")

	r.store(ctx, key, s)

	return s, nil
}

// Forget drops the cached result for req, e.g. after its URL failed to
// play.
func (r *Resolver) Forget(ctx context.Context, req Request) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Delete(ctx, req.cacheKey())
}

func (r *Resolver) cached(ctx context.Context, key string) *Stream {
	if r.cache == nil {
		return nil
	}

	b, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn().Str("Method", "Resolve").Err(err).Msg("cache read failed")
		return nil
	}
	if !ok {
		return nil
	}

	var s Stream
	if err := json.Unmarshal(b, &s); err != nil || s.Selected < 0 || s.Selected >= len(s.Candidates) {
		return nil
	}
	if !r.now().Before(r.expiry(&s)) {
		if err := r.cache.Delete(ctx, key); err != nil {
			r.logger.Warn().Str("Method", "Resolve").Err(err).Msg("cache delete failed")
		}
		return nil
	}

	s.Cached = true
	return &s
}

func (r *Resolver) store(ctx context.Context, key string, s *Stream) {
	if r.cache == nil {
		return
	}

	expires := r.expiry(s)
	if !r.now().Before(expires) {
		return
	}

	b, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := r.cache.Put(ctx, key, b, expires); err != nil {
		r.logger.Warn().Str("Method", "Resolve").Err(err).Msg("cache write failed")
	}
}

// expiry is when a cached copy of s stops being usable: shortly before the
// selected URL's signed expire= time, or after the fallback TTL when the
// URL has none.
func (r *Resolver) expiry(s *Stream) time.Time {
	now := r.now()
	limit := now.Add(maxCacheAge)

	at, ok := urlExpiry(s.Representation().URL)
	if !ok {
		at = now.Add(r.cacheTTL)
	} else {
		at = at.Add(-urlExpiryMargin)
	}
	if at.After(limit) {
		return limit
	}
	return at
}

// urlExpiry reads the unix expire= parameter that signed CDN URLs carry.
func urlExpiry(raw string) (time.Time, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return time.Time{}, false
	}
	v := u.Query().Get("expire")
	if v == "" {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

// formatSort orders yt-dlp's format list so that ties in our own ranking
// fall to the native container at the wanted height.
func formatSort(req Request) string {
	if req.MaxHeight > 0 {
		return "ext,height:" + strconv.Itoa(req.MaxHeight)
	}
	return "ext"
}

func (r *Resolver) run(ctx context.Context, req Request) ([]byte, error) {
	source := req.Source
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := []string{"-J", "--no-playlist", "--no-warnings", "-S", formatSort(req)}
	args = append(args, r.args...)
	args = append(args, "--", source)

	cmd := exec.CommandContext(runCtx, r.path, args...)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug().Str("Method", "run").Str("Source", source).Msg("running yt-dlp")

	err := cmd.Run()
	switch {
	case err == nil:
		return stdout.Bytes(), nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, &Error{Kind: ErrTimeout, Source: source, Err: fmt.Errorf("after %s", r.timeout)}
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return nil, &Error{Kind: ErrToolMissing, Source: source, Err: err}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		tail := tailStderr(stderr.String(), 400)
		kind := classifyStderr(tail)
		r.logger.Error().Str("Method", "run").Int("ExitCode", exitErr.ExitCode()).Str("Stderr", tail).Msg("yt-dlp failed")
		return nil, &Error{Kind: kind, Source: source, Stderr: tail, Err: err}
	}

	return nil, &Error{Kind: ErrExternalToolFailure, Source: source, Err: err}
}

func decodeInto(doc map[string]any, result any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           result,
	})
	if err != nil {
		return err
	}
	return dec.Decode(doc)
}

func decodeInfo(out []byte) (*rawInfo, error) {
	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, err
	}
	return decodeDoc(doc)
}

func decodeDoc(doc map[string]any) (*rawInfo, error) {
	var info rawInfo
	if err := decodeInto(doc, &info); err != nil {
		return nil, err
	}

	if info.Type == "playlist" {
		if len(info.Entries) == 0 {
			return &rawInfo{}, nil
		}
		return decodeDoc(info.Entries[0])
	}

	if err := decodeInto(doc, &info.top); err != nil {
		return nil, err
	}
	return &info, nil
}

func parse(req Request, out []byte) (*Stream, error) {
	info, err := decodeInfo(out)
	if err != nil {
		return nil, &Error{Kind: ErrExternalToolFailure, Source: req.Source, Err: fmt.Errorf("parse output: %w", err)}
	}

	formats := info.Formats
	if len(formats) == 0 && info.URL != "" {
		formats = []rawFormat{info.top}
	}

	cands := make([]Representation, 0, len(formats))
	for _, f := range formats {
		rep := f.representation(info.HTTPHeaders)
		if usable(rep) {
			cands = append(cands, rep)
		}
	}

	sel := selectRepresentation(cands, req)
	if sel < 0 {
		return nil, &Error{Kind: ErrNotFound, Source: req.Source}
	}

	return &Stream{
		Source:     req.Source,
		ID:         info.ID,
		Title:      info.Title,
		Duration:   time.Duration(info.Duration * float64(time.Second)),
		Candidates: cands,
		Selected:   sel,
	}, nil
}
