package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
)

const liveChunkSize = 32 * 1024

// Content is what a route serves: ProxyContent or LiveContent.
type Content interface {
	kind() string
	contentType() string
	empty() bool
}

// ProxyContent forwards requests to an upstream URL. ContentType is used
// when the upstream does not send a usable one.
type ProxyContent struct {
	URL         string
	Headers     map[string]string
	ContentType string
}

func (ProxyContent) kind() string          { return "proxy" }
func (c ProxyContent) contentType() string { return c.ContentType }
func (c ProxyContent) empty() bool         { return c.URL == "" }

// LiveSource hands out a stream that can be read once, such as a running
// transcode job.
type LiveSource interface {
	Output() (io.ReadCloser, error)
}

// LiveContent serves a LiveSource with unknown length.
type LiveContent struct {
	Source      LiveSource
	ContentType string
}

func (LiveContent) kind() string { return "live" }

func (c LiveContent) contentType() string {
	if c.ContentType == "" {
		return "video/mp4"
	}
	return c.ContentType
}

func (c LiveContent) empty() bool { return c.Source == nil }

var forwardedHeaders = []string{
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"Last-Modified",
	"ETag",
}

func (s *Server) serveProxy(w http.ResponseWriter, r *http.Request, route *Route, c ProxyContent) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(route.ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, r.Method, c.URL, nil)
	if err != nil {
		http.Error(w, "bad upstream url", http.StatusInternalServerError)
		return
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	if rg := r.Header.Get("Range"); rg != "" {
		req.Header.Set("Range", rg)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if route.ctx.Err() != nil {
			http.Error(w, "not exists", http.StatusNotFound)
			return
		}
		s.Log().Warn().Str("Method", "serveProxy").Str("Path", route.Path).Err(err).Msg("upstream request failed")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		s.Log().Warn().Str("Method", "serveProxy").Str("Path", route.Path).Int("Status", resp.StatusCode).Msg("upstream rejected request")
		if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			if cr := resp.Header.Get("Content-Range"); cr != "" {
				w.Header().Set("Content-Range", cr)
			}
			w.WriteHeader(resp.StatusCode)
			return
		}
		http.Error(w, "upstream status "+resp.Status, http.StatusBadGateway)
		return
	}

	for _, h := range forwardedHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}

	body := io.Reader(resp.Body)
	mediaType := normalizeContentType(resp.Header.Get("Content-Type"))
	if shouldSniffContentType(mediaType) {
		switch {
		case c.ContentType != "":
			mediaType = c.ContentType
		case r.Method == http.MethodGet:
			mediaType, body, err = sniffContentType(resp.Body, mediaType)
			if err != nil {
				http.Error(w, "upstream read failed", http.StatusBadGateway)
				return
			}
		}
	}
	if mediaType != "" {
		w.Header().Set("Content-Type", mediaType)
	}

	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}

	if _, err := io.Copy(w, body); err != nil && !errors.Is(err, context.Canceled) {
		s.Log().Debug().Str("Method", "serveProxy").Str("Path", route.Path).Err(err).Msg("transfer ended early")
	}
}

func (s *Server) serveLive(w http.ResponseWriter, r *http.Request, route *Route, c LiveContent) {
	w.Header().Set("Content-Type", c.contentType())
	w.Header().Set("Cache-Control", "no-store")

	// HEAD is answered without claiming the one-shot output.
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	route.mu.Lock()
	if route.busy {
		route.mu.Unlock()
		http.Error(w, "stream already has a consumer", http.StatusConflict)
		return
	}
	route.busy = true
	route.mu.Unlock()
	defer func() {
		route.mu.Lock()
		route.busy = false
		route.mu.Unlock()
	}()

	out, err := c.Source.Output()
	if err != nil {
		http.Error(w, "stream no longer available", http.StatusGone)
		return
	}
	defer out.Close()

	stop := context.AfterFunc(route.ctx, func() { _ = out.Close() })
	defer stop()

	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, liveChunkSize)
	for {
		n, rerr := out.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				s.Log().Debug().Str("Method", "serveLive").Str("Path", route.Path).Err(werr).Msg("consumer went away")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) && route.ctx.Err() == nil && !errors.Is(rerr, os.ErrClosed) {
				s.Log().Warn().Str("Method", "serveLive").Str("Path", route.Path).Err(rerr).Msg("live read failed")
			}
			return
		}
	}
}
