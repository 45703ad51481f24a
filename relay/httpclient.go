package relay

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/h2non/filetype"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	upstreamDialTimeout           = 5 * time.Second
	upstreamKeepAlive             = 30 * time.Second
	upstreamTLSHandshakeTimeout   = 5 * time.Second
	upstreamResponseHeaderTimeout = 15 * time.Second
	upstreamExpectContinueTimeout = 1 * time.Second
	upstreamIdleConnTimeout       = 90 * time.Second
	upstreamRetryWaitMin          = 200 * time.Millisecond
	upstreamRetryWaitMax          = 2 * time.Second
)

// No overall client timeout: bodies are whole videos streamed for as long
// as the receiver keeps reading.
var upstreamTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   upstreamDialTimeout,
		KeepAlive: upstreamKeepAlive,
	}).DialContext,
	TLSHandshakeTimeout:   upstreamTLSHandshakeTimeout,
	ResponseHeaderTimeout: upstreamResponseHeaderTimeout,
	ExpectContinueTimeout: upstreamExpectContinueTimeout,
	IdleConnTimeout:       upstreamIdleConnTimeout,
}

func newRetryableHTTPClient(retryMax int) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.RetryWaitMin = upstreamRetryWaitMin
	retryClient.RetryWaitMax = upstreamRetryWaitMax
	retryClient.Logger = nil
	retryClient.HTTPClient = &http.Client{Transport: upstreamTransport}
	// Hand the final response back instead of an error so the status can be
	// mapped for the receiver.
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return retryClient.StandardClient()
}

func normalizeContentType(v string) string {
	if v == "" {
		return ""
	}

	mt, _, err := mime.ParseMediaType(v)
	if err == nil {
		return strings.ToLower(strings.TrimSpace(mt))
	}

	parts := strings.Split(v, ";")
	return strings.ToLower(strings.TrimSpace(parts[0]))
}

func shouldSniffContentType(mediaType string) bool {
	switch mediaType {
	case "", "/", "application/octet-stream", "binary/octet-stream", "text/plain":
		return true
	default:
		return false
	}
}

// sniffContentType reads the head of body to guess its type and returns a
// reader that still yields the full body.
func sniffContentType(body io.Reader, fallback string) (string, io.Reader, error) {
	head := make([]byte, 261)
	n, err := io.ReadFull(body, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", nil, fmt.Errorf("read body for mime detection: %w", err)
	}

	mediaType := fallback
	if n > 0 {
		kind, err := filetype.Match(head[:n])
		if err == nil && kind != filetype.Unknown && kind.MIME.Value != "" {
			mediaType = kind.MIME.Value
		}
	}

	return mediaType, io.MultiReader(bytes.NewReader(head[:n]), body), nil
}
