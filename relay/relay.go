package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/hillnz/yt-cast/internal/metrics"
)

var (
	// ErrNotListening is returned by RegisterRoute before Start has bound the
	// listener, since no route URL can be built yet.
	ErrNotListening = errors.New("relay server is not listening")
	ErrNoContent    = errors.New("relay content is empty")
)

// Route is one registered media path. It stays valid until UnregisterRoute.
type Route struct {
	Token   string
	Path    string
	URL     string
	content Content
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	busy    bool
}

// Kind reports which content variant the route serves.
func (r *Route) Kind() string {
	return r.content.kind()
}

// Server serves registered routes to receivers.
type Server struct {
	http      *http.Server
	router    *chi.Mux
	client    *http.Client
	metrics   *metrics.Metrics
	advertise string
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.RWMutex
	routes   map[string]*Route
	listener net.Listener

	Logger       zerolog.Logger
	LogOutput    io.Writer
	initLogOnce  sync.Once
	retryMax     int
	shutdownWait time.Duration
	refresh      func()
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records request counts, bytes and routes, and mounts /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithGaugeRefresh runs f before every /metrics scrape, next to the
// route count refresh.
func WithGaugeRefresh(f func()) Option {
	return func(s *Server) { s.refresh = f }
}

// WithAdvertiseAddr sets the host:port written into route URLs. Defaults to
// the listener address.
func WithAdvertiseAddr(hostport string) Option {
	return func(s *Server) { s.advertise = hostport }
}

// WithUpstreamRetries sets how many times proxied upstream requests retry.
func WithUpstreamRetries(n int) Option {
	return func(s *Server) { s.retryMax = n }
}

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.Logger = l }
}

// WithLogOutput sends the server log to w.
func WithLogOutput(w io.Writer) Option {
	return func(s *Server) { s.LogOutput = w }
}

// NewServer builds a relay server that will listen on addr.
func NewServer(addr string, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		routes:       make(map[string]*Route),
		ctx:          ctx,
		cancel:       cancel,
		retryMax:     3,
		shutdownWait: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.client = newRetryableHTTPClient(s.retryMax)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Get("/media/{token}", s.serveMedia)
	r.Head("/media/{token}", s.serveMedia)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler(func() {
			s.metrics.SetActiveRoutes(s.Routes())
			if s.refresh != nil {
				s.refresh()
			}
		}))
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not exists", http.StatusNotFound)
	})

	s.router = r
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Log returns the server logger.
func (s *Server) Log() *zerolog.Logger {
	s.initLogOnce.Do(func() {
		if s.LogOutput == nil {
			s.LogOutput = io.Discard
		}
		s.Logger = zerolog.New(s.LogOutput).With().Timestamp().Str("Component", "relay").Logger()
	})

	return &s.Logger
}

// Start listens and serves. The outcome of the listen call is sent on
// serverStarted before serving begins.
func (s *Server) Start(serverStarted chan<- error) {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		serverStarted <- fmt.Errorf("server listen error: %w", err)
		return
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.Log().Info().Str("Method", "Start").Str("Addr", ln.Addr().String()).Msg("relay listening")
	serverStarted <- nil

	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.Log().Error().Str("Method", "Start").Err(err).Msg("serve failed")
	}
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) baseURL() (string, error) {
	if s.advertise != "" {
		return "http://" + s.advertise, nil
	}
	addr := s.Addr()
	if addr == "" {
		return "", ErrNotListening
	}
	return "http://" + addr, nil
}

// RegisterRoute maps a fresh path to content and returns the route.
func (s *Server) RegisterRoute(c Content) (*Route, error) {
	if c == nil || c.empty() {
		return nil, ErrNoContent
	}
	base, err := s.baseURL()
	if err != nil {
		return nil, err
	}

	token := ulid.Make().String() + extensionFor(c.contentType())
	ctx, cancel := context.WithCancel(s.ctx)
	route := &Route{
		Token:   token,
		Path:    "/media/" + token,
		URL:     base + "/media/" + token,
		content: c,
		ctx:     ctx,
		cancel:  cancel,
	}

	s.mu.Lock()
	s.routes[token] = route
	n := len(s.routes)
	s.mu.Unlock()

	s.metrics.SetActiveRoutes(n)
	s.Log().Debug().Str("Method", "RegisterRoute").Str("Path", route.Path).Str("Kind", c.kind()).Msg("route registered")

	return route, nil
}

// UnregisterRoute removes the route and aborts transfers still running on
// it. Unknown routes are ignored.
func (s *Server) UnregisterRoute(route *Route) {
	if route == nil {
		return
	}

	s.mu.Lock()
	if cur, ok := s.routes[route.Token]; ok && cur == route {
		delete(s.routes, route.Token)
	}
	n := len(s.routes)
	s.mu.Unlock()

	route.cancel()
	s.metrics.SetActiveRoutes(n)
	s.Log().Debug().Str("Method", "UnregisterRoute").Str("Path", route.Path).Msg("route removed")
}

// Routes returns the number of registered routes.
func (s *Server) Routes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.routes)
}

func (s *Server) lookup(token string) (*Route, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[token]
	return r, ok
}

// Shutdown aborts every transfer and stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	for token, r := range s.routes {
		r.cancel()
		delete(s.routes, token)
	}
	s.mu.Unlock()
	s.metrics.SetActiveRoutes(0)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownWait)
		defer cancel()
	}

	return s.http.Shutdown(ctx)
}

// StopServer forcefully closes the HTTP server.
func (s *Server) StopServer() {
	s.cancel()
	_ = s.http.Close()
}

func (s *Server) serveMedia(w http.ResponseWriter, r *http.Request) {
	route, ok := s.lookup(chi.URLParam(r, "token"))
	if !ok || route.ctx.Err() != nil {
		http.Error(w, "not exists", http.StatusNotFound)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")

	switch c := route.content.(type) {
	case ProxyContent:
		s.serveProxy(w, r, route, c)
	case LiveContent:
		s.serveLive(w, r, route, c)
	default:
		http.NotFound(w, r)
	}
}

func extensionFor(contentType string) string {
	switch normalizeContentType(contentType) {
	case "video/mp4":
		return ".mp4"
	case "audio/mp4":
		return ".m4a"
	case "video/webm", "audio/webm":
		return ".webm"
	case "audio/mpeg":
		return ".mp3"
	}
	exts, err := mime.ExtensionsByType(contentType)
	if err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
