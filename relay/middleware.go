package relay

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// requestLogger logs each request and records relay metrics for media
// paths.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		if token, ok := strings.CutPrefix(r.URL.Path, "/media/"); ok {
			kind := "unknown"
			if route, found := s.lookup(token); found {
				kind = route.Kind()
			}
			s.metrics.IncRelayRequest(kind, status)
			s.metrics.AddRelayBytes(int64(ww.BytesWritten()))
		}

		s.Log().Debug().
			Str("HTTPMethod", r.Method).
			Str("Path", r.URL.Path).
			Str("Remote", r.RemoteAddr).
			Int("Status", status).
			Int("Bytes", ww.BytesWritten()).
			Dur("Duration", time.Since(start)).
			Msg("request")
	})
}
