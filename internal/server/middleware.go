package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

type middleware func(http.Handler) http.Handler

// chain wraps h so the first middleware runs outermost
func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// withMiddleware applies recovery, CORS and request logging. Run event
// streams only get an open log line; the upgraded connection outlives the request.
func (s *Server) withMiddleware(mux http.Handler) http.Handler {
	wrapped := chain(mux, s.recoverPanics, s.allowCrossOrigin, s.logRequests)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isEventStream(r.URL.Path) {
			q := r.URL.Query()
			s.app.Logger.Debug().
				Str("path", r.URL.Path).
				Str("run_id", q.Get("run_id")).
				Str("org_id", q.Get("org_id")).
				Str("remote", r.RemoteAddr).
				Msg("Run event stream requested")
			mux.ServeHTTP(w, r)
			return
		}
		wrapped.ServeHTTP(w, r)
	})
}

func (s *Server) isEventStream(path string) bool {
	if path == s.wsPath() {
		return true
	}
	return strings.HasPrefix(path, "/runs/") && strings.HasSuffix(path, "/events")
}

// logRequests writes one line per served request; server errors log at warn
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		event := s.app.Logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			event = s.app.Logger.Warn()
		}
		event = event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int("bytes", rec.bytes).
			Dur("duration", time.Since(start))
		if org := r.URL.Query().Get("org_id"); org != "" {
			event = event.Str("org_id", org)
		}
		event.Msg("Request served")
	})
}

// allowCrossOrigin lets dashboards on other origins poll health and status
func (s *Server) allowCrossOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.app.Logger.Error().
					Str("panic", fmt.Sprint(v)).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("Handler panicked")
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code and body size for the request log
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
