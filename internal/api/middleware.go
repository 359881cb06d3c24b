// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/voiceflow/internal/guardian"
	"github.com/ManuGH/voiceflow/internal/log"
	"github.com/ManuGH/voiceflow/internal/ratelimit"
)

const requestIDHeader = "x-vf-request-id"

// requestID assigns (or propagates) the per-request correlation ID and
// reflects it on the response.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

// classLimit applies the token-bucket limiter for one route class. The
// per-IP httprate cap runs before this; the class buckets protect the
// expensive upstream paths from a single well-behaved but busy tenant.
func (s *Server) classLimit(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.limiter.Allow(ratelimit.ClientIP(r), class) {
				w.Header().Set("Retry-After", "1")
				writeDetail(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the final status code for route stats.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// guard runs guardian admission ahead of every handler and folds the
// outcome back into the route stats. Admit marks the request in flight, so
// every allowed non-exempt request must reach End.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		decision := s.guardian.Admit(path)
		if !decision.Allowed {
			s.guardian.Reject(path)
			seconds := (decision.RetryAfterMs + 999) / 1000
			w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
			writeDetail(w, http.StatusServiceUnavailable, map[string]any{
				"reason":       decision.Reason,
				"retryAfterMs": decision.RetryAfterMs,
			})
			return
		}
		if guardian.IsExempt(path) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.guardian.End(path, rec.status, time.Since(start).Milliseconds())
	})
}
