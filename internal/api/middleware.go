package api

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"outcome-exchange/internal/cache"
)

// limiter hands out one token bucket per user.
type limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func newLimiter(rps float64, burst int) *limiter {
	l := &limiter{buckets: make(map[string]*rate.Limiter), limit: rate.Limit(rps), burst: burst}
	if rps <= 0 {
		l.limit = rate.Inf
	}
	if burst <= 0 {
		l.burst = 1
	}
	return l
}

func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limits.allow(userID(r)) {
			w.Header().Set("Retry-After", "1")
			jsonErr(w, http.StatusTooManyRequests, "RateLimited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recorder tees the response so it can be stored for replay.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rec *recorder) WriteHeader(status int) {
	if rec.status == 0 {
		rec.status = status
	}
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *recorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	rec.body.Write(b)
	return rec.ResponseWriter.Write(b)
}

// idempotent replays the stored response of a POST carrying an
// Idempotency-Key the same user already sent. Server errors are not stored,
// so the client may retry them.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if r.Method != http.MethodPost || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > 128 {
			jsonErr(w, http.StatusBadRequest, "InvalidInput", "idempotency key too long")
			return
		}
		full := userID(r) + ":" + r.URL.Path + ":" + key
		ctx := r.Context()

		stored, err := s.idem.Begin(ctx, full, s.cfg.IdempotencyTTL)
		switch {
		case errors.Is(err, cache.ErrInFlight):
			jsonErr(w, http.StatusConflict, "RequestInFlight", err.Error())
			return
		case err != nil:
			s.fail(w, r, err)
			return
		case stored != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(stored.Status)
			w.Write(stored.Body)
			return
		}

		rec := &recorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		if rec.status >= http.StatusInternalServerError || rec.status == 0 {
			if err := s.idem.Abort(ctx, full); err != nil {
				s.log.Warn("idempotency abort failed", "key", full, "err", err)
			}
			return
		}
		resp := cache.Response{Status: rec.status, Body: rec.body.Bytes()}
		if err := s.idem.Complete(ctx, full, resp, s.cfg.IdempotencyTTL); err != nil {
			s.log.Warn("idempotency store failed", "key", full, "err", err)
		}
	})
}
