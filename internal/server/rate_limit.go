package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// rateLimiter counts events per key in fixed windows. The HTTP ingest route
// keys it by client address; the MQTT ingestor keys it by sensor id.
type rateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	now      func() time.Time
	counters map[string]windowCounter
}

type windowCounter struct {
	opened time.Time
	used   int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	return &rateLimiter{
		limit:    limit,
		window:   window,
		now:      time.Now,
		counters: map[string]windowCounter{},
	}
}

// allow consumes one slot for key and reports how long the caller should
// wait when none is left.
func (limiter *rateLimiter) allow(key string) (bool, time.Duration) {
	if key == "" {
		key = "unknown"
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := limiter.now()
	counter := limiter.counters[key]
	if counter.opened.IsZero() || now.Sub(counter.opened) >= limiter.window {
		counter = windowCounter{opened: now}
	}

	if counter.used >= limiter.limit {
		limiter.counters[key] = counter
		return false, counter.opened.Add(limiter.window).Sub(now)
	}

	counter.used++
	limiter.counters[key] = counter
	limiter.sweep(now)
	return true, 0
}

func (limiter *rateLimiter) sweep(now time.Time) {
	if len(limiter.counters) < 512 {
		return
	}

	for key, counter := range limiter.counters {
		if now.Sub(counter.opened) > 3*limiter.window {
			delete(limiter.counters, key)
		}
	}
}

// middleware rejects requests over the limit with 429. Forwarded headers are
// resolved upstream by chi's RealIP when the deployment trusts its proxy.
func (limiter *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		allowed, wait := limiter.allow(remoteHost(request))
		if !allowed {
			seconds := int(wait.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			response.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeError(response, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(response, request)
	})
}

func remoteHost(request *http.Request) string {
	address := strings.TrimSpace(request.RemoteAddr)
	host, _, err := net.SplitHostPort(address)
	if err == nil && host != "" {
		return host
	}
	return address
}
