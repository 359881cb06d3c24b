// SPDX-License-Identifier: MIT

// Package ratelimit applies token-bucket limits ahead of the gateway
// handlers: one global bucket, one per client IP, and one per route class
// (synthesis, dubbing, text, ops).
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var rateLimitExceeded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "voiceflow",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total rate limit rejections",
	},
	[]string{"limit_type", "class"},
)

// Route classes. Synthesis and dubbing calls are far more expensive than
// text generation or ops reads, so they get tighter buckets.
const (
	ClassSynthesis = "synthesis"
	ClassDubbing   = "dubbing"
	ClassText      = "text"
	ClassOps       = "ops"
)

// Config holds the limiter buckets.
type Config struct {
	GlobalRate  rate.Limit
	GlobalBurst int

	PerIPRate  rate.Limit
	PerIPBurst int

	ClassRates map[string]rate.Limit
	ClassBurst map[string]int

	// CleanupInterval bounds the per-IP limiter map.
	CleanupInterval time.Duration
}

// DefaultConfig returns the stock gateway limits.
func DefaultConfig() Config {
	return Config{
		GlobalRate:  100,
		GlobalBurst: 200,

		PerIPRate:  10,
		PerIPBurst: 20,

		ClassRates: map[string]rate.Limit{
			ClassSynthesis: 20,
			ClassDubbing:   5,
			ClassText:      30,
			ClassOps:       10,
		},
		ClassBurst: map[string]int{
			ClassSynthesis: 40,
			ClassDubbing:   10,
			ClassText:      60,
			ClassOps:       20,
		},

		CleanupInterval: 5 * time.Minute,
	}
}

// Limiter manages the gateway's rate limit buckets.
type Limiter struct {
	config Config

	global   *rate.Limiter
	perIP    map[string]*rate.Limiter
	perClass map[string]*rate.Limiter
	mu       sync.RWMutex

	lastCleanup time.Time
}

// New builds a limiter from the given config.
func New(config Config) *Limiter {
	l := &Limiter{
		config:      config,
		global:      rate.NewLimiter(config.GlobalRate, config.GlobalBurst),
		perIP:       make(map[string]*rate.Limiter),
		perClass:    make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}
	for class, classRate := range config.ClassRates {
		burst := config.ClassBurst[class]
		l.perClass[class] = rate.NewLimiter(classRate, burst)
	}
	return l
}

// Allow reports whether a request from clientIP against the given route
// class may proceed. Global, class, and per-IP buckets are checked in that
// order; the first empty bucket rejects.
func (l *Limiter) Allow(clientIP, class string) bool {
	if !l.global.Allow() {
		rateLimitExceeded.WithLabelValues("global", class).Inc()
		return false
	}

	l.mu.RLock()
	classLimiter, exists := l.perClass[class]
	l.mu.RUnlock()
	if exists && !classLimiter.Allow() {
		rateLimitExceeded.WithLabelValues("per_class", class).Inc()
		return false
	}

	// cleanup runs before the per-IP lookup so the current client's fresh
	// bucket is not dropped in the same call
	l.maybeCleanup()
	if !l.ipLimiter(clientIP).Allow() {
		rateLimitExceeded.WithLabelValues("per_ip", class).Inc()
		return false
	}
	return true
}

func (l *Limiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.perIP[ip]
	if !exists {
		limiter = rate.NewLimiter(l.config.PerIPRate, l.config.PerIPBurst)
		l.perIP[ip] = limiter
	}
	return limiter
}

// maybeCleanup drops the per-IP map once per cleanup interval so idle
// clients do not accumulate forever.
func (l *Limiter) maybeCleanup() {
	if time.Since(l.lastCleanup) < l.config.CleanupInterval {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perIP = make(map[string]*rate.Limiter)
	l.lastCleanup = time.Now()
}

// ClientIP extracts the real client IP from the request, honoring the
// usual proxy headers before falling back to the socket address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// first entry is the original client
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
