// SPDX-License-Identifier: MIT

package ratelimit

import (
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestRateLimiterGlobal(t *testing.T) {
	config := Config{
		GlobalRate:      10,
		GlobalBurst:     20,
		PerIPRate:       100,
		PerIPBurst:      200,
		ClassRates:      map[string]rate.Limit{ClassText: 100},
		ClassBurst:      map[string]int{ClassText: 200},
		CleanupInterval: 1 * time.Minute,
	}
	limiter := New(config)

	allowed := 0
	for i := 0; i < 25; i++ {
		if limiter.Allow("192.168.1.1", ClassText) {
			allowed++
		}
	}

	// burst size caps the pass-through count
	if allowed < 19 || allowed > 21 {
		t.Errorf("expected ~20 requests to pass with burst=20, got %d", allowed)
	}
}

func TestRateLimiterPerClass(t *testing.T) {
	config := Config{
		GlobalRate:      100,
		GlobalBurst:     200,
		PerIPRate:       100,
		PerIPBurst:      200,
		ClassRates:      map[string]rate.Limit{ClassDubbing: 5},
		ClassBurst:      map[string]int{ClassDubbing: 10},
		CleanupInterval: 1 * time.Minute,
	}
	limiter := New(config)

	allowed := 0
	for i := 0; i < 20; i++ {
		if limiter.Allow("192.168.1.2", ClassDubbing) {
			allowed++
		}
	}

	if allowed < 9 || allowed > 11 {
		t.Errorf("expected ~10 dubbing requests to pass with burst=10, got %d", allowed)
	}

	// classes without a configured bucket are only bound by global/per-IP
	for i := 0; i < 20; i++ {
		if !limiter.Allow("192.168.1.9", "unknown") {
			t.Fatalf("unconfigured class rejected at request %d", i)
		}
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	config := Config{
		GlobalRate:      100,
		GlobalBurst:     200,
		PerIPRate:       5,
		PerIPBurst:      10,
		ClassRates:      map[string]rate.Limit{ClassText: 100},
		ClassBurst:      map[string]int{ClassText: 200},
		CleanupInterval: 1 * time.Minute,
	}
	limiter := New(config)

	allowed := 0
	for i := 0; i < 20; i++ {
		if limiter.Allow("192.168.1.3", ClassText) {
			allowed++
		}
	}
	if allowed < 9 || allowed > 11 {
		t.Errorf("expected ~10 per-IP requests to pass with burst=10, got %d", allowed)
	}

	// a different IP gets its own bucket
	allowed2 := 0
	for i := 0; i < 20; i++ {
		if limiter.Allow("192.168.1.4", ClassText) {
			allowed2++
		}
	}
	if allowed2 < 9 || allowed2 > 11 {
		t.Errorf("expected ~10 requests for second IP, got %d", allowed2)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name:       "X-Forwarded-For single IP",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1"},
			remoteAddr: "192.168.1.1:12345",
			want:       "203.0.113.1",
		},
		{
			name:       "X-Forwarded-For multiple IPs",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1, 192.168.1.1, 10.0.0.1"},
			remoteAddr: "127.0.0.1:12345",
			want:       "203.0.113.1",
		},
		{
			name:       "X-Real-IP",
			headers:    map[string]string{"X-Real-IP": "203.0.113.2"},
			remoteAddr: "192.168.1.1:12345",
			want:       "203.0.113.2",
		},
		{
			name:       "fallback to RemoteAddr",
			headers:    map[string]string{},
			remoteAddr: "192.168.1.100:54321",
			want:       "192.168.1.100",
		},
		{
			name:       "X-Forwarded-For with spaces",
			headers:    map[string]string{"X-Forwarded-For": "  203.0.113.5  "},
			remoteAddr: "192.168.1.1:12345",
			want:       "203.0.113.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			req.RemoteAddr = tt.remoteAddr

			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	config := Config{
		GlobalRate:      100,
		GlobalBurst:     200,
		PerIPRate:       10,
		PerIPBurst:      20,
		ClassRates:      map[string]rate.Limit{ClassText: 100},
		ClassBurst:      map[string]int{ClassText: 200},
		CleanupInterval: 100 * time.Millisecond,
	}
	limiter := New(config)

	for i := 0; i < 10; i++ {
		limiter.Allow(fmt.Sprintf("192.168.1.%d", 100+i), ClassText)
	}

	limiter.mu.RLock()
	countBefore := len(limiter.perIP)
	limiter.mu.RUnlock()
	if countBefore != 10 {
		t.Errorf("expected 10 IP limiters, got %d", countBefore)
	}

	time.Sleep(150 * time.Millisecond)

	// the next request triggers the cleanup and re-registers its own IP
	limiter.Allow("192.168.1.200", ClassText)

	limiter.mu.RLock()
	countAfter := len(limiter.perIP)
	limiter.mu.RUnlock()
	if countAfter != 1 {
		t.Errorf("expected 1 IP limiter after cleanup, got %d", countAfter)
	}
}

func BenchmarkRateLimiterAllow(b *testing.B) {
	limiter := New(DefaultConfig())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow("192.168.1.1", ClassSynthesis)
	}
}
