// SPDX-License-Identifier: MIT

// Package upstream provides typed clients for the speech provider endpoints
// plus the error-classification contract shared by all call paths.
package upstream

import "strings"

// Kind buckets a provider failure for allocator release and retry policy.
type Kind string

const (
	KindNone      Kind = ""
	KindAuth      Kind = "auth"
	KindRateLimit Kind = "rate_limit"
	KindTimeout   Kind = "timeout"
	KindOther     Kind = "other"
)

// Terminal error codes for an exhausted request.
const (
	CodeAPIKeyMissing       = "API_KEY_MISSING"
	CodeRuntimeUnavailable  = "RUNTIME_SDK_UNAVAILABLE"
	CodeAllKeysAuthFailed   = "ALL_KEYS_AUTH_FAILED"
	CodeAllKeysRateLimited  = "ALL_KEYS_RATE_LIMITED"
	CodeKeyPoolTimeout      = "KEY_POOL_TIMEOUT"
	CodeUpstreamModelFailed = "UPSTREAM_MODEL_FAILED"
	CodeWordLimitExceeded   = "word_limit_exceeded"

	noAudioPayloadNoiseMark = "no audio payload returned by provider"
)

// IsAuthError reports whether the provider message indicates a key problem.
func IsAuthError(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "api key") ||
		strings.Contains(lower, "api_key_invalid") ||
		strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "api key not valid") ||
		strings.Contains(lower, "permission_denied") ||
		strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "401") ||
		strings.Contains(lower, "403") ||
		(strings.Contains(lower, "invalid argument") && strings.Contains(lower, "api"))
}

// IsRateLimitError reports whether the provider message indicates throttling.
func IsRateLimitError(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "429") ||
		strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "insufficient_quota") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "resource exhausted") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "too many requests")
}

// IsTimeoutError reports whether the provider message indicates a deadline.
func IsTimeoutError(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "504")
}

// Classify maps a provider error string to an error kind. Timeout wins over
// auth, auth over rate limit, matching the retry loop's checking order.
func Classify(message string) Kind {
	if strings.TrimSpace(message) == "" {
		return KindNone
	}
	if IsTimeoutError(message) {
		return KindTimeout
	}
	if IsAuthError(message) {
		return KindAuth
	}
	if IsRateLimitError(message) {
		return KindRateLimit
	}
	return KindOther
}

// Attempt records one failed model call for terminal classification.
type Attempt struct {
	Attempt          int    `json:"attempt"`
	Model            string `json:"model"`
	SpeechMode       string `json:"speechMode,omitempty"`
	KeySelectionIdx  int    `json:"keySelectionIndex"`
	KeyFingerprint   string `json:"keyFingerprint"`
	RequestTimeoutMs int64  `json:"requestTimeoutMs,omitempty"`
	Error            string `json:"error"`
}

// TerminalErrorCode collapses a request's failed attempts into one code.
func TerminalErrorCode(attempts []Attempt, timedOut bool) string {
	if timedOut {
		return CodeKeyPoolTimeout
	}
	if len(attempts) == 0 {
		return CodeUpstreamModelFailed
	}
	sawAuth := false
	sawRate := false
	sawNonRateNonNoise := false
	for _, attempt := range attempts {
		detail := strings.TrimSpace(attempt.Error)
		switch {
		case IsTimeoutError(detail):
			return CodeKeyPoolTimeout
		case IsAuthError(detail):
			sawAuth = true
		case IsRateLimitError(detail):
			sawRate = true
		default:
			if !strings.Contains(strings.ToLower(detail), noAudioPayloadNoiseMark) {
				sawNonRateNonNoise = true
			}
		}
	}
	if sawAuth && !sawRate && !sawNonRateNonNoise {
		return CodeAllKeysAuthFailed
	}
	if sawRate && !sawAuth && !sawNonRateNonNoise {
		return CodeAllKeysRateLimited
	}
	return CodeUpstreamModelFailed
}
