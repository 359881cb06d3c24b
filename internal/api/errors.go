// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ManuGH/voiceflow/internal/quota"
	"github.com/ManuGH/voiceflow/internal/tts"
	"github.com/ManuGH/voiceflow/internal/upstream"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDetail writes the uniform error envelope. Detail is either a plain
// string or a structured error document.
func writeDetail(w http.ResponseWriter, code int, detail any) {
	writeJSON(w, code, map[string]any{"detail": detail})
}

// synthErrorDetail is the structured detail for a terminal synthesis
// failure, forwarded with field names the clients already parse.
type synthErrorDetail struct {
	ErrorCode    string             `json:"errorCode"`
	Summary      string             `json:"summary,omitempty"`
	TraceID      string             `json:"trace_id,omitempty"`
	RetryAfterMs int64              `json:"retryAfterMs,omitempty"`
	Attempts     []upstream.Attempt `json:"attempts,omitempty"`
}

// synthStatus maps a terminal synthesis code to an HTTP status. Pool
// exhaustion codes are 502: the upstream provider, not this gateway, is the
// bottleneck.
func synthStatus(code string) int {
	switch code {
	case upstream.CodeWordLimitExceeded, upstream.CodeAPIKeyMissing:
		return http.StatusBadRequest
	case upstream.CodeRuntimeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// writeSynthError forwards a structured synthesis failure verbatim.
func writeSynthError(w http.ResponseWriter, synthErr *tts.SynthError) {
	status := synthStatus(synthErr.Code)
	if synthErr.RetryAfterMs > 0 {
		seconds := (synthErr.RetryAfterMs + 999) / 1000
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
	writeDetail(w, status, synthErrorDetail{
		ErrorCode:    synthErr.Code,
		Summary:      synthErr.Summary,
		TraceID:      synthErr.TraceID,
		RetryAfterMs: synthErr.RetryAfterMs,
		Attempts:     synthErr.Attempts,
	})
}

// writeQuotaError maps the quota sentinels onto 429 with their exact
// client-contract messages; anything else is a store failure.
func writeQuotaError(w http.ResponseWriter, err error) {
	if errors.Is(err, quota.ErrMonthlyLimit) || errors.Is(err, quota.ErrDailyLimit) {
		writeDetail(w, http.StatusTooManyRequests, err.Error())
		return
	}
	writeDetail(w, http.StatusInternalServerError, "quota store unavailable")
}
