// SPDX-License-Identifier: MIT

package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/ManuGH/voiceflow/internal/log"
	"github.com/ManuGH/voiceflow/internal/quota"
	"github.com/ManuGH/voiceflow/internal/runtimes"
	"github.com/ManuGH/voiceflow/internal/tts"
	"github.com/ManuGH/voiceflow/internal/upstream"
)

const (
	traceIDHeader     = "x-voiceflow-trace-id"
	diagnosticsHeader = "x-voiceflow-diagnostics"
)

type ttsLine struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type ttsRequest struct {
	Text         string                  `json:"text"`
	Lines        []ttsLine               `json:"lines,omitempty"`
	Speakers     []upstream.SpeakerVoice `json:"speakerVoices,omitempty"`
	Voice        string                  `json:"voice,omitempty"`
	LanguageCode string                  `json:"languageCode,omitempty"`
	PairGrouping bool                    `json:"pairGrouping,omitempty"`
	Concurrency  int                     `json:"concurrency,omitempty"`
	RetryOnce    bool                    `json:"retryOnce,omitempty"`
	SplitMode    string                  `json:"splitMode,omitempty"`
	TimeoutMs    int64                   `json:"timeoutMs,omitempty"`
}

func (req *ttsRequest) chars() int {
	if len(req.Lines) > 0 {
		total := 0
		for _, line := range req.Lines {
			total += len(line.Text)
		}
		return total
	}
	return len(req.Text)
}

func (req *ttsRequest) toSynthesis(keyPool []string, traceID string) tts.Request {
	lines := make([]tts.Line, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, tts.Line{Speaker: line.Speaker, Text: line.Text})
	}
	return tts.Request{
		Text:           req.Text,
		Lines:          lines,
		Speakers:       req.Speakers,
		Voice:          req.Voice,
		LanguageCode:   req.LanguageCode,
		KeyPool:        keyPool,
		Concurrency:    req.Concurrency,
		RetryOnce:      req.RetryOnce,
		PairGrouping:   req.PairGrouping,
		SplitMode:      req.SplitMode,
		TotalTimeoutMs: req.TimeoutMs,
		TraceID:        traceID,
	}
}

// synthesize runs the quota-wrapped synthesis shared by the binary and
// structured endpoints.
func (s *Server) synthesize(w http.ResponseWriter, r *http.Request) (*tts.Result, bool) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return nil, false
	}
	var req ttsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	if req.chars() == 0 {
		writeDetail(w, http.StatusBadRequest, "text must not be empty")
		return nil, false
	}

	ctx := r.Context()
	requestID := log.RequestIDFromContext(ctx)
	traceID := uuid.NewString()

	if _, err := s.quota.Reserve(ctx, identity.UID, requestID, identity.Plan, quota.EngineGEM, req.chars()); err != nil {
		writeQuotaError(w, err)
		return nil, false
	}

	result, err := s.orch.Synthesize(log.ContextWithTraceID(ctx, traceID), req.toSynthesis(s.pool.Keys(), traceID))
	if err != nil {
		if revertErr := s.quota.Revert(ctx, identity.UID, requestID); revertErr != nil {
			s.logger.Error().
				Str("event", "api.quota_revert_failed").
				Str("uid", identity.UID).
				Err(revertErr).
				Msg("reservation not reverted")
		}
		var synthErr *tts.SynthError
		if errors.As(err, &synthErr) {
			writeSynthError(w, synthErr)
		} else {
			writeDetail(w, http.StatusInternalServerError, "synthesis failed")
		}
		return nil, false
	}
	if err := s.quota.Commit(ctx, identity.UID, requestID); err != nil {
		s.logger.Error().
			Str("event", "api.quota_commit_failed").
			Str("uid", identity.UID).
			Err(err).
			Msg("reservation not committed")
	}

	w.Header().Set(traceIDHeader, result.Diagnostics.TraceID)
	if raw, err := json.Marshal(result.Diagnostics); err == nil {
		w.Header().Set(diagnosticsHeader, url.QueryEscape(string(raw)))
	}
	return result, true
}

// handleTTS answers with a single WAV payload.
func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	result, ok := s.synthesize(w, r)
	if !ok {
		return
	}
	wav := result.WAV()
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	_, _ = w.Write(wav)
}

type structuredChunk struct {
	Index           int    `json:"index"`
	WAVBase64       string `json:"wavBase64"`
	SplitMode       string `json:"splitMode,omitempty"`
	SilenceFallback bool   `json:"silenceFallback,omitempty"`
}

type structuredResponse struct {
	WAVBase64   string            `json:"wavBase64"`
	LineChunks  []structuredChunk `json:"lineChunks,omitempty"`
	Diagnostics tts.Diagnostics   `json:"diagnostics"`
}

// handleTTSStructured answers with base64 audio plus per-line chunks and
// the full diagnostics document. The silence-fallback flag comes from the
// splitter, not from the chunk length.
func (s *Server) handleTTSStructured(w http.ResponseWriter, r *http.Request) {
	result, ok := s.synthesize(w, r)
	if !ok {
		return
	}
	resp := structuredResponse{
		WAVBase64:   base64.StdEncoding.EncodeToString(result.WAV()),
		Diagnostics: result.Diagnostics,
	}
	if len(result.LineChunks) > 0 {
		for _, chunk := range result.LineChunks {
			resp.LineChunks = append(resp.LineChunks, structuredChunk{
				Index:           chunk.LineIndex,
				WAVBase64:       base64.StdEncoding.EncodeToString(tts.EncodeWAV(chunk.PCM, tts.SampleRate)),
				SplitMode:       chunk.SplitMode,
				SilenceFallback: chunk.SilenceFallback,
			})
		}
	} else {
		for i, segment := range result.Segments {
			resp.LineChunks = append(resp.LineChunks, structuredChunk{
				Index:     i,
				WAVBase64: base64.StdEncoding.EncodeToString(tts.EncodeWAV(segment, tts.SampleRate)),
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type kokoroAPIRequest struct {
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Language  string  `json:"language,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	TimeoutMs int64   `json:"timeoutMs,omitempty"`
}

// handleKokoro synthesizes through the local engine. Quota is charged at
// the KOKORO rate.
func (s *Server) handleKokoro(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if s.kokoro == nil {
		writeDetail(w, http.StatusServiceUnavailable, "KOKORO runtime not configured")
		return
	}
	var req kokoroAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		writeDetail(w, http.StatusBadRequest, "text must not be empty")
		return
	}

	ctx := r.Context()
	requestID := log.RequestIDFromContext(ctx)
	if _, err := s.quota.Reserve(ctx, identity.UID, requestID, identity.Plan, quota.EngineKokoro, len(req.Text)); err != nil {
		writeQuotaError(w, err)
		return
	}

	pcm, err := s.kokoro.Synthesize(ctx, runtimes.KokoroRequest{
		Text:         req.Text,
		Voice:        req.Voice,
		LanguageCode: req.Language,
		Speed:        req.Speed,
		TimeoutMs:    req.TimeoutMs,
	})
	if err != nil {
		_ = s.quota.Revert(ctx, identity.UID, requestID)
		writeDetail(w, http.StatusBadGateway, err.Error())
		return
	}
	if err := s.quota.Commit(ctx, identity.UID, requestID); err != nil {
		s.logger.Error().
			Str("event", "api.quota_commit_failed").
			Str("uid", identity.UID).
			Err(err).
			Msg("reservation not committed")
	}

	wav := tts.EncodeWAV(pcm, tts.SampleRate)
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	_, _ = w.Write(wav)
}

// handleEntitlements reports the caller's plan, limits, and usage.
func (s *Server) handleEntitlements(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	entitlements, err := s.quota.Entitlements(r.Context(), identity.UID, identity.Plan)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "quota store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, entitlements)
}
