// SPDX-License-Identifier: MIT

package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/voiceflow/internal/allocator"
	"github.com/ManuGH/voiceflow/internal/keypool"
	"github.com/ManuGH/voiceflow/internal/upstream"
)

const textCallTimeoutMs = 45_000

type generateTextRequest struct {
	SystemPrompt string  `json:"systemPrompt,omitempty"`
	UserPrompt   string  `json:"userPrompt"`
	Temperature  float64 `json:"temperature,omitempty"`
	JSONMode     bool    `json:"jsonMode,omitempty"`
	TimeoutMs    int64   `json:"timeoutMs,omitempty"`
}

// handleGenerateText routes a text-generation call through the allocator
// with the same key rotation and error classification as synthesis.
func (s *Server) handleGenerateText(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	var req generateTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserPrompt == "" {
		writeDetail(w, http.StatusBadRequest, "userPrompt must not be empty")
		return
	}

	keyPool := s.pool.Keys()
	traceID := uuid.NewString()
	if len(keyPool) == 0 {
		writeSynthErrorCode(w, upstream.CodeAPIKeyMissing, "no upstream API keys configured", traceID, 0, nil)
		return
	}

	totalTimeoutMs := req.TimeoutMs
	if totalTimeoutMs < 5_000 {
		totalTimeoutMs = int64(s.alloc.Config().DefaultWaitTimeoutMs)
	}
	deadline := time.Now().UnixMilli() + totalTimeoutMs

	ctx := r.Context()
	blockedKeys := make(map[string]bool)
	blockedModels := make(map[string]bool)
	var attempts []upstream.Attempt
	tokens := len(req.SystemPrompt+req.UserPrompt)/4 + 1

	for {
		remaining := deadline - time.Now().UnixMilli()
		if remaining <= 0 {
			writeSynthErrorCode(w, upstream.TerminalErrorCode(attempts, len(attempts) == 0), "", traceID, 0, attempts)
			return
		}
		res := s.alloc.AcquireForTask(ctx, "text", allocator.AcquireRequest{
			KeyPool:         keyPool,
			RequestedTokens: tokens,
			BlockedKeys:     blockedKeys,
			BlockedModels:   blockedModels,
			WaitTimeoutMs:   remaining,
		})
		if res.Lease == nil {
			writeSynthErrorCode(w, upstream.TerminalErrorCode(attempts, len(attempts) == 0), "", traceID, res.RetryAfterMs, attempts)
			return
		}

		callTimeout := min64(textCallTimeoutMs, deadline-time.Now().UnixMilli())
		text, err := s.text.GenerateText(ctx, upstream.TextRequest{
			APIKey:       res.Lease.Key,
			Model:        res.Lease.ModelID,
			SystemPrompt: req.SystemPrompt,
			UserPrompt:   req.UserPrompt,
			Temperature:  req.Temperature,
			JSONMode:     req.JSONMode,
			TimeoutMs:    callTimeout,
		})
		if err == nil {
			s.alloc.Release(res.Lease, true, tokens, "")
			writeJSON(w, http.StatusOK, map[string]any{
				"text":     text,
				"model":    res.Lease.ModelID,
				"trace_id": traceID,
			})
			return
		}

		kind := upstream.Classify(err.Error())
		s.alloc.Release(res.Lease, false, 0, string(kind))
		attempts = append(attempts, upstream.Attempt{
			Attempt:          len(attempts) + 1,
			Model:            res.Lease.ModelID,
			KeySelectionIdx:  res.Lease.KeyIndex,
			KeyFingerprint:   keypool.Fingerprint(res.Lease.Key),
			RequestTimeoutMs: callTimeout,
			Error:            err.Error(),
		})
		switch kind {
		case upstream.KindAuth:
			blockedKeys[res.Lease.Key] = true
		case upstream.KindTimeout:
			writeSynthErrorCode(w, upstream.CodeKeyPoolTimeout, "", traceID, 0, attempts)
			return
		case upstream.KindOther:
			blockedModels[res.Lease.ModelID] = true
		}
	}
}

const defaultExtractPrompt = "Extract all readable text from this media. Return only the text."

type extractTextRequest struct {
	Prompt      string `json:"prompt,omitempty"`
	MediaBase64 string `json:"mediaBase64"`
	MimeType    string `json:"mimeType"`
	TimeoutMs   int64  `json:"timeoutMs,omitempty"`
}

// handleExtractText runs a multimodal OCR call through the allocator's ocr
// route, rotating keys the same way generate-text does.
func (s *Server) handleExtractText(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	var req extractTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MediaBase64 == "" || req.MimeType == "" {
		writeDetail(w, http.StatusBadRequest, "mediaBase64 and mimeType must not be empty")
		return
	}
	media, err := base64.StdEncoding.DecodeString(req.MediaBase64)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "mediaBase64 is not valid base64")
		return
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = defaultExtractPrompt
	}

	keyPool := s.pool.Keys()
	traceID := uuid.NewString()
	if len(keyPool) == 0 {
		writeSynthErrorCode(w, upstream.CodeAPIKeyMissing, "no upstream API keys configured", traceID, 0, nil)
		return
	}

	totalTimeoutMs := req.TimeoutMs
	if totalTimeoutMs < 5_000 {
		totalTimeoutMs = int64(s.alloc.Config().DefaultWaitTimeoutMs)
	}
	deadline := time.Now().UnixMilli() + totalTimeoutMs

	ctx := r.Context()
	blockedKeys := make(map[string]bool)
	blockedModels := make(map[string]bool)
	var attempts []upstream.Attempt
	// inline media is billed roughly per image, not per byte
	tokens := len(prompt)/4 + 258

	for {
		remaining := deadline - time.Now().UnixMilli()
		if remaining <= 0 {
			writeSynthErrorCode(w, upstream.TerminalErrorCode(attempts, len(attempts) == 0), "", traceID, 0, attempts)
			return
		}
		res := s.alloc.AcquireForTask(ctx, "ocr", allocator.AcquireRequest{
			KeyPool:         keyPool,
			RequestedTokens: tokens,
			BlockedKeys:     blockedKeys,
			BlockedModels:   blockedModels,
			WaitTimeoutMs:   remaining,
		})
		if res.Lease == nil {
			writeSynthErrorCode(w, upstream.TerminalErrorCode(attempts, len(attempts) == 0), "", traceID, res.RetryAfterMs, attempts)
			return
		}

		callTimeout := min64(textCallTimeoutMs, deadline-time.Now().UnixMilli())
		text, err := s.extract.ExtractText(ctx, upstream.ExtractRequest{
			APIKey:    res.Lease.Key,
			Model:     res.Lease.ModelID,
			Prompt:    prompt,
			Media:     media,
			MimeType:  req.MimeType,
			TimeoutMs: callTimeout,
		})
		if err == nil {
			s.alloc.Release(res.Lease, true, tokens, "")
			writeJSON(w, http.StatusOK, map[string]any{
				"text":     text,
				"model":    res.Lease.ModelID,
				"trace_id": traceID,
			})
			return
		}

		kind := upstream.Classify(err.Error())
		s.alloc.Release(res.Lease, false, 0, string(kind))
		attempts = append(attempts, upstream.Attempt{
			Attempt:          len(attempts) + 1,
			Model:            res.Lease.ModelID,
			KeySelectionIdx:  res.Lease.KeyIndex,
			KeyFingerprint:   keypool.Fingerprint(res.Lease.Key),
			RequestTimeoutMs: callTimeout,
			Error:            err.Error(),
		})
		switch kind {
		case upstream.KindAuth:
			blockedKeys[res.Lease.Key] = true
		case upstream.KindTimeout:
			writeSynthErrorCode(w, upstream.CodeKeyPoolTimeout, "", traceID, 0, attempts)
			return
		case upstream.KindOther:
			blockedModels[res.Lease.ModelID] = true
		}
	}
}

// writeSynthErrorCode writes a terminal structured error without a full
// SynthError value in hand.
func writeSynthErrorCode(w http.ResponseWriter, code, summary, traceID string, retryAfterMs int64, attempts []upstream.Attempt) {
	writeDetail(w, synthStatus(code), synthErrorDetail{
		ErrorCode:    code,
		Summary:      summary,
		TraceID:      traceID,
		RetryAfterMs: retryAfterMs,
		Attempts:     attempts,
	})
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
