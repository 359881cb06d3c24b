// SPDX-License-Identifier: MIT

package runtimes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// KokoroRequest is one local-engine synthesis call.
type KokoroRequest struct {
	Text         string  `json:"text"`
	Voice        string  `json:"voice,omitempty"`
	LanguageCode string  `json:"language,omitempty"`
	Speed        float64 `json:"speed,omitempty"`
	TimeoutMs    int64   `json:"-"`
}

// KokoroClient talks to the local Kokoro runtime's synthesis endpoint.
type KokoroClient struct {
	baseURL string
	http    *http.Client
}

// NewKokoroClient builds a client for the given runtime base URL.
func NewKokoroClient(baseURL string) *KokoroClient {
	return &KokoroClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// Synthesize runs one synthesis call and returns raw 24 kHz int16 PCM. The
// runtime answers with a WAV payload; the header is stripped here.
func (c *KokoroClient) Synthesize(ctx context.Context, req KokoroRequest) ([]byte, error) {
	timeoutMs := req.TimeoutMs
	if timeoutMs < 1000 {
		timeoutMs = 45_000
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("kokoro call timed out after %dms", timeoutMs)
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		detail := strings.TrimSpace(string(raw))
		if len(detail) > 300 {
			detail = detail[:300]
		}
		return nil, fmt.Errorf("kokoro status %d: %s", resp.StatusCode, detail)
	}
	return stripWAVHeader(raw), nil
}

// stripWAVHeader removes a RIFF/WAVE header when present, returning the data
// chunk as raw PCM. Non-RIFF payloads pass through unchanged.
func stripWAVHeader(raw []byte) []byte {
	if len(raw) < 44 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return raw
	}
	// scan chunks for "data"; the fmt chunk is not always 16 bytes
	offset := 12
	for offset+8 <= len(raw) {
		chunkID := string(raw[offset : offset+4])
		size := int(uint32(raw[offset+4]) | uint32(raw[offset+5])<<8 | uint32(raw[offset+6])<<16 | uint32(raw[offset+7])<<24)
		if chunkID == "data" {
			start := offset + 8
			end := start + size
			if end > len(raw) {
				end = len(raw)
			}
			return raw[start:end]
		}
		offset += 8 + size
		if size%2 == 1 {
			offset++
		}
	}
	return raw
}
