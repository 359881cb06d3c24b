// SPDX-License-Identifier: MIT

package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SpeakerVoice maps a transcript speaker to a provider voice. Both voiceName
// and voice_id are preserved on the wire; the upstream chooses one.
type SpeakerVoice struct {
	Speaker   string `json:"speaker"`
	VoiceName string `json:"voiceName,omitempty"`
	VoiceID   string `json:"voice_id,omitempty"`
}

// SpeechRequest is one synthesis call. When Speakers is empty the call uses
// the single-speaker voice configuration.
type SpeechRequest struct {
	APIKey       string
	Model        string
	Text         string
	LanguageCode string
	Voice        string
	Speakers     []SpeakerVoice
	TimeoutMs    int64
}

// TextRequest is one text-generation call.
type TextRequest struct {
	APIKey       string
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float64
	JSONMode     bool
	TimeoutMs    int64
}

// ExtractRequest is one multimodal extraction call (OCR fallback).
type ExtractRequest struct {
	APIKey    string
	Model     string
	Prompt    string
	Media     []byte
	MimeType  string
	TimeoutMs int64
}

// SpeechClient synthesizes raw little-endian int16 PCM at 24 kHz.
type SpeechClient interface {
	GeneratePCM(ctx context.Context, req SpeechRequest) ([]byte, error)
}

// TextClient generates plain text.
type TextClient interface {
	GenerateText(ctx context.Context, req TextRequest) (string, error)
}

// ExtractClient extracts text from inline media.
type ExtractClient interface {
	ExtractText(ctx context.Context, req ExtractRequest) (string, error)
}

// Client is the HTTP implementation of all three call types against the
// provider's generateContent endpoint family.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a provider client. The per-call timeout comes from each
// request's budget, so the shared http.Client carries no timeout itself.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

type wirePart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *wireInlineData `json:"inlineData,omitempty"`
}

type wireInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wireSpeechConfig struct {
	LanguageCode string         `json:"languageCode,omitempty"`
	Voice        string         `json:"voiceName,omitempty"`
	Speakers     []SpeakerVoice `json:"speakerVoices,omitempty"`
}

type wireGenerationConfig struct {
	ResponseModalities []string          `json:"responseModalities,omitempty"`
	SpeechConfig       *wireSpeechConfig `json:"speechConfig,omitempty"`
	Temperature        *float64          `json:"temperature,omitempty"`
	ResponseMimeType   string            `json:"responseMimeType,omitempty"`
}

type wireRequest struct {
	Contents          []wireContent         `json:"contents"`
	SystemInstruction *wireContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *wireGenerationConfig `json:"generationConfig,omitempty"`
}

type wireResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string `json:"text"`
				InlineData *struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, model, apiKey string, timeoutMs int64, payload wireRequest) (*wireResponse, error) {
	if timeoutMs < 1000 {
		timeoutMs = 1000
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode provider request: %w", err)
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, model)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("provider call timed out after %dms", timeoutMs)
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	var decoded wireResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("provider status %d: %s", resp.StatusCode, truncateBody(raw))
		}
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("provider status %d %s: %s", decoded.Error.Code, decoded.Error.Status, decoded.Error.Message)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("provider status %d: %s", resp.StatusCode, truncateBody(raw))
	}
	return &decoded, nil
}

func truncateBody(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

// GeneratePCM runs one synthesis call and returns the raw PCM payload.
func (c *Client) GeneratePCM(ctx context.Context, req SpeechRequest) ([]byte, error) {
	speech := &wireSpeechConfig{LanguageCode: req.LanguageCode}
	if len(req.Speakers) > 0 {
		speech.Speakers = req.Speakers
	} else {
		speech.Voice = req.Voice
	}
	resp, err := c.post(ctx, req.Model, req.APIKey, req.TimeoutMs, wireRequest{
		Contents: []wireContent{{Parts: []wirePart{{Text: req.Text}}}},
		GenerationConfig: &wireGenerationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig:       speech,
		},
	})
	if err != nil {
		return nil, err
	}
	for _, candidate := range resp.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			pcm, decodeErr := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if decodeErr != nil {
				return nil, fmt.Errorf("decode audio payload: %w", decodeErr)
			}
			if len(pcm) > 0 {
				return pcm, nil
			}
		}
	}
	return nil, errors.New(noAudioPayloadNoiseMark)
}

// GenerateText runs one text-generation call.
func (c *Client) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	gen := &wireGenerationConfig{Temperature: &req.Temperature}
	if req.JSONMode {
		gen.ResponseMimeType = "application/json"
	}
	payload := wireRequest{
		Contents:         []wireContent{{Role: "user", Parts: []wirePart{{Text: req.UserPrompt}}}},
		GenerationConfig: gen,
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		payload.SystemInstruction = &wireContent{Parts: []wirePart{{Text: req.SystemPrompt}}}
	}
	resp, err := c.post(ctx, req.Model, req.APIKey, req.TimeoutMs, payload)
	if err != nil {
		return "", err
	}
	for _, candidate := range resp.Candidates {
		for _, part := range candidate.Content.Parts {
			if text := strings.TrimSpace(part.Text); text != "" {
				return text, nil
			}
		}
	}
	return "", fmt.Errorf("no text payload returned by provider")
}

// ExtractText runs one multimodal extraction call and joins all text parts.
func (c *Client) ExtractText(ctx context.Context, req ExtractRequest) (string, error) {
	resp, err := c.post(ctx, req.Model, req.APIKey, req.TimeoutMs, wireRequest{
		Contents: []wireContent{{Parts: []wirePart{
			{Text: req.Prompt},
			{InlineData: &wireInlineData{
				MimeType: req.MimeType,
				Data:     base64.StdEncoding.EncodeToString(req.Media),
			}},
		}}},
	})
	if err != nil {
		return "", err
	}
	var parts []string
	for _, candidate := range resp.Candidates {
		for _, part := range candidate.Content.Parts {
			if text := strings.TrimSpace(part.Text); text != "" {
				parts = append(parts, text)
			}
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text payload returned by provider")
	}
	return strings.Join(parts, "\n"), nil
}
