// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/voiceflow/internal/allocator"
	"github.com/ManuGH/voiceflow/internal/config"
	"github.com/ManuGH/voiceflow/internal/guardian"
	"github.com/ManuGH/voiceflow/internal/health"
	"github.com/ManuGH/voiceflow/internal/jobs"
	"github.com/ManuGH/voiceflow/internal/keypool"
	"github.com/ManuGH/voiceflow/internal/quota"
	"github.com/ManuGH/voiceflow/internal/runtimes"
	"github.com/ManuGH/voiceflow/internal/tts"
	"github.com/ManuGH/voiceflow/internal/upstream"
	"github.com/ManuGH/voiceflow/internal/version"
)

const (
	testKeyA = "AIzaSyAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA01"
	testKeyB = "AIzaSyAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA02"

	userToken  = "alice-token"
	adminUID   = "admin"
	adminToken = "ops-secret"
)

const allocatorLimitsJSON = `{
	"version": "test",
	"windowSeconds": 60,
	"defaultWaitTimeoutMs": 8000,
	"models": [
		{"id": "gem-speech", "rpm": 100, "tpm": 1000000, "enabledFor": ["tts"]},
		{"id": "gem-text", "rpm": 100, "tpm": 1000000, "enabledFor": ["text", "ocr"]}
	],
	"routes": {
		"tts": ["gem-speech"],
		"text": ["gem-text"],
		"ocr": ["gem-text"]
	}
}`

// scriptedSpeech returns fixed PCM, or the configured error on every call.
type scriptedSpeech struct {
	mu  sync.Mutex
	pcm []byte
	err error
}

func (s *scriptedSpeech) GeneratePCM(_ context.Context, _ upstream.SpeechRequest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]byte, len(s.pcm))
	copy(out, s.pcm)
	return out, nil
}

func (s *scriptedSpeech) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type scriptedText struct {
	reply string
	err   error
}

func (s *scriptedText) GenerateText(_ context.Context, _ upstream.TextRequest) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func (s *scriptedText) ExtractText(_ context.Context, _ upstream.ExtractRequest) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "extracted text", nil
}

// scriptedRunner fabricates every contract output; the final artifact is a
// real file so the result endpoint can serve it.
type scriptedRunner struct {
	dataDir string
}

func (r *scriptedRunner) RunStage(_ context.Context, stage string, _ map[string]any) (jobs.StageResult, error) {
	outputs := map[string]any{}
	for _, key := range jobs.StageOutputs(stage) {
		if key == "dubbed_video_final" {
			path := filepath.Join(r.dataDir, "final.mp4")
			if err := os.WriteFile(path, []byte("dubbed video bytes"), 0o600); err != nil {
				return jobs.StageResult{}, err
			}
			outputs[key] = path
			continue
		}
		outputs[key] = "artifact_" + key
	}
	return jobs.StageResult{Outputs: outputs}, nil
}

type fixtureOptions struct {
	maxWords       int
	perIPPerMinute int
	plans          map[string]quota.Plan
	engineURLs     map[string]string
}

type fixture struct {
	base     string
	client   *http.Client
	speech   *scriptedSpeech
	text     *scriptedText
	guardian *guardian.Guardian
	pool     *keypool.Pool
	engine   *jobs.Engine
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	allocCfg, err := allocator.ParseConfig([]byte(allocatorLimitsJSON))
	require.NoError(t, err)
	alloc := allocator.New(allocCfg, allocator.Options{})

	keysFile := filepath.Join(t.TempDir(), "keys.txt")
	require.NoError(t, os.WriteFile(keysFile, []byte(testKeyA+"\n"+testKeyB+"\n"), 0o600))
	pool, err := keypool.NewPool(keypool.Sources{FilePath: keysFile})
	require.NoError(t, err)
	alloc.EnsureKeys(pool.Keys())

	speech := &scriptedSpeech{pcm: bytes.Repeat([]byte{0x01, 0x00}, 2400)}
	maxWords := opts.maxWords
	if maxWords == 0 {
		maxWords = 900
	}
	orch := tts.New(alloc, speech, tts.Options{MaxWordsPerRequest: maxWords})

	qm := quota.NewManager(quota.NewMemoryStore(), quota.ManagerOptions{Plans: opts.plans})

	g := guardian.New(guardian.Config{
		Mode:       guardian.ModeEnforce,
		AdminUIDs:  []string{adminUID},
		AdminToken: adminToken,
	}, nil)

	dataDir := t.TempDir()
	runner := &scriptedRunner{dataDir: dataDir}
	engine := jobs.NewEngine(runner, jobs.Options{DataDir: dataDir})

	text := &scriptedText{reply: "generated text"}

	cfg := config.Default()
	cfg.RateLimit.PerIPPerMinute = opts.perIPPerMinute

	server := New(Deps{
		Config:       cfg,
		Guardian:     g,
		Quota:        qm,
		Orchestrator: orch,
		Allocator:    alloc,
		KeyPool:      pool,
		Runtimes:     runtimes.NewManager(opts.engineURLs),
		Text:         text,
		Extract:      text,
		Jobs:         engine,
		Health:       health.NewManager(version.Version),
		Verifier:     StaticVerifier{userToken: {UID: "alice", Plan: "free"}},
	})

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &fixture{
		base:     ts.URL,
		client:   ts.Client(),
		speech:   speech,
		text:     text,
		guardian: g,
		pool:     pool,
		engine:   engine,
	}
}

// do issues one request. A non-empty token becomes a bearer header; extra
// headers are applied verbatim.
func (f *fixture) do(t *testing.T, method, path, token string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.base+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, raw
}

func adminHeaders() map[string]string {
	return map[string]string{
		"x-vf-admin-uid":   adminUID,
		"x-vf-admin-token": adminToken,
	}
}

// detailOf unwraps the error envelope.
func detailOf(t *testing.T, raw []byte) any {
	t.Helper()
	var envelope struct {
		Detail any `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	return envelope.Detail
}

func asMap(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

// awaitJobStatus polls the job endpoint until the wanted status shows up.
func (f *fixture) awaitJobStatus(t *testing.T, id, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, raw := f.do(t, http.MethodGet, "/dubbing/jobs/"+id, userToken, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		job, ok := asMap(t, raw)["job"].(map[string]any)
		require.True(t, ok)
		if job["status"] == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", id, want)
	return nil
}
