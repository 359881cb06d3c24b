// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jobBody() map[string]any {
	return map[string]any{
		"sourcePath":     "/media/input.mp4",
		"targetLanguage": "de",
		"voiceMap":       map[string]string{"Speaker 1": "Kore"},
	}
}

func TestJobLifecycle(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp, raw := f.do(t, http.MethodPost, "/dubbing/jobs/v2", userToken, jobBody(), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created, ok := asMap(t, raw)["job"].(map[string]any)
	require.True(t, ok)
	id, ok := created["id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, id)

	job := f.awaitJobStatus(t, id, "completed")
	assert.Equal(t, float64(100), job["progress"])
	timeline, ok := job["stageTimeline"].([]any)
	require.True(t, ok)
	assert.Len(t, timeline, 9)

	// The report lands moments after the status flips to completed.
	var report map[string]any
	require.Eventually(t, func() bool {
		resp, raw = f.do(t, http.MethodGet, "/dubbing/jobs/"+id+"/report", userToken, nil, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		report = asMap(t, raw)
		return true
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, id, report["jobId"])
	assert.Equal(t, "completed", report["status"])

	resp, raw = f.do(t, http.MethodGet, "/dubbing/jobs/"+id+"/result", userToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dubbed video bytes", string(raw))
}

func TestJobListIncludesSubmitted(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp, raw := f.do(t, http.MethodPost, "/dubbing/jobs/v2", userToken, jobBody(), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created, _ := asMap(t, raw)["job"].(map[string]any)

	resp, raw = f.do(t, http.MethodGet, "/dubbing/jobs/", userToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list, ok := asMap(t, raw)["jobs"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, list)

	found := false
	for _, entry := range list {
		job, _ := entry.(map[string]any)
		if job["id"] == created["id"] {
			found = true
		}
	}
	assert.True(t, found)
}

func TestJobCreateValidation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp, _ := f.do(t, http.MethodPost, "/dubbing/jobs/v2", userToken,
		map[string]any{"targetLanguage": "de"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/dubbing/jobs/v2", "", jobBody(), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDubbingPrepareReportsEngineStates(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	f := newFixture(t, fixtureOptions{engineURLs: map[string]string{
		"GEM":    healthy.URL,
		"KOKORO": broken.URL,
	}})

	resp, raw := f.do(t, http.MethodPost, "/services/dubbing/prepare", userToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := asMap(t, raw)
	assert.Equal(t, false, body["ok"])
	engines, ok := body["engines"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "online", engines["GEM"])
	assert.Equal(t, "failed", engines["KOKORO"])

	resp, _ = f.do(t, http.MethodPost, "/services/dubbing/prepare", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJobNotFound(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp, raw := f.do(t, http.MethodGet, "/dubbing/jobs/no-such-job", userToken, nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Job not found", detailOf(t, raw))
}

func TestJobCancelAfterCompletion(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp, raw := f.do(t, http.MethodPost, "/dubbing/jobs/v2", userToken, jobBody(), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created, _ := asMap(t, raw)["job"].(map[string]any)
	id, _ := created["id"].(string)
	f.awaitJobStatus(t, id, "completed")

	resp, _ = f.do(t, http.MethodPost, "/dubbing/jobs/"+id+"/cancel", userToken, nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
