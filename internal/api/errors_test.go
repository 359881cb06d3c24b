// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ManuGH/voiceflow/internal/upstream"
)

func TestSynthStatusMapping(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{upstream.CodeWordLimitExceeded, http.StatusBadRequest},
		{upstream.CodeAPIKeyMissing, http.StatusBadRequest},
		{upstream.CodeRuntimeUnavailable, http.StatusServiceUnavailable},
		{upstream.CodeAllKeysRateLimited, http.StatusBadGateway},
		{upstream.CodeKeyPoolTimeout, http.StatusBadGateway},
		{upstream.CodeAllKeysAuthFailed, http.StatusBadGateway},
		{upstream.CodeUpstreamModelFailed, http.StatusBadGateway},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, synthStatus(tt.code), tt.code)
	}
}
