// SPDX-License-Identifier: MIT

package tts

import (
	"fmt"
	"strings"

	"github.com/ManuGH/voiceflow/internal/upstream"
)

const (
	summaryMaxVisible = 3
	summaryMaxChars   = 220
)

// SummarizeAttempts collapses failed attempts into a compact operator-facing
// string: distinct error fragments (case-insensitive), at most three shown,
// the rest counted, the whole thing capped at 220 chars.
func SummarizeAttempts(attempts []upstream.Attempt) string {
	seen := make(map[string]bool, len(attempts))
	var fragments []string
	for _, attempt := range attempts {
		fragment := strings.TrimSpace(attempt.Error)
		if fragment == "" {
			continue
		}
		lower := strings.ToLower(fragment)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		fragments = append(fragments, fragment)
	}
	if len(fragments) == 0 {
		return ""
	}
	visible := fragments
	hidden := 0
	if len(fragments) > summaryMaxVisible {
		visible = fragments[:summaryMaxVisible]
		hidden = len(fragments) - summaryMaxVisible
	}
	summary := strings.Join(visible, "; ")
	if hidden > 0 {
		summary = fmt.Sprintf("%s (+%d more)", summary, hidden)
	}
	if len(summary) > summaryMaxChars {
		summary = summary[:summaryMaxChars-3] + "..."
	}
	return summary
}
