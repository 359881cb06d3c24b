// SPDX-License-Identifier: MIT

package tts

import (
	"fmt"
	"regexp"
	"strings"
)

// Line is one transcript entry: who speaks and what they say.
type Line struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// dialogueLineRe matches "Speaker: text" lines in free-form scripts. The
// speaker label is capped at 120 chars so prose with a stray colon does not
// get promoted to a speaker.
var dialogueLineRe = regexp.MustCompile(`^\s*([^:\n]{1,120})\s*:\s*(.+)$`)

// CountWords counts whitespace-separated tokens.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

func lineWords(lines []Line) int {
	total := 0
	for _, line := range lines {
		total += CountWords(line.Text)
	}
	return total
}

// renderLines flattens lines back into "Speaker: text" script form.
func renderLines(lines []Line) string {
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		speaker := strings.TrimSpace(line.Speaker)
		text := strings.TrimSpace(line.Text)
		if speaker == "" {
			parts = append(parts, text)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", speaker, text))
	}
	return strings.Join(parts, "\n")
}

// speakersInOrder returns distinct speaker labels in first-appearance order.
func speakersInOrder(lines []Line) []string {
	seen := make(map[string]bool, 4)
	var ordered []string
	for _, line := range lines {
		speaker := strings.TrimSpace(line.Speaker)
		if speaker == "" || seen[speaker] {
			continue
		}
		seen[speaker] = true
		ordered = append(ordered, speaker)
	}
	return ordered
}

// PairGroup is one studio synthesis unit: at most two speakers and their
// lines in original order. LineIndexes holds each line's position in the
// input transcript so split audio can be reassembled in line order.
type PairGroup struct {
	Speakers    []string
	Lines       []Line
	LineIndexes []int
}

// BuildPairGroups chunks the cast into pairs by first appearance and routes
// each line to its speaker's group. Line order inside a group follows the
// transcript.
func BuildPairGroups(lines []Line) []PairGroup {
	cast := speakersInOrder(lines)
	if len(cast) == 0 {
		return nil
	}
	groups := make([]PairGroup, 0, (len(cast)+1)/2)
	groupOf := make(map[string]int, len(cast))
	for i := 0; i < len(cast); i += 2 {
		end := i + 2
		if end > len(cast) {
			end = len(cast)
		}
		for _, speaker := range cast[i:end] {
			groupOf[speaker] = len(groups)
		}
		groups = append(groups, PairGroup{Speakers: append([]string(nil), cast[i:end]...)})
	}
	for lineIndex, line := range lines {
		speaker := strings.TrimSpace(line.Speaker)
		if speaker == "" {
			continue
		}
		index := groupOf[speaker]
		groups[index].Lines = append(groups[index].Lines, line)
		groups[index].LineIndexes = append(groups[index].LineIndexes, lineIndex)
	}
	return groups
}

// Text renders the group as "Speaker: text" script lines.
func (g PairGroup) Text() string { return renderLines(g.Lines) }

// BuildWordWindows packs whole lines into windows of at most maxWords words.
// A single line longer than the cap becomes its own window rather than being
// split mid-line.
func BuildWordWindows(lines []Line, maxWords int) [][]Line {
	if maxWords < 1 {
		maxWords = 1
	}
	var windows [][]Line
	var current []Line
	currentWords := 0
	for _, line := range lines {
		words := CountWords(line.Text)
		if len(current) > 0 && currentWords+words > maxWords {
			windows = append(windows, current)
			current = nil
			currentWords = 0
		}
		current = append(current, line)
		currentWords += words
	}
	if len(current) > 0 {
		windows = append(windows, current)
	}
	return windows
}

// ParseDialogue splits free-form text into lines, promoting "Speaker: text"
// prefixes to speaker labels. Non-matching lines continue the previous
// speaker's turn; leading narration keeps an empty speaker.
func ParseDialogue(text string) []Line {
	var out []Line
	currentSpeaker := ""
	for _, raw := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		if match := dialogueLineRe.FindStringSubmatch(trimmed); match != nil {
			currentSpeaker = strings.TrimSpace(match[1])
			out = append(out, Line{Speaker: currentSpeaker, Text: strings.TrimSpace(match[2])})
			continue
		}
		out = append(out, Line{Speaker: currentSpeaker, Text: trimmed})
	}
	return out
}

// BuildTextOrderWindows walks lines in transcript order and flushes a window
// whenever a third distinct speaker appears, so every window stays within the
// provider's two-speaker ceiling while preserving text order.
func BuildTextOrderWindows(lines []Line) [][]Line {
	var windows [][]Line
	var current []Line
	speakers := make(map[string]bool, 2)
	for _, line := range lines {
		speaker := strings.TrimSpace(line.Speaker)
		if speaker != "" && !speakers[speaker] && len(speakers) >= 2 {
			windows = append(windows, current)
			current = nil
			speakers = make(map[string]bool, 2)
		}
		if speaker != "" {
			speakers[speaker] = true
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		windows = append(windows, current)
	}
	return windows
}
