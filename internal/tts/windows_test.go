// SPDX-License-Identifier: MIT

package tts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPairGroups(t *testing.T) {
	lines := []Line{
		{Speaker: "Ana", Text: "hi"},
		{Speaker: "Ben", Text: "hey"},
		{Speaker: "Cleo", Text: "hello"},
		{Speaker: "Ana", Text: "again"},
		{Speaker: "Dan", Text: "yo"},
		{Speaker: "Eve", Text: "hm"},
	}
	groups := BuildPairGroups(lines)
	require.Len(t, groups, 3)

	assert.Equal(t, []string{"Ana", "Ben"}, groups[0].Speakers)
	assert.Equal(t, []string{"Cleo", "Dan"}, groups[1].Speakers)
	assert.Equal(t, []string{"Eve"}, groups[2].Speakers)

	// lines keep transcript order inside their group
	require.Len(t, groups[0].Lines, 3)
	assert.Equal(t, "again", groups[0].Lines[2].Text)
	assert.Equal(t, "Ana: hi\nBen: hey\nAna: again", groups[0].Text())
}

func TestBuildPairGroupsEmpty(t *testing.T) {
	assert.Nil(t, BuildPairGroups(nil))
	assert.Nil(t, BuildPairGroups([]Line{{Speaker: "", Text: "narration"}}))
}

func TestBuildWordWindows(t *testing.T) {
	lines := []Line{
		{Speaker: "Ana", Text: "one two three"},
		{Speaker: "Ben", Text: "four five"},
		{Speaker: "Ana", Text: "six"},
	}
	windows := BuildWordWindows(lines, 4)
	require.Len(t, windows, 2)
	assert.Len(t, windows[0], 1)
	assert.Len(t, windows[1], 2)
}

func TestBuildWordWindowsOversizedLineKeepsOwnWindow(t *testing.T) {
	lines := []Line{
		{Speaker: "Ana", Text: "one"},
		{Speaker: "Ben", Text: "a b c d e f g h"},
		{Speaker: "Ana", Text: "two"},
	}
	windows := BuildWordWindows(lines, 3)
	require.Len(t, windows, 3)
	assert.Equal(t, "a b c d e f g h", windows[1][0].Text)
}

func TestParseDialogue(t *testing.T) {
	text := "A narrator sets the scene without a colon prefix\nAna: hello there\nthis line continues her turn\nBen: hi\n\n"
	lines := ParseDialogue(text)
	require.Len(t, lines, 4)
	assert.Equal(t, "", lines[0].Speaker)
	assert.Equal(t, "Ana", lines[1].Speaker)
	assert.Equal(t, "Ana", lines[2].Speaker)
	assert.Equal(t, "this line continues her turn", lines[2].Text)
	assert.Equal(t, "Ben", lines[3].Speaker)
}

func TestParseDialogueRejectsOverlongSpeakerLabel(t *testing.T) {
	long := make([]byte, 130)
	for i := range long {
		long[i] = 'x'
	}
	lines := ParseDialogue(string(long) + ": not a speaker")
	require.Len(t, lines, 1)
	assert.Equal(t, "", lines[0].Speaker)
}

func TestBuildTextOrderWindowsFlushesOnThirdSpeaker(t *testing.T) {
	lines := []Line{
		{Speaker: "Ana", Text: "one"},
		{Speaker: "Ben", Text: "two"},
		{Speaker: "Ana", Text: "three"},
		{Speaker: "Cleo", Text: "four"},
		{Speaker: "Ben", Text: "five"},
		{Speaker: "Dan", Text: "six"},
	}
	windows := BuildTextOrderWindows(lines)
	require.Len(t, windows, 3)
	assert.Len(t, windows[0], 3)
	assert.Equal(t, "Cleo", windows[1][0].Speaker)
	assert.Len(t, windows[1], 2)
	assert.Equal(t, "Dan", windows[2][0].Speaker)
}

func TestCountWords(t *testing.T) {
	assert.Equal(t, 0, CountWords("   "))
	assert.Equal(t, 3, CountWords(" one  two\tthree "))
}
