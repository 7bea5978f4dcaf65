/*
Copyright 2025 The Dorch Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package analyzer

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beebs-dev/dorch/pkg/wadinfo"
)

// runeEncoder counts one token per rune, which makes expected cut
// points easy to reason about.
type runeEncoder struct{}

func (runeEncoder) Encode(text string) []int {
	tokens := make([]int, 0, len(text))
	for _, r := range text {
		tokens = append(tokens, int(r))
	}
	return tokens
}

func TestRespectTokenLimitFitsUnchanged(t *testing.T) {
	text := "short input"
	assert.Equal(t, text, RespectTokenLimit(text, runeEncoder{}, 100))
}

func TestRespectTokenLimitCutsAtBudget(t *testing.T) {
	text := strings.Repeat("a", 50)
	got := RespectTokenLimit(text, runeEncoder{}, 10)
	assert.Equal(t, strings.Repeat("a", 10), got)
}

func TestRespectTokenLimitNeverSplitsCodepoint(t *testing.T) {
	// Emoji is one rune but four bytes; a byte-based cut would land
	// inside it.
	text := strings.Repeat("a", 7) + "🎮" + strings.Repeat("b", 20)
	for budget := 0; budget <= 12; budget++ {
		got := RespectTokenLimit(text, runeEncoder{}, budget)
		assert.True(t, utf8.ValidString(got), "budget %d", budget)
		assert.True(t, strings.HasPrefix(text, got), "budget %d", budget)
		assert.LessOrEqual(t, len(runeEncoder{}.Encode(got)), budget, "budget %d", budget)
	}
	assert.Equal(t, strings.Repeat("a", 7)+"🎮", RespectTokenLimit(text, runeEncoder{}, 8))
	assert.Equal(t, strings.Repeat("a", 7), RespectTokenLimit(text, runeEncoder{}, 7))
}

func TestRespectTokenLimitDeterministic(t *testing.T) {
	text := strings.Repeat("xyℝ🎮", 100)
	first := RespectTokenLimit(text, runeEncoder{}, 57)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, RespectTokenLimit(text, runeEncoder{}, 57))
	}
}

func strptr(s string) *string { return &s }

func testWad() *wadinfo.ReadWad {
	sha := "fedcba"
	return &wadinfo.ReadWad{
		Meta: wadinfo.ReadWadMeta{
			Meta: wadinfo.WadMeta{
				ID:     "11111111-2222-3333-4444-555555555555",
				Title:  strptr("Test WAD"),
				SHA1:   "abcdef",
				SHA256: &sha,
			},
			TextFiles: []wadinfo.TextFile{
				{Name: "README.txt", Contents: "hello"},
			},
		},
		Maps: []wadinfo.ReadWadMap{
			{
				Map:      wadinfo.MapReference{Map: "MAP01"},
				Analysis: &wadinfo.MapAnalysis{WadID: "x", MapName: "MAP01"},
				Images:   []wadinfo.WadImage{{URL: "http://img"}},
			},
		},
	}
}

func TestOptimizeReadWadStripsDerivedFields(t *testing.T) {
	wad := testWad()
	wad.Meta.Analysis = &wadinfo.WadAnalysis{WadID: "x"}

	OptimizeReadWad(wad)

	assert.Empty(t, wad.Meta.Meta.SHA1)
	assert.Nil(t, wad.Meta.Meta.SHA256)
	assert.Nil(t, wad.Meta.Analysis)
	assert.Nil(t, wad.Maps[0].Analysis)
	assert.Nil(t, wad.Maps[0].Images)
	assert.Equal(t, "hello", wad.Meta.TextFiles[0].Contents, "short text files pass through")
}

func TestOptimizeReadWadTruncatesLongTextFiles(t *testing.T) {
	wad := testWad()
	long := strings.Repeat("é", 6000)
	wad.Meta.TextFiles[0].Contents = long

	OptimizeReadWad(wad)

	got := wad.Meta.TextFiles[0].Contents
	require.True(t, strings.HasPrefix(got, strings.Repeat("é", 5000)))
	assert.Contains(t, got, "File was truncated due to length. Original size in bytes: 12000")
	assert.True(t, utf8.ValidString(got))
}

func TestOptimizeReadWadExactLimitUntouched(t *testing.T) {
	wad := testWad()
	exact := strings.Repeat("a", 5000)
	wad.Meta.TextFiles[0].Contents = exact

	OptimizeReadWad(wad)

	assert.Equal(t, exact, wad.Meta.TextFiles[0].Contents)
}

func TestFailureBackoff(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, failureBackoff(1))
	assert.Equal(t, 4*time.Second, failureBackoff(4))
	assert.Equal(t, 15*time.Second, failureBackoff(10))
	assert.Equal(t, 15*time.Second, failureBackoff(200))
}
