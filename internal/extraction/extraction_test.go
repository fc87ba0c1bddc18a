package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyConcepts_FiltersStopwords(t *testing.T) {
	concepts := KeyConcepts("write a short essay about the history of jazz music")

	assert.Contains(t, concepts, "essay")
	assert.Contains(t, concepts, "jazz")
	assert.Contains(t, concepts, "history")
	assert.NotContains(t, concepts, "the")
	assert.NotContains(t, concepts, "about")
	assert.NotContains(t, concepts, "a")
}

func TestKeyConcepts_FrequencyRanked(t *testing.T) {
	concepts := KeyConcepts("jazz history and jazz theory, with jazz standards and some theory")

	require.NotEmpty(t, concepts)
	assert.Equal(t, "jazz", concepts[0])
	assert.Equal(t, "theory", concepts[1])
}

func TestKeywords_Limit(t *testing.T) {
	kws := Keywords("alpha beta gamma delta epsilon alpha beta gamma", 2)
	assert.Equal(t, []string{"alpha", "beta"}, kws)
}

func TestKeywords_Deterministic(t *testing.T) {
	text := "coffee roasting notes from the morning batch, light roast profile"
	first := Keywords(text, 5)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Keywords(text, 5))
	}
}

func TestVoiceTerms_Bigrams(t *testing.T) {
	terms := VoiceTerms("morning pages practice keeps the morning pages honest")

	assert.Contains(t, terms, "morning pages")
	assert.NotContains(t, terms, "keeps the")
}

func TestBuildFingerprint_Overlap(t *testing.T) {
	fp := BuildFingerprint([]string{
		"slow mornings and strong coffee, always strong coffee",
		"strong coffee before anything else",
	})

	require.NotEmpty(t, fp)
	assert.GreaterOrEqual(t, fp["strong coffee"], 2)

	full := fp.Overlap([]string{"strong coffee"})
	assert.Equal(t, 1.0, full)

	none := fp.Overlap([]string{"weak tea"})
	assert.Equal(t, 0.0, none)

	half := fp.Overlap([]string{"strong coffee", "weak tea"})
	assert.Equal(t, 0.5, half)
}

func TestFingerprint_Top(t *testing.T) {
	fp := Fingerprint{"a b": 3, "c d": 1, "e f": 2}
	assert.Equal(t, []string{"a b", "e f"}, fp.Top(2))
}

func TestOverlap_Empty(t *testing.T) {
	var fp Fingerprint
	assert.Equal(t, 0.0, fp.Overlap([]string{"anything"}))
	assert.Equal(t, 0.0, Fingerprint{"x": 1}.Overlap(nil))
}
