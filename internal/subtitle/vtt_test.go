package subtitle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleVTT(t *testing.T) {
	vtt := "WEBVTT\n\n00:00:01.000 --> 00:00:04.000\nHello, world!\n\n00:00:05.000 --> 00:00:08.000\nThis is a test.\n"
	segments, err := Parse(vtt)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, "Hello, world!", segments[0].Text)
	assert.Equal(t, uint64(1000), segments[0].StartMS)
	assert.Equal(t, uint64(4000), segments[0].EndMS)
	assert.Equal(t, "This is a test.", segments[1].Text)
}

func TestParseMissingHeaderFails(t *testing.T) {
	_, err := Parse("not a vtt file")
	require.Error(t, err)
}

func TestParseTimestampThreeGranularities(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want uint64
	}{
		{"seconds only", "1.500", 1500},
		{"single-digit minutes", "0:00.000", 0},
		{"minutes seconds padded", "00:00.000", 0},
		{"full", "00:00:00.000", 0},
		{"minutes seconds", "01:30.500", 90500},
		{"hours minutes seconds", "00:01:30.500", 90500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, err := parseTime(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ms)
		})
	}
}

func TestParseTimestampLine(t *testing.T) {
	start, end, err := parseTimestampLine("00:01:30.500 --> 00:02:45.250")
	require.NoError(t, err)
	assert.Equal(t, uint64(90500), start)
	assert.Equal(t, uint64(165250), end)
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "00:01:30.500", formatTime(90500))
}

func TestParseSecondsMillisTruncateThenPad(t *testing.T) {
	// 4+ fractional digits: truncate to first 3, no re-padding needed.
	ms, err := parseSeconds("1.5001")
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), ms)

	// 1 fractional digit: pad right to 3 digits ("5" -> "500").
	ms, err = parseSeconds("1.5")
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), ms)
}

func TestToTranslationText(t *testing.T) {
	segments := []Segment{
		{Index: 0, StartMS: 0, EndMS: 1000, Text: "Hello"},
		{Index: 1, StartMS: 1000, EndMS: 2000, Text: "World"},
	}
	text := ToTranslationText(segments)
	assert.Contains(t, text, "[0] Hello")
	assert.Contains(t, text, "[1] World")
}

func TestParseTranslatedText(t *testing.T) {
	text := "[0] hola\n\n[1] mundo"
	translations := ParseTranslatedText(text)
	require.Len(t, translations, 2)
	assert.Equal(t, "hola", translations[0])
	assert.Equal(t, "mundo", translations[1])
}

func TestParseTranslatedTextPreservesInternalBracketToken(t *testing.T) {
	text := "[0] see footnote [5] for details"
	translations := ParseTranslatedText(text)
	require.Len(t, translations, 1)
	assert.Equal(t, "see footnote [5] for details", translations[0])
}

func TestRebuildVTT(t *testing.T) {
	segments := []Segment{{Index: 0, StartMS: 0, EndMS: 1000, Text: "Hello"}}
	translated := []string{"Hola"}
	vtt := RebuildVTT(segments, translated)
	assert.Contains(t, vtt, "WEBVTT")
	assert.Contains(t, vtt, "00:00:00.000 --> 00:00:01.000")
	assert.Contains(t, vtt, "Hola")
}

func TestStripTags(t *testing.T) {
	assert.Equal(t, "Hello world!", StripTags("<b>Hello</b> <i>world</i>!"))
}

func TestRoundTripPreservesSegmentCountAndTiming(t *testing.T) {
	vtt := "WEBVTT\n\n00:00:01.000 --> 00:00:04.000\nHello\n\n00:00:05.000 --> 00:00:08.000\nWorld\n"
	segments, err := Parse(vtt)
	require.NoError(t, err)

	rebuilt := RebuildVTT(segments, ExtractTexts(segments))
	reparsed, err := Parse(rebuilt)
	require.NoError(t, err)

	require.Len(t, reparsed, len(segments))
	for i := range segments {
		assert.Equal(t, segments[i].StartMS, reparsed[i].StartMS)
		assert.Equal(t, segments[i].EndMS, reparsed[i].EndMS)
		assert.Equal(t, segments[i].Text, reparsed[i].Text)
	}
}

func TestApplyTranslations(t *testing.T) {
	original := []Segment{{Index: 0, StartMS: 0, EndMS: 1000, Text: "Hello"}}
	out := ApplyTranslations(original, []string{"Hola"})
	require.Len(t, out, 1)
	assert.Equal(t, "Hola", out[0].Text)
	assert.Equal(t, original[0].StartMS, out[0].StartMS)
}
