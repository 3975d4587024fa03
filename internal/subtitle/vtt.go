// Package subtitle implements a WebVTT codec: parsing timed-text segments
// and round-tripping them through a translation pass without disturbing
// timestamps or segment count.
package subtitle

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Segment is one timed cue.
type Segment struct {
	Index   uint32
	StartMS uint64
	EndMS   uint64
	Text    string
}

// DurationMS returns the cue's duration, saturating at zero if EndMS < StartMS.
func (s Segment) DurationMS() uint64 {
	if s.EndMS < s.StartMS {
		return 0
	}
	return s.EndMS - s.StartMS
}

// ParseError reports a malformed VTT document.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "subtitle: invalid VTT: " + e.Reason }

var tagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`</?b>`),
	regexp.MustCompile(`</?i>`),
	regexp.MustCompile(`</?u>`),
	regexp.MustCompile(`</?c[^>]*>`),
	regexp.MustCompile(`<\d+:\d+:\d+\.?\d*>`),
	regexp.MustCompile(`</?\w+>`),
}

var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
)

// StripTags removes inline VTT formatting tags and decodes common HTML
// entities.
func StripTags(text string) string {
	result := text
	for _, re := range tagPatterns {
		result = re.ReplaceAllString(result, "")
	}
	result = entityReplacer.Replace(result)
	return strings.TrimSpace(result)
}

// Parse decodes a WebVTT document into its cue segments. Requires a literal
// WEBVTT header; skips to the first "-->" line; assigns sequential indices
// starting at 0.
func Parse(content string) ([]Segment, error) {
	trimmed := strings.TrimLeft(content, " \t\r\n")
	if !strings.HasPrefix(trimmed, "WEBVTT") {
		return nil, &ParseError{Reason: "missing WEBVTT header"}
	}

	lines := strings.Split(trimmed, "\n")
	i := 0
	for i < len(lines) && !strings.Contains(lines[i], "-->") {
		i++
	}

	var segments []Segment
	var index uint32

	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if !strings.Contains(line, "-->") {
			i++
			continue
		}

		startMS, endMS, err := parseTimestampLine(line)
		if err != nil {
			return nil, err
		}

		var textLines []string
		i++
		for i < len(lines) {
			textLine := strings.TrimSpace(lines[i])
			if textLine == "" || strings.Contains(textLine, "-->") {
				break
			}
			if clean := StripTags(textLine); clean != "" {
				textLines = append(textLines, clean)
			}
			i++
		}

		if len(textLines) > 0 {
			segments = append(segments, Segment{
				Index:   index,
				StartMS: startMS,
				EndMS:   endMS,
				Text:    strings.Join(textLines, "\n"),
			})
			index++
		}
	}

	return segments, nil
}

func parseTimestampLine(line string) (uint64, uint64, error) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, &ParseError{Reason: "invalid timestamp line: " + line}
	}

	start, err := parseTime(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}

	endField := strings.Fields(parts[1])
	endStr := "0"
	if len(endField) > 0 {
		endStr = endField[0]
	}
	end, err := parseTime(endStr)
	if err != nil {
		return 0, 0, err
	}

	return start, end, nil
}

// parseTime accepts HH:MM:SS.mmm, MM:SS.mmm, or SS.mmm.
func parseTime(timeStr string) (uint64, error) {
	if fields := strings.Fields(timeStr); len(fields) > 0 {
		timeStr = fields[0]
	} else {
		timeStr = "0"
	}

	parts := strings.Split(timeStr, ":")
	var hours, minutes uint64
	var secondsField string

	switch len(parts) {
	case 3:
		hours, _ = strconv.ParseUint(parts[0], 10, 64)
		minutes, _ = strconv.ParseUint(parts[1], 10, 64)
		secondsField = parts[2]
	case 2:
		minutes, _ = strconv.ParseUint(parts[0], 10, 64)
		secondsField = parts[1]
	case 1:
		secondsField = parts[0]
	default:
		return 0, &ParseError{Reason: "invalid timestamp: " + timeStr}
	}

	seconds, err := parseSeconds(secondsField)
	if err != nil {
		return 0, err
	}

	return hours*3600000 + minutes*60000 + seconds, nil
}

// parseSeconds parses "SS.mmm", padding the millisecond component to three
// digits: a fractional part longer than three digits is truncated first,
// then the (possibly shorter) result is zero-padded on the right.
func parseSeconds(secondsStr string) (uint64, error) {
	parts := strings.SplitN(secondsStr, ".", 2)

	seconds, _ := strconv.ParseUint(parts[0], 10, 64)

	var millis uint64
	if len(parts) > 1 {
		msStr := parts[1]
		if len(msStr) > 3 {
			msStr = msStr[:3]
		}
		for len(msStr) < 3 {
			msStr += "0"
		}
		millis, _ = strconv.ParseUint(msStr, 10, 64)
	}

	return seconds*1000 + millis, nil
}

// formatTime renders milliseconds as HH:MM:SS.mmm.
func formatTime(ms uint64) string {
	hours := ms / 3600000
	minutes := (ms % 3600000) / 60000
	seconds := (ms % 60000) / 1000
	millis := ms % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", hours, minutes, seconds, millis)
}

// ToTranslationText renders segments as "[i] text" blocks separated by a
// blank line, ready to hand to a translation agent stage.
func ToTranslationText(segments []Segment) string {
	blocks := make([]string, len(segments))
	for i, s := range segments {
		blocks[i] = fmt.Sprintf("[%d] %s", s.Index, s.Text)
	}
	return strings.Join(blocks, "\n\n")
}

var indexMarker = regexp.MustCompile(`\[(\d+)\]\s*`)

// ParseTranslatedText splits translated output on "[n] " markers, folding
// continuation lines into the preceding segment's text and trimming
// whitespace.
func ParseTranslatedText(text string) []string {
	var translations []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			translations = append(translations, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, line := range strings.Split(text, "\n") {
		if loc := indexMarker.FindStringIndex(line); loc != nil {
			flush()
			stripped := line[:loc[0]] + line[loc[1]:]
			current.WriteString(strings.TrimSpace(stripped))
			current.WriteByte(' ')
		} else if strings.TrimSpace(line) != "" {
			current.WriteString(strings.TrimSpace(line))
			current.WriteByte(' ')
		}
	}
	flush()

	return translations
}

// RebuildVTT re-emits cues from original, substituting each segment's text
// with translated[i] when present, else the original text.
func RebuildVTT(original []Segment, translated []string) string {
	var sb strings.Builder
	sb.WriteString("WEBVTT\n\n")

	for i, seg := range original {
		text := seg.Text
		if i < len(translated) {
			text = translated[i]
		}
		sb.WriteString(formatTime(seg.StartMS))
		sb.WriteString(" --> ")
		sb.WriteString(formatTime(seg.EndMS))
		sb.WriteString("\n")
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}

	return sb.String()
}

// ExtractTexts returns just the text of each segment, in order.
func ExtractTexts(segments []Segment) []string {
	texts := make([]string, len(segments))
	for i, s := range segments {
		texts[i] = s.Text
	}
	return texts
}

// ApplyTranslations returns a copy of original with each segment's text
// replaced by the corresponding translatedTexts entry, falling back to the
// original text when no translation was supplied for that index.
func ApplyTranslations(original []Segment, translatedTexts []string) []Segment {
	out := make([]Segment, len(original))
	for i, s := range original {
		text := s.Text
		if i < len(translatedTexts) {
			text = translatedTexts[i]
		}
		out[i] = Segment{Index: s.Index, StartMS: s.StartMS, EndMS: s.EndMS, Text: text}
	}
	return out
}
