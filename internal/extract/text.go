package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mindwell/syncpipe/internal/common"
)

const defaultMaxSegmentLen = 2000

// TextExtractor handles the text content family in-process: it splits plain
// text and markup-stripped-elsewhere content into paragraph-aligned segments.
// Non-text families must go to a processor binary wired with a richer
// extractor.
type TextExtractor struct {
	// MaxSegmentLen caps segment size in runes; longer paragraphs are split.
	MaxSegmentLen int
}

// NewTextExtractor returns a TextExtractor with the default segment cap.
func NewTextExtractor() *TextExtractor {
	return &TextExtractor{MaxSegmentLen: defaultMaxSegmentLen}
}

func (e *TextExtractor) Extract(_ context.Context, data []byte, contentType string) ([]Segment, error) {
	if strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "audio/") {
		return nil, common.Permanent(common.CodeUnsupportedFormat,
			fmt.Errorf("content type %q requires a media extractor", contentType))
	}
	if !utf8.Valid(data) {
		return nil, common.Permanent(common.CodeExtractionFailed, errors.New("content is not valid UTF-8"))
	}

	maxLen := e.MaxSegmentLen
	if maxLen <= 0 {
		maxLen = defaultMaxSegmentLen
	}

	var segments []Segment
	for _, para := range splitParagraphs(string(data)) {
		for _, chunk := range splitRunes(para, maxLen) {
			segments = append(segments, Segment{Position: len(segments), Text: chunk})
		}
	}
	return segments, nil
}

// splitParagraphs breaks text on blank lines, trimming each block.
func splitParagraphs(text string) []string {
	var paras []string
	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			paras = append(paras, block)
		}
	}
	return paras
}

// splitRunes chops s into rune-safe chunks of at most maxLen runes.
func splitRunes(s string, maxLen int) []string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return []string{s}
	}
	var chunks []string
	for start := 0; start < len(runes); start += maxLen {
		end := start + maxLen
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
