package knowledge

import (
	"regexp"
	"strings"
)

const (
	// DefaultMaxChunkLen bounds a chunk in bytes. Roughly two short
	// paragraphs; small enough that several chunks fit one prompt.
	DefaultMaxChunkLen = 800

	// maxOverlapLen caps the previous-sentence overlap carried into the
	// next chunk. Longer sentences are not worth repeating.
	maxOverlapLen = 200

	// minChunkLen drops fragments too short to embed meaningfully.
	minChunkLen = 20
)

var sentencePattern = regexp.MustCompile(`[^.!?\n]+[.!?\n]+`)

// ChunkText splits raw text into overlapping chunks on sentence
// boundaries. The pass is greedy and order-preserving: sentences are
// appended until the next one would push the chunk past maxChunkLen,
// at which point the chunk is closed and the previous sentence (if
// short enough) seeds the next chunk as overlap. Chunks shorter than
// minChunkLen are discarded. Deterministic for identical input.
func ChunkText(text string, maxChunkLen int) []string {
	if maxChunkLen <= 0 {
		maxChunkLen = DefaultMaxChunkLen
	}

	sentences := sentencePattern.FindAllString(text, -1)
	if sentences == nil {
		sentences = []string{text}
	}

	var chunks []string
	var current string

	for i, raw := range sentences {
		sentence := strings.TrimSpace(raw)
		if sentence == "" {
			continue
		}

		if len(current)+len(sentence) > maxChunkLen {
			if current != "" {
				chunks = append(chunks, strings.TrimSpace(current))
			}
			overlap := ""
			if i > 0 {
				if prev := strings.TrimSpace(sentences[i-1]); len(prev) < maxOverlapLen {
					overlap = prev + " "
				}
			}
			current = overlap + sentence
			continue
		}

		if current == "" {
			current = sentence
		} else {
			current += " " + sentence
		}
	}

	if current != "" {
		chunks = append(chunks, strings.TrimSpace(current))
	}

	kept := chunks[:0]
	for _, c := range chunks {
		if len(c) > minChunkLen {
			kept = append(kept, c)
		}
	}
	return kept
}
