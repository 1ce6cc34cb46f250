// Package chunker splits long replies into WhatsApp-friendly message chunks.
// It prefers paragraph breaks, then sentence breaks, then newlines, and
// falls back to a hard cut.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var sentenceEndRe = regexp.MustCompile(`[.!?]\s`)

// Chunker splits text into chunks no longer than MaxLength.
type Chunker struct {
	maxLength int
	minLength int
}

// New creates a chunker. minLength is the floor below which a natural break
// is ignored in favor of a later one.
func New(maxLength, minLength int) *Chunker {
	if maxLength <= 0 {
		maxLength = 4096
	}
	if minLength <= 0 {
		minLength = 100
	}
	return &Chunker{maxLength: maxLength, minLength: minLength}
}

// Chunk splits text into delivery-sized pieces. Empty input yields nil.
func (c *Chunker) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= c.maxLength {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for remaining != "" {
		if len(remaining) <= c.maxLength {
			chunks = append(chunks, strings.TrimSpace(remaining))
			break
		}

		split := c.findParagraphBreak(remaining)
		if split < 0 {
			split = c.findSentenceBreak(remaining)
		}
		if split < 0 {
			split = c.findNewlineBreak(remaining)
		}
		if split < 0 {
			// Hard cut must not land inside a multi-byte rune.
			split = c.maxLength
			for split > 0 && !utf8.RuneStart(remaining[split]) {
				split--
			}
			if split == 0 {
				_, n := utf8.DecodeRuneInString(remaining)
				split = n
			}
		}

		chunk := strings.TrimSpace(remaining[:split])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimSpace(remaining[split:])
	}
	return chunks
}

func (c *Chunker) findParagraphBreak(text string) int {
	area := text[:c.maxLength]
	pos := strings.LastIndex(area, "\n\n")
	if pos > c.minLength {
		return pos + 2
	}
	return -1
}

func (c *Chunker) findSentenceBreak(text string) int {
	area := text[:c.maxLength]
	matches := sentenceEndRe.FindAllStringIndex(area, -1)
	if len(matches) == 0 {
		return -1
	}
	pos := matches[len(matches)-1][1]
	if pos > c.minLength {
		return pos
	}
	return -1
}

func (c *Chunker) findNewlineBreak(text string) int {
	area := text[:c.maxLength]
	pos := strings.LastIndexByte(area, '\n')
	if pos > c.minLength {
		return pos + 1
	}
	return -1
}
