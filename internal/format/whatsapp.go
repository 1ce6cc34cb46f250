// Package format normalizes model output for WhatsApp delivery. WhatsApp
// renders no markdown, so formatting syntax is stripped down to plain text.
package format

import (
	"regexp"
	"strings"
)

var (
	codeBlockRe   = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	inlineCodeRe  = regexp.MustCompile("`([^`]+)`")
	headerRe      = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	boldRe        = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	underlineRe   = regexp.MustCompile(`__([^_]+)__`)
	italicStarRe  = regexp.MustCompile(`\*([^*\n]+)\*`)
	italicUnderRe = regexp.MustCompile(`\b_([^_\n]+)_\b`)
	strikeRe      = regexp.MustCompile(`~~([^~]+)~~`)
	linkRe        = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	bulletRe      = regexp.MustCompile(`(?m)^[\s]*[-*+][\s]+`)
	quoteRe       = regexp.MustCompile(`(?m)^>\s?`)
	blankRunsRe   = regexp.MustCompile(`\n{3,}`)
)

// ToPlainText strips markdown syntax from text, keeping the content.
// Code blocks and inline code keep their bodies, links become "text (url)",
// bullets normalize to "- ", and runs of blank lines collapse.
func ToPlainText(text string) string {
	if text == "" {
		return ""
	}

	text = codeBlockRe.ReplaceAllString(text, "$1")
	text = inlineCodeRe.ReplaceAllString(text, "$1")
	text = headerRe.ReplaceAllString(text, "")
	text = boldRe.ReplaceAllString(text, "$1")
	text = underlineRe.ReplaceAllString(text, "$1")
	text = italicStarRe.ReplaceAllString(text, "$1")
	text = italicUnderRe.ReplaceAllString(text, "$1")
	text = strikeRe.ReplaceAllString(text, "$1")
	text = linkRe.ReplaceAllString(text, "$1 ($2)")
	text = bulletRe.ReplaceAllString(text, "- ")
	text = quoteRe.ReplaceAllString(text, "")
	text = blankRunsRe.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}
