package security

import (
	"regexp"
	"strings"
)

// Fence markers bracket content fetched from scrutinized sources before
// it reaches the agent. The system prompt tells the agent that fenced
// content is data, not instructions.
const (
	FenceOpen  = "<<<UNTRUSTED_CONTENT>>>"
	FenceClose = "<<<END_UNTRUSTED_CONTENT>>>"
)

var (
	// Marker lines, tolerant of surrounding whitespace and slash or
	// END_ spelling variants, so payloads cannot smuggle a closer in.
	fenceMarkerLine   = regexp.MustCompile(`(?m)^[ \t]*<<<[ \t]*/?[ \t]*(?:END_)?UNTRUSTED_CONTENT[ \t]*>>>[ \t]*\r?\n?`)
	fenceMarkerInline = regexp.MustCompile(`<<<[ \t]*/?[ \t]*(?:END_)?UNTRUSTED_CONTENT[ \t]*>>>`)
)

// SanitizeFenceMarkers strips fence markers embedded in content. Running
// it twice yields the same string as running it once.
func SanitizeFenceMarkers(content string) string {
	// --- 1. drop whole marker lines ---
	content = fenceMarkerLine.ReplaceAllString(content, "")

	// --- 2. drop inline marker fragments ---
	content = fenceMarkerInline.ReplaceAllString(content, "")

	return content
}

// FenceUntrusted wraps content in fence markers after removing any
// spoofed markers inside it, so fencing already-fenced or
// already-sanitized content produces the identical result.
func FenceUntrusted(content string) string {
	content = strings.TrimSpace(SanitizeFenceMarkers(content))
	var b strings.Builder
	b.Grow(len(FenceOpen) + len(content) + len(FenceClose) + 2)
	b.WriteString(FenceOpen)
	b.WriteByte('\n')
	b.WriteString(content)
	b.WriteByte('\n')
	b.WriteString(FenceClose)
	return b.String()
}
