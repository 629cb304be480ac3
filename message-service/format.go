package main

import (
	"html"
	"regexp"
	"strings"
)

const maxMessageLength = 2000

var (
	boldPattern   = regexp.MustCompile(`\*\*(.*?)\*\*`)
	italicPattern = regexp.MustCompile(`\*(.*?)\*`)
	codePattern   = regexp.MustCompile("`(.*?)`")
	urlPattern    = regexp.MustCompile(`https?://[\w\-._~:/?#\[\]@!$&'()*+,;=%]+[\w\-_~/#@$*+=]`)
	htmlTag       = regexp.MustCompile(`<[^>]+>`)
	multiSpace    = regexp.MustCompile(`\s+`)
)

// Dangerous markup that fails validation outright rather than being stripped.
var blockedFragments = []string{
	"<script", "javascript:", "<iframe", "<object", "<embed", "<form", "<input",
}

// ValidationResult is returned for send validation and the validate envelope.
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

func validateContent(content string) ValidationResult {
	if strings.TrimSpace(content) == "" {
		return ValidationResult{Valid: false, Reason: "message is empty"}
	}
	if len([]rune(content)) > maxMessageLength {
		return ValidationResult{Valid: false, Reason: "message exceeds 2000 characters"}
	}
	lower := strings.ToLower(content)
	for _, frag := range blockedFragments {
		if strings.Contains(lower, frag) {
			return ValidationResult{Valid: false, Reason: "message contains disallowed content"}
		}
	}
	return ValidationResult{Valid: true, Reason: "ok"}
}

// sanitizeContent strips raw markup and collapses whitespace. This is what
// gets persisted as the message content.
func sanitizeContent(content string) string {
	sanitized := htmlTag.ReplaceAllString(content, "")
	if runes := []rune(sanitized); len(runes) > maxMessageLength {
		sanitized = string(runes[:maxMessageLength])
	}
	return strings.TrimSpace(multiSpace.ReplaceAllString(sanitized, " "))
}

// formatContent derives the HTML rendering: escape, then the small markup
// grammar (bold, italic, inline code, line breaks), then URL anchors.
// Over-length input is truncated with an ellipsis.
func formatContent(content string) string {
	if content == "" {
		return ""
	}
	if runes := []rune(content); len(runes) > maxMessageLength {
		content = string(runes[:maxMessageLength]) + "..."
	}

	formatted := html.EscapeString(content)
	formatted = boldPattern.ReplaceAllString(formatted, "<strong>$1</strong>")
	formatted = italicPattern.ReplaceAllString(formatted, "<em>$1</em>")
	formatted = codePattern.ReplaceAllString(formatted, "<code>$1</code>")
	formatted = strings.ReplaceAll(formatted, "\n", "<br>")
	return linkifyURLs(formatted)
}

func linkifyURLs(content string) string {
	return urlPattern.ReplaceAllStringFunc(content, func(url string) string {
		display := url
		if len(display) > 50 {
			display = display[:47] + "..."
		}
		return `<a href="` + url + `" target="_blank" rel="noopener noreferrer">` + display + `</a>`
	})
}

// extractPlainText reverses formatContent for notification previews.
func extractPlainText(formatted string) string {
	if strings.TrimSpace(formatted) == "" {
		return ""
	}
	plain := strings.ReplaceAll(formatted, "<br>", "\n")
	plain = htmlTag.ReplaceAllString(plain, "")
	plain = html.UnescapeString(plain)
	return strings.TrimSpace(multiSpace.ReplaceAllString(plain, " "))
}

func generatePreview(content string, maxLength int) string {
	plain := extractPlainText(content)
	if runes := []rune(plain); len(runes) > maxLength {
		plain = string(runes[:maxLength-3]) + "..."
	}
	return strings.ReplaceAll(plain, "\n", " ")
}

// hasFormatting reports whether the content uses any of the markup grammar.
func hasFormatting(content string) bool {
	return boldPattern.MatchString(content) ||
		italicPattern.MatchString(content) ||
		codePattern.MatchString(content) ||
		urlPattern.MatchString(content) ||
		strings.Contains(content, "\n")
}
