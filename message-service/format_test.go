package main

import (
	"strings"
	"testing"
)

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		valid   bool
	}{
		{"plain text", "hello there", true},
		{"formatted text", "**hi** and `code`", true},
		{"empty", "", false},
		{"whitespace only", "   \n\t  ", false},
		{"at limit", strings.Repeat("a", 2000), true},
		{"over limit", strings.Repeat("a", 2001), false},
		{"script tag", "look <script>alert(1)</script>", false},
		{"script tag mixed case", "<ScRiPt>x</script>", false},
		{"javascript url", `<a href="javascript:alert(1)">x</a>`, false},
		{"iframe", "<iframe src=x></iframe>", false},
		{"form input", "<form><input></form>", false},
		{"harmless angle brackets", "tuning 1 < 2 and 3 > 2", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := validateContent(tt.content)
			if got.Valid != tt.valid {
				t.Errorf("validateContent(%q).Valid = %v, want %v (reason %q)",
					tt.content, got.Valid, tt.valid, got.Reason)
			}
			if got.Reason == "" {
				t.Errorf("validateContent(%q) returned empty reason", tt.content)
			}
		})
	}
}

func TestSanitizeContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"strips tags", "hello <b>world</b>", "hello world"},
		{"collapses whitespace", "a   b\n\n  c", "a b c"},
		{"trims", "  padded  ", "padded"},
		{"keeps markup grammar", "**bold** and `code`", "**bold** and `code`"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeContent(tt.content); got != tt.want {
				t.Errorf("sanitizeContent(%q) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}

	long := strings.Repeat("x", 2500)
	if got := sanitizeContent(long); len([]rune(got)) != 2000 {
		t.Errorf("sanitizeContent truncated to %d runes, want 2000", len([]rune(got)))
	}
}

func TestFormatContent(t *testing.T) {
	got := formatContent("**hi** see https://x.io")
	if !strings.Contains(got, "<strong>hi</strong>") {
		t.Errorf("formatContent missing bold markup: %q", got)
	}
	if !strings.Contains(got, `<a href="https://x.io"`) {
		t.Errorf("formatContent missing URL anchor: %q", got)
	}

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty", "", ""},
		{"italic", "*hi*", "<em>hi</em>"},
		{"code", "`x := 1`", "<code>x := 1</code>"},
		{"line break", "a\nb", "a<br>b"},
		{"escapes html", "1 < 2", "1 &lt; 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatContent(tt.content); got != tt.want {
				t.Errorf("formatContent(%q) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}
}

func TestLinkifyTruncatesDisplay(t *testing.T) {
	url := "https://example.com/" + strings.Repeat("p/", 30) + "end"
	got := linkifyURLs(url)
	if !strings.Contains(got, `href="`+url+`"`) {
		t.Errorf("linkifyURLs must keep the full URL in href: %q", got)
	}
	if !strings.Contains(got, url[:47]+"...") {
		t.Errorf("linkifyURLs must truncate the display text at 47 chars: %q", got)
	}
}

func TestExtractPlainText(t *testing.T) {
	formatted := formatContent("**hi** see https://x.io")
	got := extractPlainText(formatted)
	if got != "hi see https://x.io" {
		t.Errorf("extractPlainText = %q, want %q", got, "hi see https://x.io")
	}
	if extractPlainText("   ") != "" {
		t.Error("extractPlainText of blank input should be empty")
	}
}

func TestGeneratePreview(t *testing.T) {
	long := strings.Repeat("word ", 50)
	got := generatePreview(long, 100)
	if len([]rune(got)) > 100 {
		t.Errorf("preview length %d exceeds 100", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated preview should end with ellipsis: %q", got)
	}
	if got := generatePreview("short", 100); got != "short" {
		t.Errorf("short preview = %q, want unchanged", got)
	}
}

func TestHasFormatting(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"plain", false},
		{"**bold**", true},
		{"*italic*", true},
		{"`code`", true},
		{"see https://x.io", true},
		{"line\nbreak", true},
	}
	for _, tt := range tests {
		if got := hasFormatting(tt.content); got != tt.want {
			t.Errorf("hasFormatting(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}
