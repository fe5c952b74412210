package providers

import (
	"log/slog"
	"regexp"
	"strings"
)

// Reasoning blocks some models emit inline. RE2 has no backreferences,
// hence one pattern per tag.
var reasoningBlocks = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
	regexp.MustCompile(`(?is)<antthinking>.*?</antthinking>`),
}

var (
	finalTag          = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)
	leadingBlankLines = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)
)

// SanitizeCompletion strips model artifacts from completion text before it
// is shown to a user or stored: reasoning blocks, <final> wrappers, echoed
// "[System Message]" blocks and repeated paragraphs. A completion made only
// of artifacts becomes "".
func SanitizeCompletion(text string) string {
	if text == "" {
		return ""
	}
	out := stripReasoning(text)
	out = finalTag.ReplaceAllString(out, "")
	out = stripSystemEcho(out)
	out = collapseRepeatedBlocks(out)
	out = strings.TrimSpace(leadingBlankLines.ReplaceAllString(out, ""))

	if out != text {
		slog.Debug("sanitized completion", "original_len", len(text), "cleaned_len", len(out))
	}
	return out
}

func stripReasoning(text string) string {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") && !strings.Contains(lower, "<antthinking") {
		return text
	}
	for _, re := range reasoningBlocks {
		text = re.ReplaceAllString(text, "")
	}
	return text
}

// stripSystemEcho drops "[System Message]" blocks up to the next blank line.
func stripSystemEcho(text string) string {
	if !strings.Contains(text, "[System Message]") {
		return text
	}
	var kept []string
	inBlock := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "[System Message]"):
			inBlock = true
		case inBlock:
			inBlock = trimmed != ""
		default:
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func collapseRepeatedBlocks(text string) string {
	blocks := strings.Split(text, "\n\n")
	if len(blocks) < 2 {
		return text
	}
	var kept []string
	for _, b := range blocks {
		t := strings.TrimSpace(b)
		if t == "" {
			continue
		}
		if n := len(kept); n > 0 && strings.TrimSpace(kept[n-1]) == t {
			continue
		}
		kept = append(kept, b)
	}
	return strings.Join(kept, "\n\n")
}
