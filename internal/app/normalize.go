package app

import (
	"encoding/json"
	"strings"
)

const (
	captionCount = 3

	// placeholderCaption fills slots the generator could not. It is never
	// a copy of another caption.
	placeholderCaption = "We couldn't come up with this one. Tap regenerate to try again."

	diversityPrefixWords = 4
)

// parseCaptions turns raw generator output into candidate captions.
// Priority order: JSON string array, JSON object array with a text-like
// field, then plain line splitting. Blank entries are dropped and the
// result is capped at captionCount.
func parseCaptions(raw string) []string {
	raw = stripCodeFence(strings.TrimSpace(raw))
	if raw == "" {
		return nil
	}
	if parsed, ok := parseStructured(raw); ok {
		return capCaptions(parsed)
	}
	return capCaptions(splitLines(raw))
}

// parseStructured reports ok when the raw text was a well-formed JSON
// array, even an empty one, so line splitting never runs on JSON.
func parseStructured(raw string) ([]string, bool) {
	var asStrings []string
	if err := json.Unmarshal([]byte(raw), &asStrings); err == nil {
		return cleanCaptions(asStrings), true
	}

	var asObjects []map[string]any
	if err := json.Unmarshal([]byte(raw), &asObjects); err != nil {
		return nil, false
	}
	out := make([]string, 0, len(asObjects))
	for _, obj := range asObjects {
		for _, field := range []string{"caption", "text", "content"} {
			if s, ok := obj[field].(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
				break
			}
		}
	}
	return out, true
}

func splitLines(raw string) []string {
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = trimListDecoration(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// trimListDecoration strips bullets, numbering, and wrapping quotes the
// model tends to prepend when it ignores the JSON instruction.
func trimListDecoration(line string) string {
	line = strings.TrimSpace(line)
	for _, prefix := range []string{"-", "*", "•"} {
		line = strings.TrimSpace(strings.TrimPrefix(line, prefix))
	}
	if idx := strings.IndexAny(line, ".)"); idx > 0 && idx <= 2 && isDigits(line[:idx]) {
		line = strings.TrimSpace(line[idx+1:])
	}
	line = strings.Trim(line, `"“”`)
	return strings.TrimSpace(line)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func stripCodeFence(raw string) string {
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	raw = strings.TrimPrefix(raw, "```")
	if idx := strings.IndexByte(raw, '\n'); idx >= 0 {
		raw = raw[idx+1:]
	}
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	return strings.TrimSpace(raw)
}

func cleanCaptions(captions []string) []string {
	out := make([]string, 0, len(captions))
	for _, c := range captions {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func capCaptions(captions []string) []string {
	captions = cleanCaptions(captions)
	if len(captions) > captionCount {
		captions = captions[:captionCount]
	}
	return captions
}

// padCaptions fills any remaining shortfall with the explicit
// placeholder so the three-caption contract always holds.
func padCaptions(captions []string) []string {
	for len(captions) < captionCount {
		captions = append(captions, placeholderCaption)
	}
	return captions
}

// similarOpenings reports whether two captions share most of their
// leading significant words. Used only for logging; similarity never
// blocks delivery.
func similarOpenings(a, b string) bool {
	wordsA := leadingWords(a, diversityPrefixWords)
	wordsB := leadingWords(b, diversityPrefixWords)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return false
	}
	n := min(len(wordsA), len(wordsB))
	overlap := 0
	for i := 0; i < n; i++ {
		if wordsA[i] == wordsB[i] {
			overlap++
		}
	}
	return overlap*2 > n
}

func leadingWords(s string, n int) []string {
	fields := strings.Fields(strings.ToLower(s))
	out := make([]string, 0, n)
	for _, f := range fields {
		f = strings.Trim(f, `.,!?"'“”`)
		if len(f) < 3 {
			continue
		}
		out = append(out, f)
		if len(out) == n {
			break
		}
	}
	return out
}
