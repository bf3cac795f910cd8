package generation

import (
	"strings"

	"github.com/intelligencedev/localforge/internal/config"
)

// insideExecBlock reports whether text currently has an open exec tag
// with no matching close tag yet, i.e. the decode loop is in the
// middle of emitting a tool call and stop-token detection must be
// suppressed so the call body can contain arbitrary text.
func insideExecBlock(text string, tags config.ToolTags) bool {
	openIdx := strings.LastIndex(text, tags.ExecOpen)
	if openIdx < 0 {
		return false
	}
	return !strings.Contains(text[openIdx:], tags.ExecClose)
}

// matchStopToken checks text for a full or partial-suffix match against
// any configured stop token. A full match anywhere in text fires
// immediately, truncating at the match's start. Failing that, a
// trailing partial match of at least 3 characters against a stop
// token's prefix also fires, truncating the partial off the end.
// "</s>" is excluded from partial matching: too short and ambiguous a
// prefix to guess at mid-generation.
func matchStopToken(text string, stopTokens []string) (stopped bool, truncated string) {
	bestIdx := -1
	for _, st := range stopTokens {
		if st == "" {
			continue
		}
		if idx := strings.Index(text, st); idx >= 0 && (bestIdx == -1 || idx < bestIdx) {
			bestIdx = idx
		}
	}
	if bestIdx >= 0 {
		return true, text[:bestIdx]
	}

	for _, st := range stopTokens {
		if st == "</s>" || len(st) < 3 {
			continue
		}
		maxLen := len(st) - 1
		if maxLen > len(text) {
			maxLen = len(text)
		}
		for l := maxLen; l >= 3; l-- {
			if strings.HasSuffix(text, st[:l]) {
				return true, text[:len(text)-l]
			}
		}
	}
	return false, text
}

// findExecBlock looks for the first complete exec-open/exec-close pair
// in text and returns the body between them.
func findExecBlock(text string, tags config.ToolTags) (body string, found bool) {
	openIdx := strings.Index(text, tags.ExecOpen)
	if openIdx < 0 {
		return "", false
	}
	bodyStart := openIdx + len(tags.ExecOpen)
	closeIdx := strings.Index(text[bodyStart:], tags.ExecClose)
	if closeIdx < 0 {
		return "", false
	}
	return text[bodyStart : bodyStart+closeIdx], true
}
