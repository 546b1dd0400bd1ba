package speech

import (
	"regexp"
	"strings"
)

var spaceRun = regexp.MustCompile(`\s+`)

const wakeTrim = " ,.!?;:-\"'`~"

// WakeDetector gates transcripts on a leading wake phrase.
type WakeDetector struct {
	Phrases []string
	// WindowWords > 0 lets the phrase appear anywhere in the first
	// WindowWords words; 0 requires it at the start.
	WindowWords int
}

// NewWakeDetector lower-cases and drops empty phrases. It returns nil when
// none are left so a nil detector means "always respond".
func NewWakeDetector(phrases []string, windowWords int) *WakeDetector {
	var out []string
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(spaceRun.ReplaceAllString(p, " ")))
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return &WakeDetector{Phrases: out, WindowWords: windowWords}
}

func normalizeWord(tok string) string {
	return strings.Trim(strings.ToLower(tok), wakeTrim)
}

// Detect returns (matched, stripped). stripped is the text after the wake
// phrase, or "" when nothing followed it.
func (w *WakeDetector) Detect(text string) (bool, string) {
	s := strings.ToLower(strings.TrimSpace(spaceRun.ReplaceAllString(text, " ")))
	s = strings.TrimLeft(s, wakeTrim)
	if s == "" {
		return false, ""
	}
	words := strings.Fields(s)
	for _, wp := range w.Phrases {
		if s == wp {
			return true, ""
		}
		want := strings.Fields(wp)
		limit := len(want)
		if w.WindowWords > 0 {
			limit = w.WindowWords
			if limit < len(want) {
				limit = len(want)
			}
		}
		for i := 0; i+len(want) <= len(words) && i+len(want) <= limit; i++ {
			if !wordsMatch(words[i:i+len(want)], want) {
				continue
			}
			rest := strings.Trim(strings.Join(words[i+len(want):], " "), wakeTrim)
			return true, rest
		}
	}
	return false, ""
}

func wordsMatch(got, want []string) bool {
	for j := range want {
		if normalizeWord(got[j]) != normalizeWord(want[j]) {
			return false
		}
	}
	return true
}
