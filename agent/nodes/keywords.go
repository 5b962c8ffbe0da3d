package nodes

import (
	"regexp"
	"strings"
)

// keywordMatcher matches phrases case-insensitively on word boundaries.
type keywordMatcher struct {
	words    []string
	patterns []*regexp.Regexp
}

func newKeywordMatcher(words ...string) keywordMatcher {
	m := keywordMatcher{
		words:    make([]string, 0, len(words)),
		patterns: make([]*regexp.Regexp, 0, len(words)),
	}
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		m.words = append(m.words, w)
		m.patterns = append(m.patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(w)+`\b`))
	}
	return m
}

// Matches returns the matched phrases in declaration order.
func (m keywordMatcher) Matches(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var out []string
	for i, re := range m.patterns {
		if re.MatchString(text) {
			out = append(out, m.words[i])
		}
	}
	return out
}

func (m keywordMatcher) Any(text string) bool {
	for _, re := range m.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
