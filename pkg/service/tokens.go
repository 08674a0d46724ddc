package service

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/choraleia/inkos/pkg/db"
)

const (
	defaultContextWindow = 4096
	keywordMinRunes      = 5
)

// EstimateTokens approximates a token count as the larger of chars/4 and
// words*1.1, never less than one.
func EstimateTokens(text string) int64 {
	chars := int64(utf8.RuneCountInString(text))
	words := int64(len(strings.Fields(text)))
	byChars := (chars + 3) / 4
	byWords := (words*11 + 9) / 10
	return max(byChars, byWords, 1)
}

// ContextWindowFor resolves the token budget of a provider/model pair from
// ctx-N / ctx-Nk capability tags, then the model name, then a default.
func ContextWindowFor(capabilityTags []string, model string) int64 {
	for _, tag := range capabilityTags {
		if n, ok := parseContextTag(tag); ok {
			return n
		}
	}
	if strings.Contains(strings.ToLower(model), "32k") {
		return 32000
	}
	return defaultContextWindow
}

func parseContextTag(tag string) (int64, bool) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	rest, ok := strings.CutPrefix(tag, "ctx-")
	if !ok || rest == "" {
		return 0, false
	}
	mult := int64(1)
	if digits, found := strings.CutSuffix(rest, "k"); found {
		rest, mult = digits, 1000
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n * mult, true
}

// thresholdOf floors window*ratio.
func thresholdOf(window int64, ratio float64) int64 {
	return int64(float64(window) * ratio)
}

// extractKeywords returns the distinct lowercase words of text longer than
// four characters after trimming punctuation.
func extractKeywords(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, field := range strings.Fields(text) {
		word := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if utf8.RuneCountInString(word) < keywordMinRunes {
			continue
		}
		word = strings.ToLower(word)
		if _, ok := seen[word]; ok {
			continue
		}
		seen[word] = struct{}{}
		out = append(out, word)
	}
	return out
}

// selectExcerpts picks the last tail messages of history plus, when pending
// is given, earlier messages sharing a keyword with it. Keyword matches come
// first in chronological order, followed by the tail.
func selectExcerpts(history []db.Message, pending *db.Message, tail int) []string {
	start := max(len(history)-tail, 0)

	var excerpts []string
	if pending != nil {
		keywords := extractKeywords(pending.Body)
		if len(keywords) > 0 {
			for _, m := range history[:start] {
				if containsAny(strings.ToLower(m.Body), keywords) {
					excerpts = append(excerpts, formatExcerpt(m))
				}
			}
		}
	}
	for _, m := range history[start:] {
		excerpts = append(excerpts, formatExcerpt(m))
	}
	return excerpts
}

func containsAny(body string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(body, k) {
			return true
		}
	}
	return false
}

func formatExcerpt(m db.Message) string {
	return m.Role + ": " + m.Body
}

func plural(n int64) string {
	if n == 1 {
		return ""
	}
	return "s"
}
