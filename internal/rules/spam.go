package rules

import (
	"regexp"
	"strings"
	"unicode"
)

// urlPattern matches http/https URLs, www. URLs, and bare domains with a
// common TLD. The bare-domain variant requires a path separator to avoid
// false positives on version strings like "v2.0" or decimals like "3.14".
var urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

// spamCheck pairs a detection function with the reason reported on a match.
type spamCheck struct {
	name   string
	reason string
	match  func(string) bool
}

// spamChecks is the ordered list applied by MatchSpam. The first match wins.
var spamChecks = []spamCheck{
	{name: "word_flood", reason: "repeated word flooding", match: hasWordFlood},
	{name: "url_flood", reason: "too many links", match: hasURLFlood},
	{name: "char_flood", reason: "character flooding", match: hasCharFlood},
	{name: "caps", reason: "excessive capitalization", match: hasExcessiveCaps},
}

// MatchSpam runs every spam heuristic against text and returns the first
// match. A zero-value SpamResult means the text is clean.
func MatchSpam(text string) SpamResult {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return SpamResult{IsSpam: true, Reason: sc.reason}
		}
	}
	return SpamResult{}
}

// hasWordFlood returns true if the same token appears 5 or more times
// consecutively (case-insensitive). Go's regexp package (RE2) does not
// support backreferences, so this is a simple token scan.
func hasWordFlood(text string) bool {
	const threshold = 5

	words := strings.Fields(text)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

// hasURLFlood returns true if text contains 3 or more URL-like substrings.
func hasURLFlood(text string) bool {
	const threshold = 3
	return len(urlPattern.FindAllStringIndex(text, threshold)) >= threshold
}

// hasCharFlood returns true if text contains 11 or more consecutive
// identical characters.
func hasCharFlood(text string) bool {
	const threshold = 11

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasExcessiveCaps returns true for text longer than 20 characters whose
// uppercase ratio (over cased letters only) exceeds 0.8. Short messages are
// exempt so "OK!" and "LOL" pass through.
func hasExcessiveCaps(text string) bool {
	const (
		minLength = 20
		maxRatio  = 0.8
	)

	if len([]rune(text)) <= minLength {
		return false
	}

	var upper, cased int
	for _, r := range text {
		switch {
		case unicode.IsUpper(r):
			upper++
			cased++
		case unicode.IsLower(r):
			cased++
		}
	}
	if cased == 0 {
		return false
	}
	return float64(upper)/float64(cased) > maxRatio
}
