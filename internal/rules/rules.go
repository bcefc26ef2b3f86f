// Package rules provides the stateless content evaluators used by the
// moderation engine: a severe-content matcher, a spam/heuristic detector,
// and a profanity matcher with redaction. All evaluators are pure functions
// over message text and safe for concurrent use.
package rules

import (
	"strings"
	"unicode"
)

// SevereResult is the outcome of a severe-content check.
type SevereResult struct {
	Found bool
	Term  string
}

// SpamResult is the outcome of a spam heuristic check.
type SpamResult struct {
	IsSpam bool
	Reason string
}

// ProfanityResult is the outcome of a profanity check. Redacted holds the
// input text with every matched term replaced by the mask token; callers
// decide whether to apply it.
type ProfanityResult struct {
	Found    bool
	Term     string
	Redacted string
}

// List is a set of blocked terms split into single words and multi-word
// phrases for word-boundary-aware matching.
type List struct {
	words   map[string]struct{}
	phrases [][]string
}

// NewList builds a List from terms. Terms containing whitespace are treated
// as phrases and matched as consecutive word sequences. Empty or
// whitespace-only terms are ignored.
func NewList(terms []string) *List {
	l := &List{words: make(map[string]struct{})}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.ContainsRune(term, ' ') {
			l.phrases = append(l.phrases, strings.Fields(term))
		} else {
			l.words[term] = struct{}{}
		}
	}
	return l
}

// leetMap translates common character substitutions back to letters so that
// "b@dw0rd" matches "badword". Only unambiguous substitutions are mapped.
var leetMap = map[rune]rune{
	'@': 'a',
	'0': 'o',
	'3': 'e',
	'1': 'i',
	'!': 'i',
	'$': 's',
}

// normalizeLeet lowercases s and replaces leet-speak substitutions.
func normalizeLeet(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if sub, ok := leetMap[r]; ok {
			b.WriteRune(sub)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// tokenizePlain splits text into lowercase words on any non-alphanumeric
// boundary. Punctuation never hides a match ("hello, badword!" still
// tokenizes to "badword").
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet splits text on whitespace only, preserving leet characters
// inside tokens so normalizeLeet can recover the intended word.
func tokenizeLeet(text string) []string {
	return strings.Fields(text)
}

// trimLeetToken strips leading/trailing punctuation from a leet token while
// keeping interior substitution characters.
func trimLeetToken(tok string) string {
	return strings.TrimFunc(tok, func(r rune) bool {
		if _, ok := leetMap[r]; ok {
			return false
		}
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Match reports the first term from the list found in text, using
// word-boundary matching on both the plain and leet-normalized token
// streams. Substrings never match ("mybadword" is clean).
func (l *List) Match(text string) (string, bool) {
	plain := tokenizePlain(text)

	// Single words: plain tokens first, then leet-normalized tokens.
	for _, tok := range plain {
		if _, ok := l.words[tok]; ok {
			return tok, true
		}
	}
	for _, tok := range tokenizeLeet(text) {
		norm := normalizeLeet(trimLeetToken(tok))
		if _, ok := l.words[norm]; ok {
			return norm, true
		}
	}

	// Phrases: consecutive word sequences in the plain token stream.
	for _, phrase := range l.phrases {
		if matchPhrase(plain, phrase) {
			return strings.Join(phrase, " "), true
		}
	}

	// Phrases with leet substitutions.
	var leetNorm []string
	for _, tok := range tokenizeLeet(text) {
		leetNorm = append(leetNorm, normalizeLeet(trimLeetToken(tok)))
	}
	for _, phrase := range l.phrases {
		if matchPhrase(leetNorm, phrase) {
			return strings.Join(phrase, " "), true
		}
	}

	return "", false
}

// matchPhrase reports whether phrase occurs as a consecutive subsequence
// of tokens.
func matchPhrase(tokens, phrase []string) bool {
	if len(phrase) == 0 || len(tokens) < len(phrase) {
		return false
	}
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, w := range phrase {
			if tokens[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// MatchSevere checks text against the high-severity term list. A match here
// takes priority over every other moderation category.
func MatchSevere(text string) SevereResult {
	term, ok := severeList.Match(text)
	return SevereResult{Found: ok, Term: term}
}

// MatchProfanity checks text against the general profanity list and computes
// a redacted copy with each matched term replaced by mask. The redaction is
// returned but not applied; policy decides whether to use it.
func MatchProfanity(text, mask string) ProfanityResult {
	return matchProfanityList(profanityList, text, mask)
}

func matchProfanityList(l *List, text, mask string) ProfanityResult {
	first, ok := l.Match(text)
	if !ok {
		return ProfanityResult{Redacted: text}
	}

	// Replace each matched word in place, preserving surrounding characters.
	var b strings.Builder
	b.Grow(len(text))
	rs := []rune(text)
	i := 0
	for i < len(rs) {
		r := rs[i]
		if !isWordRune(r) {
			b.WriteRune(r)
			i++
			continue
		}
		j := i
		for j < len(rs) && isWordRune(rs[j]) {
			j++
		}
		word := string(rs[i:j])
		lower := strings.ToLower(word)
		norm := normalizeLeet(lower)
		if _, hit := l.words[lower]; hit {
			b.WriteString(mask)
		} else if _, hit := l.words[norm]; hit {
			b.WriteString(mask)
		} else {
			b.WriteString(word)
		}
		i = j
	}

	return ProfanityResult{Found: true, Term: first, Redacted: b.String()}
}

// isWordRune reports whether r is part of a word for redaction purposes.
// Leet substitution characters count so "$h!t" is masked as one word.
func isWordRune(r rune) bool {
	if _, ok := leetMap[r]; ok {
		return true
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
