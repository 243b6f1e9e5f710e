// Package moderation screens outbound chat messages for spam before they are
// sent, enforcing the "no spam or self-promotion" house rule on the client.
package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// Check names, usable with NewGuard to disable a check.
const (
	CheckURL       = "url"
	CheckPhone     = "phone"
	CheckCharFlood = "char_flood"
	CheckWordFlood = "word_flood"
)

// Compiled regex patterns for spam detection, safe for concurrent use.
var (
	// urlPattern matches http/https URLs, www. URLs, and common TLD patterns.
	// The bare-domain variant requires a trailing "/" to avoid false positives
	// on version strings like "v2.0" or section numbers like "3.14".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches formats such as +1-555-123-4567, (555) 123-4567
	// and 555.123.4567. Anchored to whitespace/string boundaries so statute
	// or case numbers embedded in words do not match.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// Result is the outcome of screening one message.
type Result struct {
	Blocked bool
	Term    string // name of the check that matched
	Reason  string // human-readable explanation
}

// spamCheck pairs a detection function with metadata used for reporting.
type spamCheck struct {
	name   string
	reason string
	match  func(string) bool
}

// spamChecks is the ordered list of checks. The first match wins.
var spamChecks = []spamCheck{
	{name: CheckURL, reason: "links are not allowed", match: func(text string) bool {
		return urlPattern.MatchString(text)
	}},
	{name: CheckPhone, reason: "phone numbers are not allowed", match: func(text string) bool {
		return phonePattern.MatchString(text)
	}},
	{name: CheckCharFlood, reason: "character flooding detected", match: hasCharFlood},
	{name: CheckWordFlood, reason: "repeated word flooding detected", match: hasWordFlood},
}

// Guard screens messages with a fixed set of checks.
type Guard struct {
	checks []spamCheck
}

// NewGuard returns a Guard running every check except the disabled ones.
func NewGuard(disabled ...string) *Guard {
	off := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		off[strings.TrimSpace(name)] = true
	}
	g := &Guard{}
	for _, sc := range spamChecks {
		if !off[sc.name] {
			g.checks = append(g.checks, sc)
		}
	}
	return g
}

// Check screens text. A nil Guard blocks nothing.
func (g *Guard) Check(text string) Result {
	if g == nil {
		return Result{}
	}
	for _, sc := range g.checks {
		if sc.match(text) {
			return Result{Blocked: true, Term: sc.name, Reason: sc.reason}
		}
	}
	return Result{}
}

// hasCharFlood returns true if text contains 5 or more consecutive identical
// characters. RE2 has no backreferences, so this is a linear scan.
func hasCharFlood(text string) bool {
	const threshold = 5

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

// hasWordFlood returns true if the same word appears 3 or more times
// consecutively (case-insensitive). Words are delimited by whitespace.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, unicode.IsSpace)
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
