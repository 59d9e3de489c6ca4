// Package transcript screens completed user transcripts before they are
// surfaced or stored.
//
// Speech recognition on near-silent input tends to produce stock filler
// ("okay", "thank you", "hmm"). A [Filter] holds an ordered, data-driven list
// of case-insensitive regular expressions plus a minimum length and rejects
// transcripts that match. Rejected text is simply "no new information"; it is
// never reported to the user as an error.
package transcript

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMinLength is the shortest transcript (in runes, after trimming)
// that is accepted.
const DefaultMinLength = 5

// DefaultPatterns returns the built-in blocklist. Each pattern covers a whole
// utterance so that real answers which merely start with a filler word pass.
func DefaultPatterns() []string {
	return []string{
		`^(yeah|yes|okay|ok|alright|sure|maybe|i think|uh huh|right)[\s.,!?]*$`,
		`^(thank you|thanks|good question|no problem|that's (true|right))[\s.,!?]*$`,
		`^(hmm+|huh|oh|ah+|um+|uh+)[\s.,!?]*$`,
		`^thanks? (you )?for watching[\s.,!?]*$`,
	}
}

// Rule is one compiled blocklist entry.
type Rule struct {
	// Source is the pattern as configured, for logging.
	Source string

	re *regexp.Regexp
}

// Verdict explains why a transcript was rejected. The zero value means the
// transcript was accepted.
type Verdict struct {
	// Rejected is true when the transcript must be dropped.
	Rejected bool

	// Reason is "empty", "too_short" or "pattern".
	Reason string

	// Rule is the matching pattern when Reason is "pattern".
	Rule string
}

// Filter evaluates transcripts against its rules. It is immutable after
// construction and safe for concurrent use.
type Filter struct {
	rules     []Rule
	minLength int
}

// New compiles patterns (case-insensitive, evaluated in order) into a Filter.
// A minLength of zero disables the length check.
func New(patterns []string, minLength int) (*Filter, error) {
	f := &Filter{minLength: minLength}
	for i, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("transcript: pattern %d %q: %w", i, p, err)
		}
		f.rules = append(f.rules, Rule{Source: p, re: re})
	}
	return f, nil
}

// Default returns a Filter with [DefaultPatterns] and [DefaultMinLength].
func Default() *Filter {
	f, err := New(DefaultPatterns(), DefaultMinLength)
	if err != nil {
		panic(err) // built-in patterns always compile
	}
	return f
}

// Rules returns the configured rules in evaluation order.
func (f *Filter) Rules() []Rule { return f.rules }

// Check evaluates text once and reports whether it must be dropped.
func (f *Filter) Check(text string) Verdict {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return Verdict{Rejected: true, Reason: "empty"}
	}
	if f.minLength > 0 && utf8.RuneCountInString(clean) < f.minLength {
		return Verdict{Rejected: true, Reason: "too_short"}
	}
	for _, r := range f.rules {
		if r.re.MatchString(clean) {
			return Verdict{Rejected: true, Reason: "pattern", Rule: r.Source}
		}
	}
	return Verdict{}
}

// Allow is shorthand for !Check(text).Rejected.
func (f *Filter) Allow(text string) bool { return !f.Check(text).Rejected }
