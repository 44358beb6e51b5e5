// Package matcher decides whether a provider listing is the target business.
//
// Matching is permissive. A match is a best-effort signal, not identity
// resolution.
package matcher

import (
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// minTokenLen is the length a word must exceed to take part in token overlap.
const minTokenLen = 2

// Rule names the policy step that produced a match.
type Rule string

const (
	// RuleNameSubstring means one normalized name contains the other.
	RuleNameSubstring Rule = "name_substring"
	// RuleTokenOverlap means a significant word is shared between names.
	RuleTokenOverlap Rule = "token_overlap"
	// RuleDomain means the listing's website matches the target domain.
	RuleDomain Rule = "domain"
)

// Target identifies the business being tracked.
type Target struct {
	Name   string `json:"name"`
	Domain string `json:"domain,omitempty"`
}

// Candidate is one ranked listing returned by a provider.
type Candidate struct {
	Title  string `json:"title"`
	Domain string `json:"domain,omitempty"`
	// Rank is the provider's absolute rank, or 0 when the provider does not
	// supply one.
	Rank int `json:"rank,omitempty"`
}

// Result is a candidate accepted as the target business.
type Result struct {
	Candidate Candidate `json:"candidate"`
	Rank      int       `json:"rank"`
	Rule      Rule      `json:"rule"`
}

// Match scans candidates in provider order and returns the first one that
// matches target, or nil when none does.
func Match(target Target, candidates []Candidate) *Result {
	name := Normalize(target.Name)
	nameTokens := Tokens(name)
	domain := NormalizeDomain(target.Domain)

	for i, c := range candidates {
		rule, ok := matchOne(name, nameTokens, domain, c)
		if !ok {
			continue
		}
		rank := c.Rank
		if rank <= 0 {
			rank = i + 1
		}
		return &Result{Candidate: c, Rank: rank, Rule: rule}
	}
	return nil
}

func matchOne(name string, nameTokens []string, domain string, c Candidate) (Rule, bool) {
	title := Normalize(c.Title)
	if name != "" && title != "" {
		if strings.Contains(name, title) || strings.Contains(title, name) {
			return RuleNameSubstring, true
		}
		if tokensOverlap(nameTokens, Tokens(title)) {
			return RuleTokenOverlap, true
		}
	}
	if domain != "" {
		if cd := NormalizeDomain(c.Domain); cd != "" {
			if strings.Contains(domain, cd) || strings.Contains(cd, domain) {
				return RuleDomain, true
			}
		}
	}
	return "", false
}

func tokensOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.Contains(x, y) || strings.Contains(y, x) {
				return true
			}
		}
	}
	return false
}

// Normalize case-folds s, strips diacritics and collapses whitespace.
func Normalize(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return strings.Join(strings.Fields(cases.Fold().String(stripped)), " ")
}

// Tokens splits a normalized string into words longer than two characters,
// ignoring surrounding punctuation.
func Tokens(s string) []string {
	var out []string
	for _, w := range strings.Fields(s) {
		w = strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len([]rune(w)) > minTokenLen {
			out = append(out, w)
		}
	}
	return out
}

// NormalizeDomain reduces a URL or host to a bare lowercase host without a
// leading "www.". Returns "" for empty input.
func NormalizeDomain(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
