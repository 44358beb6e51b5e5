package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch_SubstringOfLongerTitle(t *testing.T) {
	m := Match(Target{Name: "Dolphin ICT"}, []Candidate{{Title: "Dolphin ICT Ltd"}})
	require.NotNil(t, m)
	assert.Equal(t, 1, m.Rank)
	assert.Equal(t, RuleNameSubstring, m.Rule)
}

func TestMatch_NoMatch(t *testing.T) {
	assert.Nil(t, Match(Target{Name: "Acme"}, []Candidate{{Title: "Unrelated Co"}}))
	assert.Nil(t, Match(Target{Name: "Acme"}, nil))
}

func TestMatch_TokenOverlap(t *testing.T) {
	m := Match(Target{Name: "Dolphin Computers"}, []Candidate{
		{Title: "Harbour Plumbing"},
		{Title: "Dolphin ICT Ltd"},
	})
	require.NotNil(t, m)
	assert.Equal(t, 2, m.Rank)
	assert.Equal(t, RuleTokenOverlap, m.Rule)
	assert.Equal(t, "Dolphin ICT Ltd", m.Candidate.Title)
}

func TestMatch_ShortTokensIgnored(t *testing.T) {
	// "of" and "AB" are too short to count as overlapping words.
	assert.Nil(t, Match(Target{Name: "Bank of AB"}, []Candidate{{Title: "House of AB Shoes"}}))
}

func TestMatch_TokenContainment(t *testing.T) {
	m := Match(Target{Name: "Plumbers Direct"}, []Candidate{{Title: "City Plumber Co"}})
	require.NotNil(t, m)
	assert.Equal(t, RuleTokenOverlap, m.Rule)
}

func TestMatch_Domain(t *testing.T) {
	m := Match(
		Target{Name: "Northside Dental", Domain: "https://www.northsidesmiles.co.uk/contact"},
		[]Candidate{
			{Title: "Smile Clinic", Domain: "smileclinic.com"},
			{Title: "Bright Teeth", Domain: "northsidesmiles.co.uk"},
		},
	)
	require.NotNil(t, m)
	assert.Equal(t, 2, m.Rank)
	assert.Equal(t, RuleDomain, m.Rule)
}

func TestMatch_DomainIgnoredWhenUnknown(t *testing.T) {
	assert.Nil(t, Match(Target{Name: "Zephyr"}, []Candidate{{Title: "Other", Domain: "zephyr.com"}}))
	assert.Nil(t, Match(Target{Name: "Zephyr", Domain: "zephyr.com"}, []Candidate{{Title: "Other"}}))
}

func TestMatch_ProviderRankPreferred(t *testing.T) {
	m := Match(Target{Name: "Acme"}, []Candidate{
		{Title: "Other", Rank: 4},
		{Title: "Acme Widgets", Rank: 5},
	})
	require.NotNil(t, m)
	assert.Equal(t, 5, m.Rank)
}

func TestMatch_FirstMatchWins(t *testing.T) {
	m := Match(Target{Name: "Acme"}, []Candidate{
		{Title: "Acme North"},
		{Title: "Acme"},
	})
	require.NotNil(t, m)
	assert.Equal(t, 1, m.Rank)
	assert.Equal(t, "Acme North", m.Candidate.Title)
}

func TestMatch_EmptyTitleDoesNotMatch(t *testing.T) {
	assert.Nil(t, Match(Target{Name: "Acme"}, []Candidate{{Title: "   "}}))
	assert.Nil(t, Match(Target{Name: ""}, []Candidate{{Title: "Acme"}}))
}

func TestMatch_CaseAndDiacritics(t *testing.T) {
	m := Match(Target{Name: "  CAFÉ Núñez "}, []Candidate{{Title: "cafe nunez"}})
	require.NotNil(t, m)
	assert.Equal(t, RuleNameSubstring, m.Rule)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "dolphin ict ltd", Normalize("  Dolphin   ICT\tLtd "))
	assert.Equal(t, "creme brulee", Normalize("Crème Brûlée"))
}

func TestTokens(t *testing.T) {
	assert.Equal(t, []string{"dolphin", "ict", "ltd"}, Tokens("dolphin, ict ltd."))
	assert.Empty(t, Tokens("a an of"))
}

func TestNormalizeDomain(t *testing.T) {
	tests := map[string]string{
		"":                              "",
		"example.com":                   "example.com",
		"WWW.Example.com":               "example.com",
		"https://www.example.com/about": "example.com",
		"http://shop.example.com:8080":  "shop.example.com",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeDomain(in), in)
	}
}

func TestMatch_ResultCarriesCandidate(t *testing.T) {
	c := Candidate{Title: "Acme Plumbing", Domain: "acme.example", Rank: 4}
	var r *Result = Match(Target{Name: "Acme Plumbing"}, []Candidate{c})
	require.NotNil(t, r)
	assert.Equal(t, c, r.Candidate)
	assert.Equal(t, 4, r.Rank)
	assert.Equal(t, RuleNameSubstring, r.Rule)
}
