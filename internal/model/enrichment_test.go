package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnrichment() Enrichment {
	return Enrichment{
		Language:    "nl",
		Sentiment:   SentimentNeutral,
		Escalated:   false,
		ForwardedHR: false,
		Category:    CategoryLeaveVacation,
		Questions:   []string{"How many vacation days do I have left?"},
		Summary:     "Employee asked about remaining vacation days.",
	}
}

func TestEnrichmentValidate_OK(t *testing.T) {
	e := validEnrichment()
	require.NoError(t, e.Validate())

	e.Questions = []string{}
	require.NoError(t, e.Validate(), "empty questions array is valid")
}

func TestEnrichmentValidate_Language(t *testing.T) {
	for _, lang := range []string{"", "NL", "nld", "n", "e n"} {
		e := validEnrichment()
		e.Language = lang
		assert.Error(t, e.Validate(), "language %q", lang)
	}
}

func TestEnrichmentValidate_Sentiment(t *testing.T) {
	e := validEnrichment()
	e.Sentiment = "HAPPY"
	assert.Error(t, e.Validate())
}

func TestEnrichmentValidate_Category(t *testing.T) {
	e := validEnrichment()
	e.Category = "PAYROLL"
	assert.Error(t, e.Validate())

	for _, c := range Categories {
		e := validEnrichment()
		e.Category = c
		assert.NoError(t, e.Validate(), "category %s", c)
	}
}

func TestEnrichmentValidate_Questions(t *testing.T) {
	e := validEnrichment()
	e.Questions = nil
	err := e.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "questions must be an array")

	e = validEnrichment()
	e.Questions = []string{"q1", "q2", "q3", "q4", "q5", "q6"}
	assert.Error(t, e.Validate())
}

func TestEnrichmentValidate_SummaryBounds(t *testing.T) {
	e := validEnrichment()
	e.Summary = "too short"
	assert.Error(t, e.Validate())

	e.Summary = strings.Repeat("x", 301)
	assert.Error(t, e.Validate())

	e.Summary = strings.Repeat("x", 300)
	assert.NoError(t, e.Validate())

	e.Summary = strings.Repeat("x", 10)
	assert.NoError(t, e.Validate())
}

func TestCategoriesComplete(t *testing.T) {
	require.Len(t, Categories, 13)
	assert.Contains(t, Categories, CategorySocialQuestions)
	assert.Contains(t, Categories, CategoryUnrecognizedOther)
}
