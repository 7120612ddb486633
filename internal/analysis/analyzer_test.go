package analysis

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychesim/dynamics/internal/models"
)

func newTestAnalyzer(t *testing.T, window int) *Analyzer {
	t.Helper()
	config := DefaultConfig()
	config.HistoryWindow = window
	a, err := NewAnalyzer(config)
	require.NoError(t, err)
	return a
}

func assertBounded(t *testing.T, s models.StateVector) {
	t.Helper()
	for name, v := range s.Map() {
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 1.0, name)
	}
	assert.Equal(t, 1.0-float64(s.Engagement*s.Diversity), s.Stagnation)
}

func TestAnalyzeEmptyWindow(t *testing.T) {
	a := newTestAnalyzer(t, 20)
	s := a.Analyze()

	assert.Equal(t, 0.0, s.Conflict)
	assert.Equal(t, 0.5, s.Engagement)
	assert.Equal(t, 1.0, s.Diversity)
	assert.Equal(t, 0.0, s.Repetition)
	assert.Equal(t, 0.0, s.EmotionalIntensity)
	assert.Equal(t, 0.5, s.Stagnation)
	assertBounded(t, s)
}

func TestShortWindowDefaults(t *testing.T) {
	a := newTestAnalyzer(t, 20)
	a.RecordRound(map[string]string{"Shadow": "I reject this", "Ego": "I reject that too"})
	a.RecordRound(map[string]string{"Shadow": "I reject this", "Ego": "I reject that too"})

	s := a.Analyze()
	assert.Equal(t, 1.0, s.Diversity)
	assert.Equal(t, 0.0, s.Repetition)
	assert.Greater(t, s.Conflict, 0.0)
	assertBounded(t, s)
}

func TestRecordRoundIgnoresEmpty(t *testing.T) {
	a := newTestAnalyzer(t, 20)
	a.RecordRound(nil)
	a.RecordRound(map[string]string{})
	assert.Equal(t, 0, a.Len())
}

func TestWindowEvictsOldest(t *testing.T) {
	a := newTestAnalyzer(t, 3)
	for i := 0; i < 5; i++ {
		a.RecordRound(map[string]string{"Ego": fmt.Sprintf("round %d", i)})
	}

	rounds := a.Rounds()
	require.Len(t, rounds, 3)
	assert.Equal(t, "round 2", rounds[0].Outputs["Ego"])
	assert.Equal(t, "round 4", rounds[2].Outputs["Ego"])
}

func TestRecordedRoundIsCopied(t *testing.T) {
	a := newTestAnalyzer(t, 5)
	outputs := map[string]string{"Ego": "first"}
	a.RecordRound(outputs)
	outputs["Ego"] = "mutated"

	assert.Equal(t, "first", a.Rounds()[0].Outputs["Ego"])
}

func TestRepetitiveShortUtterances(t *testing.T) {
	a := newTestAnalyzer(t, 20)

	var prevEngagement float64 = 1
	for i := 0; i < 5; i++ {
		a.RecordRound(map[string]string{"Shadow": "ok", "Persona": "ok"})
		s := a.Analyze()
		assertBounded(t, s)
		assert.LessOrEqual(t, s.Engagement, prevEngagement)
		prevEngagement = s.Engagement
	}

	s := a.Analyze()
	assert.InDelta(t, 1.0/150.0, s.Engagement, 1e-9)
	assert.Equal(t, 1.0, s.Repetition)
	assert.InDelta(t, 0.1, s.Diversity, 1e-9)
	assert.Greater(t, s.Stagnation, 0.99)
}

func TestEngagementSaturates(t *testing.T) {
	a := newTestAnalyzer(t, 20)
	long := strings.Repeat("word ", 400)
	a.RecordRound(map[string]string{"Self": long})

	assert.Equal(t, 1.0, a.Analyze().Engagement)
}

func TestDiversityUsesLastFiveRounds(t *testing.T) {
	a := newTestAnalyzer(t, 20)
	for i := 0; i < 10; i++ {
		a.RecordRound(map[string]string{"Ego": "alpha beta"})
	}
	// only the last five rounds are considered: 2 unique words / 10 total
	assert.InDelta(t, 0.2, a.Analyze().Diversity, 1e-9)
}

func TestRepetitionIgnoresAgentsMissingFromPreviousRound(t *testing.T) {
	a := newTestAnalyzer(t, 20)
	a.RecordRound(map[string]string{"Ego": "one two"})
	a.RecordRound(map[string]string{"Self": "three four"})
	a.RecordRound(map[string]string{"Anima": "five six"})

	assert.Equal(t, 0.0, a.Analyze().Repetition)
}

func TestRepetitionPartialOverlap(t *testing.T) {
	a := newTestAnalyzer(t, 20)
	a.RecordRound(map[string]string{"Ego": "a b"})
	a.RecordRound(map[string]string{"Ego": "a c"})
	a.RecordRound(map[string]string{"Ego": "a c"})

	// (1/3 + 1) / 2
	assert.InDelta(t, 2.0/3.0, a.Analyze().Repetition, 1e-9)
}

func TestConflictMarkersAndDivergence(t *testing.T) {
	a := newTestAnalyzer(t, 20)
	a.RecordRound(map[string]string{"Shadow": "I FIGHT you", "Persona": "we agree"})
	a.RecordRound(map[string]string{"Shadow": "this is wonderful", "Persona": "this is terrible"})

	s := a.Analyze()
	// 1 of 4 utterances carries a marker; divergence is the variance of the two latest sentiments
	half := (Sentiment("this is wonderful") - Sentiment("this is terrible")) / 2
	assert.InDelta(t, 0.25*0.7+half*half*0.3, s.Conflict, 1e-9)
	assertBounded(t, s)
}

func TestEmotionalIntensity(t *testing.T) {
	a := newTestAnalyzer(t, 20)
	a.RecordRound(map[string]string{"Shadow": "terrible", "Ego": "the table"})

	assert.InDelta(t, -Sentiment("terrible")/2, a.Analyze().EmotionalIntensity, 1e-9)
	assert.Equal(t, 0.0, Sentiment("the table"))
}

func TestReset(t *testing.T) {
	a := newTestAnalyzer(t, 20)
	a.RecordRound(map[string]string{"Ego": "hello"})
	a.Reset()
	assert.Equal(t, 0, a.Len())
}

func TestNewAnalyzerRejectsBadWindow(t *testing.T) {
	config := DefaultConfig()
	config.HistoryWindow = 0
	_, err := NewAnalyzer(config)

	var cfgErr *models.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestBoundsOnMixedInput(t *testing.T) {
	a := newTestAnalyzer(t, 4)
	texts := []string{
		"", "!!!", "I am not happy at all, I reject everything and fight",
		"wonderful beautiful great love", strings.Repeat("tension ", 300),
	}
	for i := 0; i < 12; i++ {
		a.RecordRound(map[string]string{
			"Shadow":  texts[i%len(texts)],
			"Persona": texts[(i+2)%len(texts)],
			"Self":    texts[(i+3)%len(texts)],
		})
		assertBounded(t, a.Analyze())
	}
}
