package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychesim/dynamics/internal/analysis"
	"github.com/psychesim/dynamics/internal/models"
)

// calm is a state that triggers no rule
var calm = models.StateVector{
	Conflict: 0.1, Engagement: 0.8, Diversity: 0.9, Repetition: 0.1,
	EmotionalIntensity: 0.2, Stagnation: 1 - 0.8*0.9,
}

func newTestAdapter(t *testing.T, config *Config) *Adapter {
	t.Helper()
	a, err := NewAdapter(config)
	require.NoError(t, err)
	return a
}

func TestAdaptNoMatchReturnsBase(t *testing.T) {
	a := newTestAdapter(t, nil)
	assert.Equal(t, "You are the Shadow.", a.Adapt("You are the Shadow.", "Shadow", calm))
	assert.Empty(t, a.History("Shadow"))
}

func TestAdaptRepetitionGuidance(t *testing.T) {
	a := newTestAdapter(t, nil)
	state := calm
	state.Repetition = 0.9

	out := a.Adapt("base", "Ego", state)
	assert.True(t, strings.HasPrefix(out, "base"+GuidanceHeader))
	assert.Contains(t, out, "Introduce new perspectives and break familiar patterns")
	assert.NotContains(t, out, "common ground")

	records := a.History("Ego")
	require.Len(t, records, 1)
	assert.Equal(t, []string{"repetitive"}, records[0].TriggeredRules)
	assert.Equal(t, state, records[0].State)
}

func TestRepeatedTerseRoundsTriggerRepetitionGuidance(t *testing.T) {
	analyzer, err := analysis.NewAnalyzer(nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		analyzer.RecordRound(map[string]string{"Shadow": "no", "Ego": "no"})
	}
	state := analyzer.Analyze()
	assert.Less(t, state.Engagement, 0.3)
	assert.InDelta(t, 1.0, state.Repetition, 1e-9)

	a := newTestAdapter(t, nil)
	out := a.Adapt("base", "Ego", state)
	assert.Contains(t, out, "Introduce new perspectives and break familiar patterns")

	records := a.History("Ego")
	require.Len(t, records, 1)
	assert.Contains(t, records[0].TriggeredRules, "repetitive")
}

func TestAdaptIsBuiltFromBase(t *testing.T) {
	a := newTestAdapter(t, nil)
	state := models.StateVector{Conflict: 0.9, Engagement: 0.1, Stagnation: 0.95}

	first := a.Adapt("base", "Self", state)
	second := a.Adapt("base", "Self", state)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, strings.Count(second, GuidanceHeader))
	assert.Len(t, a.History("Self"), 2)
}

func TestAdaptListsRulesInTableOrder(t *testing.T) {
	a := newTestAdapter(t, nil)
	state := models.StateVector{Conflict: 0.9, Engagement: 0.1, Repetition: 0.9, EmotionalIntensity: 0.95, Stagnation: 0.99}

	out := a.Adapt("", "Anima", state)
	lines := strings.Split(strings.TrimPrefix(out, GuidanceHeader), "\n")
	require.Len(t, lines, 5)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "- "))
	}
	assert.Contains(t, lines[0], "common ground")
	assert.Contains(t, lines[4], "strong emotions")
}

func TestThresholdOverride(t *testing.T) {
	config := DefaultConfig()
	config.Thresholds["repetitive"] = 0.95
	a := newTestAdapter(t, config)

	state := calm
	state.Repetition = 0.9
	assert.Empty(t, a.Evaluate(state))
}

func TestExtraRules(t *testing.T) {
	config := DefaultConfig()
	config.ExtraRules = []Rule{{
		Name: "low_diversity", Metric: models.MetricDiversity, Comparator: Below, Threshold: 0.2,
		Guidance: "Use words you have not used yet.",
	}}
	a := newTestAdapter(t, config)

	state := calm
	state.Diversity = 0.1
	matched := a.Evaluate(state)
	require.Len(t, matched, 1)
	assert.Equal(t, "low_diversity", matched[0].Name)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown rule", func(c *Config) { c.Thresholds["nope"] = 0.5 }},
		{"threshold above one", func(c *Config) { c.Thresholds["stagnant"] = 1.5 }},
		{"bad metric", func(c *Config) {
			c.ExtraRules = []Rule{{Name: "x", Metric: "mood", Comparator: Above, Threshold: 0.5}}
		}},
		{"bad comparator", func(c *Config) {
			c.ExtraRules = []Rule{{Name: "x", Metric: models.MetricConflict, Comparator: ">=", Threshold: 0.5}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			_, err := NewAdapter(config)
			var cfgErr *models.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestSuggestIntervention(t *testing.T) {
	a := newTestAdapter(t, nil)

	_, ok := a.SuggestIntervention(calm)
	assert.False(t, ok)

	msg, ok := a.SuggestIntervention(models.StateVector{Conflict: 0.85, Stagnation: 0.75})
	require.True(t, ok)
	assert.Equal(t,
		"Consider introducing a mediating perspective or finding common ground; Try introducing a new question or shifting the focus",
		msg)
}

func TestHistoryPruneAndReset(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	a, err := NewAdapter(nil, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	a.RecordAdaptation("Ego", nil, calm)
	clock = base.Add(time.Minute)
	a.RecordAdaptation("Shadow", nil, calm)
	clock = base.Add(2 * time.Minute)
	a.RecordAdaptation("Ego", nil, calm)

	all := a.AllHistory()
	require.Len(t, all, 3)
	assert.Equal(t, "Shadow", all[1].AgentID)

	last, ok := a.LastAdaptation("Ego")
	require.True(t, ok)
	assert.Equal(t, base.Add(2*time.Minute), last.Timestamp)

	assert.Equal(t, 2, a.Prune(base.Add(90*time.Second)))
	assert.Len(t, a.AllHistory(), 1)
	assert.Empty(t, a.History("Shadow"))

	a.Reset()
	assert.Empty(t, a.AllHistory())
	_, ok = a.LastAdaptation("Ego")
	assert.False(t, ok)
}
