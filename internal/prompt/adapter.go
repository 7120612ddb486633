// Package prompt rewrites each agent's next prompt from the conversation state.
//
// Rules are plain data: an ordered list of (metric, comparator, threshold, guidance)
// records evaluated against a StateVector. Operators extend behaviour by adding
// rules, not by touching control flow.
package prompt

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/psychesim/dynamics/internal/logging"
	"github.com/psychesim/dynamics/internal/models"
)

// GuidanceHeader introduces the appended guidance section
const GuidanceHeader = "\n\nAdditional guidance for this response:\n"

// Comparator compares a metric against a threshold
type Comparator string

const (
	Above Comparator = ">"
	Below Comparator = "<"
)

// Rule maps a state condition to guidance text
type Rule struct {
	Name       string        `json:"name" yaml:"name"`
	Metric     models.Metric `json:"metric" yaml:"metric"`
	Comparator Comparator    `json:"comparator" yaml:"comparator"`
	Threshold  float64       `json:"threshold" yaml:"threshold"`
	Guidance   string        `json:"guidance" yaml:"guidance"`
}

// Matches reports whether the rule fires for state
func (r Rule) Matches(state models.StateVector) bool {
	v, ok := state.Value(r.Metric)
	if !ok {
		return false
	}
	switch r.Comparator {
	case Above:
		return v > r.Threshold
	case Below:
		return v < r.Threshold
	}
	return false
}

// DefaultRules is the adaptation table applied to every agent prompt
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "high_conflict", Metric: models.MetricConflict, Comparator: Above, Threshold: 0.7,
			Guidance: "Focus on finding common ground and integration. Seek to understand rather than oppose.",
		},
		{
			Name: "low_engagement", Metric: models.MetricEngagement, Comparator: Below, Threshold: 0.3,
			Guidance: "Challenge the current perspective more directly. Bring fresh energy and new angles.",
		},
		{
			Name: "repetitive", Metric: models.MetricRepetition, Comparator: Above, Threshold: 0.6,
			Guidance: "Introduce new perspectives and break familiar patterns. Explore unexplored territories.",
		},
		{
			Name: "stagnant", Metric: models.MetricStagnation, Comparator: Above, Threshold: 0.5,
			Guidance: "Take a different approach. What hasn't been said? What new direction could open up?",
		},
		{
			Name: "highly_emotional", Metric: models.MetricEmotionalIntensity, Comparator: Above, Threshold: 0.8,
			Guidance: "Acknowledge the strong emotions present. Balance feeling with understanding.",
		},
	}
}

// DefaultInterventions are the severe conditions reported by SuggestIntervention
func DefaultInterventions() []Rule {
	return []Rule{
		{Name: "severe_conflict", Metric: models.MetricConflict, Comparator: Above, Threshold: 0.8,
			Guidance: "Consider introducing a mediating perspective or finding common ground"},
		{Name: "severe_stagnation", Metric: models.MetricStagnation, Comparator: Above, Threshold: 0.7,
			Guidance: "Try introducing a new question or shifting the focus"},
		{Name: "severe_emotion", Metric: models.MetricEmotionalIntensity, Comparator: Above, Threshold: 0.9,
			Guidance: "Allow space for emotions while encouraging reflection"},
		{Name: "severe_repetition", Metric: models.MetricRepetition, Comparator: Above, Threshold: 0.7,
			Guidance: "Break the pattern by exploring a different angle"},
	}
}

// Config holds adapter configuration
type Config struct {
	// Thresholds overrides rule thresholds by rule name
	Thresholds map[string]float64 `yaml:"thresholds"`
	// ExtraRules are appended after the defaults
	ExtraRules []Rule `yaml:"extra_rules"`
}

// DefaultConfig returns the default adapter configuration
func DefaultConfig() *Config {
	return &Config{Thresholds: map[string]float64{}}
}

// Validate checks threshold ranges and rule shapes
func (c *Config) Validate() error {
	known := make(map[string]bool)
	for _, r := range DefaultRules() {
		known[r.Name] = true
	}
	for _, r := range c.ExtraRules {
		if err := validateRule("prompt.extra_rules", r); err != nil {
			return err
		}
		known[r.Name] = true
	}
	for name, v := range c.Thresholds {
		if !known[name] {
			return models.NewConfigurationError("prompt.thresholds", "unknown rule %q", name)
		}
		if v < 0 || v > 1 {
			return models.NewConfigurationError("prompt.thresholds."+name, "must be within [0,1], got %v", v)
		}
	}
	return nil
}

func validateRule(field string, r Rule) error {
	if r.Name == "" {
		return models.NewConfigurationError(field, "rule name is required")
	}
	if _, ok := (models.StateVector{}).Value(r.Metric); !ok {
		return models.NewConfigurationError(field, "rule %q has unknown metric %q", r.Name, r.Metric)
	}
	if r.Comparator != Above && r.Comparator != Below {
		return models.NewConfigurationError(field, "rule %q has unknown comparator %q", r.Name, r.Comparator)
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return models.NewConfigurationError(field, "rule %q threshold must be within [0,1]", r.Name)
	}
	return nil
}

// Adapter applies the rule table to prompts and keeps an adaptation log
type Adapter struct {
	rules         []Rule
	interventions []Rule
	history       map[string][]models.AdaptationRecord
	now           func() time.Time
	logger        *zap.Logger
	mu            sync.RWMutex
}

// Option configures an Adapter
type Option func(*Adapter)

// WithLogger sets the adapter logger
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) { a.logger = logging.OrNop(l) }
}

// WithClock overrides the timestamp source of adaptation records
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// NewAdapter builds the rule table from config; a nil config uses defaults
func NewAdapter(config *Config, opts ...Option) (*Adapter, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	rules := append(DefaultRules(), config.ExtraRules...)
	for i := range rules {
		if v, ok := config.Thresholds[rules[i].Name]; ok {
			rules[i].Threshold = v
		}
	}

	a := &Adapter{
		rules:         rules,
		interventions: DefaultInterventions(),
		history:       make(map[string][]models.AdaptationRecord),
		now:           time.Now,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Rules returns a copy of the active rule table
func (a *Adapter) Rules() []Rule {
	rules := make([]Rule, len(a.rules))
	copy(rules, a.rules)
	return rules
}

// Evaluate returns the rules that fire for state, in table order
func (a *Adapter) Evaluate(state models.StateVector) []Rule {
	var matched []Rule
	for _, r := range a.rules {
		if r.Matches(state) {
			matched = append(matched, r)
		}
	}
	return matched
}

// Adapt returns base with a guidance section for every matching rule.
// The result is always derived from base, so feeding the same base twice yields
// identical output. With no match base is returned unchanged.
func (a *Adapter) Adapt(base, agentID string, state models.StateVector) string {
	matched := a.Evaluate(state)
	if len(matched) == 0 {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString(GuidanceHeader)
	for i, r := range matched {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(r.Guidance)
	}

	a.RecordAdaptation(agentID, matched, state)
	return b.String()
}

// RecordAdaptation appends an entry to the agent's adaptation log
func (a *Adapter) RecordAdaptation(agentID string, rules []Rule, state models.StateVector) {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}

	record := models.AdaptationRecord{
		AgentID:        agentID,
		Timestamp:      a.now(),
		TriggeredRules: names,
		State:          state,
	}

	a.mu.Lock()
	a.history[agentID] = append(a.history[agentID], record)
	a.mu.Unlock()

	a.logger.Debug("Prompt adapted", zap.String("agent", agentID), zap.Strings("rules", names))
}

// History returns the adaptation log of one agent
func (a *Adapter) History(agentID string) []models.AdaptationRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	records := make([]models.AdaptationRecord, len(a.history[agentID]))
	copy(records, a.history[agentID])
	return records
}

// LastAdaptation returns the most recent record for agentID
func (a *Adapter) LastAdaptation(agentID string) (models.AdaptationRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	records := a.history[agentID]
	if len(records) == 0 {
		return models.AdaptationRecord{}, false
	}
	return records[len(records)-1], true
}

// AllHistory returns every record ordered by timestamp
func (a *Adapter) AllHistory() []models.AdaptationRecord {
	a.mu.RLock()
	var all []models.AdaptationRecord
	for _, records := range a.history {
		all = append(all, records...)
	}
	a.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	return all
}

// Prune drops records older than before and returns how many were removed
func (a *Adapter) Prune(before time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for agent, records := range a.history {
		kept := records[:0]
		for _, r := range records {
			if r.Timestamp.Before(before) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(a.history, agent)
		} else {
			a.history[agent] = kept
		}
	}
	return removed
}

// Reset clears the adaptation log
func (a *Adapter) Reset() {
	a.mu.Lock()
	a.history = make(map[string][]models.AdaptationRecord)
	a.mu.Unlock()
}

// SuggestIntervention joins the messages of every severe condition.
// ok is false when nothing severe is happening.
func (a *Adapter) SuggestIntervention(state models.StateVector) (string, bool) {
	var suggestions []string
	for _, r := range a.interventions {
		if r.Matches(state) {
			suggestions = append(suggestions, r.Guidance)
		}
	}
	if len(suggestions) == 0 {
		return "", false
	}
	return strings.Join(suggestions, "; "), true
}
