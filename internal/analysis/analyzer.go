// Package analysis scores the health of a multi-agent dialogue from a sliding
// window of rounds.
package analysis

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/psychesim/dynamics/internal/logging"
	"github.com/psychesim/dynamics/internal/models"
)

const (
	recentRounds        = 5
	engagementWordScale = 150.0
	defaultEngagement   = 0.5
	minRoundsConflict   = 2
	minRoundsRepetition = 3
	minRoundsDiversity  = 3
	markerWeight        = 0.7
	divergenceWeight    = 0.3
)

// Config holds analyzer configuration
type Config struct {
	HistoryWindow   int      `yaml:"history_window"`
	ConflictMarkers []string `yaml:"conflict_markers"`
}

// DefaultConfig returns the default analyzer configuration
func DefaultConfig() *Config {
	return &Config{
		HistoryWindow: 20,
		ConflictMarkers: []string{
			"reject", "deny", "oppose", "conflict", "struggle",
			"resist", "fight", "disagree", "tension",
		},
	}
}

// Validate checks the analyzer settings
func (c *Config) Validate() error {
	if c.HistoryWindow < 1 {
		return models.NewConfigurationError("analysis.history_window", "must be >= 1, got %d", c.HistoryWindow)
	}
	return nil
}

// Analyzer keeps a bounded FIFO window of rounds and computes a StateVector from it.
type Analyzer struct {
	window  []models.ConversationRound
	limit   int
	markers []string
	now     func() time.Time
	logger  *zap.Logger
	mu      sync.RWMutex
}

// Option configures an Analyzer
type Option func(*Analyzer)

// WithLogger sets the analyzer logger
func WithLogger(l *zap.Logger) Option {
	return func(a *Analyzer) { a.logger = logging.OrNop(l) }
}

// WithClock overrides the timestamp source for recorded rounds
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// NewAnalyzer creates an analyzer; a nil config uses defaults
func NewAnalyzer(config *Config, opts ...Option) (*Analyzer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	markers := make([]string, 0, len(config.ConflictMarkers))
	for _, m := range config.ConflictMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			markers = append(markers, m)
		}
	}

	a := &Analyzer{
		window:  make([]models.ConversationRound, 0, config.HistoryWindow),
		limit:   config.HistoryWindow,
		markers: markers,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// RecordRound appends a round to the window, evicting the oldest when full.
// Empty rounds are ignored.
func (a *Analyzer) RecordRound(outputs map[string]string) {
	if len(outputs) == 0 {
		return
	}
	round := models.NewConversationRound(outputs, a.now())

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.window) == a.limit {
		copy(a.window, a.window[1:])
		a.window = a.window[:len(a.window)-1]
	}
	a.window = append(a.window, round)
}

// Analyze computes the StateVector for the current window
func (a *Analyzer) Analyze() models.StateVector {
	a.mu.RLock()
	defer a.mu.RUnlock()

	engagement := clamp(a.engagement(), 0, 1)
	diversity := clamp(a.diversity(), 0, 1)

	state := models.StateVector{
		Conflict:           clamp(a.conflict(), 0, 1),
		Engagement:         engagement,
		Diversity:          diversity,
		Repetition:         clamp(a.repetition(), 0, 1),
		EmotionalIntensity: clamp(a.emotionalIntensity(), 0, 1),
		Stagnation:         1.0 - float64(engagement*diversity),
	}

	a.logger.Debug("Conversation state",
		zap.Int("rounds", len(a.window)),
		zap.Float64("conflict", state.Conflict),
		zap.Float64("engagement", state.Engagement),
		zap.Float64("diversity", state.Diversity),
		zap.Float64("repetition", state.Repetition),
		zap.Float64("emotional_intensity", state.EmotionalIntensity),
		zap.Float64("stagnation", state.Stagnation))

	return state
}

// Len returns the number of rounds in the window
func (a *Analyzer) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.window)
}

// Rounds returns a copy of the window, oldest first
func (a *Analyzer) Rounds() []models.ConversationRound {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rounds := make([]models.ConversationRound, len(a.window))
	copy(rounds, a.window)
	return rounds
}

// Reset empties the window
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.window = a.window[:0]
}

func (a *Analyzer) recent() []models.ConversationRound {
	if len(a.window) <= recentRounds {
		return a.window
	}
	return a.window[len(a.window)-recentRounds:]
}

// conflict blends marker frequency over the window with sentiment spread in the latest round
func (a *Analyzer) conflict() float64 {
	if len(a.window) < minRoundsConflict {
		return 0
	}

	hits, total := 0, 0
	for _, round := range a.window {
		for _, text := range round.Outputs {
			total++
			if a.containsMarker(text) {
				hits++
			}
		}
	}
	if total == 0 {
		return 0
	}

	frac := float64(hits) / float64(total)
	return frac*markerWeight + a.sentimentDivergence()*divergenceWeight
}

func (a *Analyzer) containsMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range a.markers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// sentimentDivergence is the population variance of sentiment across agents in the latest round
func (a *Analyzer) sentimentDivergence() float64 {
	if len(a.window) == 0 {
		return 0
	}
	last := a.window[len(a.window)-1]
	if len(last.Outputs) < 2 {
		return 0
	}

	scores := make([]float64, 0, len(last.Outputs))
	var sum float64
	for _, text := range last.Outputs {
		s := Sentiment(text)
		scores = append(scores, s)
		sum += s
	}
	mean := sum / float64(len(scores))

	var variance float64
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	return clamp(variance/float64(len(scores)), 0, 1)
}

func (a *Analyzer) engagement() float64 {
	words, responses := 0, 0
	for _, round := range a.recent() {
		for _, text := range round.Outputs {
			words += len(strings.Fields(text))
			responses++
		}
	}
	if responses == 0 {
		return defaultEngagement
	}
	avg := float64(words) / float64(responses)
	return min(avg/engagementWordScale, 1.0)
}

func (a *Analyzer) diversity() float64 {
	if len(a.window) < minRoundsDiversity {
		return 1.0
	}

	unique := make(map[string]struct{})
	total := 0
	for _, round := range a.recent() {
		for _, text := range round.Outputs {
			for _, w := range strings.Fields(strings.ToLower(text)) {
				unique[w] = struct{}{}
				total++
			}
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(len(unique)) / float64(total)
}

// repetition is the mean Jaccard overlap of each agent's consecutive utterances
func (a *Analyzer) repetition() float64 {
	if len(a.window) < minRoundsRepetition {
		return 0
	}

	rounds := a.recent()
	var sum float64
	pairs := 0
	for i := 1; i < len(rounds); i++ {
		prev, curr := rounds[i-1], rounds[i]
		for _, agent := range curr.Agents() {
			prevText, ok := prev.Outputs[agent]
			if !ok {
				continue
			}
			prevWords := wordSet(prevText)
			currWords := wordSet(curr.Outputs[agent])
			if len(prevWords) == 0 || len(currWords) == 0 {
				continue
			}
			sum += jaccard(prevWords, currWords)
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}

func (a *Analyzer) emotionalIntensity() float64 {
	var sum float64
	n := 0
	for _, round := range a.recent() {
		for _, text := range round.Outputs {
			sum += abs(Sentiment(text))
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
