package analysis

import (
	"sync"

	"github.com/jonreiter/govader"

	"github.com/psychesim/dynamics/internal/models"
)

// vader loads the lexicon once; scoring only reads it and is safe for concurrent use
var vader = sync.OnceValue(govader.NewSentimentIntensityAnalyzer)

// Sentiment returns the polarity of text in [-1,1]; 0 for text with no charged words.
func Sentiment(text string) float64 {
	return vader().PolarityScores(text).Compound
}

// ToneOf returns the full emotional reading of text. Subjectivity is the share of
// charged words, 0 for empty or neutral text.
func ToneOf(text string) models.Tone {
	scores := vader().PolarityScores(text)
	polarity := scores.Compound
	subjectivity := clamp(scores.Positive+scores.Negative, 0, 1)
	return models.Tone{
		Polarity:     polarity,
		Subjectivity: subjectivity,
		Arousal:      abs(polarity) * subjectivity,
		Category:     Category(polarity),
	}
}

// Category buckets a polarity score
func Category(polarity float64) string {
	switch {
	case polarity <= -0.5:
		return "very_negative"
	case polarity <= -0.1:
		return "negative"
	case polarity <= 0.1:
		return "neutral"
	case polarity <= 0.5:
		return "positive"
	default:
		return "very_positive"
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
