package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentiment(t *testing.T) {
	tests := []struct {
		name string
		text string
		want float64
	}{
		{"neutral", "the table is in the room", 0},
		{"empty", "", 0},
		{"positive", "The book was good.", 0.4404},
		{"negated negative", "Not bad at all", 0.431},
		{"negated list", "VADER is not smart, handsome, nor funny.", -0.7424},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Sentiment(tt.text), 1e-3)
		})
	}
}

func TestSentimentModifiers(t *testing.T) {
	assert.Greater(t, Sentiment("this is wonderful"), 0.0)
	assert.Less(t, Sentiment("this is terrible"), 0.0)
	assert.Less(t, Sentiment("I am not happy"), 0.0)
	assert.Greater(t, Sentiment("I am very happy"), Sentiment("I am happy"))
	assert.Greater(t, Sentiment("Happy!!!"), Sentiment("Happy"))

	for _, text := range []string{"wonderful beautiful great love", "terrible awful horrible cruel"} {
		s := Sentiment(text)
		assert.GreaterOrEqual(t, s, -1.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestToneOf(t *testing.T) {
	tone := ToneOf("The book was good.")
	assert.InDelta(t, 0.4404, tone.Polarity, 1e-3)
	assert.InDelta(t, 0.492, tone.Subjectivity, 1e-3)
	assert.InDelta(t, 0.4404*0.492, tone.Arousal, 1e-3)
	assert.Equal(t, "positive", tone.Category)

	neutral := ToneOf("the table is in the room")
	assert.Equal(t, 0.0, neutral.Subjectivity)
	assert.Equal(t, "neutral", neutral.Category)

	empty := ToneOf("")
	assert.Equal(t, 0.0, empty.Subjectivity)
	assert.Equal(t, 0.0, empty.Arousal)
}

func TestCategory(t *testing.T) {
	assert.Equal(t, "very_negative", Category(-0.9))
	assert.Equal(t, "negative", Category(-0.2))
	assert.Equal(t, "neutral", Category(0))
	assert.Equal(t, "positive", Category(0.3))
	assert.Equal(t, "very_positive", Category(0.9))
}
