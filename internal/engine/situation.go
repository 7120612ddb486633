package engine

import (
	"math/rand"
	"sort"
	"strings"

	"github.com/psychesim/dynamics/internal/models"
)

var stimuli = map[string]string{
	"memory":      "A forgotten childhood memory suddenly surfaces...",
	"conflict":    "An internal conflict demands attention...",
	"revelation":  "A new understanding emerges from the depths...",
	"challenge":   "A fundamental belief is being questioned...",
	"integration": "Different aspects of the self seek harmony...",
	"shadow":      "Something hidden in the shadow seeks recognition...",
	"creative":    "A burst of creative energy flows through consciousness...",
}

const genericStimulus = "Something stirs in the depths of consciousness..."

// StimulusKinds lists the named stimuli in sorted order
func StimulusKinds() []string {
	kinds := make([]string, 0, len(stimuli))
	for k := range stimuli {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Stimulus returns the text for kind
func Stimulus(kind string) string {
	if kind == "random" {
		kinds := StimulusKinds()
		kind = kinds[rand.Intn(len(kinds))]
	}
	if text, ok := stimuli[kind]; ok {
		return text
	}
	return genericStimulus
}

// NextSituation derives the next situation from the round's state, falling back to
// keywords in the outputs
func NextSituation(outputs map[string]string, state models.StateVector) string {
	switch {
	case state.Conflict > 0.7:
		return "Exploring the tension between different aspects of the self"
	case state.Stagnation > 0.6:
		return "Seeking new perspectives and breaking patterns"
	case state.EmotionalIntensity > 0.8:
		return "Processing intense emotions and their origins"
	}

	parts := make([]string, 0, len(outputs))
	for _, agent := range sortedKeys(outputs) {
		parts = append(parts, outputs[agent])
	}
	text := strings.ToLower(strings.Join(parts, " "))

	switch {
	case strings.Contains(text, "shadow"):
		return "Confronting hidden aspects and repressed desires"
	case strings.Contains(text, "persona"):
		return "Examining the masks we wear in social situations"
	case strings.Contains(text, "integration"):
		return "Working towards psychological integration and wholeness"
	default:
		return "Continuing the journey of self-discovery"
	}
}
