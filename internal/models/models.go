package models

import (
	"fmt"
	"sort"
	"time"
)

// ConversationRound is one iteration of agent outputs. It is never mutated after creation.
type ConversationRound struct {
	Outputs   map[string]string `json:"outputs"`   // agent -> generated text
	Timestamp time.Time         `json:"timestamp"` // When the round was recorded
}

// NewConversationRound copies outputs so later mutation by the caller cannot leak into the window
func NewConversationRound(outputs map[string]string, at time.Time) ConversationRound {
	copied := make(map[string]string, len(outputs))
	for agent, text := range outputs {
		copied[agent] = text
	}
	return ConversationRound{Outputs: copied, Timestamp: at}
}

// Agents returns the agent ids of the round in sorted order
func (r ConversationRound) Agents() []string {
	agents := make([]string, 0, len(r.Outputs))
	for agent := range r.Outputs {
		agents = append(agents, agent)
	}
	sort.Strings(agents)
	return agents
}

// Metric names a StateVector field
type Metric string

const (
	MetricConflict           Metric = "conflict"
	MetricEngagement         Metric = "engagement"
	MetricDiversity          Metric = "diversity"
	MetricRepetition         Metric = "repetition"
	MetricEmotionalIntensity Metric = "emotional_intensity"
	MetricStagnation         Metric = "stagnation"
)

// StateVector is the health score of the dialogue. Every field lies in [0,1].
type StateVector struct {
	Conflict           float64 `json:"conflict"`
	Engagement         float64 `json:"engagement"`
	Diversity          float64 `json:"diversity"`
	Repetition         float64 `json:"repetition"`
	EmotionalIntensity float64 `json:"emotional_intensity"`
	Stagnation         float64 `json:"stagnation"`
}

// Value returns the named metric
func (v StateVector) Value(m Metric) (float64, bool) {
	switch m {
	case MetricConflict:
		return v.Conflict, true
	case MetricEngagement:
		return v.Engagement, true
	case MetricDiversity:
		return v.Diversity, true
	case MetricRepetition:
		return v.Repetition, true
	case MetricEmotionalIntensity:
		return v.EmotionalIntensity, true
	case MetricStagnation:
		return v.Stagnation, true
	}
	return 0, false
}

// Map flattens the vector for JSON payloads and audit rows
func (v StateVector) Map() map[string]float64 {
	return map[string]float64{
		string(MetricConflict):           v.Conflict,
		string(MetricEngagement):         v.Engagement,
		string(MetricDiversity):          v.Diversity,
		string(MetricRepetition):         v.Repetition,
		string(MetricEmotionalIntensity): v.EmotionalIntensity,
		string(MetricStagnation):         v.Stagnation,
	}
}

func (v StateVector) String() string {
	return fmt.Sprintf("conflict=%.2f engagement=%.2f diversity=%.2f repetition=%.2f emotional=%.2f stagnation=%.2f",
		v.Conflict, v.Engagement, v.Diversity, v.Repetition, v.EmotionalIntensity, v.Stagnation)
}

// AdaptationRecord logs which prompt rules fired for an agent
type AdaptationRecord struct {
	AgentID        string      `json:"agent_id"`
	Timestamp      time.Time   `json:"timestamp"`
	TriggeredRules []string    `json:"triggered_rules"`
	State          StateVector `json:"state_snapshot"`
}

// Tone is a per-utterance emotional reading
type Tone struct {
	Polarity     float64 `json:"polarity"`     // -1..1
	Subjectivity float64 `json:"subjectivity"` // 0..1
	Arousal      float64 `json:"arousal"`      // |polarity| * subjectivity
	Category     string  `json:"category"`     // very_negative .. very_positive
}

// Edge is a directed communication path between two agents
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

func (e Edge) String() string {
	return e.From + "->" + e.To
}

// EdgeType marks whether an active edge comes from the normal or emergency set
type EdgeType string

const (
	EdgeNormal    EdgeType = "normal"
	EdgeEmergency EdgeType = "emergency"
)

// Connection is an active edge as reported to observers
type Connection struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Type     EdgeType `json:"type"`
	Strength float64  `json:"strength"`
}

// CommunicationMatrix maps from -> to -> weight in {0,1}
type CommunicationMatrix map[string]map[string]float64

// Message is a routed inter-agent message
type Message struct {
	From      string                 `json:"from"`
	To        string                 `json:"to"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Mode is the topology controller mode
type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeEmergency Mode = "emergency"
)

// EmergencyStatus is the persisted state of the topology state machine
type EmergencyStatus struct {
	EmergencyMode     bool       `json:"emergency_mode"`
	ActivatedAt       *time.Time `json:"activated_at"`
	StagnationHistory []float64  `json:"stagnation_history"`
	ConsecutiveCount  int        `json:"consecutive_count"`
	CurrentStagnation float64    `json:"current_stagnation"`
}

// Mode reports the mode implied by the status
func (s EmergencyStatus) Mode() Mode {
	if s.EmergencyMode {
		return ModeEmergency
	}
	return ModeNormal
}

// AgentStats counts per-agent traffic
type AgentStats struct {
	Sent     int `json:"sent"`
	Received int `json:"received"`
}

// NetworkStats is a snapshot of controller counters
type NetworkStats struct {
	Mode        Mode                  `json:"mode"`
	ActiveEdges int                   `json:"active_edges"`
	Queued      int                   `json:"queued"`
	Rejected    int                   `json:"rejected"`
	Dropped     int                   `json:"dropped"`
	Agents      map[string]AgentStats `json:"agents"`
}
