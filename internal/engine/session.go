// Package engine runs the per-round pipeline of a simulation session:
// analyzer, prompt adapter, topology controller, then persistence and broadcast.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/psychesim/dynamics/internal/analysis"
	"github.com/psychesim/dynamics/internal/audit"
	"github.com/psychesim/dynamics/internal/broadcast"
	"github.com/psychesim/dynamics/internal/graph"
	"github.com/psychesim/dynamics/internal/logging"
	"github.com/psychesim/dynamics/internal/models"
	"github.com/psychesim/dynamics/internal/prompt"
	"github.com/psychesim/dynamics/internal/topology"
)

const (
	recordSession   = "simulation_session"
	recordEmergency = "emergency_status"
)

// Store is the part of the state store a session persists through
type Store interface {
	broadcast.Store
	UpdateAgentState(ctx context.Context, id string, partial map[string]interface{}, ttl time.Duration) bool
	StoreRecord(ctx context.Context, recordType, id string, v interface{}, ttl time.Duration) bool
	LoadRecord(ctx context.Context, recordType, id string, v interface{}) bool
}

// Journal persists adaptations and emergency status locally
type Journal interface {
	AppendAdaptation(ctx context.Context, record models.AdaptationRecord) error
	SaveEmergencyStatus(ctx context.Context, session string, status models.EmergencyStatus) error
	LoadEmergencyStatus(ctx context.Context, session string) (*models.EmergencyStatus, error)
}

// Ledger records rounds and transitions for auditing
type Ledger interface {
	RecordRound(ctx context.Context, e audit.RoundEntry) error
	RecordTransition(ctx context.Context, e audit.TransitionEntry) error
}

// Mirror reflects the active topology into a graph store
type Mirror interface {
	Sync(ctx context.Context, snap graph.Snapshot) error
}

// Config holds session configuration
type Config struct {
	InitialSituation string            `yaml:"initial_situation"`
	BasePrompts      map[string]string `yaml:"base_prompts"`
	SessionTTL       time.Duration     `yaml:"session_ttl"`
	AgentStateTTL    time.Duration     `yaml:"agent_state_ttl"`
	// PersistMessages stores every delivered message in the conversation history of
	// both endpoints. Each round then costs two writes per active edge.
	PersistMessages bool `yaml:"persist_messages"`
	RecentMessages  int  `yaml:"recent_messages"`
}

// DefaultConfig returns default session configuration
func DefaultConfig() *Config {
	return &Config{
		InitialSituation: "Initial exploration of the psyche",
		BasePrompts: map[string]string{
			"Shadow":       "You are the Shadow - the repository of repressed desires, instincts, and aspects of the personality that the conscious ego deems unacceptable. You embody raw, unfiltered unconscious drives.",
			"Persona":      "You are the Persona - the social mask worn in public, the image presented to the outside world. You represent adaptation to social expectations and norms.",
			"Anima/Animus": "You are the Anima/Animus - the contrasexual aspect of the psyche. You represent the unconscious feminine side in men (Anima) or masculine side in women (Animus), bridging conscious and unconscious.",
			"Self":         "You are the Self - the unified whole of conscious and unconscious, the archetype of wholeness and the regulating center of the psyche. You seek integration and individuation.",
			"Ego":          "You are the Ego - the conscious mind, the part of the id that has been modified by the direct influence of the external world. You are the rational decision-maker and mediator.",
		},
		SessionTTL:      24 * time.Hour,
		AgentStateTTL:   time.Hour,
		PersistMessages: true,
		RecentMessages:  5,
	}
}

// Validate checks the session settings
func (c *Config) Validate() error {
	if c.SessionTTL < 0 {
		return models.NewConfigurationError("session.session_ttl", "must not be negative")
	}
	if c.AgentStateTTL < 0 {
		return models.NewConfigurationError("session.agent_state_ttl", "must not be negative")
	}
	if c.RecentMessages < 0 {
		return models.NewConfigurationError("session.recent_messages", "must not be negative")
	}
	return nil
}

// Components are the collaborators every session needs
type Components struct {
	Analyzer    *analysis.Analyzer
	Adapter     *prompt.Adapter
	Controller  *topology.Controller
	Store       Store
	Broadcaster *broadcast.Broadcaster
}

// Record is the persisted session summary
type Record struct {
	ID          string             `json:"session_id"`
	StartTime   time.Time          `json:"start_time"`
	Iterations  int                `json:"iterations"`
	Situation   string             `json:"current_situation"`
	Mode        models.Mode        `json:"mode"`
	State       models.StateVector `json:"state"`
	LastUpdated time.Time          `json:"last_updated"`
}

// RoundResult is everything a caller needs to drive the next round
type RoundResult struct {
	Iteration    int
	State        models.StateVector
	Prompts      map[string]string
	Intervention string
	Transition   topology.Transition
	Situation    string
	Routed       int
	Rejected     int
}

// Session is one running simulation. Rounds are processed strictly one at a time.
type Session struct {
	id     string
	config Config

	analyzer    *analysis.Analyzer
	adapter     *prompt.Adapter
	controller  *topology.Controller
	store       Store
	broadcaster *broadcast.Broadcaster

	journal Journal
	ledger  Ledger
	mirror  Mirror

	iteration int
	situation string
	state     models.StateVector
	started   time.Time

	now    func() time.Time
	logger *zap.Logger
	mu     sync.Mutex
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the session logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = logging.OrNop(l) }
}

// WithClock overrides the session time source
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithJournal enables the local journal
func WithJournal(j Journal) Option {
	return func(s *Session) { s.journal = j }
}

// WithLedger enables the audit ledger
func WithLedger(l Ledger) Option {
	return func(s *Session) { s.ledger = l }
}

// WithMirror enables the topology mirror
func WithMirror(m Mirror) Option {
	return func(s *Session) { s.mirror = m }
}

// NewSession wires a session from its components
func NewSession(id string, config *Config, c Components, opts ...Option) (*Session, error) {
	if id == "" {
		return nil, models.NewConfigurationError("session.id", "is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if c.Analyzer == nil || c.Adapter == nil || c.Controller == nil || c.Store == nil || c.Broadcaster == nil {
		return nil, models.NewConfigurationError("session.components", "analyzer, adapter, controller, store and broadcaster are required")
	}

	s := &Session{
		id:          id,
		config:      *config,
		analyzer:    c.Analyzer,
		adapter:     c.Adapter,
		controller:  c.Controller,
		store:       c.Store,
		broadcaster: c.Broadcaster,
		situation:   config.InitialSituation,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()
	s.state = s.analyzer.Analyze()
	return s, nil
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Resume restores iteration count, situation and emergency status from the store,
// falling back to the journal for the emergency status. It reports whether anything
// was restored.
func (s *Session) Resume(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := false
	var record Record
	if s.store.LoadRecord(ctx, recordSession, s.id, &record) {
		s.iteration = record.Iterations
		if record.Situation != "" {
			s.situation = record.Situation
		}
		if !record.StartTime.IsZero() {
			s.started = record.StartTime
		}
		restored = true
	}

	var status models.EmergencyStatus
	if s.store.LoadRecord(ctx, recordEmergency, s.id, &status) {
		s.controller.Restore(status)
		restored = true
	} else if s.journal != nil {
		if st, err := s.journal.LoadEmergencyStatus(ctx, s.id); err == nil {
			s.controller.Restore(*st)
			restored = true
		}
	}

	if restored {
		s.logger.Info("Session resumed",
			zap.String("session", s.id),
			zap.Int("iterations", s.iteration),
			zap.Bool("emergency_mode", s.controller.IsEmergencyMode()))
	}
	return restored
}

// ProcessRound runs one full round. Infrastructure failures are logged; the in-memory
// pipeline always completes.
func (s *Session) ProcessRound(ctx context.Context, outputs map[string]string) RoundResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(outputs) == 0 {
		mode := s.controller.EmergencyStatus().Mode()
		prompts := make(map[string]string, len(s.config.BasePrompts))
		for agent, base := range s.config.BasePrompts {
			prompts[agent] = base
		}
		return RoundResult{
			Iteration:  s.iteration,
			State:      s.state,
			Prompts:    prompts,
			Transition: topology.Transition{From: mode, To: mode, Stagnation: s.state.Stagnation, At: s.now()},
			Situation:  s.situation,
		}
	}

	s.iteration++
	s.analyzer.RecordRound(outputs)
	state := s.analyzer.Analyze()
	s.state = state

	result := RoundResult{
		Iteration: s.iteration,
		State:     state,
		Prompts:   s.adaptPrompts(ctx, outputs, state),
	}
	if msg, ok := s.adapter.SuggestIntervention(state); ok {
		result.Intervention = msg
	}

	result.Transition = s.controller.UpdateConversationState(state)
	result.Routed, result.Rejected = s.route(ctx, outputs)
	responded := s.situation
	s.situation = NextSituation(outputs, state)
	result.Situation = s.situation

	s.persist(ctx, outputs, responded, result)

	s.logger.Info("Round processed",
		zap.String("session", s.id),
		zap.Int("iteration", s.iteration),
		zap.Float64("stagnation", state.Stagnation),
		zap.String("mode", string(result.Transition.To)),
		zap.Int("routed", result.Routed))
	return result
}

// adaptPrompts builds every agent's next prompt from its base prompt
func (s *Session) adaptPrompts(ctx context.Context, outputs map[string]string, state models.StateVector) map[string]string {
	agents := make(map[string]bool, len(s.config.BasePrompts)+len(outputs))
	for agent := range s.config.BasePrompts {
		agents[agent] = true
	}
	for agent := range outputs {
		agents[agent] = true
	}

	prompts := make(map[string]string, len(agents))
	for _, agent := range sortedKeys(agents) {
		base := s.config.BasePrompts[agent]
		adapted := s.adapter.Adapt(base, agent, state)
		prompts[agent] = adapted

		if adapted == base || s.journal == nil {
			continue
		}
		if record, ok := s.adapter.LastAdaptation(agent); ok {
			if err := s.journal.AppendAdaptation(ctx, record); err != nil {
				s.logger.Warn("Failed to journal adaptation", zap.String("agent", agent), zap.Error(err))
			}
		}
	}
	return prompts
}

// route offers each agent's output to every other agent; the controller admits active edges only
func (s *Session) route(ctx context.Context, outputs map[string]string) (routed, rejected int) {
	recipients := s.controller.Agents()
	for _, from := range sortedKeys(outputs) {
		tone := analysis.ToneOf(outputs[from])
		meta := map[string]interface{}{
			"iteration": s.iteration,
			"polarity":  tone.Polarity,
			"category":  tone.Category,
		}
		for _, to := range recipients {
			if to == from {
				continue
			}
			if !s.controller.SendMessage(from, to, outputs[from], meta) {
				rejected++
				continue
			}
			routed++
			if s.config.PersistMessages {
				s.persistMessage(ctx, from, to, outputs[from])
			}
		}
	}
	return routed, rejected
}

// persistMessage appends a delivered message to the history of sender and receiver
func (s *Session) persistMessage(ctx context.Context, from, to, content string) {
	payload := map[string]interface{}{
		"iteration":       s.iteration,
		"from_agent":      from,
		"to_agent":        to,
		"message":         content,
		"recent_messages": s.controller.GetMessages(from, to, s.config.RecentMessages),
		"network_stats":   s.controller.Stats(),
		"emergency_mode":  s.controller.IsEmergencyMode(),
	}
	for _, agent := range []string{from, to} {
		s.store.StoreConversation(ctx, s.id+":"+agent, payload, s.config.SessionTTL)
	}
}

// persist writes the round to every backend. situation is the one the agents responded to.
func (s *Session) persist(ctx context.Context, outputs map[string]string, situation string, r RoundResult) {
	now := s.now()
	status := s.controller.EmergencyStatus()

	s.broadcaster.AnnounceConversation(ctx, s.id, r.Iteration, outputs, r.Intervention)
	s.store.StoreConversation(ctx, "session_"+s.id, map[string]interface{}{
		"iteration":      r.Iteration,
		"situation":      situation,
		"next_situation": r.Situation,
		"outputs":        outputs,
	}, s.config.SessionTTL)

	for agent, text := range outputs {
		s.store.UpdateAgentState(ctx, s.id+":"+agent, map[string]interface{}{
			"response":  text,
			"sentiment": analysis.ToneOf(text),
			"iteration": r.Iteration,
			"timestamp": now.UTC(),
		}, s.config.AgentStateTTL)
	}

	s.broadcaster.AnnounceState(ctx, s.id, r.Iteration, r.State)
	s.broadcaster.AnnounceTopology(ctx, r.Transition, status)
	s.store.StoreRecord(ctx, recordEmergency, s.id, status, s.config.SessionTTL)
	s.broadcaster.SyncNetworkState(ctx, s.controller, r.Transition.Changed)

	if s.journal != nil {
		if err := s.journal.SaveEmergencyStatus(ctx, s.id, status); err != nil {
			s.logger.Warn("Failed to journal emergency status", zap.Error(err))
		}
	}

	if s.ledger != nil {
		if err := s.ledger.RecordRound(ctx, audit.RoundEntry{
			SessionID:    s.id,
			Iteration:    r.Iteration,
			RecordedAt:   now,
			Agents:       len(outputs),
			State:        r.State,
			Mode:         r.Transition.To,
			Intervention: r.Intervention,
		}); err != nil {
			s.logger.Warn("Failed to audit round", zap.Error(err))
		}
		if r.Transition.Changed {
			if err := s.ledger.RecordTransition(ctx, audit.TransitionEntry{
				SessionID:  s.id,
				Iteration:  r.Iteration,
				From:       r.Transition.From,
				To:         r.Transition.To,
				Stagnation: r.Transition.Stagnation,
				At:         r.Transition.At,
			}); err != nil {
				s.logger.Warn("Failed to audit transition", zap.Error(err))
			}
		}
	}

	if s.mirror != nil && (r.Transition.Changed || r.Iteration == 1) {
		if err := s.mirror.Sync(ctx, graph.Snapshot{
			Session:     s.id,
			Mode:        r.Transition.To,
			Stagnation:  r.State.Stagnation,
			Connections: s.controller.Connections(),
			Updated:     now,
		}); err != nil {
			s.logger.Warn("Failed to mirror topology", zap.Error(err))
		}
	}

	s.persistSession(ctx, "round_completed")
}

// persistSession writes the session record and announces it. Caller holds mu.
func (s *Session) persistSession(ctx context.Context, event string) {
	record := s.record()
	s.store.StoreRecord(ctx, recordSession, s.id, record, s.config.SessionTTL)
	s.broadcaster.AnnounceSession(ctx, s.id, event, map[string]interface{}{
		"iterations": record.Iterations,
		"situation":  record.Situation,
		"mode":       record.Mode,
	})
}

func (s *Session) record() Record {
	return Record{
		ID:          s.id,
		StartTime:   s.started,
		Iterations:  s.iteration,
		Situation:   s.situation,
		Mode:        s.controller.EmergencyStatus().Mode(),
		State:       s.state,
		LastUpdated: s.now(),
	}
}

// Snapshot returns the current session summary
func (s *Session) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record()
}

// Export is a full dump of a session
type Export struct {
	Session     Record                     `json:"session_info"`
	Duration    float64                    `json:"duration_seconds"`
	History     []models.ConversationRound `json:"conversation_history"`
	Adaptations []models.AdaptationRecord  `json:"adaptations"`
	Network     models.NetworkStats        `json:"network_statistics"`
	Connections []models.Connection        `json:"connections"`
}

// Export collects the session record, the conversation window, the adaptation log
// and the network counters
func (s *Session) Export() Export {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.record()
	return Export{
		Session:     record,
		Duration:    record.LastUpdated.Sub(s.started).Seconds(),
		History:     s.analyzer.Rounds(),
		Adaptations: s.adapter.AllHistory(),
		Network:     s.controller.Stats(),
		Connections: s.controller.Connections(),
	}
}

// Situation returns the current situation text
func (s *Session) Situation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.situation
}

// Reset clears the conversation window, adaptation log and message queues and zeroes
// the iteration counter. The emergency status is kept.
func (s *Session) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.analyzer.Reset()
	s.adapter.Reset()
	s.controller.ClearMessages()
	s.iteration = 0
	s.situation = s.config.InitialSituation
	s.state = s.analyzer.Analyze()

	s.logger.Info("Session reset", zap.String("session", s.id))
	s.persistSession(ctx, "reset")
}

// InjectStimulus prefixes the current situation with a stimulus and returns the new
// situation. Unknown kinds use a generic stimulus; "random" picks one.
func (s *Session) InjectStimulus(ctx context.Context, kind string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.situation = Stimulus(kind) + " " + s.situation
	s.persistSession(ctx, "stimulus_injected")
	return s.situation
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
