// Package topology owns the directed agent-communication graph, its bounded
// per-edge message queues, and the debounced normal/emergency mode switch.
package topology

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/psychesim/dynamics/internal/logging"
	"github.com/psychesim/dynamics/internal/models"
)

// Config holds controller configuration
type Config struct {
	AllowedEdges       []models.Edge `yaml:"allowed_edges"`
	EmergencyEdges     []models.Edge `yaml:"emergency_edges"`
	EmergencyThreshold float64       `yaml:"emergency_threshold"`
	CriticalThreshold  float64       `yaml:"critical_threshold"`
	PathSwitchDelay    int           `yaml:"path_switch_delay"`
	MaxQueueSize       int           `yaml:"max_queue_size"`
	HistoryLimit       int           `yaml:"history_limit"` // cap on stagnation_history
}

// DefaultConfig returns the five-archetype topology
func DefaultConfig() *Config {
	return &Config{
		AllowedEdges: []models.Edge{
			{From: "Shadow", To: "Persona"}, {From: "Persona", To: "Shadow"},
			{From: "Self", To: "Ego"}, {From: "Ego", To: "Self"},
			{From: "Anima/Animus", To: "Ego"}, {From: "Ego", To: "Anima/Animus"},
			{From: "Shadow", To: "Self"}, {From: "Self", To: "Shadow"},
			{From: "Persona", To: "Ego"}, {From: "Ego", To: "Persona"},
		},
		EmergencyEdges: []models.Edge{
			{From: "Shadow", To: "Anima/Animus"}, {From: "Anima/Animus", To: "Shadow"},
			{From: "Persona", To: "Self"}, {From: "Self", To: "Persona"},
			{From: "Shadow", To: "Ego"}, {From: "Ego", To: "Shadow"},
			{From: "Anima/Animus", To: "Persona"}, {From: "Persona", To: "Anima/Animus"},
		},
		EmergencyThreshold: 0.6,
		CriticalThreshold:  0.8,
		PathSwitchDelay:    2,
		MaxQueueSize:       100,
		HistoryLimit:       100,
	}
}

// Validate checks thresholds, delay, sizes and edge endpoints
func (c *Config) Validate() error {
	if c.EmergencyThreshold < 0 || c.EmergencyThreshold > 1 {
		return models.NewConfigurationError("topology.emergency_threshold", "must be within [0,1], got %v", c.EmergencyThreshold)
	}
	if c.CriticalThreshold < 0 || c.CriticalThreshold > 1 {
		return models.NewConfigurationError("topology.critical_threshold", "must be within [0,1], got %v", c.CriticalThreshold)
	}
	if c.EmergencyThreshold >= c.CriticalThreshold {
		return models.NewConfigurationError("topology.critical_threshold",
			"must be greater than emergency_threshold (%v >= %v)", c.EmergencyThreshold, c.CriticalThreshold)
	}
	if c.PathSwitchDelay < 1 {
		return models.NewConfigurationError("topology.path_switch_delay", "must be >= 1, got %d", c.PathSwitchDelay)
	}
	if c.MaxQueueSize < 1 {
		return models.NewConfigurationError("topology.max_queue_size", "must be >= 1, got %d", c.MaxQueueSize)
	}
	if c.HistoryLimit < 1 {
		return models.NewConfigurationError("topology.history_limit", "must be >= 1, got %d", c.HistoryLimit)
	}
	for _, e := range c.AllowedEdges {
		if e.From == "" || e.To == "" {
			return models.NewConfigurationError("topology.allowed_edges", "edge %q has an empty endpoint", e.String())
		}
	}
	for _, e := range c.EmergencyEdges {
		if e.From == "" || e.To == "" {
			return models.NewConfigurationError("topology.emergency_edges", "edge %q has an empty endpoint", e.String())
		}
	}
	return nil
}

// Transition describes the outcome of one UpdateConversationState call
type Transition struct {
	From       models.Mode `json:"from"`
	To         models.Mode `json:"to"`
	Changed    bool        `json:"changed"`
	Stagnation float64     `json:"stagnation"`
	At         time.Time   `json:"at"`
}

// Controller routes messages over the active edge set and flips mode with hysteresis.
// All state is guarded by mu; exported methods lock once and use unlocked helpers internally.
type Controller struct {
	config    Config
	allowed   map[models.Edge]bool
	emergency map[models.Edge]bool
	agents    []string

	status models.EmergencyStatus
	streak int // >0 consecutive rounds at/above threshold, <0 consecutive rounds below

	queues   map[models.Edge][]models.Message
	stats    map[string]*models.AgentStats
	rejected int
	dropped  int

	now    func() time.Time
	logger *zap.Logger
	mu     sync.Mutex
}

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the controller logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = logging.OrNop(l) }
}

// WithClock overrides the controller time source
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a controller in NORMAL mode; a nil config uses defaults
func New(config *Config, opts ...Option) (*Controller, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		config:    *config,
		allowed:   edgeSet(config.AllowedEdges),
		emergency: edgeSet(config.EmergencyEdges),
		status:    models.EmergencyStatus{StagnationHistory: []float64{}},
		queues:    make(map[models.Edge][]models.Message),
		stats:     make(map[string]*models.AgentStats),
		now:       time.Now,
		logger:    zap.NewNop(),
	}

	seen := make(map[string]bool)
	for _, edges := range [][]models.Edge{config.AllowedEdges, config.EmergencyEdges} {
		for _, e := range edges {
			for _, agent := range []string{e.From, e.To} {
				if !seen[agent] {
					seen[agent] = true
					c.agents = append(c.agents, agent)
				}
			}
		}
	}
	sort.Strings(c.agents)

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func edgeSet(edges []models.Edge) map[models.Edge]bool {
	set := make(map[models.Edge]bool, len(edges))
	for _, e := range edges {
		set[e] = true
	}
	return set
}

// Agents returns every agent named by either edge set, sorted
func (c *Controller) Agents() []string {
	agents := make([]string, len(c.agents))
	copy(agents, c.agents)
	return agents
}

// UpdateConversationState feeds one round's stagnation into the mode state machine
func (c *Controller) UpdateConversationState(state models.StateVector) Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	stagnation := state.Stagnation
	delay := c.config.PathSwitchDelay

	c.status.StagnationHistory = append(c.status.StagnationHistory, stagnation)
	if over := len(c.status.StagnationHistory) - c.config.HistoryLimit; over > 0 {
		c.status.StagnationHistory = append([]float64(nil), c.status.StagnationHistory[over:]...)
	}
	c.status.CurrentStagnation = stagnation

	switch {
	case stagnation >= c.config.CriticalThreshold:
		c.streak = max(c.streak+1, delay)
	case stagnation >= c.config.EmergencyThreshold:
		c.streak = max(c.streak, 0) + 1
	default:
		c.streak = min(c.streak, 0) - 1
	}
	c.status.ConsecutiveCount = c.streak

	from := c.status.Mode()
	t := Transition{From: from, To: from, Stagnation: stagnation, At: c.now()}

	switch {
	case !c.status.EmergencyMode && c.streak >= delay:
		activated := t.At
		c.status.EmergencyMode = true
		c.status.ActivatedAt = &activated
	case c.status.EmergencyMode && -c.streak >= delay:
		c.status.EmergencyMode = false
		c.status.ActivatedAt = nil
	default:
		return t
	}

	t.To = c.status.Mode()
	t.Changed = true
	c.logger.Info("Communication topology switched",
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.Float64("stagnation", stagnation),
		zap.Int("streak", c.streak))
	return t
}

// IsEmergencyMode reports whether the emergency edge set is active
func (c *Controller) IsEmergencyMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.EmergencyMode
}

// EmergencyStatus returns a snapshot of the state machine
func (c *Controller) EmergencyStatus() models.EmergencyStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusSnapshot()
}

func (c *Controller) statusSnapshot() models.EmergencyStatus {
	s := c.status
	s.StagnationHistory = append([]float64{}, c.status.StagnationHistory...)
	if c.status.ActivatedAt != nil {
		at := *c.status.ActivatedAt
		s.ActivatedAt = &at
	}
	return s
}

// Restore replaces the state machine with a persisted status; queues are untouched
func (c *Controller) Restore(status models.EmergencyStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := status.StagnationHistory
	if over := len(history) - c.config.HistoryLimit; over > 0 {
		history = history[over:]
	}
	c.status = status
	c.status.StagnationHistory = append([]float64{}, history...)
	if status.ActivatedAt != nil {
		at := *status.ActivatedAt
		c.status.ActivatedAt = &at
	}
	c.streak = status.ConsecutiveCount

	c.logger.Info("Emergency status restored",
		zap.Bool("emergency_mode", status.EmergencyMode),
		zap.Int("consecutive_count", status.ConsecutiveCount))
}

// isActive reports whether e is routable in the current mode. Caller holds mu.
func (c *Controller) isActive(e models.Edge) bool {
	if c.allowed[e] {
		return true
	}
	return c.status.EmergencyMode && c.emergency[e]
}

// activeEdges lists routable edges with their origin. Caller holds mu.
func (c *Controller) activeEdges() []models.Connection {
	conns := make([]models.Connection, 0, len(c.config.AllowedEdges)+len(c.config.EmergencyEdges))
	seen := make(map[models.Edge]bool)
	for _, e := range c.config.AllowedEdges {
		if !seen[e] {
			seen[e] = true
			conns = append(conns, models.Connection{From: e.From, To: e.To, Type: models.EdgeNormal, Strength: 1})
		}
	}
	if c.status.EmergencyMode {
		for _, e := range c.config.EmergencyEdges {
			if !seen[e] {
				seen[e] = true
				conns = append(conns, models.Connection{From: e.From, To: e.To, Type: models.EdgeEmergency, Strength: 1})
			}
		}
	}
	return conns
}

// ActiveEdges returns the edges routable in the current mode
func (c *Controller) ActiveEdges() []models.Edge {
	c.mu.Lock()
	defer c.mu.Unlock()

	conns := c.activeEdges()
	edges := make([]models.Edge, len(conns))
	for i, conn := range conns {
		edges[i] = models.Edge{From: conn.From, To: conn.To}
	}
	return edges
}

// Connections returns the active edges annotated with their type
func (c *Controller) Connections() []models.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeEdges()
}

// CommunicationMatrix returns from -> to -> 1 for active edges, 0 otherwise
func (c *Controller) CommunicationMatrix() models.CommunicationMatrix {
	c.mu.Lock()
	defer c.mu.Unlock()

	matrix := make(models.CommunicationMatrix, len(c.agents))
	for _, from := range c.agents {
		row := make(map[string]float64, len(c.agents))
		for _, to := range c.agents {
			if from == to {
				continue
			}
			if c.isActive(models.Edge{From: from, To: to}) {
				row[to] = 1
			} else {
				row[to] = 0
			}
		}
		matrix[from] = row
	}
	return matrix
}

// SendMessage enqueues content on the (from,to) queue. It returns false when the
// edge is not active in the current mode. A full queue drops its oldest entry.
func (c *Controller) SendMessage(from, to, content string, metadata map[string]interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	edge := models.Edge{From: from, To: to}
	if !c.isActive(edge) {
		c.rejected++
		c.logger.Debug("Message rejected on inactive edge", zap.String("edge", edge.String()))
		return false
	}

	msg := models.Message{From: from, To: to, Content: content, Timestamp: c.now()}
	if len(metadata) > 0 {
		msg.Metadata = make(map[string]interface{}, len(metadata))
		for k, v := range metadata {
			msg.Metadata[k] = v
		}
	}

	queue := c.queues[edge]
	if len(queue) >= c.config.MaxQueueSize {
		drop := len(queue) - c.config.MaxQueueSize + 1
		queue = queue[drop:]
		c.dropped += drop
	}
	c.queues[edge] = append(queue, msg)

	c.agentStats(from).Sent++
	c.agentStats(to).Received++
	return true
}

func (c *Controller) agentStats(agent string) *models.AgentStats {
	s, ok := c.stats[agent]
	if !ok {
		s = &models.AgentStats{}
		c.stats[agent] = s
	}
	return s
}

// GetMessages returns up to lastN of the most recent messages on (from,to), oldest first.
// lastN <= 0 returns the whole queue. Messages are not removed.
func (c *Controller) GetMessages(from, to string, lastN int) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.queues[models.Edge{From: from, To: to}]
	if lastN > 0 && len(queue) > lastN {
		queue = queue[len(queue)-lastN:]
	}
	out := make([]models.Message, len(queue))
	copy(out, queue)
	return out
}

// MessagesFor returns every queued message addressed to agent (incoming) or sent by it,
// ordered by timestamp
func (c *Controller) MessagesFor(agent string, incoming bool) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []models.Message
	for edge, queue := range c.queues {
		if (incoming && edge.To == agent) || (!incoming && edge.From == agent) {
			out = append(out, queue...)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// ClearMessages empties every queue and the traffic counters. EmergencyStatus is kept.
func (c *Controller) ClearMessages() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queues = make(map[models.Edge][]models.Message)
	c.stats = make(map[string]*models.AgentStats)
	c.rejected = 0
	c.dropped = 0
}

// Stats returns a snapshot of the controller counters
func (c *Controller) Stats() models.NetworkStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := models.NetworkStats{
		Mode:        c.status.Mode(),
		ActiveEdges: len(c.activeEdges()),
		Rejected:    c.rejected,
		Dropped:     c.dropped,
		Agents:      make(map[string]models.AgentStats, len(c.stats)),
	}
	for _, queue := range c.queues {
		stats.Queued += len(queue)
	}
	for agent, s := range c.stats {
		stats.Agents[agent] = *s
	}
	return stats
}
