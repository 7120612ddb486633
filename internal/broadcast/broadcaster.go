// Package broadcast announces conversation, topology and network events to external
// observers through the store's pub/sub channels.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/psychesim/dynamics/internal/logging"
	"github.com/psychesim/dynamics/internal/models"
	"github.com/psychesim/dynamics/internal/store"
	"github.com/psychesim/dynamics/internal/topology"
)

// Event channels, relative to the store prefix
const (
	ChannelConversationState = "conversation_state"
	ChannelEmergencyStatus   = "emergency_status"
	ChannelSessionUpdated    = "session_updated"
	ChannelNetworkSynced     = "network_state_synced"

	// NetworkStateID is the agent-state id under which the network snapshot is kept
	NetworkStateID = "network"
)

// Store is the subset of the state store the broadcaster publishes through
type Store interface {
	Publish(ctx context.Context, channel string, data interface{}) bool
	StoreConversation(ctx context.Context, id string, payload map[string]interface{}, ttl time.Duration) bool
	StoreAgentState(ctx context.Context, id string, state map[string]interface{}, ttl time.Duration) bool
	AgentState(ctx context.Context, id string) (*store.AgentState, bool)
}

// Network exposes the controller snapshots that make up a network sync
type Network interface {
	Stats() models.NetworkStats
	Connections() []models.Connection
	EmergencyStatus() models.EmergencyStatus
}

// Config holds broadcaster configuration
type Config struct {
	SyncRate        float64       `yaml:"sync_rate"` // network syncs per second
	SyncBurst       int           `yaml:"sync_burst"`
	StateTTL        time.Duration `yaml:"state_ttl"`
	ConversationTTL time.Duration `yaml:"conversation_ttl"`
}

// DefaultConfig returns default broadcaster configuration
func DefaultConfig() *Config {
	return &Config{
		SyncRate:        1,
		SyncBurst:       2,
		StateTTL:        time.Hour,
		ConversationTTL: time.Hour,
	}
}

// Validate checks the broadcaster settings
func (c *Config) Validate() error {
	if c.SyncRate <= 0 {
		return models.NewConfigurationError("broadcast.sync_rate", "must be positive, got %v", c.SyncRate)
	}
	if c.SyncBurst < 1 {
		return models.NewConfigurationError("broadcast.sync_burst", "must be >= 1, got %d", c.SyncBurst)
	}
	if c.StateTTL < 0 || c.ConversationTTL < 0 {
		return models.NewConfigurationError("broadcast.state_ttl", "ttl must not be negative")
	}
	return nil
}

// NetworkState is the persisted network snapshot
type NetworkState struct {
	Stats           models.NetworkStats    `json:"stats"`
	Connections     []models.Connection    `json:"connections"`
	EmergencyStatus models.EmergencyStatus `json:"emergency_status"`
	Timestamp       time.Time              `json:"timestamp"`
}

// Broadcaster publishes events through a Store
type Broadcaster struct {
	store   Store
	config  Config
	limiter *rate.Limiter
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Broadcaster
type Option func(*Broadcaster)

// WithLogger sets the broadcaster logger
func WithLogger(l *zap.Logger) Option {
	return func(b *Broadcaster) { b.logger = logging.OrNop(l) }
}

// WithClock overrides the event timestamp source
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

// New creates a broadcaster over s; a nil config uses defaults
func New(s Store, config *Config, opts ...Option) (*Broadcaster, error) {
	if s == nil {
		return nil, fmt.Errorf("broadcaster requires a store")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	b := &Broadcaster{
		store:   s,
		config:  *config,
		limiter: rate.NewLimiter(rate.Limit(config.SyncRate), config.SyncBurst),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// AnnounceState publishes the StateVector computed for a round
func (b *Broadcaster) AnnounceState(ctx context.Context, session string, iteration int, state models.StateVector) bool {
	return b.store.Publish(ctx, ChannelConversationState, map[string]interface{}{
		"session_id": session,
		"iteration":  iteration,
		"state":      state,
		"timestamp":  b.now().UTC(),
	})
}

// AnnounceTopology publishes a mode transition together with the status it produced
func (b *Broadcaster) AnnounceTopology(ctx context.Context, t topology.Transition, status models.EmergencyStatus) bool {
	if t.Changed {
		b.logger.Info("Announcing topology change",
			zap.String("from", string(t.From)),
			zap.String("to", string(t.To)))
	}
	return b.store.Publish(ctx, ChannelEmergencyStatus, map[string]interface{}{
		"transition": t,
		"status":     status,
	})
}

// AnnounceConversation persists each agent's utterance of a round; the store emits
// conversation_stored for every record. It returns the number of records written.
func (b *Broadcaster) AnnounceConversation(ctx context.Context, session string, iteration int, outputs map[string]string, intervention string) int {
	round := models.NewConversationRound(outputs, b.now())

	written := 0
	for _, agent := range round.Agents() {
		payload := map[string]interface{}{
			"session_id": session,
			"iteration":  iteration,
			"content":    round.Outputs[agent],
		}
		if intervention != "" {
			payload["intervention"] = intervention
		}
		if b.store.StoreConversation(ctx, agent, payload, b.config.ConversationTTL) {
			written++
		}
	}
	return written
}

// AnnounceSession publishes a session lifecycle event
func (b *Broadcaster) AnnounceSession(ctx context.Context, session, event string, data map[string]interface{}) bool {
	return b.store.Publish(ctx, ChannelSessionUpdated, map[string]interface{}{
		"session_id": session,
		"event":      event,
		"data":       data,
		"timestamp":  b.now().UTC(),
	})
}

// SyncNetworkState persists the network snapshot as agent state "network" and publishes
// network_state_synced. Unforced syncs are rate limited and report false when skipped.
func (b *Broadcaster) SyncNetworkState(ctx context.Context, network Network, force bool) bool {
	if !force && !b.limiter.Allow() {
		b.logger.Debug("Network sync skipped, rate limited")
		return false
	}

	snapshot := NetworkState{
		Stats:           network.Stats(),
		Connections:     network.Connections(),
		EmergencyStatus: network.EmergencyStatus(),
		Timestamp:       b.now().UTC(),
	}

	state, err := toMap(snapshot)
	if err != nil {
		b.logger.Error("Failed to serialize network state", zap.Error(err))
		return false
	}

	if !b.store.StoreAgentState(ctx, NetworkStateID, state, b.config.StateTTL) {
		return false
	}
	if !b.store.Publish(ctx, ChannelNetworkSynced, snapshot) {
		return false
	}

	b.logger.Debug("Network state synchronized", zap.Int("active_edges", snapshot.Stats.ActiveEdges))
	return true
}

// RestoreNetworkState reads the persisted network snapshot back
func (b *Broadcaster) RestoreNetworkState(ctx context.Context) (*NetworkState, bool) {
	record, ok := b.store.AgentState(ctx, NetworkStateID)
	if !ok {
		return nil, false
	}

	var snapshot NetworkState
	if err := record.Decode(&snapshot); err != nil {
		b.logger.Error("Failed to decode network state", zap.Error(err))
		return nil, false
	}

	b.logger.Info("Network state restored",
		zap.Bool("emergency_mode", snapshot.EmergencyStatus.EmergencyMode),
		zap.Int("connections", len(snapshot.Connections)))
	return &snapshot, true
}

func toMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
