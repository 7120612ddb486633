package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychesim/dynamics/internal/models"
	"github.com/psychesim/dynamics/internal/store"
	"github.com/psychesim/dynamics/internal/topology"
)

func newTestStore(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	config := store.DefaultConfig()
	config.URL = "redis://" + mr.Addr()

	s, err := store.New(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func collect(t *testing.T, s *store.Store, channel string) <-chan store.Envelope {
	t.Helper()
	ch := make(chan store.Envelope, 8)
	_, ok := s.Subscribe(context.Background(), channel, func(e store.Envelope) error {
		ch <- e
		return nil
	})
	require.True(t, ok)
	return ch
}

func next(t *testing.T, ch <-chan store.Envelope) store.Envelope {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	return store.Envelope{}
}

func TestAnnounceState(t *testing.T) {
	s, _ := newTestStore(t)
	b, err := New(s, nil)
	require.NoError(t, err)

	events := collect(t, s, ChannelConversationState)
	state := models.StateVector{Conflict: 0.2, Engagement: 0.5, Diversity: 0.8, Stagnation: 0.6}
	require.True(t, b.AnnounceState(context.Background(), "sess-1", 4, state))

	var payload struct {
		SessionID string             `json:"session_id"`
		Iteration int                `json:"iteration"`
		State     models.StateVector `json:"state"`
	}
	require.NoError(t, next(t, events).Decode(&payload))
	assert.Equal(t, "sess-1", payload.SessionID)
	assert.Equal(t, 4, payload.Iteration)
	assert.Equal(t, state, payload.State)
}

func TestAnnounceTopology(t *testing.T) {
	s, _ := newTestStore(t)
	b, err := New(s, nil)
	require.NoError(t, err)

	events := collect(t, s, ChannelEmergencyStatus)
	tr := topology.Transition{From: models.ModeNormal, To: models.ModeEmergency, Changed: true, Stagnation: 0.9}
	require.True(t, b.AnnounceTopology(context.Background(), tr, models.EmergencyStatus{EmergencyMode: true, ConsecutiveCount: 2}))

	var payload struct {
		Transition topology.Transition    `json:"transition"`
		Status     models.EmergencyStatus `json:"status"`
	}
	require.NoError(t, next(t, events).Decode(&payload))
	assert.True(t, payload.Transition.Changed)
	assert.Equal(t, models.ModeEmergency, payload.Transition.To)
	assert.Equal(t, 2, payload.Status.ConsecutiveCount)
}

func TestAnnounceConversation(t *testing.T) {
	s, _ := newTestStore(t)
	b, err := New(s, nil)
	require.NoError(t, err)

	ctx := context.Background()
	n := b.AnnounceConversation(ctx, "sess-1", 1, map[string]string{"Ego": "hello", "Self": "hi"}, "shift focus")
	assert.Equal(t, 2, n)

	history := s.ConversationHistory(ctx, "Ego", 1, time.Time{}, time.Time{})
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0]["content"])
	assert.Equal(t, "shift focus", history[0]["intervention"])
	assert.Equal(t, "sess-1", history[0]["session_id"])
}

func TestSyncAndRestoreNetworkState(t *testing.T) {
	s, _ := newTestStore(t)
	b, err := New(s, nil)
	require.NoError(t, err)

	ctrl, err := topology.New(nil)
	require.NoError(t, err)
	ctrl.UpdateConversationState(models.StateVector{Stagnation: 0.95})
	require.True(t, ctrl.SendMessage("Shadow", "Ego", "x", nil))

	events := collect(t, s, ChannelNetworkSynced)
	ctx := context.Background()
	require.True(t, b.SyncNetworkState(ctx, ctrl, true))

	var synced NetworkState
	require.NoError(t, next(t, events).Decode(&synced))
	assert.Equal(t, models.ModeEmergency, synced.Stats.Mode)

	restored, ok := b.RestoreNetworkState(ctx)
	require.True(t, ok)
	assert.True(t, restored.EmergencyStatus.EmergencyMode)
	assert.Equal(t, []float64{0.95}, restored.EmergencyStatus.StagnationHistory)
	assert.Len(t, restored.Connections, 18)
	assert.Equal(t, 1, restored.Stats.Queued)
}

func TestSyncIsRateLimitedUnlessForced(t *testing.T) {
	s, _ := newTestStore(t)
	config := DefaultConfig()
	config.SyncRate = 0.001
	config.SyncBurst = 1
	b, err := New(s, config)
	require.NoError(t, err)

	ctrl, err := topology.New(nil)
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, b.SyncNetworkState(ctx, ctrl, false))
	assert.False(t, b.SyncNetworkState(ctx, ctrl, false))
	assert.True(t, b.SyncNetworkState(ctx, ctrl, true))
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	s, _ := newTestStore(t)
	b, err := New(s, nil)
	require.NoError(t, err)

	_, ok := b.RestoreNetworkState(context.Background())
	assert.False(t, ok)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	s, _ := newTestStore(t)
	config := DefaultConfig()
	config.SyncBurst = 0
	_, err = New(s, config)
	var cfgErr *models.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
