package graph

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psychesim/dynamics/internal/models"
)

func testSnapshot() Snapshot {
	return Snapshot{
		Session:    "sess-1",
		Mode:       models.ModeEmergency,
		Stagnation: 0.85,
		Updated:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Connections: []models.Connection{
			{From: "Shadow", To: "Persona", Type: models.EdgeNormal, Strength: 1},
			{From: "Shadow", To: "Anima/Animus", Type: models.EdgeEmergency, Strength: 1},
		},
	}
}

func TestBuildUpsert(t *testing.T) {
	req := buildUpsert(testSnapshot())

	assert.True(t, req.CommitNow)
	assert.Contains(t, req.Query, `a0 as var(func: eq(agent.name, "Anima/Animus"))`)
	assert.Contains(t, req.Query, `t as var(func: eq(topology.session, "sess-1"))`)

	require.Len(t, req.Mutations, 2)
	del := string(req.Mutations[0].DelNquads)
	assert.Equal(t, 3, strings.Count(del, "<routes_to> * ."))

	set := string(req.Mutations[1].SetNquads)
	assert.Contains(t, set, `uid(a2) <routes_to> uid(a1) (type="normal") .`)
	assert.Contains(t, set, `uid(a2) <routes_to> uid(a0) (type="emergency") .`)
	assert.Contains(t, set, `uid(t) <topology.mode> "emergency" .`)
	assert.Contains(t, set, `uid(t) <topology.stagnation> "0.85" .`)
	assert.Contains(t, set, `uid(t) <topology.updated> "2024-01-01T00:00:00Z" .`)
}

func TestValidate(t *testing.T) {
	_, err := NewMirror(&Config{AlphaURL: "", Timeout: time.Second})
	var cfgErr *models.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestMirrorAgainstDgraph(t *testing.T) {
	alpha := os.Getenv("PSYCHE_DGRAPH_ALPHA")
	if alpha == "" {
		t.Skip("PSYCHE_DGRAPH_ALPHA not set")
	}

	m, err := NewMirror(&Config{AlphaURL: alpha, Timeout: 10 * time.Second})
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Sync(ctx, testSnapshot()))

	snap := testSnapshot()
	snap.Mode = models.ModeNormal
	snap.Connections = snap.Connections[:1]
	require.NoError(t, m.Sync(ctx, snap))

	routes, err := m.Routes(ctx)
	require.NoError(t, err)
	var fromShadow []models.Connection
	for _, r := range routes {
		if r.From == "Shadow" {
			fromShadow = append(fromShadow, r)
		}
	}
	require.Len(t, fromShadow, 1)
	assert.Equal(t, "Persona", fromShadow[0].To)
	assert.Equal(t, models.EdgeNormal, fromShadow[0].Type)
}
