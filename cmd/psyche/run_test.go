package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/psychesim/dynamics/internal/config"
)

func testRuntime(t *testing.T, mutate ...func(*config.Config)) (*runtime, *config.Config) {
	t.Helper()
	mr := miniredis.RunT(t)

	c := config.Default()
	for _, m := range mutate {
		m(c)
	}
	c.Store.URL = "redis://" + mr.Addr()
	c.Journal.InMemory = true
	c.Audit.Path = ":memory:"

	logger = zap.NewNop()
	rt, err := openRuntime(c, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt, c
}

func TestReplProcessesRounds(t *testing.T) {
	rt, c := testRuntime(t)
	session, err := rt.session("repl-test", c, logger)
	require.NoError(t, err)

	input := strings.Join([]string{
		"Shadow: I resist everything you say",
		"Ego: Let us think about it",
		"Ego: carefully",
		"",
		"not a round line",
		"/status",
		"/stimulus memory",
		"Self: fine",
		"",
		"/history",
		"/exit",
		"Persona: never processed",
		"",
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, repl(context.Background(), strings.NewReader(input), &out, session, rt, false))

	text := out.String()
	assert.Contains(t, text, "── Round 1 ──")
	assert.Contains(t, text, "── Round 2 ──")
	assert.NotContains(t, text, "── Round 3 ──")
	assert.Contains(t, text, `Expected "Agent: text"`)
	assert.Contains(t, text, "Session repl-test | iteration 1")
	assert.Contains(t, text, "A forgotten childhood memory suddenly surfaces...")
	assert.Contains(t, text, "Ego: Let us think about it carefully")
	assert.Contains(t, text, "Goodbye!")

	rounds, err := rt.ledger.Rounds(context.Background(), "repl-test", 0)
	require.NoError(t, err)
	assert.Len(t, rounds, 2)
}

func TestReplFlushesPendingRoundAtEOF(t *testing.T) {
	rt, c := testRuntime(t)
	session, err := rt.session("eof-test", c, logger)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, repl(context.Background(), strings.NewReader("Shadow: last words"), &out, session, rt, false))
	assert.Contains(t, out.String(), "── Round 1 ──")
	assert.Equal(t, 1, rt.analyzer.Len())
}

func terseRound() map[string]string {
	return map[string]string{"Shadow": "fine", "Persona": "fine", "Anima/Animus": "fine", "Self": "fine", "Ego": "fine"}
}

func TestPromptsListsJournaledAdaptations(t *testing.T) {
	rt, c := testRuntime(t)
	session, err := rt.session("prompts-test", c, logger)
	require.NoError(t, err)
	session.ProcessRound(context.Background(), terseRound())

	// a fresh adapter has no memory of the round; the journal does
	rt.adapter.Reset()

	var out bytes.Buffer
	require.True(t, handleCommand(context.Background(), &out, "/prompts", session, rt))
	assert.Contains(t, out.String(), "=== Adaptations (journal) ===")
	assert.Contains(t, out.String(), "Ego: ")
	assert.Contains(t, out.String(), "low_engagement")
}

func TestPruneDropsOldAdaptations(t *testing.T) {
	rt, c := testRuntime(t)
	session, err := rt.session("prune-test", c, logger)
	require.NoError(t, err)
	ctx := context.Background()
	session.ProcessRound(ctx, terseRound())
	require.NotEmpty(t, rt.adapter.AllHistory())

	rt.prune(ctx, time.Now().Add(-time.Hour))
	assert.NotEmpty(t, rt.adapter.AllHistory())

	rt.prune(ctx, time.Now().Add(time.Hour))
	assert.Empty(t, rt.adapter.AllHistory())
	journaled, err := rt.journal.Adaptations(ctx, "Ego", 0)
	require.NoError(t, err)
	assert.Empty(t, journaled)
}

func TestRetentionLoopPrunesAndStopsOnClose(t *testing.T) {
	rt, c := testRuntime(t, func(c *config.Config) {
		c.Retention = config.RetentionConfig{Interval: 10 * time.Millisecond, MaxAge: time.Nanosecond}
	})
	session, err := rt.session("retention-test", c, logger)
	require.NoError(t, err)
	session.ProcessRound(context.Background(), terseRound())

	assert.Eventually(t, func() bool { return len(rt.adapter.AllHistory()) == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())
}

func TestTransitionNoticesAreQueued(t *testing.T) {
	rt, c := testRuntime(t)
	session, err := rt.session("notice-test", c, logger)
	require.NoError(t, err)

	stop := rt.watchTransitions(context.Background())
	defer stop()

	result := session.ProcessRound(context.Background(), terseRound())
	require.True(t, result.Transition.Changed)

	var notice string
	require.Eventually(t, func() bool {
		select {
		case notice = <-rt.notices:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, notice, "Topology switched normal → emergency")

	var out bytes.Buffer
	rt.notices <- "queued"
	drainNotices(&out, rt.notices)
	assert.Equal(t, "queued\n", out.String())
	drainNotices(&out, rt.notices)
	assert.Equal(t, "queued\n", out.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ΨΨΨΨΨΨΨ...", truncate(strings.Repeat("Ψ", 20), 10))
	assert.Equal(t, "ΨΨΨ", truncate("ΨΨΨ", 3))
}
