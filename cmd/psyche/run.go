package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/psychesim/dynamics/internal/broadcast"
	"github.com/psychesim/dynamics/internal/engine"
	"github.com/psychesim/dynamics/internal/models"
	"github.com/psychesim/dynamics/internal/store"
	"github.com/psychesim/dynamics/internal/topology"
)

var sessionID string

// adaptationsShown is how many journaled adaptations /prompts lists per agent
const adaptationsShown = 5

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	modeStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("204"))
	hintStyle   = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("245"))
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an interactive session",
	Long: `Reads rounds from stdin. Each line is "Agent: text"; a blank line closes the round
and runs the pipeline. Lines starting with "/" are commands (see /help).`,
	Args: cobra.NoArgs,
	RunE: runSession,
}

func runSession(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, err := openRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(cmd.OutOrStdout(), "\n\nShutting down...")
			cancel()
			_ = rt.Close()
			os.Exit(0)
		case <-ctx.Done():
		}
	}()

	id := sessionID
	if id == "" {
		id = uuid.NewString()
	}
	session, err := rt.session(id, cfg, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printBanner(out, id)
	if sessionID != "" {
		if session.Resume(ctx) {
			fmt.Fprintf(out, "✓ Resumed session at iteration %d\n\n", session.Snapshot().Iterations)
		} else {
			fmt.Fprintln(out, "⚠️ Nothing stored for this session, starting fresh")
			fmt.Fprintln(out)
		}
	}
	if rt.store.State() != store.Connected {
		fmt.Fprintf(out, "⚠️ Redis unreachable at %s; running without persistence\n\n", cfg.Store.URL)
	}

	defer rt.watchTransitions(ctx)()

	fmt.Fprintf(out, "Situation: %s\n\n", session.Situation())

	interactive := false
	if f, ok := cmd.InOrStdin().(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	if interactive {
		fmt.Fprintln(out, hintStyle.Render(`Enter "Agent: text" lines, a blank line ends the round. /help lists commands.`))
	}
	return repl(ctx, cmd.InOrStdin(), out, session, rt, interactive)
}

// watchTransitions queues a notice for every topology switch announced on the store.
// Handlers run on the store's fan-out goroutine, so nothing is written here; the REPL
// prints the queue between rounds. The returned func stops watching.
func (rt *runtime) watchTransitions(ctx context.Context) func() {
	id, ok := rt.store.Subscribe(ctx, broadcast.ChannelEmergencyStatus, func(env store.Envelope) error {
		var event struct {
			Transition topology.Transition `json:"transition"`
		}
		if err := env.Decode(&event); err != nil {
			return err
		}
		if !event.Transition.Changed {
			return nil
		}
		notice := modeStyle.Render(fmt.Sprintf("🔀 Topology switched %s → %s (stagnation %.2f)",
			event.Transition.From, event.Transition.To, event.Transition.Stagnation))
		select {
		case rt.notices <- notice:
		default:
			rt.logger.Debug("Notice queue full, dropping transition notice")
		}
		return nil
	})
	if !ok {
		return func() {}
	}
	return func() {
		rt.store.Unsubscribe(context.Background(), broadcast.ChannelEmergencyStatus, id)
	}
}

// drainNotices prints every queued notice without blocking
func drainNotices(w io.Writer, notices <-chan string) {
	for {
		select {
		case n := <-notices:
			fmt.Fprintln(w, n)
		default:
			return
		}
	}
}

func printBanner(w io.Writer, id string) {
	fmt.Fprintf(w, `
╔═════════════════════════════════════════════════════════╗
║          Psyche Conversation Dynamics %-10s        ║
╚═════════════════════════════════════════════════════════╝
Session: %s

`, version, id)
}

// repl accumulates "Agent: text" lines into a round until a blank line
func repl(ctx context.Context, in io.Reader, out io.Writer, session *engine.Session, rt *runtime, interactive bool) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	round := make(map[string]string)

	for {
		drainNotices(out, rt.notices)
		if interactive {
			fmt.Fprintf(out, "%d> ", len(round))
		}
		if !scanner.Scan() {
			if len(round) > 0 {
				printRound(out, session.ProcessRound(ctx, round))
				drainNotices(out, rt.notices)
			}
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			if len(round) == 0 {
				continue
			}
			printRound(out, session.ProcessRound(ctx, round))
			round = make(map[string]string)
		case strings.HasPrefix(line, "/"):
			if !handleCommand(ctx, out, line, session, rt) {
				return nil
			}
		default:
			agent, text, ok := strings.Cut(line, ":")
			agent, text = strings.TrimSpace(agent), strings.TrimSpace(text)
			if !ok || agent == "" || text == "" {
				fmt.Fprintln(out, `⚠️ Expected "Agent: text"`)
				continue
			}
			if prev, exists := round[agent]; exists {
				text = prev + " " + text
			}
			round[agent] = text
		}
	}
}

func printRound(w io.Writer, r engine.RoundResult) {
	s := r.State
	fmt.Fprintln(w)
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("── Round %d ──", r.Iteration)))
	fmt.Fprintf(w, "conflict %.2f | engagement %.2f | diversity %.2f | repetition %.2f | emotion %.2f | stagnation %.2f\n",
		s.Conflict, s.Engagement, s.Diversity, s.Repetition, s.EmotionalIntensity, s.Stagnation)
	fmt.Fprintf(w, "mode %s | routed %d | rejected %d\n", r.Transition.To, r.Routed, r.Rejected)
	if r.Intervention != "" {
		fmt.Fprintln(w, hintStyle.Render("💡 "+r.Intervention))
	}
	fmt.Fprintf(w, "Situation: %s\n\n", r.Situation)
}

// handleCommand runs a slash command; it returns false when the session should end
func handleCommand(ctx context.Context, out io.Writer, line string, session *engine.Session, rt *runtime) bool {
	parts := strings.Fields(line)
	switch parts[0] {
	case "/help":
		fmt.Fprintln(out, "\nCommands: /help /status /prompts /stimulus [kind] /history /export /reset /exit")
		fmt.Fprintf(out, "Stimuli: %s, random\n\n", strings.Join(engine.StimulusKinds(), ", "))
	case "/status":
		printStatus(out, session.Snapshot(), rt.controller.Stats(), rt.controller.EmergencyStatus())
	case "/prompts":
		printAdaptations(ctx, out, rt)
	case "/stimulus":
		kind := "random"
		if len(parts) > 1 {
			kind = parts[1]
		}
		fmt.Fprintf(out, "\n✨ Situation: %s\n\n", session.InjectStimulus(ctx, kind))
	case "/history":
		rounds := rt.analyzer.Rounds()
		if len(rounds) == 0 {
			fmt.Fprintln(out, "\nNo history")
			fmt.Fprintln(out)
			return true
		}
		fmt.Fprintln(out, "\n=== History ===")
		for i, r := range rounds {
			for _, agent := range r.Agents() {
				fmt.Fprintf(out, "%d. %s: %s\n", i+1, agent, truncate(r.Outputs[agent], 60))
			}
		}
		fmt.Fprintln(out)
	case "/export":
		data, err := json.MarshalIndent(session.Export(), "", "  ")
		if err != nil {
			fmt.Fprintf(out, "❌ Export failed: %v\n", err)
			return true
		}
		fmt.Fprintln(out, string(data))
	case "/reset":
		session.Reset(ctx)
		fmt.Fprintln(out, "✓ Conversation dynamics reset")
		fmt.Fprintln(out)
	case "/exit", "/quit":
		fmt.Fprintln(out, "Goodbye!")
		return false
	default:
		fmt.Fprintf(out, "Unknown command %s (try /help)\n", parts[0])
		logger.Debug("Unknown command", zap.String("command", parts[0]))
	}
	return true
}

// printAdaptations lists recent adaptations per agent. The journal outlives the
// process, so it is preferred over the in-memory log when enabled.
func printAdaptations(ctx context.Context, out io.Writer, rt *runtime) {
	history := rt.adapter.AllHistory()
	source := "memory"

	if rt.journal != nil {
		agents := make(map[string]bool)
		for _, a := range rt.controller.Agents() {
			agents[a] = true
		}
		for _, rec := range history {
			agents[rec.AgentID] = true
		}

		var journaled []models.AdaptationRecord
		var err error
		for agent := range agents {
			var recs []models.AdaptationRecord
			if recs, err = rt.journal.Adaptations(ctx, agent, adaptationsShown); err != nil {
				break
			}
			journaled = append(journaled, recs...)
		}
		if err != nil {
			fmt.Fprintf(out, "⚠️ Journal unavailable: %v\n", err)
		} else {
			history, source = journaled, "journal"
		}
	}

	if len(history) == 0 {
		fmt.Fprintln(out, "\nNo adaptations yet")
		fmt.Fprintln(out)
		return
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Timestamp.Before(history[j].Timestamp) })

	fmt.Fprintf(out, "\n=== Adaptations (%s) ===\n", source)
	for _, rec := range history {
		fmt.Fprintf(out, "%s %s: %s\n", rec.Timestamp.Format("15:04:05"), rec.AgentID, strings.Join(rec.TriggeredRules, ", "))
	}
	fmt.Fprintln(out)
}

func printStatus(w io.Writer, rec engine.Record, stats models.NetworkStats, status models.EmergencyStatus) {
	fmt.Fprintf(w, "\nSession %s | iteration %d | mode %s\n", rec.ID, rec.Iterations, stats.Mode)
	fmt.Fprintf(w, "active edges %d | queued %d | rejected %d | dropped %d\n",
		stats.ActiveEdges, stats.Queued, stats.Rejected, stats.Dropped)
	fmt.Fprintf(w, "stagnation %.2f | streak %d\n", status.CurrentStagnation, status.ConsecutiveCount)

	agents := make([]string, 0, len(stats.Agents))
	for a := range stats.Agents {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	for _, a := range agents {
		fmt.Fprintf(w, "  • %-14s sent %d received %d\n", a, stats.Agents[a].Sent, stats.Agents[a].Received)
	}
	fmt.Fprintln(w)
}

// truncate shortens s to maxLen runes, ellipsis included
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}
