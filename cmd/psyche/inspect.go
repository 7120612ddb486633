package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/psychesim/dynamics/internal/audit"
	"github.com/psychesim/dynamics/internal/broadcast"
	"github.com/psychesim/dynamics/internal/graph"
	"github.com/psychesim/dynamics/internal/store"
)

var historyLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last synchronized network state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		s, err := store.New(&cfg.Store, store.WithLogger(logger.Named("store")))
		if err != nil {
			return err
		}
		defer s.Close()

		b, err := broadcast.New(s, &cfg.Broadcast, broadcast.WithLogger(logger.Named("broadcast")))
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "Redis: %s (%s)\n", s.State(), cfg.Store.URL)
		if cfg.Graph.Enabled {
			printMirroredRoutes(cmd, out)
		}

		state, ok := b.RestoreNetworkState(ctx)
		if !ok {
			fmt.Fprintln(out, "No network state stored")
			return nil
		}

		fmt.Fprintf(out, "Synced %s ago\n", time.Since(state.Timestamp).Round(time.Second))
		fmt.Fprintf(out, "Mode: %s | active edges %d | queued %d | rejected %d | dropped %d\n",
			state.Stats.Mode, state.Stats.ActiveEdges, state.Stats.Queued, state.Stats.Rejected, state.Stats.Dropped)
		fmt.Fprintf(out, "Stagnation: %.2f | streak %d\n",
			state.EmergencyStatus.CurrentStagnation, state.EmergencyStatus.ConsecutiveCount)
		for _, c := range state.Connections {
			fmt.Fprintf(out, "  %s → %s (%s)\n", c.From, c.To, c.Type)
		}
		return nil
	},
}

// printMirroredRoutes lists the routes last written to the Dgraph mirror
func printMirroredRoutes(cmd *cobra.Command, out io.Writer) {
	m, err := graph.NewMirror(&cfg.Graph.Config)
	if err != nil {
		fmt.Fprintf(out, "Dgraph: unavailable (%v)\n", err)
		return
	}
	defer m.Close()

	routes, err := m.Routes(cmd.Context())
	if err != nil {
		fmt.Fprintf(out, "Dgraph: %v\n", err)
		return
	}
	fmt.Fprintf(out, "Dgraph: %d mirrored routes (%s)\n", len(routes), cfg.Graph.AlphaURL)
	for _, c := range routes {
		fmt.Fprintf(out, "  %s ⇢ %s (%s)\n", c.From, c.To, c.Type)
	}
}

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show the audited rounds and mode transitions of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		id := args[0]

		ledger, err := audit.Open(&cfg.Audit.Config)
		if err != nil {
			return err
		}
		defer ledger.Close()

		summary, err := ledger.Summarize(ctx, id)
		if err != nil {
			return err
		}
		if summary.Rounds == 0 {
			fmt.Fprintf(out, "No rounds recorded for %s\n", id)
			return nil
		}

		fmt.Fprintf(out, "Session %s: %d rounds, %d transitions, mean stagnation %.2f, max conflict %.2f\n",
			id, summary.Rounds, summary.Transitions, summary.MeanStagnation, summary.MaxConflict)

		rounds, err := ledger.Rounds(ctx, id, historyLimit)
		if err != nil {
			return err
		}
		for _, r := range rounds {
			fmt.Fprintf(out, "  #%-4d %s  %-9s stagnation %.2f conflict %.2f",
				r.Iteration, r.RecordedAt.Format(time.RFC3339), r.Mode, r.State.Stagnation, r.State.Conflict)
			if r.Intervention != "" {
				fmt.Fprintf(out, "  💡 %s", r.Intervention)
			}
			fmt.Fprintln(out)
		}

		transitions, err := ledger.Transitions(ctx, id)
		if err != nil {
			return err
		}
		for _, t := range transitions {
			fmt.Fprintf(out, "  🔀 iteration %d: %s → %s at %.2f\n", t.Iteration, t.From, t.To, t.Stagnation)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Rounds to show (0 = all)")
}
