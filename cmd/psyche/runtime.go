package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/psychesim/dynamics/internal/analysis"
	"github.com/psychesim/dynamics/internal/audit"
	"github.com/psychesim/dynamics/internal/broadcast"
	"github.com/psychesim/dynamics/internal/config"
	"github.com/psychesim/dynamics/internal/engine"
	"github.com/psychesim/dynamics/internal/graph"
	"github.com/psychesim/dynamics/internal/journal"
	"github.com/psychesim/dynamics/internal/prompt"
	"github.com/psychesim/dynamics/internal/store"
	"github.com/psychesim/dynamics/internal/topology"
)

// runtime owns every component of one CLI invocation
type runtime struct {
	store       *store.Store
	broadcaster *broadcast.Broadcaster
	controller  *topology.Controller
	analyzer    *analysis.Analyzer
	adapter     *prompt.Adapter

	journal *journal.Journal
	ledger  *audit.Ledger
	mirror  *graph.Mirror

	// notices holds topology switches until the REPL prints them
	notices chan string

	logger    *zap.Logger
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// openRuntime builds the components. The store is mandatory but starts degraded when
// Redis is down; journal, ledger and mirror are skipped with a warning when they fail.
func openRuntime(cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	rt := &runtime{
		notices: make(chan string, 16),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	var err error

	if rt.store, err = store.New(&cfg.Store, store.WithLogger(logger.Named("store"))); err != nil {
		return nil, err
	}
	if rt.broadcaster, err = broadcast.New(rt.store, &cfg.Broadcast, broadcast.WithLogger(logger.Named("broadcast"))); err != nil {
		rt.Close()
		return nil, err
	}
	if rt.controller, err = topology.New(&cfg.Topology, topology.WithLogger(logger.Named("topology"))); err != nil {
		rt.Close()
		return nil, err
	}
	if rt.analyzer, err = analysis.NewAnalyzer(&cfg.Analysis, analysis.WithLogger(logger.Named("analysis"))); err != nil {
		rt.Close()
		return nil, err
	}
	if rt.adapter, err = prompt.NewAdapter(&cfg.Prompt, prompt.WithLogger(logger.Named("prompt"))); err != nil {
		rt.Close()
		return nil, err
	}

	// Optional backends open concurrently; the Dgraph schema install can take a while.
	var g errgroup.Group
	if cfg.Journal.Enabled {
		g.Go(func() error {
			j, err := journal.Open(&cfg.Journal.Config)
			if err != nil {
				logger.Warn("Journal disabled", zap.Error(err))
				return nil
			}
			rt.journal = j
			return nil
		})
	}
	if cfg.Audit.Enabled {
		g.Go(func() error {
			l, err := audit.Open(&cfg.Audit.Config)
			if err != nil {
				logger.Warn("Audit ledger disabled", zap.Error(err))
				return nil
			}
			rt.ledger = l
			return nil
		})
	}
	if cfg.Graph.Enabled {
		g.Go(func() error {
			m, err := graph.NewMirror(&cfg.Graph.Config)
			if err != nil {
				logger.Warn("Topology mirror disabled", zap.Error(err))
				return nil
			}
			rt.mirror = m
			return nil
		})
	}
	_ = g.Wait()

	if cfg.Retention.Interval > 0 {
		rt.wg.Add(1)
		go rt.runRetention(cfg.Retention.Interval, cfg.Retention.MaxAge)
	}
	return rt, nil
}

// runRetention prunes the adaptation history at the configured interval
func (rt *runtime) runRetention(interval, maxAge time.Duration) {
	defer rt.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			rt.prune(ctx, time.Now().Add(-maxAge))
			cancel()
		case <-rt.stopCh:
			return
		}
	}
}

// prune drops adaptation records older than cutoff from the adapter and the journal
func (rt *runtime) prune(ctx context.Context, cutoff time.Time) {
	removed := rt.adapter.Prune(cutoff)
	journaled := 0
	if rt.journal != nil {
		n, err := rt.journal.PruneAdaptations(ctx, cutoff)
		if err != nil {
			rt.logger.Warn("Failed to prune journal", zap.Error(err))
		}
		journaled = n
	}
	if removed > 0 || journaled > 0 {
		rt.logger.Info("Pruned adaptation history",
			zap.Int("memory", removed),
			zap.Int("journal", journaled),
			zap.Time("cutoff", cutoff))
	}
}

// session wires a session over the runtime's components
func (rt *runtime) session(id string, cfg *config.Config, logger *zap.Logger) (*engine.Session, error) {
	opts := []engine.Option{engine.WithLogger(logger.Named("engine"))}
	if rt.journal != nil {
		opts = append(opts, engine.WithJournal(rt.journal))
	}
	if rt.ledger != nil {
		opts = append(opts, engine.WithLedger(rt.ledger))
	}
	if rt.mirror != nil {
		opts = append(opts, engine.WithMirror(rt.mirror))
	}

	return engine.NewSession(id, &cfg.Session, engine.Components{
		Analyzer:    rt.analyzer,
		Adapter:     rt.adapter,
		Controller:  rt.controller,
		Store:       rt.store,
		Broadcaster: rt.broadcaster,
	}, opts...)
}

// Close stops the retention loop and releases every open component. Later calls
// return the first result.
func (rt *runtime) Close() error {
	rt.closeOnce.Do(func() {
		close(rt.stopCh)
		rt.wg.Wait()
		rt.closeErr = rt.closeComponents()
	})
	return rt.closeErr
}

func (rt *runtime) closeComponents() error {
	var errs []error
	if rt.mirror != nil {
		errs = append(errs, rt.mirror.Close())
	}
	if rt.ledger != nil {
		errs = append(errs, rt.ledger.Close())
	}
	if rt.journal != nil {
		errs = append(errs, rt.journal.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	return errors.Join(errs...)
}
