// Package multiwriters races a durable writer against a second worker on one
// shared storage engine for a fixed time, then reports how many operations
// each of them completed.
package multiwriters

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lotusdblabs/multiwriters/logger"
	"github.com/lotusdblabs/multiwriters/lotusdb"
	"github.com/lotusdblabs/multiwriters/util"
)

// Harness owns the engine of a run. The workers only borrow it.
type Harness struct {
	cfg     RunConfig
	backend Backend
	engine  Engine

	mu     sync.Mutex
	closed bool
}

// Initialize prepares the storage of a run: it destroys the previous data
// when configured, opens the engine and creates the second column family
// the scenario needs, reopening the engine with both column families listed.
// Every failure is a *FatalError.
func Initialize(cfg RunConfig, backend Backend) (*Harness, error) {
	if err := cfg.validate(); err != nil {
		return nil, fatal(RoleController, "config", err)
	}
	if backend == nil {
		backend = LotusBackend{}
	}

	if cfg.DestroyDB {
		if err := backend.Destroy(cfg.DirPath); err != nil {
			return nil, fatal(RoleController, "destroy", err)
		}
	}

	engine, err := openEngine(&cfg, backend)
	if err != nil {
		return nil, err
	}

	logger.Info("harness initialized",
		zap.String("path", cfg.DirPath),
		zap.String("scenario", cfg.Scenario.Name),
		zap.Stringer("second worker", cfg.Scenario.Second),
		zap.Duration("duration", cfg.Duration),
		zap.Int64("seed", cfg.Seed),
	)
	return &Harness{cfg: cfg, backend: backend, engine: engine}, nil
}

func openEngine(cfg *RunConfig, backend Backend) (Engine, error) {
	engine, err := backend.Open(cfg.engineOptions())
	if !cfg.Scenario.MultiColumnFamily {
		if err != nil {
			return nil, fatal(RoleController, "open", err)
		}
		return engine, nil
	}

	switch {
	case errors.Is(err, lotusdb.ErrColumnFamilyNotOpened):
		// kept from an earlier run
		logger.Info("reopen with existing column families", zap.String("path", cfg.DirPath))
	case err != nil:
		return nil, fatal(RoleController, "open", err)
	default:
		if err := engine.CreateColumnFamily(SecondColumnFamily); err != nil {
			_ = engine.Close()
			return nil, fatal(RoleController, "create column family", err)
		}
		if err := engine.Close(); err != nil {
			return nil, fatal(RoleController, "close", err)
		}
	}

	engine, err = backend.Open(cfg.engineOptions(SecondColumnFamily))
	if err != nil {
		return nil, fatal(RoleController, "open", err)
	}
	return engine, nil
}

// Config returns the validated configuration of the harness.
func (h *Harness) Config() RunConfig {
	return h.cfg
}

// Run starts the two workers, lets them race for the configured duration,
// stops and joins them, and returns their counters.
// A worker failure ends the run early with that worker's *FatalError and no
// counters. Cancelling ctx ends the run early with ctx's error.
func (h *Harness) Run(ctx context.Context) (Counters, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return Counters{}, ErrHarnessClosed
	}

	runID := uuid.New()
	cfg := &h.cfg
	stop := NewStopToken()
	durable := newWorker(RoleDurable, h.engine, stop, cfg, 0)
	second := newWorker(secondRole(cfg.Scenario.Second), h.engine, stop, cfg, 1)

	logger.Info("run started", zap.Stringer("run", runID), zap.String("scenario", cfg.Scenario.Name))

	var counters Counters
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return durable.durableWrite(&counters.DurableWrites)
	})
	g.Go(func() error {
		switch cfg.Scenario.Second {
		case MultiGetReader:
			return second.multiGet(&counters.Reads)
		case PropertyReader:
			return second.readProperties(&counters.Reads)
		default:
			return second.nonDurableWrite(&counters.NonDurableWrites)
		}
	})

	timer := time.NewTimer(cfg.Duration)
	select {
	case <-timer.C:
	case <-gctx.Done():
	}
	timer.Stop()
	stop.Stop()

	err := g.Wait()
	elapsed := time.Since(start)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		logger.Error("run failed", zap.Stringer("run", runID), zap.Duration("elapsed", elapsed), zap.Error(err))
		return Counters{}, err
	}

	fields := []zap.Field{
		zap.Stringer("run", runID),
		zap.Duration("elapsed", elapsed),
		zap.Int64("durable writes", counters.DurableWrites),
		zap.Int64("non-durable writes", counters.NonDurableWrites),
		zap.Int64("reads", counters.Reads),
	}
	if util.PathExist(cfg.DirPath) {
		size, err := util.DirSize(cfg.DirPath)
		if err != nil {
			logger.Warn("disk usage unavailable", zap.String("path", cfg.DirPath), zap.Error(err))
		} else {
			fields = append(fields, zap.Int64("disk usage", size))
		}
	}
	logger.Info("run finished", fields...)
	return counters, nil
}

// Report formats counters for the scenario of the harness.
func (h *Harness) Report(counters Counters) string {
	return counters.Report(h.cfg.Scenario.readsEnabled())
}

// Close closes the engine. It must not be called while Run is in progress.
func (h *Harness) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.engine.Close()
}

func secondRole(kind WorkerKind) string {
	if kind == NonDurableWriter {
		return RoleNonDurable
	}
	return RoleReader
}
