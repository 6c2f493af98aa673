package multiwriters

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/lotusdblabs/multiwriters/lotusdb"
	"github.com/lotusdblabs/multiwriters/util"
)

var (
	durableWriteOptions    = lotusdb.WriteOptions{Sync: true, DisableWal: false}
	nonDurableWriteOptions = lotusdb.WriteOptions{Sync: false, DisableWal: true}
	flushAndWait           = lotusdb.FlushOptions{Wait: true}

	polledProperties = []string{
		lotusdb.PropertyNumImmutableMemTable,
		lotusdb.PropertyCurSizeActiveMemTable,
	}
)

// worker is one goroutine of a run. Its generator is not shared.
type worker struct {
	role   string
	engine Engine
	stop   *StopToken
	rnd    *rand.Rand
	cfg    *RunConfig
}

func newWorker(role string, engine Engine, stop *StopToken, cfg *RunConfig, index int) *worker {
	return &worker{
		role:   role,
		engine: engine,
		stop:   stop,
		rnd:    rand.New(rand.NewSource(cfg.Seed + int64(index))),
		cfg:    cfg,
	}
}

// loop runs op until the stop token is set or op fails.
// A stop set while op is running is observed once op returns.
func (w *worker) loop(op func() error) error {
	for !w.stop.Stopped() {
		if err := op(); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) nextKey() []byte {
	return util.RandomKey(w.rnd, w.cfg.KeySize, w.cfg.KeySpace)
}

// durableWrite puts synced writes into the primary column family,
// flushing after each one when the scenario asks for it.
func (w *worker) durableWrite(count *int64) error {
	return w.loop(func() error {
		key := w.nextKey()
		value := util.DerivedValue(key, w.cfg.ValueSize)
		if err := w.engine.Put(primaryColumnFamily, key, value, durableWriteOptions); err != nil {
			return fatal(w.role, "put", err)
		}
		if w.cfg.Scenario.FlushEveryWrite {
			if err := w.engine.Flush(primaryColumnFamily, flushAndWait); err != nil {
				return fatal(w.role, "flush", err)
			}
		}
		*count++
		return nil
	})
}

// nonDurableWrite puts writes that bypass the WAL.
func (w *worker) nonDurableWrite(count *int64) error {
	cf := w.cfg.Scenario.secondColumnFamily()
	return w.loop(func() error {
		key := w.nextKey()
		value := util.DerivedValue(key, w.cfg.ValueSize)
		if err := w.engine.Put(cf, key, value, nonDurableWriteOptions); err != nil {
			return fatal(w.role, "put", err)
		}
		*count++
		return nil
	})
}

// multiGet looks up batches of random keys, alternating between the
// column families of the run. A missing key is a completed read.
func (w *worker) multiGet(count *int64) error {
	batch := w.cfg.MultiGetBatch
	cfs := make([]string, batch)
	for i := range cfs {
		cfs[i] = primaryColumnFamily
		if w.cfg.Scenario.MultiColumnFamily && i%2 == 0 {
			cfs[i] = SecondColumnFamily
		}
	}
	keys := make([][]byte, batch)

	return w.loop(func() error {
		for i := range keys {
			keys[i] = w.nextKey()
		}
		values, errs := w.engine.MultiGet(cfs, keys)
		if len(values) != batch || len(errs) != batch {
			return fatal(w.role, "multiget", ErrMultiGetMismatch)
		}
		for _, err := range errs {
			if err != nil && !errors.Is(err, lotusdb.ErrKeyNotFound) {
				return fatal(w.role, "multiget", err)
			}
		}
		*count++
		return nil
	})
}

// readProperties polls the memtable properties of every column family of the run.
func (w *worker) readProperties(count *int64) error {
	cfs := []string{primaryColumnFamily}
	if w.cfg.Scenario.MultiColumnFamily {
		cfs = append(cfs, SecondColumnFamily)
	}
	return w.loop(func() error {
		for _, cf := range cfs {
			for _, name := range polledProperties {
				if _, ok := w.engine.GetProperty(cf, name); !ok {
					return fatal(w.role, "property", fmt.Errorf("%w: %s on %s", ErrUnknownProperty, name, cf))
				}
			}
		}
		*count++
		return nil
	})
}
