package multiwriters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotusdblabs/multiwriters/lotusdb"
)

func openMemoryEngine(t *testing.T, faults Faults, columnFamilies ...string) *MemoryEngine {
	t.Helper()
	backend := NewMemoryBackend(faults)
	engine, err := backend.Open(lotusdb.Options{DirPath: "/memory/worker", CreateIfMissing: true})
	require.NoError(t, err)
	for _, cf := range columnFamilies {
		require.NoError(t, engine.CreateColumnFamily(cf))
	}
	t.Cleanup(func() {
		_ = engine.Close()
	})
	return engine.(*MemoryEngine)
}

func TestWorkerLoopsUntilStopped(t *testing.T) {
	latency := 20 * time.Millisecond
	engine := openMemoryEngine(t, Faults{Latency: latency})
	cfg := memoryConfig(MultiWriters, 0)
	require.NoError(t, cfg.validate())

	stop := NewStopToken()
	w := newWorker(RoleNonDurable, engine, stop, &cfg, 1)

	var count int64
	done := make(chan error, 1)
	go func() {
		done <- w.nonDurableWrite(&count)
	}()

	// the worker keeps going while the token is unset
	assert.Eventually(t, func() bool {
		return engine.Stats().WALLessPuts >= 5
	}, 5*time.Second, latency)
	select {
	case <-done:
		t.Fatal("worker stopped without the token")
	default:
	}

	stop.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * latency):
		t.Fatal("worker did not observe the stop token")
	}
	assert.Equal(t, engine.Stats().WALLessPuts, count)
}

func TestWorkerStoppedBeforeStart(t *testing.T) {
	engine := openMemoryEngine(t, Faults{}, SecondColumnFamily)
	cfg := memoryConfig(ColumnFamilyReaders, 0)
	require.NoError(t, cfg.validate())

	stop := NewStopToken()
	stop.Stop()
	assert.True(t, stop.Stopped())

	workers := []func(w *worker, count *int64) error{
		(*worker).durableWrite,
		(*worker).nonDurableWrite,
		(*worker).multiGet,
		(*worker).readProperties,
	}
	for _, run := range workers {
		var count int64
		require.NoError(t, run(newWorker(RoleReader, engine, stop, &cfg, 0), &count))
		assert.Zero(t, count)
	}
	assert.Equal(t, MemoryStats{}, engine.Stats())
}

func TestWorkerMultiGetColumnFamilies(t *testing.T) {
	var seen []string
	engine := openMemoryEngine(t, Faults{MultiGet: func(cf string, _ []byte) error {
		seen = append(seen, cf)
		return nil
	}}, SecondColumnFamily)

	cfg := memoryConfig(ColumnFamilyReaders, 0)
	cfg.MultiGetBatch = 4
	require.NoError(t, cfg.validate())

	stop := NewStopToken()
	w := newWorker(RoleReader, engine, stop, &cfg, 1)
	calls := 0
	var count int64
	err := w.loop(func() error {
		calls++
		if calls == 2 {
			stop.Stop()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	stop = NewStopToken()
	w.stop = stop
	go func() {
		time.Sleep(10 * time.Millisecond)
		stop.Stop()
	}()
	require.NoError(t, w.multiGet(&count))
	require.Greater(t, count, int64(0))
	assert.Equal(t, []string{SecondColumnFamily, primaryColumnFamily, SecondColumnFamily, primaryColumnFamily}, seen[:4])
}

func TestWorkerSameSeedSameKeys(t *testing.T) {
	cfg := memoryConfig(MultiWriters, 0)
	require.NoError(t, cfg.validate())
	a := newWorker(RoleDurable, nil, NewStopToken(), &cfg, 0)
	b := newWorker(RoleDurable, nil, NewStopToken(), &cfg, 0)
	c := newWorker(RoleNonDurable, nil, NewStopToken(), &cfg, 1)
	for i := 0; i < 10; i++ {
		key := a.nextKey()
		assert.Len(t, key, cfg.KeySize)
		assert.Equal(t, key, b.nextKey())
		assert.NotEqual(t, key, c.nextKey())
	}
}

func TestWorkerFirstFailureNotCounted(t *testing.T) {
	tests := []struct {
		name     string
		scenario Scenario
		role     string
		op       string
		faults   Faults
		run      func(w *worker, count *int64) error
		cause    error
	}{
		{
			name:     "non-durable write",
			scenario: MultiWriters,
			role:     RoleNonDurable,
			op:       "put",
			faults: Faults{Put: func(string, lotusdb.WriteOptions) error {
				return errInjected
			}},
			run:   (*worker).nonDurableWrite,
			cause: errInjected,
		},
		{
			name:     "multiget",
			scenario: ColumnFamilyReaders,
			role:     RoleReader,
			op:       "multiget",
			faults: Faults{MultiGet: func(string, []byte) error {
				return errInjected
			}},
			run:   (*worker).multiGet,
			cause: errInjected,
		},
		{
			name:     "property",
			scenario: ColumnFamilyProperties,
			role:     RoleReader,
			op:       "property",
			faults: Faults{Property: func(string, string) bool {
				return false
			}},
			run:   (*worker).readProperties,
			cause: ErrUnknownProperty,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := openMemoryEngine(t, tt.faults, SecondColumnFamily)
			cfg := memoryConfig(tt.scenario, 0)
			require.NoError(t, cfg.validate())

			var count int64
			err := tt.run(newWorker(tt.role, engine, NewStopToken(), &cfg, 1), &count)
			fe := requireFatal(t, err, tt.role, tt.op)
			assert.ErrorIs(t, fe, tt.cause)
			assert.Zero(t, count)
		})
	}
}

func TestWorkerMultiGetMissingKeysCounted(t *testing.T) {
	cfg := memoryConfig(ColumnFamilyReaders, 0)
	cfg.MultiGetBatch = 8
	require.NoError(t, cfg.validate())

	stop := NewStopToken()
	var lookups int
	engine := openMemoryEngine(t, Faults{MultiGet: func(string, []byte) error {
		// one batch only
		lookups++
		if lookups == cfg.MultiGetBatch {
			stop.Stop()
		}
		return nil
	}}, SecondColumnFamily)

	// a worker with the same seed draws the same batch, half of it is stored
	twin := newWorker(RoleReader, engine, NewStopToken(), &cfg, 1)
	for i := 0; i < cfg.MultiGetBatch; i++ {
		key := twin.nextKey()
		if i%2 == 0 {
			continue
		}
		require.NoError(t, engine.Put(primaryColumnFamily, key, key, lotusdb.DefaultWriteOptions))
	}

	var count int64
	w := newWorker(RoleReader, engine, stop, &cfg, 1)
	require.NoError(t, w.multiGet(&count))
	assert.Equal(t, int64(1), count)
	assert.Equal(t, cfg.MultiGetBatch, lookups)
	// the other half ends in ErrKeyNotFound
	assert.Equal(t, int64(cfg.MultiGetBatch/2), engine.Stats().Lookups)
}
