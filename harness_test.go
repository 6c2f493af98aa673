package multiwriters

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotusdblabs/multiwriters/lotusdb"
)

var errInjected = errors.New("injected failure")

func memoryConfig(scenario Scenario, d time.Duration) RunConfig {
	cfg := DefaultRunConfig(scenario)
	cfg.DirPath = "/memory/multi_writers"
	cfg.Duration = d
	cfg.Seed = 1
	return cfg
}

func initMemory(t *testing.T, cfg RunConfig, faults Faults) (*Harness, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend(faults)
	h, err := Initialize(cfg, backend)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = h.Close()
	})
	return h, backend
}

func lastEngine(t *testing.T, backend *MemoryBackend) *MemoryEngine {
	t.Helper()
	engines := backend.Engines()
	require.NotEmpty(t, engines)
	return engines[len(engines)-1]
}

func requireFatal(t *testing.T, err error, role, op string) *FatalError {
	t.Helper()
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, role, fe.Role)
	assert.Equal(t, op, fe.Op)
	assert.True(t, IsFatal(err))
	return fe
}

func TestRunZeroDurationJoins(t *testing.T) {
	for _, scenario := range Scenarios {
		t.Run(scenario.Name, func(t *testing.T) {
			h, _ := initMemory(t, memoryConfig(scenario, 0), Faults{})

			done := make(chan struct{})
			var (
				counters Counters
				err      error
			)
			go func() {
				defer close(done)
				counters, err = h.Run(context.Background())
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("run did not return")
			}
			require.NoError(t, err)
			assert.GreaterOrEqual(t, counters.DurableWrites, int64(0))
			assert.GreaterOrEqual(t, counters.NonDurableWrites, int64(0))
			assert.GreaterOrEqual(t, counters.Reads, int64(0))
			assert.Zero(t, counters.LockAcquisitions)
		})
	}
}

func TestRunLastsAtLeastDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
	}{
		{"zero", 0},
		{"short", 20 * time.Millisecond},
		{"longer", 150 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := initMemory(t, memoryConfig(ColumnFamilyWriters, tt.duration), Faults{})
			start := time.Now()
			_, err := h.Run(context.Background())
			require.NoError(t, err)
			assert.GreaterOrEqual(t, time.Since(start), tt.duration)
		})
	}
}

func TestRunStopsWithinOneOperation(t *testing.T) {
	latency := 100 * time.Millisecond
	h, backend := initMemory(t, memoryConfig(MultiWriters, 0), Faults{Latency: latency})

	start := time.Now()
	counters, err := h.Run(context.Background())
	require.NoError(t, err)
	elapsed := time.Since(start)

	// each worker finishes at most the operation it started before the stop
	assert.Less(t, elapsed, 3*latency)
	stats := lastEngine(t, backend).Stats()
	assert.LessOrEqual(t, counters.DurableWrites, int64(1))
	assert.LessOrEqual(t, counters.NonDurableWrites, int64(1))
	assert.Equal(t, stats.SyncedPuts, counters.DurableWrites)
	assert.Equal(t, stats.WALLessPuts, counters.NonDurableWrites)
}

func TestRunCountersMatchEngine(t *testing.T) {
	tests := []struct {
		scenario       Scenario
		flushes        bool
		nonDurablePuts bool
	}{
		{MultiWriters, false, true},
		{ColumnFamilyWriters, true, true},
		{ColumnFamilyReaders, true, false},
		{ColumnFamilyProperties, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.scenario.Name, func(t *testing.T) {
			h, backend := initMemory(t, memoryConfig(tt.scenario, 100*time.Millisecond), Faults{})
			counters, err := h.Run(context.Background())
			require.NoError(t, err)

			stats := lastEngine(t, backend).Stats()
			assert.Greater(t, counters.DurableWrites, int64(0))
			assert.Equal(t, stats.SyncedPuts, counters.DurableWrites)
			assert.Zero(t, stats.OtherPuts)
			if tt.flushes {
				// every counted durable write was flushed
				assert.Equal(t, counters.DurableWrites, stats.Flushes)
			} else {
				assert.Zero(t, stats.Flushes)
			}
			if tt.nonDurablePuts {
				assert.Greater(t, counters.NonDurableWrites, int64(0))
				assert.Equal(t, stats.WALLessPuts, counters.NonDurableWrites)
				assert.Zero(t, counters.Reads)
			} else {
				assert.Greater(t, counters.Reads, int64(0))
				assert.Zero(t, counters.NonDurableWrites)
			}
		})
	}
}

func TestRunFlushFailureIsFatal(t *testing.T) {
	h, backend := initMemory(t, memoryConfig(ColumnFamilyWriters, 5*time.Second), Faults{
		Flush: func(string) error { return errInjected },
	})

	start := time.Now()
	counters, err := h.Run(context.Background())
	requireFatal(t, err, RoleDurable, "flush")
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, Counters{}, counters)
	// the fatal error ends the run before the deadline
	assert.Less(t, time.Since(start), 5*time.Second)

	stats := lastEngine(t, backend).Stats()
	assert.Equal(t, int64(1), stats.SyncedPuts)
	assert.Zero(t, stats.Flushes)
}

func TestRunPutFailureIsFatal(t *testing.T) {
	tests := []struct {
		name string
		fail func(cf string, options lotusdb.WriteOptions) bool
		role string
	}{
		{
			name: "non-durable",
			fail: func(_ string, options lotusdb.WriteOptions) bool { return options.DisableWal },
			role: RoleNonDurable,
		},
		{
			name: "durable",
			fail: func(_ string, options lotusdb.WriteOptions) bool { return options.Sync },
			role: RoleDurable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := initMemory(t, memoryConfig(ColumnFamilyWriters, 5*time.Second), Faults{
				Put: func(cf string, options lotusdb.WriteOptions) error {
					if tt.fail(cf, options) {
						return errInjected
					}
					return nil
				},
			})
			counters, err := h.Run(context.Background())
			requireFatal(t, err, tt.role, "put")
			assert.ErrorIs(t, err, errInjected)
			assert.Equal(t, Counters{}, counters)
		})
	}
}

func TestRunReaderErrors(t *testing.T) {
	tests := []struct {
		name     string
		scenario Scenario
		faults   Faults
		op       string
		target   error
	}{
		{
			name:     "multiget",
			scenario: ColumnFamilyReaders,
			faults: Faults{MultiGet: func(cf string, _ []byte) error {
				if cf == SecondColumnFamily {
					return errInjected
				}
				return nil
			}},
			op:     "multiget",
			target: errInjected,
		},
		{
			name:     "property",
			scenario: ColumnFamilyProperties,
			faults: Faults{Property: func(_, name string) bool {
				return name != lotusdb.PropertyCurSizeActiveMemTable
			}},
			op:     "property",
			target: ErrUnknownProperty,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := initMemory(t, memoryConfig(tt.scenario, 5*time.Second), tt.faults)
			counters, err := h.Run(context.Background())
			requireFatal(t, err, RoleReader, tt.op)
			assert.ErrorIs(t, err, tt.target)
			assert.Zero(t, counters.Reads)
		})
	}
}

func TestRunCancelled(t *testing.T) {
	h, _ := initMemory(t, memoryConfig(MultiWriters, time.Hour), Faults{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	counters, err := h.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsFatal(err))
	assert.Equal(t, Counters{}, counters)
}

func TestRunAfterClose(t *testing.T) {
	h, backend := initMemory(t, memoryConfig(MultiWriters, 0), Faults{})
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.True(t, lastEngine(t, backend).Closed())

	_, err := h.Run(context.Background())
	assert.ErrorIs(t, err, ErrHarnessClosed)
}

func TestInitializeColumnFamilies(t *testing.T) {
	cfg := memoryConfig(ColumnFamilyWriters, 0)
	backend := NewMemoryBackend(Faults{})

	h, err := Initialize(cfg, backend)
	require.NoError(t, err)
	engines := backend.Engines()
	// opened, second column family created, closed and reopened
	require.Len(t, engines, 2)
	assert.True(t, engines[0].Closed())
	assert.False(t, engines[1].Closed())
	require.NoError(t, h.Close())

	// the second column family is kept when the database is not destroyed
	cfg.DestroyDB = false
	h, err = Initialize(cfg, backend)
	require.NoError(t, err)
	require.Len(t, backend.Engines(), 3)
	require.NoError(t, h.Close())

	// a single column family scenario can not open it without listing it
	single := memoryConfig(MultiWriters, 0)
	single.DestroyDB = false
	_, err = Initialize(single, backend)
	requireFatal(t, err, RoleController, "open")
	assert.ErrorIs(t, err, lotusdb.ErrColumnFamilyNotOpened)
}

func TestInitializeFailures(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func() RunConfig
		faults Faults
		op     string
		target error
	}{
		{
			name:   "open",
			cfg:    func() RunConfig { return memoryConfig(MultiWriters, 0) },
			faults: Faults{Open: func(lotusdb.Options) error { return errInjected }},
			op:     "open",
			target: errInjected,
		},
		{
			name:   "create column family",
			cfg:    func() RunConfig { return memoryConfig(ColumnFamilyReaders, 0) },
			faults: Faults{CreateColumnFamily: func(string) error { return errInjected }},
			op:     "create column family",
			target: errInjected,
		},
		{
			name: "invalid key size",
			cfg: func() RunConfig {
				cfg := memoryConfig(MultiWriters, 0)
				cfg.KeySize = 0
				return cfg
			},
			op:     "config",
			target: ErrInvalidKeySize,
		},
		{
			name: "negative duration",
			cfg: func() RunConfig {
				return memoryConfig(MultiWriters, -time.Second)
			},
			op:     "config",
			target: ErrInvalidDuration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Initialize(tt.cfg(), NewMemoryBackend(tt.faults))
			requireFatal(t, err, RoleController, tt.op)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestInitializeDestroyInUse(t *testing.T) {
	backend := NewMemoryBackend(Faults{})
	cfg := memoryConfig(MultiWriters, 0)
	h, err := Initialize(cfg, backend)
	require.NoError(t, err)
	defer func() {
		_ = h.Close()
	}()

	_, err = Initialize(cfg, backend)
	requireFatal(t, err, RoleController, "destroy")
	assert.ErrorIs(t, err, lotusdb.ErrDatabaseIsUsing)
}

func TestRunLotusDB(t *testing.T) {
	tests := []struct {
		scenario  Scenario
		indexType lotusdb.IndexType
	}{
		{MultiWriters, lotusdb.BTree},
		{ColumnFamilyWriters, lotusdb.BTree},
		{ColumnFamilyReaders, lotusdb.Hash},
		{ColumnFamilyProperties, lotusdb.Hash},
	}
	for _, tt := range tests {
		t.Run(tt.scenario.Name, func(t *testing.T) {
			dir, err := os.MkdirTemp("", "multiwriters-harness")
			require.NoError(t, err)
			defer func() {
				_ = os.RemoveAll(dir)
			}()

			cfg := DefaultRunConfig(tt.scenario)
			cfg.DirPath = filepath.Join(dir, "db")
			cfg.Duration = 200 * time.Millisecond
			cfg.IndexType = tt.indexType
			cfg.KeySpace = 64
			h, err := Initialize(cfg, nil)
			require.NoError(t, err)

			counters, err := h.Run(context.Background())
			require.NoError(t, err)
			require.NoError(t, h.Close())

			assert.Greater(t, counters.DurableWrites, int64(0))
			if tt.scenario.Second == NonDurableWriter {
				assert.Greater(t, counters.NonDurableWrites, int64(0))
			} else {
				assert.Greater(t, counters.Reads, int64(0))
			}
			assert.DirExists(t, filepath.Join(cfg.DirPath, lotusdb.DefaultColumnFamilyName))
			if tt.scenario.MultiColumnFamily {
				assert.DirExists(t, filepath.Join(cfg.DirPath, SecondColumnFamily))
			}
		})
	}
}
