package multiwriters

import (
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lotusdblabs/multiwriters/lotusdb"
)

// Faults injects failures and latency into the engines of a MemoryBackend.
// A nil hook never fails.
type Faults struct {
	Open               func(options lotusdb.Options) error
	CreateColumnFamily func(name string) error
	Put                func(cf string, options lotusdb.WriteOptions) error
	Flush              func(cf string) error
	// MultiGet fails a single key of a batch.
	MultiGet func(cf string, key []byte) error
	// Property hides a property from GetProperty when it returns false.
	Property func(cf, name string) bool

	// Latency is slept before every storage operation.
	Latency time.Duration
}

// MemoryStats counts the successful operations of a MemoryEngine.
type MemoryStats struct {
	SyncedPuts    int64
	WALLessPuts   int64
	OtherPuts     int64
	Flushes       int64
	Lookups       int64
	PropertyReads int64
}

// MemoryBackend keeps databases in memory, one per directory path.
// It follows the engine's column family rules so the setup sequence of a
// run behaves as it does on disk.
type MemoryBackend struct {
	Faults Faults

	mu      sync.Mutex
	stores  map[string]*memoryStore
	engines []*MemoryEngine
}

type memoryStore struct {
	mu  sync.RWMutex
	cfs map[string]map[string][]byte
	// sizes holds the key and value bytes of every column family.
	sizes map[string]int
	inUse atomic.Bool
}

// NewMemoryBackend returns an empty backend with the given faults.
func NewMemoryBackend(faults Faults) *MemoryBackend {
	return &MemoryBackend{Faults: faults, stores: make(map[string]*memoryStore)}
}

func (b *MemoryBackend) Open(options lotusdb.Options) (Engine, error) {
	if b.Faults.Open != nil {
		if err := b.Faults.Open(options); err != nil {
			return nil, err
		}
	}
	if options.DirPath == "" {
		return nil, lotusdb.ErrDBDirectoryISEmpty
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stores == nil {
		b.stores = make(map[string]*memoryStore)
	}
	store, ok := b.stores[options.DirPath]
	if !ok {
		if !options.CreateIfMissing {
			return nil, fmt.Errorf("%w: %s", lotusdb.ErrDatabaseNotExist, options.DirPath)
		}
		store = &memoryStore{
			cfs: map[string]map[string][]byte{
				lotusdb.DefaultColumnFamilyName: make(map[string][]byte),
			},
			sizes: make(map[string]int),
		}
		b.stores[options.DirPath] = store
	}
	if store.inUse.Load() {
		return nil, lotusdb.ErrDatabaseIsUsing
	}

	store.mu.RLock()
	defer store.mu.RUnlock()
	wanted := append([]string{lotusdb.DefaultColumnFamilyName}, options.ColumnFamilies...)
	for name := range store.cfs {
		if !slices.Contains(wanted, name) {
			return nil, fmt.Errorf("%w: %s", lotusdb.ErrColumnFamilyNotOpened, name)
		}
	}
	for _, name := range wanted {
		if _, ok := store.cfs[name]; !ok {
			return nil, fmt.Errorf("%w: %s", lotusdb.ErrColumnFamilyNotFound, name)
		}
	}

	store.inUse.Store(true)
	engine := &MemoryEngine{store: store, faults: b.Faults}
	b.engines = append(b.engines, engine)
	return engine, nil
}

func (b *MemoryBackend) Destroy(dirPath string) error {
	if dirPath == "" {
		return lotusdb.ErrDBDirectoryISEmpty
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if store, ok := b.stores[dirPath]; ok && store.inUse.Load() {
		return lotusdb.ErrDatabaseIsUsing
	}
	delete(b.stores, dirPath)
	return nil
}

// Engines returns every engine opened so far, oldest first.
func (b *MemoryBackend) Engines() []*MemoryEngine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.engines)
}

// MemoryEngine is an Engine over a map per column family.
type MemoryEngine struct {
	store  *memoryStore
	faults Faults
	closed atomic.Bool

	syncedPuts    atomic.Int64
	walLessPuts   atomic.Int64
	otherPuts     atomic.Int64
	flushes       atomic.Int64
	lookups       atomic.Int64
	propertyReads atomic.Int64
}

// Stats returns the operation counts of the engine.
func (e *MemoryEngine) Stats() MemoryStats {
	return MemoryStats{
		SyncedPuts:    e.syncedPuts.Load(),
		WALLessPuts:   e.walLessPuts.Load(),
		OtherPuts:     e.otherPuts.Load(),
		Flushes:       e.flushes.Load(),
		Lookups:       e.lookups.Load(),
		PropertyReads: e.propertyReads.Load(),
	}
}

// Closed reports whether Close was called.
func (e *MemoryEngine) Closed() bool {
	return e.closed.Load()
}

func (e *MemoryEngine) delay() {
	if e.faults.Latency > 0 {
		time.Sleep(e.faults.Latency)
	}
}

func (e *MemoryEngine) CreateColumnFamily(name string) error {
	if e.closed.Load() {
		return lotusdb.ErrDBClosed
	}
	if e.faults.CreateColumnFamily != nil {
		if err := e.faults.CreateColumnFamily(name); err != nil {
			return err
		}
	}
	if name == "" {
		return lotusdb.ErrColumnFamilyNameInvalid
	}
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	if _, ok := e.store.cfs[name]; ok {
		return fmt.Errorf("%w: %s", lotusdb.ErrColumnFamilyExists, name)
	}
	e.store.cfs[name] = make(map[string][]byte)
	return nil
}

func (e *MemoryEngine) Put(cf string, key, value []byte, options lotusdb.WriteOptions) error {
	e.delay()
	if e.closed.Load() {
		return lotusdb.ErrDBClosed
	}
	if len(key) == 0 {
		return lotusdb.ErrKeyIsEmpty
	}
	if e.faults.Put != nil {
		if err := e.faults.Put(cf, options); err != nil {
			return err
		}
	}

	e.store.mu.Lock()
	data, ok := e.store.cfs[cf]
	if !ok {
		e.store.mu.Unlock()
		return fmt.Errorf("%w: %s", lotusdb.ErrColumnFamilyNotFound, cf)
	}
	if old, ok := data[string(key)]; ok {
		e.store.sizes[cf] -= len(key) + len(old)
	}
	data[string(key)] = slices.Clone(value)
	e.store.sizes[cf] += len(key) + len(value)
	e.store.mu.Unlock()

	switch {
	case options.Sync && !options.DisableWal:
		e.syncedPuts.Add(1)
	case options.DisableWal:
		e.walLessPuts.Add(1)
	default:
		e.otherPuts.Add(1)
	}
	return nil
}

func (e *MemoryEngine) Flush(cf string, _ lotusdb.FlushOptions) error {
	e.delay()
	if e.closed.Load() {
		return lotusdb.ErrDBClosed
	}
	if e.faults.Flush != nil {
		if err := e.faults.Flush(cf); err != nil {
			return err
		}
	}
	if !e.hasColumnFamily(cf) {
		return fmt.Errorf("%w: %s", lotusdb.ErrColumnFamilyNotFound, cf)
	}
	e.flushes.Add(1)
	return nil
}

func (e *MemoryEngine) MultiGet(cfs []string, keys [][]byte) ([][]byte, []error) {
	e.delay()
	values := make([][]byte, len(keys))
	errs := make([]error, len(keys))
	if len(cfs) != len(keys) {
		for i := range errs {
			errs[i] = lotusdb.ErrMultiGetArgs
		}
		return values, errs
	}

	e.store.mu.RLock()
	defer e.store.mu.RUnlock()
	for i, key := range keys {
		if e.closed.Load() {
			errs[i] = lotusdb.ErrDBClosed
			continue
		}
		if e.faults.MultiGet != nil {
			if err := e.faults.MultiGet(cfs[i], key); err != nil {
				errs[i] = err
				continue
			}
		}
		data, ok := e.store.cfs[cfs[i]]
		if !ok {
			errs[i] = fmt.Errorf("%w: %s", lotusdb.ErrColumnFamilyNotFound, cfs[i])
			continue
		}
		value, ok := data[string(key)]
		if !ok {
			errs[i] = lotusdb.ErrKeyNotFound
			continue
		}
		values[i] = slices.Clone(value)
		e.lookups.Add(1)
	}
	return values, errs
}

func (e *MemoryEngine) GetProperty(cf, name string) (string, bool) {
	e.delay()
	if e.closed.Load() || !e.hasColumnFamily(cf) {
		return "", false
	}
	if e.faults.Property != nil && !e.faults.Property(cf, name) {
		return "", false
	}

	var value string
	switch name {
	case lotusdb.PropertyNumImmutableMemTable, lotusdb.PropertyBackgroundErrors:
		value = "0"
	case lotusdb.PropertyCurSizeActiveMemTable:
		e.store.mu.RLock()
		size := e.store.sizes[cf]
		e.store.mu.RUnlock()
		value = strconv.Itoa(size)
	case lotusdb.PropertyNumFlushes:
		value = strconv.FormatInt(e.flushes.Load(), 10)
	default:
		return "", false
	}
	e.propertyReads.Add(1)
	return value, true
}

func (e *MemoryEngine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.store.inUse.Store(false)
	return nil
}

func (e *MemoryEngine) hasColumnFamily(cf string) bool {
	e.store.mu.RLock()
	defer e.store.mu.RUnlock()
	_, ok := e.store.cfs[cf]
	return ok
}
