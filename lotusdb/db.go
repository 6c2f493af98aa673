package lotusdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/lotusdblabs/multiwriters/logger"
)

const (
	fileLockName = "FLOCK"
)

// Property names understood by GetProperty.
const (
	PropertyNumImmutableMemTable  = "lotusdb.num-immutable-mem-table"
	PropertyCurSizeActiveMemTable = "lotusdb.cur-size-active-mem-table"
	PropertyBackgroundErrors      = "lotusdb.background-errors"
	PropertyNumFlushes            = "lotusdb.num-flushes"
)

// DB is the main structure of the LotusDB database.
// Data is partitioned into column families, each of them has its own
// memtables, index and value log in a sub directory of Options.DirPath.
//
// A DB is safe for concurrent use by multiple goroutines.
type DB struct {
	options  Options
	cfs      map[string]*columnFamily
	fileLock *flock.Flock // fileLock to prevent multiple processes from using the same database directory.
	batchIDs *snowflake.Node
	mu       sync.RWMutex
	closed   bool
}

// Open a database with the specified options.
// If the database directory does not exist, it will be created automatically
// when CreateIfMissing is set.
//
// Every column family found in the directory must be listed in
// Options.ColumnFamilies, and every listed column family must exist,
// except the default one.
func Open(options Options) (*DB, error) {
	// check whether all options are valid
	if err := validateOptions(&options); err != nil {
		return nil, err
	}

	// create data directory if not exist
	if _, err := os.Stat(options.DirPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if !options.CreateIfMissing {
			return nil, fmt.Errorf("%w: %s", ErrDatabaseNotExist, options.DirPath)
		}
		if err := os.MkdirAll(options.DirPath, os.ModePerm); err != nil {
			return nil, err
		}
		logger.Info("create data directory success", zap.String("data path", options.DirPath))
	}

	// create file lock, prevent multiple processes from using the same database directory
	fileLock := flock.New(filepath.Join(options.DirPath, fileLockName))
	hold, err := fileLock.TryLock()
	if err != nil {
		return nil, err
	}
	if !hold {
		return nil, ErrDatabaseIsUsing
	}

	db, err := openColumnFamilies(options, fileLock)
	if err != nil {
		_ = fileLock.Unlock()
		logger.Error("open db failed", zap.String("path", options.DirPath), zap.Error(err))
		return nil, err
	}

	logger.Info("db opened",
		zap.String("path", options.DirPath),
		zap.Strings("column families", db.ColumnFamilies()),
		zap.Stringer("index", options.IndexType),
	)
	return db, nil
}

func openColumnFamilies(options Options, fileLock *flock.Flock) (*DB, error) {
	onDisk, err := listColumnFamilies(options.DirPath)
	if err != nil {
		return nil, err
	}
	wanted := append([]string{DefaultColumnFamilyName}, options.ColumnFamilies...)
	for _, name := range onDisk {
		if !slices.Contains(wanted, name) {
			return nil, fmt.Errorf("%w: %s", ErrColumnFamilyNotOpened, name)
		}
	}
	for _, name := range wanted {
		if name != DefaultColumnFamilyName && !slices.Contains(onDisk, name) {
			return nil, fmt.Errorf("%w: %s", ErrColumnFamilyNotFound, name)
		}
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, err
	}

	db := &DB{
		options:  options,
		cfs:      make(map[string]*columnFamily, len(wanted)),
		fileLock: fileLock,
		batchIDs: node,
	}
	for _, name := range wanted {
		if _, ok := db.cfs[name]; ok {
			continue
		}
		cf, err := openColumnFamily(name, options)
		if err != nil {
			for _, opened := range db.cfs {
				_ = opened.close()
			}
			return nil, fmt.Errorf("open column family %s: %w", name, err)
		}
		db.cfs[name] = cf
	}
	return db, nil
}

// listColumnFamilies returns the column families stored in dirPath.
func listColumnFamilies(dirPath string) ([]string, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && validColumnFamilyName(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// CreateColumnFamily creates a new column family and opens it.
func (db *DB) CreateColumnFamily(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDBClosed
	}
	if !validColumnFamilyName(name) {
		return ErrColumnFamilyNameInvalid
	}
	if _, ok := db.cfs[name]; ok {
		return fmt.Errorf("%w: %s", ErrColumnFamilyExists, name)
	}

	cf, err := openColumnFamily(name, db.options)
	if err != nil {
		return err
	}
	db.cfs[name] = cf
	return nil
}

// ColumnFamilies returns the names of the opened column families, sorted.
func (db *DB) ColumnFamilies() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.cfs))
	for name := range db.cfs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close the database, flush all memtables, close the index and value log,
// and release the file lock.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}

	var errs []error
	for name, cf := range db.cfs {
		if err := cf.close(); err != nil {
			logger.Error("close column family failed", zap.String("cf", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close column family %s: %w", name, err))
		}
	}
	// release file lock
	if err := db.fileLock.Unlock(); err != nil {
		errs = append(errs, err)
	}

	db.closed = true
	logger.Info("db closed", zap.String("path", db.options.DirPath))
	return errors.Join(errs...)
}

// Sync all wal of the active memtables to disk.
func (db *DB) Sync() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrDBClosed
	}
	for _, cf := range db.cfs {
		if err := cf.sync(); err != nil {
			return err
		}
	}
	return nil
}

// columnFamily must be called with db.mu read locked.
func (db *DB) columnFamily(name string) (*columnFamily, error) {
	if db.closed {
		return nil, ErrDBClosed
	}
	cf, ok := db.cfs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrColumnFamilyNotFound, name)
	}
	return cf, nil
}

// Put a key-value pair into the column family.
func (db *DB) Put(cfName string, key []byte, value []byte, options WriteOptions) error {
	return db.write(cfName, &LogRecord{Key: key, Value: value, Type: LogRecordNormal}, options)
}

// Delete the specified key from the column family.
func (db *DB) Delete(cfName string, key []byte, options WriteOptions) error {
	return db.write(cfName, &LogRecord{Key: key, Type: LogRecordDeleted}, options)
}

func (db *DB) write(cfName string, record *LogRecord, options WriteOptions) error {
	if len(record.Key) == 0 {
		return ErrKeyIsEmpty
	}
	// a single entry must fit into the spare room of the skip list arena
	if int64(len(record.Key)+len(record.Value)) >= int64(db.options.MemtableSize)/2 {
		return ErrValueTooLarge
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	cf, err := db.columnFamily(cfName)
	if err != nil {
		return err
	}
	return cf.write([]*LogRecord{record}, db.batchIDs.Generate(), options)
}

// Get the value of the specified key from the column family.
// It returns ErrKeyNotFound if the key does not exist.
func (db *DB) Get(cfName string, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrKeyIsEmpty
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	cf, err := db.columnFamily(cfName)
	if err != nil {
		return nil, err
	}
	return cf.get(key)
}

// MultiGet looks up keys[i] in column family cfNames[i] for every i.
// A missing key yields ErrKeyNotFound in its error slot.
func (db *DB) MultiGet(cfNames []string, keys [][]byte) ([][]byte, []error) {
	values := make([][]byte, len(keys))
	errs := make([]error, len(keys))
	if len(cfNames) != len(keys) {
		for i := range errs {
			errs[i] = ErrMultiGetArgs
		}
		return values, errs
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	for i, key := range keys {
		if len(key) == 0 {
			errs[i] = ErrKeyIsEmpty
			continue
		}
		cf, err := db.columnFamily(cfNames[i])
		if err != nil {
			errs[i] = err
			continue
		}
		values[i], errs[i] = cf.get(key)
	}
	return values, errs
}

// Flush turns the active memtable of the column family immutable and
// schedules it for flushing. With options.Wait it returns once the memtable
// and every older one are persisted in the index and value log.
func (db *DB) Flush(cfName string, options FlushOptions) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	cf, err := db.columnFamily(cfName)
	if err != nil {
		return err
	}
	return cf.flush(options)
}

// GetProperty returns the value of an introspection property of the column family.
func (db *DB) GetProperty(cfName string, property string) (string, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	cf, err := db.columnFamily(cfName)
	if err != nil {
		return "", false
	}

	switch property {
	case PropertyNumImmutableMemTable:
		cf.mu.RLock()
		defer cf.mu.RUnlock()
		return strconv.Itoa(len(cf.immuMems)), true
	case PropertyCurSizeActiveMemTable:
		cf.mu.RLock()
		defer cf.mu.RUnlock()
		return strconv.FormatInt(cf.activeMem.skl.MemSize(), 10), true
	case PropertyBackgroundErrors:
		cf.mu.RLock()
		defer cf.mu.RUnlock()
		if cf.bgErr != nil {
			return "1", true
		}
		return "0", true
	case PropertyNumFlushes:
		return strconv.FormatUint(cf.flushes.Load(), 10), true
	default:
		return "", false
	}
}

// DestroyDB removes the database stored in dirPath.
// It is not an error if the directory does not exist.
func DestroyDB(dirPath string) error {
	if dirPath == "" {
		return ErrDBDirectoryISEmpty
	}
	if _, err := os.Stat(dirPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	fileLock := flock.New(filepath.Join(dirPath, fileLockName))
	hold, err := fileLock.TryLock()
	if err != nil {
		return err
	}
	if !hold {
		return ErrDatabaseIsUsing
	}
	defer func() {
		_ = fileLock.Unlock()
	}()
	return os.RemoveAll(dirPath)
}

// validateOptions validates the given options.
func validateOptions(options *Options) error {
	if options.DirPath == "" {
		return ErrDBDirectoryISEmpty
	}
	for _, name := range options.ColumnFamilies {
		if !validColumnFamilyName(name) {
			return fmt.Errorf("%w: %q", ErrColumnFamilyNameInvalid, name)
		}
	}
	if options.MemtableSize <= 0 {
		options.MemtableSize = DefaultOptions.MemtableSize
	}
	if options.MemtableNums <= 0 {
		options.MemtableNums = DefaultOptions.MemtableNums
	}
	if options.PartitionNum <= 0 {
		options.PartitionNum = DefaultOptions.PartitionNum
	}
	if options.KeyHashFunction == nil {
		options.KeyHashFunction = DefaultOptions.KeyHashFunction
	}
	if options.ValueLogFileSize <= 0 {
		options.ValueLogFileSize = DefaultOptions.ValueLogFileSize
	}
	if options.MemSpaceWaitTimeout <= 0 {
		options.MemSpaceWaitTimeout = DefaultOptions.MemSpaceWaitTimeout
	}
	return nil
}
