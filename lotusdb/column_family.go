package lotusdb

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/lotusdblabs/multiwriters/logger"
)

// flushRequest asks the flusher to persist every immutable memtable.
// done receives the result when somebody waits for it.
type flushRequest struct {
	done chan error
}

// columnFamily is a named partition of the database with its own
// memtables, index and value log, stored in a sub directory of the db path.
type columnFamily struct {
	name    string
	dirPath string
	options Options

	mu        sync.RWMutex
	activeMem *memtable   // Active memtable for writing.
	immuMems  []*memtable // Immutable memtables, waiting to be flushed to disk, oldest first.
	bgErr     error       // sticky flush error, the column family rejects writes once set.

	index Index     // index is multi-partition to store key and chunk position.
	vlog  *valueLog // vlog is the value log.

	flushChan   chan flushRequest
	closeChan   chan struct{}
	flusherDone chan struct{}
	flushes     atomic.Uint64
}

func validColumnFamilyName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

func openColumnFamily(name string, options Options) (*columnFamily, error) {
	if !validColumnFamilyName(name) {
		return nil, ErrColumnFamilyNameInvalid
	}
	dirPath := filepath.Join(options.DirPath, name)
	if err := os.MkdirAll(dirPath, os.ModePerm); err != nil {
		return nil, err
	}

	// open all memtables
	memtables, err := openAllMemtables(dirPath, options)
	if err != nil {
		return nil, err
	}

	// open index
	index, err := openIndex(indexOptions{
		indexType:       options.IndexType,
		dirPath:         dirPath,
		partitionNum:    options.PartitionNum,
		keyHashFunction: options.KeyHashFunction,
	})
	if err != nil {
		closeMemtables(memtables)
		return nil, err
	}

	// open value log
	vlog, err := openValueLog(valueLogOptions{
		dirPath:         dirPath,
		segmentSize:     options.ValueLogFileSize,
		partitionNum:    uint32(options.PartitionNum),
		hashKeyFunction: options.KeyHashFunction,
	})
	if err != nil {
		_ = index.Close()
		closeMemtables(memtables)
		return nil, err
	}

	cf := &columnFamily{
		name:        name,
		dirPath:     dirPath,
		options:     options,
		activeMem:   memtables[len(memtables)-1],
		immuMems:    memtables[:len(memtables)-1],
		index:       index,
		vlog:        vlog,
		flushChan:   make(chan flushRequest, options.MemtableNums),
		closeChan:   make(chan struct{}),
		flusherDone: make(chan struct{}),
	}

	// memtables recovered from the wal are flushed right away
	if len(cf.immuMems) > 0 {
		cf.flushChan <- flushRequest{}
	}
	go cf.listenAndFlush()

	logger.Info("column family opened",
		zap.String("name", name),
		zap.Int("recovered memtables", len(memtables)),
	)
	return cf, nil
}

func (cf *columnFamily) maxImmutables() int {
	return max(cf.options.MemtableNums-1, 1)
}

// write puts a batch into the active memtable, making room for it first.
func (cf *columnFamily) write(records []*LogRecord, batchID snowflake.ID, options WriteOptions) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if err := cf.makeRoomForWrite(); err != nil {
		return err
	}
	return cf.activeMem.putBatch(records, batchID, options)
}

// makeRoomForWrite rotates a full active memtable.
// It is called with cf.mu held, and releases it while stalled on the flusher.
func (cf *columnFamily) makeRoomForWrite() error {
	deadline := time.Now().Add(cf.options.MemSpaceWaitTimeout)
	for {
		if cf.bgErr != nil {
			return fmt.Errorf("%w: %w", ErrBackgroundFlush, cf.bgErr)
		}
		if !cf.activeMem.isFull() {
			return nil
		}
		if len(cf.immuMems) < cf.maxImmutables() {
			return cf.rotateMemtable()
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrWaitMemtableSpaceTimeOut
		}
		logger.Debug("write stalled, waiting for memtable flush", zap.String("cf", cf.name))
		cf.mu.Unlock()
		err := cf.requestFlush(remaining)
		cf.mu.Lock()
		if err != nil {
			return err
		}
	}
}

// rotateMemtable turns the active memtable immutable and opens a new one.
// Must be called with cf.mu held.
func (cf *columnFamily) rotateMemtable() error {
	options := cf.activeMem.options
	options.tableID++
	table, err := openMemtable(options)
	if err != nil {
		return err
	}
	cf.immuMems = append(cf.immuMems, cf.activeMem)
	cf.activeMem = table

	// the flusher may already have a pending request, that one covers this memtable too
	select {
	case cf.flushChan <- flushRequest{}:
	default:
	}
	return nil
}

// requestFlush asks the flusher to persist all immutable memtables
// and waits for it at most timeout. Must be called without cf.mu.
func (cf *columnFamily) requestFlush(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	req := flushRequest{done: make(chan error, 1)}
	select {
	case cf.flushChan <- req:
	case <-cf.closeChan:
		return ErrDBClosed
	case <-timer.C:
		return ErrWaitMemtableSpaceTimeOut
	}
	select {
	case err := <-req.done:
		return err
	case <-cf.closeChan:
		return ErrDBClosed
	case <-timer.C:
		return ErrWaitMemtableSpaceTimeOut
	}
}

// flush rotates the active memtable if it holds any data,
// and with wait blocks until every immutable memtable is persisted.
func (cf *columnFamily) flush(options FlushOptions) error {
	cf.mu.Lock()
	if cf.bgErr != nil {
		err := cf.bgErr
		cf.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrBackgroundFlush, err)
	}
	if !cf.activeMem.isEmpty() {
		if err := cf.rotateMemtable(); err != nil {
			cf.mu.Unlock()
			return err
		}
	}
	cf.mu.Unlock()

	if !options.Wait {
		return nil
	}

	req := flushRequest{done: make(chan error, 1)}
	select {
	case cf.flushChan <- req:
	case <-cf.closeChan:
		return ErrDBClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-cf.closeChan:
		return ErrDBClosed
	}
}

// listenAndFlush is the flusher goroutine of the column family.
func (cf *columnFamily) listenAndFlush() {
	defer close(cf.flusherDone)
	for {
		select {
		case req := <-cf.flushChan:
			err := cf.flushImmutables()
			if req.done != nil {
				req.done <- err
			}
		case <-cf.closeChan:
			return
		}
	}
}

// flushImmutables flushes immutable memtables oldest first until none is left.
func (cf *columnFamily) flushImmutables() error {
	for {
		cf.mu.RLock()
		if cf.bgErr != nil {
			err := cf.bgErr
			cf.mu.RUnlock()
			return fmt.Errorf("%w: %w", ErrBackgroundFlush, err)
		}
		if len(cf.immuMems) == 0 {
			cf.mu.RUnlock()
			return nil
		}
		table := cf.immuMems[0]
		cf.mu.RUnlock()

		if err := cf.flushMemtable(table); err != nil {
			logger.Error("flush memtable failed", logger.WrapMeta(err,
				logger.NewMeta("cf", cf.name),
				logger.NewMeta("table", table.options.tableID),
			)...)
			cf.mu.Lock()
			cf.bgErr = err
			cf.mu.Unlock()
			return err
		}

		// the flushed memtable can be dropped, its data is in the index and vlog now
		cf.mu.Lock()
		cf.immuMems = cf.immuMems[1:]
		cf.mu.Unlock()
		cf.flushes.Add(1)
	}
}

// flushMemtable writes the values to the value log, the positions to the index,
// syncs both and deletes the wal of the memtable.
func closeMemtables(memtables []*memtable) {
	for _, table := range memtables {
		_ = table.close()
	}
}

func (cf *columnFamily) flushMemtable(table *memtable) error {
	records, deletedKeys := table.records()

	// write to value log, get the positions of keys
	keyPos, err := cf.vlog.writeBatch(records)
	if err != nil {
		return fmt.Errorf("vlog writeBatch: %w", err)
	}
	// sync the value log
	if err := cf.vlog.sync(); err != nil {
		return fmt.Errorf("vlog sync: %w", err)
	}

	// write all keys and positions to index
	if err := cf.index.PutBatch(keyPos); err != nil {
		return fmt.Errorf("index PutBatch: %w", err)
	}
	if err := cf.index.DeleteBatch(deletedKeys); err != nil {
		return fmt.Errorf("index DeleteBatch: %w", err)
	}
	// sync the index
	if err := cf.index.Sync(); err != nil {
		return fmt.Errorf("index sync: %w", err)
	}

	// delete the wal
	if err := table.deleteWAL(); err != nil {
		return fmt.Errorf("delete wal: %w", err)
	}

	logger.Debug("memtable flushed",
		zap.String("cf", cf.name),
		zap.Uint32("table", table.options.tableID),
		zap.Int("records", len(records)),
		zap.Int("deleted", len(deletedKeys)),
	)
	return nil
}

// getMemTables returns the active memtable followed by the immutable ones, newest first.
func (cf *columnFamily) getMemTables() []*memtable {
	cf.mu.RLock()
	defer cf.mu.RUnlock()

	tables := make([]*memtable, 0, len(cf.immuMems)+1)
	tables = append(tables, cf.activeMem)
	for i := len(cf.immuMems) - 1; i >= 0; i-- {
		tables = append(tables, cf.immuMems[i])
	}
	return tables
}

func (cf *columnFamily) get(key []byte) ([]byte, error) {
	// memtables hold the newest data
	for _, table := range cf.getMemTables() {
		if found, deleted, value := table.get(key); found {
			if deleted {
				return nil, ErrKeyNotFound
			}
			return value, nil
		}
	}

	// get key position from index, then the value from the value log
	position, err := cf.index.Get(key)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, ErrKeyNotFound
	}
	record, err := cf.vlog.read(position)
	if err != nil {
		return nil, err
	}
	// a hash index may point at a colliding key
	if !bytes.Equal(record.key, key) {
		return nil, ErrKeyNotFound
	}
	return record.value, nil
}

// sync fsyncs the wal of the active memtable.
func (cf *columnFamily) sync() error {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return cf.activeMem.sync()
}

// close stops the flusher, persists every memtable and closes all files.
func (cf *columnFamily) close() error {
	close(cf.closeChan)
	<-cf.flusherDone

	cf.mu.Lock()
	if cf.bgErr == nil && !cf.activeMem.isEmpty() {
		if err := cf.rotateMemtable(); err != nil {
			cf.mu.Unlock()
			return err
		}
	}
	cf.mu.Unlock()

	flushErr := cf.flushImmutables()
	if flushErr != nil {
		logger.Warn("column family closed with unflushed memtables",
			zap.String("cf", cf.name), zap.Error(flushErr))
	}

	var errs []error
	for _, table := range cf.immuMems {
		errs = append(errs, table.close())
	}
	errs = append(errs, cf.activeMem.close(), cf.index.Close(), cf.vlog.close())
	return errors.Join(append(errs, flushErr)...)
}
