package lotusdb

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/dgraph-io/badger/v4/skl"
	"github.com/dgraph-io/badger/v4/y"
	"github.com/rosedblabs/wal"
)

const (
	// the wal file name format is .SEG.%d
	// %d is the unique id of the memtable, used to generate wal file name
	// for example, the wal file name of memtable with id 1 is .SEG.1
	walFileExt     = ".SEG.%d"
	initialTableID = 1

	// every value in the skiplist carries this user meta so that
	// an empty value can be told apart from a missing key.
	valuePresent byte = 1
)

type (
	// memtable is an in-memory data structure holding data before they are flushed into index and value log.
	// Currently, the only supported data structure is skip list, see github.com/dgraph-io/badger/v4/skl.
	//
	// New writes always insert data to memtable, and reads has query from memtable
	// before reading from index and value log, because memtable`s data is newer.
	//
	// Once a memtable is full(memtable has its threshold, see MemtableSize in options),
	// it becomes immutable and replaced by a new memtable.
	//
	// A background goroutine will flush the content of memtable into index and vlog,
	// after that the memtable can be deleted.
	memtable struct {
		wal     *wal.WAL      // write ahead log for the memtable
		skl     *skl.Skiplist // in-memory skip list
		options memtableOptions
	}

	// memtableOptions represents the configuration options for a memtable.
	memtableOptions struct {
		dirPath         string // where write ahead log wal file is stored
		tableID         uint32 // unique id of the memtable, used to generate wal file name
		memSize         uint32 // max size of the memtable
		walBytesPerSync uint32 // flush wal file to disk throughput BytesPerSync parameter
	}
)

// openAllMemtables open all memtables of a column family directory.
// The returned slice is ordered by table id, so the newest memtable is the last one.
func openAllMemtables(dirPath string, options Options) ([]*memtable, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}

	// get all memtable ids
	var tableIDs []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var id, prefix int
		_, err := fmt.Sscanf(entry.Name(), "%d"+walFileExt, &prefix, &id)
		if err != nil {
			continue
		}
		tableIDs = append(tableIDs, id)
	}

	if len(tableIDs) == 0 {
		tableIDs = append(tableIDs, initialTableID)
	}
	sort.Ints(tableIDs)

	tables := make([]*memtable, len(tableIDs))
	for i, table := range tableIDs {
		table, err := openMemtable(memtableOptions{
			dirPath:         dirPath,
			tableID:         uint32(table),
			memSize:         options.MemtableSize,
			walBytesPerSync: options.BytesPerSync,
		})
		if err != nil {
			return nil, err
		}
		tables[i] = table
	}
	return tables, nil
}

// openMemtable open a new memtable, and rebuilds the skip list from its wal.
// Only batches whose finished record reached the wal are applied.
func openMemtable(options memtableOptions) (*memtable, error) {
	// init skip list; the arena keeps some room for the entry that crosses the threshold
	sklArenaSize := int64(float64(options.memSize) * 1.5)
	table := &memtable{options: options, skl: skl.NewSkiplist(sklArenaSize)}

	walFile, err := wal.Open(wal.Options{
		DirPath:        options.dirPath,
		SegmentSize:    math.MaxInt64,
		SegmentFileExt: fmt.Sprintf(walFileExt, options.tableID),
		Sync:           false,
		BytesPerSync:   options.walBytesPerSync,
	})
	if err != nil {
		return nil, err
	}
	table.wal = walFile

	pending := make(map[uint64][]*LogRecord)
	reader := walFile.NewReader()
	for {
		chunk, _, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		record := decodeLogRecord(chunk)
		if record.Type == LogRecordBatchFinished {
			batchID, err := snowflake.ParseBytes(record.Key)
			if err != nil {
				return nil, err
			}
			for _, rec := range pending[uint64(batchID)] {
				table.putRecord(rec)
			}
			delete(pending, uint64(batchID))
		} else {
			pending[record.BatchID] = append(pending[record.BatchID], record)
		}
	}
	return table, nil
}

// putBatch writes a batch of entries to the memtable.
// The wal is written first unless DisableWal is set, and synced when Sync is set.
func (mt *memtable) putBatch(records []*LogRecord, batchID snowflake.ID, options WriteOptions) error {
	if !options.DisableWal {
		for _, record := range records {
			record.BatchID = uint64(batchID)
			mt.wal.PendingWrites(encodeLogRecord(record))
		}
		endRecord := encodeLogRecord(&LogRecord{
			Key:  batchID.Bytes(),
			Type: LogRecordBatchFinished,
		})
		mt.wal.PendingWrites(endRecord)

		if _, err := mt.wal.WriteAll(); err != nil {
			mt.wal.ClearPendingWrites()
			return err
		}
		if options.Sync {
			if err := mt.wal.Sync(); err != nil {
				return err
			}
		}
	}

	for _, record := range records {
		mt.putRecord(record)
	}
	return nil
}

func (mt *memtable) putRecord(record *LogRecord) {
	mt.skl.Put(y.KeyWithTs(record.Key, 0), y.ValueStruct{
		Meta:     record.Type,
		UserMeta: valuePresent,
		Value:    record.Value,
	})
}

// get value from memtable
// if the specified key is marked as deleted, deleted is true.
func (mt *memtable) get(key []byte) (found bool, deleted bool, value []byte) {
	valueStruct := mt.skl.Get(y.KeyWithTs(key, 0))
	if valueStruct.UserMeta != valuePresent {
		return false, false, nil
	}
	if valueStruct.Meta == LogRecordDeleted {
		return true, true, nil
	}
	return true, false, valueStruct.Value
}

func (mt *memtable) isFull() bool {
	return mt.skl.MemSize() >= int64(mt.options.memSize)
}

func (mt *memtable) isEmpty() bool {
	return mt.skl.Empty()
}

// records returns a copy of every entry in key order,
// split into live records and deleted keys.
func (mt *memtable) records() ([]*ValueLogRecord, [][]byte) {
	var (
		live    []*ValueLogRecord
		deleted [][]byte
	)
	iter := mt.skl.NewIterator()
	defer func() {
		_ = iter.Close()
	}()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		key := y.SafeCopy(nil, y.ParseKey(iter.Key()))
		valueStruct := iter.Value()
		if valueStruct.Meta == LogRecordDeleted {
			deleted = append(deleted, key)
			continue
		}
		live = append(live, &ValueLogRecord{
			key:   key,
			value: y.SafeCopy(nil, valueStruct.Value),
		})
	}
	return live, deleted
}

func (mt *memtable) sync() error {
	return mt.wal.Sync()
}

func (mt *memtable) deleteWAL() error {
	return mt.wal.Delete()
}

func (mt *memtable) close() error {
	return mt.wal.Close()
}
