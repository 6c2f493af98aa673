package lotusdb

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultColumnFamilyName is the column family every database has.
const DefaultColumnFamilyName = "default"

// Options specifies the options for opening a database.
type Options struct {
	// DirPath specifies the directory path where all the database files will be stored.
	DirPath string

	// CreateIfMissing creates the database directory when it does not exist.
	CreateIfMissing bool

	// ColumnFamilies lists the column families to open besides the default one.
	// Every column family found on disk must be listed, otherwise Open fails
	// with ErrColumnFamilyNotOpened.
	ColumnFamilies []string

	// MemtableSize represents the maximum size in bytes for a memtable.
	// It means that each memtable will occupy so much memory.
	// Default value is 64MB.
	MemtableSize uint32

	// MemtableNums represents maximum number of memtables to keep in memory
	// per column family before writers stall on the flusher.
	// Default value is 15.
	MemtableNums int

	// BytesPerSync specifies the number of bytes to write before calling fsync
	// on the memtable WAL. 0 means sync only on synced writes.
	BytesPerSync uint32

	// PartitionNum specifies the number of partitions of the index and the value log.
	PartitionNum int

	// KeyHashFunction specifies the hash function for sharding.
	// It is used to determine which partition a key belongs to.
	// Default value is xxhash.
	KeyHashFunction func([]byte) uint64

	// ValueLogFileSize size of a single value log file.
	// Default value is 1GB.
	ValueLogFileSize int64

	// IndexType is the on-disk index implementation.
	IndexType IndexType

	// MemSpaceWaitTimeout bounds how long a write waits for the flusher
	// to free a memtable slot.
	MemSpaceWaitTimeout time.Duration
}

// WriteOptions set optional params for PutWithOptions and DeleteWithOptions.
type WriteOptions struct {
	// Sync is whether to synchronize writes through os buffer cache and down onto the actual disk.
	// Setting sync is required for durability of a single write operation, but also results in slower writes.
	//
	// If false, and the machine crashes, then some recent writes may be lost.
	// Note that if it is just the process that crashes (machine does not) then no writes will be lost.
	Sync bool

	// DisableWal if true, writes will not first go to the write ahead log, and the write may get lost after a crash.
	// Setting true only if don`t care about the data loss.
	DisableWal bool
}

// FlushOptions set optional params for Flush.
type FlushOptions struct {
	// Wait blocks the caller until every memtable rotated by this call
	// (and all older ones) is persisted.
	Wait bool
}

var DefaultOptions = Options{
	DirPath:             filepath.Join(os.TempDir(), "lotusdb"),
	CreateIfMissing:     true,
	MemtableSize:        64 << 20,
	MemtableNums:        15,
	BytesPerSync:        0,
	PartitionNum:        3,
	KeyHashFunction:     xxhash.Sum64,
	ValueLogFileSize:    1 << 30,
	IndexType:           BTree,
	MemSpaceWaitTimeout: 10 * time.Second,
}

var DefaultWriteOptions = WriteOptions{
	Sync:       false,
	DisableWal: false,
}
