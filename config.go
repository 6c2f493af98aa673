package multiwriters

import (
	"os"
	"path/filepath"
	"time"

	"github.com/lotusdblabs/multiwriters/lotusdb"
)

const (
	primaryColumnFamily = lotusdb.DefaultColumnFamilyName

	defaultDirName         = "multi_writers"
	defaultKeySize         = 16
	defaultValueSize       = 100
	defaultWriteBufferSize = 256 * 1024
	defaultMultiGetBatch   = 8
)

// DefaultDirPath is the storage location used when none is configured.
var DefaultDirPath = filepath.Join(os.TempDir(), defaultDirName)

// RunConfig is captured once before any worker starts and never changed after.
type RunConfig struct {
	// DirPath is the storage location, DefaultDirPath when empty.
	DirPath string

	// DestroyDB wipes whatever is stored at DirPath before opening it.
	DestroyDB bool

	// Duration is how long the workers run. Zero stops them right after they start.
	Duration time.Duration

	KeySize   int
	ValueSize int

	// KeySpace bounds the random keys to [0, KeySpace), 0 means unbounded.
	KeySpace int64

	// Seed seeds the worker generators, worker i uses Seed+i.
	Seed int64

	Scenario Scenario

	// WriteBufferSize is the memtable size of the engine.
	WriteBufferSize uint32

	IndexType    lotusdb.IndexType
	PartitionNum int

	// MultiGetBatch is the number of keys per MultiGet of the reader.
	MultiGetBatch int
}

// DefaultRunConfig returns the configuration of scenario with every default applied.
func DefaultRunConfig(scenario Scenario) RunConfig {
	return RunConfig{
		DirPath:         DefaultDirPath,
		DestroyDB:       true,
		Duration:        scenario.DefaultDuration,
		KeySize:         defaultKeySize,
		ValueSize:       defaultValueSize,
		Seed:            time.Now().UnixNano(),
		Scenario:        scenario,
		WriteBufferSize: defaultWriteBufferSize,
		IndexType:       lotusdb.BTree,
		PartitionNum:    lotusdb.DefaultOptions.PartitionNum,
		MultiGetBatch:   defaultMultiGetBatch,
	}
}

// validate checks the configuration and fills zero values with defaults.
func (c *RunConfig) validate() error {
	if c.DirPath == "" {
		c.DirPath = DefaultDirPath
	}
	if c.Scenario.Name == "" {
		c.Scenario = MultiWriters
	}
	if c.Duration < 0 {
		return ErrInvalidDuration
	}
	if c.KeySize <= 0 {
		return ErrInvalidKeySize
	}
	if c.ValueSize < 0 {
		return ErrInvalidValueSize
	}
	if c.Scenario.Second == MultiGetReader && c.MultiGetBatch <= 0 {
		return ErrInvalidBatchSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = defaultWriteBufferSize
	}
	if c.PartitionNum <= 0 {
		c.PartitionNum = lotusdb.DefaultOptions.PartitionNum
	}
	return nil
}

// engineOptions returns the engine options for opening the run's database
// with the given secondary column families.
func (c *RunConfig) engineOptions(columnFamilies ...string) lotusdb.Options {
	options := lotusdb.DefaultOptions
	options.DirPath = c.DirPath
	options.CreateIfMissing = true
	options.ColumnFamilies = columnFamilies
	options.MemtableSize = c.WriteBufferSize
	// writers stall behind three immutable memtables
	options.MemtableNums = 4
	options.IndexType = c.IndexType
	options.PartitionNum = c.PartitionNum
	options.ValueLogFileSize = 64 << 20
	return options
}
