package lotusdb

import "fmt"

const (
	// indexFileExt is the file extension for index files.
	indexFileExt = ".INDEX.%d"
)

// Index is the interface for index implementations.
// An index is a key-value store that maps keys to chunk positions.
// The index is used to find the chunk position of a key.
type Index interface {
	// PutBatch put batch records to index
	PutBatch([]*KeyPosition) error

	// Get chunk position by key, nil if the key is absent
	Get([]byte) (*KeyPosition, error)

	// DeleteBatch delete batch records from index
	DeleteBatch([][]byte) error

	// Sync sync index data to disk
	Sync() error

	// Close index
	Close() error
}

// IndexType selects the on-disk index implementation.
type IndexType int8

const (
	// BTree is the BoltDB index type.
	BTree IndexType = iota
	// Hash is the diskhash index type.
	Hash
)

func (t IndexType) String() string {
	switch t {
	case BTree:
		return "btree"
	case Hash:
		return "hash"
	default:
		return fmt.Sprintf("IndexType(%d)", int8(t))
	}
}

// ParseIndexType returns the index type named s.
func ParseIndexType(s string) (IndexType, error) {
	switch s {
	case "btree", "":
		return BTree, nil
	case "hash":
		return Hash, nil
	default:
		return 0, fmt.Errorf("unknown index type %q", s)
	}
}

type indexOptions struct {
	indexType IndexType

	dirPath string // index directory path

	partitionNum int // index partition nums for sharding

	keyHashFunction func([]byte) uint64 // hash function for sharding
}

func (opts *indexOptions) getKeyPartition(key []byte) int {
	return int(opts.keyHashFunction(key) % uint64(opts.partitionNum))
}

func openIndex(options indexOptions) (Index, error) {
	switch options.indexType {
	case BTree:
		return openBTreeIndex(options)
	case Hash:
		return openHashIndex(options)
	default:
		return nil, fmt.Errorf("unknown index type %s", options.indexType)
	}
}
