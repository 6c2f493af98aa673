package multiwriters

import (
	"github.com/lotusdblabs/multiwriters/lotusdb"
)

// Engine is the storage surface the harness drives.
// Every method must be safe for concurrent use.
type Engine interface {
	CreateColumnFamily(name string) error
	Put(cf string, key, value []byte, options lotusdb.WriteOptions) error
	Flush(cf string, options lotusdb.FlushOptions) error
	// MultiGet returns one value and one error per key,
	// a missing key has lotusdb.ErrKeyNotFound in its error slot.
	MultiGet(cfs []string, keys [][]byte) ([][]byte, []error)
	GetProperty(cf, name string) (string, bool)
	Close() error
}

// Backend opens and destroys engines.
type Backend interface {
	Open(options lotusdb.Options) (Engine, error)
	Destroy(dirPath string) error
}

// LotusBackend runs the harness on the lotusdb engine.
type LotusBackend struct{}

var _ Engine = (*lotusdb.DB)(nil)

func (LotusBackend) Open(options lotusdb.Options) (Engine, error) {
	db, err := lotusdb.Open(options)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (LotusBackend) Destroy(dirPath string) error {
	return lotusdb.DestroyDB(dirPath)
}
