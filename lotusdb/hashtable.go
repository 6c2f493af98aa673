package lotusdb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rosedblabs/diskhash"
	"github.com/rosedblabs/wal"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

// the encoded chunk position is padded to a fixed length,
// diskhash only stores values of the configured slot length.
const positionSlotLength = binary.MaxVarintLen32*3 + binary.MaxVarintLen64

// diskhash keeps its table metadata in this file of every partition directory.
const hashMetaFileName = "HASH.META"

// HashTable is the diskhash index implementation, one table per partition.
// mu guards the tables slice, Sync swaps every table for a reopened one.
type HashTable struct {
	options indexOptions
	mu      sync.RWMutex
	tables  []*diskhash.Table
}

func openHashIndex(options indexOptions) (*HashTable, error) {
	ht := &HashTable{options: options, tables: make([]*diskhash.Table, options.partitionNum)}
	for i := 0; i < options.partitionNum; i++ {
		table, err := ht.openPartition(i)
		if err != nil {
			for _, opened := range ht.tables[:i] {
				_ = opened.Close()
			}
			return nil, err
		}
		ht.tables[i] = table
	}
	return ht, nil
}

func (ht *HashTable) partitionDir(partition int) string {
	return filepath.Join(ht.options.dirPath, fmt.Sprintf(indexFileExt, partition))
}

func (ht *HashTable) openPartition(partition int) (*diskhash.Table, error) {
	dirPath := ht.partitionDir(partition)
	// a crash may leave a stale metadata record in front of the last one.
	if err := syncHashMeta(dirPath); err != nil {
		return nil, err
	}
	diskHashOptions := diskhash.DefaultOptions
	diskHashOptions.DirPath = dirPath
	diskHashOptions.SlotValueLength = positionSlotLength
	return diskhash.Open(diskHashOptions)
}

// syncHashMeta rewrites the metadata file so that it holds only the most
// recent record and makes it durable.
// diskhash appends a record on every Close but decodes the first one on Open,
// so without this a reopened table would see the metadata of its first close.
func syncHashMeta(dirPath string) error {
	path := filepath.Join(dirPath, hashMetaFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var last json.RawMessage
	decoder := json.NewDecoder(bytes.NewReader(data))
	for {
		var record json.RawMessage
		// stop at the end of the file or at a record torn by a crash.
		if err := decoder.Decode(&record); err != nil {
			break
		}
		last = record
	}
	if last == nil {
		return nil
	}

	compacted := append(last, '\n')
	if bytes.Equal(data, compacted) {
		return syncFile(path)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, compacted, 0644); err != nil {
		return err
	}
	if err := syncFile(tmpPath); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	return syncFile(dirPath)
}

func syncFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func matchKeyHash(key []byte) diskhash.MatchKeyFunc {
	keyHash := murmur3.Sum32(key)
	return func(slot diskhash.Slot) (bool, error) {
		return keyHash == slot.Hash, nil
	}
}

// PutBatch put batch records to index
func (ht *HashTable) PutBatch(positions []*KeyPosition) error {
	if len(positions) == 0 {
		return nil
	}
	ht.mu.RLock()
	defer ht.mu.RUnlock()

	partitionRecords := make([][]*KeyPosition, ht.options.partitionNum)
	for _, pos := range positions {
		p := pos.partition
		partitionRecords[p] = append(partitionRecords[p], pos)
	}

	g, ctx := errgroup.WithContext(context.Background())
	for i := range partitionRecords {
		partition := i
		if len(partitionRecords[partition]) == 0 {
			continue
		}
		g.Go(func() error {
			table := ht.tables[partition]
			for _, record := range partitionRecords[partition] {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
					if len(record.key) == 0 {
						return ErrKeyIsEmpty
					}
					encPos := encodePosition(record.position)
					if err := table.Put(record.key, encPos, matchKeyHash(record.key)); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Get chunk position by key
func (ht *HashTable) Get(key []byte) (*KeyPosition, error) {
	p := ht.options.getKeyPartition(key)
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	table := ht.tables[p]

	var value []byte
	keyHash := murmur3.Sum32(key)
	getFunc := func(slot diskhash.Slot) (bool, error) {
		if keyHash == slot.Hash {
			value = make([]byte, len(slot.Value))
			copy(value, slot.Value)
			return true, nil
		}
		return false, nil
	}

	if err := table.Get(key, getFunc); err != nil {
		return nil, err
	}
	if len(value) == 0 {
		return nil, nil
	}
	return &KeyPosition{
		key:       key,
		partition: uint32(p),
		position:  wal.DecodeChunkPosition(value),
	}, nil
}

// DeleteBatch delete batch records from index
func (ht *HashTable) DeleteBatch(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	ht.mu.RLock()
	defer ht.mu.RUnlock()

	partitionKeys := make([][][]byte, ht.options.partitionNum)
	for _, key := range keys {
		p := ht.options.getKeyPartition(key)
		partitionKeys[p] = append(partitionKeys[p], key)
	}

	g, ctx := errgroup.WithContext(context.Background())
	for i := range partitionKeys {
		partition := i
		if len(partitionKeys[partition]) == 0 {
			continue
		}
		g.Go(func() error {
			table := ht.tables[partition]
			for _, key := range partitionKeys[partition] {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
					if err := table.Delete(key, matchKeyHash(key)); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Sync flushes every partition to disk.
// diskhash writes its metadata only when a table is closed, so each table is
// closed and reopened once its data files are synced.
func (ht *HashTable) Sync() error {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	for i, table := range ht.tables {
		if err := table.Sync(); err != nil {
			return err
		}
		if err := table.Close(); err != nil {
			return err
		}
		reopened, err := ht.openPartition(i)
		if err != nil {
			return err
		}
		ht.tables[i] = reopened
	}
	return nil
}

// Close index
func (ht *HashTable) Close() error {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	for i, table := range ht.tables {
		if err := table.Close(); err != nil {
			return err
		}
		if err := syncHashMeta(ht.partitionDir(i)); err != nil {
			return err
		}
	}
	return nil
}

func encodePosition(cp *wal.ChunkPosition) []byte {
	buf := make([]byte, positionSlotLength)

	var index = 0
	// SegmentId
	index += binary.PutUvarint(buf[index:], uint64(cp.SegmentId))
	// BlockNumber
	index += binary.PutUvarint(buf[index:], uint64(cp.BlockNumber))
	// ChunkOffset
	index += binary.PutUvarint(buf[index:], uint64(cp.ChunkOffset))
	// ChunkSize
	binary.PutUvarint(buf[index:], uint64(cp.ChunkSize))

	return buf
}
