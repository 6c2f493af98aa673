package lotusdb

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rosedblabs/wal"
	"golang.org/x/sync/errgroup"
)

const valueLogFileExt = ".VLOG.%d"

// valueLog value log is named after the concept in Wisckey paper
// https://www.usenix.org/system/files/conference/fast16/fast16-papers-lu.pdf
type valueLog struct {
	walFiles []*wal.WAL
	options  valueLogOptions
}

type valueLogOptions struct {
	// dirPath specifies the directory path where the WAL segment files will be stored.
	dirPath string

	// segmentSize specifies the maximum size of each segment file in bytes.
	segmentSize int64

	// value log are partitioned to several parts for concurrent writing and reading
	partitionNum uint32

	// hash function for sharding
	hashKeyFunction func([]byte) uint64
}

// open wal files for value log, it will open several wal files for concurrent writing and reading
// the number of wal files is specified by the partitionNum.
func openValueLog(options valueLogOptions) (*valueLog, error) {
	walFiles := make([]*wal.WAL, 0, options.partitionNum)
	for i := 0; i < int(options.partitionNum); i++ {
		vLogWal, err := wal.Open(wal.Options{
			DirPath:        options.dirPath,
			SegmentSize:    options.segmentSize,
			SegmentFileExt: fmt.Sprintf(valueLogFileExt, i),
			Sync:           false, // we will sync manually
			BytesPerSync:   0,     // the same as Sync
		})
		if err != nil {
			return nil, err
		}
		walFiles = append(walFiles, vLogWal)
	}
	return &valueLog{walFiles: walFiles, options: options}, nil
}

// read the value log record from the specified position.
func (vlog *valueLog) read(pos *KeyPosition) (*ValueLogRecord, error) {
	buf, err := vlog.walFiles[pos.partition].Read(pos.position)
	if err != nil {
		return nil, err
	}
	return decodeValueLogRecord(buf), nil
}

// writeBatch writes the records to the value log, they are separated to several partitions
// and written to the corresponding partition concurrently.
func (vlog *valueLog) writeBatch(records []*ValueLogRecord) ([]*KeyPosition, error) {
	// group the records by partition
	partitionRecords := make([][]*ValueLogRecord, vlog.options.partitionNum)
	for _, record := range records {
		if record.uid == uuid.Nil {
			record.uid = uuid.New()
		}
		p := vlog.getKeyPartition(record.key)
		partitionRecords[p] = append(partitionRecords[p], record)
	}

	// every partition fills its own slot, no channel is needed
	partitionPositions := make([][]*KeyPosition, vlog.options.partitionNum)
	g, ctx := errgroup.WithContext(context.Background())
	for i := range partitionRecords {
		part := i
		if len(partitionRecords[part]) == 0 {
			continue
		}
		g.Go(func() error {
			walFile := vlog.walFiles[part]
			for _, record := range partitionRecords[part] {
				select {
				case <-ctx.Done():
					walFile.ClearPendingWrites()
					return ctx.Err()
				default:
					walFile.PendingWrites(encodeValueLogRecord(record))
				}
			}
			positions, err := walFile.WriteAll()
			if err != nil {
				walFile.ClearPendingWrites()
				return err
			}
			keyPositions := make([]*KeyPosition, len(positions))
			for j, pos := range positions {
				keyPositions[j] = &KeyPosition{
					key:       partitionRecords[part][j].key,
					partition: uint32(part),
					position:  pos,
				}
			}
			partitionPositions[part] = keyPositions
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	keyPositions := make([]*KeyPosition, 0, len(records))
	for _, positions := range partitionPositions {
		keyPositions = append(keyPositions, positions...)
	}
	return keyPositions, nil
}

// sync the value log to disk.
func (vlog *valueLog) sync() error {
	for _, walFile := range vlog.walFiles {
		if err := walFile.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// close the value log.
func (vlog *valueLog) close() error {
	for _, walFile := range vlog.walFiles {
		if err := walFile.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (vlog *valueLog) getKeyPartition(key []byte) int {
	return int(vlog.options.hashKeyFunction(key) % uint64(vlog.options.partitionNum))
}
