package lotusdb

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/rosedblabs/wal"
)

// LogRecordType is the type of the log record.
type LogRecordType = byte

const (
	// LogRecordNormal is the normal log record type.
	LogRecordNormal LogRecordType = iota
	// LogRecordDeleted is the deleted log record type.
	LogRecordDeleted
	// LogRecordBatchFinished is the batch finished log record type.
	LogRecordBatchFinished
)

// type batchId keySize valueSize
//
//	1  +  10  +   5   +   5 = 21
const maxLogRecordHeaderSize = binary.MaxVarintLen32*2 + binary.MaxVarintLen64 + 1

// LogRecord is the log record of the key/value pair.
// It contains the key, the value, the record type and the batch id
// It will be encoded to byte slice and written to the wal.
type LogRecord struct {
	Key     []byte
	Value   []byte
	Type    LogRecordType
	BatchID uint64
}

// +-------------+-------------+-------------+--------------+-------------+--------------+
// |    type     |  batch id   |   key size  |   value size |      key    |      value   |
// +-------------+-------------+-------------+--------------+-------------+--------------+
//
//	1 byte	      varint(max 10) varint(max 5)  varint(max 5)     varint		varint
func encodeLogRecord(logRecord *LogRecord) []byte {
	var header [maxLogRecordHeaderSize]byte
	header[0] = logRecord.Type
	index := 1
	index += binary.PutUvarint(header[index:], logRecord.BatchID)
	index += binary.PutVarint(header[index:], int64(len(logRecord.Key)))
	index += binary.PutVarint(header[index:], int64(len(logRecord.Value)))

	buf := make([]byte, 0, index+len(logRecord.Key)+len(logRecord.Value))
	buf = append(buf, header[:index]...)
	buf = append(buf, logRecord.Key...)
	return append(buf, logRecord.Value...)
}

// decodeLogRecord decodes the log record from the given byte slice.
func decodeLogRecord(buf []byte) *LogRecord {
	record := &LogRecord{Type: buf[0]}

	index := 1
	batchID, n := binary.Uvarint(buf[index:])
	index += n
	keySize, n := binary.Varint(buf[index:])
	index += n
	valueSize, n := binary.Varint(buf[index:])
	index += n

	record.BatchID = batchID
	record.Key = append([]byte(nil), buf[index:index+int(keySize)]...)
	index += int(keySize)
	record.Value = append([]byte(nil), buf[index:index+int(valueSize)]...)
	return record
}

// KeyPosition is the position of the key in the value log.
type KeyPosition struct {
	key       []byte
	partition uint32
	position  *wal.ChunkPosition
}

// ValueLogRecord is the record of the key/value pair in the value log.
type ValueLogRecord struct {
	uid   uuid.UUID
	key   []byte
	value []byte
}

// +---------+-----------+-------+---------+
// |   uid   |  key size |  key  |  value  |
// +---------+-----------+-------+---------+
//
//	16 bytes   4 bytes
func encodeValueLogRecord(record *ValueLogRecord) []byte {
	buf := make([]byte, len(record.uid)+4+len(record.key)+len(record.value))
	index := copy(buf, record.uid[:])
	binary.LittleEndian.PutUint32(buf[index:], uint32(len(record.key)))
	index += 4
	index += copy(buf[index:], record.key)
	copy(buf[index:], record.value)
	return buf
}

func decodeValueLogRecord(buf []byte) *ValueLogRecord {
	var uid uuid.UUID
	index := copy(uid[:], buf)
	keyLen := int(binary.LittleEndian.Uint32(buf[index:]))
	index += 4

	key := append([]byte(nil), buf[index:index+keyLen]...)
	index += keyLen
	value := append([]byte(nil), buf[index:]...)
	return &ValueLogRecord{uid: uid, key: key, value: value}
}
