package multiwriters

import "strconv"

// Counters holds one counter per worker role.
// Each field has a single writing worker and is read only after the workers joined.
type Counters struct {
	DurableWrites    int64
	NonDurableWrites int64
	Reads            int64
	// LockAcquisitions is a reserved report column, nothing increments it.
	LockAcquisitions int64
}

// Report formats the counters as one line of space separated integers:
// durable writes, non-durable writes and, when withReads is set,
// reads and lock acquisitions.
func (c Counters) Report(withReads bool) string {
	fields := []int64{c.DurableWrites, c.NonDurableWrites}
	if withReads {
		fields = append(fields, c.Reads, c.LockAcquisitions)
	}
	buf := make([]byte, 0, 16*len(fields))
	for i, v := range fields {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = strconv.AppendInt(buf, v, 10)
	}
	return string(buf)
}
