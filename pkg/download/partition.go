package download

import (
	"fmt"
)

// Partition divides [0, size) into min(n, size) contiguous, non-overlapping
// segments of ceil(size/n) bytes. When the ceiling would leave trailing
// segments empty, their starts are pulled back so every segment holds at
// least one byte.
func Partition(size int64, n int) ([]*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cannot partition %d bytes", size)
	}
	if n < 1 {
		return nil, fmt.Errorf("cannot partition into %d segments", n)
	}
	count := min(int64(n), size)
	chunkSize := (size + count - 1) / count

	startOf := func(i int64) int64 {
		return min(i*chunkSize, size-(count-i))
	}

	segments := make([]*Segment, count)
	for i := int64(0); i < count; i++ {
		end := size - 1
		if i < count-1 {
			end = startOf(i+1) - 1
		}
		segments[i] = &Segment{Index: int(i), Start: startOf(i), End: end}
	}
	return segments, nil
}
