package buffer

import (
	"sync/atomic"

	"github.com/xtxerr/acqbuf/internal/storage/types"
)

// WorkingSet holds the committed records that have not been flushed yet.
// It holds at most one chunk and is drained as a whole.
//
// WorkingSet is not safe for concurrent use; Buffer serialises access.
type WorkingSet struct {
	data     []types.Record
	capacity int

	// Statistics
	pushCount  atomic.Int64
	drainCount atomic.Int64
}

// NewWorkingSet creates a working set holding up to capacity records.
func NewWorkingSet(capacity int) *WorkingSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &WorkingSet{
		data:     make([]types.Record, 0, capacity),
		capacity: capacity,
	}
}

// Push adds a record. Returns false if the working set is full.
func (ws *WorkingSet) Push(rec types.Record) bool {
	if len(ws.data) >= ws.capacity {
		return false
	}
	ws.data = append(ws.data, rec)
	ws.pushCount.Add(1)
	return true
}

// DropNewest removes the most recently pushed record.
func (ws *WorkingSet) DropNewest() {
	if len(ws.data) == 0 {
		return
	}
	ws.data[len(ws.data)-1] = types.Record{}
	ws.data = ws.data[:len(ws.data)-1]
	ws.pushCount.Add(-1)
}

// Records returns the resident records without copying.
func (ws *WorkingSet) Records() []types.Record {
	return ws.data
}

// CopyRange returns clones of the records at positions [lo, hi).
func (ws *WorkingSet) CopyRange(lo, hi int) []types.Record {
	out := make([]types.Record, hi-lo)
	for i := range out {
		out[i] = ws.data[lo+i].Clone()
	}
	return out
}

// Len returns the number of resident records.
func (ws *WorkingSet) Len() int {
	return len(ws.data)
}

// Cap returns the capacity.
func (ws *WorkingSet) Cap() int {
	return ws.capacity
}

// IsEmpty returns true if no record is resident.
func (ws *WorkingSet) IsEmpty() bool {
	return len(ws.data) == 0
}

// IsFull returns true if the working set holds a full chunk.
func (ws *WorkingSet) IsFull() bool {
	return len(ws.data) >= ws.capacity
}

// UsageRatio returns the current usage as a ratio (0.0 - 1.0).
func (ws *WorkingSet) UsageRatio() float64 {
	return float64(len(ws.data)) / float64(ws.capacity)
}

// Clear removes all records after a successful flush.
func (ws *WorkingSet) Clear() {
	n := len(ws.data)
	for i := range ws.data {
		ws.data[i] = types.Record{}
	}
	ws.data = ws.data[:0]
	ws.drainCount.Add(int64(n))
}

// Stats returns working set statistics.
func (ws *WorkingSet) Stats() WorkingSetStats {
	return WorkingSetStats{
		Capacity:   ws.capacity,
		Count:      len(ws.data),
		UsageRatio: ws.UsageRatio(),
		PushCount:  ws.pushCount.Load(),
		DrainCount: ws.drainCount.Load(),
	}
}

// WorkingSetStats holds working set statistics.
type WorkingSetStats struct {
	Capacity   int
	Count      int
	UsageRatio float64
	PushCount  int64
	DrainCount int64
}
