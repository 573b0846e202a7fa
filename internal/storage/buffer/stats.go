package buffer

import (
	"fmt"
	"time"

	"github.com/xtxerr/acqbuf/internal/metrics"
)

// Stats is a point-in-time snapshot of a buffer.
type Stats struct {
	Channels    int
	Count       int64
	Flushed     int64
	Resident    int
	ChunkSize   int
	Flushes     int64
	FlushErrors int64
	Medium      string
	Path        string
	Uptime      time.Duration

	FlushLatency metrics.LatencyStats
}

// Stats returns current buffer statistics.
func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		Channels:     len(b.channels),
		Count:        b.flushed + int64(b.work.Len()),
		Flushed:      b.flushed,
		Resident:     b.work.Len(),
		ChunkSize:    b.work.Cap(),
		Flushes:      b.flushes.Load(),
		FlushErrors:  b.flushErrors.Load(),
		Medium:       b.cfg.Medium,
		Path:         b.medium.Path(),
		Uptime:       time.Since(b.created),
		FlushLatency: b.flushLatency.Stats(),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("count=%d flushed=%d resident=%d/%d flushes=%d errors=%d medium=%s %s",
		s.Count, s.Flushed, s.Resident, s.ChunkSize, s.Flushes, s.FlushErrors, s.Medium, s.FlushLatency)
}
