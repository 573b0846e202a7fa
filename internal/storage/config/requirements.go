package config

import (
	"fmt"
	"time"
)

// Requirements represents calculated resource figures for a buffer at a
// given sampling rate.
type Requirements struct {
	// Throughput
	RecordsPerSecond float64
	BytesPerSecond   float64

	// Working set
	WorkingSetBytes int64

	// FlushInterval is the time between chunk flushes.
	FlushInterval time.Duration

	// LossWindow is the acquisition time that is not yet durable at worst.
	LossWindow time.Duration

	// StorageBytesPerHour is the approximate medium growth.
	StorageBytesPerHour int64
}

// Constants for calculations
const (
	// Timestamp plus slice and aux headers of an in-memory record.
	recordOverheadBytes = 8 + 24 + 24

	// Bytes per channel value.
	bytesPerValue = 8

	// Per-row overhead in the medium (sequence number, timestamp, aux marker).
	mediumRowOverheadBytes = 20
)

// CalculateRequirements computes resource figures for sampling at hz records per second.
func (c *Config) CalculateRequirements(hz float64) Requirements {
	r := Requirements{RecordsPerSecond: hz}

	recordBytes := int64(recordOverheadBytes + bytesPerValue*len(c.Channels))
	r.BytesPerSecond = hz * float64(recordBytes)
	r.WorkingSetBytes = int64(c.ChunkSize) * recordBytes

	if hz > 0 {
		r.FlushInterval = time.Duration(float64(c.ChunkSize) / hz * float64(time.Second))
		r.LossWindow = r.FlushInterval
	}

	rowBytes := float64(mediumRowOverheadBytes + bytesPerValue*len(c.Channels))
	r.StorageBytesPerHour = int64(hz * 3600 * rowBytes)

	return r
}

// String returns a human-readable summary.
func (r Requirements) String() string {
	return fmt.Sprintf(
		"%.0f records/s, working set %s, flush every %s, loss window %s, medium %s/h",
		r.RecordsPerSecond,
		formatBytes(r.WorkingSetBytes),
		r.FlushInterval.Round(time.Millisecond),
		r.LossWindow.Round(time.Millisecond),
		formatBytes(r.StorageBytesPerHour),
	)
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
