// Package metrics tracks operation latencies with DDSketch so that flush and
// call timings can be reported as quantiles without keeping every sample.
package metrics

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// DefaultAccuracy is the relative accuracy of the quantile estimates (1%).
const DefaultAccuracy = 0.01

// Latency maintains running statistics for one operation.
type Latency struct {
	mu sync.Mutex

	name     string
	accuracy float64

	// Running statistics in seconds
	count int64
	sum   float64
	min   float64
	max   float64
	last  time.Time

	// nil if the sketch could not be created
	sketch *ddsketch.DDSketch
}

// LatencyStats is a point-in-time summary of a Latency.
type LatencyStats struct {
	Name  string
	Count int64
	Mean  time.Duration
	Min   time.Duration
	Max   time.Duration
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Last  time.Time
}

// NewLatency creates a tracker with the default accuracy.
func NewLatency(name string) *Latency {
	return NewLatencyWithAccuracy(name, DefaultAccuracy)
}

// NewLatencyWithAccuracy creates a tracker with a custom relative accuracy.
func NewLatencyWithAccuracy(name string, accuracy float64) *Latency {
	l := &Latency{
		name:     name,
		accuracy: accuracy,
		min:      math.MaxFloat64,
		max:      -math.MaxFloat64,
	}

	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err == nil {
		l.sketch = sketch
	}

	return l
}

// Observe records one duration.
func (l *Latency) Observe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	v := d.Seconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.count++
	l.sum += v
	if v < l.min {
		l.min = v
	}
	if v > l.max {
		l.max = v
	}
	l.last = time.Now()

	if l.sketch != nil {
		l.sketch.Add(v)
	}
}

// Since records the time elapsed since start.
func (l *Latency) Since(start time.Time) {
	l.Observe(time.Since(start))
}

// Count returns the number of observations.
func (l *Latency) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Stats returns the current summary.
func (l *Latency) Stats() LatencyStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := LatencyStats{Name: l.name, Count: l.count, Last: l.last}
	if l.count == 0 {
		return s
	}

	s.Mean = seconds(l.sum / float64(l.count))
	s.Min = seconds(l.min)
	s.Max = seconds(l.max)

	if l.sketch != nil {
		p50, _ := l.sketch.GetValueAtQuantile(0.50)
		p90, _ := l.sketch.GetValueAtQuantile(0.90)
		p99, _ := l.sketch.GetValueAtQuantile(0.99)
		s.P50, s.P90, s.P99 = seconds(p50), seconds(p90), seconds(p99)
	}

	return s
}

// Reset clears all observations.
func (l *Latency) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.count = 0
	l.sum = 0
	l.min = math.MaxFloat64
	l.max = -math.MaxFloat64
	l.last = time.Time{}

	if l.sketch != nil {
		// DDSketch has no Clear method
		if sketch, err := ddsketch.NewDefaultDDSketch(l.accuracy); err == nil {
			l.sketch = sketch
		}
	}
}

// Merge folds other's observations into l.
func (l *Latency) Merge(other *Latency) {
	if other == nil || other == l {
		return
	}

	other.mu.Lock()
	count, sum, min, max, last := other.count, other.sum, other.min, other.max, other.last
	var sketch *ddsketch.DDSketch
	if other.sketch != nil {
		sketch = other.sketch.Copy()
	}
	other.mu.Unlock()

	if count == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.count += count
	l.sum += sum
	if min < l.min {
		l.min = min
	}
	if max > l.max {
		l.max = max
	}
	if last.After(l.last) {
		l.last = last
	}
	if l.sketch != nil && sketch != nil {
		l.sketch.MergeWith(sketch)
	}
}

// String returns a one-line summary.
func (s LatencyStats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("%s: no samples", s.Name)
	}
	return fmt.Sprintf("%s: n=%d mean=%s p50=%s p90=%s p99=%s max=%s",
		s.Name, s.Count, s.Mean, s.P50, s.P90, s.P99, s.Max)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
