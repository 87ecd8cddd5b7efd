// Package profiler - Stage timing and resource tracking for conversion runs.
package profiler

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// StageProfiler tracks how long each pipeline stage takes, custom metrics
// such as artifact sizes, and the peak heap observed at stage boundaries.
//
// The profiler is safe for concurrent use, so families running in parallel
// may share one.
type StageProfiler struct {
	mu    sync.RWMutex
	now   Clock
	start time.Time

	// Performance tracking
	operationTimes map[string]*TimeTracker
	order          []string

	// Custom metrics
	customMetrics map[string]*MetricTracker

	// Memory
	memStats runtime.MemStats
	peakHeap uint64
}

// TimeTracker tracks timing statistics for one stage.
type TimeTracker struct {
	name      string
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// MetricTracker tracks statistics for a custom metric.
type MetricTracker struct {
	name  string
	last  float64
	sum   float64
	min   float64
	max   float64
	count int64
}

// Timing is a snapshot of one stage's timings.
type Timing struct {
	Name  string        `json:"name"`
	Total time.Duration `json:"total_ns"`
	Min   time.Duration `json:"min_ns"`
	Max   time.Duration `json:"max_ns"`
	Count int64         `json:"count"`
}

// NewStageProfiler creates a profiler using the wall clock.
//
// Returns:
//   - *StageProfiler: The profiler.
func NewStageProfiler() *StageProfiler {
	return NewStageProfilerWithClock(time.Now)
}

// NewStageProfilerWithClock creates a profiler using now as its clock.
func NewStageProfilerWithClock(now Clock) *StageProfiler {
	return &StageProfiler{
		now:            now,
		start:          now(),
		operationTimes: make(map[string]*TimeTracker),
		customMetrics:  make(map[string]*MetricTracker),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The stage or operation name.
//
// Returns:
//   - func() time.Duration: Stops the timer, records and returns the
//     elapsed time.
func (p *StageProfiler) StartOperation(name string) func() time.Duration {
	start := p.now()
	return func() time.Duration {
		d := p.now().Sub(start)
		p.recordOperationTime(name, d)
		p.sampleHeap()
		return d
	}
}

func (p *StageProfiler) recordOperationTime(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.operationTimes[name]
	if !exists {
		tracker = &TimeTracker{name: name, minTime: d, maxTime: d}
		p.operationTimes[name] = tracker
		p.order = append(p.order, name)
	}
	tracker.totalTime += d
	tracker.count++
	if d < tracker.minTime {
		tracker.minTime = d
	}
	if d > tracker.maxTime {
		tracker.maxTime = d
	}
}

// RecordMetric records a custom metric value.
//
// Arguments:
//   - name: The metric name, e.g. "coreml.fp16.size_bytes".
//   - value: The value.
func (p *StageProfiler) RecordMetric(name string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.customMetrics[name]
	if !exists {
		tracker = &MetricTracker{name: name, min: value, max: value}
		p.customMetrics[name] = tracker
	}
	tracker.last = value
	tracker.sum += value
	tracker.count++
	if value < tracker.min {
		tracker.min = value
	}
	if value > tracker.max {
		tracker.max = value
	}
}

// Metric returns the last recorded value of a metric.
func (p *StageProfiler) Metric(name string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.customMetrics[name]
	if !ok {
		return 0, false
	}
	return t.last, true
}

func (p *StageProfiler) sampleHeap() {
	p.mu.Lock()
	defer p.mu.Unlock()
	runtime.ReadMemStats(&p.memStats)
	if p.memStats.HeapAlloc > p.peakHeap {
		p.peakHeap = p.memStats.HeapAlloc
	}
}

// Timings returns per-operation timings in first-seen order.
func (p *StageProfiler) Timings() []Timing {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Timing, 0, len(p.order))
	for _, name := range p.order {
		t := p.operationTimes[name]
		out = append(out, Timing{Name: name, Total: t.totalTime, Min: t.minTime, Max: t.maxTime, Count: t.count})
	}
	return out
}

// Elapsed returns the time since the profiler was created.
func (p *StageProfiler) Elapsed() time.Duration {
	return p.now().Sub(p.start)
}

// PeakHeap returns the largest heap allocation seen at a stage boundary.
func (p *StageProfiler) PeakHeap() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.peakHeap
}

// Summary renders timings and metrics as indented text lines.
func (p *StageProfiler) Summary() []string {
	timings := p.Timings()

	p.mu.RLock()
	defer p.mu.RUnlock()

	lines := make([]string, 0, len(timings)+len(p.customMetrics)+1)
	for _, t := range timings {
		lines = append(lines, fmt.Sprintf("  %s: %v", t.Name, t.Total.Truncate(time.Millisecond)))
	}
	names := make([]string, 0, len(p.customMetrics))
	for name := range p.customMetrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("  %s: %.2f", name, p.customMetrics[name].last))
	}
	if p.peakHeap > 0 {
		lines = append(lines, fmt.Sprintf("  peak heap: %s", FormatBytes(p.peakHeap)))
	}
	return lines
}

// FormatBytes formats byte counts in human-readable format.
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
