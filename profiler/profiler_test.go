package profiler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances by step on every reading.
type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func TestStartOperationRecordsTimings(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0), step: 10 * time.Millisecond}
	p := NewStageProfilerWithClock(clock.now)

	d := p.StartOperation("load")()
	assert.Equal(t, 10*time.Millisecond, d)
	p.StartOperation("convert")()
	p.StartOperation("load")()

	timings := p.Timings()
	require.Len(t, timings, 2)
	assert.Equal(t, "load", timings[0].Name)
	assert.Equal(t, int64(2), timings[0].Count)
	assert.Equal(t, 20*time.Millisecond, timings[0].Total)
	assert.Equal(t, "convert", timings[1].Name)
	assert.Positive(t, p.PeakHeap())
}

func TestRecordMetric(t *testing.T) {
	p := NewStageProfiler()

	_, ok := p.Metric("size")
	assert.False(t, ok)

	p.RecordMetric("size", 3)
	p.RecordMetric("size", 1)

	v, ok := p.Metric("size")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
	assert.Contains(t, p.Summary(), "  size: 1.00")
}

func TestConcurrentUse(t *testing.T) {
	p := NewStageProfiler()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stop := p.StartOperation("stage")
			p.RecordMetric("m", 1)
			stop()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(8), p.Timings()[0].Count)
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{in: 512, want: "512 B"},
		{in: 1536, want: "1.5 KB"},
		{in: 15 * 1024 * 1024, want: "15.0 MB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in))
	}
}
