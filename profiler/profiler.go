// Package profiler - Operation timing and counters for analysis runs.
package profiler

import (
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"
	"time"
)

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	Name  string        `json:"name"`
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

// Average returns the mean duration.
func (t TimeTracker) Average() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}

// Profiler accumulates operation timings and named counters. It is safe for
// concurrent use.
type Profiler struct {
	mu        sync.Mutex
	startTime time.Time
	counters  map[string]int64
	timings   map[string]*TimeTracker
}

// New creates a profiler whose clock starts now.
func New() *Profiler {
	return &Profiler{
		startTime: time.Now(),
		counters:  make(map[string]int64),
		timings:   make(map[string]*TimeTracker),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
// - name: The name of the operation to track
//
// Returns:
// - A function to call when the operation completes
func (p *Profiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		p.Record(name, time.Since(start))
	}
}

// Record adds one completed operation.
func (p *Profiler) Record(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.timings[name]
	if !ok {
		t = &TimeTracker{Name: name, Min: d, Max: d}
		p.timings[name] = t
	}
	t.Count++
	t.Total += d
	if d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
}

// Add increments a counter.
func (p *Profiler) Add(name string, delta int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters[name] += delta
}

// Counter returns the value of a counter.
func (p *Profiler) Counter(name string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters[name]
}

// Timing returns a copy of the tracker for name.
func (p *Profiler) Timing(name string) (TimeTracker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.timings[name]
	if !ok {
		return TimeTracker{}, false
	}
	return *t, true
}

// Report writes a human readable summary.
func (p *Profiler) Report(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fmt.Fprintf(w, "\n📊 Profile after %v\n", time.Since(p.startTime).Round(time.Millisecond))
	fmt.Fprintf(w, "   💾 Heap: %s | GC cycles: %d\n", formatBytes(mem.HeapAlloc), mem.NumGC)

	names := make([]string, 0, len(p.timings))
	for name := range p.timings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := p.timings[name]
		fmt.Fprintf(w, "   ⏱️  %s: %d ops, avg %v, min %v, max %v\n",
			name, t.Count, t.Average().Round(time.Microsecond), t.Min.Round(time.Microsecond), t.Max.Round(time.Microsecond))
	}

	names = names[:0]
	for name := range p.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "   🔢 %s: %d\n", name, p.counters[name])
	}
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
