package session

import (
	"time"

	"github.com/ethereum/go-ethereum/metrics"
)

// Metric names registered by NewMetrics.
const (
	MetricConnections  = "session/connections"
	MetricTasksStarted = "task/started"
	MetricTasksFailed  = "task/failed"
	MetricLastTaskTime = "task/last_time"
	MetricEvents       = "events/sent"
	MetricMotions      = "events/process"
	MetricErrors       = "events/error"
)

// Metrics counts session activity in its own registry. A nil *Metrics
// discards everything and snapshots as zero.
type Metrics struct {
	registry     metrics.Registry
	connections  metrics.Counter
	tasks        metrics.Meter
	tasksFailed  metrics.Counter
	lastTaskTime *metrics.StandardGauge
	events       metrics.Meter
	motions      metrics.Counter
	rejected     metrics.Counter
}

// NewMetrics registers a fresh set of session metrics. Call Stop when the
// owner goes away so the meters stop ticking.
func NewMetrics() *Metrics {
	r := metrics.NewRegistry()
	m := &Metrics{
		registry:     r,
		connections:  metrics.NewRegisteredCounterForced(MetricConnections, r),
		tasks:        metrics.NewRegisteredMeterForced(MetricTasksStarted, r),
		tasksFailed:  metrics.NewRegisteredCounterForced(MetricTasksFailed, r),
		lastTaskTime: new(metrics.StandardGauge),
		events:       metrics.NewRegisteredMeterForced(MetricEvents, r),
		motions:      metrics.NewRegisteredCounterForced(MetricMotions, r),
		rejected:     metrics.NewRegisteredCounterForced(MetricErrors, r),
	}
	_ = r.Register(MetricLastTaskTime, m.lastTaskTime)
	return m
}

// Registry returns the registry holding every session metric.
func (m *Metrics) Registry() metrics.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Stop halts the meters.
func (m *Metrics) Stop() {
	if m == nil {
		return
	}
	m.tasks.Stop()
	m.events.Stop()
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.connections.Inc(1)
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.connections.Dec(1)
	}
}

func (m *Metrics) taskStarted() {
	if m != nil {
		m.tasks.Mark(1)
		m.lastTaskTime.Update(time.Now().Unix())
	}
}

func (m *Metrics) taskFailed() {
	if m != nil {
		m.tasksFailed.Inc(1)
	}
}

func (m *Metrics) eventSent(status string) {
	if m == nil {
		return
	}
	m.events.Mark(1)
	switch status {
	case StatusProcess:
		m.motions.Inc(1)
	case StatusError:
		m.rejected.Inc(1)
	}
}

// Snapshot returns every metric by its health report name.
func (m *Metrics) Snapshot() map[string]int64 {
	snap := map[string]int64{
		"connections":    0,
		"tasks":          0,
		"tasks_failed":   0,
		"motions":        0,
		"errors":         0,
		"events":         0,
		"last_task_time": 0,
	}
	if m == nil {
		return snap
	}
	snap["connections"] = m.connections.Snapshot().Count()
	snap["tasks"] = m.tasks.Snapshot().Count()
	snap["tasks_failed"] = m.tasksFailed.Snapshot().Count()
	snap["motions"] = m.motions.Snapshot().Count()
	snap["errors"] = m.rejected.Snapshot().Count()
	snap["events"] = m.events.Snapshot().Count()
	snap["last_task_time"] = m.lastTaskTime.Snapshot().Value()
	return snap
}
