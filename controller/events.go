package controller

// EventKind distinguishes the events an engine emits.
type EventKind int

const (
	// EventProcess reports a motion event.
	EventProcess EventKind = iota
	// EventFinish closes a source run.
	EventFinish
)

func (k EventKind) String() string {
	if k == EventFinish {
		return "finish"
	}
	return "process"
}

// MotionEvent is one detected change.
type MotionEvent struct {
	// Source is the video path or image path the change was found in.
	Source string `json:"source"`
	// Index is the video timestamp in milliseconds (float64) or the image
	// position in its sequence (int).
	Index any `json:"index"`
	// Degree is the dissimilarity score.
	Degree int `json:"degree"`
}

// Event is what the engine hands to its Sink.
type Event struct {
	Kind EventKind
	// Motion is set for EventProcess.
	Motion MotionEvent
	// Source is set for EventFinish; empty for the closing event of a task
	// whose last run was aborted.
	Source string
	// Heatmap is the heatmap path or data URI, empty when none was produced.
	Heatmap string
	// Progress is the task progress in percent.
	Progress int
}

// Sink receives engine events. An error from either method means the
// channel is gone and the run stops.
type Sink interface {
	Send(ev Event) error
	End(ev Event) error
}

// SinkFunc adapts one function to both Sink methods.
type SinkFunc func(ev Event) error

// Send implements Sink.
func (fn SinkFunc) Send(ev Event) error { return fn(ev) }

// End implements Sink.
func (fn SinkFunc) End(ev Event) error { return fn(ev) }

// RunResult is the outcome of one source run.
type RunResult struct {
	Source  string        `json:"source"`
	Kind    string        `json:"kind"`
	Frames  int           `json:"frames"`
	Samples int           `json:"samples"`
	Motions []MotionEvent `json:"motions"`
	Heatmap string        `json:"heatmap,omitempty"`
}

// Summary aggregates a task.
type Summary struct {
	Runs    []RunResult `json:"runs"`
	Skipped int         `json:"skipped"`
}

// Motions returns the total number of motion events across runs.
func (s *Summary) Motions() int {
	n := 0
	for _, r := range s.Runs {
		n += len(r.Motions)
	}
	return n
}
