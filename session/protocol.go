package session

import (
	"encoding/json"
	"time"

	"github.com/nvr-ai/go-motion/controller"
	"github.com/nvr-ai/go-motion/images"
	"github.com/nvr-ai/go-motion/source"
	"github.com/pkg/errors"
)

// Event statuses.
const (
	StatusAdded   = "added"
	StatusProcess = "process"
	StatusFinish  = "finish"
	StatusError   = "error"
)

// ErrorCode is the numeric code carried by error events.
type ErrorCode int

const (
	ErrCodeInternal        ErrorCode = 45000
	ErrCodeBadRequest      ErrorCode = 45001
	ErrCodeMissingType     ErrorCode = 45002
	ErrCodeUnsupportedType ErrorCode = 45003
	ErrCodeBusy            ErrorCode = 45004
	ErrCodeUnauthorized    ErrorCode = 45005
	ErrCodeInvalidParams   ErrorCode = 45006
)

// Analysis types.
const (
	TypeMotionDetection = 0
	TypeFaceRecognition = 1
)

// Request is an inbound analysis request. Pointer fields distinguish an
// omitted value from a zero.
type Request struct {
	Type            *int        `json:"type"`
	Sources         []string    `json:"sources"`
	SourceType      *int        `json:"sourceType"`
	Regions         [][]float64 `json:"regions"`
	Degree          *int        `json:"degree"`
	Threshold       *int        `json:"threshold"`
	MaxValue        *int        `json:"maxValue"`
	Heatmap         *int        `json:"heatmap"`
	SleepTimes      *float64    `json:"sleepTimes"`
	HeatmapDir      *string     `json:"heatmapDir"`
	ReduceNoise     *bool       `json:"reduceNoise"`
	BackgroundModel *string     `json:"backgroundModel"`
}

// DecodeRequest parses one message.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.Wrap(err, "decode request")
	}
	return &req, nil
}

// Task merges the request onto defaults and validates the result.
func (r *Request) Task(defaults controller.Config) (controller.Task, error) {
	cfg := defaults
	if r.Degree != nil {
		cfg.Degree = *r.Degree
	}
	if r.Threshold != nil {
		cfg.Threshold = *r.Threshold
	}
	if r.MaxValue != nil {
		cfg.MaxValue = *r.MaxValue
	}
	if r.Heatmap != nil {
		cfg.Heatmap = images.HeatmapMode(*r.Heatmap)
	}
	if r.SleepTimes != nil {
		cfg.SleepTimes = time.Duration(*r.SleepTimes * float64(time.Second))
	}
	if r.HeatmapDir != nil {
		cfg.HeatmapDir = *r.HeatmapDir
	}
	if r.ReduceNoise != nil {
		cfg.ReduceNoise = *r.ReduceNoise
	}
	if r.BackgroundModel != nil {
		cfg.BackgroundModel = images.BackgroundModelType(*r.BackgroundModel)
	}

	region, err := images.NewRegion(r.Regions)
	if err != nil {
		return controller.Task{}, err
	}
	cfg.Region = region

	st := source.TypeAuto
	if r.SourceType != nil {
		switch t := source.Type(*r.SourceType); t {
		case source.TypeAuto, source.TypeVideo, source.TypeImages:
			st = t
		default:
			return controller.Task{}, errors.Wrapf(controller.ErrInvalidConfig, "unknown sourceType %d", *r.SourceType)
		}
	}

	if err := cfg.Validate(); err != nil {
		return controller.Task{}, err
	}
	return controller.Task{Sources: r.Sources, SourceType: st, Config: cfg}, nil
}

// Event is an outbound message. Absent values are encoded as null.
type Event struct {
	Status   string    `json:"status"`
	TaskID   string    `json:"taskId,omitempty"`
	Source   *string   `json:"source"`
	Index    any       `json:"index"`
	Degree   *int      `json:"degree"`
	Heatmap  *string   `json:"heatmapImg"`
	Progress int       `json:"progress"`
	Error    ErrorCode `json:"error,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// AddedEvent acknowledges an accepted task.
func AddedEvent(taskID string) Event {
	return Event{Status: StatusAdded, TaskID: taskID}
}

// ErrorEvent reports a rejected message or a failed task.
func ErrorEvent(taskID string, code ErrorCode, message string) Event {
	return Event{Status: StatusError, TaskID: taskID, Error: code, Message: message}
}

// FromEngine converts an engine event to its wire form.
func FromEngine(taskID string, ev controller.Event) Event {
	if ev.Kind == controller.EventProcess {
		src, degree := ev.Motion.Source, ev.Motion.Degree
		return Event{
			Status:   StatusProcess,
			TaskID:   taskID,
			Source:   &src,
			Index:    ev.Motion.Index,
			Degree:   &degree,
			Progress: ev.Progress,
		}
	}
	out := Event{Status: StatusFinish, TaskID: taskID, Progress: ev.Progress}
	if ev.Source != "" {
		src := ev.Source
		out.Source = &src
	}
	if ev.Heatmap != "" {
		heat := ev.Heatmap
		out.Heatmap = &heat
	}
	return out
}
