// Package controller - This file contains the change detection engine that routes
// the frames of every source run through region extraction, similarity scoring
// and foreground accumulation.
package controller

import (
	"context"
	"image"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/nvr-ai/go-motion/images"
	"github.com/nvr-ai/go-motion/source"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

var (
	// ErrSourceUnavailable marks a source that is missing or cannot be decoded.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrGeometryInvalid marks a video whose metadata or region is unusable.
	ErrGeometryInvalid = errors.New("source geometry invalid")
	// ErrChannelSend is returned when the sink rejects an event.
	ErrChannelSend = errors.New("event channel send failed")
)

// Phase is the state of a single source run.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePriming
	PhaseSampling
	PhaseFinalizing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhasePriming:
		return "priming"
	case PhaseSampling:
		return "sampling"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseDone:
		return "done"
	default:
		return "idle"
	}
}

// Engine runs detection tasks. One Engine may serve many tasks, but a single
// Run call processes its sources sequentially.
type Engine struct {
	Opener   source.Opener
	Renderer *images.HeatmapRenderer
	// NewModel builds the background model for a run with heatmaps enabled.
	NewModel func(t images.BackgroundModelType) (images.BackgroundModel, error)
	// NewPacer builds the pacer for a task.
	NewPacer func(interval time.Duration) Pacer
}

// NewEngine returns an Engine with the default model and pacer factories.
func NewEngine(opener source.Opener, renderer *images.HeatmapRenderer) *Engine {
	return &Engine{
		Opener:   opener,
		Renderer: renderer,
		NewModel: images.NewBackgroundModel,
		NewPacer: func(interval time.Duration) Pacer {
			return NewRatePacer(interval)
		},
	}
}

// progress computes task progress for run r out of total.
type progress struct {
	run   int
	total int
}

// at returns the progress of item i out of n within the run, capped at 99.
func (p progress) at(i, n int) int {
	if n <= 0 || p.total <= 0 {
		return 0
	}
	v := 100 * (p.run*n + i) / (p.total * n)
	if v > 99 {
		v = 99
	}
	return v
}

func (p progress) done() int {
	if p.total <= 0 {
		return 100
	}
	return 100 * (p.run + 1) / p.total
}

// Run processes every source of the task in order and reports motion and
// finish events to sink.
//
// Arguments:
//   - ctx: Cancelled when the session goes away.
//   - task: The sources and detection parameters.
//   - sink: Receives process and finish events.
//
// Returns:
//   - *Summary: Per run results, also populated on early return.
//   - error: ErrInvalidConfig, ErrChannelSend or the context error.
func (e *Engine) Run(ctx context.Context, task Task, sink Sink) (*Summary, error) {
	cfg := task.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	summary := &Summary{Runs: []RunResult{}}
	runs := source.Plan(task.Sources, task.SourceType)
	if len(runs) == 0 {
		glog.Warningf("task has no sources")
		return summary, nil
	}

	pacer := e.NewPacer(cfg.SleepTimes)
	finished := false
	for r, run := range runs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		p := progress{run: r, total: len(runs)}

		var (
			res *RunResult
			err error
		)
		switch run.Kind {
		case source.KindImages:
			res, err = e.runImages(ctx, cfg, run, p, pacer, sink)
		default:
			res, err = e.runVideo(ctx, cfg, run.Name(), p, pacer, sink)
		}
		if err != nil {
			if errors.Is(err, ErrChannelSend) {
				return summary, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return summary, ctxErr
			}
			glog.Warningf("source %s skipped: %v", run.Name(), err)
			summary.Skipped++
			finished = false
			continue
		}
		summary.Runs = append(summary.Runs, *res)
		finished = true
	}

	if !finished {
		if err := sink.End(Event{Kind: EventFinish, Progress: 100}); err != nil {
			return summary, errors.Wrapf(ErrChannelSend, "%v", err)
		}
	}
	return summary, nil
}

func (e *Engine) runVideo(ctx context.Context, cfg Config, path string, p progress, pacer Pacer, sink Sink) (*RunResult, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "%v", err)
	}
	video, err := e.Opener.OpenVideo(path)
	if err != nil {
		return nil, errors.Wrapf(ErrSourceUnavailable, "%v", err)
	}
	defer video.Close()

	info := video.Info()
	if !info.Valid() {
		return nil, errors.Wrapf(ErrGeometryInvalid, "fps=%d frames=%d size=%dx%d",
			info.FPS, info.FrameCount, info.Width, info.Height)
	}
	if err := cfg.Region.Validate(info.Width, info.Height); err != nil {
		return nil, errors.Wrapf(ErrGeometryInvalid, "%v", err)
	}

	st, err := e.newRunState(cfg, path, source.KindVideo, pacer, sink)
	if err != nil {
		return nil, err
	}
	defer st.close()
	st.size = image.Pt(info.Width, info.Height)

	frame := gocv.NewMat()
	defer frame.Close()
	position := func() any { return video.Position() }

	for i := 0; i < info.FrameCount; i++ {
		if !video.Read(&frame) || frame.Empty() {
			glog.V(2).Infof("%s: frame %d not decodable", path, i)
			continue
		}
		boundary := (i+1)%info.FPS == 0
		if err := st.step(ctx, path, frame, boundary, position, p.at(i, info.FrameCount)); err != nil {
			return nil, err
		}
	}
	if !st.primed {
		return nil, errors.Wrap(ErrSourceUnavailable, "no decodable frames")
	}
	return st.finish(p.done())
}

func (e *Engine) runImages(ctx context.Context, cfg Config, run source.Run, p progress, pacer Pacer, sink Sink) (*RunResult, error) {
	st, err := e.newRunState(cfg, run.Name(), source.KindImages, pacer, sink)
	if err != nil {
		return nil, err
	}
	defer st.close()

	for i, path := range run.Paths {
		if _, err := os.Stat(path); err != nil {
			glog.Warningf("image %s does not exist", path)
			continue
		}
		img, err := e.Opener.ReadImage(path)
		if err != nil {
			glog.Warningf("image %s skipped: %v", path, err)
			continue
		}
		if !st.primed {
			if err := cfg.Region.Validate(img.Cols(), img.Rows()); err != nil {
				glog.Warningf("image %s skipped: %v", path, err)
				img.Close()
				continue
			}
			st.size = image.Pt(img.Cols(), img.Rows())
		}

		index := i
		err = st.step(ctx, path, img, true, func() any { return index }, p.at(i, len(run.Paths)))
		img.Close()
		if err != nil {
			return nil, err
		}
	}
	if !st.primed {
		return nil, errors.Wrap(ErrSourceUnavailable, "no readable images")
	}
	return st.finish(p.done())
}

// runState carries the per run mutable state: baseline, accumulator and results.
type runState struct {
	engine *Engine
	cfg    Config
	pacer  Pacer
	sink   Sink

	phase    Phase
	primed   bool
	baseline gocv.Mat
	acc      *images.ForegroundAccumulator
	size     image.Point

	result *RunResult
}

func (e *Engine) newRunState(cfg Config, name string, kind source.Kind, pacer Pacer, sink Sink) (*runState, error) {
	st := &runState{
		engine:   e,
		cfg:      cfg,
		pacer:    pacer,
		sink:     sink,
		phase:    PhaseIdle,
		baseline: gocv.NewMat(),
		result: &RunResult{
			Source:  name,
			Kind:    kind.String(),
			Motions: []MotionEvent{},
		},
	}
	if cfg.Heatmap != images.HeatmapSkip {
		model, err := e.NewModel(cfg.BackgroundModel)
		if err != nil {
			st.baseline.Close()
			return nil, errors.Wrap(err, "background model")
		}
		st.acc = images.NewForegroundAccumulator(model, cfg.AccumulatorConfig())
	}
	st.setPhase(PhasePriming)
	return st, nil
}

func (s *runState) setPhase(p Phase) {
	glog.V(2).Infof("%s: %s -> %s", s.result.Source, s.phase, p)
	s.phase = p
}

func (s *runState) close() {
	s.baseline.Close()
	if s.acc != nil {
		s.acc.Close()
	}
}

// step processes one decoded frame. Frames that cannot be cropped, compared
// or accumulated are skipped and leave the state untouched.
func (s *runState) step(ctx context.Context, name string, frame gocv.Mat, boundary bool, index func() any, pct int) error {
	cropped, err := s.cfg.Region.Extract(frame)
	if err != nil {
		glog.Warningf("%s: region extraction failed: %v", name, err)
		return nil
	}
	if s.cfg.Region != nil {
		defer cropped.Close()
	}

	if s.primed && !images.SameShape(s.baseline, cropped) {
		glog.Warningf("%s: frame shape %s differs from baseline %s",
			name, images.Shape(cropped), images.Shape(s.baseline))
		return nil
	}

	if s.acc != nil {
		if err := s.acc.Observe(cropped); err != nil {
			glog.Warningf("%s: accumulation failed: %v", name, err)
			return nil
		}
	}
	s.result.Frames++

	if !s.primed {
		cropped.CopyTo(&s.baseline)
		s.primed = true
		s.setPhase(PhaseSampling)
		return nil
	}
	if !boundary {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	degree, err := images.Dissimilarity(s.baseline, cropped)
	if err != nil {
		glog.Warningf("%s: scoring failed: %v", name, err)
		return nil
	}
	s.result.Samples++

	if degree >= s.cfg.Degree {
		motion := MotionEvent{Source: name, Index: index(), Degree: degree}
		s.result.Motions = append(s.result.Motions, motion)
		if err := s.sink.Send(Event{Kind: EventProcess, Motion: motion, Progress: pct}); err != nil {
			return errors.Wrapf(ErrChannelSend, "%v", err)
		}
	}
	cropped.CopyTo(&s.baseline)

	return s.pacer.Wait(ctx)
}

// finish renders the heatmap, if enabled, and emits the finish event.
func (s *runState) finish(pct int) (*RunResult, error) {
	s.setPhase(PhaseFinalizing)
	s.result.Heatmap = s.heatmap()

	ev := Event{Kind: EventFinish, Source: s.result.Source, Heatmap: s.result.Heatmap, Progress: pct}
	if err := s.sink.End(ev); err != nil {
		return nil, errors.Wrapf(ErrChannelSend, "%v", err)
	}
	s.setPhase(PhaseDone)
	return s.result, nil
}

func (s *runState) heatmap() string {
	if s.acc == nil {
		return ""
	}
	acc, err := s.acc.Finalize()
	if err != nil {
		glog.Warningf("%s: no heatmap: %v", s.result.Source, err)
		return ""
	}

	// Only a cropped accumulator is scaled back to the source size.
	var size image.Point
	if s.cfg.Region != nil {
		size = s.size
	}
	img, err := s.engine.Renderer.Render(acc, size)
	if err != nil {
		glog.Errorf("%s: heatmap render failed: %v", s.result.Source, err)
		return ""
	}
	out, err := s.engine.Renderer.Output(img, s.cfg.Heatmap, s.cfg.HeatmapDir)
	if err != nil {
		glog.Errorf("%s: heatmap output failed: %v", s.result.Source, err)
		return ""
	}
	return out
}
