package controller

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nvr-ai/go-motion/images"
	"github.com/nvr-ai/go-motion/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

const (
	testWidth  = 64
	testHeight = 48
)

// solidFrame returns a uniform grey BGR frame.
func solidFrame() gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(90, 90, 90, 0), testHeight, testWidth, gocv.MatTypeCV8UC3)
}

// halfFrame returns a black frame with either its left or its top half white.
func halfFrame(left bool) gocv.Mat {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), testHeight, testWidth, gocv.MatTypeCV8UC3)
	rect := image.Rect(0, 0, testWidth, testHeight/2)
	if left {
		rect = image.Rect(0, 0, testWidth/2, testHeight)
	}
	gocv.Rectangle(&m, rect, color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1)
	return m
}

type fakeVideo struct {
	info   source.Info
	frames []gocv.Mat
	pos    int
	closed bool
}

func (v *fakeVideo) Info() source.Info { return v.info }

func (v *fakeVideo) Read(dst *gocv.Mat) bool {
	if v.pos >= len(v.frames) {
		return false
	}
	v.frames[v.pos].CopyTo(dst)
	v.pos++
	return true
}

func (v *fakeVideo) Position() float64 {
	return float64(v.pos-1) * 1000 / float64(v.info.FPS)
}

func (v *fakeVideo) Close() error {
	v.closed = true
	return nil
}

type fakeOpener struct {
	videos map[string]*fakeVideo
	images map[string]gocv.Mat
	opened []string
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{videos: map[string]*fakeVideo{}, images: map[string]gocv.Mat{}}
}

func (o *fakeOpener) OpenVideo(path string) (source.Video, error) {
	o.opened = append(o.opened, path)
	v, ok := o.videos[path]
	if !ok {
		return nil, errors.New("cannot open")
	}
	return v, nil
}

func (o *fakeOpener) ReadImage(path string) (gocv.Mat, error) {
	o.opened = append(o.opened, path)
	m, ok := o.images[path]
	if !ok {
		return gocv.NewMat(), errors.New("cannot decode")
	}
	return m.Clone(), nil
}

// addVideo registers frames under a path that also exists on disk.
func (o *fakeOpener) addVideo(t *testing.T, dir, name string, fps int, frames []gocv.Mat) string {
	t.Helper()
	path := touch(t, dir, name)
	o.videos[path] = &fakeVideo{
		info:   source.Info{FPS: fps, FrameCount: len(frames), Width: testWidth, Height: testHeight},
		frames: frames,
	}
	return path
}

func (o *fakeOpener) addImage(t *testing.T, dir, name string, m gocv.Mat) string {
	t.Helper()
	path := touch(t, dir, name)
	o.images[path] = m
	return path
}

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte{0}, 0o644))
	return path
}

type recordingSink struct {
	events  []Event
	sendErr error
	endErr  error
}

func (s *recordingSink) Send(ev Event) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) End(ev Event) error {
	if s.endErr != nil {
		return s.endErr
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) kinds() []EventKind {
	var out []EventKind
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

type funcPacer func(ctx context.Context) error

func (f funcPacer) Wait(ctx context.Context) error { return f(ctx) }

func newTestEngine(t *testing.T, opener source.Opener, config images.HeatmapConfig) *Engine {
	t.Helper()
	renderer, err := images.NewHeatmapRenderer(config)
	require.NoError(t, err)
	e := NewEngine(opener, renderer)
	e.NewPacer = func(time.Duration) Pacer { return NewRatePacer(0) }
	return e
}

func testConfig() Config {
	c := DefaultConfig()
	c.Degree = 2
	c.SleepTimes = 0
	c.BackgroundModel = images.BackgroundEMA
	return c
}

func repeat(n int, gen func() gocv.Mat) []gocv.Mat {
	frames := make([]gocv.Mat, n)
	for i := range frames {
		frames[i] = gen()
	}
	return frames
}

func closeAll(frames []gocv.Mat) {
	for _, f := range frames {
		f.Close()
	}
}

func TestRunStaticVideo(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	frames := repeat(90, solidFrame)
	defer closeAll(frames)
	path := opener.addVideo(t, dir, "static.mp4", 30, frames)

	sink := &recordingSink{}
	e := newTestEngine(t, opener, images.DefaultHeatmapConfig())
	summary, err := e.Run(context.Background(), Task{Sources: []string{path}, Config: testConfig()}, sink)
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	assert.Equal(t, EventFinish, sink.events[0].Kind)
	assert.Equal(t, path, sink.events[0].Source)
	assert.Equal(t, 100, sink.events[0].Progress)
	assert.Empty(t, sink.events[0].Heatmap)

	require.Len(t, summary.Runs, 1)
	assert.Equal(t, 90, summary.Runs[0].Frames)
	assert.Equal(t, 3, summary.Runs[0].Samples)
	assert.Empty(t, summary.Runs[0].Motions)
	assert.True(t, opener.videos[path].closed)
}

func TestRunVideoWithMotion(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	frames := append(repeat(45, func() gocv.Mat { return halfFrame(true) }),
		repeat(45, func() gocv.Mat { return halfFrame(false) })...)
	defer closeAll(frames)
	path := opener.addVideo(t, dir, "motion.mp4", 30, frames)

	sink := &recordingSink{}
	e := newTestEngine(t, opener, images.DefaultHeatmapConfig())
	summary, err := e.Run(context.Background(), Task{Sources: []string{path}, Config: testConfig()}, sink)
	require.NoError(t, err)

	require.Equal(t, []EventKind{EventProcess, EventFinish}, sink.kinds())
	motion := sink.events[0].Motion
	assert.Equal(t, path, motion.Source)
	assert.GreaterOrEqual(t, motion.Degree, 2)
	assert.InDelta(t, 59*1000/30.0, motion.Index, 0.001)
	assert.Equal(t, 65, sink.events[0].Progress)
	assert.Equal(t, 100, sink.events[1].Progress)

	require.Len(t, summary.Runs, 1)
	assert.Len(t, summary.Runs[0].Motions, 1)
	assert.Equal(t, 1, summary.Motions())
}

func TestRunIsDeterministic(t *testing.T) {
	run := func() []Event {
		dir := t.TempDir()
		opener := newFakeOpener()
		frames := append(repeat(30, func() gocv.Mat { return halfFrame(true) }),
			repeat(30, func() gocv.Mat { return halfFrame(false) })...)
		defer closeAll(frames)
		path := opener.addVideo(t, dir, "motion.mp4", 10, frames)

		sink := &recordingSink{}
		e := newTestEngine(t, opener, images.DefaultHeatmapConfig())
		_, err := e.Run(context.Background(), Task{Sources: []string{path}, Config: testConfig()}, sink)
		require.NoError(t, err)
		for i := range sink.events {
			sink.events[i].Source = filepath.Base(sink.events[i].Source)
			sink.events[i].Motion.Source = filepath.Base(sink.events[i].Motion.Source)
		}
		return sink.events
	}
	assert.Equal(t, run(), run())
}

func TestRunImagesSkipsMissing(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	frame := solidFrame()
	defer frame.Close()
	valid := opener.addImage(t, dir, "frame-2.png", frame)
	missing := filepath.Join(dir, "frame-1.png")

	cfg := testConfig()
	cfg.Heatmap = images.HeatmapBase64

	sink := &recordingSink{}
	e := newTestEngine(t, opener, images.DefaultHeatmapConfig())
	summary, err := e.Run(context.Background(), Task{
		Sources:    []string{missing, valid},
		SourceType: source.TypeImages,
		Config:     cfg,
	}, sink)
	require.NoError(t, err)

	require.Equal(t, []EventKind{EventFinish}, sink.kinds())
	assert.True(t, strings.HasPrefix(sink.events[0].Heatmap, "data:image/png;base64,"))
	assert.Equal(t, 100, sink.events[0].Progress)
	require.Len(t, summary.Runs, 1)
	assert.Equal(t, 1, summary.Runs[0].Frames)
	assert.Equal(t, "images", summary.Runs[0].Kind)
}

func TestRunImageSequenceMotion(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	a, b := halfFrame(true), halfFrame(false)
	defer a.Close()
	defer b.Close()
	first := opener.addImage(t, dir, "1.png", a)
	second := opener.addImage(t, dir, "2.png", b)
	third := opener.addImage(t, dir, "3.png", b)

	sink := &recordingSink{}
	e := newTestEngine(t, opener, images.DefaultHeatmapConfig())
	summary, err := e.Run(context.Background(), Task{Sources: []string{first, second, third}, Config: testConfig()}, sink)
	require.NoError(t, err)

	require.Equal(t, []EventKind{EventProcess, EventFinish}, sink.kinds())
	assert.Equal(t, second, sink.events[0].Motion.Source)
	assert.Equal(t, 1, sink.events[0].Motion.Index)
	assert.Equal(t, 33, sink.events[0].Progress)
	assert.Equal(t, 2, summary.Runs[0].Samples)
}

func TestRunHeatmapFileFallbackFails(t *testing.T) {
	dir := t.TempDir()
	blocker := touch(t, dir, "blocker")
	blocked := filepath.Join(blocker, "sub")

	opener := newFakeOpener()
	frames := repeat(30, solidFrame)
	defer closeAll(frames)
	path := opener.addVideo(t, dir, "static.mp4", 30, frames)

	cfg := testConfig()
	cfg.Heatmap = images.HeatmapFile
	cfg.HeatmapDir = blocked

	sink := &recordingSink{}
	e := newTestEngine(t, opener, images.HeatmapConfig{
		AlphaOffset: images.DefaultAlphaOffset,
		Format:      images.FormatPNG,
		DefaultDir:  blocked,
		ProcessDir:  blocked,
	})
	_, err := e.Run(context.Background(), Task{Sources: []string{path}, Config: cfg}, sink)
	require.NoError(t, err)

	require.Equal(t, []EventKind{EventFinish}, sink.kinds())
	assert.Empty(t, sink.events[0].Heatmap)
}

func TestRunHeatmapFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "heat")

	opener := newFakeOpener()
	frames := repeat(30, solidFrame)
	defer closeAll(frames)
	path := opener.addVideo(t, dir, "static.mp4", 30, frames)

	cfg := testConfig()
	cfg.Heatmap = images.HeatmapFile
	cfg.HeatmapDir = out

	sink := &recordingSink{}
	e := newTestEngine(t, opener, images.DefaultHeatmapConfig())
	_, err := e.Run(context.Background(), Task{Sources: []string{path}, Config: cfg}, sink)
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	assert.Equal(t, out, filepath.Dir(sink.events[0].Heatmap))
	assert.FileExists(t, sink.events[0].Heatmap)
}

func TestRunSkipsUnavailableAndSendsBareFinish(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	frames := repeat(30, solidFrame)
	defer closeAll(frames)
	valid := opener.addVideo(t, dir, "ok.mp4", 30, frames)
	missing := filepath.Join(dir, "missing.mp4")

	sink := &recordingSink{}
	e := newTestEngine(t, opener, images.DefaultHeatmapConfig())
	summary, err := e.Run(context.Background(), Task{Sources: []string{valid, missing}, Config: testConfig()}, sink)
	require.NoError(t, err)

	require.Equal(t, []EventKind{EventFinish, EventFinish}, sink.kinds())
	assert.Equal(t, valid, sink.events[0].Source)
	assert.Equal(t, 50, sink.events[0].Progress)
	assert.Equal(t, "", sink.events[1].Source)
	assert.Equal(t, 100, sink.events[1].Progress)
	assert.Equal(t, 1, summary.Skipped)
}

func TestRunInvalidGeometry(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	frames := repeat(10, solidFrame)
	defer closeAll(frames)
	path := opener.addVideo(t, dir, "broken.mp4", 30, frames)
	opener.videos[path].info.FPS = 0

	region, err := images.NewRegion([][]float64{{0, 0}, {10, 0}, {10, 10}})
	require.NoError(t, err)
	frames2 := repeat(10, solidFrame)
	defer closeAll(frames2)
	other := opener.addVideo(t, dir, "small.mp4", 30, frames2)
	opener.videos[other].info.Width = 5

	cfg := testConfig()
	cfg.Region = region

	sink := &recordingSink{}
	e := newTestEngine(t, opener, images.DefaultHeatmapConfig())
	summary, err := e.Run(context.Background(), Task{Sources: []string{path, other}, Config: cfg}, sink)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Skipped)
	assert.Empty(t, summary.Runs)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "", sink.events[0].Source)
	assert.True(t, opener.videos[path].closed)
	assert.True(t, opener.videos[other].closed)
}

func TestRunWithRegion(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	frames := repeat(30, solidFrame)
	defer closeAll(frames)
	path := opener.addVideo(t, dir, "static.mp4", 10, frames)

	region, err := images.NewRegion([][]float64{{8, 8}, {40, 8}, {40, 40}, {8, 40}})
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Region = region
	cfg.Heatmap = images.HeatmapBase64

	sink := &recordingSink{}
	e := newTestEngine(t, opener, images.DefaultHeatmapConfig())
	summary, err := e.Run(context.Background(), Task{Sources: []string{path}, Config: cfg}, sink)
	require.NoError(t, err)

	require.Len(t, summary.Runs, 1)
	assert.Equal(t, 30, summary.Runs[0].Frames)
	assert.Empty(t, summary.Runs[0].Motions)

	prefix := "data:image/png;base64,"
	require.True(t, strings.HasPrefix(summary.Runs[0].Heatmap, prefix))
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(summary.Runs[0].Heatmap, prefix))
	require.NoError(t, err)
	heat, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, testWidth, testHeight), heat.Bounds())
}

func TestRunImagesSkipsShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	a, c := halfFrame(true), halfFrame(false)
	small := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), testHeight/2, testWidth/2, gocv.MatTypeCV8UC3)
	defer a.Close()
	defer c.Close()
	defer small.Close()
	first := opener.addImage(t, dir, "1.png", a)
	second := opener.addImage(t, dir, "2.png", small)
	third := opener.addImage(t, dir, "3.png", c)

	cfg := testConfig()
	cfg.Heatmap = images.HeatmapBase64

	sink := &recordingSink{}
	e := newTestEngine(t, opener, images.DefaultHeatmapConfig())
	summary, err := e.Run(context.Background(), Task{
		Sources:    []string{first, second, third},
		SourceType: source.TypeImages,
		Config:     cfg,
	}, sink)
	require.NoError(t, err)

	require.Equal(t, []EventKind{EventProcess, EventFinish}, sink.kinds())
	assert.Equal(t, third, sink.events[0].Motion.Source)
	assert.Equal(t, 2, sink.events[0].Motion.Index)
	assert.GreaterOrEqual(t, sink.events[0].Motion.Degree, 2)
	assert.Equal(t, 66, sink.events[0].Progress)
	assert.Equal(t, 100, sink.events[1].Progress)

	require.Len(t, summary.Runs, 1)
	assert.Equal(t, 2, summary.Runs[0].Frames)
	assert.Equal(t, 1, summary.Runs[0].Samples)
	assert.Equal(t, 0, summary.Skipped)
}

func TestRunEmptySources(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, newFakeOpener(), images.DefaultHeatmapConfig())
	summary, err := e.Run(context.Background(), Task{Config: testConfig()}, sink)
	require.NoError(t, err)
	assert.Empty(t, summary.Runs)
	assert.Empty(t, sink.events)
}

func TestRunInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Degree = 65
	e := newTestEngine(t, newFakeOpener(), images.DefaultHeatmapConfig())
	_, err := e.Run(context.Background(), Task{Sources: []string{"x.mp4"}, Config: cfg}, &recordingSink{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunCancelled(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	frames := repeat(90, solidFrame)
	defer closeAll(frames)
	path := opener.addVideo(t, dir, "static.mp4", 30, frames)
	second := opener.addVideo(t, dir, "second.mp4", 30, frames)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &recordingSink{}
	e := newTestEngine(t, opener, images.DefaultHeatmapConfig())
	e.NewPacer = func(time.Duration) Pacer {
		return funcPacer(func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
	}

	summary, err := e.Run(ctx, Task{Sources: []string{path, second}, Config: testConfig()}, sink)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.events)
	assert.Empty(t, summary.Runs)
	assert.True(t, opener.videos[path].closed)
	assert.Equal(t, []string{path}, opener.opened)
}

func TestRunChannelSendFailure(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	frames := append(repeat(10, func() gocv.Mat { return halfFrame(true) }),
		repeat(10, func() gocv.Mat { return halfFrame(false) })...)
	defer closeAll(frames)
	path := opener.addVideo(t, dir, "motion.mp4", 5, frames)
	queued := opener.addVideo(t, dir, "queued.mp4", 5, frames)

	sink := &recordingSink{sendErr: errors.New("connection closed")}
	e := newTestEngine(t, opener, images.DefaultHeatmapConfig())
	_, err := e.Run(context.Background(), Task{Sources: []string{path, queued}, Config: testConfig()}, sink)
	assert.ErrorIs(t, err, ErrChannelSend)
	assert.True(t, opener.videos[path].closed)
	assert.Equal(t, []string{path}, opener.opened)
}

func TestRunEndFailure(t *testing.T) {
	dir := t.TempDir()
	opener := newFakeOpener()
	frames := repeat(10, solidFrame)
	defer closeAll(frames)
	path := opener.addVideo(t, dir, "static.mp4", 5, frames)

	sink := &recordingSink{endErr: errors.New("connection closed")}
	e := newTestEngine(t, opener, images.DefaultHeatmapConfig())
	_, err := e.Run(context.Background(), Task{Sources: []string{path}, Config: testConfig()}, sink)
	assert.ErrorIs(t, err, ErrChannelSend)
}

func TestProgress(t *testing.T) {
	p := progress{run: 1, total: 2}
	assert.Equal(t, 75, p.at(45, 90))
	assert.Equal(t, 99, progress{run: 0, total: 1}.at(100, 100))
	assert.Equal(t, 100, p.done())
	assert.Equal(t, 50, progress{run: 0, total: 2}.done())
	assert.Equal(t, 0, progress{run: 0, total: 1}.at(0, 0))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		valid  bool
	}{
		{name: "defaults", mutate: func(c *Config) {}, valid: true},
		{name: "degree too high", mutate: func(c *Config) { c.Degree = 65 }},
		{name: "negative threshold", mutate: func(c *Config) { c.Threshold = -1 }},
		{name: "zero max value", mutate: func(c *Config) { c.MaxValue = 0 }},
		{name: "bad heatmap", mutate: func(c *Config) { c.Heatmap = 3 }},
		{name: "negative sleep", mutate: func(c *Config) { c.SleepTimes = -time.Second }},
		{name: "unknown model", mutate: func(c *Config) { c.BackgroundModel = "knn" }},
		{name: "ema", mutate: func(c *Config) { c.BackgroundModel = images.BackgroundEMA }, valid: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestRatePacer(t *testing.T) {
	assert.NoError(t, NewRatePacer(0).Wait(context.Background()))

	p := NewRatePacer(time.Hour)
	require.NoError(t, p.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Wait(ctx))
}

func TestRunImageDirectoryFromDisk(t *testing.T) {
	dir := t.TempDir()
	a, b := halfFrame(true), halfFrame(false)
	defer a.Close()
	defer b.Close()
	for name, m := range map[string]gocv.Mat{"frame-1.png": a, "frame-2.png": b, "frame-3.png": b} {
		require.True(t, gocv.IMWrite(filepath.Join(dir, name), m))
	}

	cfg := testConfig()
	cfg.Heatmap = images.HeatmapFile
	cfg.HeatmapDir = filepath.Join(dir, "out")

	sink := &recordingSink{}
	e := newTestEngine(t, source.GocvOpener{}, images.DefaultHeatmapConfig())
	summary, err := e.Run(context.Background(), Task{Sources: []string{dir}, Config: cfg}, sink)
	require.NoError(t, err)

	require.Equal(t, []EventKind{EventProcess, EventFinish}, sink.kinds())
	assert.Equal(t, filepath.Join(dir, "frame-2.png"), sink.events[0].Motion.Source)
	assert.FileExists(t, sink.events[1].Heatmap)
	require.Len(t, summary.Runs, 1)
	assert.Equal(t, 3, summary.Runs[0].Frames)
}
