// Command analyze runs motion analysis over local videos and image sequences
// and prints one JSON event per line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/nvr-ai/go-motion/config"
	"github.com/nvr-ai/go-motion/controller"
	"github.com/nvr-ai/go-motion/images"
	"github.com/nvr-ai/go-motion/profiler"
	"github.com/nvr-ai/go-motion/session"
	"github.com/nvr-ai/go-motion/source"
	"github.com/pkg/errors"
)

func main() {
	var (
		envFile     string
		sourceType  int
		degree      int
		threshold   int
		maxValue    int
		heatmap     int
		sleepTimes  float64
		heatmapDir  string
		region      string
		model       string
		reduceNoise bool
		profile     bool
	)
	flag.StringVar(&envFile, "env", "", "Path to a .env file (default ./.env)")
	flag.IntVar(&sourceType, "type", 0, "Source type: 0 auto, 1 video, 2 images")
	flag.IntVar(&degree, "degree", -1, "Motion degree threshold 0-64 (default from env)")
	flag.IntVar(&threshold, "threshold", -1, "Foreground threshold 0-255 (default from env)")
	flag.IntVar(&maxValue, "max-value", -1, "Accumulator increment 1-255 (default from env)")
	flag.IntVar(&heatmap, "heatmap", 0, "Heatmap mode: 0 none, 1 file, 2 base64")
	flag.Float64Var(&sleepTimes, "sleep", -1, "Seconds between samples (default from env)")
	flag.StringVar(&heatmapDir, "heatmap-dir", "", "Directory for heatmap files")
	flag.StringVar(&region, "region", "", "Region polygon as x,y;x,y;x,y")
	flag.StringVar(&model, "model", "", "Background model: mog2 or ema (default from env)")
	flag.BoolVar(&reduceNoise, "reduce-noise", false, "Erode and dilate foreground masks")
	flag.BoolVar(&profile, "profile", false, "Print timing statistics to stderr")
	flag.Parse()
	defer glog.Flush()

	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: analyze [flags] <video|image|dir>...\n")
		flag.PrintDefaults()
		os.Exit(2)
	}

	var cfg *config.Config
	if envFile != "" {
		cfg = config.Load(envFile)
	} else {
		cfg = config.Load()
	}

	req := session.Request{Sources: flag.Args(), SourceType: &sourceType, Heatmap: &heatmap, ReduceNoise: &reduceNoise}
	if degree >= 0 {
		req.Degree = &degree
	}
	if threshold >= 0 {
		req.Threshold = &threshold
	}
	if maxValue >= 0 {
		req.MaxValue = &maxValue
	}
	if sleepTimes >= 0 {
		req.SleepTimes = &sleepTimes
	}
	if heatmapDir != "" {
		req.HeatmapDir = &heatmapDir
	}
	if model != "" {
		req.BackgroundModel = &model
	}
	if region != "" {
		pairs, err := parseRegion(region)
		if err != nil {
			glog.Exitf("invalid -region: %v", err)
		}
		req.Regions = pairs
	}

	task, err := req.Task(cfg.Defaults())
	if err != nil {
		glog.Exitf("invalid parameters: %v", err)
	}

	renderer, err := images.NewHeatmapRenderer(cfg.Heatmap())
	if err != nil {
		glog.Exitf("heatmap renderer: %v", err)
	}
	engine := controller.NewEngine(source.GocvOpener{}, renderer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prof := profiler.New()
	sink := &printSink{enc: json.NewEncoder(os.Stdout), prof: prof, last: time.Now()}

	done := prof.StartOperation("task")
	summary, err := engine.Run(ctx, task, sink)
	done()
	if summary != nil {
		prof.Add("runs", int64(len(summary.Runs)))
		prof.Add("skipped", int64(summary.Skipped))
		prof.Add("motions", int64(summary.Motions()))
		for _, r := range summary.Runs {
			prof.Add("frames", int64(r.Frames))
			prof.Add("samples", int64(r.Samples))
		}
	}
	if profile {
		prof.Report(os.Stderr)
	}
	if err != nil {
		glog.Errorf("analysis stopped: %v", err)
		glog.Flush()
		os.Exit(1)
	}
}

// printSink writes wire events as JSON lines.
type printSink struct {
	enc  *json.Encoder
	prof *profiler.Profiler
	last time.Time
}

func (p *printSink) Send(ev controller.Event) error {
	return p.write(ev)
}

func (p *printSink) End(ev controller.Event) error {
	return p.write(ev)
}

func (p *printSink) write(ev controller.Event) error {
	now := time.Now()
	p.prof.Record(ev.Kind.String(), now.Sub(p.last))
	p.last = now
	return p.enc.Encode(session.FromEngine("", ev))
}

// parseRegion parses "x,y;x,y;..." into coordinate pairs.
func parseRegion(s string) ([][]float64, error) {
	var pairs [][]float64
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		xy := strings.Split(part, ",")
		if len(xy) != 2 {
			return nil, errors.Errorf("point %q is not x,y", part)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(xy[0]), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "point %q", part)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(xy[1]), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "point %q", part)
		}
		pairs = append(pairs, []float64{x, y})
	}
	return pairs, nil
}
