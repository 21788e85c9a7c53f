// Package source - Decoding collaborators for videos and still images.
//
// The engine never talks to OpenCV's capture API directly; it goes through an
// Opener so that tests can feed synthetic frames.
package source

import (
	"os"

	"github.com/golang/glog"
	"github.com/nvr-ai/go-motion/util"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Kind is the kind of a source run.
type Kind int

const (
	// KindVideo is a single video file.
	KindVideo Kind = iota
	// KindImages is an ordered sequence of still images.
	KindImages
)

func (k Kind) String() string {
	if k == KindImages {
		return "images"
	}
	return "video"
}

// Type is the caller supplied hint for how to read the source list.
type Type int

const (
	// TypeAuto classifies each entry by its file extension.
	TypeAuto Type = 0
	// TypeVideo treats every entry as a video.
	TypeVideo Type = 1
	// TypeImages treats every entry as an image of one sequence.
	TypeImages Type = 2
)

// Info describes a video stream.
type Info struct {
	FPS        int
	FrameCount int
	Width      int
	Height     int
}

// Valid reports whether every field is positive.
func (i Info) Valid() bool {
	return i.FPS > 0 && i.FrameCount > 0 && i.Width > 0 && i.Height > 0
}

// Video is a sequential frame iterator over a decoded video.
type Video interface {
	// Info returns the stream geometry.
	Info() Info
	// Read decodes the next frame into dst, returning false if it could not.
	Read(dst *gocv.Mat) bool
	// Position returns the timestamp of the last read frame in milliseconds.
	Position() float64
	// Close releases the decode handle.
	Close() error
}

// Opener opens the sources named in a task.
type Opener interface {
	// OpenVideo opens a video for sequential reading.
	OpenVideo(path string) (Video, error)
	// ReadImage decodes a still image as 8 bit BGR. The caller owns the Mat.
	ReadImage(path string) (gocv.Mat, error)
}

// Run is one unit of work for the engine: a video or an image sequence.
type Run struct {
	Kind  Kind
	Paths []string
}

// Name returns the identifier reported in events for the run.
func (r Run) Name() string {
	if len(r.Paths) == 0 {
		return ""
	}
	return r.Paths[0]
}

// Plan groups a source list into runs.
//
// With TypeAuto, image entries are collected into one sequence placed where
// the first image entry appeared and every other entry becomes its own video
// run. A directory entry expands to the image files it contains.
//
// Arguments:
//   - paths: The source list as submitted.
//   - t: The caller's type hint.
//
// Returns:
//   - []Run: The runs in processing order.
func Plan(paths []string, t Type) []Run {
	var runs []Run
	images := -1

	addImage := func(p string) {
		if images < 0 {
			runs = append(runs, Run{Kind: KindImages})
			images = len(runs) - 1
		}
		runs[images].Paths = append(runs[images].Paths, p)
	}

	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			files, err := util.ListImageFiles(p)
			if err != nil {
				glog.Warningf("source directory %s unreadable: %v", p, err)
				continue
			}
			if len(files) == 0 {
				glog.Warningf("source directory %s has no images", p)
			}
			for _, f := range files {
				addImage(f.Path)
			}
			continue
		}

		switch {
		case t == TypeImages:
			addImage(p)
		case t == TypeVideo:
			runs = append(runs, Run{Kind: KindVideo, Paths: []string{p}})
		case util.IsImageFile(p):
			addImage(p)
		default:
			runs = append(runs, Run{Kind: KindVideo, Paths: []string{p}})
		}
	}
	return runs
}

// GocvOpener decodes with OpenCV through gocv.
type GocvOpener struct{}

// OpenVideo implements Opener.
func (GocvOpener) OpenVideo(path string) (Video, error) {
	capture, err := gocv.OpenVideoCapture(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open video %s", path)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, errors.Errorf("video %s could not be opened", path)
	}
	return &capturedVideo{capture: capture}, nil
}

// ReadImage implements Opener.
func (GocvOpener) ReadImage(path string) (gocv.Mat, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		mat.Close()
		return gocv.NewMat(), errors.Errorf("image %s could not be decoded", path)
	}
	return mat, nil
}

type capturedVideo struct {
	capture *gocv.VideoCapture
}

func (v *capturedVideo) Info() Info {
	return Info{
		FPS:        int(v.capture.Get(gocv.VideoCaptureFPS)),
		FrameCount: int(v.capture.Get(gocv.VideoCaptureFrameCount)),
		Width:      int(v.capture.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(v.capture.Get(gocv.VideoCaptureFrameHeight)),
	}
}

func (v *capturedVideo) Read(dst *gocv.Mat) bool {
	return v.capture.Read(dst)
}

func (v *capturedVideo) Position() float64 {
	return v.capture.Get(gocv.VideoCapturePosMsec)
}

func (v *capturedVideo) Close() error {
	return v.capture.Close()
}
