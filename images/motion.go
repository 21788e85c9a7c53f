// Package images - This file contains the foreground accumulation used to build
// activity heatmaps, using OpenCV (via gocv).
//
// The ForegroundAccumulator encapsulates a per-run pipeline:
//  1. Background subtraction through a BackgroundModel.
//  2. Thresholding to create a binary mask of motion.
//  3. Optional morphology (erode, then dilate) to suppress speckle noise.
//  4. Saturating addition of the mask into a running accumulator.
//
// Pipeline Overview:
//
// ┌──────────────┐
// │ Input Frame  │
// └──────┬───────┘
// ┌────────────────────────────┐
// │ Background Subtraction     │
// │   (BackgroundModel)        │
// └──────┬─────────────────────┘
// ┌────────────────────────────┐
// │ Thresholding (binary mask) │
// └──────┬─────────────────────┘
// ┌────────────────────────────┐
// │ Morphology (optional)      │
// └──────┬─────────────────────┘
// ┌────────────────────────────┐
// │ Saturating Add (CV8UC1)    │
// └────────────────────────────┘
//
// Usage:
//
//	acc := images.NewForegroundAccumulator(model, images.DefaultAccumulatorConfig())
//	defer acc.Close()
//
//	for frame := range frames {
//	    acc.Observe(frame)
//	}
//	heat, err := acc.Finalize()
//
// Note: You must call Close() when finished to release native resources.
package images

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// ErrNotObserved is returned by Finalize before any frame was observed.
var ErrNotObserved = errors.New("accumulator has not observed a frame")

// AccumulatorConfig contains the binarization parameters for the accumulator.
type AccumulatorConfig struct {
	// Threshold is the mask intensity above which a pixel counts as foreground.
	Threshold float32
	// MaxValue is the amount added to the accumulator per foreground pixel.
	MaxValue float32
	// ReduceNoise erodes once and dilates twice before accumulation. Off by
	// default since it swallows small motions.
	ReduceNoise bool
}

// DefaultAccumulatorConfig returns the default binarization parameters.
func DefaultAccumulatorConfig() AccumulatorConfig {
	return AccumulatorConfig{
		Threshold: 2,
		MaxValue:  2,
	}
}

// ForegroundAccumulator sums binarized foreground masks across the frames of
// one run. The accumulator is allocated on the first Observe and never resized.
//
// It is not safe for concurrent use; one run owns one accumulator.
type ForegroundAccumulator struct {
	config AccumulatorConfig
	model  BackgroundModel

	delta     gocv.Mat // Foreground mask from the background model
	threshold gocv.Mat // Binary mask after thresholding
	kernel    gocv.Mat // 3x3 morphology kernel
	acc       gocv.Mat // Running CV8UC1 accumulator

	frames int
}

// NewForegroundAccumulator constructs an accumulator around a background model.
// The accumulator takes ownership of the model and closes it in Close.
//
// Arguments:
//   - model: The background model used to segment each frame.
//   - config: Binarization and noise reduction parameters.
//
// Returns:
//   - *ForegroundAccumulator: The accumulator, ready for Observe.
func NewForegroundAccumulator(model BackgroundModel, config AccumulatorConfig) *ForegroundAccumulator {
	return &ForegroundAccumulator{
		config:    config,
		model:     model,
		delta:     gocv.NewMat(),
		threshold: gocv.NewMat(),
		kernel:    gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3)),
		acc:       gocv.NewMat(),
	}
}

// Observe runs one frame through the pipeline and adds its binary mask into
// the accumulator.
//
// Arguments:
//   - frame: The (possibly cropped) frame.
//
// Returns:
//   - error: ErrShapeMismatch if the frame does not match the first observed
//     frame, or an error from the background model.
func (f *ForegroundAccumulator) Observe(frame gocv.Mat) error {
	if frame.Empty() {
		return ErrEmptyImage
	}
	if f.frames > 0 && (frame.Rows() != f.acc.Rows() || frame.Cols() != f.acc.Cols()) {
		return errors.Wrapf(ErrShapeMismatch, "accumulator is %dx%d, frame is %dx%d",
			f.acc.Cols(), f.acc.Rows(), frame.Cols(), frame.Rows())
	}

	if err := f.model.Apply(frame, &f.delta); err != nil {
		return err
	}
	gocv.Threshold(f.delta, &f.threshold, f.config.Threshold, f.config.MaxValue, gocv.ThresholdBinary)

	if f.config.ReduceNoise {
		if err := gocv.Erode(f.threshold, &f.threshold, f.kernel); err != nil {
			return errors.Wrap(err, "erode")
		}
		for i := 0; i < 2; i++ {
			if err := gocv.Dilate(f.threshold, &f.threshold, f.kernel); err != nil {
				return errors.Wrap(err, "dilate")
			}
		}
	}

	if f.frames == 0 {
		f.acc.Close()
		f.acc = gocv.Zeros(frame.Rows(), frame.Cols(), gocv.MatTypeCV8UC1)
	}
	if err := gocv.Add(f.acc, f.threshold, &f.acc); err != nil {
		return errors.Wrap(err, "accumulate")
	}
	f.frames++
	return nil
}

// Frames returns the number of frames accumulated so far.
func (f *ForegroundAccumulator) Frames() int {
	return f.frames
}

// Finalize returns the accumulator for rendering. The Mat stays owned by the
// ForegroundAccumulator and is released by Close.
func (f *ForegroundAccumulator) Finalize() (gocv.Mat, error) {
	if f.frames == 0 {
		return gocv.Mat{}, ErrNotObserved
	}
	return f.acc, nil
}

// Close releases all OpenCV native resources and the background model.
func (f *ForegroundAccumulator) Close() {
	f.delta.Close()
	f.threshold.Close()
	f.kernel.Close()
	f.acc.Close()
	if f.model != nil {
		f.model.Close()
	}
}
