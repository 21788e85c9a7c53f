// Package images - Adaptive background models producing foreground masks.
package images

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// BackgroundModel keeps an adaptive model of "typical" pixel values and turns
// each frame into a single channel foreground mask. It is updated on every call.
type BackgroundModel interface {
	// Apply writes the foreground mask of frame into mask (CV8UC1, 0 or 255).
	Apply(frame gocv.Mat, mask *gocv.Mat) error
	// Close releases any native resources held by the model.
	Close() error
}

// BackgroundModelType names a BackgroundModel implementation.
type BackgroundModelType string

const (
	// BackgroundMOG2 is OpenCV's Gaussian mixture subtractor.
	BackgroundMOG2 BackgroundModelType = "mog2"
	// BackgroundEMA is the pure Go exponential moving average model.
	BackgroundEMA BackgroundModelType = "ema"
)

// NewBackgroundModel constructs the model for the given type with its defaults.
func NewBackgroundModel(t BackgroundModelType) (BackgroundModel, error) {
	switch t {
	case BackgroundMOG2, "":
		return NewMOG2Model(DefaultMOG2Config()), nil
	case BackgroundEMA:
		return NewEMAModel(DefaultEMAConfig()), nil
	default:
		return nil, errors.Errorf("unknown background model %q", t)
	}
}

// MOG2Config contains the parameters of the MOG2 subtractor.
type MOG2Config struct {
	// History is the number of frames that shape the model.
	History int
	// VarThreshold is the squared Mahalanobis distance threshold.
	VarThreshold float64
}

// DefaultMOG2Config returns the parameters used across the detectors.
func DefaultMOG2Config() MOG2Config {
	return MOG2Config{
		History:      500,
		VarThreshold: 16.0,
	}
}

// MOG2Model adapts gocv.BackgroundSubtractorMOG2 to BackgroundModel.
type MOG2Model struct {
	subtractor gocv.BackgroundSubtractorMOG2
}

// NewMOG2Model creates a MOG2 background model. Shadow detection is disabled
// so the mask only ever holds 0 or 255.
func NewMOG2Model(config MOG2Config) *MOG2Model {
	return &MOG2Model{
		subtractor: gocv.NewBackgroundSubtractorMOG2WithParams(config.History, config.VarThreshold, false),
	}
}

// Apply implements BackgroundModel.
func (m *MOG2Model) Apply(frame gocv.Mat, mask *gocv.Mat) error {
	if frame.Empty() {
		return ErrEmptyImage
	}
	if err := m.subtractor.Apply(frame, mask); err != nil {
		return errors.Wrap(err, "mog2 apply")
	}
	return nil
}

// Close implements BackgroundModel.
func (m *MOG2Model) Close() error {
	return m.subtractor.Close()
}

// EMAConfig contains the parameters of the moving average model.
type EMAConfig struct {
	// Alpha is the learning rate in (0, 1]; higher adapts faster.
	Alpha float32
	// Deviation is the absolute luminance difference counted as foreground.
	Deviation float32
}

// DefaultEMAConfig returns a slow learning, moderately sensitive model.
func DefaultEMAConfig() EMAConfig {
	return EMAConfig{
		Alpha:     0.05,
		Deviation: 25,
	}
}

// EMAModel is a per-pixel exponential moving average of luminance. It is
// deterministic: a static scene always yields an all-zero mask.
type EMAModel struct {
	config EMAConfig
	mean   []float32
	rows   int
	cols   int
}

// NewEMAModel creates an EMA background model.
func NewEMAModel(config EMAConfig) *EMAModel {
	return &EMAModel{config: config}
}

// Apply implements BackgroundModel. The first frame seeds the mean.
func (m *EMAModel) Apply(frame gocv.Mat, mask *gocv.Mat) error {
	if frame.Empty() {
		return ErrEmptyImage
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if err := toGray(frame, &gray); err != nil {
		return err
	}
	pixels := gray.ToBytes()

	if m.mean == nil {
		m.rows, m.cols = gray.Rows(), gray.Cols()
		m.mean = make([]float32, len(pixels))
		for i, p := range pixels {
			m.mean[i] = float32(p)
		}
	} else if gray.Rows() != m.rows || gray.Cols() != m.cols {
		return errors.Wrapf(ErrShapeMismatch, "ema model is %dx%d, frame is %dx%d",
			m.cols, m.rows, gray.Cols(), gray.Rows())
	}

	out := make([]byte, len(pixels))
	for i, p := range pixels {
		v := float32(p)
		diff := v - m.mean[i]
		if math32.Abs(diff) > m.config.Deviation {
			out[i] = 255
		}
		m.mean[i] += m.config.Alpha * diff
	}

	result, err := gocv.NewMatFromBytes(m.rows, m.cols, gocv.MatTypeCV8UC1, out)
	if err != nil {
		return errors.Wrap(err, "ema mask")
	}
	defer result.Close()
	result.CopyTo(mask)
	return nil
}

// Close implements BackgroundModel.
func (m *EMAModel) Close() error {
	m.mean = nil
	return nil
}
