// Package images - Heatmap rendering of foreground accumulators.
package images

import (
	"encoding/base64"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// ErrRenderFailed is returned when no heatmap output could be produced.
var ErrRenderFailed = errors.New("heatmap render failed")

// HeatmapMode selects what happens to a rendered heatmap.
type HeatmapMode int

const (
	// HeatmapSkip produces no heatmap.
	HeatmapSkip HeatmapMode = iota
	// HeatmapFile writes the heatmap to disk and returns its path.
	HeatmapFile
	// HeatmapBase64 returns the heatmap as a data URI.
	HeatmapBase64
)

// Valid reports whether m is a known mode.
func (m HeatmapMode) Valid() bool {
	return m >= HeatmapSkip && m <= HeatmapBase64
}

const (
	// DefaultAlphaOffset is subtracted from the alpha of every visible pixel.
	DefaultAlphaOffset = 55
	// ProcessHeatmapDir is the last directory tried, relative to the working dir.
	ProcessHeatmapDir = "hotmap"
	// heatmapTimeLayout names files with second resolution.
	heatmapTimeLayout = "2006-01-02-15-04-05"
)

// HeatmapConfig contains the rendering and output parameters.
type HeatmapConfig struct {
	// AlphaOffset softens visible pixels: their alpha is 255-AlphaOffset.
	AlphaOffset uint8
	// Format is the encoding used for files and data URIs.
	Format ImageFormat
	// DefaultDir is the configured directory used when a request names none.
	DefaultDir string
	// ProcessDir is the final fallback. Empty means <cwd>/hotmap.
	ProcessDir string
	// Now returns the time used to name files. Defaults to time.Now.
	Now func() time.Time
}

// DefaultHeatmapConfig returns a PNG renderer that writes under ./hotmap.
func DefaultHeatmapConfig() HeatmapConfig {
	return HeatmapConfig{
		AlphaOffset: DefaultAlphaOffset,
		Format:      FormatPNG,
		DefaultDir:  ProcessHeatmapDir,
	}
}

// HeatmapRenderer turns a finished accumulator into a transparent "hot"
// colour mapped image and hands it to an Encoder.
type HeatmapRenderer struct {
	config  HeatmapConfig
	encoder Encoder
}

// NewHeatmapRenderer creates a renderer.
//
// Arguments:
//   - config: Rendering and output parameters.
//
// Returns:
//   - *HeatmapRenderer: The renderer.
//   - error: An error if the format is unsupported.
func NewHeatmapRenderer(config HeatmapConfig) (*HeatmapRenderer, error) {
	enc, err := NewEncoder(config.Format)
	if err != nil {
		return nil, err
	}
	if config.Format == "" {
		config.Format = FormatPNG
	}
	if config.ProcessDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			wd = os.TempDir()
		}
		config.ProcessDir = filepath.Join(wd, ProcessHeatmapDir)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &HeatmapRenderer{config: config, encoder: enc}, nil
}

// Config returns the renderer configuration.
func (h *HeatmapRenderer) Config() HeatmapConfig {
	return h.config
}

// Render colour maps the accumulator and adjusts its alpha channel.
//
// Black pixels become fully transparent so the heatmap can be laid over the
// source; all other pixels get alpha 255-AlphaOffset. When size is non-zero
// and differs from the accumulator size the result is rescaled to it.
//
// Arguments:
//   - acc: A CV8UC1 accumulator.
//   - size: The original source size, or the zero point to keep the size.
//
// Returns:
//   - image.Image: The rendered heatmap.
//   - error: ErrEmptyImage if acc is empty.
func (h *HeatmapRenderer) Render(acc gocv.Mat, size image.Point) (image.Image, error) {
	if acc.Empty() {
		return nil, ErrEmptyImage
	}

	colored := gocv.NewMat()
	defer colored.Close()
	if err := gocv.ApplyColorMap(acc, &colored, gocv.ColormapHot); err != nil {
		return nil, errors.Wrap(err, "colormap")
	}

	rows, cols := colored.Rows(), colored.Cols()
	bgr := colored.ToBytes()
	out := image.NewNRGBA(image.Rect(0, 0, cols, rows))
	alpha := 255 - h.config.AlphaOffset

	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			i := (y*cols + x) * 3
			b, g, r := bgr[i], bgr[i+1], bgr[i+2]
			if b == 0 && g == 0 && r == 0 {
				out.SetNRGBA(x, y, color.NRGBA{})
				continue
			}
			out.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: alpha})
		}
	}

	if size.X > 0 && size.Y > 0 && (size.X != cols || size.Y != rows) {
		return resize.Resize(uint(size.X), uint(size.Y), out, resize.Bilinear), nil
	}
	return out, nil
}

// Output delivers a rendered heatmap according to mode.
//
// HeatmapFile tries dir, then the configured default directory, then the
// process directory. A directory that cannot be created or written to is
// skipped. Files are named after the current second, so two heatmaps written
// within the same second overwrite each other.
//
// Arguments:
//   - img: The rendered heatmap.
//   - mode: The output mode.
//   - dir: The directory requested by the caller, may be empty.
//
// Returns:
//   - string: The absolute file path, the data URI, or "" for HeatmapSkip.
//   - error: ErrRenderFailed when every option failed.
func (h *HeatmapRenderer) Output(img image.Image, mode HeatmapMode, dir string) (string, error) {
	switch mode {
	case HeatmapSkip:
		return "", nil
	case HeatmapBase64:
		encoded, err := EncodeImage(img, h.config.Format)
		if err != nil {
			return "", errors.Wrap(ErrRenderFailed, err.Error())
		}
		return "data:" + h.config.Format.MIMEType() + ";base64," +
			base64.StdEncoding.EncodeToString(encoded.Data), nil
	case HeatmapFile:
		return h.writeFile(img, dir)
	default:
		return "", errors.Wrapf(ErrRenderFailed, "unknown heatmap mode %d", mode)
	}
}

func (h *HeatmapRenderer) writeFile(img image.Image, dir string) (string, error) {
	name := h.config.Now().Format(heatmapTimeLayout) + h.config.Format.Extension()
	seen := map[string]bool{}

	for _, candidate := range []string{dir, h.config.DefaultDir, h.config.ProcessDir} {
		if candidate == "" {
			continue
		}
		abs, err := filepath.Abs(candidate)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true

		if err := os.MkdirAll(abs, 0o755); err != nil {
			glog.Warningf("heatmap dir %s unusable: %v", abs, err)
			continue
		}
		path := filepath.Join(abs, name)
		if err := h.save(path, img); err != nil {
			glog.Warningf("heatmap write %s failed: %v", path, err)
			continue
		}
		return path, nil
	}
	return "", errors.Wrap(ErrRenderFailed, "no writable heatmap directory")
}

func (h *HeatmapRenderer) save(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := h.encoder.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
