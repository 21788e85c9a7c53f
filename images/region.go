// Package images - Region of interest extraction.
package images

import (
	"image"
	"image/color"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// ErrInvalidRegion is returned when a region has fewer than three points or its
// bounding box does not fit inside the frame.
var ErrInvalidRegion = errors.New("invalid region")

// Point is a planar vertex in frame pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Region is a polygonal region of interest. A nil *Region means "whole frame".
type Region struct {
	Points []Point
}

// NewRegion builds a Region from [x, y] pairs as they arrive on the wire.
//
// Arguments:
//   - pairs: The polygon vertices, each a two element slice.
//
// Returns:
//   - *Region: nil when pairs is empty.
//   - error: ErrInvalidRegion when there are fewer than three pairs or a pair
//     does not have exactly two values.
func NewRegion(pairs [][]float64) (*Region, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	if len(pairs) < 3 {
		return nil, errors.Wrapf(ErrInvalidRegion, "need at least 3 points, got %d", len(pairs))
	}
	points := make([]Point, 0, len(pairs))
	for i, p := range pairs {
		if len(p) != 2 {
			return nil, errors.Wrapf(ErrInvalidRegion, "point %d has %d coordinates", i, len(p))
		}
		points = append(points, Point{X: p[0], Y: p[1]})
	}
	return &Region{Points: points}, nil
}

// vertices truncates the float vertices the same way an int32 cast does.
func (r *Region) vertices() []image.Point {
	pts := make([]image.Point, len(r.Points))
	for i, p := range r.Points {
		pts[i] = image.Pt(int(math.Trunc(p.X)), int(math.Trunc(p.Y)))
	}
	return pts
}

// Bounds returns the axis aligned bounding box of the polygon. Max is exclusive.
func (r *Region) Bounds() image.Rectangle {
	pts := r.vertices()
	if len(pts) == 0 {
		return image.Rectangle{}
	}
	b := image.Rectangle{Min: pts[0], Max: pts[0]}
	for _, p := range pts[1:] {
		b.Min.X = min(b.Min.X, p.X)
		b.Min.Y = min(b.Min.Y, p.Y)
		b.Max.X = max(b.Max.X, p.X)
		b.Max.Y = max(b.Max.Y, p.Y)
	}
	return b
}

// Validate checks the region against a frame of the given size.
func (r *Region) Validate(width, height int) error {
	if r == nil {
		return nil
	}
	if len(r.Points) < 3 {
		return errors.Wrapf(ErrInvalidRegion, "need at least 3 points, got %d", len(r.Points))
	}
	b := r.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return errors.Wrapf(ErrInvalidRegion, "degenerate bounds %v", b)
	}
	if !b.In(image.Rect(0, 0, width, height)) {
		return errors.Wrapf(ErrInvalidRegion, "bounds %v outside %dx%d frame", b, width, height)
	}
	return nil
}

// Extract masks the frame with the polygon and crops it to the polygon's
// bounding box. Pixels outside the polygon are zero and pixels inside are
// copied verbatim.
//
// When r is nil the frame itself is returned and no copy is made, so the
// caller keeps ownership. Otherwise the returned Mat is new and must be
// closed by the caller.
//
// Arguments:
//   - frame: The decoded frame.
//
// Returns:
//   - gocv.Mat: The cropped region.
//   - error: ErrInvalidRegion or ErrEmptyImage.
func (r *Region) Extract(frame gocv.Mat) (gocv.Mat, error) {
	if r == nil {
		return frame, nil
	}
	if frame.Empty() {
		return gocv.NewMat(), ErrEmptyImage
	}
	if err := r.Validate(frame.Cols(), frame.Rows()); err != nil {
		return gocv.NewMat(), err
	}

	mask := gocv.Zeros(frame.Rows(), frame.Cols(), frame.Type())
	defer mask.Close()

	pv := gocv.NewPointsVectorFromPoints([][]image.Point{r.vertices()})
	defer pv.Close()

	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	if err := gocv.FillPoly(&mask, pv, white); err != nil {
		return gocv.NewMat(), errors.Wrap(err, "region mask")
	}

	masked := gocv.NewMat()
	defer masked.Close()
	if err := gocv.BitwiseAnd(frame, mask, &masked); err != nil {
		return gocv.NewMat(), errors.Wrap(err, "region mask")
	}

	roi := masked.Region(r.Bounds())
	defer roi.Close()

	return roi.Clone(), nil
}
