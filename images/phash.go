// Package images - Perceptual hash similarity scoring.
//
// The hash follows the usual DCT pHash recipe:
//
// ┌──────────────┐   ┌────────────┐   ┌──────────────┐   ┌───────────────┐
// │ resize 32x32 │ → │ grayscale  │ → │ float32 DCT  │ → │ 8x8 low freq  │
// └──────────────┘   └────────────┘   └──────────────┘   └──────┬────────┘
//
//	                                   bit = coefficient > mean(8x8 block)
//
// Two hashes are compared with the Hamming distance, which is the
// dissimilarity score the engine thresholds on.
package images

import (
	"image"
	"math/bits"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

const (
	// HashInputSize is the side of the square the image is reduced to before the DCT.
	HashInputSize = 32
	// HashBlockSize is the side of the low frequency block kept from the DCT.
	HashBlockSize = 8
)

var (
	// ErrShapeMismatch is returned when two images that must match in shape do not.
	ErrShapeMismatch = errors.New("image shape mismatch")
	// ErrEmptyImage is returned for an empty Mat.
	ErrEmptyImage = errors.New("empty image")
)

// SameShape reports whether two Mats have identical rows, cols and channels.
func SameShape(a, b gocv.Mat) bool {
	return a.Rows() == b.Rows() && a.Cols() == b.Cols() && a.Channels() == b.Channels()
}

// PerceptualHash computes the 64 bit DCT hash of an image.
//
// Arguments:
//   - img: A 1, 3 (BGR) or 4 (BGRA) channel 8 bit image.
//
// Returns:
//   - uint64: The hash, bit 63 is the top-left coefficient.
//   - error: ErrEmptyImage if img is empty.
func PerceptualHash(img gocv.Mat) (uint64, error) {
	if img.Empty() {
		return 0, ErrEmptyImage
	}

	small := gocv.NewMat()
	defer small.Close()
	if err := gocv.Resize(img, &small, image.Pt(HashInputSize, HashInputSize), 0, 0, gocv.InterpolationLinear); err != nil {
		return 0, errors.Wrap(err, "resize")
	}

	gray := gocv.NewMat()
	defer gray.Close()
	if err := toGray(small, &gray); err != nil {
		return 0, err
	}

	floats := gocv.NewMat()
	defer floats.Close()
	if err := gray.ConvertTo(&floats, gocv.MatTypeCV32F); err != nil {
		return 0, errors.Wrap(err, "convert")
	}

	coeffs := gocv.NewMat()
	defer coeffs.Close()
	if err := gocv.DCT(floats, &coeffs, gocv.DftForward); err != nil {
		return 0, errors.Wrap(err, "dct")
	}

	var block [HashBlockSize * HashBlockSize]float64
	var sum float64
	for r := 0; r < HashBlockSize; r++ {
		for c := 0; c < HashBlockSize; c++ {
			v := float64(coeffs.GetFloatAt(r, c))
			block[r*HashBlockSize+c] = v
			sum += v
		}
	}
	mean := sum / float64(len(block))

	var hash uint64
	for i, v := range block {
		if v > mean {
			hash |= 1 << uint(len(block)-1-i)
		}
	}
	return hash, nil
}

// HammingDistance counts the differing bits of two hashes.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Dissimilarity scores how different two same-shaped images look. Zero means
// the perceptual hashes are identical; the maximum is 64.
//
// Arguments:
//   - a: The baseline image.
//   - b: The current image.
//
// Returns:
//   - int: The Hamming distance between the two perceptual hashes.
//   - error: ErrShapeMismatch or ErrEmptyImage.
//
// @example
// degree, err := images.Dissimilarity(lastFrame, frame)
//
//	if err == nil && degree >= 10 {
//	    // motion
//	}
func Dissimilarity(a, b gocv.Mat) (int, error) {
	if a.Empty() || b.Empty() {
		return 0, ErrEmptyImage
	}
	if !SameShape(a, b) {
		return 0, errors.Wrapf(ErrShapeMismatch, "%dx%dx%d vs %dx%dx%d",
			a.Cols(), a.Rows(), a.Channels(), b.Cols(), b.Rows(), b.Channels())
	}
	ha, err := PerceptualHash(a)
	if err != nil {
		return 0, err
	}
	hb, err := PerceptualHash(b)
	if err != nil {
		return 0, err
	}
	return HammingDistance(ha, hb), nil
}
