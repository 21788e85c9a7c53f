package images

import (
	"crypto/md5"
	"fmt"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// ComputeMatChecksum generates a deterministic checksum of a Mat's pixels.
//
// Arguments:
// - mat: The Mat to compute checksum for.
//
// Returns:
// - A hex-encoded MD5 checksum string, or "empty".
//
// Example:
//
// ```go
//
//	checksum := ComputeMatChecksum(frame)
//	fmt.Printf("Frame checksum: %s\n", checksum)
//
// ```
func ComputeMatChecksum(mat gocv.Mat) string {
	if mat.Empty() {
		return "empty"
	}
	hash := md5.New()
	hash.Write(mat.ToBytes())
	return fmt.Sprintf("%x", hash.Sum(nil))
}

// SumMat adds up every byte of an 8 bit Mat across all channels.
func SumMat(mat gocv.Mat) uint64 {
	if mat.Empty() {
		return 0
	}
	var total uint64
	for _, b := range mat.ToBytes() {
		total += uint64(b)
	}
	return total
}

// Shape returns the "WxHxC" description of a Mat, used in log lines.
func Shape(mat gocv.Mat) string {
	return fmt.Sprintf("%dx%dx%d", mat.Cols(), mat.Rows(), mat.Channels())
}

// toGray writes the single channel version of src into dst.
func toGray(src gocv.Mat, dst *gocv.Mat) error {
	var err error
	switch src.Channels() {
	case 1:
		src.CopyTo(dst)
	case 4:
		err = gocv.CvtColor(src, dst, gocv.ColorBGRAToGray)
	default:
		err = gocv.CvtColor(src, dst, gocv.ColorBGRToGray)
	}
	return errors.Wrap(err, "grayscale")
}
