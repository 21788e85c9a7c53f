// Package images - Encoded image definitions and codecs.
package images

import (
	"bytes"
	"image"
	"image/png"
	"io"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"
)

// Image represents an encoded image with a format, data, width, and height.
type Image struct {
	// The format of the image.
	Format ImageFormat `json:"format" yaml:"format"`
	// The data of the image.
	Data []byte `json:"data" yaml:"data"`
	// The width of the image.
	Width int `json:"width" yaml:"width"`
	// The height of the image.
	Height int `json:"height" yaml:"height"`
}

// ImageFormat represents supported output image formats.
type ImageFormat string

// ImageFormat constants
const (
	// FormatPNG is the PNG image format.
	FormatPNG ImageFormat = "png"
	// FormatWebP is the WebP image format.
	FormatWebP ImageFormat = "webp"
)

// Extension returns the file extension, including the dot.
func (f ImageFormat) Extension() string {
	return "." + string(f)
}

// MIMEType returns the media type used in data URIs.
func (f ImageFormat) MIMEType() string {
	return "image/" + string(f)
}

// Encoder serializes an image.Image.
type Encoder interface {
	Encode(w io.Writer, img image.Image) error
}

// EncoderFunc adapts a function to the Encoder interface.
type EncoderFunc func(w io.Writer, img image.Image) error

// Encode implements Encoder.
func (fn EncoderFunc) Encode(w io.Writer, img image.Image) error {
	return fn(w, img)
}

// NewEncoder returns the Encoder for a format.
//
// Arguments:
//   - format: The output format.
//
// Returns:
//   - Encoder: A PNG or lossless WebP encoder.
//   - error: An error if the format is not supported.
func NewEncoder(format ImageFormat) (Encoder, error) {
	switch format {
	case FormatPNG, "":
		return EncoderFunc(png.Encode), nil
	case FormatWebP:
		return EncoderFunc(func(w io.Writer, img image.Image) error {
			return webp.Encode(w, img, &webp.Options{Lossless: true})
		}), nil
	default:
		return nil, errors.Errorf("unsupported image format: %q", format)
	}
}

// EncodeImage encodes img with the given format.
func EncodeImage(img image.Image, format ImageFormat) (*Image, error) {
	enc, err := NewEncoder(format)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := enc.Encode(&buf, img); err != nil {
		return nil, errors.Wrapf(err, "encode %s", format)
	}
	b := img.Bounds()
	return &Image{
		Format: format,
		Data:   buf.Bytes(),
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}
