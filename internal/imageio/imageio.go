// Package imageio turns uploaded image files into images and encodes diff masks
// back into PNG.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/xerrors"
)

// MaxPixels bounds the area of a decoded image; larger images are rejected from
// their header alone.
const MaxPixels = 1 << 28

var ErrDecode = errors.New("failed to decode image")

type DecodeError struct {
	Name string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %v", ErrDecode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", ErrDecode, e.Name, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// Decode decodes data as PNG, JPEG, GIF, BMP, TIFF or WebP and applies any EXIF
// orientation, the way a browser does when it draws an uploaded file. name only
// appears in errors.
func Decode(name string, data []byte) (image.Image, error) {
	config, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Name: name, Err: err}
	}
	if int64(config.Width)*int64(config.Height) > MaxPixels {
		return nil, &DecodeError{Name: name, Err: xerrors.Errorf("%s image of %dx%d exceeds %d pixels", format, config.Width, config.Height, MaxPixels)}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Name: name, Err: err}
	}

	return img, nil
}

func EncodePNG(img image.Image) ([]byte, error) {
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}

	var buffer bytes.Buffer
	if err := encoder.Encode(&buffer, img); err != nil {
		return nil, xerrors.Errorf("failed to encode png: %w", err)
	}
	return buffer.Bytes(), nil
}
