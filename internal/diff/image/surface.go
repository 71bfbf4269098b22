package image

import (
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/xerrors"
)

// MaxSurfacePixels is the largest area a surface may cover, the same ceiling
// browsers put on a single canvas.
const MaxSurfacePixels = 1 << 28

func dimensions(img image.Image) (size image.Point, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("%v: %w", r, ErrSurfaceAcquisition)
		}
	}()

	if img == nil {
		return image.Point{}, xerrors.Errorf("nil image: %w", ErrSurfaceAcquisition)
	}
	return img.Bounds().Size(), nil
}

// acquireSurface returns img as a non-premultiplied RGBA buffer anchored at the
// origin. A well-formed *image.NRGBA at the origin is returned as is and must be
// treated as read-only; anything else is drawn onto a new buffer.
func acquireSurface(img image.Image) (surface *image.NRGBA, err error) {
	defer func() {
		if r := recover(); r != nil {
			surface = nil
			err = xerrors.Errorf("%v: %w", r, ErrSurfaceAcquisition)
		}
	}()

	if img == nil {
		return nil, xerrors.Errorf("nil image: %w", ErrSurfaceAcquisition)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width < 0 || height < 0 {
		return nil, xerrors.Errorf("invalid bounds %v: %w", bounds, ErrSurfaceAcquisition)
	}
	if int64(width)*int64(height) > MaxSurfacePixels {
		return nil, xerrors.Errorf("%dx%d exceeds %d pixels: %w", width, height, MaxSurfacePixels, ErrSurfaceAcquisition)
	}

	if nrgba, ok := img.(*image.NRGBA); ok && bounds.Min == (image.Point{}) {
		if width > 0 && height > 0 {
			if nrgba.Stride < width*4 || len(nrgba.Pix) < (height-1)*nrgba.Stride+width*4 {
				return nil, xerrors.Errorf("pixel buffer too short for %dx%d: %w", width, height, ErrSurfaceAcquisition)
			}
		}
		return nrgba, nil
	}

	return imaging.Clone(img), nil
}
