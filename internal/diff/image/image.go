package image

import (
	"context"
	"errors"
	"fmt"
	"image"
)

var (
	ErrDimensionMismatch  = errors.New("images must have matching dimensions")
	ErrSurfaceAcquisition = errors.New("failed to acquire pixel surface")
)

// DiffResult is owned by the caller; Image is always freshly allocated.
type DiffResult struct {
	Image               *image.NRGBA
	DifferingPixelCount int64
	TotalPixelCount     int64
}

func (r *DiffResult) MatchPercentage() float64 {
	if r.TotalPixelCount <= 0 {
		return 100
	}
	return float64(r.TotalPixelCount-r.DifferingPixelCount) / float64(r.TotalPixelCount) * 100
}

// DiffAmount is the fraction of differing pixels in [0, 1].
func (r *DiffResult) DiffAmount() float64 {
	if r.TotalPixelCount <= 0 {
		return 0
	}
	return float64(r.DifferingPixelCount) / float64(r.TotalPixelCount)
}

type Differ interface {
	Calculate(ctx context.Context, baseline image.Image, target image.Image) (*DiffResult, error)
}

type DimensionMismatchError struct {
	Baseline image.Point
	Target   image.Point
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("%s: baseline is %dx%d, target is %dx%d", ErrDimensionMismatch, e.Baseline.X, e.Baseline.Y, e.Target.X, e.Target.Y)
}

func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}
