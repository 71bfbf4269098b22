package image

import (
	"context"
	"image"
	"image/color"
	"math"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// HighlightColor is written for every pixel whose RGB distance exceeds the threshold.
var HighlightColor = color.NRGBA{R: 255, G: 0, B: 255, A: 255}

// PassthroughAlphaScale dims matching pixels so that highlighted ones stand out.
const PassthroughAlphaScale = 0.7

// maxDelta is the largest possible |dR|+|dG|+|dB| for 8-bit channels.
const maxDelta = 255 * 3

// dimmedAlpha rounds half to even, like a clamped byte store does.
var dimmedAlpha = func() (table [256]uint8) {
	for a := range table {
		table[a] = uint8(math.RoundToEven(float64(a) * PassthroughAlphaScale))
	}
	return table
}()

// PixelDiff compares two equally sized images pixel by pixel. The distance of a
// pixel is the Manhattan distance over RGB; alpha is ignored. A pixel differs when
// its distance is strictly greater than tolerance/100 * 765.
//
// PixelDiff holds no state between calls and is safe for concurrent use.
type PixelDiff struct {
	tolerance int
	workers   int
}

func NewPixelDiff(tolerance int) *PixelDiff {
	return &PixelDiff{
		tolerance: tolerance,
	}
}

// WithWorkers returns a copy that splits rows across n goroutines.
// n <= 0 means GOMAXPROCS. The output does not depend on n.
func (p *PixelDiff) WithWorkers(n int) *PixelDiff {
	c := *p
	c.workers = n
	return &c
}

// Threshold is the tolerance as an absolute RGB channel-sum cutoff. It falls
// outside [0, 765] for tolerances outside [0, 100].
func (p *PixelDiff) Threshold() float64 {
	return float64(p.tolerance) / 100 * maxDelta
}

func (p *PixelDiff) Calculate(ctx context.Context, baseline image.Image, target image.Image) (*DiffResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	baselineSize, err := dimensions(baseline)
	if err != nil {
		return nil, xerrors.Errorf("failed to read baseline bounds: %w", err)
	}
	targetSize, err := dimensions(target)
	if err != nil {
		return nil, xerrors.Errorf("failed to read target bounds: %w", err)
	}
	if baselineSize != targetSize {
		return nil, &DimensionMismatchError{
			Baseline: baselineSize,
			Target:   targetSize,
		}
	}

	baselineSurface, err := acquireSurface(baseline)
	if err != nil {
		return nil, xerrors.Errorf("failed to acquire baseline surface: %w", err)
	}
	targetSurface, err := acquireSurface(target)
	if err != nil {
		return nil, xerrors.Errorf("failed to acquire target surface: %w", err)
	}

	width, height := baselineSize.X, baselineSize.Y
	diff := image.NewNRGBA(image.Rect(0, 0, width, height))
	totalPixelCount := int64(width) * int64(height)

	var differingPixelCount int64
	if totalPixelCount > 0 {
		numWorkers := p.numWorkers(height)
		rowsPerWorker := height / numWorkers
		threshold := p.Threshold()

		eg, ctx := errgroup.WithContext(ctx)
		for i := 0; i < numWorkers; i++ {
			startY := i * rowsPerWorker
			endY := startY + rowsPerWorker
			if i == numWorkers-1 {
				endY = height
			}

			eg.Go(func() error {
				count, err := p.processRows(ctx, baselineSurface, targetSurface, diff, threshold, width, startY, endY)
				if err != nil {
					return err
				}
				atomic.AddInt64(&differingPixelCount, count)
				return nil
			})
		}

		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}

	return &DiffResult{
		Image:               diff,
		DifferingPixelCount: differingPixelCount,
		TotalPixelCount:     totalPixelCount,
	}, nil
}

func (p *PixelDiff) numWorkers(height int) int {
	n := p.workers
	if n <= 0 {
		// Use GOMAXPROCS instead of runtime.NumCPU() to consider cgroup.
		// https://tip.golang.org/doc/go1.25#container-aware-gomaxprocs
		n = runtime.GOMAXPROCS(0)
	}
	return max(1, min(n, height))
}

func (p *PixelDiff) processRows(ctx context.Context, baseline *image.NRGBA, target *image.NRGBA, diff *image.NRGBA, threshold float64, width int, startY int, endY int) (int64, error) {
	var localDiffering int64
	rowBytes := width * 4

	for y := startY; y < endY; y++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		baselineRow := baseline.Pix[y*baseline.Stride : y*baseline.Stride+rowBytes]
		targetRow := target.Pix[y*target.Stride : y*target.Stride+rowBytes]
		diffRow := diff.Pix[y*diff.Stride : y*diff.Stride+rowBytes]

		for x := 0; x < rowBytes; x += 4 {
			delta := absDiff(baselineRow[x], targetRow[x]) +
				absDiff(baselineRow[x+1], targetRow[x+1]) +
				absDiff(baselineRow[x+2], targetRow[x+2])

			if float64(delta) > threshold {
				localDiffering++
				diffRow[x] = HighlightColor.R
				diffRow[x+1] = HighlightColor.G
				diffRow[x+2] = HighlightColor.B
				diffRow[x+3] = HighlightColor.A
			} else {
				diffRow[x] = baselineRow[x]
				diffRow[x+1] = baselineRow[x+1]
				diffRow[x+2] = baselineRow[x+2]
				diffRow[x+3] = dimmedAlpha[baselineRow[x+3]]
			}
		}
	}

	return localDiffering, nil
}

func absDiff(a uint8, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
