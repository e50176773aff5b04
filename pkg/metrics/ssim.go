package metrics

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"sctmetrics/internal/models"
)

const (
	// WindowSize is the edge length of the cubic SSIM window
	WindowSize = 7

	// Pad is the number of boundary voxels influenced by edge handling of
	// the windowed filter; they are trimmed before averaging
	Pad = (WindowSize - 1) / 2

	k1 = 0.01
	k2 = 0.03
)

// ErrVolumeTooSmall is returned when a volume is smaller than the SSIM window.
var ErrVolumeTooSmall = errors.New("volume smaller than the SSIM window")

// SSIMMap computes the voxel-wise structural similarity of gt and pred.
//
// Local statistics use a uniform WindowSize^3 window with reflected
// boundaries and the sample covariance normalisation NP/(NP-1).
func SSIMMap(gt, pred *models.Volume, dataRange float64) (*models.Volume, error) {
	if err := checkShapes(gt, pred); err != nil {
		return nil, err
	}
	if gt.Width < WindowSize || gt.Height < WindowSize || gt.Depth < WindowSize {
		return nil, fmt.Errorf("%w: %v", ErrVolumeTooSmall, gt.Shape())
	}

	dims := gt.Shape()
	n := gt.Len()

	xx := make([]float64, n)
	yy := make([]float64, n)
	xy := make([]float64, n)
	for i := 0; i < n; i++ {
		x, y := gt.Data[i], pred.Data[i]
		xx[i] = x * x
		yy[i] = y * y
		xy[i] = x * y
	}

	ux := uniformFilter(gt.Data, dims)
	uy := uniformFilter(pred.Data, dims)
	uxx := uniformFilter(xx, dims)
	uyy := uniformFilter(yy, dims)
	uxy := uniformFilter(xy, dims)

	np := float64(WindowSize * WindowSize * WindowSize)
	covNorm := np / (np - 1)
	c1 := (k1 * dataRange) * (k1 * dataRange)
	c2 := (k2 * dataRange) * (k2 * dataRange)

	out := models.NewVolume(gt.Width, gt.Height, gt.Depth)
	out.Spacing = gt.Spacing
	for i := 0; i < n; i++ {
		vx := covNorm * (uxx[i] - ux[i]*ux[i])
		vy := covNorm * (uyy[i] - uy[i]*uy[i])
		vxy := covNorm * (uxy[i] - ux[i]*uy[i])

		num := (2*ux[i]*uy[i] + c1) * (2*vxy + c2)
		den := (ux[i]*ux[i] + uy[i]*uy[i] + c1) * (vx + vy + c2)
		out.Data[i] = num / den
	}

	return out, nil
}

// SSIM returns the mean structural similarity over the interior of the map.
func SSIM(gt, pred *models.Volume, dataRange float64) (float64, error) {
	ssimMap, err := SSIMMap(gt, pred, dataRange)
	if err != nil {
		return 0, err
	}
	inner, err := ssimMap.Crop(Pad)
	if err != nil {
		return 0, err
	}
	return stat.Mean(inner.Data, nil), nil
}

// MaskedMean averages ssimMap over the voxels selected by mask after trimming
// Pad voxels from every face of both volumes.
func MaskedMean(ssimMap, mask *models.Volume) (float64, error) {
	if err := checkShapes(ssimMap, mask); err != nil {
		return 0, err
	}
	inner, err := ssimMap.Crop(Pad)
	if err != nil {
		return 0, err
	}
	innerMask, err := models.Binarize(mask).Crop(Pad)
	if err != nil {
		return 0, err
	}

	selected := make([]float64, 0, inner.Len())
	for i, w := range innerMask.Data {
		if w == 1 {
			selected = append(selected, inner.Data[i])
		}
	}
	if len(selected) == 0 {
		return 0, ErrEmptyMask
	}
	return stat.Mean(selected, nil), nil
}

// uniformFilter applies a separable WindowSize box filter along every axis.
func uniformFilter(src []float64, dims [3]int) []float64 {
	out := src
	for axis := 0; axis < 3; axis++ {
		out = filterAxis(out, dims, axis)
	}
	return out
}

// filterAxis averages each line along axis over a centred window. Samples
// past the boundary are mirrored including the edge voxel (d c b a | a b c d).
func filterAxis(src []float64, dims [3]int, axis int) []float64 {
	strides := [3]int{1, dims[0], dims[0] * dims[1]}
	stride := strides[axis]
	n := dims[axis]

	dst := make([]float64, len(src))
	line := make([]float64, n)

	for start := range src {
		// visit each line once, from its first voxel
		if (start/stride)%n != 0 {
			continue
		}
		for i := 0; i < n; i++ {
			line[i] = src[start+i*stride]
		}
		for i := 0; i < n; i++ {
			sum := 0.0
			for k := -Pad; k <= Pad; k++ {
				sum += line[reflect(i+k, n)]
			}
			dst[start+i*stride] = sum / WindowSize
		}
	}

	return dst
}

func reflect(i, n int) int {
	switch {
	case i < 0:
		return -i - 1
	case i >= n:
		return 2*n - i - 1
	}
	return i
}
