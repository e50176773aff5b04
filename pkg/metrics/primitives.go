// Package metrics implements the image similarity metrics used to compare a
// synthetic CT against its reference: mean absolute error, peak signal to
// noise ratio and the structural similarity index.
package metrics

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"sctmetrics/internal/models"
)

var (
	// ErrShapeMismatch is returned when compared volumes differ in shape.
	ErrShapeMismatch = errors.New("volume shapes differ")

	// ErrEmptyMask is returned when a mask selects no voxel.
	ErrEmptyMask = errors.New("mask selects no voxel")
)

// checkShapes ensures every non-nil operand shares the shape of ref.
func checkShapes(ref *models.Volume, others ...*models.Volume) error {
	for _, o := range others {
		if o == nil {
			continue
		}
		if !ref.SameShape(o) {
			return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, ref.Shape(), o.Shape())
		}
	}
	return nil
}

// maskWeights returns the binarized mask values, or all ones when mask is nil.
func maskWeights(ref, mask *models.Volume) []float64 {
	if mask == nil {
		return models.Ones(ref.Width, ref.Height, ref.Depth).Data
	}
	return models.Binarize(mask).Data
}

// MAE computes the mean absolute error between gt and pred over the voxels
// included by mask. A nil mask includes every voxel.
func MAE(gt, pred, mask *models.Volume) (float64, error) {
	if err := checkShapes(gt, pred, mask); err != nil {
		return 0, err
	}

	m := maskWeights(gt, mask)
	count := floats.Sum(m)
	if count == 0 {
		return 0, ErrEmptyMask
	}

	diff := make([]float64, len(m))
	for i := range diff {
		diff[i] = math.Abs(gt.Data[i]*m[i] - pred.Data[i]*m[i])
	}

	return floats.Sum(diff) / count, nil
}

// PSNR computes the peak signal to noise ratio over the voxels included by
// mask, using dataRange as the peak value. Identical inputs yield +Inf.
func PSNR(gt, pred, mask *models.Volume, dataRange float64) (float64, error) {
	if err := checkShapes(gt, pred, mask); err != nil {
		return 0, err
	}

	m := maskWeights(gt, mask)
	sq := make([]float64, 0, len(m))
	for i, w := range m {
		if w == 1 {
			d := gt.Data[i] - pred.Data[i]
			sq = append(sq, d*d)
		}
	}
	if len(sq) == 0 {
		return 0, ErrEmptyMask
	}

	mse := stat.Mean(sq, nil)
	if mse == 0 {
		return math.Inf(1), nil
	}
	return 10 * math.Log10(dataRange*dataRange/mse), nil
}

// EmpiricalRange returns max(v) - min(v).
func EmpiricalRange(v *models.Volume) float64 {
	return MaskedRange(v, nil)
}

// MaskedRange returns max - min of v over the voxels included by mask.
// A nil mask includes every voxel; an empty selection yields 0.
func MaskedRange(v, mask *models.Volume) float64 {
	if v.Len() == 0 {
		return 0
	}
	if mask == nil {
		return floats.Max(v.Data) - floats.Min(v.Data)
	}
	m := maskWeights(v, mask)
	sel := make([]float64, 0, len(m))
	for i, w := range m {
		if w == 1 {
			sel = append(sel, v.Data[i])
		}
	}
	if len(sel) == 0 {
		return 0
	}
	return floats.Max(sel) - floats.Min(sel)
}
