package dose

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"sctmetrics/internal/models"
	"sctmetrics/pkg/metrics"
)

var (
	// ErrNoVoxelsSelected is returned when no reference voxel reaches the
	// dose threshold.
	ErrNoVoxelsSelected = errors.New("no voxel reaches the dose threshold")

	// ErrInvalidThreshold is returned for thresholds outside [0, 1].
	ErrInvalidThreshold = errors.New("threshold must be within [0, 1]")
)

// MAE computes the mean absolute dose difference relative to the prescribed
// dose over the voxels where the reference dose reaches threshold*prescribed.
// The selection is derived from dGT only and applied to both cubes.
func MAE(dGT, dPred *models.Volume, prescribed, threshold float64) (float64, error) {
	if !dGT.SameShape(dPred) {
		return 0, fmt.Errorf("%w: %v vs %v", metrics.ErrShapeMismatch, dGT.Shape(), dPred.Shape())
	}
	if threshold < 0 || threshold > 1 || math.IsNaN(threshold) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}
	if !(prescribed > 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDose, prescribed)
	}

	cutoff := threshold * prescribed
	diffs := make([]float64, 0, dGT.Len())
	for i, ref := range dGT.Data {
		if ref >= cutoff {
			diffs = append(diffs, math.Abs(ref-dPred.Data[i])/prescribed)
		}
	}
	if len(diffs) == 0 {
		return 0, fmt.Errorf("%w (%.4g Gy)", ErrNoVoxelsSelected, cutoff)
	}

	return stat.Mean(diffs, nil), nil
}

// DoseMAE computes MAE with the prescribed dose of region.
func (p PrescribedDose) DoseMAE(dGT, dPred *models.Volume, region models.Region, threshold float64) (float64, error) {
	pd, err := p.For(region)
	if err != nil {
		return 0, err
	}
	return MAE(dGT, dPred, pd, threshold)
}
