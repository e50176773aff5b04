package dose

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sctmetrics/internal/models"
	"sctmetrics/pkg/metrics"
)

func line(t *testing.T, values ...float64) *models.Volume {
	t.Helper()
	v, err := models.FromData(values, len(values), 1, 1)
	require.NoError(t, err)
	return v
}

func TestMAE(t *testing.T) {
	dGT := line(t, 0, 1, 2, 3)
	dPred := line(t, 0, 1, 1, 3)

	got, err := MAE(dGT, dPred, 1, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0/3.0, got, 1e-12)
}

func TestMAESelectsFromReferenceOnly(t *testing.T) {
	// prediction exceeds the threshold where the reference does not
	dGT := line(t, 0.5, 2, 2)
	dPred := line(t, 9, 2, 1)

	got, err := MAE(dGT, dPred, 2, 0.9)
	require.NoError(t, err)
	// (0 + 1) / 2 voxels, relative to 2 Gy
	assert.InDelta(t, 0.25, got, 1e-12)
}

func TestMAEErrors(t *testing.T) {
	dGT := line(t, 0.1, 0.2)

	_, err := MAE(dGT, dGT, 2, 0.9)
	assert.ErrorIs(t, err, ErrNoVoxelsSelected)

	_, err = MAE(dGT, line(t, 1), 2, 0.9)
	assert.ErrorIs(t, err, metrics.ErrShapeMismatch)

	_, err = MAE(dGT, dGT, 2, 1.2)
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = MAE(dGT, dGT, 0, 0.5)
	assert.ErrorIs(t, err, ErrInvalidDose)
}

func TestDoseMAEByRegion(t *testing.T) {
	doses, err := NewPrescribedDose(map[models.Region]float64{models.Brain: 2})
	require.NoError(t, err)

	got, err := doses.DoseMAE(line(t, 2, 4), line(t, 1, 4), models.Brain, 0.9)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, got, 1e-12)

	_, err = doses.DoseMAE(line(t, 2), line(t, 2), models.Pelvis, 0.9)
	assert.ErrorIs(t, err, ErrUnknownRegion)
}

func TestPrescribedDose(t *testing.T) {
	_, err := NewPrescribedDose(map[models.Region]float64{models.Brain: -1})
	assert.ErrorIs(t, err, ErrInvalidDose)

	_, err = NewPrescribedDose(map[models.Region]float64{models.Brain: math.NaN()})
	assert.ErrorIs(t, err, ErrInvalidDose)

	p, err := ParsePrescribedDose(map[string]float64{"brain": 2, "PELVIS": 3})
	require.NoError(t, err)
	d, err := p.For(models.Pelvis)
	require.NoError(t, err)
	assert.Equal(t, 3.0, d)

	_, err = ParsePrescribedDose(map[string]float64{"lung": 2})
	assert.Error(t, err)

	d, err = DefaultPrescribedDose().For(models.Brain)
	require.NoError(t, err)
	assert.Equal(t, 2.0, d)
}

func TestCIKey(t *testing.T) {
	tests := map[float64]string{
		2.0:  "CI_2Gy",
		2.5:  "CI_2_5Gy",
		60:   "CI_60Gy",
		1.25: "CI_1_25Gy",
	}
	for pd, want := range tests {
		assert.Equal(t, want, CIKey(pd), "prescribed dose %v", pd)
	}
}

func TestReadDVHFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dvh_ct_photon.json")
	doc := `[
  {"name": "PTV", "D_2": 52.1, "D_5": 51.8, "D_98": 49.5, "mean": 50.2, "CI_2Gy": 0.91, "CI_2_5Gy": null, "volume": 120.5},
  {"name": "Brainstem", "D_2": 30.0, "D_5": NaN, "D_98": 1.0, "mean": 12.0}
]`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	set, err := ReadDVHFile(path)
	require.NoError(t, err)
	require.Len(t, set, 2)

	ptv := set[0]
	assert.Equal(t, "PTV", ptv.Name)
	assert.Equal(t, Value(49.5), ptv.D98)
	assert.Equal(t, Value(0.91), ptv.Field("CI_2Gy"))
	assert.False(t, ptv.Field("CI_2_5Gy").Valid)
	assert.False(t, ptv.Field("CI_3Gy").Valid)

	stem := set[1]
	assert.False(t, stem.D5.Usable())
	assert.True(t, stem.Mean.Usable())
}

func TestReadDVHFileRejectsNamelessRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dvh.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"D_2": 1}]`), 0644))
	_, err := ReadDVHFile(path)
	assert.Error(t, err)
}

func TestROIPassRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gamma_photon.json")
	doc := `[{"name": "Body 2%/2mm", "pass_rate": 91.0}, {"name": "ROI 2%/2mm", "pass_rate": 98.7}]`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	records, err := ReadGammaFile(path)
	require.NoError(t, err)
	rate, ok := ROIPassRate(records)
	assert.True(t, ok)
	assert.Equal(t, 98.7, rate)

	rate, ok = ROIPassRate(records[:1])
	assert.False(t, ok)
	assert.True(t, math.IsNaN(rate))

	rate, ok = ROIPassRate([]GammaRecord{{Name: "ROI"}})
	assert.True(t, ok)
	assert.True(t, math.IsNaN(rate))
}
