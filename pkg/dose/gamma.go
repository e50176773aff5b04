package dose

import (
	"math"
	"strings"

	"sctmetrics/pkg/volumeio"
)

// roiMarker identifies the gamma record evaluated over the region of interest
const roiMarker = "ROI"

// GammaRecord is one gamma analysis entry written by the dose recalculation tool.
type GammaRecord struct {
	Name     string `json:"name"`
	PassRate Stat   `json:"pass_rate"`
}

// ROIPassRate returns the pass rate of the first record whose name contains
// ROI. The second return value is false when no such record exists; a
// missing pass rate yields NaN.
func ROIPassRate(records []GammaRecord) (float64, bool) {
	for _, rec := range records {
		if !strings.Contains(rec.Name, roiMarker) {
			continue
		}
		if !rec.PassRate.Usable() {
			return math.NaN(), true
		}
		return rec.PassRate.Value, true
	}
	return math.NaN(), false
}

// ReadGammaFile loads the gamma records of one modality.
func ReadGammaFile(path string) ([]GammaRecord, error) {
	var records []GammaRecord
	if err := volumeio.ReadJSONFile(path, &records); err != nil {
		return nil, err
	}
	return records, nil
}
