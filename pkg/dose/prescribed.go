// Package dose implements the dose based evaluation of synthetic CTs: the
// thresholded dose mean absolute error, the composite DVH clinical score and
// gamma pass-rate extraction.
package dose

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"sctmetrics/internal/models"
)

var (
	// ErrUnknownRegion is returned when no prescribed dose is configured for a region.
	ErrUnknownRegion = errors.New("no prescribed dose for region")

	// ErrInvalidDose is returned for non-positive prescribed doses.
	ErrInvalidDose = errors.New("prescribed dose must be positive")
)

// PrescribedDose maps each region to its prescribed dose in Gy. The zero
// value has no regions; use NewPrescribedDose to build one.
type PrescribedDose struct {
	doses map[models.Region]float64
}

// DefaultPrescribedDose returns the prescribed doses used by the benchmark.
func DefaultPrescribedDose() PrescribedDose {
	return PrescribedDose{doses: map[models.Region]float64{
		models.Brain:  2.0,
		models.Pelvis: 2.5,
	}}
}

// NewPrescribedDose validates and copies doses. The result is immutable.
func NewPrescribedDose(doses map[models.Region]float64) (PrescribedDose, error) {
	p := PrescribedDose{doses: make(map[models.Region]float64, len(doses))}
	for region, d := range doses {
		if !(d > 0) || math.IsInf(d, 0) {
			return PrescribedDose{}, fmt.Errorf("%w: %s = %v", ErrInvalidDose, region, d)
		}
		p.doses[region] = d
	}
	return p, nil
}

// ParsePrescribedDose builds the table from region names as found in
// configuration files.
func ParsePrescribedDose(doses map[string]float64) (PrescribedDose, error) {
	typed := make(map[models.Region]float64, len(doses))
	for name, d := range doses {
		region, err := models.ParseRegion(name)
		if err != nil {
			return PrescribedDose{}, err
		}
		typed[region] = d
	}
	return NewPrescribedDose(typed)
}

// For returns the prescribed dose of region.
func (p PrescribedDose) For(region models.Region) (float64, error) {
	d, ok := p.doses[region]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownRegion, region)
	}
	return d, nil
}

// CIKey returns the DVH field holding the conformity index at dose pd:
// 2.0 gives CI_2Gy and 2.5 gives CI_2_5Gy.
func CIKey(pd float64) string {
	var s string
	if pd == math.Trunc(pd) {
		s = strconv.FormatFloat(pd, 'f', 0, 64)
	} else {
		s = strings.ReplaceAll(strconv.FormatFloat(pd, 'f', -1, 64), ".", "_")
	}
	return "CI_" + s + "Gy"
}
