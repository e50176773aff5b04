package models

import (
	"fmt"
	"strings"
)

// Region is the anatomical site of a patient. It selects the prescribed
// dose used by the dose metrics.
type Region string

const (
	Brain  Region = "Brain"
	Pelvis Region = "Pelvis"
)

// Regions lists every supported region.
var Regions = []Region{Brain, Pelvis}

// ParseRegion converts a case-insensitive region name.
func ParseRegion(s string) (Region, error) {
	for _, r := range Regions {
		if strings.EqualFold(strings.TrimSpace(s), string(r)) {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown region %q (must be Brain or Pelvis)", s)
}

// Modality is a radiation treatment modality.
type Modality string

const (
	Photon Modality = "photon"
	Proton Modality = "proton"
)

// Modalities lists every supported modality in evaluation order.
var Modalities = []Modality{Photon, Proton}

// ParseModality converts a case-insensitive modality name.
func ParseModality(s string) (Modality, error) {
	for _, m := range Modalities {
		if strings.EqualFold(strings.TrimSpace(s), string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown modality %q (must be photon or proton)", s)
}
