package dose

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"sctmetrics/pkg/volumeio"
)

// DVH statistic field names as written by the dose recalculation tool
const (
	FieldName = "name"
	FieldD2   = "D_2"
	FieldD5   = "D_5"
	FieldD98  = "D_98"
	FieldMean = "mean"

	ciPrefix = "CI_"
)

// ErrDuplicateOrgan is returned when a DVH set names the same organ twice.
var ErrDuplicateOrgan = errors.New("duplicate organ in DVH set")

// Stat is a nullable dose statistic.
type Stat struct {
	Value float64
	Valid bool
}

// Value returns a present statistic.
func Value(v float64) Stat {
	return Stat{Value: v, Valid: true}
}

// Usable reports whether the statistic is present and not NaN.
func (s Stat) Usable() bool {
	return s.Valid && !math.IsNaN(s.Value)
}

// UnmarshalJSON decodes a number, treating null as a missing statistic.
func (s *Stat) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*s = Stat{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*s = Value(v)
	return nil
}

// MarshalJSON encodes missing and non-finite statistics as null.
func (s Stat) MarshalJSON() ([]byte, error) {
	if !s.Usable() || math.IsInf(s.Value, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(s.Value)
}

// DVHRecord holds the dose-volume statistics of one organ for one CT.
type DVHRecord struct {
	Name string
	D2   Stat
	D5   Stat
	D98  Stat
	Mean Stat

	// CI holds conformity indices keyed by field name, e.g. CI_2Gy
	CI map[string]Stat
}

// Field returns a statistic by its DVH field name.
func (r *DVHRecord) Field(name string) Stat {
	switch name {
	case FieldD2:
		return r.D2
	case FieldD5:
		return r.D5
	case FieldD98:
		return r.D98
	case FieldMean:
		return r.Mean
	}
	if strings.HasPrefix(name, ciPrefix) {
		return r.CI[name]
	}
	return Stat{}
}

// UnmarshalJSON decodes one organ record. Fields other than the name, the
// dose statistics and CI_* entries are ignored.
func (r *DVHRecord) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	*r = DVHRecord{CI: make(map[string]Stat)}
	nameRaw, ok := raw[FieldName]
	if !ok {
		return fmt.Errorf("DVH record without %q", FieldName)
	}
	if err := json.Unmarshal(nameRaw, &r.Name); err != nil {
		return fmt.Errorf("DVH record name: %w", err)
	}

	targets := map[string]*Stat{FieldD2: &r.D2, FieldD5: &r.D5, FieldD98: &r.D98, FieldMean: &r.Mean}
	for key, value := range raw {
		dst, known := targets[key]
		isCI := strings.HasPrefix(key, ciPrefix)
		switch {
		case known:
		case isCI:
			dst = new(Stat)
		default:
			continue
		}
		if err := json.Unmarshal(value, dst); err != nil {
			return fmt.Errorf("organ %s field %s: %w", r.Name, key, err)
		}
		if isCI {
			r.CI[key] = *dst
		}
	}
	return nil
}

// MarshalJSON encodes the record in the tool's flat layout.
func (r DVHRecord) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		FieldName: r.Name,
		FieldD2:   r.D2,
		FieldD5:   r.D5,
		FieldD98:  r.D98,
		FieldMean: r.Mean,
	}
	for key, s := range r.CI {
		out[key] = s
	}
	return json.Marshal(out)
}

// DVHSet is the ordered list of organ records of one CT.
type DVHSet []DVHRecord

// Index returns a name lookup of the set, rejecting duplicate organ names.
func (s DVHSet) Index() (map[string]*DVHRecord, error) {
	idx := make(map[string]*DVHRecord, len(s))
	for i := range s {
		name := s[i].Name
		if _, dup := idx[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOrgan, name)
		}
		idx[name] = &s[i]
	}
	return idx, nil
}

// ReadDVHFile loads a DVH set written by the dose recalculation tool.
func ReadDVHFile(path string) (DVHSet, error) {
	var set DVHSet
	if err := volumeio.ReadJSONFile(path, &set); err != nil {
		return nil, err
	}
	return set, nil
}
