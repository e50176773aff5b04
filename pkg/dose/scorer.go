package dose

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"sctmetrics/internal/models"
)

const (
	// TargetOrgan is the planning target volume every DVH set must contain
	TargetOrgan = "PTV"

	// MaxOARs is the number of organs at risk evaluated per score
	MaxOARs = 3

	// Epsilon keeps relative differences finite for near-zero statistics
	Epsilon = 1e-12
)

// targetOrgans are never evaluated as organs at risk
var targetOrgans = map[string]bool{"PTV": true, "GTV": true, "CTV": true}

// ErrMissingTarget is returned when a DVH set has no PTV record.
var ErrMissingTarget = errors.New("DVH set has no PTV record")

// DVHResult is the outcome of a composite DVH score.
type DVHResult struct {
	// Score is TargetTerm + OARTerm, or NaN when the score was aborted
	Score float64

	// TargetTerm is the PTV D_98 and conformity index contribution
	TargetTerm float64

	// OARTerm is the mean D_2 plus mean D_mean contribution of the
	// selected organs at risk
	OARTerm float64

	// Organs lists the organs at risk selected for evaluation
	Organs []string

	// Aborted is set when a required statistic was missing or NaN
	Aborted bool

	// Reason names the organ and field that aborted the score
	Reason string
}

// Scorer computes the composite DVH clinical score. A lower score means
// closer agreement between the reference and synthetic plans.
type Scorer struct {
	doses  PrescribedDose
	logger *slog.Logger

	// oarTerm is swapped in tests to observe evaluation
	oarTerm func(gt, pred map[string]*DVHRecord, organs []string) (float64, string, bool)
}

// ScorerOption configures a Scorer.
type ScorerOption func(*Scorer)

// WithScorerLogger sets the logger receiving diagnostics.
func WithScorerLogger(logger *slog.Logger) ScorerOption {
	return func(s *Scorer) {
		s.logger = logger
	}
}

// NewScorer creates a scorer using the given prescribed doses.
func NewScorer(doses PrescribedDose, opts ...ScorerOption) *Scorer {
	s := &Scorer{
		doses:  doses,
		logger: slog.Default(),
	}
	s.oarTerm = evaluateOARs
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score compares the predicted DVH set with the reference set of a patient.
//
// A missing or NaN statistic of the target or of a selected organ at risk
// aborts the comparison: the result carries NaN and the reason, and no
// error is returned. A set without PTV, duplicate organ names or an
// unconfigured region are reported as errors.
func (s *Scorer) Score(gt, pred DVHSet, region models.Region) (DVHResult, error) {
	pd, err := s.doses.For(region)
	if err != nil {
		return DVHResult{}, err
	}

	gtIdx, err := gt.Index()
	if err != nil {
		return DVHResult{}, fmt.Errorf("ground truth: %w", err)
	}
	predIdx, err := pred.Index()
	if err != nil {
		return DVHResult{}, fmt.Errorf("prediction: %w", err)
	}

	gtPTV, ok := gtIdx[TargetOrgan]
	if !ok {
		return DVHResult{}, fmt.Errorf("ground truth: %w", ErrMissingTarget)
	}
	predPTV, ok := predIdx[TargetOrgan]
	if !ok {
		return DVHResult{}, fmt.Errorf("prediction: %w", ErrMissingTarget)
	}

	target, reason, ok := targetTerm(gtPTV, predPTV, CIKey(pd))
	if !ok {
		s.logger.Warn("DVH score aborted", "region", region, "reason", reason)
		return aborted(reason, nil), nil
	}

	organs := SelectOARs(gt)
	if len(organs) < MaxOARs {
		s.logger.Warn("fewer organs at risk than expected",
			"region", region, "found", len(organs), "expected", MaxOARs)
	}

	oar, reason, ok := s.oarTerm(gtIdx, predIdx, organs)
	if !ok {
		s.logger.Warn("DVH score aborted", "region", region, "reason", reason, "organs", organs)
		return aborted(reason, organs), nil
	}

	res := DVHResult{
		Score:      target + oar,
		TargetTerm: target,
		OARTerm:    oar,
		Organs:     organs,
	}
	s.logger.Debug("DVH score computed", "region", region, "score", res.Score,
		"target", res.TargetTerm, "oar", res.OARTerm, "organs", res.Organs)
	return res, nil
}

func aborted(reason string, organs []string) DVHResult {
	return DVHResult{
		Score:      math.NaN(),
		TargetTerm: math.NaN(),
		OARTerm:    math.NaN(),
		Organs:     organs,
		Aborted:    true,
		Reason:     reason,
	}
}

// relativeDiff is |ref - pred + eps| / (ref + eps)
func relativeDiff(ref, pred float64) float64 {
	return math.Abs(ref-pred+Epsilon) / (ref + Epsilon)
}

// required returns a usable statistic or a diagnostic naming it.
func required(rec *DVHRecord, side, field string) (float64, string, bool) {
	st := rec.Field(field)
	if !st.Usable() {
		state := "missing"
		if st.Valid {
			state = "NaN"
		}
		return 0, fmt.Sprintf("%s %s is %s in %s", rec.Name, field, state, side), false
	}
	return st.Value, "", true
}

// targetTerm computes the D_98 and conformity index terms of the PTV.
func targetTerm(gt, pred *DVHRecord, ciKey string) (float64, string, bool) {
	var vals [4]float64
	checks := []struct {
		rec   *DVHRecord
		side  string
		field string
	}{
		{gt, "ground truth", FieldD98},
		{pred, "prediction", FieldD98},
		{gt, "ground truth", ciKey},
		{pred, "prediction", ciKey},
	}
	for i, c := range checks {
		v, reason, ok := required(c.rec, c.side, c.field)
		if !ok {
			return math.NaN(), reason, false
		}
		vals[i] = v
	}

	return relativeDiff(vals[0], vals[1]) + relativeDiff(vals[2], vals[3]), "", true
}

// SelectOARs returns up to MaxOARs non-target organs of the reference set,
// ordered by descending (D_5 + mean) / 2. Equal keys keep set order and
// organs without a usable key rank last.
func SelectOARs(gt DVHSet) []string {
	type candidate struct {
		name string
		key  float64
	}

	seen := make(map[string]bool, len(gt))
	var cands []candidate
	for i := range gt {
		rec := &gt[i]
		if targetOrgans[rec.Name] || seen[rec.Name] {
			continue
		}
		seen[rec.Name] = true
		key := math.NaN()
		if rec.D5.Usable() && rec.Mean.Usable() {
			key = (rec.D5.Value + rec.Mean.Value) / 2
		}
		cands = append(cands, candidate{name: rec.Name, key: key})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		ki, kj := cands[i].key, cands[j].key
		if math.IsNaN(kj) {
			return !math.IsNaN(ki)
		}
		return ki > kj
	})

	n := min(MaxOARs, len(cands))
	organs := make([]string, n)
	for i := 0; i < n; i++ {
		organs[i] = cands[i].name
	}
	return organs
}

// evaluateOARs computes mean(D_2 terms) + mean(D_mean terms) over organs.
func evaluateOARs(gt, pred map[string]*DVHRecord, organs []string) (float64, string, bool) {
	if len(organs) == 0 {
		return 0, "", true
	}

	d2Terms := make([]float64, 0, len(organs))
	meanTerms := make([]float64, 0, len(organs))
	for _, name := range organs {
		g := gt[name]
		p, ok := pred[name]
		if !ok {
			return math.NaN(), fmt.Sprintf("%s is missing in prediction", name), false
		}

		var vals [4]float64
		for i, c := range []struct {
			rec   *DVHRecord
			side  string
			field string
		}{
			{g, "ground truth", FieldD2},
			{p, "prediction", FieldD2},
			{g, "ground truth", FieldMean},
			{p, "prediction", FieldMean},
		} {
			v, reason, ok := required(c.rec, c.side, c.field)
			if !ok {
				return math.NaN(), reason, false
			}
			vals[i] = v
		}

		d2Terms = append(d2Terms, relativeDiff(vals[0], vals[1]))
		meanTerms = append(meanTerms, relativeDiff(vals[2], vals[3]))
	}

	return stat.Mean(d2Terms, nil) + stat.Mean(meanTerms, nil), "", true
}
