// Package evaluation scores patients on the dose recalculated by the
// external treatment planning tool.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"sctmetrics/internal/models"
	"sctmetrics/pkg/dose"
	"sctmetrics/pkg/recompute"
	"sctmetrics/pkg/volumeio"
)

// DefaultThreshold is the fraction of the prescribed dose selecting the
// high-dose voxels of the dose MAE.
const DefaultThreshold = 0.9

// Recomputer produces the dose artifacts of one patient and modality.
type Recomputer interface {
	Run(ctx context.Context, req recompute.Request) error
}

// Layout names the artifacts inside a patient directory. Every pattern
// receives the modality through a single %s verb.
type Layout struct {
	Plan     string
	DoseGT   string
	DosePred string
	DVHGT    string
	DVHPred  string
	Gamma    string
}

// DefaultLayout returns the file names written by the recalculation tool.
func DefaultLayout() Layout {
	return Layout{
		Plan:     "plan_%s.mat",
		DoseGT:   "dose_ct_%s.mat",
		DosePred: "dose_sct_%s.mat",
		DVHGT:    "dvh_ct_%s.json",
		DVHPred:  "dvh_sct_%s.json",
		Gamma:    "gamma_%s.json",
	}
}

// Patient is one scoring request.
type Patient struct {
	ID             string
	Region         models.Region
	PredictionPath string
}

// PatientMetrics maps metric keys such as dvh_photon to values. NaN marks
// a metric whose inputs were missing or incomplete.
type PatientMetrics map[string]float64

// Metric keys for a modality
func maeKey(m models.Modality) string   { return "mae_target_" + string(m) }
func dvhKey(m models.Modality) string   { return "dvh_" + string(m) }
func gammaKey(m models.Modality) string { return "gamma_" + string(m) }

// Orchestrator runs the dose evaluation of patients.
type Orchestrator struct {
	workspace  string
	tool       Recomputer
	doses      dose.PrescribedDose
	scorer     *dose.Scorer
	threshold  float64
	modalities []models.Modality
	layout     Layout
	logger     *slog.Logger
	runID      string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithThreshold overrides the dose MAE threshold.
func WithThreshold(threshold float64) Option {
	return func(o *Orchestrator) {
		o.threshold = threshold
	}
}

// WithModalities restricts the evaluated modalities.
func WithModalities(modalities ...models.Modality) Option {
	return func(o *Orchestrator) {
		o.modalities = modalities
	}
}

// WithLayout overrides the artifact file names.
func WithLayout(layout Layout) Option {
	return func(o *Orchestrator) {
		o.layout = layout
	}
}

// WithLogger sets the logger; records carry the run identifier.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an orchestrator reading patient directories under workspace.
func New(workspace string, tool Recomputer, doses dose.PrescribedDose, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		workspace:  workspace,
		tool:       tool,
		doses:      doses,
		threshold:  DefaultThreshold,
		modalities: models.Modalities,
		layout:     DefaultLayout(),
		logger:     slog.Default(),
		runID:      uuid.NewString(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("run", o.runID)
	o.scorer = dose.NewScorer(doses, dose.WithScorerLogger(o.logger))
	return o
}

// RunID identifies this orchestrator in log records.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// ScorePatient evaluates every modality that has a treatment plan for the
// patient. Missing artifacts yield NaN metrics and a warning. Invalid inputs
// such as mismatched dose cubes, a DVH set without PTV or an empty high-dose
// region fail that modality only: the remaining modalities are still scored
// and the failures are joined into the returned error alongside the metrics
// that could be computed. Cancellation stops the patient at once.
func (o *Orchestrator) ScorePatient(ctx context.Context, p Patient) (PatientMetrics, error) {
	if _, err := o.doses.For(p.Region); err != nil {
		return nil, fmt.Errorf("patient %s: %w", p.ID, err)
	}

	logger := o.logger.With("patient", p.ID)
	out := make(PatientMetrics)
	dir := filepath.Join(o.workspace, p.ID)

	var errs []error
	for _, m := range o.modalities {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		plan := filepath.Join(dir, fmt.Sprintf(o.layout.Plan, m))
		if _, err := os.Stat(plan); err != nil {
			logger.Debug("no treatment plan, skipping modality", "modality", m, "plan", plan)
			continue
		}

		if err := o.scoreModality(ctx, logger.With("modality", m), p, m, out); err != nil {
			if ctx.Err() != nil {
				return out, err
			}
			logger.Warn("modality failed", "modality", m, "error", err)
			errs = append(errs, fmt.Errorf("patient %s %s: %w", p.ID, m, err))
		}
	}

	logger.Info("patient scored", "metrics", len(out), "failed", len(errs))
	return out, errors.Join(errs...)
}

func (o *Orchestrator) scoreModality(ctx context.Context, logger *slog.Logger, p Patient, m models.Modality, out PatientMetrics) error {
	dir := filepath.Join(o.workspace, p.ID)
	artifact := func(pattern string) string {
		return filepath.Join(dir, fmt.Sprintf(pattern, m))
	}
	doseGT, dosePred := artifact(o.layout.DoseGT), artifact(o.layout.DosePred)
	dvhGT, dvhPred := artifact(o.layout.DVHGT), artifact(o.layout.DVHPred)
	gamma := artifact(o.layout.Gamma)
	defer cleanup(logger, doseGT, dosePred, dvhGT, dvhPred, gamma)

	err := o.tool.Run(ctx, recompute.Request{
		Workspace:      o.workspace,
		PatientID:      p.ID,
		Modality:       m,
		PredictionPath: p.PredictionPath,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// the artifacts decide which metrics can still be computed
		logger.Warn("dose recalculation reported a failure", "error", err)
	}

	mae, err := o.doseMAE(logger, p.Region, doseGT, dosePred)
	if err != nil {
		return err
	}
	out[maeKey(m)] = mae

	dvh, err := o.dvhScore(logger, p.Region, dvhGT, dvhPred)
	if err != nil {
		return err
	}
	out[dvhKey(m)] = dvh

	out[gammaKey(m)] = o.gammaPassRate(logger, gamma)
	return nil
}

func (o *Orchestrator) doseMAE(logger *slog.Logger, region models.Region, gtPath, predPath string) (float64, error) {
	if !present(logger, "dose MAE", gtPath, predPath) {
		return math.NaN(), nil
	}
	dGT, err := volumeio.ReadMATVariable(gtPath, "")
	if err != nil {
		logger.Warn("unreadable dose cube, dose MAE set to NaN", "error", err)
		return math.NaN(), nil
	}
	dPred, err := volumeio.ReadMATVariable(predPath, "")
	if err != nil {
		logger.Warn("unreadable dose cube, dose MAE set to NaN", "error", err)
		return math.NaN(), nil
	}
	return o.doses.DoseMAE(dGT, dPred, region, o.threshold)
}

func (o *Orchestrator) dvhScore(logger *slog.Logger, region models.Region, gtPath, predPath string) (float64, error) {
	if !present(logger, "DVH score", gtPath, predPath) {
		return math.NaN(), nil
	}
	gt, err := dose.ReadDVHFile(gtPath)
	if err != nil {
		logger.Warn("unreadable DVH file, DVH score set to NaN", "error", err)
		return math.NaN(), nil
	}
	pred, err := dose.ReadDVHFile(predPath)
	if err != nil {
		logger.Warn("unreadable DVH file, DVH score set to NaN", "error", err)
		return math.NaN(), nil
	}

	res, err := o.scorer.Score(gt, pred, region)
	if err != nil {
		return 0, err
	}
	logger.Info("DVH score", "score", res.Score, "organs", res.Organs, "aborted", res.Aborted)
	return res.Score, nil
}

func (o *Orchestrator) gammaPassRate(logger *slog.Logger, path string) float64 {
	if !present(logger, "gamma pass rate", path) {
		return math.NaN()
	}
	records, err := dose.ReadGammaFile(path)
	if err != nil {
		logger.Warn("unreadable gamma file, pass rate set to NaN", "error", err)
		return math.NaN()
	}
	rate, ok := dose.ROIPassRate(records)
	if !ok {
		logger.Warn("gamma file has no ROI record, pass rate set to NaN", "file", path)
	}
	return rate
}

// present reports whether every path exists, warning about the first one
// that does not.
func present(logger *slog.Logger, metric string, paths ...string) bool {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			logger.Warn("missing artifact, metric set to NaN", "metric", metric, "file", path)
			return false
		}
	}
	return true
}

// cleanup removes consumed artifacts. Failures are logged and ignored.
func cleanup(logger *slog.Logger, paths ...string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove artifact", "file", path, "error", err)
		}
	}
}
