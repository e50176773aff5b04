package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sctmetrics/internal/models"
	"sctmetrics/pkg/dose"
	"sctmetrics/pkg/evaluation"
	"sctmetrics/pkg/recompute"
)

// manifestEntry is one patient of a dose manifest file
type manifestEntry struct {
	ID         string `yaml:"id"`
	Region     string `yaml:"region"`
	Prediction string `yaml:"prediction"`
}

type doseFlags struct {
	workspace string
	tool      string
	region    string
	pred      string
	manifest  string
	threshold float64
	out       string
}

// NewDVHCmd scores a pair of DVH files
func NewDVHCmd(a *app) *cobra.Command {
	var gtPath, predPath, region string
	cmd := &cobra.Command{
		Use:   "dvh",
		Short: "Compute the composite DVH score of two DVH files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if gtPath == "" || predPath == "" {
				return fmt.Errorf("--gt and --pred are required")
			}
			r, err := models.ParseRegion(region)
			if err != nil {
				return err
			}
			doses, err := dose.ParsePrescribedDose(a.cfg.Dose.Prescribed)
			if err != nil {
				return err
			}
			gt, err := dose.ReadDVHFile(gtPath)
			if err != nil {
				return err
			}
			pred, err := dose.ReadDVHFile(predPath)
			if err != nil {
				return err
			}

			res, err := dose.NewScorer(doses, dose.WithScorerLogger(a.logger)).Score(gt, pred, r)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"score":   finite(res.Score),
				"target":  finite(res.TargetTerm),
				"oar":     finite(res.OARTerm),
				"organs":  res.Organs,
				"aborted": res.Aborted,
				"reason":  res.Reason,
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&gtPath, "gt", "", "DVH JSON of the reference CT")
	flags.StringVar(&predPath, "pred", "", "DVH JSON of the synthetic CT")
	flags.StringVar(&region, "region", "Brain", "Region: Brain or Pelvis")
	return cmd
}

// NewDoseCmd recalculates and scores the dose of patients
func NewDoseCmd(ctx context.Context, a *app) *cobra.Command {
	f := &doseFlags{}
	cmd := &cobra.Command{
		Use:   "dose [patient-id...]",
		Short: "Recalculate dose on synthetic CTs and compute dose metrics",
		Long: "Runs the dose recalculation tool for every modality with a treatment plan and reports " +
			"mae_target_<modality>, dvh_<modality> and gamma_<modality> per patient. Patients come from " +
			"the arguments (with --region and --pred) or from a YAML --manifest.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("workspace") {
				a.cfg.Recompute.Workspace = f.workspace
			}
			if cmd.Flags().Changed("tool") {
				a.cfg.Recompute.Command = f.tool
			}
			if cmd.Flags().Changed("threshold") {
				a.cfg.Dose.Threshold = f.threshold
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			patients, err := f.patients(args)
			if err != nil {
				return err
			}
			o, err := newOrchestrator(a)
			if err != nil {
				return err
			}

			// patients are independent: a failure is reported in its row
			// and the batch carries on
			results := make(map[string]map[string]any, len(patients))
			var failed []string
			for _, p := range patients {
				m, err := o.ScorePatient(ctx, p)
				row := make(map[string]any, len(m)+1)
				for k, v := range m {
					row[k] = finite(v)
				}
				if err != nil {
					if ctx.Err() != nil {
						return err
					}
					a.logger.Warn("patient failed", "patient", p.ID, "error", err)
					row["error"] = err.Error()
					failed = append(failed, p.ID)
				}
				results[p.ID] = row
			}

			if err := f.write(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d patients failed: %s", len(failed), len(patients), strings.Join(failed, ", "))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.workspace, "workspace", "", "Workspace holding one directory per patient")
	flags.StringVar(&f.tool, "tool", "", "Dose recalculation executable")
	flags.StringVar(&f.region, "region", "", "Region of the patients given as arguments")
	flags.StringVar(&f.pred, "pred", "", "Synthetic CT path; %s is replaced by the patient ID")
	flags.StringVar(&f.manifest, "manifest", "", "YAML list of {id, region, prediction}")
	flags.Float64Var(&f.threshold, "threshold", evaluation.DefaultThreshold, "Dose MAE threshold relative to the prescribed dose")
	flags.StringVar(&f.out, "out", "", "Output file path (default: stdout)")
	return cmd
}

// write sends the results to --out, or to w when no file is given
func (f *doseFlags) write(w io.Writer, results map[string]map[string]any) error {
	if f.out == "" {
		return writeJSON(w, results)
	}
	file, err := os.Create(f.out)
	if err != nil {
		return err
	}
	if err := writeJSON(file, results); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func (f *doseFlags) patients(args []string) ([]evaluation.Patient, error) {
	var patients []evaluation.Patient

	if f.manifest != "" {
		data, err := os.ReadFile(f.manifest)
		if err != nil {
			return nil, fmt.Errorf("error reading manifest: %w", err)
		}
		var entries []manifestEntry
		if err := yaml.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("error parsing manifest: %w", err)
		}
		for _, e := range entries {
			r, err := models.ParseRegion(e.Region)
			if err != nil {
				return nil, fmt.Errorf("manifest patient %s: %w", e.ID, err)
			}
			patients = append(patients, evaluation.Patient{ID: e.ID, Region: r, PredictionPath: e.Prediction})
		}
	}

	if len(args) > 0 {
		r, err := models.ParseRegion(f.region)
		if err != nil {
			return nil, fmt.Errorf("--region: %w", err)
		}
		for _, id := range args {
			pred := f.pred
			if strings.Contains(pred, "%s") {
				pred = fmt.Sprintf(pred, id)
			}
			patients = append(patients, evaluation.Patient{ID: id, Region: r, PredictionPath: pred})
		}
	}

	if len(patients) == 0 {
		return nil, fmt.Errorf("no patients given: pass patient IDs or --manifest")
	}
	return patients, nil
}

func newOrchestrator(a *app) (*evaluation.Orchestrator, error) {
	doses, err := dose.ParsePrescribedDose(a.cfg.Dose.Prescribed)
	if err != nil {
		return nil, err
	}

	var modalities []models.Modality
	for _, name := range a.cfg.Dose.Modalities {
		m, err := models.ParseModality(name)
		if err != nil {
			return nil, err
		}
		modalities = append(modalities, m)
	}

	rc := a.cfg.Recompute
	runner := recompute.NewRunner(rc.Command,
		recompute.WithArgs(rc.Args...),
		recompute.WithTimeout(rc.Timeout),
		recompute.WithLogger(a.logger),
	)
	layout := evaluation.Layout{
		Plan:     rc.Artifacts.Plan,
		DoseGT:   rc.Artifacts.DoseGT,
		DosePred: rc.Artifacts.DosePred,
		DVHGT:    rc.Artifacts.DVHGT,
		DVHPred:  rc.Artifacts.DVHPred,
		Gamma:    rc.Artifacts.Gamma,
	}

	return evaluation.New(rc.Workspace, runner, doses,
		evaluation.WithThreshold(a.cfg.Dose.Threshold),
		evaluation.WithModalities(modalities...),
		evaluation.WithLayout(layout),
		evaluation.WithLogger(a.logger),
	), nil
}
