package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sctmetrics/pkg/metrics"
)

// NewImageCmd scores one synthetic CT against its reference
func NewImageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Compute MAE, PSNR and SSIM of a synthetic CT",
		RunE: func(cmd *cobra.Command, args []string) error {
			gt, _ := cmd.Flags().GetString("gt")
			pred, _ := cmd.Flags().GetString("pred")
			mask, _ := cmd.Flags().GetString("mask")
			if gt == "" || pred == "" {
				return fmt.Errorf("--gt and --pred are required")
			}

			lo, hi := a.cfg.Image.DynamicRange[0], a.cfg.Image.DynamicRange[1]
			if f := cmd.Flags().Lookup("range-min"); f.Changed {
				lo, _ = cmd.Flags().GetFloat64("range-min")
			}
			if f := cmd.Flags().Lookup("range-max"); f.Changed {
				hi, _ = cmd.Flags().GetFloat64("range-max")
			}
			if lo >= hi {
				return fmt.Errorf("dynamic range must be increasing, got [%v, %v]", lo, hi)
			}

			opts := []metrics.Option{metrics.WithDynamicRange(lo, hi), metrics.WithLogger(a.logger)}
			empirical := a.cfg.Image.EmpiricalPSNRRange
			if f := cmd.Flags().Lookup("empirical-range"); f.Changed {
				empirical, _ = cmd.Flags().GetBool("empirical-range")
			}
			if empirical {
				opts = append(opts, metrics.WithEmpiricalPSNRRange())
			}

			m := metrics.NewImageMetrics(opts...)
			res, err := m.ScoreFiles(gt, pred, mask)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"mae":  finite(res.MAE),
				"psnr": finite(res.PSNR),
				"ssim": finite(res.SSIM),
			})
		},
	}

	flags := cmd.Flags()
	flags.String("gt", "", "Reference CT volume (.mha, .mhd)")
	flags.String("pred", "", "Synthetic CT volume")
	flags.String("mask", "", "Optional mask volume, positive voxels are evaluated")
	flags.Float64("range-min", metrics.DefaultDynamicRange[0], "Lower bound of the population dynamic range")
	flags.Float64("range-max", metrics.DefaultDynamicRange[1], "Upper bound of the population dynamic range")
	flags.Bool("empirical-range", false, "Use max-min of the masked reference as PSNR peak instead of the population range")
	return cmd
}
