package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/spf13/cobra"

	"sctmetrics/internal/logging"
	"sctmetrics/pkg/config"
)

// app carries state shared by the subcommands once flags are parsed
type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func NewRoot(ctx context.Context, gitsha string) *cobra.Command {
	a := &app{cfg: config.DefaultConfig(), logger: slog.Default()}

	cmd := &cobra.Command{
		Use:           "sctmetrics",
		Short:         "Evaluate synthetic CTs against their reference CT",
		Long:          "Computes image similarity (MAE, PSNR, SSIM) and dose metrics (dose MAE, DVH score, gamma pass rate) for synthetic CT benchmarks.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			a.cfg = cfg

			if f := cmd.Flags().Lookup("log-level"); f.Changed {
				cfg.Logging.Level = f.Value.String()
			}
			if jsonLogs, _ := cmd.Flags().GetBool("log-json"); jsonLogs {
				cfg.Logging.JSON = true
			}
			if logFile, _ := cmd.Flags().GetString("log-file"); logFile != "" {
				cfg.Logging.File = logFile
			}

			level, ok := logging.ParseLevel(cfg.Logging.Level)
			a.logger = logging.New(os.Stderr, logging.Options{
				Level:      level,
				JSON:       cfg.Logging.JSON,
				File:       cfg.Logging.File,
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
			})
			slog.SetDefault(a.logger)
			if !ok {
				slog.WarnContext(ctx, "Invalid log level, defaulting to INFO", "level", cfg.Logging.Level)
			}
			return nil
		},
	}
	cmd.AddCommand(
		NewVersionCmd(gitsha),
		NewImageCmd(a),
		NewDVHCmd(a),
		NewDoseCmd(ctx, a),
		NewConfigCmd(),
	)
	pf := cmd.PersistentFlags()
	pf.String("config", "sctmetrics.yaml", "YAML configuration file (defaults apply when absent)")
	pf.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	pf.Bool("log-json", false, "Write logs as JSON")
	pf.String("log-file", "", "Also write logs to this rotating file")
	return cmd
}

func NewVersionCmd(gitsha string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "git sha for this build",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), gitsha)
		},
	}
}

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "sctmetrics.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	})
	return cmd
}

// finite maps non-finite metric values onto JSON encodable ones
func finite(f float64) any {
	switch {
	case math.IsNaN(f):
		return nil
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
