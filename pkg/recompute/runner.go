// Package recompute invokes the external treatment planning tool that
// recalculates reference and synthetic dose distributions for a patient.
package recompute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"sctmetrics/internal/models"
)

// ErrToolFailed is returned when the tool exits unsuccessfully or times out.
var ErrToolFailed = errors.New("dose recalculation tool failed")

// Request identifies one recalculation.
type Request struct {
	// Workspace is the directory holding one sub-directory per patient
	Workspace string

	// PatientID names the patient sub-directory
	PatientID string

	// Modality selects the treatment plan to recalculate
	Modality models.Modality

	// PredictionPath is the synthetic CT the plan is recalculated on
	PredictionPath string
}

// Runner executes the recalculation tool as a subprocess.
type Runner struct {
	command string
	args    []string
	timeout time.Duration
	output  io.Writer
	logger  *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithArgs sets arguments placed before the positional request arguments.
func WithArgs(args ...string) Option {
	return func(r *Runner) {
		r.args = args
	}
}

// WithTimeout bounds each invocation. Zero disables the limit.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.timeout = d
	}
}

// WithOutput receives the tool's stdout and stderr, which are discarded
// by default.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) {
		r.output = w
	}
}

// WithLogger sets the logger used for invocation records.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a runner for command.
func NewRunner(command string, opts ...Option) *Runner {
	r := &Runner{
		command: command,
		output:  io.Discard,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run invokes the tool with the workspace, patient ID, modality and
// prediction path as trailing positional arguments and blocks until it exits.
func (r *Runner) Run(ctx context.Context, req Request) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := append(append([]string{}, r.args...),
		req.Workspace, req.PatientID, string(req.Modality), req.PredictionPath)
	cmd := exec.CommandContext(ctx, r.command, args...)
	if r.output != io.Discard {
		cmd.Stdout = r.output
		cmd.Stderr = r.output
	}
	// children keeping the output pipes open must not outlive a cancellation
	cmd.WaitDelay = time.Second

	r.logger.Debug("running dose recalculation", "command", r.command, "args", args)
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: patient %s %s: %w", ErrToolFailed, req.PatientID, req.Modality, ctxErr)
		}
		return fmt.Errorf("%w: patient %s %s: %w", ErrToolFailed, req.PatientID, req.Modality, err)
	}

	r.logger.Info("dose recalculation finished",
		"patient", req.PatientID, "modality", req.Modality, "elapsed", elapsed.Round(time.Millisecond))
	return nil
}
