package recompute

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sctmetrics/internal/models"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestRunPassesPositionalArguments(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args.txt")
	script := writeScript(t, `echo "$@" > "`+out+`"`+"\necho noisy\n")

	var captured bytes.Buffer
	r := NewRunner(script, WithArgs("--batch"), WithOutput(&captured), WithLogger(quietLogger()))
	err := r.Run(context.Background(), Request{
		Workspace:      "/data/ws",
		PatientID:      "1BA001",
		Modality:       models.Proton,
		PredictionPath: "/data/sct.mha",
	})
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "--batch /data/ws 1BA001 proton /data/sct.mha", strings.TrimSpace(string(got)))
	assert.Contains(t, captured.String(), "noisy")
}

func TestRunReportsExitStatus(t *testing.T) {
	r := NewRunner(writeScript(t, "exit 3\n"), WithLogger(quietLogger()))
	err := r.Run(context.Background(), Request{PatientID: "1BA001", Modality: models.Photon})
	assert.ErrorIs(t, err, ErrToolFailed)
}

func TestRunTimeout(t *testing.T) {
	r := NewRunner(writeScript(t, "exec sleep 5\n"), WithTimeout(100*time.Millisecond), WithLogger(quietLogger()))

	start := time.Now()
	err := r.Run(context.Background(), Request{PatientID: "1BA001", Modality: models.Photon})
	assert.ErrorIs(t, err, ErrToolFailed)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRunMissingCommand(t *testing.T) {
	r := NewRunner(filepath.Join(t.TempDir(), "absent"), WithLogger(quietLogger()))
	err := r.Run(context.Background(), Request{PatientID: "1BA001", Modality: models.Photon})
	assert.ErrorIs(t, err, ErrToolFailed)
}
