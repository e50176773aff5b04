package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sctmetrics/internal/models"
	"sctmetrics/pkg/config"
	"sctmetrics/pkg/volumeio"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRoot(context.Background(), "abc123")
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	cfg := filepath.Join(t.TempDir(), "absent.yaml")
	root.SetArgs(append([]string{"--config", cfg, "--log-level", "ERROR"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "abc123\n", out)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sctmetrics.yaml")
	_, err := run(t, "config", "init", path)
	require.NoError(t, err)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Dose.Threshold, cfg.Dose.Threshold)
}

func TestDVHCommand(t *testing.T) {
	dir := t.TempDir()
	gt := filepath.Join(dir, "gt.json")
	pred := filepath.Join(dir, "pred.json")
	require.NoError(t, os.WriteFile(gt, []byte(`[{"name": "PTV", "D_98": 50, "CI_2Gy": 0.9}]`), 0644))
	require.NoError(t, os.WriteFile(pred, []byte(`[{"name": "PTV", "D_98": NaN, "CI_2Gy": 0.9}]`), 0644))

	out, err := run(t, "dvh", "--gt", gt, "--pred", pred, "--region", "brain")
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Nil(t, res["score"])
	assert.Equal(t, true, res["aborted"])
	assert.Equal(t, "PTV D_98 is missing in prediction", res["reason"])
}

func TestImageCommand(t *testing.T) {
	dir := t.TempDir()
	v := models.NewVolume(8, 8, 8)
	for i := range v.Data {
		v.Data[i] = float64(i % 50)
	}
	path := filepath.Join(dir, "ct.mha")
	require.NoError(t, volumeio.WriteMetaImage(path, v))

	out, err := run(t, "image", "--gt", path, "--pred", path)
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 0.0, res["mae"])
	assert.Equal(t, "Infinity", res["psnr"])
	assert.InDelta(t, 1.0, res["ssim"], 1e-9)

	_, err = run(t, "image", "--gt", path)
	assert.Error(t, err)
}

func TestImageCommandEmpiricalRange(t *testing.T) {
	dir := t.TempDir()
	gt := models.NewVolume(8, 8, 8)
	for i := range gt.Data {
		gt.Data[i] = float64(i % 50)
	}
	pred := gt.Clone()
	pred.Data[0] += 7
	gtPath := filepath.Join(dir, "ct.mha")
	predPath := filepath.Join(dir, "sct.mha")
	require.NoError(t, volumeio.WriteMetaImage(gtPath, gt))
	require.NoError(t, volumeio.WriteMetaImage(predPath, pred))

	psnr := func(args ...string) float64 {
		out, err := run(t, append([]string{"image", "--gt", gtPath, "--pred", predPath}, args...)...)
		require.NoError(t, err)
		var res map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		return res["psnr"].(float64)
	}

	// mse = 49/512
	assert.InDelta(t, 10*math.Log10(49*512), psnr("--empirical-range"), 1e-9)
	assert.InDelta(t, 10*math.Log10(4095*4095*512/49.0), psnr(), 1e-9)
}

func TestDoseCommandRequiresPatients(t *testing.T) {
	_, err := run(t, "dose", "--workspace", t.TempDir())
	assert.Error(t, err)
}

func TestDoseCommandManifest(t *testing.T) {
	ws := t.TempDir()
	manifest := filepath.Join(t.TempDir(), "patients.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("- id: 1BA001\n  region: Brain\n  prediction: sct.mha\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "1BA001"), 0755))

	// no plan files: every modality is skipped and the tool never runs
	out, err := run(t, "dose", "--workspace", ws, "--tool", "/nonexistent", "--manifest", manifest)
	require.NoError(t, err)

	var res map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Contains(t, res, "1BA001")
	assert.Empty(t, res["1BA001"])
}

// stageTool writes a recalculation tool that copies the staged artifacts of
// the requested patient into its workspace directory
func stageTool(t *testing.T, stage string) string {
	t.Helper()
	tool := filepath.Join(t.TempDir(), "recompute.sh")
	script := fmt.Sprintf("#!/bin/sh\ncp %q/\"$2\"/* \"$1/$2/\"\n", stage)
	require.NoError(t, os.WriteFile(tool, []byte(script), 0755))
	return tool
}

func stagePatient(t *testing.T, ws, stage, id, dvhPred string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, id), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, id, "plan_photon.mat"), []byte("plan"), 0644))

	dir := filepath.Join(stage, id)
	require.NoError(t, os.MkdirAll(dir, 0755))
	gt, err := models.FromData([]float64{0, 1, 2, 2, 2, 0.5}, 3, 2, 1)
	require.NoError(t, err)
	pred, err := models.FromData([]float64{0, 1, 1.8, 2, 2.2, 0}, 3, 2, 1)
	require.NoError(t, err)
	require.NoError(t, volumeio.WriteMAT(filepath.Join(dir, "dose_ct_photon.mat"), "dose", gt))
	require.NoError(t, volumeio.WriteMAT(filepath.Join(dir, "dose_sct_photon.mat"), "dose", pred))

	dvhCT := `[{"name": "PTV", "D_2": 2.1, "D_5": 2.05, "D_98": 1.9, "mean": 2.0, "CI_2Gy": 0.9}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dvh_ct_photon.json"), []byte(dvhCT), 0644))
	if dvhPred == "" {
		dvhPred = dvhCT
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dvh_sct_photon.json"), []byte(dvhPred), 0644))
	gamma := `[{"name": "ROI 3%/3mm", "pass_rate": 98.5}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gamma_photon.json"), []byte(gamma), 0644))
}

func TestDoseCommandRunsTool(t *testing.T) {
	ws, stage := t.TempDir(), t.TempDir()
	stagePatient(t, ws, stage, "1BA001", "")
	out := filepath.Join(t.TempDir(), "results.json")

	_, err := run(t, "dose", "--workspace", ws, "--tool", stageTool(t, stage),
		"--region", "Brain", "--pred", "/data/%s/sct.mha", "--out", out, "1BA001")
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var res map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &res))

	row := res["1BA001"]
	// threshold 0.9 * 2 Gy selects the three 2 Gy voxels
	assert.InDelta(t, 0.4/3/2, row["mae_target_photon"], 1e-9)
	assert.InDelta(t, 0, row["dvh_photon"], 1e-9)
	assert.Equal(t, 98.5, row["gamma_photon"])
	assert.NotContains(t, row, "error")

	entries, err := os.ReadDir(filepath.Join(ws, "1BA001"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "artifacts are cleaned up")
}

func TestDoseCommandKeepsScoringAfterFailedPatient(t *testing.T) {
	ws, stage := t.TempDir(), t.TempDir()
	stagePatient(t, ws, stage, "BAD", `[{"name": "Brainstem", "D_2": 1}]`)
	stagePatient(t, ws, stage, "GOOD", "")

	out, err := run(t, "dose", "--workspace", ws, "--tool", stageTool(t, stage), "--region", "Brain", "BAD", "GOOD")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 patients failed: BAD")

	var res map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))

	require.Contains(t, res, "GOOD")
	assert.InDelta(t, 0, res["GOOD"]["dvh_photon"], 1e-9)
	assert.NotContains(t, res["GOOD"], "error")

	require.Contains(t, res, "BAD")
	assert.Contains(t, res["BAD"]["error"], "DVH set has no PTV record")
	assert.InDelta(t, 0.4/3/2, res["BAD"]["mae_target_photon"], 1e-9, "metrics scored before the failure are kept")
}
