package metrics

import (
	"fmt"
	"log/slog"

	"sctmetrics/internal/models"
	"sctmetrics/pkg/volumeio"
)

// DefaultDynamicRange is the CT Hounsfield range used for PSNR and SSIM
// unless another population range is configured.
var DefaultDynamicRange = [2]float64{-1024, 3071}

// Result holds the image similarity metrics of one synthetic CT.
type Result struct {
	// MAE is the mean absolute error over masked voxels in input units
	MAE float64

	// PSNR is the peak signal to noise ratio in dB over masked voxels,
	// computed against the population dynamic range
	PSNR float64

	// SSIM is the structural similarity averaged over the interior of the
	// similarity map, restricted to the mask when one is given
	SSIM float64
}

// ImageMetrics scores synthetic CT volumes against their reference.
type ImageMetrics struct {
	dynamicRange   [2]float64
	empiricalRange bool
	logger         *slog.Logger
}

// Option configures ImageMetrics.
type Option func(*ImageMetrics)

// WithDynamicRange overrides the population dynamic range.
func WithDynamicRange(lo, hi float64) Option {
	return func(m *ImageMetrics) {
		m.dynamicRange = [2]float64{lo, hi}
	}
}

// WithEmpiricalPSNRRange computes PSNR on the unclipped volumes with the
// range of the masked reference voxels as peak. SSIM keeps the population
// range.
func WithEmpiricalPSNRRange() Option {
	return func(m *ImageMetrics) {
		m.empiricalRange = true
	}
}

// WithLogger sets the logger used for progress records.
func WithLogger(logger *slog.Logger) Option {
	return func(m *ImageMetrics) {
		m.logger = logger
	}
}

// NewImageMetrics creates an image metric scorer.
func NewImageMetrics(opts ...Option) *ImageMetrics {
	m := &ImageMetrics{
		dynamicRange: DefaultDynamicRange,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DynamicRange returns the configured population range.
func (m *ImageMetrics) DynamicRange() [2]float64 {
	return m.dynamicRange
}

// Score computes MAE, PSNR and SSIM of pred against gt. mask may be nil.
func (m *ImageMetrics) Score(gt, pred, mask *models.Volume) (Result, error) {
	if err := checkShapes(gt, pred, mask); err != nil {
		return Result{}, err
	}

	lo, hi := m.dynamicRange[0], m.dynamicRange[1]
	dataRange := hi - lo

	mae, err := MAE(gt, pred, mask)
	if err != nil {
		return Result{}, fmt.Errorf("mae: %w", err)
	}

	gtClipped := gt.Clip(lo, hi)
	predClipped := pred.Clip(lo, hi)

	var psnr float64
	if m.empiricalRange {
		psnr, err = PSNR(gt, pred, mask, MaskedRange(gt, mask))
	} else {
		psnr, err = PSNR(gtClipped, predClipped, mask, dataRange)
	}
	if err != nil {
		return Result{}, fmt.Errorf("psnr: %w", err)
	}

	// SSIM is a windowed statistic, so it runs on the full volumes and the
	// mask only restricts the averaging
	ssimMap, err := SSIMMap(gtClipped, predClipped, dataRange)
	if err != nil {
		return Result{}, fmt.Errorf("ssim: %w", err)
	}
	mm := mask
	if mm == nil {
		mm = models.Ones(gt.Width, gt.Height, gt.Depth)
	}
	ssim, err := MaskedMean(ssimMap, mm)
	if err != nil {
		return Result{}, fmt.Errorf("ssim: %w", err)
	}

	res := Result{MAE: mae, PSNR: psnr, SSIM: ssim}
	m.logger.Debug("image metrics computed", "mae", res.MAE, "psnr", res.PSNR, "ssim", res.SSIM)
	return res, nil
}

// ScoreFiles loads the reference, prediction and optional mask volumes and
// scores them. An empty maskPath scores every voxel.
func (m *ImageMetrics) ScoreFiles(gtPath, predPath, maskPath string) (Result, error) {
	gt, err := volumeio.ReadVolume(gtPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load ground truth: %w", err)
	}
	pred, err := volumeio.ReadVolume(predPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load prediction: %w", err)
	}

	var mask *models.Volume
	if maskPath != "" {
		mask, err = volumeio.ReadVolume(maskPath)
		if err != nil {
			return Result{}, fmt.Errorf("failed to load mask: %w", err)
		}
	}

	m.logger.Info("scoring image pair", "gt", gtPath, "pred", predPath, "mask", maskPath)
	return m.Score(gt, pred, mask)
}
