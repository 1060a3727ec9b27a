// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

package pipeline

import (
	"math"
	"time"

	"github.com/resonance-pipeline/resonance/internal/models"
)

// Classification labels produced by Algorithm B.
const (
	ClassSilence = "silence"
	ClassSpeech  = "speech"
	ClassMusic   = "music"
	ClassNoise   = "noise"
)

// Classification thresholds, tuned against the normalized feature ranges.
const (
	silenceEnergyThreshold = 1e-4
	speechZCRLow           = 0.02
	speechZCRHigh          = 0.15
	noiseZCRThreshold      = 0.25
)

// AlgorithmB enhances first-stage features: normalization into [0,1],
// derived features, a classification label, and a quality score.
// Deterministic on its input, so redeliveries produce identical records.
type AlgorithmB struct{}

// NewAlgorithmB creates the second-stage feature enhancer.
func NewAlgorithmB() *AlgorithmB {
	return &AlgorithmB{}
}

// Enhance computes the enhanced record from a first-stage feature record.
func (b *AlgorithmB) Enhance(src *models.FeatureARecord) *models.FeatureBRecord {
	start := time.Now()

	rec := models.NewFeatureBRecord(src)

	energy := src.Features.Scalar("energy")
	rms := src.Features.Scalar("rms")
	peak := src.Features.Scalar("peak_amplitude")
	zcr := src.Features.Scalar("zero_crossing_rate")
	centroid := src.Features.Scalar("spectral_centroid")
	bands := src.Features.Vector("band_energies")

	// Normalize into [0,1]. Energy and RMS are already bounded by the
	// [-1,1] sample range; centroid is bounded by Nyquist at 48kHz.
	normEnergy := clamp01(energy)
	normRMS := clamp01(rms)
	normPeak := clamp01(peak)
	normZCR := clamp01(zcr)
	normCentroid := clamp01(centroid / 24000.0)

	normBands := make([]float64, len(bands))
	totalBand := 0.0
	for _, e := range bands {
		totalBand += e
	}
	if totalBand > 0 {
		for i, e := range bands {
			normBands[i] = e / totalBand
		}
	}

	flatness := spectralFlatness(bands)

	rec.EnhancedFeatures = models.FeatureMap{
		"energy":             models.ScalarValue(normEnergy),
		"rms":                models.ScalarValue(normRMS),
		"peak_amplitude":     models.ScalarValue(normPeak),
		"zero_crossing_rate": models.ScalarValue(normZCR),
		"spectral_centroid":  models.ScalarValue(normCentroid),
		"spectral_flatness":  models.ScalarValue(flatness),
		"band_distribution":  models.VectorValue(normBands),
	}

	rec.Classification = classify(energy, zcr, flatness)
	rec.SetQualityScore(qualityScore(normRMS, normPeak, flatness))
	rec.ProcessingTimeMS = durationMS(start)
	return rec
}

// classify assigns a coarse label from energy, zero-crossing rate, and
// spectral flatness.
func classify(energy, zcr, flatness float64) string {
	switch {
	case energy < silenceEnergyThreshold:
		return ClassSilence
	case zcr > noiseZCRThreshold || flatness > 0.8:
		return ClassNoise
	case zcr >= speechZCRLow && zcr <= speechZCRHigh:
		return ClassSpeech
	default:
		return ClassMusic
	}
}

// qualityScore estimates signal quality. Clipping (peak near full scale
// with high RMS) and noise-like flatness both reduce the score.
func qualityScore(rms, peak, flatness float64) float64 {
	score := 1.0

	// Penalize likely clipping
	if peak > 0.99 {
		score -= 0.3
	}

	// Penalize very low level signals
	if rms < 0.01 {
		score -= 0.4
	}

	// Penalize noise-like spectra
	score -= 0.3 * flatness

	return score
}

// spectralFlatness computes the ratio of geometric to arithmetic mean of
// band energies. 1.0 is white-noise-like, 0.0 is tonal.
func spectralFlatness(bands []float64) float64 {
	if len(bands) == 0 {
		return 0
	}

	const eps = 1e-12
	logSum := 0.0
	sum := 0.0
	for _, e := range bands {
		logSum += math.Log(e + eps)
		sum += e + eps
	}
	geoMean := math.Exp(logSum / float64(len(bands)))
	arithMean := sum / float64(len(bands))
	if arithMean == 0 {
		return 0
	}
	return clamp01(geoMean / arithMean)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
