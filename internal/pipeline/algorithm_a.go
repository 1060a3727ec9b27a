// Resonance - Audio Feature Processing Pipeline
// Copyright 2026 Resonance Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/resonance-pipeline/resonance

// Package pipeline implements the audio processing stages: Algorithm A
// extracts features from raw audio, Algorithm B enhances and classifies
// them, and the Writer commits results to storage. Each stage runs as a
// Watermill handler behind the broker's retry and poison queue middleware.
package pipeline

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/resonance-pipeline/resonance/internal/models"
)

// Analysis bounds. Payloads are capped at 1MiB upstream; these limits keep
// per-message CPU predictable regardless of payload size.
const (
	maxAnalysisSamples = 1 << 16 // 64k samples
	dftFrameSize       = 128
	dftBins            = 64
	maxDFTFrames       = 32
	bandCount          = 4
)

// AlgorithmA performs deterministic feature extraction over raw audio
// payloads. The same payload always yields the same feature map, which
// makes redelivered messages idempotent end to end.
type AlgorithmA struct{}

// NewAlgorithmA creates the first-stage feature extractor.
func NewAlgorithmA() *AlgorithmA {
	return &AlgorithmA{}
}

// Extract computes the feature record for an audio message.
// The payload is interpreted as 16-bit little-endian PCM samples.
func (a *AlgorithmA) Extract(msg *models.AudioMessage) *models.FeatureARecord {
	start := time.Now()

	samples := decodePCM16(msg.Payload)
	rec := models.NewFeatureARecord(msg)

	if len(samples) == 0 {
		rec.Features = models.FeatureMap{
			"energy":             models.ScalarValue(0),
			"rms":                models.ScalarValue(0),
			"peak_amplitude":     models.ScalarValue(0),
			"zero_crossing_rate": models.ScalarValue(0),
			"spectral_centroid":  models.ScalarValue(0),
			"band_energies":      models.VectorValue(make([]float64, bandCount)),
		}
		rec.ProcessingTimeMS = durationMS(start)
		return rec
	}

	energy := 0.0
	peak := 0.0
	crossings := 0
	for i, s := range samples {
		energy += s * s
		if abs := math.Abs(s); abs > peak {
			peak = abs
		}
		if i > 0 && (samples[i-1] < 0) != (s < 0) {
			crossings++
		}
	}
	energy /= float64(len(samples))
	rms := math.Sqrt(energy)
	zcr := float64(crossings) / float64(len(samples))

	spectrum := averageSpectrum(samples)
	centroid := spectralCentroid(spectrum, msg.SampleRate)
	bands := bandEnergies(spectrum)

	rec.Features = models.FeatureMap{
		"energy":             models.ScalarValue(energy),
		"rms":                models.ScalarValue(rms),
		"peak_amplitude":     models.ScalarValue(peak),
		"zero_crossing_rate": models.ScalarValue(zcr),
		"spectral_centroid":  models.ScalarValue(centroid),
		"band_energies":      models.VectorValue(bands),
	}
	rec.ProcessingTimeMS = durationMS(start)
	return rec
}

// decodePCM16 converts little-endian 16-bit PCM bytes into normalized
// samples in [-1, 1], truncated to the analysis window.
func decodePCM16(payload []byte) []float64 {
	n := len(payload) / 2
	if n > maxAnalysisSamples {
		n = maxAnalysisSamples
	}
	samples := make([]float64, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(payload[i*2:])) //nolint:gosec // intentional wrap to signed
		samples[i] = float64(v) / 32768.0
	}
	return samples
}

// averageSpectrum computes a magnitude spectrum averaged over bounded
// frames using a direct DFT. Frame count and bin count are fixed, so cost
// is constant per message.
func averageSpectrum(samples []float64) []float64 {
	spectrum := make([]float64, dftBins)
	frames := len(samples) / dftFrameSize
	if frames == 0 {
		return spectrum
	}
	if frames > maxDFTFrames {
		frames = maxDFTFrames
	}

	for f := 0; f < frames; f++ {
		frame := samples[f*dftFrameSize : (f+1)*dftFrameSize]
		for k := 0; k < dftBins; k++ {
			var re, im float64
			for n, s := range frame {
				angle := -2 * math.Pi * float64(k) * float64(n) / float64(dftFrameSize)
				re += s * math.Cos(angle)
				im += s * math.Sin(angle)
			}
			spectrum[k] += math.Sqrt(re*re+im*im) / float64(dftFrameSize)
		}
	}

	for k := range spectrum {
		spectrum[k] /= float64(frames)
	}
	return spectrum
}

// spectralCentroid returns the magnitude-weighted mean frequency in Hz.
func spectralCentroid(spectrum []float64, sampleRate int) float64 {
	var weighted, total float64
	binWidth := float64(sampleRate) / float64(dftFrameSize)
	for k, mag := range spectrum {
		freq := float64(k) * binWidth
		weighted += freq * mag
		total += mag
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

// bandEnergies groups spectrum bins into equal-width bands.
func bandEnergies(spectrum []float64) []float64 {
	bands := make([]float64, bandCount)
	perBand := len(spectrum) / bandCount
	for k, mag := range spectrum {
		b := k / perBand
		if b >= bandCount {
			b = bandCount - 1
		}
		bands[b] += mag * mag
	}
	return bands
}

func durationMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
