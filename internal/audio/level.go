// SPDX-License-Identifier: MIT
package audio

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// FloorDb is reported instead of -Inf for silent input.
const FloorDb = -160.0

// ComputeLevel derives average (RMS) and peak power in dBFS from one frame
// of samples in [-1, 1], plus their linear amplitudes. Each call is
// independent; there is no smoothing across frames.
func ComputeLevel(samples []float64, seq uint64, timestampMs int64) LevelSample {
	ls := LevelSample{
		AveragePowerDb: FloorDb,
		PeakPowerDb:    FloorDb,
		TimestampMs:    timestampMs,
		Seq:            seq,
	}
	if len(samples) == 0 {
		return ls
	}

	rms := floats.Norm(samples, 2) / math.Sqrt(float64(len(samples)))
	peak := floats.Norm(samples, math.Inf(1))

	ls.AveragePowerDb = amplitudeToDb(rms)
	ls.PeakPowerDb = amplitudeToDb(peak)
	ls.NormalizedAverage = dbToAmplitude(ls.AveragePowerDb)
	ls.NormalizedPeak = dbToAmplitude(ls.PeakPowerDb)
	return ls
}

// amplitudeToDb maps a linear amplitude to [FloorDb, 0].
func amplitudeToDb(amp float64) float64 {
	if !(amp > 0) {
		return FloorDb
	}
	db := 20 * math.Log10(amp)
	switch {
	case math.IsNaN(db) || db < FloorDb:
		return FloorDb
	case db > 0:
		return 0
	}
	return db
}

// dbToAmplitude is the inverse of amplitudeToDb; the floor maps to exactly 0.
func dbToAmplitude(db float64) float64 {
	if db <= FloorDb {
		return 0
	}
	return min(math.Pow(10, db/20), 1)
}
