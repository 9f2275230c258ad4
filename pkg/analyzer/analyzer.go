// Package analyzer turns sets of recorded samples into per-band performance
// summaries the decision engine compares.
package analyzer

import (
	"math"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/scoring"
)

// peakHours are the hours of day treated as congested. Matches the peak
// windows 07:00-09:00 and 17:00-19:00 at hour granularity.
var peakHours = map[int]bool{7: true, 8: true, 9: true, 17: true, 18: true, 19: true}

// IsPeakHour reports whether the given hour of day falls in a peak window.
func IsPeakHour(hour int) bool {
	return peakHours[hour]
}

// Analyze computes the performance summary for one band over the given
// samples. An empty input yields the zero-valued summary, never an error.
func Analyze(band string, samples []*pkg.SignalSample) pkg.BandPerformance {
	perf := pkg.BandPerformance{Band: band}
	if len(samples) == 0 {
		return perf
	}

	var sumRSRP, sumRSRQ, sumSINR float64
	var peakSINR, offPeakSINR []float64
	scores := make([]float64, 0, len(samples))

	for _, s := range samples {
		sumRSRP += s.RSRP
		sumRSRQ += s.RSRQ
		sumSINR += s.SINR
		scores = append(scores, scoring.BandwidthScore(s.SINR, s.RSRP))

		if IsPeakHour(s.Timestamp.Hour()) {
			peakSINR = append(peakSINR, s.SINR)
		} else {
			offPeakSINR = append(offPeakSINR, s.SINR)
		}
	}

	n := float64(len(samples))
	perf.SampleCount = len(samples)
	perf.AvgRSRP = sumRSRP / n
	perf.AvgRSRQ = sumRSRQ / n
	perf.AvgSINR = sumSINR / n
	perf.AvgBandwidthScore = Mean(scores)
	// Stability rewards low variance. Not clamped; a standard deviation
	// above 1 yields a negative score and still sorts correctly.
	perf.StabilityScore = 1 - StdDev(scores)
	perf.PeakHourSINR = Mean(peakSINR)
	perf.OffPeakSINR = Mean(offPeakSINR)

	return perf
}

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation, 0 for an empty slice.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}
