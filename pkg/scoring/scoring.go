// Package scoring maps raw radio measurements to the derived scores the
// rest of the system compares bands with. All functions are pure.
package scoring

import "github.com/bandwatch/bandwatch/pkg"

// BandwidthScore estimates expected throughput on [0,1] from SINR and RSRP.
// Both terms saturate at their nominal sensor range, so inputs outside it
// never push the score out of [0,1].
func BandwidthScore(sinr, rsrp float64) float64 {
	sinrTerm := clamp01((sinr + 10) / 30)
	rsrpTerm := clamp01((rsrp + 140) / 60)
	return 0.7*sinrTerm + 0.3*rsrpTerm
}

// QualityScore combines RSRP, RSRQ and SINR into one scalar. Each term is
// clamped at zero only; unusually strong signal can push the score above 1
// and Classify treats anything >= 0.8 as excellent. Kept as-is for parity
// with the recorded history.
func QualityScore(rsrp, rsrq, sinr float64) float64 {
	rsrpTerm := clamp0((rsrp + 140) / 60)
	rsrqTerm := clamp0((rsrq + 25) / 15)
	sinrTerm := clamp0((sinr + 10) / 30)
	return 0.4*rsrpTerm + 0.3*rsrqTerm + 0.3*sinrTerm
}

// Classify buckets a quality score into a QualityClass.
func Classify(qualityScore float64) pkg.QualityClass {
	switch {
	case qualityScore >= 0.8:
		return pkg.QualityExcellent
	case qualityScore >= 0.6:
		return pkg.QualityGood
	case qualityScore >= 0.4:
		return pkg.QualityFair
	default:
		return pkg.QualityPoor
	}
}

// Score fills the derived fields of a sample in place and returns it.
func Score(sample *pkg.SignalSample) *pkg.SignalSample {
	sample.BandwidthScore = BandwidthScore(sample.SINR, sample.RSRP)
	sample.SignalQuality = Classify(QualityScore(sample.RSRP, sample.RSRQ, sample.SINR))
	return sample
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

func clamp0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
