package scoring

import (
	"math"
	"testing"

	"github.com/bandwatch/bandwatch/pkg"
)

func TestBandwidthScoreRange(t *testing.T) {
	tests := []struct {
		name string
		sinr float64
		rsrp float64
	}{
		{"nominal", 15, -85},
		{"floor", -30, -160},
		{"ceiling", 50, -40},
		{"mixed extremes", -30, -40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := BandwidthScore(tt.sinr, tt.rsrp)
			if score < 0 || score > 1 {
				t.Errorf("BandwidthScore(%v, %v) = %v, outside [0,1]", tt.sinr, tt.rsrp, score)
			}
		})
	}
}

func TestBandwidthScoreMonotonic(t *testing.T) {
	// Non-decreasing in SINR at fixed RSRP.
	prev := -1.0
	for sinr := -15.0; sinr <= 25.0; sinr += 1.0 {
		score := BandwidthScore(sinr, -90)
		if score < prev {
			t.Fatalf("score decreased at sinr=%v: %v < %v", sinr, score, prev)
		}
		prev = score
	}

	// Non-decreasing in RSRP at fixed SINR.
	prev = -1.0
	for rsrp := -145.0; rsrp <= -70.0; rsrp += 1.0 {
		score := BandwidthScore(10, rsrp)
		if score < prev {
			t.Fatalf("score decreased at rsrp=%v: %v < %v", rsrp, score, prev)
		}
		prev = score
	}
}

func TestBandwidthScoreRSRPSaturation(t *testing.T) {
	// Above -80 dBm the RSRP term is pinned at 1, so these must be equal.
	a := BandwidthScore(20, -60)
	b := BandwidthScore(20, -50)
	if a != b {
		t.Errorf("expected saturated RSRP term: %v != %v", a, b)
	}
}

func TestQualityScoreLowerClampOnly(t *testing.T) {
	// Deep in the noise every term clamps to zero.
	if got := QualityScore(-160, -30, -20); got != 0 {
		t.Errorf("QualityScore floor = %v, want 0", got)
	}

	// Strong signal is allowed to exceed 1; the upper bound is not clamped.
	got := QualityScore(-40, 0, 30)
	if got <= 1 {
		t.Errorf("QualityScore(-40, 0, 30) = %v, want > 1", got)
	}
}

func TestQualityScoreNominal(t *testing.T) {
	got := QualityScore(-80, -10, 15)
	want := 0.4*(60.0/60.0) + 0.3*(15.0/15.0) + 0.3*(25.0/30.0)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("QualityScore(-80, -10, 15) = %v, want %v", got, want)
	}
}

func TestClassifyBoundaries(t *testing.T) {
	tests := []struct {
		score float64
		want  pkg.QualityClass
	}{
		{0.8, pkg.QualityExcellent},
		{0.7999, pkg.QualityGood},
		{0.6, pkg.QualityGood},
		{0.5999, pkg.QualityFair},
		{0.4, pkg.QualityFair},
		{0.3999, pkg.QualityPoor},
		{0.0, pkg.QualityPoor},
		{1.2, pkg.QualityExcellent},
	}

	for _, tt := range tests {
		if got := Classify(tt.score); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestScoreFillsDerivedFields(t *testing.T) {
	sample := &pkg.SignalSample{Band: "B3", RSRP: -85, RSRQ: -10, SINR: 15}
	Score(sample)

	if sample.BandwidthScore != BandwidthScore(15, -85) {
		t.Errorf("BandwidthScore not filled: %v", sample.BandwidthScore)
	}
	if sample.SignalQuality == "" {
		t.Error("SignalQuality not filled")
	}
}
