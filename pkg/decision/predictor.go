package decision

import (
	"sync"
	"time"

	"github.com/sajari/regression"
)

// DefaultPredictorWindow is how many recent samples the trend fit uses.
// At the 30s poll interval this covers the last 30 minutes.
const DefaultPredictorWindow = 60

// minPredictorSamples is the floor below which no fit is attempted.
const minPredictorSamples = 10

// degradationSlopePerSecond flags a fit as degrading when the bandwidth
// score is losing more than ~0.06 per ten minutes.
const degradationSlopePerSecond = -1e-4

type scorePoint struct {
	at    time.Time
	score float64
}

// Predictor fits a linear trend to the recent bandwidth score series. It
// only informs logging and metrics; switches are still threshold-driven.
type Predictor struct {
	mu     sync.Mutex
	window int
	points []scorePoint
}

// NewPredictor creates a predictor over a sliding window of n samples.
func NewPredictor(n int) *Predictor {
	if n < minPredictorSamples {
		n = minPredictorSamples
	}
	return &Predictor{window: n}
}

// Observe appends one scored sample to the window.
func (p *Predictor) Observe(at time.Time, score float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.points = append(p.points, scorePoint{at: at, score: score})
	if len(p.points) > p.window {
		p.points = p.points[len(p.points)-p.window:]
	}
}

// Slope returns the fitted bandwidth-score change per second. ok is false
// until enough samples have been observed or when the fit fails.
func (p *Predictor) Slope() (float64, bool) {
	p.mu.Lock()
	points := make([]scorePoint, len(p.points))
	copy(points, p.points)
	p.mu.Unlock()

	if len(points) < minPredictorSamples {
		return 0, false
	}

	r := new(regression.Regression)
	r.SetObserved("bandwidth score")
	r.SetVar(0, "elapsed seconds")

	start := points[0].at
	for _, pt := range points {
		r.Train(regression.DataPoint(pt.score, []float64{pt.at.Sub(start).Seconds()}))
	}
	if err := r.Run(); err != nil {
		return 0, false
	}

	slope := r.Coeff(1)
	return slope, true
}

// DegradationPredicted reports whether the fitted trend is falling fast
// enough to matter.
func (p *Predictor) DegradationPredicted() bool {
	slope, ok := p.Slope()
	return ok && slope < degradationSlopePerSecond
}

// Reset clears the window, used after a band switch so the old band's
// trend does not bleed into the new one.
func (p *Predictor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.points = nil
}
