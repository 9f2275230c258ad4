package pkg

import (
	"context"
	"time"
)

// QualityClass buckets a quality score into a coarse signal rating.
type QualityClass string

const (
	QualityExcellent QualityClass = "excellent"
	QualityGood      QualityClass = "good"
	QualityFair      QualityClass = "fair"
	QualityPoor      QualityClass = "poor"
)

// rank orders quality classes from worst to best.
func (q QualityClass) Rank() int {
	switch q {
	case QualityExcellent:
		return 3
	case QualityGood:
		return 2
	case QualityFair:
		return 1
	default:
		return 0
	}
}

// SignalSample is one observation of the router's radio state. Immutable
// once created; the metric store owns it after a successful append.
type SignalSample struct {
	Timestamp      time.Time    `json:"timestamp"`
	Band           string       `json:"band"`
	RSRP           float64      `json:"rsrp"`
	RSRQ           float64      `json:"rsrq"`
	SINR           float64      `json:"sinr"`
	RSSI           float64      `json:"rssi"`
	CellID         string       `json:"cell_id"`
	PLMN           string       `json:"plmn"`
	SignalQuality  QualityClass `json:"signal_quality"`
	BandwidthScore float64      `json:"bandwidth_score"`
}

// BandPerformance aggregates samples for one band into a comparable summary.
// A view, recomputed on demand. The zero value is the defined result for an
// empty sample set.
type BandPerformance struct {
	Band              string  `json:"band"`
	SampleCount       int     `json:"sample_count"`
	AvgRSRP           float64 `json:"avg_rsrp"`
	AvgRSRQ           float64 `json:"avg_rsrq"`
	AvgSINR           float64 `json:"avg_sinr"`
	AvgBandwidthScore float64 `json:"avg_bandwidth_score"`
	// StabilityScore is 1 minus the population standard deviation of the
	// per-sample bandwidth scores. Can go negative when variance is extreme.
	StabilityScore float64 `json:"stability_score"`
	PeakHourSINR   float64 `json:"peak_hour_sinr"`
	OffPeakSINR    float64 `json:"off_peak_sinr"`
}

// FieldStats holds mean/std/min/max over one numeric column.
type FieldStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// BandStats is the per-band aggregate view over the stored history.
type BandStats struct {
	Band              string       `json:"band"`
	Count             int          `json:"count"`
	RSRP              FieldStats   `json:"rsrp"`
	RSRQ              FieldStats   `json:"rsrq"`
	SINR              FieldStats   `json:"sinr"`
	RSSI              FieldStats   `json:"rssi"`
	BandwidthScore    FieldStats   `json:"bandwidth_score"`
	ModalQualityClass QualityClass `json:"modal_quality_class"`
}

// MetricsSummary is the all-band aggregate over a time window. Total == 0
// marks the explicit empty result; no field is meaningful in that case.
type MetricsSummary struct {
	Window            time.Duration        `json:"window"`
	Total             int                  `json:"total"`
	Bands             []string             `json:"bands"`
	AvgRSRP           float64              `json:"avg_rsrp"`
	AvgRSRQ           float64              `json:"avg_rsrq"`
	AvgSINR           float64              `json:"avg_sinr"`
	AvgBandwidthScore float64              `json:"avg_bandwidth_score"`
	QualityHistogram  map[QualityClass]int `json:"quality_histogram"`
	BestBand          string               `json:"best_band"`
	WorstBand         string               `json:"worst_band"`
}

// BandTestResult records the outcome of one deliberate band test.
type BandTestResult struct {
	Band        string           `json:"band"`
	StartedAt   time.Time        `json:"started_at"`
	Duration    time.Duration    `json:"duration"`
	Success     bool             `json:"success"`
	Error       string           `json:"error,omitempty"`
	Performance *BandPerformance `json:"performance,omitempty"`
}

// SwitchDecision records one band switch issued by the decision engine.
type SwitchDecision struct {
	Timestamp time.Time `json:"timestamp"`
	Trigger   string    `json:"trigger"` // degradation, peak_optimize, off_peak_optimize, band_test
	FromBand  string    `json:"from_band"`
	ToBand    string    `json:"to_band"`
	Reasoning string    `json:"reasoning"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// ConnectionStatus is the router's reported WAN state.
type ConnectionStatus struct {
	Connected    bool   `json:"connected"`
	NetworkType  string `json:"network_type"`
	Operator     string `json:"operator"`
	SignalIcon   int    `json:"signal_icon"`
	CurrentBand  string `json:"current_band"`
	CurrentCell  string `json:"current_cell"`
	WANIPAddress string `json:"wan_ip_address"`
}

// RouterClient is the boundary to the LTE router device. Implementations
// must serialize their own request handling; callers assume one in-flight
// request at a time per client.
type RouterClient interface {
	Authenticate(ctx context.Context) error
	GetSignalSample(ctx context.Context) (*SignalSample, error)
	GetAvailableBands(ctx context.Context) ([]string, error)
	SetBand(ctx context.Context, bandID string) error
	SetBandMask(ctx context.Context, mask map[string]bool) error
	GetCurrentBandConfig(ctx context.Context) (map[string]bool, error)
	GetConnectionStatus(ctx context.Context) (*ConnectionStatus, error)
	Close() error
}
