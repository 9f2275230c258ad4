// Package uci loads the agent configuration from a UCI-style text file.
package uci

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/logx"
)

// Default configuration values.
const (
	DefaultLogLevel             = "info"
	DefaultRouterHost           = "192.168.8.1"
	DefaultRouterUser           = "admin"
	DefaultRouterPassword       = "admin"
	DefaultMeasurementIntervalS = 30
	DefaultBandTestDurationS    = 300
	DefaultQueryTimeoutS        = 10
	DefaultSwitchSettleS        = 10
	DefaultMaskSettleS          = 15
	DefaultDegradationThreshold = 0.8
	DefaultMaxLogSizeBytes      = 1024 * 1024
	DefaultMetricsCSVPath       = "/var/lib/bandwatch/signal_metrics.csv"
	DefaultMetricsJSONPath      = "/var/lib/bandwatch/signal_metrics.json"
	DefaultHistoryDBPath        = "/var/lib/bandwatch/history.db"
	DefaultArchiveDBPath        = "/var/lib/bandwatch/archive.db"
	DefaultArchiveRetentionDays = 30
	DefaultChartOutputDir       = "/var/lib/bandwatch/charts"
	DefaultMetricsPort          = 9101
	DefaultMQTTBroker           = "tcp://127.0.0.1:1883"
	DefaultMQTTTopicPrefix      = "bandwatch"
)

// PeakWindow is a named congested period. Matching is hour-granular and
// inclusive on both ends; configured minutes are parsed but not compared.
type PeakWindow struct {
	Name        string `json:"name"`
	StartHour   int    `json:"start_hour"`
	StartMinute int    `json:"start_minute"`
	EndHour     int    `json:"end_hour"`
	EndMinute   int    `json:"end_minute"`
}

// Contains reports whether the hour falls inside the window.
func (w PeakWindow) Contains(hour int) bool {
	return hour >= w.StartHour && hour <= w.EndHour
}

// Config is the complete agent configuration.
type Config struct {
	// Logging
	LogLevel string `json:"log_level"`

	// Router device
	RouterHost     string `json:"router_host"`
	RouterUser     string `json:"router_user"`
	RouterPassword string `json:"router_password"`

	// Timing (seconds)
	MeasurementIntervalS int `json:"measurement_interval_s"`
	BandTestDurationS    int `json:"band_test_duration_s"`
	QueryTimeoutS        int `json:"query_timeout_s"`
	SwitchSettleS        int `json:"switch_settle_s"`
	MaskSettleS          int `json:"mask_settle_s"`

	// Decision engine
	AutoSwitchEnabled    bool     `json:"auto_switch_enabled"`
	DegradationThreshold float64  `json:"degradation_threshold"`
	OptimizeTimes        []string `json:"optimize_times"` // HH:MM local

	// Peak windows
	PeakWindows []PeakWindow `json:"peak_windows"`

	// Metric store
	MetricsCSVPath  string `json:"metrics_csv_path"`
	MetricsJSONPath string `json:"metrics_json_path"`
	MaxLogSizeBytes int64  `json:"max_log_size_bytes"`

	// History and archive
	HistoryDBPath        string `json:"history_db_path"`
	ArchiveDBPath        string `json:"archive_db_path"`
	ArchiveEnabled       bool   `json:"archive_enabled"`
	ArchiveRetentionDays int    `json:"archive_retention_days"`

	// Audit trail
	AuditLogDir string `json:"audit_log_dir"`

	// MQTT publishing
	MQTTEnabled     bool   `json:"mqtt_enabled"`
	MQTTBroker      string `json:"mqtt_broker"`
	MQTTTopicPrefix string `json:"mqtt_topic_prefix"`
	MQTTUsername    string `json:"mqtt_username"`
	MQTTPassword    string `json:"mqtt_password"`

	// Prometheus metrics
	MetricsEnabled bool `json:"metrics_enabled"`
	MetricsPort    int  `json:"metrics_port"`

	// Charts
	ChartOutputDir string `json:"chart_output_dir"`

	// Safety
	DryRun bool `json:"dry_run"`
}

// LoadConfig reads the configuration file at path. A missing file yields
// the defaults; a present but malformed file is an error.
func LoadConfig(path string, logger *logx.Logger) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("config file not found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.parseUCI(string(data)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	c.LogLevel = DefaultLogLevel
	c.RouterHost = DefaultRouterHost
	c.RouterUser = DefaultRouterUser
	c.RouterPassword = DefaultRouterPassword
	c.MeasurementIntervalS = DefaultMeasurementIntervalS
	c.BandTestDurationS = DefaultBandTestDurationS
	c.QueryTimeoutS = DefaultQueryTimeoutS
	c.SwitchSettleS = DefaultSwitchSettleS
	c.MaskSettleS = DefaultMaskSettleS
	c.AutoSwitchEnabled = true
	c.DegradationThreshold = DefaultDegradationThreshold
	c.OptimizeTimes = []string{"07:00", "17:00", "10:00", "20:00"}
	c.PeakWindows = []PeakWindow{
		{Name: "morning", StartHour: 7, EndHour: 9},
		{Name: "evening", StartHour: 17, EndHour: 19},
	}
	c.MetricsCSVPath = DefaultMetricsCSVPath
	c.MetricsJSONPath = DefaultMetricsJSONPath
	c.MaxLogSizeBytes = DefaultMaxLogSizeBytes
	c.HistoryDBPath = DefaultHistoryDBPath
	c.ArchiveDBPath = DefaultArchiveDBPath
	c.ArchiveEnabled = true
	c.ArchiveRetentionDays = DefaultArchiveRetentionDays
	c.AuditLogDir = "/var/log/bandwatch"
	c.MQTTBroker = DefaultMQTTBroker
	c.MQTTTopicPrefix = DefaultMQTTTopicPrefix
	c.MetricsEnabled = true
	c.MetricsPort = DefaultMetricsPort
	c.ChartOutputDir = DefaultChartOutputDir
}

// parseUCI walks the file line by line. Sections look like
//
//	config bandwatch 'main'
//	        option router_host '192.168.8.1'
//	config peakwindow 'morning'
//	        option start '07:00'
//	        option end '09:00'
func (c *Config) parseUCI(content string) error {
	section := ""
	sectionName := ""
	var window *PeakWindow
	seenWindows := false

	flushWindow := func() {
		if window != nil {
			if !seenWindows {
				c.PeakWindows = nil
				seenWindows = true
			}
			c.PeakWindows = append(c.PeakWindows, *window)
			window = nil
		}
	}

	for lineNo, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "config":
			flushWindow()
			if len(fields) < 2 {
				return fmt.Errorf("%w: line %d: bare config stanza", pkg.ErrConfiguration, lineNo+1)
			}
			section = fields[1]
			sectionName = ""
			if len(fields) > 2 {
				sectionName = strings.Trim(fields[2], "'\"")
			}
			if section == "peakwindow" {
				window = &PeakWindow{Name: sectionName}
			}

		case "option":
			if len(fields) < 3 {
				return fmt.Errorf("%w: line %d: option without value", pkg.ErrConfiguration, lineNo+1)
			}
			key := fields[1]
			value := strings.Trim(strings.Join(fields[2:], " "), "'\"")

			var err error
			if section == "peakwindow" && window != nil {
				err = window.parseOption(key, value)
			} else {
				err = c.parseOption(key, value)
			}
			if err != nil {
				return fmt.Errorf("%w: line %d: %v", pkg.ErrConfiguration, lineNo+1, err)
			}
		}
	}
	flushWindow()

	return nil
}

func (c *Config) parseOption(key, value string) error {
	switch key {
	case "log_level":
		c.LogLevel = value
	case "router_host":
		c.RouterHost = value
	case "router_user":
		c.RouterUser = value
	case "router_password":
		c.RouterPassword = value
	case "measurement_interval":
		return parseInt(value, &c.MeasurementIntervalS)
	case "band_test_duration":
		return parseInt(value, &c.BandTestDurationS)
	case "query_timeout":
		return parseInt(value, &c.QueryTimeoutS)
	case "switch_settle":
		return parseInt(value, &c.SwitchSettleS)
	case "mask_settle":
		return parseInt(value, &c.MaskSettleS)
	case "auto_switch":
		c.AutoSwitchEnabled = parseBool(value)
	case "degradation_threshold":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("degradation_threshold: %v", err)
		}
		c.DegradationThreshold = v
	case "optimize_times":
		c.OptimizeTimes = strings.Fields(value)
	case "metrics_csv":
		c.MetricsCSVPath = value
	case "metrics_json":
		c.MetricsJSONPath = value
	case "max_log_size":
		var v int
		if err := parseInt(value, &v); err != nil {
			return err
		}
		c.MaxLogSizeBytes = int64(v)
	case "history_db":
		c.HistoryDBPath = value
	case "archive_db":
		c.ArchiveDBPath = value
	case "archive_enabled":
		c.ArchiveEnabled = parseBool(value)
	case "archive_retention_days":
		return parseInt(value, &c.ArchiveRetentionDays)
	case "audit_log_dir":
		c.AuditLogDir = value
	case "mqtt_enabled":
		c.MQTTEnabled = parseBool(value)
	case "mqtt_broker":
		c.MQTTBroker = value
	case "mqtt_topic_prefix":
		c.MQTTTopicPrefix = value
	case "mqtt_username":
		c.MQTTUsername = value
	case "mqtt_password":
		c.MQTTPassword = value
	case "metrics_enabled":
		c.MetricsEnabled = parseBool(value)
	case "metrics_port":
		return parseInt(value, &c.MetricsPort)
	case "chart_output_dir":
		c.ChartOutputDir = value
	case "dry_run":
		c.DryRun = parseBool(value)
	default:
		// Unknown options are ignored so old configs keep loading.
	}
	return nil
}

func (w *PeakWindow) parseOption(key, value string) error {
	switch key {
	case "start":
		h, m, err := parseClock(value)
		if err != nil {
			return fmt.Errorf("start: %v", err)
		}
		w.StartHour, w.StartMinute = h, m
	case "end":
		h, m, err := parseClock(value)
		if err != nil {
			return fmt.Errorf("end: %v", err)
		}
		w.EndHour, w.EndMinute = h, m
	}
	return nil
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.MeasurementIntervalS < 1 {
		return fmt.Errorf("%w: measurement_interval must be >= 1s", pkg.ErrConfiguration)
	}
	if c.BandTestDurationS < c.MeasurementIntervalS {
		return fmt.Errorf("%w: band_test_duration shorter than measurement_interval", pkg.ErrConfiguration)
	}
	if c.DegradationThreshold <= 0 || c.DegradationThreshold > 1 {
		return fmt.Errorf("%w: degradation_threshold must be in (0,1]", pkg.ErrConfiguration)
	}
	if c.RouterHost == "" {
		return fmt.Errorf("%w: router_host not set", pkg.ErrConfiguration)
	}
	for _, ts := range c.OptimizeTimes {
		if _, _, err := parseClock(ts); err != nil {
			return fmt.Errorf("%w: optimize_times %q: %v", pkg.ErrConfiguration, ts, err)
		}
	}
	for _, w := range c.PeakWindows {
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
			return fmt.Errorf("%w: peak window %q hours out of range", pkg.ErrConfiguration, w.Name)
		}
		if w.EndHour < w.StartHour {
			return fmt.Errorf("%w: peak window %q ends before it starts", pkg.ErrConfiguration, w.Name)
		}
	}
	return nil
}

// InPeakWindow reports whether the hour matches any configured window.
func (c *Config) InPeakWindow(hour int) (PeakWindow, bool) {
	for _, w := range c.PeakWindows {
		if w.Contains(hour) {
			return w, true
		}
	}
	return PeakWindow{}, false
}

func parseClock(value string) (hour, minute int, err error) {
	parts := strings.SplitN(value, ":", 2)
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("bad hour %q", value)
	}
	if len(parts) == 2 {
		minute, err = strconv.Atoi(parts[1])
		if err != nil || minute < 0 || minute > 59 {
			return 0, 0, fmt.Errorf("bad minute %q", value)
		}
	}
	return hour, minute, nil
}

func parseInt(value string, dst *int) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("not an integer: %q", value)
	}
	*dst = v
	return nil
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on", "enabled":
		return true
	}
	return false
}
