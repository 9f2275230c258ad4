// bandwatchd polls an LTE router's signal API, records the history, and
// switches the active frequency band when the scored performance says a
// better one is available.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/analyzer"
	"github.com/bandwatch/bandwatch/pkg/archive"
	"github.com/bandwatch/bandwatch/pkg/audit"
	"github.com/bandwatch/bandwatch/pkg/controller"
	"github.com/bandwatch/bandwatch/pkg/decision"
	"github.com/bandwatch/bandwatch/pkg/history"
	"github.com/bandwatch/bandwatch/pkg/logx"
	"github.com/bandwatch/bandwatch/pkg/metrics"
	"github.com/bandwatch/bandwatch/pkg/monitor"
	"github.com/bandwatch/bandwatch/pkg/mqtt"
	"github.com/bandwatch/bandwatch/pkg/pidfile"
	"github.com/bandwatch/bandwatch/pkg/router"
	"github.com/bandwatch/bandwatch/pkg/store"
	"github.com/bandwatch/bandwatch/pkg/uci"
	"github.com/bandwatch/bandwatch/pkg/visualize"
)

const (
	AppName    = "bandwatchd"
	AppVersion = "1.2.0"
)

var (
	configPath    = flag.String("config", "/etc/config/bandwatch", "path to configuration file")
	logLevel      = flag.String("log-level", "", "override configured log level")
	dryRun        = flag.Bool("dry-run", false, "log switches without touching the router")
	showVersion   = flag.Bool("version", false, "print version and exit")
	pidFilePath   = flag.String("pidfile", "/var/run/bandwatchd.pid", "path to pid file")
	heartbeatPath = flag.String("heartbeat", "/var/run/bandwatchd.health", "path to heartbeat file")
	testBands     = flag.String("test-bands", "", "comma separated bands to test once (or 'all'), then exit")
	testDuration  = flag.Duration("test-duration", 0, "per-band duration for -test-bands (default from config)")
	renderCharts  = flag.Bool("chart", false, "render charts from recorded history and exit")
	showStatus    = flag.Bool("status", false, "print router and decision state as JSON, then exit")
	setMask       = flag.String("set-mask", "", "comma separated bands to enable on the device, then exit")
)

// HeartbeatData is the liveness file written every interval, consumed by
// watchdog scripts.
type HeartbeatData struct {
	Timestamp       time.Time `json:"timestamp"`
	PID             int       `json:"pid"`
	Version         string    `json:"version"`
	Uptime          string    `json:"uptime"`
	Samples         int       `json:"samples"`
	Rotations       int       `json:"rotations"`
	Switches        int       `json:"switches"`
	SwitchFailures  int       `json:"switch_failures"`
	CurrentBestBand string    `json:"current_best_band,omitempty"`
	AutoSwitch      bool      `json:"auto_switch"`
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", AppName, AppVersion)
		return
	}

	logger := logx.NewLogger("info", AppName)

	cfg, err := uci.LoadConfig(*configPath, logger)
	if err != nil {
		logger.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *dryRun {
		cfg.DryRun = true
	}
	logger.SetLevel(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *uci.Config, logger *logx.Logger) error {
	startTime := time.Now()

	client := router.NewHuaweiClient(router.Config{
		Host:         cfg.RouterHost,
		Username:     cfg.RouterUser,
		Password:     cfg.RouterPassword,
		QueryTimeout: time.Duration(cfg.QueryTimeoutS) * time.Second,
		SwitchSettle: time.Duration(cfg.SwitchSettleS) * time.Second,
		MaskSettle:   time.Duration(cfg.MaskSettleS) * time.Second,
	}, logger.WithComponent("router"))
	defer client.Close()

	st, err := store.New(store.Config{
		CSVPath:    cfg.MetricsCSVPath,
		JSONPath:   cfg.MetricsJSONPath,
		MaxLogSize: cfg.MaxLogSizeBytes,
	}, logger.WithComponent("store"))
	if err != nil {
		return fmt.Errorf("open metric store: %w", err)
	}

	// Chart rendering needs no device or daemon state.
	if *renderCharts {
		return renderHistoryCharts(cfg, st, logger)
	}

	hist, err := history.Open(cfg.HistoryDBPath, logger.WithComponent("history"))
	if err != nil {
		return fmt.Errorf("open history db: %w", err)
	}
	defer hist.Close()

	var arch *archive.Store
	if cfg.ArchiveEnabled {
		arch, err = archive.Open(cfg.ArchiveDBPath, cfg.ArchiveRetentionDays, logger.WithComponent("archive"))
		if err != nil {
			logger.Warn("archive disabled, db unavailable", "error", err)
			arch = nil
		} else {
			defer arch.Close()
		}
	}

	trail := audit.NewTrail(cfg.AuditLogDir, 1000, logger.WithComponent("audit"))
	ctl := controller.NewController(client, logger.WithComponent("controller"), cfg.DryRun)

	engineCfg := decision.DefaultConfig()
	engineCfg.DegradationThreshold = cfg.DegradationThreshold
	engineCfg.AutoSwitchEnabled = cfg.AutoSwitchEnabled
	engineCfg.SampleInterval = time.Duration(cfg.MeasurementIntervalS) * time.Second
	engineCfg.PeakWindows = cfg.PeakWindows
	engine := decision.NewEngine(engineCfg, st, ctl, client, hist, trail, logger.WithComponent("decision"))

	if *testBands != "" {
		return runBandTest(cfg, engine, client, logger)
	}
	if *showStatus {
		return printStatus(cfg, client, hist, arch)
	}
	if *setMask != "" {
		return applyMask(ctl, *setMask, logger)
	}

	pf := pidfile.New(*pidFilePath)
	if err := pf.Create(); err != nil {
		return fmt.Errorf("pid file: %w", err)
	}
	defer func() {
		if err := pf.Remove(); err != nil {
			logger.Warn("pid file not removed", "error", err)
		}
	}()

	m := metrics.New()
	m.SetAutoSwitch(cfg.AutoSwitchEnabled)

	var mq *mqtt.Client
	if cfg.MQTTEnabled {
		mqttCfg := mqtt.DefaultConfig()
		mqttCfg.Enabled = true
		mqttCfg.Broker = cfg.MQTTBroker
		mqttCfg.TopicPrefix = cfg.MQTTTopicPrefix
		mqttCfg.Username = cfg.MQTTUsername
		mqttCfg.Password = cfg.MQTTPassword
		mq = mqtt.NewClient(mqttCfg, logger.WithComponent("mqtt"))
		if err := mq.Connect(); err != nil {
			logger.Warn("mqtt unavailable, telemetry publishing disabled", "error", err)
			mq = nil
		} else {
			defer mq.Disconnect()
		}
	}

	ctl.SetSwitchCallback(func(from, to, reason string, err error) {
		m.ObserveSwitch(reason, err == nil)
		if mq != nil {
			mq.PublishSwitch(&pkg.SwitchDecision{
				Timestamp: time.Now(),
				Trigger:   reason,
				FromBand:  from,
				ToBand:    to,
				Success:   err == nil,
			})
		}
	})

	loop := monitor.New(monitor.Config{
		Interval:      time.Duration(cfg.MeasurementIntervalS) * time.Second,
		OptimizeTimes: cfg.OptimizeTimes,
	}, client, st, engine, arch, logger.WithComponent("monitor"))

	loop.AddSampleHook(m.ObserveSample)
	loop.AddSampleHook(func(sample *pkg.SignalSample) {
		if slope, ok := engine.PredictedSlope(); ok {
			m.SetPredictedSlope(slope)
		}
		if mq != nil {
			mq.PublishSample(sample)
		}
	})
	loop.AddFailureHook(m.IncPollFailure)

	var metricsSrv *metrics.Server
	if cfg.MetricsEnabled {
		metricsSrv = metrics.NewServer(m, cfg.MetricsPort, logger.WithComponent("metrics"))
		metricsSrv.Start()
	}

	if err := client.Authenticate(context.Background()); err != nil {
		// Not fatal: the device may be rebooting; the loop retries every
		// tick anyway.
		logger.Warn("initial authentication failed", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)

	logger.Info("daemon started",
		"version", AppVersion,
		"router", cfg.RouterHost,
		"interval_s", cfg.MeasurementIntervalS,
		"auto_switch", cfg.AutoSwitchEnabled,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	heartbeatTicker := time.NewTicker(time.Duration(cfg.MeasurementIntervalS) * time.Second)
	defer heartbeatTicker.Stop()

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				reloaded, err := uci.LoadConfig(*configPath, logger)
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				logger.SetLevel(reloaded.LogLevel)
				engine.SetAutoSwitch(reloaded.AutoSwitchEnabled)
				m.SetAutoSwitch(reloaded.AutoSwitchEnabled)
				logger.Info("configuration reloaded", "log_level", reloaded.LogLevel)
			default:
				logger.Info("shutting down", "signal", sig.String())
				cancel()
				if err := loop.Stop(); err != nil {
					logger.Warn("monitor loop stop timed out", "error", err)
				}
				if metricsSrv != nil {
					shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
					_ = metricsSrv.Stop(shutdownCtx)
					shutdownCancel()
				}
				if mq != nil {
					mq.PublishHealth(map[string]string{"status": "stopped"})
				}
				logger.Info("shutdown complete", "uptime", time.Since(startTime).String())
				return nil
			}

		case <-heartbeatTicker.C:
			writeHeartbeat(heartbeatSnapshot(startTime, st, ctl, engine), logger)
			if mq != nil {
				mq.PublishHealth(heartbeatSnapshot(startTime, st, ctl, engine))
			}
		}
	}
}

func heartbeatSnapshot(start time.Time, st *store.Store, ctl *controller.Controller, engine *decision.Engine) *HeartbeatData {
	switches, failures, _ := ctl.Stats()
	return &HeartbeatData{
		Timestamp:       time.Now(),
		PID:             os.Getpid(),
		Version:         AppVersion,
		Uptime:          time.Since(start).Round(time.Second).String(),
		Samples:         st.Count(),
		Rotations:       st.Rotations(),
		Switches:        switches,
		SwitchFailures:  failures,
		CurrentBestBand: engine.CurrentBestBand(),
		AutoSwitch:      engine.AutoSwitchEnabled(),
	}
}

// writeHeartbeat writes the liveness file atomically so watchdogs never
// read a torn heartbeat.
func writeHeartbeat(hb *HeartbeatData, logger *logx.Logger) {
	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		logger.Error("heartbeat marshal failed", "error", err)
		return
	}

	tmp := *heartbeatPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logger.Warn("heartbeat write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, *heartbeatPath); err != nil {
		logger.Warn("heartbeat rename failed", "error", err)
	}
}

// runBandTest performs a one-shot test of the requested bands and prints
// the results as JSON.
func runBandTest(cfg *uci.Config, engine *decision.Engine, client pkg.RouterClient, logger *logx.Logger) error {
	var bands []string
	if strings.EqualFold(*testBands, "all") {
		available, err := client.GetAvailableBands(context.Background())
		if err != nil {
			return fmt.Errorf("list available bands: %w", err)
		}
		bands = available
	} else {
		for _, b := range strings.Split(*testBands, ",") {
			bands = append(bands, strings.TrimSpace(b))
		}
	}

	perBand := *testDuration
	if perBand <= 0 {
		perBand = time.Duration(cfg.BandTestDurationS) * time.Second
	}

	logger.Info("starting band test", "bands", strings.Join(bands, ","), "per_band", perBand.String())

	results, err := engine.TestAllBands(context.Background(), bands, perBand)
	if err != nil {
		return err
	}

	if cfg.MQTTEnabled {
		mqttCfg := mqtt.DefaultConfig()
		mqttCfg.Enabled = true
		mqttCfg.Broker = cfg.MQTTBroker
		mqttCfg.TopicPrefix = cfg.MQTTTopicPrefix
		mqttCfg.Username = cfg.MQTTUsername
		mqttCfg.Password = cfg.MQTTPassword
		mq := mqtt.NewClient(mqttCfg, logger.WithComponent("mqtt"))
		if err := mq.Connect(); err == nil {
			for _, result := range results {
				mq.PublishBandTest(result)
			}
			mq.Disconnect()
		} else {
			logger.Warn("mqtt unavailable, band test results not published", "error", err)
		}
	}

	out, err := json.MarshalIndent(map[string]interface{}{
		"best_band": engine.CurrentBestBand(),
		"results":   results,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// printStatus dumps the device and decision state as one JSON document.
func printStatus(cfg *uci.Config, client *router.HuaweiClient, hist *history.Store, arch *archive.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := make(map[string]interface{})

	status, err := client.GetConnectionStatus(ctx)
	if err != nil {
		out["connection_error"] = err.Error()
	} else {
		out["connection"] = status
	}

	if bandCfg, err := client.GetCurrentBandConfig(ctx); err == nil {
		out["band_config"] = bandCfg
	}

	window, inPeak := cfg.InPeakWindow(time.Now().Hour())
	out["in_peak_window"] = inPeak
	if inPeak {
		out["peak_window"] = window.Name
	}

	if tests, err := hist.LastBandTests(); err == nil && len(tests) > 0 {
		out["last_band_tests"] = tests
	}
	if decisions, err := hist.RecentDecisions(time.Now().AddDate(0, 0, -7)); err == nil && len(decisions) > 0 {
		out["recent_decisions"] = decisions
	}
	if last, err := hist.LastDecision(); err == nil && last != nil {
		out["last_decision"] = last
	}

	if arch != nil {
		if stats, err := arch.BandDailyStats(7); err == nil && len(stats) > 0 {
			out["daily_band_stats"] = stats
		}
	}

	out["router_call_stats"] = client.CallStats()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// applyMask enables the requested band set on the device, e.g. "B1,B3,B7".
func applyMask(ctl *controller.Controller, spec string, logger *logx.Logger) error {
	mask := make(map[string]bool)
	for _, b := range strings.Split(spec, ",") {
		mask[strings.ToUpper(strings.TrimSpace(b))] = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := ctl.ApplyBandMask(ctx, mask); err != nil {
		return fmt.Errorf("apply band mask: %w", err)
	}
	logger.Info("band mask applied", "bands", spec)
	return nil
}

// renderHistoryCharts draws the timeline and band comparison into the
// configured chart directory. The archive is preferred when available
// because the CSV log rotates away after a megabyte; the current log
// generation is the fallback.
func renderHistoryCharts(cfg *uci.Config, st *store.Store, logger *logx.Logger) error {
	renderer := visualize.NewRenderer(cfg.ChartOutputDir, logger.WithComponent("visualize"))

	var all []*pkg.SignalSample
	if cfg.ArchiveEnabled {
		if arch, err := archive.Open(cfg.ArchiveDBPath, cfg.ArchiveRetentionDays, logger.WithComponent("archive")); err == nil {
			all, _ = arch.SamplesSince(time.Now().AddDate(0, 0, -7))
			arch.Close()
		}
	}

	comparison := st.PerBandAggregate(0)
	if len(all) == 0 {
		for _, samples := range st.BandSamples(0) {
			all = append(all, samples...)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	} else {
		comparison = bandStatsFromSamples(all)
	}
	if len(all) == 0 {
		return fmt.Errorf("no recorded history to chart")
	}

	stamp := time.Now().Format("20060102_150405")

	timeline, err := renderer.SignalTimeline(all, fmt.Sprintf("timeline_%s.png", stamp))
	if err != nil {
		return err
	}
	bands, err := renderer.BandComparison(comparison, fmt.Sprintf("bands_%s.png", stamp))
	if err != nil {
		return err
	}
	export, err := renderer.ExportCSV(all, fmt.Sprintf("export_%s.csv", stamp))
	if err != nil {
		return err
	}

	fmt.Println(timeline)
	fmt.Println(bands)
	fmt.Println(export)
	return nil
}

// bandStatsFromSamples builds the comparison view the renderer wants from a
// flat sample list.
func bandStatsFromSamples(all []*pkg.SignalSample) map[string]*pkg.BandStats {
	grouped := make(map[string][]*pkg.SignalSample)
	for _, s := range all {
		grouped[s.Band] = append(grouped[s.Band], s)
	}

	out := make(map[string]*pkg.BandStats, len(grouped))
	for band, samples := range grouped {
		perf := analyzer.Analyze(band, samples)
		out[band] = &pkg.BandStats{
			Band:           band,
			Count:          perf.SampleCount,
			BandwidthScore: pkg.FieldStats{Mean: perf.AvgBandwidthScore},
		}
	}
	return out
}
