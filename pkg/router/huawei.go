// Package router implements the device boundary for Huawei LTE routers
// (B525/B818 class web API). It is the only package that speaks to the
// device; everything above consumes the pkg.RouterClient interface.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/logx"
)

// Config holds the device endpoint and timing knobs.
type Config struct {
	Host         string
	Username     string
	Password     string
	QueryTimeout time.Duration // per-request bound, default 10s
	SwitchSettle time.Duration // wait after a single-band switch
	MaskSettle   time.Duration // wait after a band mask change
}

// DefaultConfig returns the device defaults for a factory-configured router.
func DefaultConfig() Config {
	return Config{
		Host:         "192.168.8.1",
		Username:     "admin",
		Password:     "admin",
		QueryTimeout: 10 * time.Second,
		SwitchSettle: 10 * time.Second,
		MaskSettle:   15 * time.Second,
	}
}

// HuaweiClient talks to the router's web API. All requests are serialized
// on one mutex; the device rejects concurrent sessions anyway.
type HuaweiClient struct {
	mu     sync.Mutex
	cfg    Config
	http   *http.Client
	logger *logx.Logger
	timing *logx.OpTracker

	baseURL   string
	sessionID string
	token     string
}

// NewHuaweiClient creates a client. No network traffic happens until
// Authenticate or the first query.
func NewHuaweiClient(cfg Config, logger *logx.Logger) *HuaweiClient {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.SwitchSettle <= 0 {
		cfg.SwitchSettle = 10 * time.Second
	}
	if cfg.MaskSettle <= 0 {
		cfg.MaskSettle = 15 * time.Second
	}

	return &HuaweiClient{
		cfg:     cfg,
		logger:  logger,
		timing:  logx.NewOpTracker(logger),
		baseURL: "http://" + cfg.Host,
		http:    &http.Client{Timeout: cfg.QueryTimeout},
	}
}

type sesTokInfo struct {
	SesInfo string `xml:"SesInfo"`
	TokInfo string `xml:"TokInfo"`
}

type signalResponse struct {
	RSRP   string `xml:"rsrp"`
	RSRQ   string `xml:"rsrq"`
	SINR   string `xml:"sinr"`
	RSSI   string `xml:"rssi"`
	Band   string `xml:"band"`
	CellID string `xml:"cell_id"`
	PLMN   string `xml:"plmn"`
}

type statusResponse struct {
	ConnectionStatus  string `xml:"ConnectionStatus"`
	CurrentNetworkTyp string `xml:"CurrentNetworkType"`
	SignalIcon        string `xml:"SignalIcon"`
	WanIPAddress      string `xml:"WanIPAddress"`
	CurrentPLMNName   string `xml:"FullName"`
}

type netModeResponse struct {
	NetworkMode string `xml:"NetworkMode"`
	NetworkBand string `xml:"NetworkBand"`
	LTEBand     string `xml:"LTEBand"`
}

type apiError struct {
	Code    string `xml:"code"`
	Message string `xml:"message"`
}

// deviceError is an application-level <error> response from the device,
// distinct from transport or decode failures.
type deviceError struct {
	Code string
	Path string
}

func (e *deviceError) Error() string {
	return fmt.Sprintf("device error code %s on %s", e.Code, e.Path)
}

// Authenticate opens a session and logs in. Must be called before any
// mutating request; read-side queries refresh the session lazily.
func (c *HuaweiClient) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *HuaweiClient) loginLocked(ctx context.Context) error {
	var ses sesTokInfo
	if err := c.get(ctx, "/api/webserver/SesTokInfo", &ses); err != nil {
		return fmt.Errorf("%w: fetch session token: %v", pkg.ErrTransport, err)
	}
	c.sessionID = ses.SesInfo
	c.token = ses.TokInfo

	// Password scheme: base64(sha256hex(user + base64(sha256hex(pass)) + token)).
	passHash := base64.StdEncoding.EncodeToString([]byte(sha256Hex(c.cfg.Password)))
	loginHash := base64.StdEncoding.EncodeToString([]byte(sha256Hex(c.cfg.Username + passHash + c.token)))

	body := fmt.Sprintf(
		"<?xml version=\"1.0\" encoding=\"UTF-8\"?><request><Username>%s</Username><Password>%s</Password><password_type>4</password_type></request>",
		c.cfg.Username, loginHash,
	)
	if err := c.post(ctx, "/api/user/login", body, nil); err != nil {
		return fmt.Errorf("%w: login: %v", pkg.ErrTransport, err)
	}

	c.logger.Debug("router session established", "host", c.cfg.Host)
	return nil
}

// GetSignalSample reads the current radio state. The derived score fields
// are left zero; the caller runs scoring before persistence.
func (c *HuaweiClient) GetSignalSample(ctx context.Context) (*pkg.SignalSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var resp signalResponse
	if err := c.getWithSession(ctx, "/api/device/signal", &resp); err != nil {
		return nil, fmt.Errorf("%w: signal query: %v", pkg.ErrTransport, err)
	}

	sample := &pkg.SignalSample{
		Timestamp: time.Now(),
		Band:      normalizeBand(resp.Band),
		RSRP:      parseSignalValue(resp.RSRP),
		RSRQ:      parseSignalValue(resp.RSRQ),
		SINR:      parseSignalValue(resp.SINR),
		RSSI:      parseSignalValue(resp.RSSI),
		CellID:    strings.TrimSpace(resp.CellID),
		PLMN:      strings.TrimSpace(resp.PLMN),
	}

	if sample.Band == "" {
		return nil, fmt.Errorf("%w: device reported no active band", pkg.ErrTransport)
	}
	return sample, nil
}

// GetAvailableBands intersects the catalog with the device's current band
// mask capability set.
func (c *HuaweiClient) GetAvailableBands(ctx context.Context) ([]string, error) {
	cfg, err := c.GetCurrentBandConfig(ctx)
	if err != nil {
		return nil, err
	}

	bands := make([]string, 0, len(cfg))
	for _, id := range pkg.KnownBandIDs() {
		if _, ok := cfg[id]; ok {
			bands = append(bands, id)
		}
	}
	return bands, nil
}

// GetCurrentBandConfig returns the per-band enabled mapping decoded from
// the device's LTE band mask. Catalog bands only.
func (c *HuaweiClient) GetCurrentBandConfig(ctx context.Context) (map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var resp netModeResponse
	if err := c.getWithSession(ctx, "/api/net/net-mode", &resp); err != nil {
		return nil, fmt.Errorf("%w: net-mode query: %v", pkg.ErrTransport, err)
	}

	bits, err := strconv.ParseUint(strings.TrimSpace(resp.LTEBand), 16, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad LTE band mask %q", pkg.ErrTransport, resp.LTEBand)
	}

	cfg := make(map[string]bool, len(pkg.LTEBands))
	for id, info := range pkg.LTEBands {
		cfg[id] = bits&(1<<info.MaskBit) != 0
	}
	return cfg, nil
}

// SetBand locks the router to a single band and waits the settle delay.
func (c *HuaweiClient) SetBand(ctx context.Context, bandID string) error {
	if _, ok := pkg.LTEBands[bandID]; !ok {
		return fmt.Errorf("%w: unknown band %q", pkg.ErrConfiguration, bandID)
	}
	return c.applyMask(ctx, map[string]bool{bandID: true}, c.cfg.SwitchSettle)
}

// SetBandMask enables the given band set. Validated against the catalog
// before any device traffic.
func (c *HuaweiClient) SetBandMask(ctx context.Context, mask map[string]bool) error {
	if err := pkg.ValidateBandMask(mask); err != nil {
		return err
	}
	return c.applyMask(ctx, mask, c.cfg.MaskSettle)
}

func (c *HuaweiClient) applyMask(ctx context.Context, mask map[string]bool, settle time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hexMask := pkg.BandMaskHex(mask)
	body := fmt.Sprintf(
		"<?xml version=\"1.0\" encoding=\"UTF-8\"?><request><NetworkMode>03</NetworkMode><NetworkBand>3FFFFFFF</NetworkBand><LTEBand>%s</LTEBand></request>",
		hexMask,
	)

	if err := c.postWithSession(ctx, "/api/net/net-mode", body); err != nil {
		return fmt.Errorf("%w: set band mask %s: %v", pkg.ErrTransport, hexMask, err)
	}

	c.logger.Info("band mask applied", "mask", hexMask, "settle", settle.String())

	// The modem re-registers after a mask change; the new band is not
	// trusted until the settle delay has passed.
	select {
	case <-time.After(settle):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// GetConnectionStatus reports the WAN state, including the active band.
func (c *HuaweiClient) GetConnectionStatus(ctx context.Context) (*pkg.ConnectionStatus, error) {
	c.mu.Lock()
	var status statusResponse
	err := c.getWithSession(ctx, "/api/monitoring/status", &status)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: status query: %v", pkg.ErrTransport, err)
	}

	out := &pkg.ConnectionStatus{
		Connected:    strings.TrimSpace(status.ConnectionStatus) == "901",
		NetworkType:  networkTypeName(status.CurrentNetworkTyp),
		Operator:     strings.TrimSpace(status.CurrentPLMNName),
		WANIPAddress: strings.TrimSpace(status.WanIPAddress),
	}
	if icon, err := strconv.Atoi(strings.TrimSpace(status.SignalIcon)); err == nil {
		out.SignalIcon = icon
	}

	// Enrich with the live signal read; band and cell come from there.
	if sample, err := c.GetSignalSample(ctx); err == nil {
		out.CurrentBand = sample.Band
		out.CurrentCell = sample.CellID
	}

	return out, nil
}

// CallStats exposes per-endpoint timing aggregates for diagnostics.
func (c *HuaweiClient) CallStats() map[string]logx.OpStats {
	return c.timing.Snapshot()
}

// Close logs out of the device session. Safe to call on a client that
// never authenticated.
func (c *HuaweiClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.QueryTimeout)
	defer cancel()

	_ = c.postWithSession(ctx, "/api/user/logout", "<?xml version=\"1.0\" encoding=\"UTF-8\"?><request><Logout>1</Logout></request>")
	c.sessionID = ""
	c.token = ""
	return nil
}

// getWithSession retries once through a fresh login when the session is
// missing or the device rejects it.
func (c *HuaweiClient) getWithSession(ctx context.Context, path string, out interface{}) error {
	if c.sessionID == "" {
		if err := c.loginLocked(ctx); err != nil {
			return err
		}
	}
	err := c.get(ctx, path, out)
	var dev *deviceError
	if errors.As(err, &dev) {
		if err := c.loginLocked(ctx); err != nil {
			return err
		}
		return c.get(ctx, path, out)
	}
	return err
}

func (c *HuaweiClient) postWithSession(ctx context.Context, path, body string) error {
	if c.sessionID == "" {
		if err := c.loginLocked(ctx); err != nil {
			return err
		}
	}
	return c.post(ctx, path, body, nil)
}

func (c *HuaweiClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.decorate(req)
	return c.timing.Track("GET "+path, func() error {
		return c.do(req, out)
	})
}

func (c *HuaweiClient) post(ctx context.Context, path, body string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/xml")
	c.decorate(req)
	return c.timing.Track("POST "+path, func() error {
		return c.do(req, out)
	})
}

func (c *HuaweiClient) decorate(req *http.Request) {
	if c.sessionID != "" {
		req.Header.Set("Cookie", c.sessionID)
	}
	if c.token != "" {
		req.Header.Set("__RequestVerificationToken", c.token)
	}
}

func (c *HuaweiClient) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d from %s", resp.StatusCode, req.URL.Path)
	}

	// The device rotates the verification token on every response.
	if tok := resp.Header.Get("__RequestVerificationToken"); tok != "" {
		c.token = tok
	}
	if cookie := resp.Header.Get("Set-Cookie"); cookie != "" {
		c.sessionID = strings.SplitN(cookie, ";", 2)[0]
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	var apiErr apiError
	if xml.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" && strings.Contains(string(data), "<error>") {
		return &deviceError{Code: apiErr.Code, Path: req.URL.Path}
	}

	if out == nil {
		return nil
	}
	if err := xml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

// parseSignalValue strips unit suffixes the device attaches, e.g. "-85dBm",
// "13dB", ">=30dB". Unparseable values map to 0.
func parseSignalValue(raw string) float64 {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, ">=")
	s = strings.TrimPrefix(s, "<=")
	for _, suffix := range []string{"dBm", "dB"} {
		s = strings.TrimSuffix(s, suffix)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// normalizeBand maps the device's band field ("3", "B3", "LTE BAND 3") to
// the catalog identifier form.
func normalizeBand(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	s = strings.TrimPrefix(s, "LTE BAND")
	s = strings.TrimSpace(strings.TrimPrefix(s, "B"))
	if _, err := strconv.Atoi(s); err != nil {
		return ""
	}
	return "B" + s
}

func networkTypeName(code string) string {
	switch strings.TrimSpace(code) {
	case "19":
		return "LTE"
	case "9":
		return "HSPA+"
	case "4":
		return "3G"
	case "3":
		return "EDGE"
	case "1":
		return "GSM"
	default:
		return "unknown"
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
