package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/logx"
)

type fakeRouter struct {
	band        string
	setBandErr  error
	setBands    []string
	maskApplied map[string]bool
}

func (f *fakeRouter) Authenticate(context.Context) error { return nil }
func (f *fakeRouter) GetSignalSample(context.Context) (*pkg.SignalSample, error) {
	return &pkg.SignalSample{Timestamp: time.Now(), Band: f.band, RSRP: -90, SINR: 10}, nil
}
func (f *fakeRouter) GetAvailableBands(context.Context) ([]string, error) {
	return pkg.KnownBandIDs(), nil
}
func (f *fakeRouter) SetBand(_ context.Context, bandID string) error {
	if f.setBandErr != nil {
		return f.setBandErr
	}
	f.setBands = append(f.setBands, bandID)
	f.band = bandID
	return nil
}
func (f *fakeRouter) SetBandMask(_ context.Context, mask map[string]bool) error {
	f.maskApplied = mask
	return nil
}
func (f *fakeRouter) GetCurrentBandConfig(context.Context) (map[string]bool, error) {
	return map[string]bool{f.band: true}, nil
}
func (f *fakeRouter) GetConnectionStatus(context.Context) (*pkg.ConnectionStatus, error) {
	return &pkg.ConnectionStatus{Connected: true, CurrentBand: f.band}, nil
}
func (f *fakeRouter) Close() error { return nil }

func TestSwitchUpdatesStatsAndCallback(t *testing.T) {
	rt := &fakeRouter{band: "B7"}
	ctl := NewController(rt, logx.NewLogger("error", "test"), false)

	var cbFrom, cbTo string
	var cbErr error
	ctl.SetSwitchCallback(func(from, to, reason string, err error) {
		cbFrom, cbTo, cbErr = from, to, err
	})

	if err := ctl.Switch(context.Background(), "B7", "B3", "degradation"); err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	if len(rt.setBands) != 1 || rt.setBands[0] != "B3" {
		t.Fatalf("SetBand calls = %v, want [B3]", rt.setBands)
	}
	if cbFrom != "B7" || cbTo != "B3" || cbErr != nil {
		t.Errorf("callback saw %s -> %s err=%v", cbFrom, cbTo, cbErr)
	}

	switches, failures, last := ctl.Stats()
	if switches != 1 || failures != 0 {
		t.Errorf("stats = %d/%d, want 1/0", switches, failures)
	}
	if last.IsZero() {
		t.Error("last switch time not recorded")
	}
}

func TestSwitchRejectsUnknownBand(t *testing.T) {
	rt := &fakeRouter{band: "B7"}
	ctl := NewController(rt, logx.NewLogger("error", "test"), false)

	err := ctl.Switch(context.Background(), "B7", "B99", "degradation")
	if !errors.Is(err, pkg.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	if len(rt.setBands) != 0 {
		t.Error("unknown band reached the device")
	}
}

func TestSwitchFailureCounts(t *testing.T) {
	rt := &fakeRouter{band: "B7", setBandErr: errors.New("device busy")}
	ctl := NewController(rt, logx.NewLogger("error", "test"), false)

	if err := ctl.Switch(context.Background(), "B7", "B3", "degradation"); err == nil {
		t.Fatal("expected switch error")
	}
	switches, failures, _ := ctl.Stats()
	if switches != 1 || failures != 1 {
		t.Errorf("stats = %d/%d, want 1/1", switches, failures)
	}
}

func TestDryRunNeverTouchesDevice(t *testing.T) {
	rt := &fakeRouter{band: "B7"}
	ctl := NewController(rt, logx.NewLogger("error", "test"), true)

	if err := ctl.Switch(context.Background(), "B7", "B3", "degradation"); err != nil {
		t.Fatalf("dry-run switch failed: %v", err)
	}
	if len(rt.setBands) != 0 {
		t.Error("dry-run issued a device call")
	}

	if err := ctl.ApplyBandMask(context.Background(), map[string]bool{"B1": true}); err != nil {
		t.Fatalf("dry-run mask failed: %v", err)
	}
	if rt.maskApplied != nil {
		t.Error("dry-run applied a mask to the device")
	}
}

func TestApplyBandMaskValidates(t *testing.T) {
	rt := &fakeRouter{band: "B7"}
	ctl := NewController(rt, logx.NewLogger("error", "test"), false)

	if err := ctl.ApplyBandMask(context.Background(), map[string]bool{"B1": false}); !errors.Is(err, pkg.ErrConfiguration) {
		t.Fatalf("all-disabled mask accepted: %v", err)
	}

	mask := map[string]bool{"B1": true, "B3": true}
	if err := ctl.ApplyBandMask(context.Background(), mask); err != nil {
		t.Fatalf("valid mask rejected: %v", err)
	}
	if rt.maskApplied == nil || !rt.maskApplied["B1"] {
		t.Error("mask did not reach the device")
	}
}
