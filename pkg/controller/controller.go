// Package controller serializes every router-mutating operation. The
// decision engine and any manual tooling go through one Controller, so two
// competing switches can never race each other.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bandwatch/bandwatch/pkg"
	"github.com/bandwatch/bandwatch/pkg/logx"
)

// SwitchCallback is invoked after every switch attempt, success or not.
type SwitchCallback func(from, to, reason string, err error)

// Controller owns the write side of the router boundary.
type Controller struct {
	mu     sync.Mutex
	router pkg.RouterClient
	logger *logx.Logger

	dryRun   bool
	callback SwitchCallback

	lastSwitch   time.Time
	switchCount  int
	failureCount int
}

// NewController creates a controller. In dry-run mode switches are logged
// and counted but never sent to the device.
func NewController(router pkg.RouterClient, logger *logx.Logger, dryRun bool) *Controller {
	return &Controller{
		router: router,
		logger: logger,
		dryRun: dryRun,
	}
}

// SetSwitchCallback registers a hook observing every switch attempt.
func (c *Controller) SetSwitchCallback(cb SwitchCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
}

// CurrentBand reports the band the router is actually camped on.
func (c *Controller) CurrentBand(ctx context.Context) (string, error) {
	sample, err := c.router.GetSignalSample(ctx)
	if err != nil {
		return "", err
	}
	return sample.Band, nil
}

// Switch locks the router to the target band. The from argument is
// informational; callers pass the band they believe is active so the
// audit trail reads correctly.
func (c *Controller) Switch(ctx context.Context, from, to, reason string) error {
	if _, ok := pkg.LTEBands[to]; !ok {
		return fmt.Errorf("%w: unknown band %q", pkg.ErrConfiguration, to)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("band switch requested",
		"from", from,
		"to", to,
		"reason", reason,
		"dry_run", c.dryRun,
	)

	var err error
	if !c.dryRun {
		err = c.router.SetBand(ctx, to)
	}

	c.switchCount++
	if err != nil {
		c.failureCount++
		c.logger.Error("band switch failed", "from", from, "to", to, "error", err)
	} else {
		c.lastSwitch = time.Now()
		c.logger.Info("band switch complete", "from", from, "to", to)
	}

	if c.callback != nil {
		c.callback(from, to, reason, err)
	}
	return err
}

// ApplyBandMask enables a set of bands instead of locking to one. Used by
// operator tooling; validated before any device traffic.
func (c *Controller) ApplyBandMask(ctx context.Context, mask map[string]bool) error {
	if err := pkg.ValidateBandMask(mask); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dryRun {
		c.logger.Info("dry-run: band mask not applied", "mask", pkg.BandMaskHex(mask))
		return nil
	}
	return c.router.SetBandMask(ctx, mask)
}

// Stats returns switch counters for metrics and the heartbeat file.
func (c *Controller) Stats() (switches, failures int, lastSwitch time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.switchCount, c.failureCount, c.lastSwitch
}
