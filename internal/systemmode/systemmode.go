// Package systemmode implements the global NORMAL/SYNCING gate from spec
// §4.6: while any instance is mid-handshake, inbound driver-originated writes
// are buffered rather than applied immediately, smoothing the thundering herd
// a mass-restore produces.
package systemmode

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Mode is the supervisor-wide operating mode.
type Mode string

const (
	ModeNormal  Mode = "NORMAL"
	ModeSyncing Mode = "SYNCING"
)

// InstanceLister is the subset of InstanceManager the controller needs to
// recompute its mode without importing the registry package back (spec §4.6
// "recomputed from instance states, not tracked incrementally").
type InstanceLister interface {
	SyncingCount() int
}

// Controller tracks and recomputes the global mode (spec §4 component #9).
type Controller struct {
	logger *slog.Logger
	lister InstanceLister

	mu   sync.Mutex
	mode Mode

	syncing atomic.Int64

	forcedUntil time.Time

	onChange []func(Mode)
}

// New builds a Controller. SetLister must be called once the InstanceManager
// exists, breaking the construction cycle between the two components.
func New(logger *slog.Logger) *Controller {
	return &Controller{logger: logger, mode: ModeNormal}
}

// SetLister wires the instance source queried by Recompute.
func (c *Controller) SetLister(l InstanceLister) {
	c.mu.Lock()
	c.lister = l
	c.mu.Unlock()
}

// OnChange registers a callback invoked whenever the mode flips.
func (c *Controller) OnChange(fn func(Mode)) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Recompute re-derives the mode from the live instance set. The grace
// window around NEEDS_QR and the cap on stuck CONNECTING are applied by the
// InstanceManager's SyncingCount implementation (spec §4.6); this controller
// only turns that count into a mode, honoring any operator-forced cooldown.
func (c *Controller) Recompute() {
	c.mu.Lock()
	lister := c.lister
	forced := time.Now().Before(c.forcedUntil)
	c.mu.Unlock()
	if lister == nil {
		return
	}

	n := lister.SyncingCount()
	c.syncing.Store(int64(n))

	next := ModeNormal
	if n > 0 && !forced {
		next = ModeSyncing
	}

	c.mu.Lock()
	prev := c.mode
	c.mode = next
	callbacks := append([]func(Mode){}, c.onChange...)
	c.mu.Unlock()

	if prev != next {
		c.logger.Info("systemmode: transitioned", "from", prev, "to", next, "syncingInstances", n)
		for _, fn := range callbacks {
			fn(next)
		}
	}
}

// ForceNormal pins the mode to NORMAL for the given cooldown, suppressing
// re-entry into SYNCING even if instances are mid-handshake (spec §4.6
// "operators may force NORMAL with a cooldown").
func (c *Controller) ForceNormal(cooldown time.Duration) {
	c.mu.Lock()
	c.forcedUntil = time.Now().Add(cooldown)
	c.mu.Unlock()
	c.Recompute()
}
