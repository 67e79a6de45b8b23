// Package restore implements the startup RestoreScheduler from spec §4.9:
// sequential, memory-gated restoration of persisted instances so a process
// restart with hundreds of tenants doesn't thunder-herd the driver layer.
package restore

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/whatsapp-hub/supervisor/internal/domain/model"
)

// Item is one descriptor awaiting restoration.
type Item struct {
	Descriptor    model.Descriptor
	Attempts      int
	NextAttemptAt time.Time
}

// CreateFunc restores a single instance; its error triggers the backoff
// re-enqueue path.
type CreateFunc func(desc model.Descriptor) error

// MarkFailedFunc is invoked once an item exhausts its attempt budget.
type MarkFailedFunc func(desc model.Descriptor, reason string)

// Config bundles the scheduler's tunables (spec §4.9, SPEC_FULL.md).
type Config struct {
	TickInterval      time.Duration
	Cooldown          time.Duration
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	MinFreeMemPercent float64
}

// DefaultConfig returns the spec's stated defaults. The free-memory gate is
// a percentage of total memory (MinFreeMemPercent), not an absolute
// megabyte threshold.
func DefaultConfig() Config {
	return Config{
		TickInterval:      10 * time.Second,
		Cooldown:          30 * time.Second,
		MaxAttempts:       5,
		BaseBackoff:       2 * time.Second,
		MaxBackoff:        2 * time.Minute,
		MinFreeMemPercent: 10,
	}
}

// Scheduler is the bounded-concurrency (1) startup restorer.
type Scheduler struct {
	cfg        Config
	logger     *slog.Logger
	createFn   CreateFunc
	markFailed MarkFailedFunc

	mu         sync.Mutex
	items      []Item
	processing bool
	lastRun    time.Time

	stopCh chan struct{}
}

// New builds a Scheduler. createFn/markFailed are supplied by the
// InstanceManager (spec §4.9).
func New(cfg Config, logger *slog.Logger, createFn CreateFunc, markFailed MarkFailedFunc) *Scheduler {
	return &Scheduler{cfg: cfg, logger: logger, createFn: createFn, markFailed: markFailed, stopCh: make(chan struct{})}
}

// Enqueue adds a descriptor to be restored on the next eligible tick.
func (s *Scheduler) Enqueue(desc model.Descriptor) {
	s.mu.Lock()
	s.items = append(s.items, Item{Descriptor: desc, NextAttemptAt: time.Now()})
	s.mu.Unlock()
}

// Run starts the 10s tick loop (spec §5 "A global RestoreScheduler task
// ticks at 10s"); it blocks until Stop is called.
func (s *Scheduler) Run() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// Stop terminates the tick loop.
func (s *Scheduler) Stop() { close(s.stopCh) }

// Pending reports how many descriptors are still awaiting restoration.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		return
	}
	if !s.lastRun.IsZero() && time.Since(s.lastRun) < s.cfg.Cooldown {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !s.memoryOK() {
		s.logger.Warn("restore scheduler: skipping tick, free memory below threshold")
		return
	}

	s.mu.Lock()
	idx := -1
	now := time.Now()
	for i, it := range s.items {
		if !it.NextAttemptAt.After(now) {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return
	}
	item := s.items[idx]
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	s.processing = true
	s.lastRun = now
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
	}()

	if err := s.createFn(item.Descriptor); err != nil {
		item.Attempts++
		if item.Attempts >= s.cfg.MaxAttempts {
			s.markFailed(item.Descriptor, err.Error())
			return
		}
		item.NextAttemptAt = time.Now().Add(backoffFor(s.cfg, item.Attempts))
		s.mu.Lock()
		s.items = append(s.items, item)
		s.mu.Unlock()
	}
}

func backoffFor(cfg Config, attempts int) time.Duration {
	d := cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= cfg.MaxBackoff {
			return cfg.MaxBackoff
		}
	}
	return d
}

func (s *Scheduler) memoryOK() bool {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return true // fail open: an unreadable gate must never block restoration forever
	}
	free := 100 - vm.UsedPercent
	return free >= s.cfg.MinFreeMemPercent
}
