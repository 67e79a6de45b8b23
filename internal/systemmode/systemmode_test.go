package systemmode

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

type fakeLister struct{ n int }

func (f *fakeLister) SyncingCount() int { return f.n }

func newTestController(t *testing.T) *Controller {
	t.Helper()
	return New(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestRecomputeFlipsModeOnSyncingCount(t *testing.T) {
	c := newTestController(t)
	lister := &fakeLister{}
	c.SetLister(lister)

	var seen []Mode
	c.OnChange(func(m Mode) { seen = append(seen, m) })

	c.Recompute()
	if c.Mode() != ModeNormal {
		t.Fatalf("Mode = %s, want NORMAL with zero syncing instances", c.Mode())
	}

	lister.n = 2
	c.Recompute()
	if c.Mode() != ModeSyncing {
		t.Fatalf("Mode = %s, want SYNCING with syncing instances present", c.Mode())
	}

	lister.n = 0
	c.Recompute()
	if c.Mode() != ModeNormal {
		t.Fatalf("Mode = %s, want NORMAL once syncing instances clear", c.Mode())
	}

	if len(seen) != 2 {
		t.Fatalf("expected exactly 2 onChange callbacks (no-op Recompute must not re-fire), got %d: %v", len(seen), seen)
	}
}

func TestForceNormalSuppressesReentry(t *testing.T) {
	c := newTestController(t)
	lister := &fakeLister{n: 3}
	c.SetLister(lister)

	c.ForceNormal(50 * time.Millisecond)
	if c.Mode() != ModeNormal {
		t.Fatalf("Mode = %s, want NORMAL while forced", c.Mode())
	}

	time.Sleep(60 * time.Millisecond)
	c.Recompute()
	if c.Mode() != ModeSyncing {
		t.Fatalf("Mode = %s, want SYNCING once the forced cooldown elapses", c.Mode())
	}
}
