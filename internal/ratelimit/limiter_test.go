package ratelimit

import (
	"testing"
	"time"
)

func TestWindowPrunesExpiredEntries(t *testing.T) {
	w := NewWindow(time.Minute)
	base := time.Now()

	w.Record(base)
	w.Record(base.Add(10 * time.Second))

	if got := w.Count(base.Add(30 * time.Second)); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
	if got := w.Count(base.Add(65 * time.Second)); got != 1 {
		t.Fatalf("Count after first entry expires = %d, want 1", got)
	}
}

func TestSendLimiterEnforcesBothCaps(t *testing.T) {
	l := NewSendLimiter(2, 100)
	now := time.Now()

	ok, _ := l.Allow(now)
	if !ok {
		t.Fatal("expected first send to be allowed")
	}
	l.RecordSend(now)
	l.RecordSend(now.Add(time.Second))

	ok, next := l.Allow(now.Add(2 * time.Second))
	if ok {
		t.Fatal("expected third send within the same minute to be rate-limited")
	}
	if !next.After(now) {
		t.Fatalf("expected nextAllowed in the future, got %v", next)
	}

	h := NewSendLimiter(100, 2)
	h.RecordSend(now)
	h.RecordSend(now.Add(2 * time.Minute))

	ok, next = h.Allow(now.Add(3 * time.Minute))
	if ok {
		t.Fatal("expected third send within the same hour to be rate-limited")
	}
	if want := now.Add(time.Hour); !next.Equal(want) {
		t.Fatalf("nextAllowed = %v, want %v", next, want)
	}
}

func TestRestartLimiterAllowsAfterWindowAges(t *testing.T) {
	l := NewRestartLimiter(time.Minute, 1)
	now := time.Now()

	ok, _ := l.Allow(now)
	if !ok {
		t.Fatal("expected first restart to be allowed")
	}
	l.RecordAttempt(now)

	if ok, _ := l.Allow(now.Add(time.Second)); ok {
		t.Fatal("expected second restart within window to be denied")
	}
	if ok, _ := l.Allow(now.Add(61 * time.Second)); !ok {
		t.Fatal("expected restart to be allowed once the window ages out")
	}
}
