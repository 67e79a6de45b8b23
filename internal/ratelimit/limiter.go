// Package ratelimit implements the per-instance rolling-window send and
// restart limiters from spec §4 (component #2) and §4.3 step 4.
package ratelimit

import (
	"sync"
	"time"
)

// Window is a rolling-window counter of timestamps, pruned on every
// observation so its length never exceeds what actually falls in-window
// (spec §3 invariant "rate-limit history arrays hold only timestamps within
// their window").
type Window struct {
	mu     sync.Mutex
	length time.Duration
	stamps []time.Time
}

// NewWindow builds a rolling window of the given length.
func NewWindow(length time.Duration) *Window {
	return &Window{length: length}
}

// Record appends now as an observation and prunes expired entries.
func (w *Window) Record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamps = append(w.prune(now), now)
}

// Count returns how many observations currently fall within the window.
func (w *Window) Count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamps = w.prune(now)
	return len(w.stamps)
}

// NextAllowed returns oldest_timestamp_in_window + window_length, the
// "next allowed time" formula from spec §4.4.
func (w *Window) NextAllowed(now time.Time) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamps = w.prune(now)
	if len(w.stamps) == 0 {
		return now
	}
	return w.stamps[0].Add(w.length)
}

func (w *Window) prune(now time.Time) []time.Time {
	cutoff := now.Add(-w.length)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return w.stamps
	}
	return append([]time.Time(nil), w.stamps[i:]...)
}

// SendLimiter tracks per-minute and per-hour send counters for one instance
// (spec §4 component #2, §8 "quantified invariant").
type SendLimiter struct {
	perMinute *Window
	perHour   *Window
	maxMinute int
	maxHour   int
}

// NewSendLimiter builds a limiter with the given per-minute/per-hour caps.
func NewSendLimiter(maxPerMinute, maxPerHour int) *SendLimiter {
	return &SendLimiter{
		perMinute: NewWindow(time.Minute),
		perHour:   NewWindow(time.Hour),
		maxMinute: maxPerMinute,
		maxHour:   maxPerHour,
	}
}

// Allow reports whether a send is permitted right now, and if not, the
// earliest time it will be (spec §4.4 step 3, step 9 "independent checks").
func (l *SendLimiter) Allow(now time.Time) (ok bool, nextAllowed time.Time) {
	minuteOK := l.perMinute.Count(now) < l.maxMinute
	hourOK := l.perHour.Count(now) < l.maxHour
	if minuteOK && hourOK {
		return true, now
	}
	next := now
	if !minuteOK {
		if t := l.perMinute.NextAllowed(now); t.After(next) {
			next = t
		}
	}
	if !hourOK {
		if t := l.perHour.NextAllowed(now); t.After(next) {
			next = t
		}
	}
	return false, next
}

// RecordSend registers a completed send against both windows.
func (l *SendLimiter) RecordSend(now time.Time) {
	l.perMinute.Record(now)
	l.perHour.Record(now)
}

// RestartLimiter enforces the restart rate limit consumed by the
// reconnection ladder (spec §4.3 step 4, §8 "Restart rate limit").
type RestartLimiter struct {
	window *Window
	max    int
}

// NewRestartLimiter builds a limiter over the given window length and cap.
func NewRestartLimiter(windowLength time.Duration, max int) *RestartLimiter {
	return &RestartLimiter{window: NewWindow(windowLength), max: max}
}

// Allow reports whether another restart attempt is permitted, and if not,
// the time the oldest attempt ages out of the window.
func (l *RestartLimiter) Allow(now time.Time) (ok bool, nextAllowed time.Time) {
	if l.window.Count(now) < l.max {
		return true, now
	}
	return false, l.window.NextAllowed(now)
}

// RecordAttempt registers a restart attempt.
func (l *RestartLimiter) RecordAttempt(now time.Time) {
	l.window.Record(now)
}
