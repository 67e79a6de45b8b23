package model

import "testing"

func TestCanTransitionAllowsSpecifiedEdges(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateStartingBrowser, StateConnecting, true},
		{StateStartingBrowser, StateReady, false},
		{StateConnecting, StateNeedsQR, true},
		{StateConnecting, StateReady, true},
		{StateNeedsQR, StateFailedQRTimeout, true},
		{StateReady, StateReady, true},
		{StateRestricted, StateReady, false},
		{StateError, StateConnecting, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []State{StateNeedsQR, StateError, StateRestricted, StateFailedQRTimeout} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateReady, StateConnecting, StatePaused, StateDisconnected} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestIsSyncing(t *testing.T) {
	for _, s := range []State{StateStartingBrowser, StateConnecting, StateNeedsQR} {
		if !s.IsSyncing() {
			t.Errorf("%s should count toward SYNCING", s)
		}
	}
	if StateReady.IsSyncing() {
		t.Error("READY should not count toward SYNCING")
	}
}

func TestLogKeyLowerCamelCases(t *testing.T) {
	if got := StateNeedsQR.LogKey(); got != "needsQr" && got != "needsQR" {
		t.Errorf("LogKey() = %q", got)
	}
}
