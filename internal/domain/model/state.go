package model

import "github.com/stoewer/go-strcase"

// State is the lifecycle state of a single instance. See spec §4.2.
type State string

const (
	StateStartingBrowser  State = "STARTING_BROWSER"
	StateConnecting       State = "CONNECTING"
	StateNeedsQR          State = "NEEDS_QR"
	StateReady            State = "READY"
	StateDisconnected     State = "DISCONNECTED"
	StatePaused           State = "PAUSED"
	StateRestricted       State = "RESTRICTED"
	StateError            State = "ERROR"
	StateFailedQRTimeout  State = "FAILED_QR_TIMEOUT"
)

// transitions enumerates the subset of the state graph §4.2/§8 allow.
// Entries not present here are invalid transitions.
var transitions = map[State]map[State]bool{
	StateStartingBrowser: {StateConnecting: true, StateError: true},
	StateConnecting: {
		StateNeedsQR: true, StateReady: true, StateDisconnected: true,
		StatePaused: true, StateRestricted: true, StateError: true,
	},
	StateNeedsQR: {
		StateConnecting: true, StateReady: true, StateNeedsQR: true,
		StateFailedQRTimeout: true, StateDisconnected: true, StateError: true,
	},
	StateReady: {
		StateDisconnected: true, StatePaused: true, StateRestricted: true,
		StateNeedsQR: true, StateError: true,
	},
	StateDisconnected: {
		StateConnecting: true, StatePaused: true, StateNeedsQR: true,
		StateRestricted: true, StateReady: true, StateError: true,
	},
	StatePaused: {StateDisconnected: true, StateConnecting: true},
	StateRestricted: {},
	StateError: {},
	StateFailedQRTimeout: {},
}

// CanTransition reports whether from->to is in the allowed state graph.
// Self-transitions to the same state are always allowed (idempotent re-entry,
// e.g. repeated `ready` events while already READY).
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// IsTerminal reports whether the state requires operator/external
// intervention (QR scan, restart, or delete) to leave.
func (s State) IsTerminal() bool {
	switch s {
	case StateNeedsQR, StateError, StateRestricted, StateFailedQRTimeout:
		return true
	}
	return false
}

// IsSyncing reports whether the state counts toward global SYNCING mode
// (spec §4.6).
func (s State) IsSyncing() bool {
	switch s {
	case StateStartingBrowser, StateConnecting, StateNeedsQR:
		return true
	}
	return false
}

// LogKey renders the state as a lower-camel identifier for structured logs.
func (s State) LogKey() string {
	return strcase.LowerCamelCase(string(s))
}
