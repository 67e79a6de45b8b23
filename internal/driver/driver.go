// Package driver declares the contract for the external browser-automation
// session library (spec §1 "Deliberately out of scope"). The supervisor core
// only ever talks to this interface; no concrete implementation lives in
// this repository except the fake used by tests.
package driver

import "context"

// EventKind enumerates the events the driver emits, exactly as named in spec §1.
type EventKind string

const (
	EventQR           EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady        EventKind = "ready"
	EventAuthFailure  EventKind = "auth_failure"
	EventDisconnected EventKind = "disconnected"
	EventChangeState  EventKind = "change_state"
	EventMessage      EventKind = "message"
	EventVoteUpdate   EventKind = "vote_update"
)

// Event is one driver-emitted occurrence, dispatched to the state machine.
type Event struct {
	Kind    EventKind
	QR      string // EventQR payload
	Reason  string // EventDisconnected payload
	Payload any    // EventMessage / EventVoteUpdate payload, passed through to webhooks
}

// ClientInfo is returned by GetClientInfo once authenticated (spec §4.2
// "Readiness-poll fallback").
type ClientInfo struct {
	PhoneNumber string
	DisplayName string
}

// Session is a single tenant's handle onto the external driver.
//
// Implementations MUST deliver events for a given Session serially and in
// occurrence order on the Events() channel; the supervisor relies on this to
// keep state-machine transitions race-free (spec §5).
type Session interface {
	// Initialize starts the underlying browser/session and begins emitting
	// events. It must return promptly; connection progress is reported
	// asynchronously through Events().
	Initialize(ctx context.Context) error

	// Destroy tears down the browser/session. Callers bound this with a
	// timeout (spec §5, default 15s) and abandon the handle if it is exceeded.
	Destroy(ctx context.Context) error

	// Events returns the channel of driver-emitted occurrences. Closed once
	// Destroy has completed.
	Events() <-chan Event

	// SendMessage and SendPoll perform the actual provider call. A
	// non-nil error's text is classified by the caller into
	// disconnect-like / non-retryable-user / other per spec §4.4.
	SendMessage(ctx context.Context, chatID, body string) (providerMessageID string, err error)
	SendPoll(ctx context.Context, chatID, caption string, options []string, multiple bool) (providerMessageID string, err error)

	// SetTyping toggles the typing indicator for a chat (spec §4.4 step 4).
	SetTyping(ctx context.Context, chatID string, on bool) error

	// GetClientInfo and GetState back the readiness-poll fallback (spec §4.2).
	GetClientInfo(ctx context.Context) (ClientInfo, error)
	GetState(ctx context.Context) (string, error)
}

// Factory constructs a fresh Session for an instance, rooted at the given
// per-instance authentication storage directory (spec §3 "driverHandle",
// §6 "per-instance authentication directories").
type Factory func(instanceID, authDir string) Session
