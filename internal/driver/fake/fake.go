// Package fake provides a scriptable driver.Session for tests, standing in
// for the external browser-automation library (spec §1).
package fake

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/whatsapp-hub/supervisor/internal/driver"
)

// Session is a test double controllable by the test via its exported
// methods (Emit, SetSendError, ...).
type Session struct {
	mu          sync.Mutex
	events      chan driver.Event
	destroyed   atomic.Bool
	sendErr     error
	pollErr     error
	clientInfo  driver.ClientInfo
	state       string
	sendCount   atomic.Int64
	initErr     error
}

// New returns a fake driver.Session with a buffered event channel.
func New() *Session {
	return &Session{events: make(chan driver.Event, 64)}
}

var _ driver.Session = (*Session)(nil)

func (s *Session) Initialize(ctx context.Context) error { return s.initErr }

func (s *Session) Destroy(ctx context.Context) error {
	if s.destroyed.CompareAndSwap(false, true) {
		close(s.events)
	}
	return nil
}

func (s *Session) Events() <-chan driver.Event { return s.events }

func (s *Session) SendMessage(ctx context.Context, chatID, body string) (string, error) {
	s.sendCount.Add(1)
	s.mu.Lock()
	err := s.sendErr
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "prov-" + chatID, nil
}

func (s *Session) SendPoll(ctx context.Context, chatID, caption string, options []string, multiple bool) (string, error) {
	s.mu.Lock()
	err := s.pollErr
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "prov-poll-" + chatID, nil
}

func (s *Session) SetTyping(ctx context.Context, chatID string, on bool) error { return nil }

func (s *Session) GetClientInfo(ctx context.Context) (driver.ClientInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo, nil
}

func (s *Session) GetState(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// Emit pushes a synthetic driver event, as the real library would.
func (s *Session) Emit(ev driver.Event) { s.events <- ev }

// SetSendError makes subsequent SendMessage calls fail with err.
func (s *Session) SetSendError(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// SetInitError makes Initialize fail.
func (s *Session) SetInitError(err error) { s.initErr = err }

// SetClientInfo backs the readiness-poll fallback test scenarios.
func (s *Session) SetClientInfo(info driver.ClientInfo, state string) {
	s.mu.Lock()
	s.clientInfo = info
	s.state = state
	s.mu.Unlock()
}

// SendCount returns how many SendMessage calls have been made so far.
func (s *Session) SendCount() int64 { return s.sendCount.Load() }

// Factory returns a driver.Factory that always hands out sess (single
// instance tests) — production code uses a real per-call factory instead.
func Factory(sess *Session) driver.Factory {
	return func(instanceID, authDir string) driver.Session { return sess }
}
