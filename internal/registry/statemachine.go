package registry

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/whatsapp-hub/supervisor/internal/domain/model"
	"github.com/whatsapp-hub/supervisor/internal/driver"
	"github.com/whatsapp-hub/supervisor/internal/systemmode"
)

// eventLoop is the single serialized consumer of driver events for this
// instance (spec §5 "event handlers must not race", §9 "channel of tagged
// driver events consumed by a single serialized state machine"). It is the
// only goroutine allowed to call transition directly from a driver event.
func (c *Context) eventLoop(m *Manager) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.eventSub:
			if !ok {
				return
			}
			var ev driver.Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				msg.Ack()
				continue
			}
			c.recordEvent(string(ev.Kind))
			c.handleDriverEvent(m, ev)
			msg.Ack()
		}
	}
}

// handleDriverEvent applies one driver-emitted occurrence per the
// transition table in spec §4.2.
func (c *Context) handleDriverEvent(m *Manager, ev driver.Event) {
	switch ev.Kind {
	case driver.EventQR:
		c.stateMu.Lock()
		ignore := c.state == model.StateReady
		c.stateMu.Unlock()
		if ignore {
			return
		}
		c.qrPayload = ev.QR
		c.lastQRAt = time.Now()
		if c.inRestart() {
			c.qrDuringRestart = true
		}
		c.transition(m, model.StateNeedsQR, nil)

	case driver.EventAuthenticated:
		c.stateMu.Lock()
		c.watchdogs.AuthenticatedAt = time.Now()
		c.stateMu.Unlock()
		c.transitionNamed(m, model.StateConnecting, "authenticated", nil)
		c.startReadinessPoll(m)

	case driver.EventReady:
		c.markReady(m, "event")

	case driver.EventAuthFailure:
		c.transitionNamed(m, model.StateNeedsQR, "auth_failure", nil)

	case driver.EventDisconnected:
		c.onDisconnected(m, ev.Reason)

	case driver.EventMessage, driver.EventVoteUpdate:
		// While SYNCING, inbound events are buffered and replayed once the
		// system returns to NORMAL rather than dispatched immediately
		// (spec §4.6 InboundBuffer, §4.7).
		if m.mode.Mode() == systemmode.ModeSyncing {
			if m.inbound.Push(systemmode.InboundEvent{InstanceID: c.id, Event: string(ev.Kind), Data: ev.Payload}) {
				return
			}
		}
		c.dispatcher.Dispatch(ctxBackground(), c.id, c.webhookConfig(), string(ev.Kind), ev.Payload)
	}
}

// markReady is the idempotent entry point shared by the `ready` event and
// the readiness-poll fallback (spec §4.2 "markReady").
func (c *Context) markReady(m *Manager, source string) {
	c.stateMu.Lock()
	already := c.state == model.StateReady
	c.stateMu.Unlock()
	if already {
		return
	}
	c.readySrc = source
	c.stateMu.Lock()
	c.watchdogs.ReadyAt = time.Now()
	c.stateMu.Unlock()
	c.transition(m, model.StateReady, nil)
}

// onDisconnected implements spec §4.2's disconnected classification.
func (c *Context) onDisconnected(m *Manager, reason string) {
	c.disconnectWindow.Record(time.Now())
	lower := strings.ToLower(reason)

	if c.matchesRestriction(lower) {
		c.transition(m, model.StateRestricted, reason)
		return
	}
	for _, token := range []string{"logout", "unpaired", "conflict", "timeout"} {
		if strings.Contains(lower, token) {
			c.transitionNamed(m, model.StateNeedsQR, "disconnected", reason)
			return
		}
	}

	// Default path: PAUSED cooldown, then DISCONNECTED + auto ensureReady.
	c.transition(m, model.StatePaused, reason)
	c.armTimer("disconnect-cooldown", m.cfg.RestartBaseBackoff, func() {
		c.transition(m, model.StateDisconnected, nil)
		go m.ensureReady(c.id)
	})
}

func (c *Context) matchesRestriction(lowerReason string) bool {
	for _, p := range c.cfg.RestrictionPatterns {
		if strings.Contains(lowerReason, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// transition applies the state change (if legal), runs entry side effects,
// dispatches the matching webhook using the default event name for `to`, and
// recomputes system mode (spec §4.2).
func (c *Context) transition(m *Manager, to model.State, webhookData any) {
	c.transitionNamed(m, to, "", webhookData)
}

// transitionNamed is transition with an explicit webhook event name, used
// where the destination state alone is ambiguous about which external event
// (`qr`, `auth_failure`, `disconnected`, ...) caused it (spec §4.2
// "Webhook-forward rule": the dispatched event is the one that corresponds
// to the transition, not just a function of the destination state — NEEDS_QR
// is reachable via `qr`, `auth_failure`, or a logout-like `disconnected`
// reason). An empty eventName falls back to webhookEventName(to).
func (c *Context) transitionNamed(m *Manager, to model.State, eventName string, webhookData any) {
	c.stateMu.Lock()
	from := c.state
	if !model.CanTransition(from, to) {
		c.stateMu.Unlock()
		c.logger.Warn("statemachine: rejected illegal transition", "from", from, "to", to)
		return
	}
	c.state = to
	c.watchdogs.LastStateChangeAt = time.Now()
	if to == model.StateNeedsQR {
		c.watchdogs.NeedsQRSince = time.Now()
	}
	if to == model.StateConnecting {
		c.watchdogs.ConnectingSince = time.Now()
	}
	if reason, ok := webhookData.(string); ok && reason != "" && isErrorLikeState(to) {
		c.lastErr = reason
		c.lastErrAt = time.Now()
	}
	c.stateMu.Unlock()

	c.onEnter(m, from, to)

	name := eventName
	if name == "" {
		if n, ok := webhookEventName(to); ok {
			name = n
		}
	}
	if name != "" {
		data := webhookData
		if data == nil {
			data = c.Status()
		}
		c.dispatcher.DispatchTracked(ctxBackground(), c.id, c.webhookConfig(), name, data, c.recordWebhookResult)
	}

	m.mode.Recompute()
}

// isErrorLikeState reports whether entering s is driven by a failure/
// disconnect reason worth surfacing as lastError/lastErrorAt on the status
// endpoint (spec §7 "status endpoints expose lastError, lastErrorAt").
func isErrorLikeState(s model.State) bool {
	switch s {
	case model.StateDisconnected, model.StatePaused, model.StateRestricted,
		model.StateError, model.StateFailedQRTimeout:
		return true
	}
	return false
}

// webhookEventName maps a state to the external event name it forwards, per
// spec §4.2 "Webhook-forward rule". Not every state has one.
func webhookEventName(s model.State) (string, bool) {
	switch s {
	case model.StateNeedsQR:
		return "qr", true
	case model.StateConnecting:
		return "change_state", true
	case model.StateReady:
		return "ready", true
	case model.StateDisconnected, model.StatePaused, model.StateRestricted:
		return "disconnected", true
	}
	return "", false
}

// onEnter runs the side effects for entering `to` from `from` (spec §4.2
// "Entry side effects").
func (c *Context) onEnter(m *Manager, from, to model.State) {
	switch to {
	case model.StateReady:
		c.disarmTimer("ready-watchdog")
		c.disarmTimer("connecting-watchdog")
		c.disarmTimer("needsqr-watchdog")
		c.stopReadinessPoll()
		c.resolveReadyPromise()
		c.signalInitRace()
		c.stateMu.Lock()
		c.connectingWatchdogTries = 0
		c.needsQRAttempts = 0
		c.stateMu.Unlock()
		if c.QueueDepth() > 0 {
			m.startSendLoop(c.id)
		}

	case model.StateDisconnected, model.StateNeedsQR, model.StateError, model.StateRestricted, model.StateFailedQRTimeout:
		m.stopSendLoop(c.id)
		c.rejectReadyPromise()
		c.signalInitRace()
		if to.IsTerminal() {
			c.stopReadinessPoll()
		}

		if to == model.StateNeedsQR {
			c.newReadyPromise()
			c.armTimer("ready-watchdog", m.cfg.ReadyWatchdogTimeout, func() { c.onReadyWatchdog(m) })
			c.armNeedsQRWatchdog(m)
		}
		if to == model.StateError || to == model.StateRestricted || to == model.StateFailedQRTimeout {
			c.disarmTimer("needsqr-watchdog")
		}

	case model.StatePaused:
		m.stopSendLoop(c.id)
		c.rejectReadyPromise()
		c.signalInitRace()

	case model.StateConnecting:
		c.newReadyPromise()
		c.armTimer("ready-watchdog", m.cfg.ReadyWatchdogTimeout, func() { c.onReadyWatchdog(m) })
		if from != "" && from != model.StateStartingBrowser {
			c.armTimer("connecting-watchdog", m.cfg.ConnectingWatchdogTimeout, func() { c.onConnectingWatchdog(m) })
		}

	case model.StateStartingBrowser:
		// SYNCING notified via Recompute() in transition(); no other side effect.
	}
}

func (c *Context) rejectReadyPromise() {
	// A rejected promise is simply left unresolved; waiters use select with
	// ctx/timeout and observe the state change instead (spec §9).
}

func (c *Context) inRestart() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state == model.StateConnecting && !c.watchdogs.ConnectingSince.IsZero()
}

// onReadyWatchdog fires when NEEDS_QR/CONNECTING/authenticated hasn't
// reached READY within the configured timeout (spec §4.2 "Ready watchdog").
func (c *Context) onReadyWatchdog(m *Manager) {
	c.logger.Warn("statemachine: ready watchdog fired, attempting soft restart")
	go m.ensureReady(c.id)
}

// onConnectingWatchdog fires when a restart-entered CONNECTING makes no
// progress within the timeout (spec §4.2 "Connecting watchdog").
func (c *Context) onConnectingWatchdog(m *Manager) {
	c.stateMu.Lock()
	tries := c.connectingWatchdogTries + 1
	c.connectingWatchdogTries = tries
	c.stateMu.Unlock()

	if tries > m.cfg.ConnectingWatchdogMaxTries {
		c.transition(m, model.StateError, nil)
		return
	}
	go m.ensureReady(c.id)
}

func (c *Context) armNeedsQRWatchdog(m *Manager) {
	c.stateMu.Lock()
	c.needsQRAttempts++
	attempts := c.needsQRAttempts
	c.stateMu.Unlock()

	if attempts > m.cfg.NeedsQRMaxAttempts {
		c.transition(m, model.StateFailedQRTimeout, nil)
		return
	}
	c.armTimer("needsqr-watchdog", m.cfg.NeedsQRTTL, func() {
		c.transition(m, model.StateFailedQRTimeout, nil)
	})
}
