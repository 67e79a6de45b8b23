package registry

import (
	"context"
	"time"

	"github.com/whatsapp-hub/supervisor/internal/driver"
)

// startReadinessPoll backs the "some driver implementations fail to emit
// ready" fallback (spec §4.2 "Readiness-poll fallback").
func (c *Context) startReadinessPoll(m *Manager) {
	c.disarmTimer("readiness-poll")
	c.pollReadinessOnce(m)
}

func (c *Context) pollReadinessOnce(m *Manager) {
	c.armTimer("readiness-poll", m.cfg.ReadyPollInterval, func() {
		sess := c.session()
		if sess == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		info, err1 := sess.GetClientInfo(ctx)
		state, err2 := sess.GetState(ctx)
		if err1 == nil && err2 == nil && (info.PhoneNumber != "" || info.DisplayName != "") && state != "" {
			c.stateMu.Lock()
			c.phone = info.PhoneNumber
			c.displayNm = info.DisplayName
			c.stateMu.Unlock()
			c.markReady(m, "poll")
			return
		}
		// Not ready yet and still in a non-terminal state: reschedule.
		if !c.State().IsTerminal() && c.State() != "" {
			c.pollReadinessOnce(m)
		}
	})
}

// stopReadinessPoll cancels the poll on any terminal state change (spec §4.2).
func (c *Context) stopReadinessPoll() {
	c.disarmTimer("readiness-poll")
}

func (c *Context) session() driver.Session {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.sess
}
