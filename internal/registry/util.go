package registry

import (
	"context"

	"github.com/whatsapp-hub/supervisor/internal/driver"
)

// ctxBackground is used for dispatches that must outlive the caller's
// request/transition context (webhooks are fire-and-forget, spec §4.8).
func ctxBackground() context.Context { return context.Background() }

func (c *Context) setSession(s driver.Session) {
	c.sessMu.Lock()
	c.sess = s
	c.sessMu.Unlock()
}

func (c *Context) clearSession() {
	c.sessMu.Lock()
	c.sess = nil
	c.sessMu.Unlock()
}
