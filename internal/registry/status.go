package registry

import "github.com/whatsapp-hub/supervisor/internal/domain/model"

// QR returns the current QR payload, if the instance is in NEEDS_QR (spec §6
// "GET /instances/{id}/client/qr").
func (c *Context) QR() (string, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != model.StateNeedsQR {
		return "", false
	}
	return c.qrPayload, true
}

// TypingEnabled reports the tenant's current typing-indicator preference.
func (c *Context) TypingEnabled() bool {
	c.descMu.RLock()
	defer c.descMu.RUnlock()
	return c.typing.Enabled
}
