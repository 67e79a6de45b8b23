// Package webhook implements the fire-and-forget HMAC-signed HTTP POST
// dispatcher from spec §4.8.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/whatsapp-hub/supervisor/internal/domain/model"
)

// Payload is the body POSTed to tenant webhook URLs (spec §6).
type Payload struct {
	Event      string `json:"event"`
	InstanceID string `json:"instanceId"`
	Data       any    `json:"data"`
}

// Dispatcher sends webhooks. Failures are logged and counted, never raised
// to the caller (spec §4.8, §7 "Webhook delivery failures are never propagated").
type Dispatcher interface {
	Dispatch(ctx context.Context, instanceID string, webhook model.WebhookConfig, event string, data any)

	// DispatchTracked behaves like Dispatch but additionally invokes report
	// with the delivery outcome once the fire-and-forget POST completes, so
	// a caller can surface it as diagnostics (spec §7 "lastWebhookStatus")
	// without ever blocking on it. report is called with statusCode 0 if
	// the request never reached the server (timeout, DNS, connection
	// refused); it is never called if the webhook is dropped silently
	// (empty URL or a filtered-out event).
	DispatchTracked(ctx context.Context, instanceID string, webhook model.WebhookConfig, event string, data any, report func(statusCode int, err error))
}

// Config bundles the dispatcher's shared secret and optional auth extras.
type Config struct {
	Secret             string
	BearerToken        string
	ProtectionBypass   string
	Timeout            time.Duration
}

type dispatcher struct {
	client *http.Client
	cfg    Config
	logger *slog.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

// New builds a Dispatcher posting through client with the given config.
func New(cfg Config, logger *slog.Logger) Dispatcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &dispatcher{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

func (d *dispatcher) Dispatch(ctx context.Context, instanceID string, webhook model.WebhookConfig, event string, data any) {
	if webhook.URL == "" {
		return
	}
	if !webhook.Allows(event) {
		return
	}

	// Fire-and-forget: the caller's transition must never wait on us.
	go d.send(instanceID, webhook.URL, event, data, nil)
}

func (d *dispatcher) DispatchTracked(ctx context.Context, instanceID string, webhook model.WebhookConfig, event string, data any, report func(statusCode int, err error)) {
	if webhook.URL == "" || !webhook.Allows(event) {
		return
	}
	go d.send(instanceID, webhook.URL, event, data, report)
}

func (d *dispatcher) send(instanceID, url, event string, data any, report func(statusCode int, err error)) {
	body, err := json.Marshal(Payload{Event: event, InstanceID: instanceID, Data: data})
	if err != nil {
		d.logger.Error("webhook: marshal failed", "instance", instanceID, "event", event, "err", err)
		if report != nil {
			report(0, err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("webhook: build request failed", "instance", instanceID, "err", err)
		if report != nil {
			report(0, err)
		}
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-wa-hub-signature", sign(d.cfg.Secret, body))
	req.Header.Set("x-wa-hub-delivery", uuid.NewString())
	if d.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.BearerToken)
	}
	if d.cfg.ProtectionBypass != "" {
		req.Header.Set("x-wa-hub-protection-bypass", d.cfg.ProtectionBypass)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.failed.Add(1)
		d.logger.Warn("webhook: delivery failed", "instance", instanceID, "event", event, "err", err)
		if report != nil {
			report(0, err)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.failed.Add(1)
		d.logger.Warn("webhook: non-2xx response", "instance", instanceID, "event", event, "status", resp.StatusCode)
		if report != nil {
			report(resp.StatusCode, nil)
		}
		return
	}
	d.sent.Add(1)
	if report != nil {
		report(resp.StatusCode, nil)
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
