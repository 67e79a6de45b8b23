package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/whatsapp-hub/supervisor/internal/domain/model"
	"github.com/whatsapp-hub/supervisor/internal/driver"
	"github.com/whatsapp-hub/supervisor/internal/driver/fake"
	"github.com/whatsapp-hub/supervisor/internal/store/idempotency"
	"github.com/whatsapp-hub/supervisor/internal/store/instances"
	"github.com/whatsapp-hub/supervisor/internal/systemmode"
)

// noopDispatcher discards every webhook, standing in for the real HTTP
// dispatcher so these tests never touch the network.
type noopDispatcher struct{}

func (noopDispatcher) Dispatch(ctx context.Context, instanceID string, webhook model.WebhookConfig, event string, data any) {
}

func (noopDispatcher) DispatchTracked(ctx context.Context, instanceID string, webhook model.WebhookConfig, event string, data any, report func(statusCode int, err error)) {
}

func newTestManager(t *testing.T, factory driver.Factory) *Manager {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := Default()
	cfg.ReadyWatchdogTimeout = time.Minute
	cfg.RestartBaseBackoff = 20 * time.Millisecond
	cfg.SendPace = 0

	persist := instances.New(filepath.Join(dir, "instances.json"), logger)
	idem := idempotency.New(filepath.Join(dir, "idempotency.json"), logger)
	mode := systemmode.New(logger)

	return New(cfg, logger, persist, idem, noopDispatcher{}, mode, factory, filepath.Join(dir, "auth"))
}

func waitForState(t *testing.T, c *Context, want model.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance never reached state %s, stuck at %s", want, c.State())
}

func TestCreateBootstrapsToReadyOnEvent(t *testing.T) {
	sess := fake.New()
	m := newTestManager(t, fake.Factory(sess))

	c, err := m.Create("inst-1", "Instance One", model.WebhookConfig{URL: "http://example.invalid/hook"}, model.TypingConfig{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	waitForState(t, c, model.StateConnecting, time.Second)

	sess.Emit(driver.Event{Kind: driver.EventReady})
	waitForState(t, c, model.StateReady, time.Second)
}

func TestCreateRejectsInvalidIDAndMissingWebhook(t *testing.T) {
	m := newTestManager(t, fake.Factory(fake.New()))

	if _, err := m.Create("bad id!", "x", model.WebhookConfig{URL: "http://x"}, model.TypingConfig{}); err == nil {
		t.Fatal("expected an error for an id with disallowed characters")
	}
	if _, err := m.Create("inst-1", "x", model.WebhookConfig{}, model.TypingConfig{}); err == nil {
		t.Fatal("expected an error for a missing webhook URL")
	}
}

func TestSendMessageDeliversOnceReady(t *testing.T) {
	sess := fake.New()
	m := newTestManager(t, fake.Factory(sess))

	c, err := m.Create("inst-1", "Instance One", model.WebhookConfig{URL: "http://example.invalid/hook"}, model.TypingConfig{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	waitForState(t, c, model.StateConnecting, time.Second)
	sess.Emit(driver.Event{Kind: driver.EventReady})
	waitForState(t, c, model.StateReady, time.Second)

	res, err := m.SendMessage("inst-1", "1234@c.us", "hello", "", "", false)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if res.Item.ID == "" {
		t.Fatal("expected a queue item id to be assigned")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sess.SendCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if sess.SendCount() == 0 {
		t.Fatal("expected the send loop to deliver the queued message")
	}
}

func TestDeleteRemovesIdempotencyRecords(t *testing.T) {
	sess := fake.New()
	m := newTestManager(t, fake.Factory(sess))

	_, err := m.Create("inst-1", "Instance One", model.WebhookConfig{URL: "http://example.invalid/hook"}, model.TypingConfig{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	m.idempotency.Upsert(model.IdempotencyRecord{Key: "k1", InstanceName: "inst-1", Status: model.StatusSent})

	if err := m.Delete("inst-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := m.idempotency.Get("k1"); ok {
		t.Fatal("expected idempotency records for the deleted instance to be gone")
	}
	if _, ok := m.Get("inst-1"); ok {
		t.Fatal("expected the instance to no longer be live after Delete")
	}
}

func TestCreateTransitionsToErrorWhenInitRaceTimesOut(t *testing.T) {
	sess := fake.New()
	m := newTestManager(t, fake.Factory(sess))
	m.cfg.ReadyTimeout = 30 * time.Millisecond

	c, err := m.Create("inst-1", "Instance One", model.WebhookConfig{URL: "http://example.invalid/hook"}, model.TypingConfig{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Never emit ready or qr: the background init-race watcher must fail the
	// instance once readyTimeoutMs elapses (spec §4.5/§5).
	waitForState(t, c, model.StateError, time.Second)
}

func TestCreateReachingQRBeforeTimeoutStaysNeedsQR(t *testing.T) {
	sess := fake.New()
	m := newTestManager(t, fake.Factory(sess))
	m.cfg.ReadyTimeout = time.Second

	c, err := m.Create("inst-1", "Instance One", model.WebhookConfig{URL: "http://example.invalid/hook"}, model.TypingConfig{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	waitForState(t, c, model.StateConnecting, time.Second)
	sess.Emit(driver.Event{Kind: driver.EventQR, QR: "abc"})
	waitForState(t, c, model.StateNeedsQR, time.Second)

	// The init-race watcher's timeout must not clobber NEEDS_QR once settled.
	time.Sleep(50 * time.Millisecond)
	if c.State() != model.StateNeedsQR {
		t.Fatalf("state = %s, want NEEDS_QR to stick", c.State())
	}
}

func TestLogoutDefersThroughOutboundQueueWhileSyncing(t *testing.T) {
	sess := fake.New()
	m := newTestManager(t, fake.Factory(sess))

	c, err := m.Create("inst-1", "Instance One", model.WebhookConfig{URL: "http://example.invalid/hook"}, model.TypingConfig{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_ = c

	// STARTING_BROWSER/CONNECTING count toward SyncingCount, so mode flips to
	// SYNCING immediately after Create.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && m.mode.Mode() != systemmode.ModeSyncing {
		time.Sleep(5 * time.Millisecond)
	}
	if m.mode.Mode() != systemmode.ModeSyncing {
		t.Fatal("expected system mode to be SYNCING while the instance is still connecting")
	}

	queuedID, err := m.Logout("inst-1")
	if err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if queuedID == "" {
		t.Fatal("expected Logout to return a queued id while SYNCING")
	}
}
