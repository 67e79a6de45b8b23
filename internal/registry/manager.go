// Package registry implements the per-instance actor and the InstanceManager
// that owns the live set of them, grounded on the teacher's registry.Hub/Cell
// pattern (spec §4 components #4-#8).
package registry

import (
	"context"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"github.com/whatsapp-hub/supervisor/internal/apperr"
	"github.com/whatsapp-hub/supervisor/internal/domain/model"
	"github.com/whatsapp-hub/supervisor/internal/driver"
	"github.com/whatsapp-hub/supervisor/internal/restore"
	"github.com/whatsapp-hub/supervisor/internal/store/idempotency"
	"github.com/whatsapp-hub/supervisor/internal/store/instances"
	"github.com/whatsapp-hub/supervisor/internal/systemmode"
	"github.com/whatsapp-hub/supervisor/internal/webhook"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Manager is the InstanceManager: it owns every live InstanceContext,
// persists the descriptor list, and is the one place statemachine.go,
// ladder.go, and sendloop.go reach back into for shared services (spec §4.5).
type Manager struct {
	cfg Config

	logger      *slog.Logger
	persist     *instances.Store
	idempotency *idempotency.Store
	dispatcher  webhook.Dispatcher
	mode        *systemmode.Controller
	factory     driver.Factory
	authRoot    string

	outbound *systemmode.OutboundQueue
	inbound  *systemmode.InboundBuffer

	mu        sync.RWMutex
	instances map[string]*Context
	createdAt map[string]time.Time
}

// New builds a Manager. authRoot is the parent directory under which each
// instance gets its own sanitized-id authentication subdirectory (spec §4.5
// "construct driver handle with its own authentication-storage directory").
func New(cfg Config, logger *slog.Logger, persist *instances.Store, idem *idempotency.Store, disp webhook.Dispatcher, mode *systemmode.Controller, factory driver.Factory, authRoot string) *Manager {
	m := &Manager{
		cfg: cfg, logger: logger, persist: persist, idempotency: idem,
		dispatcher: disp, mode: mode, factory: factory, authRoot: authRoot,
		instances: make(map[string]*Context),
		createdAt: make(map[string]time.Time),
		outbound:  systemmode.NewOutboundQueue(cfg.OutboundQueueCapacity, cfg.OutboundDrainDelay),
		inbound:   systemmode.NewInboundBuffer(cfg.InboundBufferCapacity, cfg.InboundBatchSize, cfg.InboundBatchDelay),
	}
	mode.SetLister(m)
	mode.OnChange(func(next systemmode.Mode) {
		if next != systemmode.ModeNormal {
			return
		}
		go m.outbound.Drain()
		go m.inbound.Flush(m.flushInboundEvent)
	})
	return m
}

// flushInboundEvent replays one buffered message/vote_update occurrence
// through the WebhookDispatcher once the system has returned to NORMAL
// (spec §4.6 "InboundBuffer ... flushes them in small batches after NORMAL").
func (m *Manager) flushInboundEvent(ev systemmode.InboundEvent) {
	c, ok := m.get(ev.InstanceID)
	if !ok {
		return
	}
	m.dispatcher.Dispatch(ctxBackground(), ev.InstanceID, c.webhookConfig(), ev.Event, ev.Data)
}

func (m *Manager) get(id string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.instances[id]
	return c, ok
}

// Get exposes the same lookup publicly for the HTTP layer.
func (m *Manager) Get(id string) (*Context, bool) { return m.get(id) }

// List returns every live instance's diagnostics snapshot.
func (m *Manager) List() []model.RuntimeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.RuntimeStatus, 0, len(m.instances))
	for _, c := range m.instances {
		out = append(out, c.Status())
	}
	return out
}

// SyncingCount implements systemmode.InstanceLister, applying the NEEDS_QR
// grace window and stuck-CONNECTING cap (spec §4.6).
func (m *Manager) SyncingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, c := range m.instances {
		st := c.State()
		switch st {
		case model.StateStartingBrowser:
			n++
		case model.StateConnecting:
			c.stateMu.Lock()
			since := c.watchdogs.ConnectingSince
			c.stateMu.Unlock()
			if since.IsZero() || now.Sub(since) <= m.cfg.SyncingMaxAge {
				n++
			}
		case model.StateNeedsQR:
			c.stateMu.Lock()
			since := c.watchdogs.NeedsQRSince
			c.stateMu.Unlock()
			if now.Sub(since) <= m.cfg.QRSyncGrace {
				n++
			}
		}
	}
	return n
}

// Create implements InstanceManager.create (spec §4.5).
func (m *Manager) Create(id, name string, webhookCfg model.WebhookConfig, typingCfg model.TypingConfig) (*Context, error) {
	if !idPattern.MatchString(id) {
		return nil, apperr.New(apperr.KindUserRequest, "id must match [A-Za-z0-9_-]+")
	}
	if webhookCfg.URL == "" {
		return nil, apperr.New(apperr.KindUserRequest, "webhookUrl is required")
	}

	m.mu.Lock()
	if _, exists := m.instances[id]; exists {
		m.mu.Unlock()
		return nil, apperr.New(apperr.KindUserRequest, "instance already exists")
	}
	desc := model.Descriptor{ID: id, Name: name, Webhook: webhookCfg, Typing: typingCfg, CreatedAt: time.Now()}
	c := newContext(id, name, desc, m.cfg, m.logger, m.idempotency, m.dispatcher, m.factory, m.authDir(id), m.mode.Recompute)
	m.instances[id] = c
	m.createdAt[id] = desc.CreatedAt
	m.mu.Unlock()

	if err := m.persist.Put(desc); err != nil {
		m.logger.Error("instance manager: persist failed on create", "instance", id, "err", err)
	}

	go c.eventLoop(m)
	m.bootstrap(c)
	return c, nil
}

// bootstrap constructs the driver handle and drives STARTING_BROWSER →
// CONNECTING, attaching listeners before Initialize. Initialize itself is
// guaranteed by the driver contract to return promptly and report
// connection progress asynchronously via Events(), so create()/restore()
// don't block on it; the `ready` event, the `qr` event, and readyTimeoutMs
// are instead raced against each other in a background watcher so the
// timeout is actually enforced (spec §4.5 "race ready vs qr vs configured
// init timeout", §5 "Timeouts: Initialization").
func (m *Manager) bootstrap(c *Context) {
	sess := c.driverFactory(c.id, c.authDir)
	c.setSession(sess)
	m.pumpDriverEvents(c, sess)

	progress := c.armInitRace()
	c.transition(m, model.StateConnecting, nil)

	ctx, cancel := ctxWithTimeout(m.cfg.ReadyTimeout)
	if err := sess.Initialize(ctx); err != nil {
		cancel()
		c.logger.Error("instance manager: initialize failed", "instance", c.id, "err", err)
		c.transition(m, model.StateError, nil)
		return
	}

	go m.watchInitRace(c, ctx, cancel, progress)
}

// watchInitRace enforces readyTimeoutMs against the init race armed by
// bootstrap, without blocking the caller that kicked off the create/restore.
func (m *Manager) watchInitRace(c *Context, ctx context.Context, cancel context.CancelFunc, progress <-chan struct{}) {
	defer cancel()
	select {
	case <-progress:
		// ready, qr, or some other settled outcome arrived within
		// readyTimeoutMs; subsequent recovery is owned by the watchdogs and
		// reconnection ladder from here on.
	case <-ctx.Done():
		c.logger.Warn("instance manager: init race timed out", "instance", c.id, "timeout", m.cfg.ReadyTimeout)
		if c.State() == model.StateConnecting {
			c.transition(m, model.StateError, nil)
		}
	}
}

// Update implements InstanceManager.update (spec §4.5).
func (m *Manager) Update(id string, name *string, webhookCfg *model.WebhookConfig, typingCfg *model.TypingConfig) error {
	c, ok := m.get(id)
	if !ok {
		return apperr.New(apperr.KindNotFound, "instance not found")
	}
	c.UpdateDescriptor(name, webhookCfg, typingCfg)

	m.mu.RLock()
	createdAt := m.createdAt[id]
	m.mu.RUnlock()

	if err := m.persist.Put(c.Descriptor(createdAt)); err != nil {
		m.logger.Error("instance manager: persist failed on update", "instance", id, "err", err)
	}
	return nil
}

// Delete implements the §3 deletion sequence.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	c, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return apperr.New(apperr.KindNotFound, "instance not found")
	}
	delete(m.instances, id)
	delete(m.createdAt, id)
	m.mu.Unlock()

	c.stop()
	if sess := c.session(); sess != nil {
		ctx, cancel := ctxWithTimeout(m.cfg.DestroyTimeout)
		_ = sess.Destroy(ctx)
		cancel()
	}
	c.clearSession()
	removed := m.idempotency.DeleteByInstanceName(id)
	m.logger.Info("instance manager: deleted", "instance", id, "idempotencyRecordsRemoved", removed)

	if err := m.persist.Delete(id); err != nil {
		m.logger.Error("instance manager: persist failed on delete", "instance", id, "err", err)
	}
	m.mode.Recompute()
	return nil
}

// SendMessage implements the sendMessage enqueue entry point (spec §4.4).
func (m *Manager) SendMessage(id, chatID, message, idemKey, role string, applyTyping bool) (enqueueResult, error) {
	return m.enqueue(id, model.QueueItem{
		Type:           model.ItemMessage,
		Payload:        model.MessagePayload{ChatID: chatID, Message: message},
		IdempotencyKey: idemKey,
		ApplyTyping:    applyTyping,
		Role:           normalizeRole(role),
	})
}

// normalizeRole defaults an unspecified recipient role to "customer" (spec
// §3 "typingApplyTo ... subset of {customer, merchant}").
func normalizeRole(role string) string {
	if role == "" {
		return "customer"
	}
	return role
}

// SendPoll implements the sendPoll enqueue entry point (spec §4.4).
func (m *Manager) SendPoll(id, chatID, caption string, options []string, multiple bool, idemKey string) (enqueueResult, error) {
	return m.enqueue(id, model.QueueItem{
		Type:           model.ItemPoll,
		Payload:        model.PollPayload{ChatID: chatID, Caption: caption, Options: options, MultipleAnswers: multiple},
		IdempotencyKey: idemKey,
		Role:           normalizeRole(""),
	})
}

// Logout forces an instance out of READY by destroying its driver handle
// and waiting for the next QR (SPEC_FULL.md "client/action/logout"). While
// the system is SYNCING, the action is deferred through the OutboundQueue
// and a stable queued id is returned instead (spec §4.6/§4.7) so a mass
// restore isn't compounded by concurrent logouts.
func (m *Manager) Logout(id string) (queuedID string, err error) {
	c, ok := m.get(id)
	if !ok {
		return "", apperr.New(apperr.KindNotFound, "instance not found")
	}

	run := func() {
		if sess := c.session(); sess != nil {
			ctx, cancel := ctxWithTimeout(m.cfg.DestroyTimeout)
			_ = sess.Destroy(ctx)
			cancel()
		}
		c.transitionNamed(m, model.StateNeedsQR, "disconnected", "manual logout")
		go m.ensureReady(id)
	}

	if m.mode.Mode() == systemmode.ModeSyncing {
		qid := shortuuid.New()
		if m.outbound.Push(systemmode.OutboundItem{ID: qid, InstanceID: id, Run: run}) {
			return qid, nil
		}
		return "", apperr.New(apperr.KindRateLimited, "outbound queue full")
	}

	run()
	return "", nil
}

// EnsureReady exposes the ReconnectionLadder's public operation to callers
// outside the package (HTTP client/action endpoints, RestoreScheduler).
func (m *Manager) EnsureReady(id string) error { return m.ensureReady(id) }

// RestoreOnStartup reads the persisted descriptor list and enqueues each
// into the RestoreScheduler (spec §4.5 "restoreOnStartup").
func (m *Manager) RestoreOnStartup(scheduler *restore.Scheduler) {
	for _, desc := range m.persist.List() {
		scheduler.Enqueue(desc)
	}
}

// RestoreCreateFn returns the CreateFunc the RestoreScheduler invokes per
// item: it re-creates the in-memory InstanceContext for an already-persisted
// descriptor without re-validating or re-persisting it.
func (m *Manager) RestoreCreateFn() restore.CreateFunc {
	return func(desc model.Descriptor) error {
		m.mu.Lock()
		if _, exists := m.instances[desc.ID]; exists {
			m.mu.Unlock()
			return nil
		}
		c := newContext(desc.ID, desc.Name, desc, m.cfg, m.logger, m.idempotency, m.dispatcher, m.factory, m.authDir(desc.ID), m.mode.Recompute)
		m.instances[desc.ID] = c
		m.createdAt[desc.ID] = desc.CreatedAt
		m.mu.Unlock()

		go c.eventLoop(m)
		m.bootstrap(c)
		return nil
	}
}

// RestoreMarkFailedFn returns the MarkFailedFunc the RestoreScheduler calls
// once an item exhausts its restore attempts.
func (m *Manager) RestoreMarkFailedFn() restore.MarkFailedFunc {
	return func(desc model.Descriptor, reason string) {
		m.logger.Error("instance manager: restore abandoned", "instance", desc.ID, "reason", reason)
	}
}

func (m *Manager) authDir(id string) string {
	return filepath.Join(m.authRoot, id)
}

func ctxWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
