package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/whatsapp-hub/supervisor/internal/domain/model"
	"github.com/whatsapp-hub/supervisor/internal/driver"
	"github.com/whatsapp-hub/supervisor/internal/ratelimit"
	"github.com/whatsapp-hub/supervisor/internal/store/idempotency"
	"github.com/whatsapp-hub/supervisor/internal/webhook"
)

const driverEventsTopic = "driver-events"

// Context is the per-instance runtime state: current state, queue, counters,
// timers, locks and the session-library handle (spec §3 "Runtime", §4
// component #4). It is the actor-model "cell" of this supervisor, grounded
// on the teacher's registry.Cell.
type Context struct {
	id     string
	cfg    Config
	logger *slog.Logger

	idempotency *idempotency.Store
	dispatcher  webhook.Dispatcher

	// descMu guards the tenant-editable descriptor fields.
	descMu  sync.RWMutex
	webhook model.WebhookConfig
	typing  model.TypingConfig
	name    string

	// stateMu guards state + watchdog anchors; all transitions are
	// serialized through the driver-event consumer goroutine or an explicit
	// lock acquisition from timers (spec §5 "Ordering guarantees").
	stateMu   sync.Mutex
	state     model.State
	watchdogs model.Watchdogs
	readySrc  string
	lastErr   string
	lastErrAt time.Time
	lastWebhookCode int
	qrPayload string
	lastQRAt  time.Time
	phone     string
	displayNm string
	qrDuringRestart bool
	connectingWatchdogTries int
	needsQRAttempts         int
	pausedUntil             time.Time

	breakerOnce sync.Once
	cb          *gobreaker.CircuitBreaker[struct{}]

	// readyCh is the one-shot "ready promise": replaced atomically on every
	// entry into CONNECTING, closed on entry into READY (spec §9 "Promises").
	readyMu sync.Mutex
	readyCh chan struct{}

	// initRaceMu/initRaceCh back the create-time "race ready vs qr vs
	// configured init timeout" (spec §4.5, §5 "Timeouts: Initialization").
	// Armed by each bootstrap call and by each ladder soft/hard restart, and
	// closed on the first of NEEDS_QR,
	// READY, or any other settled (non-CONNECTING) outcome.
	initRaceMu sync.Mutex
	initRaceCh chan struct{}

	// queueMu guards the ordered send queue (spec §3 QueueItem, §5 ordering).
	queueMu sync.Mutex
	queue   []model.QueueItem

	sendLimiter    *ratelimit.SendLimiter
	failureWindow  *ratelimit.Window
	disconnectWindow *ratelimit.Window
	restartLimiter *ratelimit.RestartLimiter

	// reconnect single-flights concurrent ensureReady callers (spec §4.3 step 5).
	reconnect singleflight.Group

	driverFactory driver.Factory
	authDir       string
	sessMu        sync.Mutex
	sess          driver.Session

	// eventBus carries driver events from the producer pump goroutine to the
	// single serialized state-machine consumer (spec §9 "channel of tagged
	// driver events").
	eventBus   *gochannel.GoChannel
	eventSub   <-chan *message.Message
	eventTopic string

	sendLoopRunning atomic32
	ctx             context.Context
	cancel          context.CancelFunc

	timers   map[string]*time.Timer
	timersMu sync.Mutex

	recentEvents   []model.DriverEventRecord
	recentEventsMu sync.Mutex

	subsMu sync.Mutex
	subs   map[int]chan model.DriverEventRecord
	nextSub int

	onSyncChange func() // notifies SystemModeController.recompute()
}

// atomic32 is a tiny CAS-guarded bool, avoiding an extra import for one flag.
type atomic32 struct {
	mu  sync.Mutex
	val bool
}

func (a *atomic32) tryStart() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.val {
		return false
	}
	a.val = true
	return true
}

func (a *atomic32) stop() {
	a.mu.Lock()
	a.val = false
	a.mu.Unlock()
}

func (a *atomic32) isRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.val
}

// newContext builds a fresh Context in STARTING_BROWSER with its own
// cancellation scope (spec §5 "Cancellation").
func newContext(id, name string, desc model.Descriptor, cfg Config, logger *slog.Logger, idem *idempotency.Store, disp webhook.Dispatcher, factory driver.Factory, authDir string, onSyncChange func()) *Context {
	ctx, cancel := context.WithCancel(context.Background())

	bus := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, watermill.NopLogger{})
	sub, _ := bus.Subscribe(ctx, driverEventsTopic)

	c := &Context{
		id:               id,
		cfg:              cfg,
		logger:           logger.With("instance", id),
		idempotency:      idem,
		dispatcher:       disp,
		webhook:          desc.Webhook,
		typing:           desc.Typing,
		name:             name,
		state:            model.StateStartingBrowser,
		sendLimiter:      ratelimit.NewSendLimiter(cfg.MaxSendsPerMinute, cfg.MaxSendsPerHour),
		failureWindow:    ratelimit.NewWindow(time.Hour),
		disconnectWindow: ratelimit.NewWindow(time.Hour),
		restartLimiter:   ratelimit.NewRestartLimiter(cfg.RestartWindow, cfg.MaxRestartsPerWindow),
		driverFactory:    factory,
		authDir:          authDir,
		eventBus:         bus,
		eventSub:         sub,
		eventTopic:       driverEventsTopic,
		ctx:              ctx,
		cancel:           cancel,
		timers:           make(map[string]*time.Timer),
		onSyncChange:     onSyncChange,
	}
	c.readyCh = make(chan struct{})
	return c
}

// ID returns the instance id.
func (c *Context) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Context) State() model.State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Descriptor reassembles the persistable descriptor from current fields.
func (c *Context) Descriptor(createdAt time.Time) model.Descriptor {
	c.descMu.RLock()
	defer c.descMu.RUnlock()
	return model.Descriptor{
		ID: c.id, Name: c.name, Webhook: c.webhook, Typing: c.typing, CreatedAt: createdAt,
	}
}

// UpdateDescriptor applies a tenant patch (spec §4.5 update).
func (c *Context) UpdateDescriptor(name *string, webhook *model.WebhookConfig, typing *model.TypingConfig) {
	c.descMu.Lock()
	defer c.descMu.Unlock()
	if name != nil {
		c.name = *name
	}
	if webhook != nil {
		c.webhook = *webhook
	}
	if typing != nil {
		c.typing = *typing
	}
}

func (c *Context) webhookConfig() model.WebhookConfig {
	c.descMu.RLock()
	defer c.descMu.RUnlock()
	return c.webhook
}

func (c *Context) typingConfig() model.TypingConfig {
	c.descMu.RLock()
	defer c.descMu.RUnlock()
	return c.typing
}

// QueueDepth returns the current queue length.
func (c *Context) QueueDepth() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}

// Status renders the read-only diagnostics/status snapshot (spec §6).
func (c *Context) Status() model.RuntimeStatus {
	c.stateMu.Lock()
	st := model.RuntimeStatus{
		ID: c.id, Name: c.name, State: c.state,
		PhoneNumber: c.phone, DisplayName: c.displayNm, ReadySource: c.readySrc,
		AuthenticatedAt: c.watchdogs.AuthenticatedAt, ReadyAt: c.watchdogs.ReadyAt,
		LastError: c.lastErr, LastErrorAt: c.lastErrAt,
		LastWebhookCode: c.lastWebhookCode,
	}
	c.stateMu.Unlock()
	st.QueueDepth = c.QueueDepth()
	return st
}

// RecentEvents returns a copy of the bounded diagnostics ring buffer
// (SPEC_FULL.md §4).
func (c *Context) RecentEvents() []model.DriverEventRecord {
	c.recentEventsMu.Lock()
	defer c.recentEventsMu.Unlock()
	out := make([]model.DriverEventRecord, len(c.recentEvents))
	copy(out, c.recentEvents)
	return out
}

// recordWebhookResult stores the most recent webhook delivery's outcome for
// the diagnostics/status endpoints (spec §7 "lastWebhookStatus"). A
// transport-level failure (no response reached) is recorded as code 0.
func (c *Context) recordWebhookResult(statusCode int, err error) {
	c.stateMu.Lock()
	c.lastWebhookCode = statusCode
	c.stateMu.Unlock()
}

const recentEventsCap = 20

func (c *Context) recordEvent(kind string) {
	rec := model.DriverEventRecord{Type: kind, At: time.Now()}
	c.recentEventsMu.Lock()
	c.recentEvents = append(c.recentEvents, rec)
	if len(c.recentEvents) > recentEventsCap {
		c.recentEvents = c.recentEvents[len(c.recentEvents)-recentEventsCap:]
	}
	c.recentEventsMu.Unlock()
	c.publishToSubscribers(rec)
}

// Subscribe registers a live diagnostics listener for the instance's event
// stream (SPEC_FULL.md "GET /instances/{id}/events/ws"). The returned
// channel is closed and the subscription removed when cancel is called.
func (c *Context) Subscribe() (<-chan model.DriverEventRecord, func()) {
	ch := make(chan model.DriverEventRecord, 32)
	c.subsMu.Lock()
	if c.subs == nil {
		c.subs = make(map[int]chan model.DriverEventRecord)
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	cancel := func() {
		c.subsMu.Lock()
		if ch, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
		c.subsMu.Unlock()
	}
	return ch, cancel
}

// publishToSubscribers fans a recorded event out to every live subscriber,
// dropping it for any subscriber whose buffer is full rather than blocking
// the state machine (spec §5 "never blocks, delays").
func (c *Context) publishToSubscribers(rec model.DriverEventRecord) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// armTimer (re)schedules a named watchdog/cooldown timer, cancelling any
// prior timer of the same name (spec §4.2 watchdogs, §5 "Cancellation").
func (c *Context) armTimer(name string, d time.Duration, fn func()) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[name]; ok {
		t.Stop()
	}
	c.timers[name] = time.AfterFunc(d, func() {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		fn()
	})
}

// disarmTimer cancels a named timer if armed.
func (c *Context) disarmTimer(name string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[name]; ok {
		t.Stop()
		delete(c.timers, name)
	}
}

func (c *Context) disarmAllTimers() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	for name, t := range c.timers {
		t.Stop()
		delete(c.timers, name)
	}
}

// newReadyPromise replaces the one-shot ready channel, used on entry into
// CONNECTING (spec §9).
func (c *Context) newReadyPromise() {
	c.readyMu.Lock()
	c.readyCh = make(chan struct{})
	c.readyMu.Unlock()
}

func (c *Context) resolveReadyPromise() {
	c.readyMu.Lock()
	select {
	case <-c.readyCh:
	default:
		close(c.readyCh)
	}
	c.readyMu.Unlock()
}

func (c *Context) readyPromise() <-chan struct{} {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	return c.readyCh
}

// armInitRace (re)arms the create-time init race and returns the channel the
// caller should select on alongside its own timeout (spec §4.5 "race ready
// vs qr vs configured init timeout").
func (c *Context) armInitRace() <-chan struct{} {
	c.initRaceMu.Lock()
	defer c.initRaceMu.Unlock()
	c.initRaceCh = make(chan struct{})
	return c.initRaceCh
}

// signalInitRace closes the armed init-race channel, if any, marking the
// race as settled by a driver-observed outcome rather than a timeout.
func (c *Context) signalInitRace() {
	c.initRaceMu.Lock()
	defer c.initRaceMu.Unlock()
	if c.initRaceCh == nil {
		return
	}
	select {
	case <-c.initRaceCh:
	default:
		close(c.initRaceCh)
	}
}

// publishDriverEvent forwards one occurrence onto the per-instance event bus
// for serialized consumption by the state machine.
func (c *Context) publishDriverEvent(ev driver.Event) {
	payload, _ := json.Marshal(ev)
	msg := message.NewMessage(watermill.NewUUID(), payload)
	_ = c.eventBus.Publish(c.eventTopic, msg)
}

// stop cancels the instance's cancellation scope, unsubscribing every
// per-instance goroutine (spec §5 "Cancellation").
func (c *Context) stop() {
	c.cancel()
	c.disarmAllTimers()
	_ = c.eventBus.Close()

	c.subsMu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subsMu.Unlock()
}
