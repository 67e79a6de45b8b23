package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/oklog/ulid/v2"

	"github.com/whatsapp-hub/supervisor/internal/apperr"
	"github.com/whatsapp-hub/supervisor/internal/domain/model"
)

// randInt63n is a tiny seam so typingDelay's randomness stays in one place;
// it returns a value in [0, n]. rand.Int63n panics on a non-positive
// argument, which typingDelay rules out by only calling this when max > min.
func randInt63n(n int64) int64 { return rand.Int63n(n + 1) }

// enqueueResult reports the public outcome of an enqueue attempt, letting
// the HTTP handler pick the right status code (spec §6 "Status codes").
type enqueueResult struct {
	Item      model.QueueItem
	Idempotent bool
	SentID    string
}

// enqueue implements the sendMessage/sendPoll enqueue path (spec §4.4
// "Enqueue path").
func (m *Manager) enqueue(id string, item model.QueueItem) (enqueueResult, error) {
	c, ok := m.get(id)
	if !ok {
		return enqueueResult{}, apperr.New(apperr.KindNotFound, "instance not found")
	}

	c.queueMu.Lock()
	full := len(c.queue) >= m.cfg.MaxQueueSize
	c.queueMu.Unlock()
	if full {
		return enqueueResult{}, apperr.New(apperr.KindRateLimited, "queue full")
	}

	if item.IdempotencyKey == "" {
		item.IdempotencyKey = deriveIdempotencyKey(c.id, item)
	}

	if rec, ok := c.idempotency.Get(item.IdempotencyKey); ok {
		if rec.Status == model.StatusSent {
			return enqueueResult{Item: item, Idempotent: true, SentID: rec.ProviderMessageID}, nil
		}
		if rec.Status == model.StatusQueued && time.Since(rec.CreatedAt) < time.Hour {
			return enqueueResult{}, apperr.New(apperr.KindDuplicateIdempotent, "duplicate of pending item")
		}
	}

	if item.ID == "" {
		item.ID = ulid.Make().String()
	}
	item.CreatedAt = time.Now()

	c.idempotency.Upsert(model.IdempotencyRecord{
		Key: item.IdempotencyKey, InstanceName: c.id, QueueItemID: item.ID,
		Status: model.StatusQueued,
	})

	c.queueMu.Lock()
	c.queue = append(c.queue, item)
	depth := len(c.queue)
	c.queueMu.Unlock()
	_ = depth

	if c.State() == model.StateReady {
		m.startSendLoop(id)
	}
	return enqueueResult{Item: item}, nil
}

// deriveIdempotencyKey hashes (type, instanceName, normalized payload) when
// the caller supplied no structured order reference (spec §4.4 "Compute
// idempotency key").
func deriveIdempotencyKey(instanceID string, item model.QueueItem) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", instanceID, item.Type, item.ChatID())
	switch p := item.Payload.(type) {
	case model.MessagePayload:
		h.Write([]byte(p.Message))
	case model.PollPayload:
		h.Write([]byte(p.Caption))
		for _, o := range p.Options {
			h.Write([]byte(o))
		}
	}
	return "auto:" + hex.EncodeToString(h.Sum(nil))[:32]
}

// startSendLoop ensures exactly one drain goroutine is running for id (spec
// §4.4 "one loop per instance, guarded so it never runs twice concurrently").
func (m *Manager) startSendLoop(id string) {
	c, ok := m.get(id)
	if !ok {
		return
	}
	if !c.sendLoopRunning.tryStart() {
		return
	}
	go m.drainLoop(c)
}

// stopSendLoop signals the running loop to exit at its next checkpoint; the
// loop itself clears sendLoopRunning on return.
func (m *Manager) stopSendLoop(id string) {
	// The loop observes state on every iteration (checked via c.State()), so
	// no extra signalling is needed beyond the state transition already made
	// by the caller.
	_ = id
}

// drainLoop is the continuous per-instance send loop (spec §4.4).
func (m *Manager) drainLoop(c *Context) {
	defer c.sendLoopRunning.stop()

	for {
		if c.State() != model.StateReady {
			return
		}

		item, found := c.nextDueItem()
		if !found {
			time.Sleep(time.Second)
			continue
		}

		if ok, next := c.sendLimiter.Allow(time.Now()); !ok {
			c.deferItem(item.ID, next)
			continue
		}

		m.processOne(c, item)
		time.Sleep(m.cfg.SendPace)
	}
}

// nextDueItem selects the first queue item whose nextAttemptAt has elapsed,
// preserving insertion order among due items while letting newer, non-
// deferred items overtake ones still waiting out a backoff (spec §5
// "Ordering guarantees").
func (c *Context) nextDueItem() (model.QueueItem, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	now := time.Now()
	for _, it := range c.queue {
		if it.NextAttemptAt.IsZero() || !it.NextAttemptAt.After(now) {
			return it, true
		}
	}
	return model.QueueItem{}, false
}

// deferItem pushes a single item's nextAttemptAt out to the rolling-window
// edge without blocking the rest of the queue (spec §4.4 "Rate-limiting
// contract").
func (c *Context) deferItem(itemID string, until time.Time) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	for i := range c.queue {
		if c.queue[i].ID == itemID {
			c.queue[i].NextAttemptAt = until
			return
		}
	}
}

// processOne sends a single queue item and classifies the outcome (spec
// §4.4 steps 3-10).
func (m *Manager) processOne(c *Context, item model.QueueItem) {
	sess := c.session()
	if sess == nil {
		c.requeueFailure(item, "no active session")
		return
	}

	chatID := model.NormalizeChatID(item.ChatID())
	typing := c.typingConfig()
	if item.ApplyTyping && typing.Enabled && !model.IsGroup(chatID) && typing.AppliesToRole(item.Role) {
		m.simulateTyping(c, sess, chatID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
	defer cancel()

	var providerID string
	var err error
	switch p := item.Payload.(type) {
	case model.MessagePayload:
		providerID, err = sess.SendMessage(ctx, chatID, p.Message)
	case model.PollPayload:
		providerID, err = sess.SendPoll(ctx, chatID, p.Caption, p.Options, p.MultipleAnswers)
	default:
		err = fmt.Errorf("unrecognized queue item payload")
	}

	c.sendLimiter.RecordSend(time.Now())

	if err == nil {
		if item.IdempotencyKey != "" {
			c.idempotency.MarkSent(item.IdempotencyKey, providerID)
		}
		c.dequeue(item.ID)
		return
	}

	switch classifyFailure(err) {
	case failureDisconnectLike:
		c.requeueFailure(item, err.Error())
		if c.State() != model.StateNeedsQR {
			c.transition(m, model.StateDisconnected, err.Error())
			go m.ensureReady(c.id)
		}
		return

	case failureNonRetryableUser:
		c.dequeue(item.ID)
		if item.IdempotencyKey != "" {
			c.idempotency.MarkFailed(item.IdempotencyKey, err.Error())
		}
		c.dispatcher.Dispatch(ctxBackground(), c.id, c.webhookConfig(), "message_failed", map[string]any{
			"queueItemId": item.ID, "error": err.Error(),
		})

	default:
		if item.AttemptCount+1 >= m.cfg.MaxSendAttempts {
			// Reference policy: abandon-after-N rather than retry forever
			// (spec §4.4 step 8 leaves this choice to the implementer).
			c.dequeue(item.ID)
			if item.IdempotencyKey != "" {
				c.idempotency.MarkFailed(item.IdempotencyKey, err.Error())
			}
			return
		}
		c.requeueFailure(item, err.Error())
	}
}

type failureClass int

const (
	failureOther failureClass = iota
	failureDisconnectLike
	failureNonRetryableUser
)

// classifyFailure buckets a driver send error per spec §4.4's three
// categories, matching on the substrings the driver is documented to use.
func classifyFailure(err error) failureClass {
	lower := strings.ToLower(err.Error())
	for _, token := range []string{
		"session closed", "disconnected", "null",
		"execution context was destroyed", "protocol error", "failed to launch",
		"evaluate",
	} {
		if strings.Contains(lower, token) {
			return failureDisconnectLike
		}
	}
	for _, token := range []string{"no lid for user", "invalid number", "not a whatsapp user", "not registered", "blocked"} {
		if strings.Contains(lower, token) {
			return failureNonRetryableUser
		}
	}
	return failureOther
}

func (c *Context) requeueFailure(item model.QueueItem, reason string) {
	item.AttemptCount++
	item.LastError = reason
	item.NextAttemptAt = time.Now().Add(retryBackoff(c.cfg.RetryBaseBackoff, c.cfg.RetryMaxBackoff, item.AttemptCount))

	c.queueMu.Lock()
	for i := range c.queue {
		if c.queue[i].ID == item.ID {
			c.queue[i] = item
			break
		}
	}
	c.queueMu.Unlock()
}

// retryBackoff computes the exponential-with-cap delay for a queue item's
// Nth retry (spec §4.4 steps 6/8 "exponential_backoff(attemptCount)"),
// reusing the same cenkalti/backoff/v3 shape as the ladder's jitteredBackoff
// (ladder.go) and actually honoring RetryMaxBackoff as the cap.
func retryBackoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > max {
		d = max
	}
	return d
}

func (c *Context) dequeue(itemID string) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	for i, it := range c.queue {
		if it.ID == itemID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// simulateTyping toggles the typing indicator before a non-group send (spec
// §4.4 step 4). It waits for the tenant's TypingConfig.Duration when that is
// set, otherwise for a uniformly random delay in [TypingMinDelay,
// TypingMaxDelay]; either wait is bounded by the absolute TypingMaxTotal cap.
// The indicator is always cleared afterwards via a guaranteed-cleanup scope.
func (m *Manager) simulateTyping(c *Context, sess interface {
	SetTyping(ctx context.Context, chatID string, on bool) error
}, chatID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := sess.SetTyping(ctx, chatID, true)
	cancel()
	if err != nil {
		return
	}

	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		_ = sess.SetTyping(ctx2, chatID, false)
		cancel2()
	}()

	d := c.typingConfig().Duration
	if d <= 0 {
		d = typingDelay(m.cfg.TypingMinDelay, m.cfg.TypingMaxDelay)
	}
	if cap := m.cfg.TypingMaxTotal; cap > 0 && d > cap {
		d = cap
	}
	time.Sleep(d)
}

// typingDelay picks a uniform random duration in [min, max] (spec §4.4 step 4
// "uniformly random delay in [600 ms, 1800 ms]").
func typingDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(randInt63n(int64(max-min)))
}
