package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/sony/gobreaker"

	"github.com/whatsapp-hub/supervisor/infra/tracing"
	"github.com/whatsapp-hub/supervisor/internal/apperr"
	"github.com/whatsapp-hub/supervisor/internal/domain/model"
	"github.com/whatsapp-hub/supervisor/internal/driver"
)

// ensureReady implements the ReconnectionLadder's public operation (spec
// §4.3). Concurrent callers for the same instance collapse onto one ladder
// run via singleflight (step 5); gobreaker enforces "too many recent
// failures" fail-fast on top of the explicit restart-rate-limit check.
func (m *Manager) ensureReady(id string) error {
	ctx, span := tracing.Tracer().Start(context.Background(), "ladder.ensureReady")
	defer span.End()
	_ = ctx

	c, ok := m.get(id)
	if !ok {
		return apperr.New(apperr.KindNotFound, "instance not found")
	}

	// Step 1.
	if c.State() == model.StateReady {
		return nil
	}

	// Step 2: non-retryable terminal states.
	switch c.State() {
	case model.StateNeedsQR, model.StateError, model.StateFailedQRTimeout, model.StateRestricted:
		return apperr.New(apperr.KindTerminal, fmt.Sprintf("instance is in terminal state %s", c.State()))
	}

	// Step 3: active PAUSED cooldown already has an auto-wake scheduled.
	c.stateMu.Lock()
	pausedUntil := c.pausedUntil
	c.stateMu.Unlock()
	if c.State() == model.StatePaused && time.Now().Before(pausedUntil) {
		return apperr.New(apperr.KindRateLimited, "cooldown active, auto-wake already scheduled")
	}

	// Step 4: restart rate limit.
	now := time.Now()
	if ok, next := c.restartLimiter.Allow(now); !ok {
		c.pauseUntil(m, next)
		c.armTimer("restart-ratelimit-wake", time.Until(next), func() {
			go m.ensureReady(c.id)
		})
		return apperr.New(apperr.KindRateLimited, "restart rate limit exceeded")
	}

	// Step 5/6: single-flight + record attempt; breaker adds fail-fast on
	// top of a recent string of failures.
	_, err, _ := c.reconnect.Do(c.id, func() (any, error) {
		c.restartLimiter.RecordAttempt(time.Now())
		return nil, execute2(c.breaker(), func() error {
			return m.runLadder(c)
		})
	})
	return err
}

func (c *Context) pauseUntil(m *Manager, until time.Time) {
	c.stateMu.Lock()
	c.pausedUntil = until
	c.stateMu.Unlock()
	c.transition(m, model.StatePaused, nil)
}

// breaker lazily builds this instance's circuit breaker.
func (c *Context) breaker() *gobreaker.CircuitBreaker[struct{}] {
	c.breakerOnce.Do(func() {
		c.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "ladder-" + c.id,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     c.cfg.RestartWindow,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 2
			},
		})
	})
	return c.cb
}

// Execute2 adapts the generic breaker to a plain func()error signature.
func execute2(cb *gobreaker.CircuitBreaker[struct{}], fn func() error) error {
	_, err := cb.Execute(func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// runLadder performs the soft→hard restart sequence (spec §4.3 steps 7-10).
func (m *Manager) runLadder(c *Context) error {
	c.qrDuringRestart = false

	base := m.cfg.RestartBaseBackoff
	time.Sleep(jitteredBackoff(base, 1))

	if err := m.softRestart(c); err == nil {
		return nil
	}

	time.Sleep(jitteredBackoff(base, 2))

	if err := m.hardRestart(c); err == nil {
		return nil
	}

	if c.qrDuringRestart {
		c.transition(m, model.StateNeedsQR, nil)
	} else {
		c.transition(m, model.StateError, nil)
	}
	return fmt.Errorf("reconnection ladder exhausted for %s", c.id)
}

// jitteredBackoff mirrors cenkalti/backoff's exponential-with-cap shape for
// the ladder's fixed retry points (spec §4.3 steps 7/9: "2s" / "twice the
// base backoff").
func jitteredBackoff(base time.Duration, multiplier int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = float64(multiplier)
	b.MaxElapsedTime = 0
	b.Reset()
	if multiplier > 1 {
		b.NextBackOff()
	}
	return b.NextBackOff()
}

func (m *Manager) softRestart(c *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SoftRestartTimeout)
	defer cancel()

	sess := c.session()
	if sess == nil {
		return fmt.Errorf("no session to restart")
	}
	destroyCtx, dcancel := context.WithTimeout(context.Background(), m.cfg.DestroyTimeout)
	_ = sess.Destroy(destroyCtx)
	dcancel()

	progress := c.armInitRace()
	c.transition(m, model.StateConnecting, nil)
	if err := sess.Initialize(ctx); err != nil {
		return err
	}
	return m.awaitReadyOrQR(ctx, progress)
}

func (m *Manager) hardRestart(c *Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HardRestartTimeout)
	defer cancel()

	if old := c.session(); old != nil {
		destroyCtx, dcancel := context.WithTimeout(context.Background(), m.cfg.DestroyTimeout)
		_ = old.Destroy(destroyCtx)
		dcancel()
	}

	fresh := c.driverFactory(c.id, c.authDir)
	c.setSession(fresh)
	m.pumpDriverEvents(c, fresh)

	progress := c.armInitRace()
	c.transition(m, model.StateConnecting, nil)
	if err := fresh.Initialize(ctx); err != nil {
		return err
	}
	return m.awaitReadyOrQR(ctx, progress)
}

// awaitReadyOrQR races the init-race progress channel (closed on the first
// of READY, NEEDS_QR, or any other settled outcome, per signalInitRace)
// against the provided deadline (spec §4.3 step 8 "await ready event or QR
// within softRestartTimeoutMs"). A bare readyPromise wait would miss QR
// arrival entirely, since entering NEEDS_QR replaces the ready promise
// instead of resolving it.
func (m *Manager) awaitReadyOrQR(ctx context.Context, progress <-chan struct{}) error {
	select {
	case <-progress:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pumpDriverEvents starts the goroutine translating a session's raw event
// channel into the instance's serialized event bus (spec §9).
func (m *Manager) pumpDriverEvents(c *Context, sess driver.Session) {
	go func() {
		for {
			select {
			case <-c.ctx.Done():
				return
			case ev, ok := <-sess.Events():
				if !ok {
					return
				}
				c.publishDriverEvent(ev)
			}
		}
	}()
}
