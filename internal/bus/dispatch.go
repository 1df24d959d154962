package bus

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"messagebus/internal/channel"
	"messagebus/internal/transport"

	"go.uber.org/zap"
)

// CallbackError is a subscriber callback that returned an error or panicked.
// It never reaches the publisher.
type CallbackError struct {
	SubscriptionID string
	Channel        string
	SiteID         string
	MessageID      uint64
	Panicked       bool
	Err            error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback %s failed on %s#%d (site %q): %v", e.SubscriptionID, e.Channel, e.MessageID, e.SiteID, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// Start subscribes to the transport and runs the dispatcher until ctx is
// cancelled or Stop is called. Messages notified after Start returns are
// dispatched.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	l, err := b.transport.Listen(ctx)
	if err != nil {
		cancel()
		return wrapf(err, "bus: listen")
	}
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(ctx, l, b.done)
	return nil
}

// Stop ends the dispatcher and waits for it to exit. The bus can be started
// again afterwards.
func (b *Bus) Stop() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return ErrNotStarted
	}
	cancel()
	<-done
	return nil
}

func (b *Bus) running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancel != nil
}

func (b *Bus) run(ctx context.Context, l transport.Listener, done chan struct{}) {
	defer close(done)
	failures := 0
	received := false
	for {
		if l == nil {
			var err error
			l, err = b.transport.Listen(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				delay := b.delay(failures)
				b.logger.Error("transport listen failed",
					zap.Int("attempt", failures),
					zap.Duration("delay", delay),
					zap.Error(err),
				)
				if !sleep(ctx, delay) {
					return
				}
				continue
			}
			b.logger.Info("transport reconnected", zap.Int("attempt", failures+1))
			received = false
		}

		raw, err := l.Next(ctx)
		if err != nil {
			l.Close()
			l = nil
			if ctx.Err() != nil {
				return
			}
			b.metrics.TransportReconnects.Inc()
			if !received {
				failures++
			}
			delay := time.Duration(0)
			if failures > 0 {
				delay = b.delay(failures)
			}
			b.logger.Error("transport disconnected",
				zap.Int("attempt", failures),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		received = true
		failures = 0
		b.dispatch(raw)
	}
}

func (b *Bus) dispatch(raw transport.Raw) {
	ch, site, err := channel.Decode(raw.Channel)
	if err != nil {
		b.logger.Warn("dropping notification with undecodable channel",
			zap.String("wire_channel", raw.Channel),
			zap.Error(err),
		)
		return
	}
	msg, err := decodeMessage(raw.Channel, raw.ID, raw.GlobalID, raw.Payload)
	if err != nil {
		b.logger.Warn("dropping undecodable notification",
			zap.String("channel", ch),
			zap.String("site_id", site),
			zap.Uint64("message_id", raw.ID),
			zap.Error(err),
		)
		return
	}
	b.metrics.Dispatched.Inc()
	if b.diagEnabled.Load() {
		b.countDispatch(raw.Channel)
	}
	for _, sub := range b.registry.Lookup(site, ch) {
		b.invoke(sub, msg)
	}
}

func (b *Bus) invoke(sub *Subscription, msg Message) {
	panicked, err := call(sub.Handler, msg)
	if err == nil {
		return
	}
	cbErr := &CallbackError{
		SubscriptionID: sub.ID,
		Channel:        msg.Channel,
		SiteID:         msg.SiteID,
		MessageID:      msg.ID,
		Panicked:       panicked,
		Err:            err,
	}
	b.metrics.CallbackErrors.Inc()
	b.logger.Error("subscriber callback failed",
		zap.String("channel", msg.Channel),
		zap.String("site_id", msg.SiteID),
		zap.Uint64("message_id", msg.ID),
		zap.String("subscription_id", sub.ID),
		zap.String("scope", sub.Scope.String()),
		zap.Bool("panicked", panicked),
		zap.Error(err),
	)
	if b.onCallbackError != nil {
		if _, hookErr := call(func(Message) error { b.onCallbackError(cbErr); return nil }, msg); hookErr != nil {
			b.logger.Error("callback error hook failed", zap.Error(hookErr))
		}
	}
}

func call(h Handler, msg Message) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return false, h(msg)
}

// delay is the grpc exponential backoff for the given failure count.
func (b *Bus) delay(failures int) time.Duration {
	cfg := b.backoff
	d := float64(cfg.BaseDelay)
	ceiling := float64(cfg.MaxDelay)
	for retries := failures - 1; d < ceiling && retries > 0; retries-- {
		d *= cfg.Multiplier
	}
	if d > ceiling {
		d = ceiling
	}
	d *= 1 + cfg.Jitter*(rand.Float64()*2-1)
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
