package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Poll attaches a client, waits until something is queued or the deadline
// passes and then detaches it. A timed-out poll returns an empty result so
// the client reconnects; that round trip is the liveness check.
func (m *Manager) Poll(ctx context.Context, req Request) (Result, error) {
	c, err := m.attach(ctx, req)
	if err != nil {
		return Result{}, err
	}

	final := StateTimedOut
	defer func() { m.detach(c, final) }()

	if !req.NoWait {
		timer := time.NewTimer(m.deadline(req))
		defer timer.Stop()
	wait:
		for !c.pending() {
			select {
			case <-c.wake:
			case <-timer.C:
				break wait
			case <-c.closed:
				final = StateDisconnected
				m.metrics.Polls.WithLabelValues(string(OutcomeClosed)).Inc()
				return Result{Outcome: OutcomeClosed, Cursors: c.flush().Cursors}, nil
			case <-ctx.Done():
				final = StateDisconnected
				m.metrics.Polls.WithLabelValues(string(OutcomeClosed)).Inc()
				return Result{Outcome: OutcomeClosed}, ctx.Err()
			}
		}
	}

	res := c.flush()
	res.Outcome = outcomeOf(res)
	m.metrics.Polls.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

// Stream keeps a client attached and calls send with every batch. A replay
// longer than the replay limit goes out one page per batch. Stream sends an
// empty batch whenever the manager timeout passes quietly. Stream returns
// after a gap batch, when send fails, when ctx ends or when another
// connection takes over the client id.
func (m *Manager) Stream(ctx context.Context, req Request, send func(Result) error) error {
	c, err := m.attach(ctx, req)
	if err != nil {
		return err
	}
	final := StateDisconnected
	defer func() { m.detach(c, final) }()

	interval := m.deadline(req)
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		quiet := false
		for !quiet && !c.pending() {
			if m.catchUp(ctx, c) {
				continue
			}
			select {
			case <-c.wake:
			case <-timer.C:
				quiet = true
			case <-c.closed:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		res := c.flush()
		res.Outcome = outcomeOf(res)
		m.metrics.Polls.WithLabelValues(string(res.Outcome)).Inc()
		if err := send(res); err != nil {
			m.logger.Debug("stream send failed", zap.String("client_id", c.ID), zap.Error(err))
			return err
		}
		if res.Outcome == OutcomeGap {
			return nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

func outcomeOf(res Result) Outcome {
	switch {
	case len(res.Gaps) > 0:
		return OutcomeGap
	case len(res.Messages) > 0:
		return OutcomeData
	default:
		return OutcomeTimeout
	}
}
