package bus

import (
	"context"

	"messagebus/internal/backlog"
	"messagebus/internal/channel"
	"messagebus/internal/transport"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Publish appends data to ch's backlog on the site carried by ctx (or
// opts.SiteID) and wakes every dispatcher. It returns the assigned id, or 0
// without an error while the bus is off.
//
// Append failures are returned. Once the message is appended it counts as
// published: a failed transport notify is only logged, because the backlog
// still replays the message to every client.
func (b *Bus) Publish(ctx context.Context, ch string, data []byte, opts PublishOptions) (uint64, error) {
	if b.IsOff() {
		b.metrics.PublishSkipped.Inc()
		return 0, nil
	}

	site := SiteFromContext(ctx)
	if opts.SiteID != nil {
		site = *opts.SiteID
	}
	wire, err := channel.Encode(ch, site)
	if err != nil {
		return 0, err
	}
	payload, err := encodeEnvelope(data, opts)
	if err != nil {
		return 0, err
	}

	keep := backlog.Retention{MaxCount: opts.MaxBacklogSize, MaxAge: opts.MaxBacklogAge}.Or(b.retention)
	id, err := b.store.Append(ctx, wire, payload, keep)
	if err != nil {
		b.metrics.PublishErrors.Inc()
		b.logger.Warn("publish failed",
			zap.String("channel", ch),
			zap.String("site_id", site),
			zap.Error(err),
		)
		return 0, wrapf(err, "publish %s", ch)
	}

	var globalID uint64
	if b.globalBacklog {
		globalID = b.appendGlobal(ctx, wire, id, payload)
	}

	raw := transport.Raw{Channel: wire, ID: id, GlobalID: globalID, Payload: payload}
	if err := b.transport.Notify(ctx, raw); err != nil {
		b.metrics.PublishErrors.Inc()
		b.logger.Warn("notify failed; message stays in the backlog",
			zap.String("channel", ch),
			zap.String("site_id", site),
			zap.Uint64("message_id", id),
			zap.Error(err),
		)
	}
	b.metrics.Published.Inc()
	return id, nil
}

func (b *Bus) appendGlobal(ctx context.Context, wire string, id uint64, payload []byte) uint64 {
	rec, err := msgpack.Marshal(&globalRecord{Channel: wire, ID: id, Payload: payload})
	if err == nil {
		var gid uint64
		if gid, err = b.store.Append(ctx, globalKey, rec, b.globalRetention); err == nil {
			return gid
		}
	}
	b.metrics.PublishErrors.Inc()
	b.logger.Warn("global backlog append failed",
		zap.String("wire_channel", wire),
		zap.Uint64("message_id", id),
		zap.Error(err),
	)
	return 0
}
