package bus

import (
	"fmt"
	"time"

	"messagebus/internal/backlog"
	"messagebus/internal/channel"

	"github.com/vmihailenco/msgpack/v5"
)

// Message is immutable once published. Handlers share one value, so they must
// not modify its slices.
type Message struct {
	ID uint64
	// GlobalID is the message's position in the global backlog, or 0 when the
	// global backlog is disabled.
	GlobalID uint64
	Channel  string
	SiteID   string
	Data     []byte
	UserIDs  []int64
	GroupIDs []int64
}

// Broadcast reports whether the message is addressed to everyone on its
// channel.
func (m Message) Broadcast() bool {
	return len(m.UserIDs) == 0 && len(m.GroupIDs) == 0
}

// AllowedFor applies the recipient filter: broadcasts reach everyone,
// otherwise the user or one of the groups must be listed.
func (m Message) AllowedFor(userID int64, hasUser bool, groupIDs []int64) bool {
	if m.Broadcast() {
		return true
	}
	if hasUser {
		for _, id := range m.UserIDs {
			if id == userID {
				return true
			}
		}
	}
	for _, g := range m.GroupIDs {
		for _, mine := range groupIDs {
			if g == mine {
				return true
			}
		}
	}
	return false
}

type PublishOptions struct {
	UserIDs  []int64
	GroupIDs []int64
	// SiteID overrides the site carried by the publish context. A pointer
	// to "" publishes to the single-tenant site.
	SiteID *string
	// Per-publish retention; zero values fall back to the bus defaults.
	MaxBacklogSize int
	MaxBacklogAge  time.Duration
}

// envelope is the payload stored in the backlog and carried by the
// transport.
type envelope struct {
	Data     []byte  `msgpack:"d"`
	UserIDs  []int64 `msgpack:"u,omitempty"`
	GroupIDs []int64 `msgpack:"g,omitempty"`
}

// globalRecord is one entry of the global backlog.
type globalRecord struct {
	Channel string `msgpack:"c"`
	ID      uint64 `msgpack:"i"`
	Payload []byte `msgpack:"p"`
}

func encodeEnvelope(data []byte, opts PublishOptions) ([]byte, error) {
	b, err := msgpack.Marshal(&envelope{Data: data, UserIDs: opts.UserIDs, GroupIDs: opts.GroupIDs})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

func decodeMessage(wire string, id, globalID uint64, payload []byte) (Message, error) {
	ch, site, err := channel.Decode(wire)
	if err != nil {
		return Message{}, err
	}
	var env envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return Message{}, fmt.Errorf("decode message %s#%d: %w", wire, id, err)
	}
	return Message{
		ID:       id,
		GlobalID: globalID,
		Channel:  ch,
		SiteID:   site,
		Data:     env.Data,
		UserIDs:  env.UserIDs,
		GroupIDs: env.GroupIDs,
	}, nil
}

func decodeGlobal(e backlog.Entry) (Message, error) {
	var rec globalRecord
	if err := msgpack.Unmarshal(e.Payload, &rec); err != nil {
		return Message{}, fmt.Errorf("decode global entry %d: %w", e.ID, err)
	}
	return decodeMessage(rec.Channel, rec.ID, e.ID, rec.Payload)
}
