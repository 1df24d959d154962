// Package backlog stores the per-channel ordered message log that the bus
// replays to reconnecting clients.
package backlog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnavailable = errors.New("backlog unavailable")
	ErrGap         = errors.New("backlog gap")
)

const (
	DefaultMaxCount = 1000
	DefaultMaxAge   = 7 * 24 * time.Hour
	DefaultLimit    = 1000
)

type Entry struct {
	ID        uint64
	Payload   []byte
	CreatedAt time.Time
}

// Retention bounds a channel's log. Zero fields are unbounded.
type Retention struct {
	MaxCount int
	MaxAge   time.Duration
}

func (r Retention) Or(def Retention) Retention {
	if r.MaxCount <= 0 {
		r.MaxCount = def.MaxCount
	}
	if r.MaxAge <= 0 {
		r.MaxAge = def.MaxAge
	}
	return r
}

func (r Retention) cutoff(now time.Time) time.Time {
	if r.MaxAge <= 0 {
		return time.Time{}
	}
	return now.Add(-r.MaxAge)
}

// Store is safe for concurrent use. Ids are assigned per channel starting at
// 1 and are never reused, including after Trim.
type Store interface {
	// Append assigns the next id for channel, stores payload under it and
	// then applies keep to the channel.
	Append(ctx context.Context, channel string, payload []byte, keep Retention) (uint64, error)
	// ReadRange returns retained entries with id > afterID, oldest first.
	ReadRange(ctx context.Context, channel string, afterID uint64, limit int) ([]Entry, error)
	LastID(ctx context.Context, channel string) (uint64, error)
	// Window reports the oldest retained id (0 when nothing is retained) and
	// the last assigned id.
	Window(ctx context.Context, channel string) (oldest, last uint64, err error)
	Trim(ctx context.Context, channel string, keep Retention) (int, error)
	Close() error
}

type GapError struct {
	Channel   string `json:"channel"`
	Requested uint64 `json:"requested"`
	Oldest    uint64 `json:"oldest"`
	Last      uint64 `json:"last"`
}

func (e *GapError) Error() string {
	return fmt.Sprintf("backlog gap on %s: requested messages after %d, retained window is %d..%d", e.Channel, e.Requested, e.Oldest, e.Last)
}

func (e *GapError) Is(target error) bool {
	return target == ErrGap
}

// CheckGap reports whether replaying after afterID would silently skip
// messages that were already trimmed.
func CheckGap(channel string, oldest, last, afterID uint64) error {
	if afterID >= last {
		return nil
	}
	if oldest != 0 && afterID+1 >= oldest {
		return nil
	}
	return &GapError{Channel: channel, Requested: afterID, Oldest: oldest, Last: last}
}

var errClosed = fmt.Errorf("%w: store is closed", ErrUnavailable)

func unavailable(op string, err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Replay reads entries after afterID and fails with a *GapError when the
// read would start past afterID+1 because older entries were trimmed.
func Replay(ctx context.Context, s Store, channel string, afterID uint64, limit int) ([]Entry, error) {
	entries, err := s.ReadRange(ctx, channel, afterID, limit)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		if entries[0].ID == afterID+1 {
			return entries, nil
		}
		last, err := s.LastID(ctx, channel)
		if err != nil {
			return nil, err
		}
		return nil, &GapError{Channel: channel, Requested: afterID, Oldest: entries[0].ID, Last: last}
	}
	oldest, last, err := s.Window(ctx, channel)
	if err != nil {
		return nil, err
	}
	if err := CheckGap(channel, oldest, last, afterID); err != nil {
		return nil, err
	}
	return nil, nil
}
