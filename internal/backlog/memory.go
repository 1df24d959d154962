package backlog

import (
	"context"
	"sync"
	"time"
)

type MemoryStore struct {
	now     func() time.Time
	defKeep Retention

	mu       sync.Mutex
	closed   bool
	channels map[string]*memoryChannel
}

type memoryChannel struct {
	last    uint64
	entries []Entry
}

// NewMemoryStore returns a single-process store. defKeep also bounds reads,
// so entries older than defKeep.MaxAge are never returned even before the
// next Append trims them.
func NewMemoryStore(defKeep Retention) *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		defKeep:  defKeep,
		channels: map[string]*memoryChannel{},
	}
}

func (s *MemoryStore) Append(ctx context.Context, channel string, payload []byte, keep Retention) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}

	ch := s.channels[channel]
	if ch == nil {
		ch = &memoryChannel{}
		s.channels[channel] = ch
	}
	ch.last++
	ch.entries = append(ch.entries, Entry{
		ID:        ch.last,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: s.now().UTC(),
	})
	ch.trimWithLockHeld(keep.Or(s.defKeep), s.now())
	return ch.last, nil
}

func (s *MemoryStore) ReadRange(ctx context.Context, channel string, afterID uint64, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}

	ch := s.channels[channel]
	if ch == nil {
		return []Entry{}, nil
	}
	cutoff := s.defKeep.cutoff(s.now())
	out := []Entry{}
	for _, e := range ch.entries {
		if e.ID <= afterID || e.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) LastID(ctx context.Context, channel string) (uint64, error) {
	_, last, err := s.Window(ctx, channel)
	return last, err
}

func (s *MemoryStore) Window(ctx context.Context, channel string) (uint64, uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, 0, errClosed
	}

	ch := s.channels[channel]
	if ch == nil {
		return 0, 0, nil
	}
	cutoff := s.defKeep.cutoff(s.now())
	for _, e := range ch.entries {
		if !e.CreatedAt.Before(cutoff) {
			return e.ID, ch.last, nil
		}
	}
	return 0, ch.last, nil
}

func (s *MemoryStore) Trim(ctx context.Context, channel string, keep Retention) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}
	ch := s.channels[channel]
	if ch == nil {
		return 0, nil
	}
	return ch.trimWithLockHeld(keep, s.now()), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.channels = map[string]*memoryChannel{}
	s.mu.Unlock()
	return nil
}

func (ch *memoryChannel) trimWithLockHeld(keep Retention, now time.Time) int {
	n := len(ch.entries)
	lower := 0
	if keep.MaxCount > 0 && n > keep.MaxCount {
		lower = n - keep.MaxCount
	}
	cutoff := keep.cutoff(now)
	for lower < n && ch.entries[lower].CreatedAt.Before(cutoff) {
		lower++
	}
	if lower == 0 {
		return 0
	}
	copy(ch.entries, ch.entries[lower:])
	for i := n - lower; i < n; i++ {
		ch.entries[i] = Entry{}
	}
	ch.entries = ch.entries[:n-lower]
	return lower
}
