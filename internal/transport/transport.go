// Package transport carries "new message" notifications from publishers to
// every process's dispatcher.
package transport

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("transport closed")

// Raw is a notification as it travels between processes. Channel is the
// encoded wire channel.
type Raw struct {
	Channel  string `json:"channel"`
	ID       uint64 `json:"id"`
	GlobalID uint64 `json:"global_id,omitempty"`
	Payload  []byte `json:"payload"`
}

type Transport interface {
	Notify(ctx context.Context, raw Raw) error
	Listen(ctx context.Context) (Listener, error)
}

type Listener interface {
	// Next blocks until a notification arrives. It fails when the
	// underlying connection is lost; callers then Listen again.
	Next(ctx context.Context) (Raw, error)
	Close()
}

const DefaultBuffer = 1024

// Memory fans notifications out to in-process listeners. Notify blocks while
// a listener's buffer is full rather than dropping; it never holds the lock
// while it waits.
type Memory struct {
	buf int

	mu     sync.RWMutex
	closed bool
	subs   map[*memoryListener]struct{}
}

func NewMemory(buf int) *Memory {
	if buf <= 0 {
		buf = DefaultBuffer
	}
	return &Memory{buf: buf, subs: map[*memoryListener]struct{}{}}
}

type memoryListener struct {
	hub  *Memory
	ch   chan Raw
	done chan struct{}
	once sync.Once
}

func (m *Memory) Listen(ctx context.Context) (Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := &memoryListener{
		hub:  m,
		ch:   make(chan Raw, m.buf),
		done: make(chan struct{}),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.subs[l] = struct{}{}
	return l, nil
}

func (m *Memory) Notify(ctx context.Context, raw Raw) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memoryListener, 0, len(m.subs))
	for l := range m.subs {
		targets = append(targets, l)
	}
	m.mu.RUnlock()

	for _, l := range targets {
		select {
		case l.ch <- raw:
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close disconnects every listener; their Next calls fail with ErrClosed.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for l := range m.subs {
		l.once.Do(func() { close(l.done) })
		delete(m.subs, l)
	}
}

// Disconnect drops every current listener but keeps accepting new ones, the
// way a broker restart looks to its clients.
func (m *Memory) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for l := range m.subs {
		l.once.Do(func() { close(l.done) })
		delete(m.subs, l)
	}
}

func (m *Memory) Listeners() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

func (l *memoryListener) Next(ctx context.Context) (Raw, error) {
	select {
	case raw := <-l.ch:
		return raw, nil
	case <-l.done:
		select {
		case raw := <-l.ch:
			return raw, nil
		default:
			return Raw{}, ErrClosed
		}
	case <-ctx.Done():
		return Raw{}, ctx.Err()
	}
}

func (l *memoryListener) Close() {
	l.once.Do(func() { close(l.done) })
	l.hub.mu.Lock()
	delete(l.hub.subs, l)
	l.hub.mu.Unlock()
}
