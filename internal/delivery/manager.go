// Package delivery attaches long-poll and streaming clients to the bus. A
// client first replays what it missed from the backlog and then receives
// live messages, with no gap or duplicate between the two.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"messagebus/internal/backlog"
	"messagebus/internal/bus"
	"messagebus/internal/channel"
	"messagebus/internal/logging"
	"messagebus/internal/metrics"

	"go.uber.org/zap"
)

var (
	ErrNoChannels = errors.New("delivery: no channels requested")
	ErrClosed     = errors.New("delivery: manager closed")
)

const DefaultTimeout = 25 * time.Second

// Outcome says why a poll returned.
type Outcome string

const (
	OutcomeData    Outcome = metrics.OutcomeData
	OutcomeTimeout Outcome = metrics.OutcomeTimeout
	OutcomeGap     Outcome = metrics.OutcomeGap
	OutcomeClosed  Outcome = metrics.OutcomeClosed
)

// FromTail as a requested position means "only what is published from now
// on".
const FromTail int64 = -1

type Request struct {
	ClientID string
	SiteID   string
	UserID   *int64
	GroupIDs []int64
	// Channels maps each channel to the last id the client has seen, or
	// FromTail.
	Channels map[string]int64
	// Timeout overrides the manager's long-poll timeout.
	Timeout time.Duration
	// NoWait answers immediately even when nothing is queued.
	NoWait bool
}

type Result struct {
	Messages []Delivery
	// Gaps is set instead of Messages when the client asked to resume from
	// before a channel's retained window.
	Gaps    []*backlog.GapError
	Cursors map[string]uint64
	Outcome Outcome
}

type Options struct {
	Bus     *bus.Bus
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Timeout is the default long-poll deadline; streams send an empty
	// batch at the same interval.
	Timeout time.Duration
}

type ClientInfo struct {
	ID      string            `json:"id"`
	SiteID  string            `json:"site_id"`
	State   string            `json:"state"`
	Cursors map[string]uint64 `json:"cursors"`
}

// Manager keeps one wildcard bus subscription and routes each message to
// the attached clients through a site -> channel index.
type Manager struct {
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	sub     *bus.Subscription

	inboxMu sync.Mutex
	inbox   []bus.Message
	signal  chan struct{}

	mu      sync.Mutex
	closed  bool
	clients map[string]*Client
	live    map[*Client]struct{}
	index   map[string]map[string]map[*Client]struct{}

	stop chan struct{}
	done chan struct{}
}

func New(opts Options) (*Manager, error) {
	if opts.Bus == nil {
		return nil, errors.New("delivery: bus is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	m := &Manager{
		bus:     opts.Bus,
		logger:  logging.OrNop(opts.Logger).Named("delivery"),
		metrics: opts.Metrics,
		timeout: opts.Timeout,
		signal:  make(chan struct{}, 1),
		clients: map[string]*Client{},
		live:    map[*Client]struct{}{},
		index:   map[string]map[string]map[*Client]struct{}{},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	sub, err := opts.Bus.Subscribe("", m.enqueue)
	if err != nil {
		return nil, err
	}
	m.sub = sub
	go m.route()
	return m, nil
}

// Close detaches every client and stops routing.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	m.bus.Unsubscribe(m.sub)
	close(m.stop)
	<-m.done
	for _, c := range clients {
		c.close(StateDisconnected)
	}
}

// enqueue runs on the bus dispatcher and must not block.
func (m *Manager) enqueue(msg bus.Message) error {
	m.inboxMu.Lock()
	m.inbox = append(m.inbox, msg)
	m.inboxMu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

func (m *Manager) route() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case <-m.signal:
		}
		m.inboxMu.Lock()
		batch := m.inbox
		m.inbox = nil
		m.inboxMu.Unlock()
		for _, msg := range batch {
			for _, c := range m.subscribers(msg.SiteID, msg.Channel) {
				if c.hold(msg) {
					m.accept(c, msg)
				}
			}
		}
	}
}

func (m *Manager) subscribers(site, ch string) []*Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.index[site][ch]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// accept queues msg for c, first reading any ids between the client's
// cursor and msg from the backlog. Notifications from concurrent publishers
// can arrive out of id order; the backlog already has the earlier ones.
func (m *Manager) accept(c *Client, msg bus.Message) {
	cur, ok := c.cursor(msg.Channel)
	if !ok || msg.ID <= cur {
		return
	}
	if msg.ID > cur+1 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		m.fill(ctx, c, msg.Channel, cur, msg.ID)
		cancel()
	}
	c.push(msg)
}

func (m *Manager) fill(ctx context.Context, c *Client, ch string, after, before uint64) {
	for after+1 < before {
		msgs, err := m.bus.Backlog(bus.WithSite(ctx, c.SiteID), ch, after)
		var gap *backlog.GapError
		switch {
		case errors.As(err, &gap):
			m.logger.Info("client fell behind the backlog window",
				zap.String("client_id", c.ID),
				zap.String("channel", ch),
				zap.Uint64("requested", gap.Requested),
				zap.Uint64("oldest", gap.Oldest),
			)
			c.addGap(gap)
			return
		case err != nil:
			m.logger.Warn("backlog fill failed",
				zap.String("client_id", c.ID),
				zap.String("channel", ch),
				zap.Error(err),
			)
			return
		case len(msgs) == 0:
			return
		}
		for _, msg := range msgs {
			if msg.ID >= before {
				return
			}
			c.push(msg)
			after = msg.ID
		}
	}
}

// attach runs the connect sequence: register (live messages are held),
// replay from the backlog, then drain what was held.
func (m *Manager) attach(ctx context.Context, req Request) (*Client, error) {
	if len(req.Channels) == 0 {
		return nil, ErrNoChannels
	}
	c := newClient(req)
	siteCtx := bus.WithSite(ctx, req.SiteID)
	for ch, last := range req.Channels {
		if err := channel.Validate(ch); err != nil {
			return nil, err
		}
		if last < 0 {
			tail, err := m.bus.LastID(siteCtx, ch)
			if err != nil {
				return nil, err
			}
			c.cursors[ch] = tail
			continue
		}
		c.cursors[ch] = uint64(last)
	}

	c.state = StateReplaying
	if err := m.register(c); err != nil {
		return nil, err
	}

	for _, ch := range c.channels() {
		cur, _ := c.cursor(ch)
		last, err := m.bus.LastID(siteCtx, ch)
		if err != nil {
			m.detach(c, StateDisconnected)
			return nil, fmt.Errorf("replay %s: %w", ch, err)
		}
		msgs, err := m.bus.Backlog(siteCtx, ch, cur)
		var gap *backlog.GapError
		switch {
		case errors.As(err, &gap):
			m.logger.Info("client requested messages older than the backlog",
				zap.String("client_id", c.ID),
				zap.String("site_id", c.SiteID),
				zap.String("channel", ch),
				zap.Uint64("requested", gap.Requested),
				zap.Uint64("oldest", gap.Oldest),
				zap.Uint64("last", gap.Last),
			)
			c.addGap(gap)
			continue
		case err != nil:
			m.detach(c, StateDisconnected)
			return nil, fmt.Errorf("replay %s: %w", ch, err)
		}
		for _, msg := range msgs {
			c.push(msg)
		}
		if len(msgs) == 0 {
			m.resetIfAhead(siteCtx, c, ch, cur)
		} else if msgs[len(msgs)-1].ID < last {
			c.setTarget(ch, last)
		}
	}

	for {
		held := c.takeHeld()
		if len(held) == 0 {
			break
		}
		sort.SliceStable(held, func(i, j int) bool { return held[i].ID < held[j].ID })
		for _, msg := range held {
			m.accept(c, msg)
		}
	}
	return c, nil
}

// catchUp reads one more backlog page for every channel whose replay was cut
// short by the replay limit. It reports whether anything was read.
func (m *Manager) catchUp(ctx context.Context, c *Client) bool {
	progressed := false
	siteCtx := bus.WithSite(ctx, c.SiteID)
	for ch, cur := range c.behind() {
		msgs, err := m.bus.Backlog(siteCtx, ch, cur)
		var gap *backlog.GapError
		switch {
		case errors.As(err, &gap):
			m.logger.Info("client fell behind the backlog window during catch-up",
				zap.String("client_id", c.ID),
				zap.String("channel", ch),
				zap.Uint64("requested", gap.Requested),
				zap.Uint64("oldest", gap.Oldest),
			)
			c.dropTarget(ch)
			c.addGap(gap)
			continue
		case err != nil:
			m.logger.Warn("backlog catch-up failed",
				zap.String("client_id", c.ID),
				zap.String("channel", ch),
				zap.Error(err),
			)
			continue
		case len(msgs) == 0:
			c.dropTarget(ch)
			continue
		}
		for _, msg := range msgs {
			c.push(msg)
		}
		progressed = true
	}
	return progressed
}

func (m *Manager) resetIfAhead(ctx context.Context, c *Client, ch string, cur uint64) {
	last, err := m.bus.LastID(ctx, ch)
	if err != nil || cur <= last {
		return
	}
	m.logger.Info("client cursor ahead of the backlog; resetting",
		zap.String("client_id", c.ID),
		zap.String("channel", ch),
		zap.Uint64("cursor", cur),
		zap.Uint64("last", last),
	)
	c.reset(ch, last)
}

func (m *Manager) register(c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if c.ID != "" {
		if old := m.clients[c.ID]; old != nil {
			m.unindexLocked(old)
			old.close(StateDisconnected)
		}
		m.clients[c.ID] = c
	}
	site := m.index[c.SiteID]
	if site == nil {
		site = map[string]map[*Client]struct{}{}
		m.index[c.SiteID] = site
	}
	for ch := range c.cursors {
		if site[ch] == nil {
			site[ch] = map[*Client]struct{}{}
		}
		site[ch][c] = struct{}{}
	}
	m.live[c] = struct{}{}
	m.metrics.Clients.Set(float64(len(m.live)))
	return nil
}

func (m *Manager) detach(c *Client, final State) {
	m.mu.Lock()
	m.unindexLocked(c)
	if c.ID != "" && m.clients[c.ID] == c {
		delete(m.clients, c.ID)
	}
	m.metrics.Clients.Set(float64(len(m.live)))
	m.mu.Unlock()
	c.close(final)
}

func (m *Manager) unindexLocked(c *Client) {
	delete(m.live, c)
	site := m.index[c.SiteID]
	for ch := range c.cursors {
		delete(site[ch], c)
		if len(site[ch]) == 0 {
			delete(site, ch)
		}
	}
	if len(site) == 0 {
		delete(m.index, c.SiteID)
	}
}

// Clients lists attached clients that have an id, sorted by id.
func (m *Manager) Clients() []ClientInfo {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	out := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		c.mu.Lock()
		info := ClientInfo{ID: c.ID, SiteID: c.SiteID, State: c.state.String(), Cursors: make(map[string]uint64, len(c.cursors))}
		for ch, cur := range c.cursors {
			info.Cursors[ch] = cur
		}
		c.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) deadline(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return m.timeout
}
