package delivery

import (
	"encoding/json"
	"sort"
	"sync"

	"messagebus/internal/backlog"
	"messagebus/internal/bus"
)

type State int32

const (
	StateConnecting State = iota
	StateReplaying
	StateLive
	StateTimedOut
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReplaying:
		return "replaying"
	case StateLive:
		return "live"
	case StateTimedOut:
		return "timed_out"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// StatusChannel carries channel positions a client skipped over because
// every message in between was addressed to someone else.
const StatusChannel = "/__status"

type Delivery struct {
	Channel  string `json:"channel"`
	ID       uint64 `json:"id"`
	GlobalID uint64 `json:"global_id,omitempty"`
	Data     []byte `json:"data"`
}

// Client is one attached connection. Its cursors are the highest id queued
// per channel; a message at or below the cursor is never queued again.
type Client struct {
	ID       string
	SiteID   string
	userID   int64
	hasUser  bool
	groupIDs []int64

	mu      sync.Mutex
	state   State
	cursors map[string]uint64
	held    []bus.Message
	queue   []Delivery
	skipped map[string]uint64
	gaps    []*backlog.GapError
	// targets holds, per channel, the last id at attach time when replay
	// stopped short of it.
	targets map[string]uint64

	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newClient(req Request) *Client {
	c := &Client{
		ID:       req.ClientID,
		SiteID:   req.SiteID,
		groupIDs: append([]int64(nil), req.GroupIDs...),
		cursors:  make(map[string]uint64, len(req.Channels)),
		skipped:  map[string]uint64{},
		targets:  map[string]uint64{},
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	if req.UserID != nil {
		c.userID, c.hasUser = *req.UserID, true
	}
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// hold keeps msg for later when the client is still replaying. It reports
// whether the caller should deliver msg itself.
func (c *Client) hold(msg bus.Message) (deliver bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateReplaying:
		c.held = append(c.held, msg)
		return false
	case StateLive:
		return true
	default:
		return false
	}
}

func (c *Client) takeHeld() []bus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.held
	c.held = nil
	if len(held) == 0 && c.state == StateReplaying {
		c.state = StateLive
	}
	return held
}

func (c *Client) cursor(ch string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.cursors[ch]
	return cur, ok
}

// push queues msg if it is new for its channel and passes the recipient
// filter. A filtered message still advances the cursor.
func (c *Client) push(msg bus.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.cursors[msg.Channel]
	if !ok || msg.ID <= cur {
		return
	}
	c.cursors[msg.Channel] = msg.ID
	if !msg.AllowedFor(c.userID, c.hasUser, c.groupIDs) {
		c.skipped[msg.Channel] = msg.ID
		return
	}
	delete(c.skipped, msg.Channel)
	c.queue = append(c.queue, Delivery{
		Channel:  msg.Channel,
		ID:       msg.ID,
		GlobalID: msg.GlobalID,
		Data:     msg.Data,
	})
	c.signal()
}

// reset moves a channel's cursor, used when the client claims a position
// the backlog never reached.
func (c *Client) reset(ch string, to uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[ch] = to
	c.skipped[ch] = to
}

func (c *Client) setTarget(ch string, last uint64) {
	c.mu.Lock()
	c.targets[ch] = last
	c.mu.Unlock()
}

func (c *Client) dropTarget(ch string) {
	c.mu.Lock()
	delete(c.targets, ch)
	c.mu.Unlock()
}

// behind returns the cursor of every channel still short of its target and
// forgets the targets that were reached.
func (c *Client) behind() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]uint64{}
	for ch, target := range c.targets {
		if cur := c.cursors[ch]; cur < target {
			out[ch] = cur
			continue
		}
		delete(c.targets, ch)
	}
	return out
}

func (c *Client) addGap(gap *backlog.GapError) {
	c.mu.Lock()
	c.gaps = append(c.gaps, gap)
	c.mu.Unlock()
	c.signal()
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) > 0 || len(c.gaps) > 0
}

// flush hands over everything queued. The status entry is included only
// when some channel moved past its last delivered message.
func (c *Client) flush() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := Result{Cursors: make(map[string]uint64, len(c.cursors))}
	for ch, cur := range c.cursors {
		res.Cursors[ch] = cur
	}
	if len(c.gaps) > 0 {
		res.Gaps, c.gaps = c.gaps, nil
		c.queue = nil
		return res
	}
	res.Messages, c.queue = c.queue, nil
	if len(c.skipped) > 0 {
		data, _ := json.Marshal(c.skipped)
		res.Messages = append(res.Messages, Delivery{Channel: StatusChannel, Data: data})
		c.skipped = map[string]uint64{}
	}
	return res
}

func (c *Client) close(final State) {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = final
		c.held, c.queue = nil, nil
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *Client) channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.cursors))
	for ch := range c.cursors {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
