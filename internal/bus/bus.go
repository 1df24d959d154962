// Package bus is the message bus instance: it publishes into the backlog,
// announces new messages on the transport and runs the single dispatcher
// that fans them out to subscribers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"messagebus/internal/backlog"
	"messagebus/internal/channel"
	"messagebus/internal/logging"
	"messagebus/internal/metrics"
	"messagebus/internal/registry"
	"messagebus/internal/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/backoff"
)

var (
	ErrAlreadyStarted = errors.New("bus: dispatcher already started")
	ErrNotStarted     = errors.New("bus: dispatcher not started")
)

// DefaultGlobalMaxCount bounds the global backlog when no retention is given.
const DefaultGlobalMaxCount = 2000

// DefaultBackoff paces dispatcher reconnects.
var DefaultBackoff = backoff.Config{
	BaseDelay:  100 * time.Millisecond,
	Multiplier: backoff.DefaultConfig.Multiplier,
	Jitter:     backoff.DefaultConfig.Jitter,
	MaxDelay:   30 * time.Second,
}

type Handler func(Message) error

type Subscription = registry.Subscription[Message]

type Options struct {
	Store     backlog.Store
	Transport transport.Transport
	Logger    *zap.Logger
	Metrics   *metrics.Metrics

	// Retention applies to every channel unless a publish overrides it.
	Retention backlog.Retention
	// GlobalBacklog also records every publish in one cross-channel log.
	GlobalBacklog   bool
	GlobalRetention backlog.Retention
	// ReplayLimit caps how many entries one Backlog call returns.
	ReplayLimit int

	// OnCallbackError observes every failed subscriber callback after it
	// has been logged.
	OnCallbackError func(*CallbackError)
	Backoff         backoff.Config
	ProcessID       string
}

type Bus struct {
	store     backlog.Store
	transport transport.Transport
	registry  *registry.Registry[Message]
	logger    *zap.Logger
	metrics   *metrics.Metrics

	retention       backlog.Retention
	globalBacklog   bool
	globalRetention backlog.Retention
	replayLimit     int
	onCallbackError func(*CallbackError)
	backoff         backoff.Config

	processID string
	startedAt time.Time
	off       atomic.Bool

	diagMu      sync.Mutex
	diagSub     *Subscription
	diagCounts  map[string]uint64
	diagEnabled atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) (*Bus, error) {
	if opts.Store == nil {
		return nil, errors.New("bus: store is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("bus: transport is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.GlobalRetention == (backlog.Retention{}) {
		opts.GlobalRetention = backlog.Retention{MaxCount: DefaultGlobalMaxCount, MaxAge: opts.Retention.MaxAge}
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = backlog.DefaultLimit
	}
	if opts.Backoff == (backoff.Config{}) {
		opts.Backoff = DefaultBackoff
	}
	if opts.ProcessID == "" {
		opts.ProcessID = uuid.NewString()
	}
	return &Bus{
		store:           opts.Store,
		transport:       opts.Transport,
		registry:        registry.New[Message](),
		logger:          logging.OrNop(opts.Logger).Named("bus"),
		metrics:         opts.Metrics,
		retention:       opts.Retention,
		globalBacklog:   opts.GlobalBacklog,
		globalRetention: opts.GlobalRetention,
		replayLimit:     opts.ReplayLimit,
		onCallbackError: opts.OnCallbackError,
		backoff:         opts.Backoff,
		processID:       opts.ProcessID,
		startedAt:       time.Now().UTC(),
	}, nil
}

type siteKey struct{}

// WithSite returns a context whose publishes, local subscriptions and
// backlog reads belong to site.
func WithSite(ctx context.Context, site string) context.Context {
	return context.WithValue(ctx, siteKey{}, site)
}

func SiteFromContext(ctx context.Context) string {
	site, _ := siteFromContext(ctx)
	return site
}

func siteFromContext(ctx context.Context) (string, bool) {
	site, ok := ctx.Value(siteKey{}).(string)
	return site, ok
}

// Off makes every Publish a no-op until On is called.
func (b *Bus) Off() {
	if !b.off.Swap(true) {
		b.logger.Warn("message bus switched off")
	}
}

func (b *Bus) On() {
	if b.off.Swap(false) {
		b.logger.Warn("message bus switched on")
	}
}

func (b *Bus) IsOff() bool {
	return b.off.Load()
}

func (b *Bus) ProcessID() string {
	return b.processID
}

// Subscribe registers h for channel on every site. An empty channel
// subscribes to everything. Handlers run on the dispatcher goroutine and must
// hand slow work off; a handler that publishes must do so from another
// goroutine.
func (b *Bus) Subscribe(ch string, h Handler) (*Subscription, error) {
	if ch == "" {
		return b.registry.Add(registry.Global(), h), nil
	}
	if err := channel.Validate(ch); err != nil {
		return nil, err
	}
	return b.registry.Add(registry.Channel(ch), h), nil
}

// LocalSubscribe is Subscribe limited to the site carried by ctx.
func (b *Bus) LocalSubscribe(ctx context.Context, ch string, h Handler) (*Subscription, error) {
	site := SiteFromContext(ctx)
	if ch == "" {
		return b.registry.Add(registry.Site(site), h), nil
	}
	if err := channel.Validate(ch); err != nil {
		return nil, err
	}
	return b.registry.Add(registry.SiteChannel(site, ch), h), nil
}

func (b *Bus) Unsubscribe(sub *Subscription) bool {
	return b.registry.Remove(sub)
}

// Backlog returns the retained messages of ch after lastID for the site
// carried by ctx. An empty ch reads the global backlog, where lastID is a
// global id. Replaying from before the retained window fails with a
// *backlog.GapError.
func (b *Bus) Backlog(ctx context.Context, ch string, lastID uint64) ([]Message, error) {
	if ch == "" {
		return b.globalBacklogAfter(ctx, lastID)
	}
	wire, err := channel.Encode(ch, SiteFromContext(ctx))
	if err != nil {
		return nil, err
	}
	entries, err := backlog.Replay(ctx, b.store, wire, lastID, b.replayLimit)
	if err != nil {
		return nil, logicalGap(err, ch)
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		msg, err := decodeMessage(wire, e.ID, 0, e.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// globalBacklogAfter returns every site's messages unless ctx names a site.
func (b *Bus) globalBacklogAfter(ctx context.Context, lastID uint64) ([]Message, error) {
	entries, err := backlog.Replay(ctx, b.store, globalKey, lastID, b.replayLimit)
	if err != nil {
		return nil, logicalGap(err, "")
	}
	site, filter := siteFromContext(ctx)
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		msg, err := decodeGlobal(e)
		if err != nil {
			return nil, err
		}
		if filter && msg.SiteID != site {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (b *Bus) LastID(ctx context.Context, ch string) (uint64, error) {
	if ch == "" {
		return b.store.LastID(ctx, globalKey)
	}
	wire, err := channel.Encode(ch, SiteFromContext(ctx))
	if err != nil {
		return 0, err
	}
	return b.store.LastID(ctx, wire)
}

type Stats struct {
	ProcessID     string            `json:"process_id"`
	StartedAt     time.Time         `json:"started_at"`
	Off           bool              `json:"off"`
	Running       bool              `json:"running"`
	Subscriptions int               `json:"subscriptions"`
	Diagnostics   bool              `json:"diagnostics"`
	Dispatched    map[string]uint64 `json:"dispatched,omitempty"`
}

func (b *Bus) Stats() Stats {
	s := Stats{
		ProcessID:     b.processID,
		StartedAt:     b.startedAt,
		Off:           b.IsOff(),
		Running:       b.running(),
		Subscriptions: b.registry.Len(),
		Diagnostics:   b.diagEnabled.Load(),
	}
	if s.Diagnostics {
		b.diagMu.Lock()
		s.Dispatched = make(map[string]uint64, len(b.diagCounts))
		for k, v := range b.diagCounts {
			s.Dispatched[k] = v
		}
		b.diagMu.Unlock()
	}
	return s
}

var globalKey = channel.Reserved("global")

func logicalGap(err error, ch string) error {
	var gap *backlog.GapError
	if errors.As(err, &gap) {
		g := *gap
		g.Channel = ch
		return &g
	}
	return err
}

func wrapf(err error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
