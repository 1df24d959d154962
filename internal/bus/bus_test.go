package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"messagebus/internal/backlog"
	"messagebus/internal/channel"
	"messagebus/internal/metrics"
	"messagebus/internal/transport"

	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"google.golang.org/grpc/backoff"
)

func newTestBus(t *testing.T, opts Options) (*Bus, *transport.Memory) {
	t.Helper()
	hub := transport.NewMemory(64)
	t.Cleanup(hub.Close)
	if opts.Store == nil {
		opts.Store = backlog.NewMemoryStore(backlog.Retention{})
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	opts.Transport = hub
	opts.Logger = zap.NewNop()
	b, err := New(opts)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })
	return b, hub
}

func collect(t *testing.T, b *Bus, sub func(Handler) (*Subscription, error)) <-chan Message {
	t.Helper()
	out := make(chan Message, 256)
	if _, err := sub(func(m Message) error {
		out <- m
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return out
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a message")
		return Message{}
	}
}

func publish(t *testing.T, ctx context.Context, b *Bus, ch, data string) uint64 {
	t.Helper()
	id, err := b.Publish(ctx, ch, []byte(data), PublishOptions{})
	if err != nil {
		t.Fatalf("publish %s: %v", ch, err)
	}
	return id
}

func msgIDs(msgs []Message) []uint64 {
	out := make([]uint64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestPublishAndBacklog(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, Options{})

	for i := 1; i <= 5; i++ {
		if id := publish(t, ctx, b, "/alerts", fmt.Sprintf("m%d", i)); id != uint64(i) {
			t.Fatalf("expected id %d, got %d", i, id)
		}
	}
	got, err := b.Backlog(ctx, "/alerts", 0)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if diff := cmp.Diff([]uint64{1, 2, 3, 4, 5}, msgIDs(got)); diff != "" {
		t.Fatalf("unexpected backlog ids (-want +got):\n%s", diff)
	}
	if string(got[3].Data) != "m4" || got[3].Channel != "/alerts" || got[3].SiteID != "" {
		t.Fatalf("unexpected message: %#v", got[3])
	}

	got, err = b.Backlog(ctx, "/alerts", 1)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if diff := cmp.Diff([]uint64{2, 3, 4, 5}, msgIDs(got)); diff != "" {
		t.Fatalf("unexpected backlog ids (-want +got):\n%s", diff)
	}

	last, err := b.LastID(ctx, "/alerts")
	if err != nil || last != 5 {
		t.Fatalf("expected last id 5, got %d err=%v", last, err)
	}
	if last, _ := b.LastID(WithSite(ctx, "A"), "/alerts"); last != 0 {
		t.Fatalf("expected site A to have its own counter, got %d", last)
	}
}

func TestPublishCarriesRecipients(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, Options{})
	got := collect(t, b, func(h Handler) (*Subscription, error) { return b.Subscribe("/private", h) })

	site := "A"
	_, err := b.Publish(ctx, "/private", []byte("hi"), PublishOptions{UserIDs: []int64{7}, GroupIDs: []int64{3}, SiteID: &site})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	m := receive(t, got)
	want := Message{ID: 1, Channel: "/private", SiteID: "A", Data: []byte("hi"), UserIDs: []int64{7}, GroupIDs: []int64{3}}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Fatalf("unexpected message (-want +got):\n%s", diff)
	}
}

func TestConcurrentPublishersNeverShareIDs(t *testing.T) {
	publishers, each := 100, 1000
	if testing.Short() {
		publishers, each = 10, 100
	}
	ctx := context.Background()
	b, _ := newTestBus(t, Options{Retention: backlog.Retention{MaxCount: 10}})

	var mu sync.Mutex
	seen := make(map[uint64]bool, publishers*each)
	var g taskgroup.Group
	for p := 0; p < publishers; p++ {
		g.Go(func() error {
			for i := 0; i < each; i++ {
				id, err := b.Publish(ctx, "/hot", []byte("x"), PublishOptions{})
				if err != nil {
					return err
				}
				mu.Lock()
				dup := seen[id]
				seen[id] = true
				mu.Unlock()
				if dup {
					return fmt.Errorf("id %d handed out twice", id)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	total := uint64(publishers * each)
	for id := uint64(1); id <= total; id++ {
		if !seen[id] {
			t.Fatalf("id %d was never assigned", id)
		}
	}
	if last, _ := b.LastID(ctx, "/hot"); last != total {
		t.Fatalf("expected last id %d, got %d", total, last)
	}
}

func TestFailingCallbackDoesNotStopDelivery(t *testing.T) {
	ctx := context.Background()
	m := metrics.Discard()
	var hookMu sync.Mutex
	var hooked []*CallbackError
	b, _ := newTestBus(t, Options{
		Metrics: m,
		OnCallbackError: func(e *CallbackError) {
			hookMu.Lock()
			hooked = append(hooked, e)
			hookMu.Unlock()
		},
	})

	boom := errors.New("boom")
	if _, err := b.Subscribe("/c", func(m Message) error {
		if m.ID == 1 {
			return boom
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe("/c", func(m Message) error {
		if m.ID == 1 {
			panic("subscriber bug")
		}
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	healthy := collect(t, b, func(h Handler) (*Subscription, error) { return b.Subscribe("/c", h) })

	publish(t, ctx, b, "/c", "m1")
	publish(t, ctx, b, "/c", "m2")
	if got := receive(t, healthy); got.ID != 1 {
		t.Fatalf("expected m1 to reach the healthy subscriber, got %d", got.ID)
	}
	if got := receive(t, healthy); got.ID != 2 {
		t.Fatalf("expected m2 to reach the healthy subscriber, got %d", got.ID)
	}

	hookMu.Lock()
	defer hookMu.Unlock()
	if len(hooked) != 2 {
		t.Fatalf("expected 2 callback errors, got %d", len(hooked))
	}
	if !errors.Is(hooked[0], boom) || hooked[0].Panicked {
		t.Fatalf("expected first failure to wrap boom, got %v", hooked[0])
	}
	if !hooked[1].Panicked || hooked[1].MessageID != 1 || hooked[1].Channel != "/c" {
		t.Fatalf("expected second failure to be a panic on /c#1, got %#v", hooked[1])
	}
	if got := testutil.ToFloat64(m.CallbackErrors); got != 2 {
		t.Fatalf("expected 2 counted callback errors, got %v", got)
	}
}

func TestSiteIsolation(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, Options{})
	siteA, siteB := WithSite(ctx, "A"), WithSite(ctx, "B")

	onA := collect(t, b, func(h Handler) (*Subscription, error) { return b.LocalSubscribe(siteA, "/foo", h) })
	onB := collect(t, b, func(h Handler) (*Subscription, error) { return b.LocalSubscribe(siteB, "/foo", h) })
	anySite := collect(t, b, func(h Handler) (*Subscription, error) { return b.Subscribe("/foo", h) })
	everything := collect(t, b, func(h Handler) (*Subscription, error) { return b.Subscribe("", h) })
	allOfA := collect(t, b, func(h Handler) (*Subscription, error) { return b.LocalSubscribe(siteA, "", h) })

	publish(t, siteA, b, "/foo", "for A")
	publish(t, siteB, b, "/foo", "for B")

	for name, ch := range map[string]<-chan Message{"site A": onA, "any site": anySite, "global": everything, "all of A": allOfA} {
		if m := receive(t, ch); m.SiteID != "A" || string(m.Data) != "for A" {
			t.Fatalf("%s: expected the site A message first, got %#v", name, m)
		}
	}
	if m := receive(t, onB); m.SiteID != "B" || string(m.Data) != "for B" {
		t.Fatalf("site B subscriber observed %q from site %q", m.Data, m.SiteID)
	}
	select {
	case m := <-allOfA:
		t.Fatalf("site A wildcard observed a site B message: %#v", m)
	case m := <-onA:
		t.Fatalf("site A subscriber observed a site B message: %#v", m)
	default:
	}
}

func TestOffSwitch(t *testing.T) {
	ctx := context.Background()
	m := metrics.Discard()
	b, _ := newTestBus(t, Options{Metrics: m})
	got := collect(t, b, func(h Handler) (*Subscription, error) { return b.Subscribe("/c", h) })

	publish(t, ctx, b, "/c", "before")
	receive(t, got)

	b.Off()
	if !b.IsOff() {
		t.Fatalf("expected bus to report off")
	}
	for i := 0; i < 5; i++ {
		id, err := b.Publish(ctx, "/c", []byte("while off"), PublishOptions{})
		if err != nil || id != 0 {
			t.Fatalf("expected silent no-op while off, got id=%d err=%v", id, err)
		}
	}
	if last, _ := b.LastID(ctx, "/c"); last != 1 {
		t.Fatalf("expected last id to stay 1, got %d", last)
	}

	b.On()
	if id := publish(t, ctx, b, "/c", "after"); id != 2 {
		t.Fatalf("expected id 2 after switching on, got %d", id)
	}
	if next := receive(t, got); string(next.Data) != "after" {
		t.Fatalf("expected nothing dispatched while off, got %q", next.Data)
	}
	if skipped := testutil.ToFloat64(m.PublishSkipped); skipped != 5 {
		t.Fatalf("expected 5 skipped publishes, got %v", skipped)
	}
}

func TestBacklogGap(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, Options{Retention: backlog.Retention{MaxCount: 21}})
	for i := 0; i < 120; i++ {
		publish(t, ctx, b, "/c", "x")
	}

	_, err := b.Backlog(ctx, "/c", 50)
	var gap *backlog.GapError
	if !errors.As(err, &gap) || !errors.Is(err, backlog.ErrGap) {
		t.Fatalf("expected a gap, got %v", err)
	}
	if gap.Channel != "/c" || gap.Oldest != 100 || gap.Last != 120 {
		t.Fatalf("unexpected gap: %#v", gap)
	}

	got, err := b.Backlog(ctx, "/c", 115)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if diff := cmp.Diff([]uint64{116, 117, 118, 119, 120}, msgIDs(got)); diff != "" {
		t.Fatalf("unexpected ids (-want +got):\n%s", diff)
	}
}

func TestPerPublishRetention(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, Options{Retention: backlog.Retention{MaxCount: 100}})
	for i := 0; i < 10; i++ {
		if _, err := b.Publish(ctx, "/small", []byte("x"), PublishOptions{MaxBacklogSize: 3}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	got, err := b.Backlog(ctx, "/small", 7)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if diff := cmp.Diff([]uint64{8, 9, 10}, msgIDs(got)); diff != "" {
		t.Fatalf("unexpected ids (-want +got):\n%s", diff)
	}
	if _, err := b.Backlog(ctx, "/small", 6); !errors.Is(err, backlog.ErrGap) {
		t.Fatalf("expected a gap below the per-publish window, got %v", err)
	}
}

func TestGlobalBacklog(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, Options{GlobalBacklog: true})
	siteA, siteB := WithSite(ctx, "A"), WithSite(ctx, "B")

	publish(t, siteA, b, "/a", "1")
	publish(t, ctx, b, "/b", "2")
	publish(t, siteB, b, "/a", "3")
	publish(t, siteA, b, "/a", "4")

	all, err := b.Backlog(ctx, "", 0)
	if err != nil {
		t.Fatalf("global backlog: %v", err)
	}
	type row struct {
		Global, ID uint64
		Channel    string
		Site       string
	}
	var rows []row
	for _, m := range all {
		rows = append(rows, row{m.GlobalID, m.ID, m.Channel, m.SiteID})
	}
	want := []row{
		{1, 1, "/a", "A"},
		{2, 1, "/b", ""},
		{3, 1, "/a", "B"},
		{4, 2, "/a", "A"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("unexpected global backlog (-want +got):\n%s", diff)
	}

	onlyA, err := b.Backlog(siteA, "", 1)
	if err != nil {
		t.Fatalf("global backlog for A: %v", err)
	}
	if len(onlyA) != 1 || onlyA[0].GlobalID != 4 {
		t.Fatalf("expected only global id 4 for site A, got %#v", onlyA)
	}
	if last, _ := b.LastID(ctx, ""); last != 4 {
		t.Fatalf("expected global last id 4, got %d", last)
	}
}

func TestInvalidChannelNames(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, Options{})

	if _, err := b.Publish(ctx, "/bad"+channel.Separator+"x", nil, PublishOptions{}); !errors.Is(err, channel.ErrInvalidChannelName) {
		t.Fatalf("expected ErrInvalidChannelName, got %v", err)
	}
	if _, err := b.Publish(ctx, "", nil, PublishOptions{}); !errors.Is(err, channel.ErrInvalidChannelName) {
		t.Fatalf("expected empty channel to be rejected, got %v", err)
	}
	if _, err := b.Subscribe("/bad$|", func(Message) error { return nil }); !errors.Is(err, channel.ErrInvalidChannelName) {
		t.Fatalf("expected subscribe to reject the name, got %v", err)
	}
	if _, err := b.Backlog(ctx, "/x"+channel.Separator, 0); !errors.Is(err, channel.ErrInvalidChannelName) {
		t.Fatalf("expected backlog to reject the name, got %v", err)
	}
}

func TestUnavailableStoreFailsPublish(t *testing.T) {
	ctx := context.Background()
	store := backlog.NewMemoryStore(backlog.Retention{})
	m := metrics.Discard()
	b, _ := newTestBus(t, Options{Store: store, Metrics: m})
	_ = store.Close()

	id, err := b.Publish(ctx, "/c", []byte("x"), PublishOptions{})
	if !errors.Is(err, backlog.ErrUnavailable) || id != 0 {
		t.Fatalf("expected ErrUnavailable, got id=%d err=%v", id, err)
	}
	if _, err := b.Backlog(ctx, "/c", 0); !errors.Is(err, backlog.ErrUnavailable) {
		t.Fatalf("expected backlog to surface ErrUnavailable, got %v", err)
	}
	if got := testutil.ToFloat64(m.PublishErrors); got != 1 {
		t.Fatalf("expected 1 publish error, got %v", got)
	}
}

func TestDispatcherReconnects(t *testing.T) {
	ctx := context.Background()
	m := metrics.Discard()
	b, hub := newTestBus(t, Options{Metrics: m})
	got := collect(t, b, func(h Handler) (*Subscription, error) { return b.Subscribe("/c", h) })

	hub.Disconnect()
	deadline := time.Now().Add(5 * time.Second)
	for hub.Listeners() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("dispatcher never listened again")
		}
		time.Sleep(10 * time.Millisecond)
	}

	publish(t, ctx, b, "/c", "after outage")
	if msg := receive(t, got); string(msg.Data) != "after outage" {
		t.Fatalf("unexpected message %q", msg.Data)
	}
	if n := testutil.ToFloat64(m.TransportReconnects); n < 1 {
		t.Fatalf("expected a counted reconnect, got %v", n)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	if err := b.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	if !b.Stats().Running {
		t.Fatalf("expected stats to report a running dispatcher")
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := b.Stop(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestEnableDiagnostics(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t, Options{ProcessID: "proc-1"})
	if err := b.EnableDiagnostics(); err != nil {
		t.Fatalf("enable diagnostics: %v", err)
	}
	if err := b.EnableDiagnostics(); err != nil {
		t.Fatalf("enable diagnostics twice: %v", err)
	}
	replies := collect(t, b, func(h Handler) (*Subscription, error) { return b.Subscribe(ProcessDiscoveryChannel, h) })

	siteA := WithSite(ctx, "A")
	if _, err := b.Publish(siteA, DiscoverChannel, []byte(`{"user_id":7}`), PublishOptions{}); err != nil {
		t.Fatalf("publish discover: %v", err)
	}
	reply := receive(t, replies)
	if reply.SiteID != "A" {
		t.Fatalf("expected the reply on site A, got %q", reply.SiteID)
	}
	if diff := cmp.Diff([]int64{7}, reply.UserIDs); diff != "" {
		t.Fatalf("unexpected reply recipients (-want +got):\n%s", diff)
	}
	var info ProcessInfo
	if err := json.Unmarshal(reply.Data, &info); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if info.ProcessID != "proc-1" || info.PID == 0 {
		t.Fatalf("unexpected process info: %#v", info)
	}

	stats := b.Stats()
	if !stats.Diagnostics || stats.Dispatched[DiscoverChannel+channel.Separator+"A"] != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	b := &Bus{backoff: backoff.Config{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}}
	var got []time.Duration
	for i := 1; i <= 6; i++ {
		got = append(got, b.delay(i))
	}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected delays (-want +got):\n%s", diff)
	}
}

func TestAllowedFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msg     Message
		user    int64
		hasUser bool
		groups  []int64
		want    bool
	}{
		{name: "broadcast", msg: Message{}, want: true},
		{name: "user match", msg: Message{UserIDs: []int64{7}}, user: 7, hasUser: true, want: true},
		{name: "user mismatch", msg: Message{UserIDs: []int64{7}}, user: 8, hasUser: true, want: false},
		{name: "anonymous", msg: Message{UserIDs: []int64{0}}, want: false},
		{name: "group match", msg: Message{UserIDs: []int64{7}, GroupIDs: []int64{2}}, user: 8, hasUser: true, groups: []int64{1, 2}, want: true},
		{name: "group mismatch", msg: Message{GroupIDs: []int64{2}}, groups: []int64{3}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.AllowedFor(tt.user, tt.hasUser, tt.groups); got != tt.want {
				t.Fatalf("AllowedFor() = %v, want %v", got, tt.want)
			}
		})
	}
}
