package bus

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"go.uber.org/zap"
)

const (
	DiscoverChannel         = "/_diagnostics/discover"
	ProcessDiscoveryChannel = "/_diagnostics/process-discovery"
)

type discoverRequest struct {
	UserID *int64 `json:"user_id,omitempty"`
}

// ProcessInfo is what a process publishes in answer to a discover message.
type ProcessInfo struct {
	PID           int       `json:"pid"`
	ProcessID     string    `json:"process_id"`
	Hostname      string    `json:"hostname"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Subscriptions int       `json:"subscriptions"`
}

// EnableDiagnostics makes the process answer discover messages on every
// site and starts counting dispatched messages per wire channel. Calling it
// again is a no-op.
func (b *Bus) EnableDiagnostics() error {
	b.diagMu.Lock()
	defer b.diagMu.Unlock()
	if b.diagSub != nil {
		return nil
	}
	sub, err := b.Subscribe(DiscoverChannel, b.answerDiscover)
	if err != nil {
		return err
	}
	b.diagSub = sub
	b.diagCounts = map[string]uint64{}
	b.diagEnabled.Store(true)
	b.logger.Info("diagnostics enabled", zap.String("process_id", b.processID))
	return nil
}

func (b *Bus) countDispatch(wire string) {
	b.diagMu.Lock()
	if b.diagCounts != nil {
		b.diagCounts[wire]++
	}
	b.diagMu.Unlock()
}

func (b *Bus) answerDiscover(msg Message) error {
	var req discoverRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return err
		}
	}
	hostname, _ := os.Hostname()
	info := ProcessInfo{
		PID:           os.Getpid(),
		ProcessID:     b.processID,
		Hostname:      hostname,
		StartedAt:     b.startedAt,
		UptimeSeconds: int64(time.Since(b.startedAt).Seconds()),
		Subscriptions: b.registry.Len(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	site := msg.SiteID
	opts := PublishOptions{SiteID: &site}
	if req.UserID != nil {
		opts.UserIDs = []int64{*req.UserID}
	}
	// Publishing waits on the transport, which this dispatcher goroutine
	// drains.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := b.Publish(ctx, ProcessDiscoveryChannel, data, opts); err != nil {
			b.logger.Warn("process discovery reply failed", zap.Error(err))
		}
	}()
	return nil
}
