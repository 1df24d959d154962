package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"messagebus/internal/rpc/codec"
	"messagebus/internal/transport"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Transport implements transport.Transport against a remote relay Server.
type Transport struct {
	conn      *grpc.ClientConn
	client    RelayClient
	processID string
}

// Dial connects lazily; the first Notify or Listen establishes the
// connection and gRPC keeps reconnecting underneath after that.
func Dial(addr, processID string, opts ...grpc.DialOption) (*Transport, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec.JSON{})),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", addr, err)
	}
	return &Transport{conn: conn, client: NewRelayClient(conn), processID: processID}, nil
}

func (t *Transport) Close() error {
	return t.conn.Close()
}

func (t *Transport) Notify(ctx context.Context, raw transport.Raw) error {
	if _, err := t.client.Notify(ctx, fromRaw(raw)); err != nil {
		return fmt.Errorf("relay: notify: %w", err)
	}
	return nil
}

// Listen returns once the server has confirmed the subscription, so nothing
// notified after Listen returns can be missed.
func (t *Transport) Listen(ctx context.Context) (transport.Listener, error) {
	sctx, cancel := context.WithCancel(ctx)
	stream, err := t.client.Listen(sctx, &ListenRequest{ProcessID: t.processID}, grpc.WaitForReady(true))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("relay: listen: %w", err)
	}
	first, err := stream.Recv()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("relay: listen: %w", err)
	}
	if !first.Ready {
		cancel()
		return nil, errors.New("relay: listen: stream did not start with a ready frame")
	}

	l := &listener{
		cancel: cancel,
		items:  make(chan transport.Raw),
		failed: make(chan struct{}),
	}
	go l.pump(stream)
	return l, nil
}

type listener struct {
	cancel context.CancelFunc
	items  chan transport.Raw
	failed chan struct{}

	once sync.Once
	err  error
}

func (l *listener) pump(stream RelayListenClient) {
	for {
		n, err := stream.Recv()
		if err != nil {
			l.err = err
			close(l.failed)
			return
		}
		select {
		case l.items <- n.raw():
		case <-stream.Context().Done():
			l.err = stream.Context().Err()
			close(l.failed)
			return
		}
	}
}

func (l *listener) Next(ctx context.Context) (transport.Raw, error) {
	select {
	case raw := <-l.items:
		return raw, nil
	case <-l.failed:
		return transport.Raw{}, fmt.Errorf("%w: %v", transport.ErrClosed, l.err)
	case <-ctx.Done():
		return transport.Raw{}, ctx.Err()
	}
}

func (l *listener) Close() {
	l.once.Do(l.cancel)
}
