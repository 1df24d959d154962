package relay

import (
	"context"
	"errors"

	"messagebus/internal/logging"
	"messagebus/internal/transport"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server fans every notification it receives out to all open Listen streams.
type Server struct {
	hub    *transport.Memory
	logger *zap.Logger
}

// NewServer relays through hub. The hosting process may use hub directly as
// its own transport.
func NewServer(hub *transport.Memory, logger *zap.Logger) *Server {
	return &Server{hub: hub, logger: logging.OrNop(logger).Named("relay")}
}

func (s *Server) Notify(ctx context.Context, in *Notification) (*NotifyResponse, error) {
	if err := s.hub.Notify(ctx, in.raw()); err != nil {
		return nil, toStatus(err)
	}
	return &NotifyResponse{Listeners: s.hub.Listeners()}, nil
}

func (s *Server) Listen(in *ListenRequest, stream RelayListenServer) error {
	ctx := stream.Context()
	l, err := s.hub.Listen(ctx)
	if err != nil {
		return toStatus(err)
	}
	defer l.Close()

	s.logger.Info("relay listener attached", zap.String("process_id", in.ProcessID))
	defer s.logger.Info("relay listener detached", zap.String("process_id", in.ProcessID))

	if err := stream.Send(&Notification{Ready: true}); err != nil {
		return err
	}
	for {
		raw, err := l.Next(ctx)
		if err != nil {
			return toStatus(err)
		}
		if err := stream.Send(fromRaw(raw)); err != nil {
			return err
		}
	}
}

func (s *Server) Health(context.Context, *HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{OK: true, Listeners: s.hub.Listeners()}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, transport.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return err
	}
}

func (n *Notification) raw() transport.Raw {
	return transport.Raw{Channel: n.Channel, ID: n.ID, GlobalID: n.GlobalID, Payload: n.Payload}
}

func fromRaw(raw transport.Raw) *Notification {
	return &Notification{Channel: raw.Channel, ID: raw.ID, GlobalID: raw.GlobalID, Payload: raw.Payload}
}
