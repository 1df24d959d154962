// Command busd runs a message bus node: the HTTP polling and streaming
// endpoints, the backlog store and, optionally, the notification relay that
// joins several nodes into one bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"messagebus/internal/api"
	"messagebus/internal/backlog"
	"messagebus/internal/bus"
	"messagebus/internal/config"
	"messagebus/internal/delivery"
	"messagebus/internal/logging"
	"messagebus/internal/metrics"
	"messagebus/internal/rpc/codec"
	"messagebus/internal/rpc/relay"
	"messagebus/internal/transport"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("busd failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	keep := backlog.Retention{MaxCount: cfg.MaxBacklogSize, MaxAge: cfg.MaxBacklogAge}
	store, err := openStore(ctx, cfg, keep)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.RelayListen != "" {
		srv, lis, err := listenRelay(cfg.RelayListen, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Serve(lis); err != nil {
				logger.Error("relay server stopped", zap.Error(err))
			}
		}()
		defer srv.GracefulStop()
	}

	processID := uuid.NewString()
	var tr transport.Transport
	if cfg.RelayAddr != "" {
		rt, err := relay.Dial(cfg.RelayAddr, processID)
		if err != nil {
			return err
		}
		defer rt.Close()
		tr = rt
		logger.Info("joined relay", zap.String("addr", cfg.RelayAddr))
	} else {
		hub := transport.NewMemory(0)
		defer hub.Close()
		tr = hub
	}

	b, err := bus.New(bus.Options{
		Store:           store,
		Transport:       tr,
		Logger:          logger,
		Metrics:         m,
		Retention:       keep,
		GlobalBacklog:   cfg.GlobalBacklog,
		GlobalRetention: backlog.Retention{MaxCount: cfg.GlobalBacklogSize, MaxAge: cfg.MaxBacklogAge},
		ReplayLimit:     cfg.ReplayLimit,
		ProcessID:       processID,
	})
	if err != nil {
		return err
	}
	if cfg.Diagnostics {
		if err := b.EnableDiagnostics(); err != nil {
			return err
		}
	}
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = b.Stop() }()

	mgr, err := delivery.New(delivery.Options{
		Bus:     b,
		Logger:  logger,
		Metrics: m,
		Timeout: cfg.LongPollTimeout,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	srv := api.New(api.Options{
		Addr:       cfg.HTTPAddr,
		AdminToken: cfg.AdminToken,
		Bus:        b,
		Manager:    mgr,
		Logger:     logger,
		Gatherer:   reg,
		Security: api.SecurityConfig{
			PollRateLimit:     cfg.PollRateLimit,
			PollRateBurst:     cfg.PollRateBurst,
			TrustedProxyCIDRs: cfg.TrustedProxyCIDRs,

			IdentityProxiesOnly: cfg.IdentityProxiesOnly,
		},
	})
	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down", zap.Duration("grace", cfg.ShutdownTimeout))
	// Close the manager first so open long polls return before the HTTP
	// server waits on them.
	mgr.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config, keep backlog.Retention) (backlog.Store, error) {
	if cfg.StoreDriver == config.StoreMemory {
		return backlog.NewMemoryStore(keep), nil
	}
	s, err := backlog.OpenSQLite(cfg.SQLitePath, keep)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func listenRelay(addr string, logger *zap.Logger) (*grpc.Server, net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("relay listen %s: %w", addr, err)
	}
	srv := grpc.NewServer(grpc.ForceServerCodec(codec.JSON{}))
	relay.RegisterRelayServer(srv, relay.NewServer(transport.NewMemory(0), logger))
	logger.Info("relay listening", zap.String("addr", lis.Addr().String()))
	return srv, lis, nil
}
