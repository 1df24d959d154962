package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"messagebus/internal/backlog"
	"messagebus/internal/bus"
	"messagebus/internal/channel"
	"messagebus/internal/delivery"
	"messagebus/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Options struct {
	Addr       string
	AdminToken string
	Bus        *bus.Bus
	Manager    *delivery.Manager
	Logger     *zap.Logger
	// Gatherer backs /metrics; the endpoint is not mounted when nil.
	Gatherer prometheus.Gatherer
	// Identify resolves who is polling. Nil reads the X-Message-Bus-*
	// headers, subject to Security.IdentityProxiesOnly.
	Identify func(*http.Request) (Identity, error)
	Security SecurityConfig
}

type Server struct {
	httpServer *http.Server
	bus        *bus.Bus
	manager    *delivery.Manager
	logger     *zap.Logger
	adminToken string
	identify   func(*http.Request) (Identity, error)

	pollLimiter      *ipLimiter
	trustedProxyNets []*net.IPNet

	identityProxiesOnly bool
}

func New(opts Options) *Server {
	cfg := normalizeSecurityConfig(opts.Security)
	s := &Server{
		bus:         opts.Bus,
		manager:     opts.Manager,
		logger:      logging.OrNop(opts.Logger).Named("api"),
		adminToken:  opts.AdminToken,
		identify:    opts.Identify,
		pollLimiter: newIPLimiter(cfg.PollRateLimit, cfg.PollRateBurst),

		identityProxiesOnly: cfg.IdentityProxiesOnly,
	}
	if s.identify == nil {
		s.identify = s.identityFromRequest
	}
	nets, invalid := parseTrustedProxyCIDRs(cfg.TrustedProxyCIDRs)
	if len(invalid) > 0 {
		s.logger.Warn("ignoring invalid trusted proxy cidrs", zap.Strings("cidrs", invalid))
	}
	s.trustedProxyNets = nets

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/message-bus/", s.handleClient)
	mux.HandleFunc("/admin/publish", s.withAdmin(s.handlePublish))
	mux.HandleFunc("/admin/off", s.withAdmin(s.handleOff))
	mux.HandleFunc("/admin/on", s.withAdmin(s.handleOn))
	mux.HandleFunc("/admin/status", s.withAdmin(s.handleStatus))
	if opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.logger.Info("message bus listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			s.auditf(r, "auth_failed", "invalid bearer token")
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

// authorized accepts any request when no admin token is configured.
func (s *Server) authorized(r *http.Request) bool {
	if s.adminToken == "" {
		return true
	}
	parts := strings.SplitN(strings.TrimSpace(r.Header.Get("Authorization")), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return false
	}
	return strings.TrimSpace(parts[1]) == s.adminToken
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "off": s.bus.IsOff()})
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/message-bus/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not_found", "expected /message-bus/{client_id}/poll or /ws")
		return
	}
	clientID := parts[0]
	switch parts[1] {
	case "poll":
		s.handlePoll(w, r, clientID)
	case "ws":
		s.handleStream(w, r, clientID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown action")
	}
}

func remoteHost(r *http.Request) string {
	remote := strings.TrimSpace(r.RemoteAddr)
	if h, _, err := net.SplitHostPort(remote); err == nil && h != "" {
		remote = h
	}
	return remote
}

func (s *Server) clientIP(r *http.Request) string {
	remote := remoteHost(r)
	if remote == "" {
		return "unknown"
	}
	if !s.fromTrustedProxy(remote) {
		return remote
	}
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
		first := strings.TrimSpace(strings.Split(v, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}
	return remote
}

func (s *Server) fromTrustedProxy(remote string) bool {
	ip := net.ParseIP(remote)
	if ip == nil {
		return false
	}
	for _, n := range s.trustedProxyNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) auditf(r *http.Request, event, detail string) {
	s.logger.Info("audit",
		zap.String("event", event),
		zap.String("ip", s.clientIP(r)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("detail", detail),
	)
}

// writeBusError maps bus and delivery failures onto the error envelope.
func (s *Server) writeBusError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, channel.ErrInvalidChannelName):
		writeError(w, http.StatusBadRequest, "invalid_channel", err.Error())
	case errors.Is(err, delivery.ErrNoChannels):
		writeError(w, http.StatusBadRequest, "no_channels", err.Error())
	case errors.Is(err, backlog.ErrUnavailable):
		s.logger.Warn("backlog unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "backlog_unavailable", "message backlog is unavailable")
	case errors.Is(err, delivery.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
