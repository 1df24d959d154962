package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"messagebus/internal/backlog"
	"messagebus/internal/delivery"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	headerUserID   = "X-Message-Bus-User-Id"
	headerGroupIDs = "X-Message-Bus-Group-Ids"
	headerSiteID   = "X-Message-Bus-Site-Id"
)

// Identity is what the host application knows about a polling client.
type Identity struct {
	SiteID   string
	UserID   *int64
	GroupIDs []int64
}

// identityFromRequest treats callers outside the trusted proxy networks as
// anonymous when identity headers are restricted to proxies.
func (s *Server) identityFromRequest(r *http.Request) (Identity, error) {
	if s.identityProxiesOnly && !s.fromTrustedProxy(remoteHost(r)) {
		if r.Header.Get(headerUserID) != "" || r.Header.Get(headerGroupIDs) != "" || r.Header.Get(headerSiteID) != "" {
			s.logger.Debug("ignoring identity headers from untrusted peer", zap.String("remote", remoteHost(r)))
		}
		return Identity{}, nil
	}
	return identityFromHeaders(r)
}

func identityFromHeaders(r *http.Request) (Identity, error) {
	id := Identity{SiteID: strings.TrimSpace(r.Header.Get(headerSiteID))}
	if v := strings.TrimSpace(r.Header.Get(headerUserID)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Identity{}, fmt.Errorf("invalid %s: %q", headerUserID, v)
		}
		id.UserID = &n
	}
	for _, v := range strings.Split(r.Header.Get(headerGroupIDs), ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Identity{}, fmt.Errorf("invalid %s: %q", headerGroupIDs, v)
		}
		id.GroupIDs = append(id.GroupIDs, n)
	}
	return id, nil
}

// wireMessage is one entry of a poll response. Data that is valid JSON is
// embedded as is; anything else is sent as a string.
type wireMessage struct {
	Channel  string          `json:"channel"`
	ID       uint64          `json:"id"`
	GlobalID uint64          `json:"global_id,omitempty"`
	Data     json.RawMessage `json:"data"`
}

func toWire(ds []delivery.Delivery) []wireMessage {
	out := make([]wireMessage, 0, len(ds))
	for _, d := range ds {
		data := json.RawMessage(d.Data)
		if len(d.Data) == 0 || !json.Valid(d.Data) {
			data, _ = json.Marshal(string(d.Data))
		}
		out = append(out, wireMessage{Channel: d.Channel, ID: d.ID, GlobalID: d.GlobalID, Data: data})
	}
	return out
}

func gapBody(gaps []*backlog.GapError) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    "backlog_gap",
			"message": "requested messages are no longer retained; reload from current state",
		},
		"gaps": gaps,
	}
}

// parseChannels reads {"channel": last_id} from a JSON body, or the same
// pairs from form values. Form keys starting with "__" are protocol
// parameters, not channels.
func parseChannels(r *http.Request) (map[string]int64, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var out map[string]int64
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode channels: %w", err)
		}
		return out, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("parse form: %w", err)
	}
	out := map[string]int64{}
	for k, vs := range r.PostForm {
		if strings.HasPrefix(k, "__") || len(vs) == 0 {
			continue
		}
		n, err := strconv.ParseInt(vs[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("channel %s: invalid position %q", k, vs[0])
		}
		out[k] = n
	}
	return out, nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "t", "true", "1", "yes":
		return true
	default:
		return false
	}
}

func (s *Server) allowPoll(w http.ResponseWriter, r *http.Request) bool {
	if s.pollLimiter.Allow(s.clientIP(r), time.Now()) {
		return true
	}
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many poll requests")
	return false
}

func (s *Server) request(r *http.Request, clientID string, channels map[string]int64) (delivery.Request, error) {
	id, err := s.identify(r)
	if err != nil {
		return delivery.Request{}, err
	}
	return delivery.Request{
		ClientID: clientID,
		SiteID:   id.SiteID,
		UserID:   id.UserID,
		GroupIDs: id.GroupIDs,
		Channels: channels,
	}, nil
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request, clientID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if !s.allowPoll(w, r) {
		return
	}
	channels, err := parseChannels(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req, err := s.request(r, clientID, channels)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_identity", err.Error())
		return
	}
	req.NoWait = truthy(r.URL.Query().Get("dlp"))

	res, err := s.manager.Poll(r.Context(), req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		s.writeBusError(w, r, err)
		return
	}
	if len(res.Gaps) > 0 {
		writeJSON(w, http.StatusConflict, gapBody(res.Gaps))
		return
	}
	writeJSON(w, http.StatusOK, toWire(res.Messages))
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type streamHello struct {
	Channels map[string]int64 `json:"channels"`
}

const (
	helloTimeout = 10 * time.Second
	writeTimeout = 10 * time.Second
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, clientID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if !s.allowPoll(w, r) {
		return
	}
	req, err := s.request(r, clientID, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_identity", err.Error())
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var hello streamHello
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	if err := conn.ReadJSON(&hello); err != nil {
		s.logger.Debug("stream hello failed", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	req.Channels = hello.Channels

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// Reads keep control frames flowing; the first failure means the
		// peer went away.
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = s.manager.Stream(ctx, req, func(res delivery.Result) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if len(res.Gaps) > 0 {
			return conn.WriteJSON(gapBody(res.Gaps))
		}
		return conn.WriteJSON(toWire(res.Messages))
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, delivery.ErrNoChannels), errors.Is(err, delivery.ErrClosed):
		_ = conn.WriteJSON(errorBody("stream_rejected", err.Error()))
	default:
		s.logger.Debug("stream ended", zap.String("client_id", clientID), zap.Error(err))
		_ = conn.WriteJSON(errorBody("stream_failed", err.Error()))
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func errorBody(code, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody(code, message))
}

func writeJSON(w http.ResponseWriter, status int, obj any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(obj)
}
